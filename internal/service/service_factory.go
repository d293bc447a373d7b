package service

import (
	"go.uber.org/zap"

	"telemetry-service/internal/anonymizer"
	"telemetry-service/internal/metrics"
	"telemetry-service/internal/repository"
)

// ServiceFactory creates and owns service instances.
type ServiceFactory struct {
	remote     repository.InstanceRepository
	local      repository.InstanceRepository
	anonymizer *anonymizer.Anonymizer
	publisher  EventPublisher
	metrics    *metrics.Metrics
	cfg        TelemetryConfig
	logger     *zap.Logger

	telemetryService *TelemetryService
}

func NewServiceFactory(
	remote repository.InstanceRepository,
	local repository.InstanceRepository,
	anon *anonymizer.Anonymizer,
	publisher EventPublisher,
	m *metrics.Metrics,
	cfg TelemetryConfig,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		remote:     remote,
		local:      local,
		anonymizer: anon,
		publisher:  publisher,
		metrics:    m,
		cfg:        cfg,
		logger:     logger,
	}
}

// TelemetryService returns the singleton telemetry service.
func (f *ServiceFactory) TelemetryService() *TelemetryService {
	if f.telemetryService == nil {
		f.telemetryService = NewTelemetryService(
			f.remote,
			f.local,
			f.anonymizer,
			f.publisher,
			f.metrics,
			f.cfg,
			f.logger,
		)
	}
	return f.telemetryService
}

func (f *ServiceFactory) Cleanup() {
	if f.telemetryService != nil {
		f.telemetryService.Cleanup()
	}
}
