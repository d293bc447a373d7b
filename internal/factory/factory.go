package factory

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"telemetry-service/internal/anonymizer"
	"telemetry-service/internal/client"
	"telemetry-service/internal/config"
	"telemetry-service/internal/handler"
	"telemetry-service/internal/metrics"
	"telemetry-service/internal/repository"
	filestore "telemetry-service/internal/repository/file"
	redisstore "telemetry-service/internal/repository/redis"
	"telemetry-service/internal/service"
	"telemetry-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config *config.Config
	logger *zap.Logger

	// Clients
	redisClient   *client.RedisClient
	kafkaProducer *client.KafkaProducer

	anonymizer *anonymizer.Anonymizer
	static     *handler.StaticPayloads
	registry   *prometheus.Registry
	metrics    *metrics.Metrics

	// Repositories
	remoteStore repository.InstanceRepository
	localStore  repository.InstanceRepository

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration and builds every dependency. Any error
// here is a startup error; the process must not serve requests.
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config: cfg,
		logger: logger,
		closed: make(chan struct{}),
	}

	if f.anonymizer, err = anonymizer.NewFromConfig(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize anonymizer: %w", err)
	}
	if f.static, err = handler.LoadStaticPayloads(cfg.Server.StaticDir); err != nil {
		return nil, err
	}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	// Clients are live from here on; release them on any later failure.
	if err := f.initializeRepositories(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}
	f.initializeMetrics()
	f.logStoreCounts()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("kafka_enabled", f.kafkaProducer != nil),
		util.Duration("instance_ttl", cfg.Telemetry.InstanceTTL),
	)
	return f, nil
}

// initializeClients connects to Redis, which is required, and Kafka, which
// is optional.
func (f *Factory) initializeClients() error {
	redisClient, err := client.NewRedisClient(f.config, f.logger)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient

	if f.config.KafkaEnabled() {
		producer, err := client.NewKafkaProducer(f.config, f.logger)
		if err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without check-in events", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}
	return nil
}

func (f *Factory) initializeRepositories() error {
	t := f.config.Telemetry

	dataDir := filepath.Dir(f.config.FileStore.Path)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("instance file directory %s: %w", dataDir, err)
	}

	f.remoteStore = repository.NewRetrying(
		redisstore.NewInstanceStore(f.redisClient, f.config.Redis.KeyPrefix, t.InstanceTTL, f.logger),
		t.StoreMaxRetries,
		f.logger,
	)
	f.localStore = repository.NewRetrying(
		filestore.NewInstanceStore(f.config.FileStore.Path, f.logger),
		t.StoreMaxRetries,
		f.logger,
	)
	return nil
}

// logStoreCounts reports how many instances each store already holds. A
// malformed local document shows up here before the first check-in fails.
func (f *Factory) logStoreCounts() {
	ctx, cancel := context.WithTimeout(context.Background(), f.config.Telemetry.StoreTimeout)
	defer cancel()

	for name, store := range map[string]repository.InstanceRepository{"redis": f.remoteStore, "file": f.localStore} {
		n, err := store.Count(ctx)
		if err != nil {
			util.Warn("Failed to count instances", util.String("store", name), util.ErrorField(err))
			continue
		}
		util.Info("Instance store ready", util.String("store", name), util.Int("instances", n))
	}
}

func (f *Factory) initializeMetrics() {
	f.registry = prometheus.NewRegistry()
	f.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f.metrics = metrics.New(f.registry)
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		// A nil *KafkaProducer must not become a non-nil interface.
		var publisher service.EventPublisher
		if f.kafkaProducer != nil {
			publisher = f.kafkaProducer
		}
		f.serviceFactory = service.NewServiceFactory(
			f.remoteStore,
			f.localStore,
			f.anonymizer,
			publisher,
			f.metrics,
			service.TelemetryConfig{
				APIKey:          f.config.Telemetry.APIKey,
				DenyRedirectURL: f.config.Telemetry.DenyRedirectURL,
				StoreTimeout:    f.config.Telemetry.StoreTimeout,
			},
			f.logger,
		)
	}
	return f.serviceFactory
}

// Router builds the HTTP handler tree.
func (f *Factory) Router() http.Handler {
	telemetry := f.ServiceFactory().TelemetryService()
	h := handler.NewTelemetryHandler(telemetry, f.static, f.logger)
	return handler.NewRouter(h, handler.RouterOptions{
		TrustProxy:         f.config.Server.TrustProxy,
		RequestTimeout:     f.config.Server.RequestTimeout,
		CORSAllowedOrigins: f.config.Server.CORSAllowedOrigins,
		Health:             f.criticalHealth,
		Metrics:            promhttp.HandlerFor(f.registry, promhttp.HandlerOpts{Registry: f.registry}),
	}, f.logger)
}

// HealthCheck reports every unhealthy component, Kafka included.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := f.ServiceFactory().TelemetryService().HealthCheck(ctx)
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}
	return healthErrors
}

// criticalHealth ignores Kafka; check-ins work without it.
func (f *Factory) criticalHealth(ctx context.Context) map[string]error {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	return len(f.criticalHealth(ctx)) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})
	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}
