package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"telemetry-service/internal/service"
)

// APIKeyHeader carries the operator credential for /instances.
const APIKeyHeader = "cool-api-key"

const (
	versionsFile = "versions.json"
	versionFile  = "version.json"
)

// StaticPayloads are the version descriptors returned by the check-in
// endpoints, read once at startup.
type StaticPayloads struct {
	Versions []byte
	Version  []byte
}

// LoadStaticPayloads reads versions.json and version.json from dir. Both
// must exist and hold valid JSON.
func LoadStaticPayloads(dir string) (*StaticPayloads, error) {
	read := func(name string) ([]byte, error) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read static payload %s: %w", name, err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("static payload %s is not valid JSON", name)
		}
		return data, nil
	}

	versions, err := read(versionsFile)
	if err != nil {
		return nil, err
	}
	version, err := read(versionFile)
	if err != nil {
		return nil, err
	}
	return &StaticPayloads{Versions: versions, Version: version}, nil
}

// Response is the error envelope.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type TelemetryHandler struct {
	telemetry *service.TelemetryService
	static    *StaticPayloads
	logger    *zap.Logger
}

func NewTelemetryHandler(telemetry *service.TelemetryService, static *StaticPayloads, logger *zap.Logger) *TelemetryHandler {
	return &TelemetryHandler{
		telemetry: telemetry,
		static:    static,
		logger:    logger,
	}
}

func (h *TelemetryHandler) RegisterRoutes(router chi.Router) {
	router.Get("/versions.json", h.AppCheckin)
	router.Get("/version.json", h.AddressCheckin)
	router.Get("/instances", h.Instances)
}

// AppCheckin records ?appId= in the remote store, then serves versions.json.
func (h *TelemetryHandler) AppCheckin(w http.ResponseWriter, r *http.Request) {
	err := h.telemetry.CheckInApp(r.Context(), r.URL.Query().Get("appId"))
	if !h.checkinOK(w, err) {
		return
	}
	h.respondWithPayload(w, h.static.Versions)
}

// AddressCheckin records the anonymized caller address when ?type= is
// present, then serves version.json.
func (h *TelemetryHandler) AddressCheckin(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Has("type") {
		err := h.telemetry.CheckInAddress(r.Context(), r.RemoteAddr)
		if !h.checkinOK(w, err) {
			return
		}
	}
	h.respondWithPayload(w, h.static.Version)
}

// Instances returns the summary to callers holding the API key and
// redirects everyone else.
func (h *TelemetryHandler) Instances(w http.ResponseWriter, r *http.Request) {
	auth := h.telemetry.Authorize(r.Header.Get(APIKeyHeader))
	if !auth.Granted() {
		http.Redirect(w, r, auth.RedirectURL, http.StatusFound)
		return
	}

	summary, err := h.telemetry.Summary(r.Context())
	if err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err, "instance store unavailable")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondWithJSON(w, http.StatusOK, summary)
}

// checkinOK writes the failure response and returns false when err should
// stop the request. A missing identifier is not a failure.
func (h *TelemetryHandler) checkinOK(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil, errors.Is(err, service.ErrMissingIdentifier):
		return true
	case errors.Is(err, service.ErrInvalidInput):
		h.respondWithError(w, http.StatusBadRequest, err, "invalid app id")
	default:
		h.respondWithError(w, http.StatusServiceUnavailable, err, "check-in could not be recorded")
	}
	return false
}

func (h *TelemetryHandler) respondWithPayload(w http.ResponseWriter, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		h.logger.Debug("Failed to write payload", zap.Error(err))
	}
}

// respondWithError logs err but only sends message; store errors can carry
// paths and addresses that callers should not see.
func (h *TelemetryHandler) respondWithError(w http.ResponseWriter, status int, err error, message string) {
	h.logger.Warn("Request failed", zap.Int("status", status), zap.Error(err))
	respondWithJSON(w, status, Response{Success: false, Error: message})
}

func respondWithJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
