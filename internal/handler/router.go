package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"telemetry-service/internal/util"
)

// HealthFunc reports unhealthy components by name.
type HealthFunc func(ctx context.Context) map[string]error

type RouterOptions struct {
	// TrustProxy takes the client address from True-Client-IP, X-Real-IP or
	// X-Forwarded-For. Enable only behind a reverse proxy that sets them.
	TrustProxy         bool
	RequestTimeout     time.Duration
	CORSAllowedOrigins []string
	Health             HealthFunc
	Metrics            http.Handler
}

// NewRouter creates the chi router with middleware, telemetry routes,
// health and metrics.
func NewRouter(h *TelemetryHandler, opts RouterOptions, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	if opts.TrustProxy {
		router.Use(middleware.RealIP)
	}
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	if opts.RequestTimeout > 0 {
		router.Use(middleware.Timeout(opts.RequestTimeout))
	}

	origins := opts.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", APIKeyHeader},
		MaxAge:         300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]interface{}{"status": "healthy", "service": "telemetry-service"}
		if opts.Health != nil {
			if failures := opts.Health(r.Context()); len(failures) > 0 {
				status = http.StatusServiceUnavailable
				components := make(map[string]string, len(failures))
				for name, err := range failures {
					components[name] = err.Error()
				}
				body["status"] = "degraded"
				body["components"] = components
			}
		}
		respondWithJSON(w, status, body)
	})

	if opts.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	h.RegisterRoutes(router)

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusNotFound, Response{Error: "endpoint not found"})
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusMethodNotAllowed, Response{Error: "method not allowed"})
	})

	return router
}

// LoggerMiddleware logs one line per request. Client addresses are left out
// so the logs do not undo the anonymization.
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.Int("status", ww.Status()),
					util.Int("bytes", ww.BytesWritten()),
					util.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
