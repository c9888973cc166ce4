package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ephemeral-auth/internal/monitor"
	"ephemeral-auth/internal/store"
	"ephemeral-auth/internal/util"
)

// StoreHealth reports the state of the ephemeral store.
type StoreHealth interface {
	Ping(ctx context.Context) error
	Stats() store.Stats
}

type RouterOptions struct {
	AllowedOrigins []string
	RequireHTTPS   bool
	Gatherer       prometheus.Gatherer
	// Dependencies reports optional backing services by name; a non-nil
	// error marks the service degraded.
	Dependencies func(ctx context.Context) map[string]error
}

const dependencyCheckTimeout = 2 * time.Second

// requireHTTPS rejects any request that wasn't made over TLS, directly or
// through a terminating proxy
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && !strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired) // 426
			w.Write([]byte(`{"error":"https required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(otpHandler *OTPHandler, health StoreHealth, mon *monitor.Monitor, opts RouterOptions, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if opts.RequireHTTPS {
		router.Use(requireHTTPS)
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(30 * time.Second))

	// Cross-origin requests from unknown origins are recorded and refused
	router.Use(originGuard(opts.AllowedOrigins, mon))
	router.Use(cors.Handler(cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			return originAllowed(opts.AllowedOrigins, origin)
		},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", OrgHeader, "X-Request-ID"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		stats := health.Stats()
		status := "healthy"
		if err := health.Ping(r.Context()); err != nil || stats.Degraded {
			status = "degraded"
		}
		body := map[string]interface{}{
			"status":  status,
			"service": "ephemeral-auth",
			"store":   stats,
		}
		if opts.Dependencies != nil {
			ctx, cancel := context.WithTimeout(r.Context(), dependencyCheckTimeout)
			failures := opts.Dependencies(ctx)
			cancel()
			deps := make(map[string]string, len(failures))
			for name, err := range failures {
				if err != nil {
					deps[name] = err.Error()
					body["status"] = "degraded"
				}
			}
			body["dependencies"] = deps
		}
		otpHandler.respondWithJSON(w, http.StatusOK, body)
	})

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// API routes
	router.Route("/api/v1", func(r chi.Router) {
		otpHandler.RegisterRoutes(r)
	})

	// 404 handler
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	// Method not allowed handler
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"error":"method not allowed"}`))
	})

	return router
}

func originGuard(allowed []string, mon *monitor.Monitor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && !originAllowed(allowed, origin) {
				mon.TrackCorsViolation(r.Context(), origin, r.URL.Path, r.Header.Get(OrgHeader))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"error":"origin not allowed"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// originAllowed matches origin against exact entries, "*" and single-wildcard
// patterns such as https://*.example.com.
func originAllowed(allowed []string, origin string) bool {
	for _, pattern := range allowed {
		if pattern == "*" || strings.EqualFold(pattern, origin) {
			return true
		}
		if i := strings.IndexByte(pattern, '*'); i >= 0 {
			prefix, suffix := pattern[:i], pattern[i+1:]
			if len(origin) >= len(prefix)+len(suffix) &&
				strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
				return true
			}
		}
	}
	return false
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
