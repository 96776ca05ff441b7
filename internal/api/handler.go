package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/heartql/heartql/internal/auth"
	"github.com/heartql/heartql/internal/config"
	"github.com/heartql/heartql/internal/observability"
	"github.com/heartql/heartql/internal/pipeline"
	"github.com/heartql/heartql/internal/query"
	"github.com/heartql/heartql/internal/schema"
)

type ReadinessCheck func(ctx context.Context) error

// Asker runs questions through the pipeline.
type Asker interface {
	Answer(ctx context.Context, question string) (pipeline.Answer, error)
	Translate(ctx context.Context, question string) (pipeline.Translation, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	// Pipeline is nil when no model provider is configured; the question
	// routes then answer 501.
	Pipeline Asker
	Schema   *schema.Context
	UI       http.Handler
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	router := chi.NewRouter()
	router.Use(
		middleware.Recoverer,
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	)
	if deps.Logger != nil {
		router.Use(observability.LoggingMiddleware(deps.Logger))
	}
	if len(cfg.HTTP.CORSOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.HTTP.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", observability.TraceHeader},
			ExposedHeaders: []string{observability.TraceHeader, "Content-Disposition"},
			MaxAge:         300,
		}))
	}
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(r.Context(), w, http.StatusNotFound, "NotFound", "route not found", false)
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(r.Context(), w, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed", false)
	})

	router.Get("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})
	router.Get("/v1/ready", func(w http.ResponseWriter, r *http.Request) {
		handleReady(deps, w, r)
	})
	router.Method(http.MethodGet, "/v1/metrics", promhttp.Handler())

	router.Group(func(protected chi.Router) {
		if cfg.Auth.Required {
			if deps.AuthMiddleware == nil {
				if deps.Logger != nil {
					deps.Logger.Error("auth required but auth middleware missing")
				}
				protected.Use(func(http.Handler) http.Handler {
					return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
						writeError(r.Context(), w, http.StatusInternalServerError, "AuthMiddlewareMissing", "auth middleware is required by configuration", false)
					})
				})
			} else {
				protected.Use(deps.AuthMiddleware)
			}
		}

		protected.Group(func(read chi.Router) {
			read.Use(auth.RequireRole(auth.RoleRead))
			read.Get("/v1/schema", func(w http.ResponseWriter, r *http.Request) {
				handleSchema(deps, w, r)
			})
			read.Get("/v1/dictionary", func(w http.ResponseWriter, r *http.Request) {
				handleDictionary(deps, w, r)
			})
		})

		protected.Group(func(ask chi.Router) {
			ask.Use(auth.RequireRole(auth.RoleAsk))
			if cfg.RateLimit.Enabled {
				ask.Use(newClientLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst).Middleware)
			}
			ask.Post("/v1/ask", func(w http.ResponseWriter, r *http.Request) {
				handleAsk(deps, w, r)
			})
			ask.Post("/v1/ask/export", func(w http.ResponseWriter, r *http.Request) {
				handleAskExport(deps, w, r)
			})
			ask.Post("/v1/translate", func(w http.ResponseWriter, r *http.Request) {
				handleTranslate(deps, w, r)
			})
		})
	})

	if deps.UI != nil {
		router.Method(http.MethodGet, "/", deps.UI)
		router.Method(http.MethodGet, "/*", deps.UI)
	}
	return router
}

func handleReady(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "NotReady", "model provider is not configured", true)
		return
	}
	if deps.Readiness == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	timeout := deps.DependencyTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if err := deps.Readiness(ctx); err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "NotReady", err.Error(), true)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// PingCheck reports whether the database behind pinger answers.
func PingCheck(pinger query.Pinger) ReadinessCheck {
	return func(ctx context.Context) error {
		if pinger == nil {
			return errors.New("database is not configured")
		}
		return pinger.Ping(ctx)
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, kind, message string, retryable bool) {
	writeJSON(w, status, errorResponse{
		ErrorKind: kind,
		Message:   message,
		Retryable: retryable,
		TraceID:   observability.TraceIDFromContext(ctx),
	})
}

type errorResponse struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	SQL       string `json:"sql,omitempty"`
	TraceID   string `json:"trace_id"`
}
