// Package api exposes a small control surface over the monitor scheduler.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/vipul43/mailcode-worker/internal/models"
	"github.com/vipul43/mailcode-worker/internal/watcher"
)

// Scheduler is the part of the watcher the API drives
type Scheduler interface {
	Monitors() []watcher.MonitorInfo
	StartMonitoring(accountID string, interval time.Duration) error
	StopMonitoring(accountID, reason string) error
	TriggerNow(accountID string) error
}

// CodeReader reads stored verification codes
type CodeReader interface {
	Latest(ctx context.Context, accountID string) (*models.ExtractedCode, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]models.ExtractedCode, error)
}

// AccountReader looks up monitored accounts
type AccountReader interface {
	GetByID(ctx context.Context, accountID string) (*models.MonitoredAccount, error)
}

type Deps struct {
	Scheduler       Scheduler
	Codes           CodeReader
	Accounts        AccountReader
	DefaultInterval time.Duration
	Logger          *logrus.Logger
	Now             func() time.Time
}

// NewRouter builds the HTTP handler for the control API
func NewRouter(deps Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(deps.Logger))

	r.Get("/healthz", HealthHandler())

	r.Route("/monitors", func(r chi.Router) {
		r.Get("/", ListMonitorsHandler(deps.Scheduler))
		r.Put("/{id}", StartMonitorHandler(deps.Scheduler, deps.Accounts, deps.DefaultInterval))
		r.Delete("/{id}", StopMonitorHandler(deps.Scheduler))
		r.Post("/{id}/check", TriggerCheckHandler(deps.Scheduler))
	})

	r.Route("/accounts/{id}", func(r chi.Router) {
		r.Get("/code", LatestCodeHandler(deps.Codes, deps.Now))
		r.Get("/codes", ListCodesHandler(deps.Codes))
	})

	return r
}

func requestLogger(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if logger == nil {
				next.ServeHTTP(w, r)
				return
			}
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  chimiddleware.GetReqID(r.Context()),
			}).Debug("HTTP request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
