package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vipul43/mailcode-worker/internal/events"
	"github.com/vipul43/mailcode-worker/internal/models"
	"github.com/vipul43/mailcode-worker/internal/repository"
	"github.com/vipul43/mailcode-worker/internal/watcher"
)

const maxCodesLimit = 100

// HealthHandler reports liveness
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ListMonitorsHandler returns the scheduler snapshot
func ListMonitorsHandler(scheduler Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		monitors := scheduler.Monitors()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"monitors": monitors,
			"count":    len(monitors),
		})
	}
}

// StartMonitorHandler starts monitoring an existing account, or resets its interval
func StartMonitorHandler(scheduler Scheduler, accounts AccountReader, defaultInterval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "id")

		interval := defaultInterval
		if raw := r.URL.Query().Get("interval"); raw != "" {
			parsed, err := parseInterval(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid interval")
				return
			}
			interval = parsed
		}

		if accounts != nil {
			if _, err := accounts.GetByID(r.Context(), accountID); err != nil {
				if errors.Is(err, repository.ErrAccountNotFound) {
					writeError(w, http.StatusNotFound, "account not found")
					return
				}
				writeError(w, http.StatusInternalServerError, "failed to load account")
				return
			}
		}

		if err := scheduler.StartMonitoring(accountID, interval); err != nil {
			if errors.Is(err, watcher.ErrInvalidInterval) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"account_id": accountID,
			"interval":   interval.String(),
		})
	}
}

// StopMonitorHandler stops monitoring an account
func StopMonitorHandler(scheduler Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "id")
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = events.ReasonRequested
		}

		if err := scheduler.StopMonitoring(accountID, reason); err != nil {
			if errors.Is(err, watcher.ErrNotMonitored) {
				writeError(w, http.StatusNotFound, "account is not monitored")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// TriggerCheckHandler queues an immediate check cycle
func TriggerCheckHandler(scheduler Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "id")
		if err := scheduler.TriggerNow(accountID); err != nil {
			if errors.Is(err, watcher.ErrNotMonitored) {
				writeError(w, http.StatusNotFound, "account is not monitored")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"account_id": accountID, "status": "queued"})
	}
}

type codeResponse struct {
	AccountID  string    `json:"account_id"`
	Code       string    `json:"code"`
	Subject    string    `json:"subject"`
	Sender     string    `json:"sender"`
	ReceivedAt time.Time `json:"received_at"`
	CreatedAt  time.Time `json:"created_at"`
	Fresh      bool      `json:"fresh"`
}

func toCodeResponse(code models.ExtractedCode, now time.Time) codeResponse {
	return codeResponse{
		AccountID:  code.AccountID,
		Code:       code.Code,
		Subject:    code.Subject,
		Sender:     code.Sender,
		ReceivedAt: code.ReceivedAt,
		CreatedAt:  code.CreatedAt,
		Fresh:      models.CodeIsFresh(now, code.CreatedAt),
	}
}

// LatestCodeHandler returns the most recently received code for an account
func LatestCodeHandler(codes CodeReader, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "id")

		code, err := codes.Latest(r.Context(), accountID)
		if err != nil {
			if errors.Is(err, repository.ErrCodeNotFound) {
				writeError(w, http.StatusNotFound, "no code found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load code")
			return
		}
		writeJSON(w, http.StatusOK, toCodeResponse(*code, now()))
	}
}

// ListCodesHandler returns recent codes for an account, newest first
func ListCodesHandler(codes CodeReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "id")

		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = min(n, maxCodesLimit)
		}

		list, err := codes.ListByAccount(r.Context(), accountID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load codes")
			return
		}

		now := time.Now()
		out := make([]codeResponse, 0, len(list))
		for _, c := range list {
			out = append(out, toCodeResponse(c, now))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"codes": out,
			"count": len(out),
		})
	}
}

// parseInterval accepts a Go duration ("90s", "2m") or a plain number of seconds
func parseInterval(raw string) (time.Duration, error) {
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, errors.New("interval must be positive")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("interval must be positive")
	}
	return d, nil
}
