package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/sakif/borgwarehouse/internal/auth"
	"github.com/sakif/borgwarehouse/internal/service"
)

// CronHandler exposes the scheduled jobs to an external cron caller that
// authenticates with a single shared bearer secret.
type CronHandler struct {
	reconciler *service.Reconciler
	storage    *service.StorageMonitor
	secret     string
	logger     *slog.Logger
}

// NewCronHandler serves the cron endpoints. An empty secret rejects every call.
func NewCronHandler(reconciler *service.Reconciler, storage *service.StorageMonitor, secret string, logger *slog.Logger) *CronHandler {
	return &CronHandler{reconciler: reconciler, storage: storage, secret: secret, logger: logger}
}

// RequireSecret rejects requests whose bearer credential is not the cron
// secret. An empty configured secret rejects everything.
func (h *CronHandler) RequireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := auth.BearerToken(r.Header.Get("Authorization"))
		if !ok || h.secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) != 1 {
			h.logger.Warn("cron request rejected",
				slog.String("path", r.URL.Path),
				slog.String("remote", r.RemoteAddr),
			)
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{
				Error:   "unauthorized",
				Message: "invalid cron secret",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleCheckStatus runs one reconciliation pass.
//
// HTTP: POST /api/cronjob/check-status
// RESPONSE: {"message": "executed successfully", "checked": 3, "down": 1, "alerted": 1}
func (h *CronHandler) HandleCheckStatus(w http.ResponseWriter, r *http.Request) {
	res, err := h.reconciler.Run(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleStorageUsed refreshes storageUsed from the provisioner.
//
// HTTP: POST /api/cronjob/storage-used
func (h *CronHandler) HandleStorageUsed(w http.ResponseWriter, r *http.Request) {
	res, err := h.storage.Refresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
