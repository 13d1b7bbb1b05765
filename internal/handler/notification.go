package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/borgwarehouse/internal/service"
)

type NotificationHandler struct {
	svc    *service.NotificationService
	logger *slog.Logger
}

// NewNotificationHandler creates a NotificationHandler.
func NewNotificationHandler(svc *service.NotificationService, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{svc: svc, logger: logger}
}

type testNotificationRequest struct {
	Channel string `json:"channel"`
}

// HandleTest sends a test message and reports the channel outcome. A failed
// delivery is still a 200: the report carries the failure.
//
// HTTP: POST /api/notifications/test
func (h *NotificationHandler) HandleTest(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var in testNotificationRequest
	if err := decodeJSON(w, r, &in, false); err != nil {
		writeError(w, err)
		return
	}
	report, err := h.svc.Test(r.Context(), p, in.Channel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
