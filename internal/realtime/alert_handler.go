package realtime

import (
	"context"

	"github.com/mbd888/perimeter/internal/sentinel"
)

// AlertHandler bridges the alert dispatcher to the live feed: high-severity
// activities are broadcast to connected WebSocket clients.
type AlertHandler struct {
	hub *Hub
}

// NewAlertHandler wraps a hub as an alert handler.
func NewAlertHandler(hub *Hub) *AlertHandler {
	return &AlertHandler{hub: hub}
}

// Name identifies the handler to the dispatcher.
func (h *AlertHandler) Name() string { return "realtime" }

// Handle broadcasts the activity. Never blocks: the hub drops the frame when
// its broadcast buffer is full.
func (h *AlertHandler) Handle(ctx context.Context, activity *sentinel.SuspiciousActivity) error {
	h.hub.BroadcastActivity(activity)
	return nil
}
