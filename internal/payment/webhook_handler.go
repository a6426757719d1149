package payment

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/kimenyu/mpesa-bridge/internal/core/events"
	"github.com/kimenyu/mpesa-bridge/internal/transport"
)

// maxCallbackBytes bounds how much of an inbound callback body is read.
const maxCallbackBytes = 1 << 20

// WebhookHandler receives provider callbacks. The provider enforces a short
// response timeout and treats slow responses as delivery failures, so the
// fixed acknowledgement is written before any processing starts and is
// never affected by what the resolver later decides.
type WebhookHandler struct {
	*transport.BaseHandler
	eventBus *events.EventBus
	logger   *slog.Logger
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, eventBus *events.EventBus, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler: baseHandler,
		eventBus:    eventBus,
		logger:      logger,
	}
}

// HandleCallback handles POST /mpesa/callback
func (h *WebhookHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))

	// Unconditional ack first: even an unreadable body is acknowledged,
	// since the provider cannot meaningfully distinguish our failure from
	// its own and would only redeliver aggressively.
	h.WriteJSON(w, http.StatusOK, CallbackAck{ResultCode: 0, ResultDesc: "Accepted"})

	if err != nil {
		h.logger.Warn("failed to read callback body", "error", err)
		return
	}
	if len(body) == 0 {
		h.logger.Warn("empty callback body")
		return
	}

	h.logger.Info("callback received", "size_bytes", len(body))

	// The request context dies with the response; processing continues on
	// a background context.
	h.eventBus.Publish(context.Background(), events.NewCallbackReceivedEvent(json.RawMessage(body)))
}
