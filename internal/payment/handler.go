package payment

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	errors "github.com/kimenyu/mpesa-bridge/internal"
	"github.com/kimenyu/mpesa-bridge/internal/transport"
)

// InitiationAPI is the coordinator surface the handler depends on.
type InitiationAPI interface {
	Initiate(ctx context.Context, req InitiateRequest) (*InitiationResult, error)
}

type Handler struct {
	*transport.BaseHandler
	service InitiationAPI
	logger  *slog.Logger
}

func NewHandler(baseHandler *transport.BaseHandler, service InitiationAPI, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		service:     service,
		logger:      logger,
	}
}

// InitiatePayment handles POST /api/v1/payments/initiate
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("invalid initiation request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}

	result, err := h.service.Initiate(r.Context(), req)
	if err != nil {
		h.HandleError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusAccepted, result)
}
