package payment

import (
	"context"
	"log/slog"
	"time"

	"github.com/kimenyu/mpesa-bridge/internal/core/datamodel/payment"
	"github.com/kimenyu/mpesa-bridge/internal/core/events"
	"github.com/kimenyu/mpesa-bridge/internal/correlation"
	"github.com/kimenyu/mpesa-bridge/internal/daraja"
)

// PushInitiator is the slice of the provider client the coordinator needs.
type PushInitiator interface {
	STKPush(ctx context.Context, req daraja.STKPushRequest) (*daraja.STKPushResponse, error)
}

// Service coordinates payment initiation: it submits the push request to
// the provider and, only on success, binds the returned CheckoutRequestID
// to the caller's request context so the eventual callback can be
// attributed.
type Service struct {
	provider PushInitiator
	store    correlation.Store
	eventBus *events.EventBus
	logger   *slog.Logger
}

func NewService(provider PushInitiator, store correlation.Store, eventBus *events.EventBus, logger *slog.Logger) *Service {
	return &Service{
		provider: provider,
		store:    store,
		eventBus: eventBus,
		logger:   logger,
	}
}

// Initiate validates the request, submits the STK push and writes exactly
// one binding per successful initiation. Provider failures surface to the
// caller and write nothing.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*InitiationResult, error) {
	if err := req.Validate(); err != nil {
		s.logger.Warn("initiation request rejected",
			"order_id", req.OrderID,
			"error", err)
		return nil, err
	}

	resp, err := s.provider.STKPush(ctx, daraja.STKPushRequest{
		OrderID: req.OrderID,
		Amount:  req.Amount,
		Phone:   req.Phone,
	})
	if err != nil {
		s.logger.Error("stk push failed",
			"order_id", req.OrderID,
			"error", err)
		return nil, err
	}

	binding := &payment.Binding{
		CheckoutRequestID: resp.CheckoutRequestID,
		OrderID:           req.OrderID,
		Amount:            req.Amount,
		Phone:             req.Phone,
		CreatedAt:         time.Now(),
	}

	if err := s.store.Put(ctx, resp.CheckoutRequestID, binding); err != nil {
		s.logger.Error("failed to store binding",
			"order_id", req.OrderID,
			"checkout_request_id", resp.CheckoutRequestID,
			"error", err)
		return nil, err
	}

	s.logger.Info("payment initiated",
		"order_id", req.OrderID,
		"checkout_request_id", resp.CheckoutRequestID,
		"phone", maskPhone(req.Phone))

	if s.eventBus != nil {
		s.eventBus.Publish(ctx, events.NewPaymentInitiatedEvent(req.OrderID, resp.CheckoutRequestID, req.Amount))
	}

	return &InitiationResult{
		Accepted:          true,
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}
