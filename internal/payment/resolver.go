package payment

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"

	"github.com/kimenyu/mpesa-bridge/internal/core/datamodel/payment"
	"github.com/kimenyu/mpesa-bridge/internal/core/events"
	"github.com/kimenyu/mpesa-bridge/internal/correlation"
)

// Resolution classifies the terminal state of one callback's processing.
type Resolution int

const (
	// ResolutionDelivered: callback correlated, reconciled and the outcome
	// delivered downstream; binding removed.
	ResolutionDelivered Resolution = iota
	// ResolutionMalformed: no recognizable result container; dropped.
	ResolutionMalformed
	// ResolutionUnattributable: no binding for the correlation key; dropped.
	// Duplicates after successful delivery land here too, which is what
	// bounds double-delivery.
	ResolutionUnattributable
	// ResolutionDeliveryFailed: outcome produced but downstream delivery
	// failed; binding kept so provider redelivery or the retry queue can
	// complete it.
	ResolutionDeliveryFailed
)

func (r Resolution) String() string {
	switch r {
	case ResolutionDelivered:
		return "delivered"
	case ResolutionMalformed:
		return "malformed"
	case ResolutionUnattributable:
		return "unattributable"
	case ResolutionDeliveryFailed:
		return "delivery_failed"
	default:
		return "unknown"
	}
}

// OutcomeDeliverer is the slice of the notifier the resolver depends on.
type OutcomeDeliverer interface {
	Notify(ctx context.Context, outcome *payment.Outcome) error
	LookupOrderAmount(ctx context.Context, orderID string) (float64, bool)
}

// DeliveryQueue accepts outcomes whose first delivery failed. Remove clears
// a queued outcome once provider redelivery completes it, so the queue does
// not deliver the same outcome again.
type DeliveryQueue interface {
	Enqueue(outcome *payment.Outcome)
	Remove(checkoutRequestID string)
}

// Resolver consumes provider callbacks: validates the envelope, attributes
// it to a binding, reconciles the amount and drives downstream delivery.
// It never touches the webhook acknowledgement, which is sent before the
// resolver runs.
type Resolver struct {
	store    correlation.Store
	notifier OutcomeDeliverer
	queue    DeliveryQueue
	eventBus *events.EventBus
	logger   *slog.Logger
}

func NewResolver(store correlation.Store, notifier OutcomeDeliverer, queue DeliveryQueue, eventBus *events.EventBus, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:    store,
		notifier: notifier,
		queue:    queue,
		eventBus: eventBus,
		logger:   logger,
	}
}

// Resolve processes one raw callback body to a terminal state.
func (r *Resolver) Resolve(ctx context.Context, raw json.RawMessage) Resolution {
	var envelope CallbackEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		r.logger.Warn("callback body is not valid json, dropping", "error", err)
		return ResolutionMalformed
	}

	cb := envelope.Body.STKCallback
	if cb == nil {
		r.logger.Warn("callback missing stkCallback container, dropping")
		return ResolutionMalformed
	}
	if cb.CheckoutRequestID == "" {
		r.logger.Warn("callback missing CheckoutRequestID, dropping",
			"merchant_request_id", cb.MerchantRequestID)
		return ResolutionMalformed
	}

	binding, err := r.store.Get(ctx, cb.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, correlation.ErrNotFound) {
			// No guessing: a callback that cannot be attributed to a request
			// is never forwarded under the provider's raw identifiers.
			r.logger.Warn("no binding for callback, dropping",
				"checkout_request_id", cb.CheckoutRequestID,
				"merchant_request_id", cb.MerchantRequestID,
				"result_code", cb.ResultCode)
			return ResolutionUnattributable
		}
		r.logger.Error("binding lookup failed, dropping callback",
			"checkout_request_id", cb.CheckoutRequestID,
			"error", err)
		return ResolutionUnattributable
	}

	outcome := r.reconcile(ctx, binding, cb, raw)

	if err := r.notifier.Notify(ctx, outcome); err != nil {
		r.logger.Error("downstream delivery failed, keeping binding for retry",
			"order_id", outcome.OrderID,
			"checkout_request_id", outcome.CheckoutRequestID,
			"error", err)
		if r.queue != nil {
			r.queue.Enqueue(outcome)
		}
		if r.eventBus != nil {
			r.eventBus.Publish(ctx, events.NewDeliveryFailedEvent(outcome.OrderID, outcome.CheckoutRequestID, err.Error(), 1))
		}
		return ResolutionDeliveryFailed
	}

	if err := r.store.Delete(ctx, cb.CheckoutRequestID); err != nil {
		r.logger.Error("failed to delete binding after delivery",
			"checkout_request_id", cb.CheckoutRequestID,
			"error", err)
	}

	// A queued retry for this key is now redundant: provider redelivery
	// beat the retry worker to it.
	if r.queue != nil {
		r.queue.Remove(cb.CheckoutRequestID)
	}

	if r.eventBus != nil {
		r.eventBus.Publish(ctx, events.NewPaymentDeliveredEvent(outcome.OrderID, outcome.CheckoutRequestID, outcome.Status, outcome.Amount))
	}

	r.logger.Info("callback resolved",
		"order_id", outcome.OrderID,
		"checkout_request_id", outcome.CheckoutRequestID,
		"status", outcome.Status)

	return ResolutionDelivered
}

// reconcile builds the normalized outcome from the binding and the callback
// payload. The binding amount is authoritative; the downstream order total
// may confirm it, and a differing callback-reported amount is logged but
// never blocks delivery.
func (r *Resolver) reconcile(ctx context.Context, binding *payment.Binding, cb *STKCallback, raw json.RawMessage) *payment.Outcome {
	status := payment.StatusFailed
	if cb.ResultCode == 0 {
		status = payment.StatusSuccess
	}

	amount := binding.Amount
	if confirmed, ok := r.notifier.LookupOrderAmount(ctx, binding.OrderID); ok {
		amount = confirmed
	}

	if reported, ok := cb.FloatItem(ItemAmount); ok {
		if math.Abs(reported-binding.Amount) > 1e-9 {
			r.logger.Warn("callback amount differs from binding amount",
				"order_id", binding.OrderID,
				"checkout_request_id", cb.CheckoutRequestID,
				"binding_amount", binding.Amount,
				"callback_amount", reported)
		}
	}

	phone := binding.Phone
	if p := cb.StringItem(ItemPhoneNumber); p != "" {
		phone = p
	}

	r.logger.Debug("callback reconciled",
		"order_id", binding.OrderID,
		"checkout_request_id", cb.CheckoutRequestID,
		"status", status,
		"phone", maskPhone(phone))

	return &payment.Outcome{
		OrderID:           binding.OrderID,
		Status:            status,
		Amount:            amount,
		Provider:          payment.Provider,
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		MpesaReceipt:      cb.StringItem(ItemMpesaReceipt),
		Phone:             phone,
		ResultDesc:        cb.ResultDesc,
		Raw:               raw,
	}
}

// HandleCallbackReceived adapts the resolver to the event bus so callback
// processing runs off the acknowledgement path.
func (r *Resolver) HandleCallbackReceived(ctx context.Context, event events.Event) error {
	received, ok := event.(*events.CallbackReceivedEvent)
	if !ok {
		r.logger.Error("unexpected event type on callback subscription", "event_type", event.EventType())
		return nil
	}
	r.Resolve(ctx, received.Body)
	return nil
}

// RegisterEventHandlers subscribes the resolver to callback events.
func (r *Resolver) RegisterEventHandlers(eventBus *events.EventBus) {
	eventBus.Subscribe(events.EventTypeCallbackReceived, r.HandleCallbackReceived)
}
