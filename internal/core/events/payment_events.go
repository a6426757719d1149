package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentInitiated = "payment.initiated"
	EventTypeCallbackReceived = "callback.received"
	EventTypePaymentDelivered = "payment.delivered"
	EventTypeDeliveryFailed   = "payment.delivery_failed"
)

type PaymentInitiatedEvent struct {
	BaseEvent
	OrderID           string  `json:"order_id"`
	CheckoutRequestID string  `json:"checkout_request_id"`
	Amount            float64 `json:"amount"`
}

func NewPaymentInitiatedEvent(orderID, checkoutRequestID string, amount float64) *PaymentInitiatedEvent {
	return &PaymentInitiatedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentInitiated,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"order_id":            orderID,
				"checkout_request_id": checkoutRequestID,
				"amount":              amount,
			},
		},
		OrderID:           orderID,
		CheckoutRequestID: checkoutRequestID,
		Amount:            amount,
	}
}

// CallbackReceivedEvent carries the raw provider callback body off the
// acknowledgement path into the resolver.
type CallbackReceivedEvent struct {
	BaseEvent
	Body json.RawMessage `json:"body"`
}

func NewCallbackReceivedEvent(body json.RawMessage) *CallbackReceivedEvent {
	return &CallbackReceivedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeCallbackReceived,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"size_bytes": len(body),
			},
		},
		Body: body,
	}
}

type PaymentDeliveredEvent struct {
	BaseEvent
	OrderID           string  `json:"order_id"`
	CheckoutRequestID string  `json:"checkout_request_id"`
	Status            string  `json:"status"`
	Amount            float64 `json:"amount"`
}

func NewPaymentDeliveredEvent(orderID, checkoutRequestID, status string, amount float64) *PaymentDeliveredEvent {
	return &PaymentDeliveredEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentDelivered,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"order_id":            orderID,
				"checkout_request_id": checkoutRequestID,
				"status":              status,
				"amount":              amount,
			},
		},
		OrderID:           orderID,
		CheckoutRequestID: checkoutRequestID,
		Status:            status,
		Amount:            amount,
	}
}

type DeliveryFailedEvent struct {
	BaseEvent
	OrderID           string `json:"order_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	Reason            string `json:"reason"`
	Attempts          int    `json:"attempts"`
}

func NewDeliveryFailedEvent(orderID, checkoutRequestID, reason string, attempts int) *DeliveryFailedEvent {
	return &DeliveryFailedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeDeliveryFailed,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"order_id":            orderID,
				"checkout_request_id": checkoutRequestID,
				"reason":              reason,
				"attempts":            attempts,
			},
		},
		OrderID:           orderID,
		CheckoutRequestID: checkoutRequestID,
		Reason:            reason,
		Attempts:          attempts,
	}
}
