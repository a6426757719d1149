package payment

import (
	"encoding/json"
	"time"
)

// Payment outcome statuses as reported downstream.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Provider identifies the push-payment rail in downstream notifications.
const Provider = "mpesa"

// Binding correlates a provider-issued CheckoutRequestID back to the
// originating initiation request. It is written once by the coordinator,
// read by the resolver and removed after successful downstream delivery or
// by the retention sweep. It is never mutated in place; a second initiation
// that somehow yields the same key overwrites the previous binding.
type Binding struct {
	CheckoutRequestID string    `json:"checkout_request_id"`
	OrderID           string    `json:"order_id"`
	Amount            float64   `json:"amount"`
	Phone             string    `json:"phone"`
	CreatedAt         time.Time `json:"created_at"`
}

// Outcome is the normalized downstream-facing result of a resolved
// callback. Immutable once produced.
type Outcome struct {
	OrderID           string          `json:"order_id"`
	Status            string          `json:"status"`
	Amount            float64         `json:"amount"`
	Provider          string          `json:"provider"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	MerchantRequestID string          `json:"merchant_request_id"`
	MpesaReceipt      string          `json:"mpesa_receipt,omitempty"`
	Phone             string          `json:"phone"`
	ResultDesc        string          `json:"result_desc,omitempty"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

// DeliveryRecord is the persistent audit trail of downstream deliveries.
type DeliveryRecord struct {
	ID                int64      `gorm:"primaryKey"`
	CheckoutRequestID string     `gorm:"column:checkout_request_id;not null;uniqueIndex"`
	OrderID           string     `gorm:"column:order_id;not null"`
	Status            string     `gorm:"column:status;not null"`
	Amount            float64    `gorm:"column:amount;not null"`
	Attempts          int        `gorm:"column:attempts;default:0"`
	LastError         *string    `gorm:"column:last_error"`
	DeliveredAt       *time.Time `gorm:"column:delivered_at"`
	CreatedAt         time.Time  `gorm:"column:created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at"`
}

func (DeliveryRecord) TableName() string {
	return "delivery_records"
}
