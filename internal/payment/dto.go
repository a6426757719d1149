package payment

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	errors "github.com/kimenyu/mpesa-bridge/internal"
	"github.com/kimenyu/mpesa-bridge/internal/core/common/validation"
)

var phonePattern = regexp.MustCompile(`^\d{10,15}$`)

// InitiateRequest is the caller-supplied initiation payload. Immutable once
// accepted.
type InitiateRequest struct {
	OrderID string  `json:"order_id"`
	Amount  float64 `json:"amount"`
	Phone   string  `json:"phone"`
}

func (r *InitiateRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("order_id", r.OrderID).Required().MaxLength(64)
	validator.Field("amount", r.Amount).Required().PositiveFloat(errors.ErrCodeInvalidAmount)
	validator.Field("phone", r.Phone).Required().
		Pattern(phonePattern, "phone must be 10 to 15 digits", errors.ErrCodeInvalidPhone)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// InitiationResult is returned synchronously to the caller; the payment
// itself completes later via callback.
type InitiationResult struct {
	Accepted          bool   `json:"accepted"`
	CheckoutRequestID string `json:"checkout_request_id"`
	MerchantRequestID string `json:"merchant_request_id,omitempty"`
	CustomerMessage   string `json:"customer_message,omitempty"`
}

// Metadata item names delivered in STK callbacks. Presence of any item is
// not guaranteed.
const (
	ItemAmount           = "Amount"
	ItemMpesaReceipt     = "MpesaReceiptNumber"
	ItemPhoneNumber      = "PhoneNumber"
	ItemAccountReference = "AccountReference"
)

// CallbackEnvelope is the untrusted inbound webhook body in the provider's
// shape.
type CallbackEnvelope struct {
	Body struct {
		STKCallback *STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

type STKCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []MetadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

// MetadataItem values arrive as arbitrary JSON types: receipt numbers are
// strings, amounts and phone numbers are numbers.
type MetadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

// Item returns the value for a named metadata item, or nil.
func (c *STKCallback) Item(name string) interface{} {
	for _, item := range c.CallbackMetadata.Item {
		if item.Name == name {
			return item.Value
		}
	}
	return nil
}

// StringItem renders a metadata item as a string regardless of its JSON
// type.
func (c *STKCallback) StringItem(name string) string {
	switch v := c.Item(name).(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// FloatItem parses a metadata item as a float. ok is false when the item is
// absent or unparseable.
func (c *STKCallback) FloatItem(name string) (float64, bool) {
	switch v := c.Item(name).(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// CallbackAck is the fixed acknowledgement sent to the provider before any
// processing happens.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// maskPhone hides all but the last three digits so resolver logs never
// carry a full payer number.
func maskPhone(phone string) string {
	if len(phone) <= 3 {
		return phone
	}
	return strings.Repeat("*", len(phone)-3) + phone[len(phone)-3:]
}
