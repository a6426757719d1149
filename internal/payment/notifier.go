package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kimenyu/mpesa-bridge/internal/core/datamodel/payment"
)

// NotifySecretHeader authenticates this service to the downstream backend.
const NotifySecretHeader = "X-Notify-Secret"

// DeliveryRepository records delivery attempts and outcomes. Implementations
// live under payment/postgres; a nil repository disables the audit trail.
type DeliveryRepository interface {
	RecordAttempt(outcome *payment.Outcome, deliveryErr error) error
	MarkDelivered(checkoutRequestID string, at time.Time) error
}

type NotifierConfig struct {
	NotifyURL     string
	OrdersBaseURL string
	Secret        string
	Timeout       time.Duration
}

// Notifier delivers normalized payment outcomes to the downstream system
// of record. Delivery failures are reported to the caller, never retried
// here: retry policy belongs to the resolver and the delivery queue.
type Notifier struct {
	client     *http.Client
	notifyURL  string
	ordersBase string
	secret     string
	repository DeliveryRepository
	logger     *slog.Logger
}

func NewNotifier(config NotifierConfig, repository DeliveryRepository, logger *slog.Logger) *Notifier {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Notifier{
		client:     &http.Client{Timeout: timeout},
		notifyURL:  config.NotifyURL,
		ordersBase: strings.TrimRight(config.OrdersBaseURL, "/"),
		secret:     config.Secret,
		repository: repository,
		logger:     logger,
	}
}

// Notify posts the outcome downstream. A 2xx response is success; anything
// else is a delivery error the caller must handle.
func (n *Notifier) Notify(ctx context.Context, outcome *payment.Outcome) error {
	body, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.notifyURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(NotifySecretHeader, n.secret)

	resp, err := n.client.Do(req)
	if err != nil {
		n.recordAttempt(outcome, err)
		return fmt.Errorf("notify request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		deliveryErr := fmt.Errorf("downstream returned status %d: %s", resp.StatusCode, string(respBody))
		n.recordAttempt(outcome, deliveryErr)
		return deliveryErr
	}

	now := time.Now()
	n.recordAttempt(outcome, nil)
	if n.repository != nil {
		if err := n.repository.MarkDelivered(outcome.CheckoutRequestID, now); err != nil {
			n.logger.Error("failed to mark delivery record delivered",
				"checkout_request_id", outcome.CheckoutRequestID,
				"error", err)
		}
	}

	n.logger.Info("outcome delivered downstream",
		"order_id", outcome.OrderID,
		"checkout_request_id", outcome.CheckoutRequestID,
		"status", outcome.Status)

	return nil
}

func (n *Notifier) recordAttempt(outcome *payment.Outcome, deliveryErr error) {
	if n.repository == nil {
		return
	}
	if err := n.repository.RecordAttempt(outcome, deliveryErr); err != nil {
		n.logger.Error("failed to record delivery attempt",
			"checkout_request_id", outcome.CheckoutRequestID,
			"error", err)
	}
}

type orderLookupResponse struct {
	Order struct {
		Total float64 `json:"total"`
	} `json:"order"`
}

// LookupOrderAmount fetches the authoritative order total from the
// downstream backend. Best effort: any failure returns ok=false and the
// caller falls back to the binding-held amount.
func (n *Notifier) LookupOrderAmount(ctx context.Context, orderID string) (float64, bool) {
	if n.ordersBase == "" {
		return 0, false
	}

	url := fmt.Sprintf("%s/orders/%s", n.ordersBase, orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, false
	}
	req.Header.Set(NotifySecretHeader, n.secret)

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("order lookup failed, using binding amount",
			"order_id", orderID,
			"error", err)
		return 0, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		n.logger.Warn("order lookup returned non-200, using binding amount",
			"order_id", orderID,
			"status", resp.StatusCode)
		return 0, false
	}

	var lookup orderLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&lookup); err != nil {
		n.logger.Warn("order lookup response unreadable, using binding amount",
			"order_id", orderID,
			"error", err)
		return 0, false
	}

	if lookup.Order.Total <= 0 {
		return 0, false
	}
	return lookup.Order.Total, true
}
