package payment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kimenyu/mpesa-bridge/internal/core/datamodel/payment"
	"github.com/kimenyu/mpesa-bridge/internal/core/events"
	"github.com/kimenyu/mpesa-bridge/internal/correlation"
)

// RetryConfig tunes the delivery retry schedule. Zero values fall back to
// the defaults.
type RetryConfig struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	PollInterval time.Duration
}

func (c *RetryConfig) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

type pendingDelivery struct {
	outcome     *payment.Outcome
	attempts    int
	nextAttempt time.Time
}

// RetryOutbox holds outcomes whose downstream delivery failed and retries
// them with bounded exponential backoff, independent of whether the
// provider ever redelivers the callback. Entries are keyed by
// CheckoutRequestID: a redelivered callback racing a queued retry replaces
// the entry instead of duplicating it.
type RetryOutbox struct {
	store    correlation.Store
	notifier OutcomeDeliverer
	eventBus *events.EventBus
	logger   *slog.Logger
	config   RetryConfig

	mu      sync.Mutex
	pending map[string]*pendingDelivery

	startOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewRetryOutbox(store correlation.Store, notifier OutcomeDeliverer, eventBus *events.EventBus, logger *slog.Logger) *RetryOutbox {
	return NewRetryOutboxWithConfig(store, notifier, eventBus, logger, RetryConfig{})
}

func NewRetryOutboxWithConfig(store correlation.Store, notifier OutcomeDeliverer, eventBus *events.EventBus, logger *slog.Logger, config RetryConfig) *RetryOutbox {
	config.applyDefaults()
	return &RetryOutbox{
		store:    store,
		notifier: notifier,
		eventBus: eventBus,
		logger:   logger,
		config:   config,
		pending:  make(map[string]*pendingDelivery),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Enqueue schedules an outcome for retry. An existing entry for the same
// key keeps its attempt count but adopts the fresher outcome.
func (o *RetryOutbox) Enqueue(outcome *payment.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, ok := o.pending[outcome.CheckoutRequestID]; ok {
		existing.outcome = outcome
		o.logger.Debug("delivery already queued, refreshed outcome",
			"checkout_request_id", outcome.CheckoutRequestID,
			"attempts", existing.attempts)
		return
	}

	o.pending[outcome.CheckoutRequestID] = &pendingDelivery{
		outcome:     outcome,
		attempts:    1,
		nextAttempt: time.Now().Add(o.config.BaseDelay),
	}

	o.logger.Info("outcome queued for delivery retry",
		"order_id", outcome.OrderID,
		"checkout_request_id", outcome.CheckoutRequestID)
}

// Start launches the retry worker. Stop it with Close.
func (o *RetryOutbox) Start() {
	o.startOnce.Do(func() {
		go func() {
			defer close(o.done)
			ticker := time.NewTicker(o.config.PollInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					o.flushDue(context.Background())
				case <-o.stop:
					return
				}
			}
		}()
	})
}

func (o *RetryOutbox) Close() {
	select {
	case <-o.stop:
	default:
		close(o.stop)
	}
	o.startOnce.Do(func() { close(o.done) })
	<-o.done
}

// Remove drops a queued delivery. Called by the resolver when provider
// redelivery completes an outcome that was also waiting here, so the same
// outcome is not delivered twice.
func (o *RetryOutbox) Remove(checkoutRequestID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pending, checkoutRequestID)
}

// Len reports queued deliveries.
func (o *RetryOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// flushDue snapshots the due outcomes while holding the lock: Enqueue may
// swap entry.outcome for a redelivered callback at any time, so entries are
// never read outside the lock.
func (o *RetryOutbox) flushDue(ctx context.Context) {
	now := time.Now()

	o.mu.Lock()
	var due []*payment.Outcome
	for _, entry := range o.pending {
		if !entry.nextAttempt.After(now) {
			due = append(due, entry.outcome)
		}
	}
	o.mu.Unlock()

	for _, outcome := range due {
		o.attempt(ctx, outcome)
	}
}

func (o *RetryOutbox) attempt(ctx context.Context, outcome *payment.Outcome) {
	err := o.notifier.Notify(ctx, outcome)
	if err == nil {
		if delErr := o.store.Delete(ctx, outcome.CheckoutRequestID); delErr != nil {
			o.logger.Error("failed to delete binding after retried delivery",
				"checkout_request_id", outcome.CheckoutRequestID,
				"error", delErr)
		}
		o.Remove(outcome.CheckoutRequestID)
		if o.eventBus != nil {
			o.eventBus.Publish(ctx, events.NewPaymentDeliveredEvent(outcome.OrderID, outcome.CheckoutRequestID, outcome.Status, outcome.Amount))
		}
		o.logger.Info("retried delivery succeeded",
			"order_id", outcome.OrderID,
			"checkout_request_id", outcome.CheckoutRequestID)
		return
	}

	o.mu.Lock()
	entry, ok := o.pending[outcome.CheckoutRequestID]
	if !ok {
		// Removed while the notify call was in flight.
		o.mu.Unlock()
		return
	}
	entry.attempts++
	attempts := entry.attempts
	exhausted := attempts >= o.config.MaxAttempts
	if exhausted {
		delete(o.pending, outcome.CheckoutRequestID)
	} else {
		delay := o.config.BaseDelay << uint(attempts-1)
		if delay > o.config.MaxDelay {
			delay = o.config.MaxDelay
		}
		entry.nextAttempt = time.Now().Add(delay)
	}
	o.mu.Unlock()

	if exhausted {
		if o.eventBus != nil {
			o.eventBus.Publish(ctx, events.NewDeliveryFailedEvent(outcome.OrderID, outcome.CheckoutRequestID, err.Error(), attempts))
		}
		o.logger.Error("delivery retries exhausted",
			"order_id", outcome.OrderID,
			"checkout_request_id", outcome.CheckoutRequestID,
			"attempts", attempts,
			"error", err)
		return
	}

	o.logger.Warn("retried delivery failed, backing off",
		"order_id", outcome.OrderID,
		"checkout_request_id", outcome.CheckoutRequestID,
		"attempts", attempts,
		"error", err)
}
