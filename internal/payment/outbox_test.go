package payment_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kimenyu/mpesa-bridge/internal/core/datamodel/payment"
	"github.com/kimenyu/mpesa-bridge/internal/correlation"
	paymentPkg "github.com/kimenyu/mpesa-bridge/internal/payment"
)

// Notifier whose failure count is controllable from the test
type flakyNotifier struct {
	mu          sync.Mutex
	failFirst   int
	notifyCalls int
	delivered   []*payment.Outcome
}

func (f *flakyNotifier) Notify(ctx context.Context, outcome *payment.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyCalls++
	if f.notifyCalls <= f.failFirst {
		return fmt.Errorf("downstream returned status 503")
	}
	f.delivered = append(f.delivered, outcome)
	return nil
}

func (f *flakyNotifier) LookupOrderAmount(ctx context.Context, orderID string) (float64, bool) {
	return 0, false
}

func (f *flakyNotifier) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notifyCalls
}

func (f *flakyNotifier) deliveredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

var _ = Describe("RetryOutbox", func() {
	var (
		outbox   *paymentPkg.RetryOutbox
		store    *correlation.MemoryStore
		notifier *flakyNotifier
		logger   *slog.Logger
		ctx      context.Context
	)

	fastConfig := paymentPkg.RetryConfig{
		BaseDelay:    5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		MaxAttempts:  4,
		PollInterval: 5 * time.Millisecond,
	}

	newOutcome := func(checkoutRequestID, orderID string) *payment.Outcome {
		return &payment.Outcome{
			OrderID:           orderID,
			Status:            payment.StatusSuccess,
			Amount:            500,
			Provider:          "mpesa",
			CheckoutRequestID: checkoutRequestID,
		}
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		store = correlation.NewMemoryStore(logger)
		notifier = &flakyNotifier{}
		outbox = paymentPkg.NewRetryOutboxWithConfig(store, notifier, nil, logger, fastConfig)
		ctx = context.Background()
	})

	AfterEach(func() {
		outbox.Close()
		store.Close()
	})

	Describe("Enqueue", func() {
		It("holds one entry per checkout request id", func() {
			outbox.Enqueue(newOutcome("ws_CO_1", "ORD-1"))
			outbox.Enqueue(newOutcome("ws_CO_1", "ORD-1"))
			outbox.Enqueue(newOutcome("ws_CO_2", "ORD-2"))

			Expect(outbox.Len()).To(Equal(2))
		})
	})

	Describe("Remove", func() {
		It("drops the queued entry so no further attempts happen", func() {
			notifier.failFirst = 1000
			outbox.Enqueue(newOutcome("ws_CO_1", "ORD-1"))
			outbox.Remove("ws_CO_1")
			outbox.Start()

			Consistently(notifier.calls, 50*time.Millisecond, 5*time.Millisecond).Should(Equal(0))
			Expect(outbox.Len()).To(Equal(0))
		})

		It("is a no-op for an unknown key", func() {
			outbox.Enqueue(newOutcome("ws_CO_1", "ORD-1"))
			outbox.Remove("ws_CO_unknown")

			Expect(outbox.Len()).To(Equal(1))
		})
	})

	Describe("retry worker", func() {
		It("retries until the downstream recovers, then removes the binding", func() {
			err := store.Put(ctx, "ws_CO_1", &payment.Binding{
				CheckoutRequestID: "ws_CO_1",
				OrderID:           "ORD-1",
				Amount:            500,
				CreatedAt:         time.Now(),
			})
			Expect(err).ToNot(HaveOccurred())

			notifier.failFirst = 2
			outbox.Enqueue(newOutcome("ws_CO_1", "ORD-1"))
			outbox.Start()

			Eventually(notifier.deliveredCount, time.Second, time.Millisecond).Should(Equal(1))
			Eventually(outbox.Len, time.Second, time.Millisecond).Should(Equal(0))
			Eventually(func() error {
				_, err := store.Get(ctx, "ws_CO_1")
				return err
			}, time.Second, time.Millisecond).Should(MatchError(correlation.ErrNotFound))
		})

		It("gives up once the attempt limit is reached", func() {
			notifier.failFirst = 1000
			outbox.Enqueue(newOutcome("ws_CO_2", "ORD-2"))
			outbox.Start()

			Eventually(outbox.Len, time.Second, time.Millisecond).Should(Equal(0))

			// First attempt happened in the resolver; the worker gets the rest.
			Expect(notifier.calls()).To(Equal(fastConfig.MaxAttempts - 1))
			Expect(notifier.deliveredCount()).To(Equal(0))
		})

		It("tolerates the entry being refreshed while the worker retries", func() {
			err := store.Put(ctx, "ws_CO_4", &payment.Binding{
				CheckoutRequestID: "ws_CO_4",
				OrderID:           "ORD-4",
				Amount:            500,
				CreatedAt:         time.Now(),
			})
			Expect(err).ToNot(HaveOccurred())

			notifier.failFirst = 3
			outbox.Enqueue(newOutcome("ws_CO_4", "ORD-4"))
			outbox.Start()

			// Redelivered callbacks refresh the queued outcome while the
			// worker keeps attempting it.
			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)
				for i := 0; i < 200; i++ {
					outbox.Enqueue(newOutcome("ws_CO_4", "ORD-4"))
					time.Sleep(100 * time.Microsecond)
				}
			}()

			Eventually(notifier.deliveredCount, time.Second, time.Millisecond).Should(BeNumerically(">=", 1))
			<-done
			Eventually(outbox.Len, time.Second, time.Millisecond).Should(Equal(0))
		})

		It("does nothing before an entry's backoff elapses", func() {
			slow := paymentPkg.NewRetryOutboxWithConfig(store, notifier, nil, logger, paymentPkg.RetryConfig{
				BaseDelay:    time.Hour,
				MaxDelay:     time.Hour,
				MaxAttempts:  4,
				PollInterval: time.Millisecond,
			})
			defer slow.Close()

			slow.Enqueue(newOutcome("ws_CO_3", "ORD-3"))
			slow.Start()

			Consistently(notifier.calls, 50*time.Millisecond, 5*time.Millisecond).Should(Equal(0))
			Expect(slow.Len()).To(Equal(1))
		})
	})

	Describe("Close", func() {
		It("is safe to call before Start and twice", func() {
			fresh := paymentPkg.NewRetryOutboxWithConfig(store, notifier, nil, logger, fastConfig)
			fresh.Close()
			fresh.Close()
		})
	})
})
