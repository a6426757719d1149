package payment_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kimenyu/mpesa-bridge/internal/core/datamodel/payment"
	paymentPkg "github.com/kimenyu/mpesa-bridge/internal/payment"
)

// In-memory delivery repository for notifier tests
type mockDeliveryRepo struct {
	mu        sync.Mutex
	attempts  []error
	delivered []string
}

func (m *mockDeliveryRepo) RecordAttempt(outcome *payment.Outcome, deliveryErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, deliveryErr)
	return nil
}

func (m *mockDeliveryRepo) MarkDelivered(checkoutRequestID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, checkoutRequestID)
	return nil
}

var _ = Describe("Notifier", func() {
	var (
		logger  *slog.Logger
		repo    *mockDeliveryRepo
		ctx     context.Context
		outcome *payment.Outcome
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		repo = &mockDeliveryRepo{}
		ctx = context.Background()
		outcome = &payment.Outcome{
			OrderID:           "ORD-1",
			Status:            payment.StatusSuccess,
			Amount:            500,
			Provider:          "mpesa",
			CheckoutRequestID: "ws_CO_1",
			MpesaReceipt:      "REC123",
			Phone:             "254708374149",
		}
	})

	newNotifier := func(baseURL string) *paymentPkg.Notifier {
		return paymentPkg.NewNotifier(paymentPkg.NotifierConfig{
			NotifyURL:     baseURL + "/payments/confirm",
			OrdersBaseURL: baseURL,
			Secret:        "shared-secret",
			Timeout:       2 * time.Second,
		}, repo, logger)
	}

	Describe("Notify", func() {
		It("posts the outcome with the shared secret header", func() {
			var gotSecret string
			var gotBody payment.Outcome
			var decodeErr error
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotSecret = r.Header.Get(paymentPkg.NotifySecretHeader)
				decodeErr = json.NewDecoder(r.Body).Decode(&gotBody)
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			err := newNotifier(server.URL).Notify(ctx, outcome)

			Expect(err).ToNot(HaveOccurred())
			Expect(decodeErr).ToNot(HaveOccurred())
			Expect(gotSecret).To(Equal("shared-secret"))
			Expect(gotBody.OrderID).To(Equal("ORD-1"))
			Expect(gotBody.Status).To(Equal(payment.StatusSuccess))
			Expect(gotBody.MpesaReceipt).To(Equal("REC123"))
		})

		It("records the attempt and marks the record delivered on success", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			err := newNotifier(server.URL).Notify(ctx, outcome)

			Expect(err).ToNot(HaveOccurred())
			Expect(repo.attempts).To(HaveLen(1))
			Expect(repo.attempts[0]).To(BeNil())
			Expect(repo.delivered).To(Equal([]string{"ws_CO_1"}))
		})

		It("returns an error on a non-2xx response and records the failure", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprint(w, "maintenance window")
			}))
			defer server.Close()

			err := newNotifier(server.URL).Notify(ctx, outcome)

			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("503"))
			Expect(err.Error()).To(ContainSubstring("maintenance window"))
			Expect(repo.attempts).To(HaveLen(1))
			Expect(repo.attempts[0]).To(HaveOccurred())
			Expect(repo.delivered).To(BeEmpty())
		})

		It("returns an error when the downstream is unreachable", func() {
			err := newNotifier("http://127.0.0.1:1").Notify(ctx, outcome)

			Expect(err).To(HaveOccurred())
			Expect(repo.attempts).To(HaveLen(1))
		})
	})

	Describe("LookupOrderAmount", func() {
		It("returns the order total from the downstream backend", func() {
			var gotPath, gotSecret string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotSecret = r.Header.Get(paymentPkg.NotifySecretHeader)
				fmt.Fprint(w, `{"order":{"id":"ORD-1","total":120.50}}`)
			}))
			defer server.Close()

			total, ok := newNotifier(server.URL).LookupOrderAmount(ctx, "ORD-1")

			Expect(ok).To(BeTrue())
			Expect(total).To(Equal(120.50))
			Expect(gotPath).To(Equal("/orders/ORD-1"))
			Expect(gotSecret).To(Equal("shared-secret"))
		})

		It("returns ok=false on a non-200 response", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			}))
			defer server.Close()

			_, ok := newNotifier(server.URL).LookupOrderAmount(ctx, "ORD-unknown")

			Expect(ok).To(BeFalse())
		})

		It("returns ok=false on an unreadable body", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, "<html>not json</html>")
			}))
			defer server.Close()

			_, ok := newNotifier(server.URL).LookupOrderAmount(ctx, "ORD-1")

			Expect(ok).To(BeFalse())
		})

		It("returns ok=false when the total is missing or zero", func() {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"order":{"id":"ORD-1"}}`)
			}))
			defer server.Close()

			_, ok := newNotifier(server.URL).LookupOrderAmount(ctx, "ORD-1")

			Expect(ok).To(BeFalse())
		})
	})
})
