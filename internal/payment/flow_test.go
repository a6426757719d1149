package payment_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kimenyu/mpesa-bridge/internal/core/datamodel/payment"
	"github.com/kimenyu/mpesa-bridge/internal/core/events"
	"github.com/kimenyu/mpesa-bridge/internal/correlation"
	"github.com/kimenyu/mpesa-bridge/internal/daraja"
	paymentPkg "github.com/kimenyu/mpesa-bridge/internal/payment"
	"github.com/kimenyu/mpesa-bridge/internal/transport"
)

// Full path: initiation binds the checkout id, the webhook acks and hands
// off, the resolver reconciles and the notifier posts downstream.
var _ = Describe("Payment flow", func() {
	var (
		store      *correlation.MemoryStore
		eventBus   *events.EventBus
		logger     *slog.Logger
		downstream *httptest.Server

		mu        sync.Mutex
		notified  []payment.Outcome
		lookedUp  []string
		downErr   bool
	)

	notifiedOutcomes := func() []payment.Outcome {
		mu.Lock()
		defer mu.Unlock()
		return append([]payment.Outcome(nil), notified...)
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		store = correlation.NewMemoryStore(logger)
		eventBus = events.NewEventBus(logger)
		notified = nil
		lookedUp = nil
		downErr = false

		downstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()

			switch {
			case r.Method == http.MethodPost && r.URL.Path == "/payments/confirm":
				if downErr {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				var outcome payment.Outcome
				if err := json.NewDecoder(r.Body).Decode(&outcome); err == nil {
					notified = append(notified, outcome)
				}
				w.WriteHeader(http.StatusOK)
			case r.Method == http.MethodGet:
				lookedUp = append(lookedUp, r.URL.Path)
				w.WriteHeader(http.StatusNotFound)
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}))

		notifier := paymentPkg.NewNotifier(paymentPkg.NotifierConfig{
			NotifyURL:     downstream.URL + "/payments/confirm",
			OrdersBaseURL: downstream.URL,
			Secret:        "shared-secret",
			Timeout:       2 * time.Second,
		}, nil, logger)

		resolver := paymentPkg.NewResolver(store, notifier, nil, eventBus, logger)
		resolver.RegisterEventHandlers(eventBus)
	})

	AfterEach(func() {
		eventBus.Wait()
		downstream.Close()
		store.Close()
	})

	postCallback := func(body string) {
		webhook := paymentPkg.NewWebhookHandler(transport.NewBaseHandler(logger), eventBus, logger)
		req := httptest.NewRequest(http.MethodPost, "/mpesa/callback", bytes.NewReader([]byte(body)))
		rec := httptest.NewRecorder()
		webhook.HandleCallback(rec, req)
		Expect(rec.Code).To(Equal(http.StatusOK))
	}

	It("carries an order from initiation through callback to downstream delivery", func() {
		provider := &mockProvider{
			response: &daraja.STKPushResponse{
				MerchantRequestID: "29115-34620561-1",
				CheckoutRequestID: "ws_CO_1",
				ResponseCode:      "0",
			},
		}
		service := paymentPkg.NewService(provider, store, eventBus, logger)

		result, err := service.Initiate(context.Background(), paymentPkg.InitiateRequest{
			OrderID: "ORD-1",
			Amount:  500,
			Phone:   "254708374149",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(result.CheckoutRequestID).To(Equal("ws_CO_1"))

		postCallback(`{
			"Body": {
				"stkCallback": {
					"MerchantRequestID": "29115-34620561-1",
					"CheckoutRequestID": "ws_CO_1",
					"ResultCode": 0,
					"ResultDesc": "The service request is processed successfully.",
					"CallbackMetadata": {
						"Item": [
							{"Name": "Amount", "Value": 500},
							{"Name": "MpesaReceiptNumber", "Value": "REC123"},
							{"Name": "PhoneNumber", "Value": 254708374149}
						]
					}
				}
			}
		}`)

		Eventually(func() int { return len(notifiedOutcomes()) }, time.Second, time.Millisecond).Should(Equal(1))

		outcome := notifiedOutcomes()[0]
		Expect(outcome.OrderID).To(Equal("ORD-1"))
		Expect(outcome.Status).To(Equal(payment.StatusSuccess))
		Expect(outcome.Amount).To(Equal(500.0))
		Expect(outcome.Provider).To(Equal("mpesa"))
		Expect(outcome.CheckoutRequestID).To(Equal("ws_CO_1"))
		Expect(outcome.MpesaReceipt).To(Equal("REC123"))

		mu.Lock()
		Expect(lookedUp).To(ContainElement("/orders/ORD-1"))
		mu.Unlock()

		Eventually(func() error {
			_, err := store.Get(context.Background(), "ws_CO_1")
			return err
		}, time.Second, time.Millisecond).Should(MatchError(correlation.ErrNotFound))
	})

	It("keeps the binding when the downstream rejects the outcome", func() {
		err := store.Put(context.Background(), "ws_CO_2", &payment.Binding{
			CheckoutRequestID: "ws_CO_2",
			OrderID:           "ORD-2",
			Amount:            250,
			Phone:             "254708374149",
			CreatedAt:         time.Now(),
		})
		Expect(err).ToNot(HaveOccurred())

		mu.Lock()
		downErr = true
		mu.Unlock()

		postCallback(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_2","ResultCode":0,"ResultDesc":"ok"}}}`)
		eventBus.Wait()

		Expect(notifiedOutcomes()).To(BeEmpty())
		binding, err := store.Get(context.Background(), "ws_CO_2")
		Expect(err).ToNot(HaveOccurred())
		Expect(binding.OrderID).To(Equal("ORD-2"))
	})
})
