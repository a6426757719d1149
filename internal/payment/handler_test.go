package payment_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	errors "github.com/kimenyu/mpesa-bridge/internal"
	paymentPkg "github.com/kimenyu/mpesa-bridge/internal/payment"
	"github.com/kimenyu/mpesa-bridge/internal/transport"
)

type mockInitiationAPI struct {
	result  *paymentPkg.InitiationResult
	err     error
	lastReq paymentPkg.InitiateRequest
	calls   int
}

func (m *mockInitiationAPI) Initiate(ctx context.Context, req paymentPkg.InitiateRequest) (*paymentPkg.InitiationResult, error) {
	m.calls++
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

var _ = Describe("Handler", func() {
	var (
		handler *paymentPkg.Handler
		service *mockInitiationAPI
		logger  *slog.Logger
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		service = &mockInitiationAPI{
			result: &paymentPkg.InitiationResult{
				Accepted:          true,
				CheckoutRequestID: "ws_CO_1",
				MerchantRequestID: "29115-34620561-1",
				CustomerMessage:   "Success. Request accepted for processing",
			},
		}
		handler = paymentPkg.NewHandler(transport.NewBaseHandler(logger), service, logger)
	})

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/initiate", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		handler.InitiatePayment(rec, req)
		return rec
	}

	Describe("InitiatePayment", func() {
		It("returns 202 with the initiation result", func() {
			rec := post(`{"order_id":"ORD-1","amount":500,"phone":"254708374149"}`)

			Expect(rec.Code).To(Equal(http.StatusAccepted))

			var result paymentPkg.InitiationResult
			Expect(json.Unmarshal(rec.Body.Bytes(), &result)).To(Succeed())
			Expect(result.Accepted).To(BeTrue())
			Expect(result.CheckoutRequestID).To(Equal("ws_CO_1"))

			Expect(service.calls).To(Equal(1))
			Expect(service.lastReq.OrderID).To(Equal("ORD-1"))
			Expect(service.lastReq.Amount).To(Equal(500.0))
		})

		It("returns 400 for an unparseable body without calling the coordinator", func() {
			rec := post(`{"order_id": `)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(service.calls).To(Equal(0))

			var resp struct {
				Error struct {
					Type string `json:"type"`
					Code string `json:"code"`
				} `json:"error"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Error.Type).To(Equal(string(errors.ErrorTypeValidation)))
		})

		It("maps validation failures to 400", func() {
			service.err = errors.NewValidationFieldError("phone", "phone must be 10 to 15 digits", errors.ErrCodeInvalidPhone)

			rec := post(`{"order_id":"ORD-1","amount":500,"phone":"bad"}`)

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("maps provider failures to 502", func() {
			service.err = errors.NewProviderError("provider rejected stk push with status 400", errors.ErrCodeProviderRejected, nil)

			rec := post(`{"order_id":"ORD-1","amount":500,"phone":"254708374149"}`)

			Expect(rec.Code).To(Equal(http.StatusBadGateway))

			var resp struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Error.Code).To(Equal(string(errors.ErrCodeProviderRejected)))
		})

		It("hides unexpected errors behind an opaque 500", func() {
			service.err = context.DeadlineExceeded

			rec := post(`{"order_id":"ORD-1","amount":500,"phone":"254708374149"}`)

			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(rec.Body.String()).ToNot(ContainSubstring("deadline"))
		})
	})
})
