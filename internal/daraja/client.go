package daraja

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	errors "github.com/kimenyu/mpesa-bridge/internal"
)

// tokenSafetyMargin is shaved off the provider-reported token lifetime so a
// token is never used at the edge of expiry.
const tokenSafetyMargin = 30 * time.Second

type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	RequestTimeout time.Duration
}

// Client talks to the Safaricom Daraja API: OAuth token issuance and STK
// push initiation. It is stateless request shaping apart from the cached
// access token.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(config Config, logger *slog.Logger) *Client {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Password derives the Lipa Na M-Pesa password for a request:
// base64(shortcode + passkey + timestamp), timestamp formatted
// YYYYMMDDHHmmss.
func Password(shortcode, passkey string, t time.Time) (password, timestamp string) {
	timestamp = t.Format("20060102150405")
	raw := shortcode + passkey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw)), timestamp
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// AccessToken returns a bearer token, reusing the cached one until it nears
// expiry.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	url := c.config.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.config.ConsumerKey, c.config.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.NewProviderError("provider token request failed", errors.ErrCodeProviderTokenFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("token request rejected",
			"status", resp.StatusCode,
			"response", string(body))
		return "", errors.NewProviderError(
			fmt.Sprintf("provider token request returned status %d", resp.StatusCode),
			errors.ErrCodeProviderTokenFailed, nil,
		).WithDetails(json.RawMessage(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.NewProviderError("provider returned empty access token", errors.ErrCodeProviderTokenFailed, nil)
	}

	lifetime := time.Hour
	if secs, err := strconv.Atoi(tr.ExpiresIn); err == nil && secs > 0 {
		lifetime = time.Duration(secs) * time.Second
	}

	c.token = tr.AccessToken
	c.tokenExpiry = time.Now().Add(lifetime - tokenSafetyMargin)

	c.logger.Debug("provider access token refreshed", "lifetime", lifetime)

	return c.token, nil
}

// STKPushRequest is the caller-facing input to a push-payment initiation.
type STKPushRequest struct {
	OrderID string
	Amount  float64
	Phone   string
}

// STKPushResponse carries the provider's synchronous reply. The
// CheckoutRequestID is the authoritative correlation key for the later
// callback.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPush submits a push-payment request. The order ID travels as
// AccountReference, a debugging hint only: the provider does not echo it
// reliably, so the CheckoutRequestID in the response is what correlates the
// eventual callback.
func (c *Client) STKPush(ctx context.Context, req STKPushRequest) (*STKPushResponse, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	password, timestamp := Password(c.config.Shortcode, c.config.Passkey, time.Now())

	payload := stkPushPayload{
		BusinessShortCode: c.config.Shortcode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            strconv.FormatFloat(req.Amount, 'f', -1, 64),
		PartyA:            req.Phone,
		PartyB:            c.config.Shortcode,
		PhoneNumber:       req.Phone,
		CallBackURL:       c.config.CallbackURL,
		AccountReference:  req.OrderID,
		TransactionDesc:   fmt.Sprintf("Payment for order %s", req.OrderID),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stk push request: %w", err)
	}

	url := c.config.BaseURL + "/mpesa/stkpush/v1/processrequest"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create stk push request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	c.logger.Info("submitting stk push",
		"order_id", req.OrderID,
		"amount", req.Amount)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.NewProviderError("stk push request failed", errors.ErrCodeProviderRejected, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read stk push response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("stk push rejected",
			"status", resp.StatusCode,
			"order_id", req.OrderID,
			"response", string(body))
		return nil, errors.NewProviderError(
			fmt.Sprintf("provider rejected stk push with status %d", resp.StatusCode),
			errors.ErrCodeProviderRejected, nil,
		).WithDetails(json.RawMessage(body))
	}

	var pushResp STKPushResponse
	if err := json.Unmarshal(body, &pushResp); err != nil {
		return nil, fmt.Errorf("failed to decode stk push response: %w", err)
	}

	if pushResp.CheckoutRequestID == "" {
		return nil, errors.NewProviderError("provider response missing CheckoutRequestID", errors.ErrCodeProviderRejected, nil).
			WithDetails(json.RawMessage(body))
	}

	c.logger.Info("stk push accepted",
		"order_id", req.OrderID,
		"checkout_request_id", pushResp.CheckoutRequestID,
		"merchant_request_id", pushResp.MerchantRequestID)

	return &pushResp, nil
}
