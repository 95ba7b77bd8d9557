// Package yookassa implements the outbound adapter to the YooKassa payment
// gateway. It covers exactly the two calls the reconciliation engine needs:
// creating a payment intent and fetching a payment's current status.
//
// Every request authenticates with HTTP basic auth (shop ID / secret key).
// Creation requests additionally carry an Idempotence-Key header so that a
// retried create cannot open a second charge on the provider side.
package yookassa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Gateway payment statuses. The engine only acts on the two terminal ones;
// anything else is treated as "still pending".
const (
	StatusPending           = "pending"
	StatusWaitingForCapture = "waiting_for_capture"
	StatusSucceeded         = "succeeded"
	StatusCanceled          = "canceled"
)

// Config for constructing a Client.
type Config struct {
	ShopID    string        // basic-auth user
	SecretKey string        // basic-auth password
	BaseURL   string        // e.g. "https://api.yookassa.ru/v3"; no trailing slash
	Timeout   time.Duration // per-request deadline; 0 means 10s
}

// Client is a thin wrapper over the gateway's REST API. It is safe for
// concurrent use.
type Client struct {
	shopID    string
	secretKey string
	baseURL   string
	http      *http.Client
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		shopID:    cfg.ShopID,
		secretKey: cfg.SecretKey,
		baseURL:   cfg.BaseURL,
		http:      &http.Client{Timeout: timeout},
	}
}

// Amount is the gateway's {value, currency} money shape; value is a decimal
// string such as "199.00".
type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// Confirmation describes how the payer completes the payment. For the
// redirect type the gateway returns a hosted confirmation page URL.
type Confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

// CreatePaymentRequest is the body of POST /payments.
type CreatePaymentRequest struct {
	Amount       Amount            `json:"amount"`
	Confirmation Confirmation      `json:"confirmation"`
	Capture      bool              `json:"capture"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Payment is the gateway's payment object, reduced to the fields the
// reconciliation engine reads.
type Payment struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Paid         bool              `json:"paid"`
	Amount       Amount            `json:"amount"`
	Confirmation *Confirmation     `json:"confirmation,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// APIError is a non-2xx response from the gateway.
type APIError struct {
	StatusCode  int
	Code        string `json:"code"`
	Description string `json:"description"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("yookassa: %s (%s, http %d)", e.Description, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("yookassa: http %d", e.StatusCode)
}

// CreatePayment opens a payment intent at the gateway. idempotenceKey must be
// unique per creation attempt and stable across retries of the same attempt;
// the gateway deduplicates on it.
func (c *Client) CreatePayment(ctx context.Context, idempotenceKey string, reqBody CreatePaymentRequest) (*Payment, error) {
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("yookassa: encode create request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.shopID, c.secretKey)
	req.Header.Set("Idempotence-Key", idempotenceKey)
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

// GetPayment fetches the current state of a payment by its gateway ID.
func (c *Client) GetPayment(ctx context.Context, providerID string) (*Payment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/payments/"+providerID, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.shopID, c.secretKey)

	return c.do(req)
}

// do executes req and decodes either a Payment or an APIError.
func (c *Client) do(req *http.Request) (*Payment, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yookassa: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("yookassa: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		// Body may not be JSON (proxies, 5xx); the status code alone is enough.
		_ = json.Unmarshal(body, apiErr)
		return nil, apiErr
	}

	var p Payment
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("yookassa: decode payment: %w", err)
	}
	return &p, nil
}
