// Payment HTTP handlers.
//
// This file exposes REST endpoints for payment resources:
//   - POST   /payments              (create a payment intent)
//   - POST   /payments/webhook      (gateway notifications)
//   - GET    /payments              (list, paginated)
//   - GET    /payments/status/{id}  (status, reconciled live while pending)
//   - GET    /payments/balance      (credit balance)
//   - GET    /payments/tariffs      (purchase catalog)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses. The webhook endpoint has one
// deliberate quirk: it acknowledges with 200 even when processing fails, so
// the gateway stops redelivering notifications we can never act on.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/domain"
	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/http/middleware"
	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/repo"
	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/services"
	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/tariff"
	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/utils"
)

//
// Service contracts (context-aware)
//

// PaymentService defines payment lifecycle operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type PaymentService interface {
	// Create opens a payment intent for userID and returns the local record
	// plus the gateway confirmation URL.
	Create(ctx context.Context, userID, tariffName, returnURL string) (*services.CreateResult, error)
	// HandleWebhook ingests a gateway notification.
	HandleWebhook(ctx context.Context, ev domain.WebhookEvent) error
	// CheckStatus returns a payment owned by userID, reconciling against the
	// gateway first while the payment is still pending.
	CheckStatus(ctx context.Context, userID, paymentID string) (*domain.Payment, error)
	// Balance returns the user's current credit balance.
	Balance(ctx context.Context, userID string) (int, error)
	// ListPage returns a page of the user's payments and the total count.
	ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Payment, int64, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints of the payments API. It depends on an
// abstract service interface to keep transport concerns separate from
// business logic.
type Handlers struct {
	paySvc PaymentService
}

// New constructs and returns a Handlers instance bound to the given service.
func New(paySvc PaymentService) *Handlers {
	return &Handlers{paySvc: paySvc}
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

//
// DTOs
//

// CreatePaymentRequest is the JSON payload for opening a payment.
type CreatePaymentRequest struct {
	// TariffName selects the credit bundle to purchase.
	TariffName string `json:"tariff_name" binding:"required" example:"TARIFF_5_CARD"`
	// ReturnURL optionally overrides where the payer lands after the hosted
	// confirmation page; a configured default is used when empty.
	ReturnURL string `json:"return_url" example:"https://app.example.com/account?payment=success"`
}

// CreatePaymentResponse returns the new payment and where to send the payer.
type CreatePaymentResponse struct {
	Payment         *domain.Payment `json:"payment"`
	ConfirmationURL string          `json:"confirmation_url" example:"https://yoomoney.ru/checkout/payments/v2/contract?orderId=2e6..."`
}

// BalanceResponse is the credit balance payload.
type BalanceResponse struct {
	UserID  string `json:"user_id" example:"user123"`
	Balance int    `json:"balance" example:"5"`
}

// TariffsResponse lists the purchase catalog.
type TariffsResponse struct {
	Tariffs []tariff.Tariff `json:"tariffs"`
}

// WebhookAck is the constant body returned to the gateway.
type WebhookAck struct {
	Received bool `json:"received" example:"true"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListPaymentsResponse wraps a page of payments and pagination information.
type ListPaymentsResponse struct {
	Payments   []domain.Payment `json:"payments"`
	Pagination Pagination       `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

//
// Handlers
//

// CreatePayment godoc
// @ID          createPayment
// @Summary     Create a payment
// @Description Opens a payment intent at the gateway and returns the confirmation URL to redirect the payer to.
// @Tags        Payments
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID         header  string  false "User ID (demo header)"  example(user123)
// @Param       Idempotency-Key   header  string  false "Idempotency key for safe retries (UUID recommended); a replay returns the original payment"
// @Param       body              body    handlers.CreatePaymentRequest  true  "Create payment payload"
//
// @Success     201  {object}  handlers.CreatePaymentResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request / unknown tariff"
// @Failure     502  {object}  handlers.ErrorResponse  "Payment gateway unavailable"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /payments [post]
func (h *Handlers) CreatePayment(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	currentUser := userID(c)

	// Idempotency (replay path) – read validated key if present.
	idemKey, _ := middlewareGetIdempotencyKey(c)
	if idemKey != "" {
		if svc, okSvc := h.paySvc.(*services.PaymentService); okSvc && svc.DB != nil {
			if rec, err := repo.GetIdempotency(ctx, svc.DB, currentUser, idemKey, time.Now().UTC()); err == nil && rec != nil {
				if prev, err2 := repo.GetPayment(ctx, svc.DB, rec.PaymentID); err2 == nil {
					c.Header("Idempotency-Replayed", "true")
					ok(c, http.StatusCreated, CreatePaymentResponse{
						Payment:         prev,
						ConfirmationURL: replayConfirmationURL(ctx, svc, prev),
					})
					return
				}
			}
		}
	}

	res, err := h.paySvc.Create(ctx, currentUser, req.TariffName, req.ReturnURL)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUnknownTariff):
			fail(c, http.StatusBadRequest, ErrCodeUnknownTariff, "unknown tariff")
		case errors.Is(err, services.ErrGatewayUnavailable), errors.Is(err, services.ErrNoConfirmationURL):
			fail(c, http.StatusBadGateway, ErrCodeGatewayUnavailable, "payment gateway unavailable")
		default:
			fail(c, http.StatusInternalServerError, ErrCodePaymentFailed, err.Error())
		}
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" {
		if svc, okSvc := h.paySvc.(*services.PaymentService); okSvc && svc.DB != nil {
			ttl := 24 * time.Hour
			_, _ = repo.CreateIdempotency(ctx, svc.DB, currentUser, idemKey, res.Payment.ID, http.StatusCreated, ttl)
		}
	}

	ok(c, http.StatusCreated, CreatePaymentResponse{
		Payment:         res.Payment,
		ConfirmationURL: res.ConfirmationURL,
	})
}

// middlewareGetIdempotencyKey extracts an idempotency key if an upstream
// middleware has already validated/stashed it. The fallback behavior reads
// the "Idempotency-Key" header directly when no dedicated middleware exists.
func middlewareGetIdempotencyKey(c *gin.Context) (string, bool) {
	if k, ok := middleware.GetIdempotencyKey(c); ok {
		return k, true
	}
	if v := strings.TrimSpace(c.GetHeader(middleware.HeaderIdempotencyKey)); v != "" {
		return v, true
	}
	return "", false
}

// replayConfirmationURL recovers the hosted confirmation page URL for a
// replayed create of a still-pending payment, so the client can redirect the
// payer again. The URL is not stored locally; it is re-read from the gateway,
// best effort.
func replayConfirmationURL(ctx context.Context, svc *services.PaymentService, p *domain.Payment) string {
	if p.Status != domain.StatusPending || p.ProviderID == "" || svc.Gateway == nil {
		return ""
	}
	gp, err := svc.Gateway.GetPayment(ctx, p.ProviderID)
	if err != nil || gp == nil || gp.Confirmation == nil {
		return ""
	}
	return gp.Confirmation.ConfirmationURL
}

// Webhook godoc
// @ID          paymentWebhook
// @Summary     Gateway notification endpoint
// @Description Ingests payment.succeeded / payment.canceled notifications. Always answers 200 for parseable bodies so the gateway stops retrying; processing failures are logged server-side.
// @Tags        Payments
// @Accept      json
// @Produce     json
//
// @Param       body  body  domain.WebhookEvent  true  "Gateway notification"
//
// @Success     200  {object}  handlers.WebhookAck
// @Failure     400  {object}  handlers.ErrorResponse  "Malformed body"
// @Router      /payments/webhook [post]
func (h *Handlers) Webhook(c *gin.Context) {
	var ev domain.WebhookEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	if err := h.paySvc.HandleWebhook(c.Request.Context(), ev); err != nil {
		// Acknowledge anyway; a retry cannot make an unknown payment known.
		lg := middleware.LoggerFrom(c)
		lg.Warn().Err(err).
			Str("event", ev.Event).
			Str("provider_id", ev.Object.ID).
			Msg("webhook processing failed")
	}
	ok(c, http.StatusOK, WebhookAck{Received: true})
}

// PaymentStatus godoc
// @ID          paymentStatus
// @Summary     Get payment status
// @Description Returns the caller's payment. While the payment is pending the gateway is consulted first, so a completed checkout is visible immediately.
// @Tags        Payments
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Payment ID, local or gateway-assigned (UUID)"  format(uuid)
//
// @Success     200  {object}  domain.Payment
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Payment not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /payments/status/{id} [get]
func (h *Handlers) PaymentStatus(c *gin.Context) {
	paymentID := c.Param("id")
	if _, err := uuid.Parse(paymentID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "payment id must be a UUID")
		return
	}

	p, err := h.paySvc.CheckStatus(c.Request.Context(), userID(c), paymentID)
	if err != nil {
		if errors.Is(err, services.ErrPaymentNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "payment not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, p)
}

// Balance godoc
// @ID          creditBalance
// @Summary     Get credit balance
// @Description Returns the caller's current credit balance; users who never paid have zero.
// @Tags        Payments
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
//
// @Success     200  {object}  handlers.BalanceResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /payments/balance [get]
func (h *Handlers) Balance(c *gin.Context) {
	uid := userID(c)
	bal, err := h.paySvc.Balance(c.Request.Context(), uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, BalanceResponse{UserID: uid, Balance: bal})
}

// Tariffs godoc
// @ID          listTariffs
// @Summary     List tariffs
// @Description Returns the purchase catalog in listing order.
// @Tags        Payments
// @Produce     json
//
// @Success     200  {object}  handlers.TariffsResponse
// @Router      /payments/tariffs [get]
func (h *Handlers) Tariffs(c *gin.Context) {
	ok(c, http.StatusOK, TariffsResponse{Tariffs: tariff.All()})
}

// ListPayments godoc
// @ID          listPayments
// @Summary     List payments (paginated)
// @Description Returns a page of the user's payment history, newest first.
// @Tags        Payments
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       page       query   int     false "Page number"             minimum(1) default(1)
// @Param       page_size  query   int     false "Items per page"          minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListPaymentsResponse
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /payments [get]
func (h *Handlers) ListPayments(c *gin.Context) {
	uid := userID(c)
	page, pageSize := clampPagination(c)

	items, total, err := h.paySvc.ListPage(c.Request.Context(), uid, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	resp := ListPaymentsResponse{
		Payments: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	}
	ok(c, http.StatusOK, resp)
}
