// Package services – PaymentService
//
// This file implements PaymentService, the application-level component that
// owns the payment lifecycle: opening payment intents at the gateway,
// reconciling their outcome through webhooks and background polling, and
// granting credits exactly once per successful payment.
//
// Two invariants are enforced here regardless of how many channels observe the
// same outcome:
//
//   - a payment moves out of "pending" at most once, guarded by a conditional
//     status update that only the first observer wins;
//   - the credit grant rides in the same database transaction as that status
//     flip, so credits can neither double-apply nor get lost between steps.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include payment/user identifiers where applicable.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/domain"
	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/repo"
	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/tariff"
	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/yookassa"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Gateway is the subset of the YooKassa client the service depends on.
type Gateway interface {
	CreatePayment(ctx context.Context, idempotenceKey string, req yookassa.CreatePaymentRequest) (*yookassa.Payment, error)
	GetPayment(ctx context.Context, providerID string) (*yookassa.Payment, error)
}

// PaymentService coordinates payment creation, reconciliation, and credit
// fulfillment.
type PaymentService struct {
	DB      *gorm.DB
	Gateway Gateway

	// ReturnURL is where the gateway's hosted page sends the payer afterwards
	// when the caller did not supply one.
	ReturnURL string

	// Poller knobs; zero values fall back to 30s × 120 ticks.
	PollInterval time.Duration
	PollMaxTicks int

	// RecoveryWindow bounds how far back startup recovery re-arms pollers.
	RecoveryWindow time.Duration

	// RootCtx is the parent context for poller goroutines; canceling it stops
	// all pollers. Nil means context.Background().
	RootCtx context.Context

	pollers pollerRegistry
}

func (s *PaymentService) baseCtx() context.Context {
	if s.RootCtx != nil {
		return s.RootCtx
	}
	return context.Background()
}

// CreateResult is the outcome of opening a payment intent.
type CreateResult struct {
	Payment         *domain.Payment
	ConfirmationURL string
}

// Create opens a payment for the given tariff: a local pending record first,
// then the gateway intent keyed by the record's idempotence key, then the
// provider ID bind and the poller. The payer completes the payment on the
// returned confirmation URL.
func (s *PaymentService) Create(ctx context.Context, userID, tariffName, returnURL string) (*CreateResult, error) {
	tr := otel.Tracer("services/PaymentService")
	ctx, span := tr.Start(ctx, "Create",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("tariff", tariffName),
		),
	)
	defer span.End()

	plan, ok := tariff.Lookup(strings.TrimSpace(tariffName))
	if !ok {
		return nil, ErrUnknownTariff
	}
	if strings.TrimSpace(returnURL) == "" {
		returnURL = s.ReturnURL
	}

	// The local record exists before the gateway call so a crash in between
	// leaves a traceable orphan instead of an untracked charge. Its idempotence
	// key makes a retried gateway create converge on one provider payment.
	idemKey := uuid.NewString()
	p, err := repo.CreatePayment(ctx, s.DB, userID, plan.Name, plan.Credits, plan.Price, tariff.Currency, idemKey)
	if err != nil {
		return nil, err
	}

	gp, err := s.Gateway.CreatePayment(ctx, idemKey, yookassa.CreatePaymentRequest{
		Amount: yookassa.Amount{Value: plan.Price, Currency: tariff.Currency},
		Confirmation: yookassa.Confirmation{
			Type:      "redirect",
			ReturnURL: returnURL,
		},
		Capture:     true,
		Description: plan.Label,
		Metadata: map[string]string{
			"payment_id": p.ID,
			"user_id":    userID,
			"tariff":     plan.Name,
		},
	})
	if err != nil {
		// The remote call may have partially succeeded, so the local record is
		// NOT canceled: it stays pending with no provider ID, an orphan for
		// manual reconciliation.
		log.Error().Err(err).Str("payment_id", p.ID).Msg("gateway create failed, local record left pending")
		return nil, ErrGatewayUnavailable
	}

	if err := repo.SetProviderID(ctx, s.DB, p.ID, gp.ID); err != nil {
		return nil, err
	}
	p.ProviderID = gp.ID

	if gp.Confirmation == nil || gp.Confirmation.ConfirmationURL == "" {
		// The intent exists but the payer has nowhere to complete it. The
		// poller watches it anyway; the attempt budget will settle it.
		s.ArmPoller(gp.ID, p.ID)
		log.Error().Str("payment_id", p.ID).Str("provider_id", gp.ID).Msg("gateway returned no confirmation URL")
		return nil, ErrNoConfirmationURL
	}

	paymentsCreated.Inc()
	s.ArmPoller(gp.ID, p.ID)

	log.Info().
		Str("payment_id", p.ID).
		Str("provider_id", gp.ID).
		Str("user_id", userID).
		Str("tariff", plan.Name).
		Msg("payment created")

	return &CreateResult{Payment: p, ConfirmationURL: gp.Confirmation.ConfirmationURL}, nil
}

// HandleWebhook ingests a gateway notification. Unknown payments and already
// settled payments are not errors for the caller: the HTTP layer acknowledges
// every authentic-looking notification so the gateway stops retrying.
func (s *PaymentService) HandleWebhook(ctx context.Context, ev domain.WebhookEvent) error {
	tr := otel.Tracer("services/PaymentService")
	ctx, span := tr.Start(ctx, "HandleWebhook",
		trace.WithAttributes(
			attribute.String("event", ev.Event),
			attribute.String("provider_id", ev.Object.ID),
		),
	)
	defer span.End()

	if ev.Object.ID == "" {
		return ErrPaymentNotFound
	}
	p, err := repo.GetPaymentByProviderID(ctx, s.DB, ev.Object.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			log.Warn().Str("provider_id", ev.Object.ID).Msg("webhook for unknown payment")
			return ErrPaymentNotFound
		}
		return err
	}

	switch ev.Event {
	case domain.EventPaymentSucceeded:
		if !ev.Object.Paid {
			log.Warn().Str("provider_id", ev.Object.ID).Msg("success webhook without paid flag")
			return nil
		}
		return s.fulfill(ctx, p.ID, "webhook")
	case domain.EventPaymentCanceled:
		s.cancel(ctx, p.ID, "provider")
		return nil
	default:
		log.Debug().Str("event", ev.Event).Msg("ignoring webhook event")
		return nil
	}
}

// CheckStatus returns the caller's payment and, while it is still pending,
// reconciles against the gateway's live view first. A success observed here
// counts exactly the same as one observed by webhook or poll. The id may be
// either the local payment ID or the gateway-assigned one; clients only ever
// saw the latter in early API versions.
func (s *PaymentService) CheckStatus(ctx context.Context, userID, paymentID string) (*domain.Payment, error) {
	tr := otel.Tracer("services/PaymentService")
	ctx, span := tr.Start(ctx, "CheckStatus",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("payment.id", paymentID),
		),
	)
	defer span.End()

	p, err := repo.GetPayment(ctx, s.DB, paymentID)
	if errors.Is(err, repo.ErrNotFound) {
		p, err = repo.GetPaymentByProviderID(ctx, s.DB, paymentID)
	}
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrPaymentNotFound
	}

	if p.Status == domain.StatusPending && p.ProviderID != "" {
		gp, gerr := s.Gateway.GetPayment(ctx, p.ProviderID)
		if gerr != nil {
			// Stale local state is still an answer; the poller keeps trying.
			log.Warn().Err(gerr).Str("payment_id", p.ID).Msg("live status check failed")
			return p, nil
		}
		switch gp.Status {
		case yookassa.StatusSucceeded:
			if ferr := s.fulfill(ctx, p.ID, "status"); ferr != nil {
				return nil, ferr
			}
		case yookassa.StatusCanceled:
			s.cancel(ctx, p.ID, "provider")
		}
		return repo.GetPayment(ctx, s.DB, p.ID)
	}

	return p, nil
}

// Balance returns the user's current credit balance; users without an account
// row have zero credits.
func (s *PaymentService) Balance(ctx context.Context, userID string) (int, error) {
	tr := otel.Tracer("services/PaymentService")
	ctx, span := tr.Start(ctx, "Balance",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	return repo.GetBalance(ctx, s.DB, userID)
}

// ListPage returns paginated payment history for a user, newest first.
func (s *PaymentService) ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Payment, int64, error) {
	tr := otel.Tracer("services/PaymentService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountPayments(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Payment{}, 0, nil
	}

	items, err := repo.ListPaymentsPage(ctx, s.DB, userID, offset, pageSize)
	return items, total, err
}

// RecoverPending is run once at startup. Pending payments created within the
// recovery window get their pollers re-armed. Pending records that never got
// a provider ID are orphans of a crash mid-creation; there is no provider
// object to poll, so they are logged for manual reconciliation and left
// untouched, as are rows older than the window.
func (s *PaymentService) RecoverPending(ctx context.Context) (int, error) {
	tr := otel.Tracer("services/PaymentService")
	ctx, span := tr.Start(ctx, "RecoverPending")
	defer span.End()

	window := s.RecoveryWindow
	if window <= 0 {
		window = time.Hour
	}
	cutoff := time.Now().UTC().Add(-window)

	pending, err := repo.ListPendingCreatedAfter(ctx, s.DB, cutoff)
	if err != nil {
		return 0, err
	}

	armed := 0
	for i := range pending {
		p := &pending[i]
		if p.ProviderID == "" {
			log.Warn().Str("payment_id", p.ID).Msg("orphan pending payment, needs manual reconciliation")
			continue
		}
		s.ArmPoller(p.ProviderID, p.ID)
		armed++
	}

	log.Info().
		Int("pending", len(pending)).
		Int("pollers_armed", armed).
		Msg("pending payment recovery complete")
	return armed, nil
}

// fulfill settles a payment as succeeded and grants its credits. The status
// flip and the credit grant share one transaction; only the observer that
// wins the pending→succeeded transition applies the grant, every later
// observer is a no-op.
func (s *PaymentService) fulfill(ctx context.Context, paymentID, source string) error {
	var (
		flipped bool
		granted int
		userID  string
		provID  string
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := repo.GetPayment(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		userID, provID = p.UserID, p.ProviderID

		flipped, err = repo.MarkSucceeded(ctx, tx, paymentID, time.Now().UTC())
		if err != nil || !flipped {
			return err
		}
		if err := repo.IncrementCredits(ctx, tx, p.UserID, p.Credits); err != nil {
			return err
		}
		granted = p.Credits
		return nil
	})
	if err != nil {
		return err
	}

	if provID != "" {
		s.DisarmPoller(provID)
	}
	if !flipped {
		return nil
	}

	paymentsFulfilled.WithLabelValues(source).Inc()
	creditsGranted.Add(float64(granted))
	log.Info().
		Str("payment_id", paymentID).
		Str("user_id", userID).
		Str("source", source).
		Int("credits", granted).
		Msg("payment fulfilled")
	return nil
}

// cancel settles a payment as canceled. Losing the transition race to a
// success is fine; the record simply stays succeeded.
func (s *PaymentService) cancel(ctx context.Context, paymentID, reason string) {
	flipped, err := repo.MarkCanceled(ctx, s.DB, paymentID)
	if err != nil {
		log.Error().Err(err).Str("payment_id", paymentID).Msg("cancel failed")
		return
	}

	if p, gerr := repo.GetPayment(ctx, s.DB, paymentID); gerr == nil && p.ProviderID != "" {
		s.DisarmPoller(p.ProviderID)
	}
	if !flipped {
		return
	}

	paymentsCanceled.WithLabelValues(reason).Inc()
	log.Info().
		Str("payment_id", paymentID).
		Str("reason", reason).
		Msg("payment canceled")
}
