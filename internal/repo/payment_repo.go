// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Payment
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition. The one nuance is that the two state
// transitions are expressed as conditional updates guarded on the currently
// persisted status, so that racing confirmation channels cannot both win.
//
// Error semantics:
//   - When a payment is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreatePayment inserts a new pending Payment row for userID. The payment ID
// is a randomly generated UUID, the provider ID is intentionally left empty
// (it is unknown until the gateway's create call returns), and CreatedAt is
// set to UTC.
//
// On success, it returns the persisted Payment. On failure, it returns a DB
// error; callers must not proceed to the gateway without a durable row.
func CreatePayment(ctx context.Context, db *gorm.DB, userID, tariffName string, credits int, amountValue, currency, idempotenceKey string) (*domain.Payment, error) {
	p := &domain.Payment{
		ID:             uuid.NewString(),
		UserID:         userID,
		TariffName:     tariffName,
		Credits:        credits,
		AmountValue:    amountValue,
		AmountCurrency: currency,
		IdempotenceKey: idempotenceKey,
		Status:         domain.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

// GetPayment fetches a payment by its local ID, or ErrNotFound.
func GetPayment(ctx context.Context, db *gorm.DB, id string) (*domain.Payment, error) {
	var p domain.Payment
	if err := db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPaymentByProviderID fetches a payment by the gateway-assigned ID, or
// ErrNotFound. Both confirmation channels identify payments this way.
func GetPaymentByProviderID(ctx context.Context, db *gorm.DB, providerID string) (*domain.Payment, error) {
	var p domain.Payment
	if err := db.WithContext(ctx).Where("provider_id = ?", providerID).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// SetProviderID records the gateway-assigned ID on a payment that does not
// have one yet. The guard on the empty current value keeps the provider ID
// immutable once set; an attempt to overwrite returns ErrNotFound.
func SetProviderID(ctx context.Context, db *gorm.DB, id, providerID string) error {
	res := db.WithContext(ctx).
		Model(&domain.Payment{}).
		Where("id = ? AND (provider_id IS NULL OR provider_id = '')", id).
		Update("provider_id", providerID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkSucceeded flips a payment from pending to succeeded and stamps PaidAt.
//
// The WHERE clause on the current status makes the transition first-wins:
// exactly one caller observes flipped=true no matter how many success
// observations race in through the webhook and the poller. flipped=false
// with a nil error means the payment was already terminal (a no-op for the
// caller, not a failure).
func MarkSucceeded(ctx context.Context, db *gorm.DB, id string, paidAt time.Time) (flipped bool, err error) {
	res := db.WithContext(ctx).
		Model(&domain.Payment{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Updates(map[string]any{
			"status":  domain.StatusSucceeded,
			"paid_at": paidAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkCanceled flips a payment from pending to canceled. Same first-wins
// semantics as MarkSucceeded: a payment already in a terminal state is left
// untouched and flipped=false is returned.
func MarkCanceled(ctx context.Context, db *gorm.DB, id string) (flipped bool, err error) {
	res := db.WithContext(ctx).
		Model(&domain.Payment{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Update("status", domain.StatusCanceled)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListPendingCreatedAfter returns pending payments created strictly after
// cutoff, oldest first. The startup recovery scan uses this to find in-flight
// payments whose pollers died with the previous process.
func ListPendingCreatedAfter(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]domain.Payment, error) {
	var out []domain.Payment
	err := db.WithContext(ctx).
		Where("status = ? AND created_at > ?", domain.StatusPending, cutoff).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// CountPayments returns the total number of payment attempts for userID.
func CountPayments(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Payment{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

// ListPaymentsPage returns a page of a user's payment history, newest first.
// Use CountPayments to obtain the total for pagination metadata.
//
// The caller is responsible for computing offset and limit (e.g., (page-1)*pageSize).
func ListPaymentsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Payment, error) {
	var out []domain.Payment
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
