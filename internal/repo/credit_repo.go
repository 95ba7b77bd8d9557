// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the credit account store: a per-user
// integer balance whose only mutation is an atomic increment.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/AndreyGorbachev97/medicalAiMiddle/internal/domain"
)

// GetBalance returns the user's current credit balance. A user without an
// account row has a balance of zero; that is not an error.
func GetBalance(ctx context.Context, db *gorm.DB, userID string) (int, error) {
	var acc domain.CreditAccount
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// IncrementCredits adds delta to the user's balance, creating the account
// row if it does not exist yet.
//
// The update is a single "balance = balance + ?" statement, so concurrent
// fulfillments for the same user cannot lose increments the way a
// read-modify-write would. The insert path handles the first purchase; if
// two first purchases race, the loser's insert hits the primary key and is
// retried as an update.
func IncrementCredits(ctx context.Context, db *gorm.DB, userID string, delta int) error {
	for attempt := 0; attempt < 2; attempt++ {
		res := db.WithContext(ctx).
			Model(&domain.CreditAccount{}).
			Where("user_id = ?", userID).
			UpdateColumn("balance", gorm.Expr("balance + ?", delta))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		acc := &domain.CreditAccount{
			UserID:    userID,
			Balance:   delta,
			CreatedAt: time.Now().UTC(),
		}
		err := db.WithContext(ctx).Create(acc).Error
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return err
		}
		// Row appeared between the update and the insert; retry the update.
	}
	return errors.New("increment credits: retry exhausted")
}

// isUniqueViolation detects primary-key/unique-index conflicts across the
// drivers this code runs against.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key")
}
