// Package domain defines the persistence models for payments and credit
// accounts. These types are mapped with GORM and form the core data layer
// of the payment reconciliation service.
package domain

import "time"

// PaymentStatus is the lifecycle state of a payment attempt.
//
// The machine is pending → succeeded | canceled. Both succeeded and canceled
// are terminal: no transition is defined out of them, and any further
// confirmation observed for a terminal payment is absorbed as a no-op.
type PaymentStatus string

const (
	// StatusPending is the initial state, set when the local record is
	// created and kept until a terminal observation arrives from the
	// gateway (webhook or poll) or the poll budget runs out.
	StatusPending PaymentStatus = "pending"
	// StatusSucceeded means the gateway confirmed the payment and the
	// user's credits have been granted.
	StatusSucceeded PaymentStatus = "succeeded"
	// StatusCanceled means the gateway reported cancellation, or polling
	// gave up after the configured attempt budget.
	StatusCanceled PaymentStatus = "canceled"
)

// Terminal reports whether s permits no further transitions.
func (s PaymentStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusCanceled
}

// Payment represents one payment attempt. Rows are never deleted; the table
// doubles as an audit trail of every purchase a user ever initiated.
//
// Fields:
//   - ID: stable UUID primary key (char(36)), generated locally.
//   - UserID: identifier of the purchasing user; indexed for history queries.
//   - TariffName: the catalog entry purchased (resolved before creation).
//   - Credits: number of analysis credits granted on fulfillment.
//   - AmountValue / AmountCurrency: monetary amount as the gateway expects it
//     (decimal string, e.g. "199.00", plus ISO currency code).
//   - IdempotenceKey: generated once per creation attempt and forwarded to
//     the gateway so a retried create call cannot double-charge. Unique.
//   - ProviderID: gateway-assigned payment ID. Empty until the create call
//     returns; immutable and unique once set.
//   - Status: current lifecycle state, see PaymentStatus.
//   - PaidAt: fulfillment timestamp, set exactly once on pending→succeeded.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type Payment struct {
	ID             string        `json:"id"               gorm:"type:char(36);primaryKey"`
	UserID         string        `json:"user_id"          gorm:"type:varchar(64);not null;index:idx_user_payments"`
	TariffName     string        `json:"tariff_name"      gorm:"type:varchar(64);not null"`
	Credits        int           `json:"credits"          gorm:"not null"`
	AmountValue    string        `json:"amount_value"     gorm:"type:varchar(32);not null"`
	AmountCurrency string        `json:"amount_currency"  gorm:"type:varchar(8);not null;default:'RUB'"`
	IdempotenceKey string        `json:"-"                gorm:"type:char(36);not null;uniqueIndex:ux_payment_idem_key"`
	ProviderID     string        `json:"provider_id"      gorm:"type:varchar(64);index:ux_payment_provider_id,unique,where:provider_id <> ''"`
	Status         PaymentStatus `json:"status"           gorm:"type:varchar(16);not null;default:'pending';check:status IN ('pending','succeeded','canceled');index"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"       gorm:"index"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// TableName returns the database table name for Payment.
func (Payment) TableName() string { return "payments" }

// CreditAccount holds the integer analysis-credit balance for one user.
//
// The balance only moves through the repository's atomic increment, driven
// by a payment's first pending→succeeded transition; every balance change is
// attributable to exactly one fulfilled payment.
type CreditAccount struct {
	UserID    string    `json:"user_id" gorm:"type:varchar(64);primaryKey"`
	Balance   int       `json:"balance" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for CreditAccount.
func (CreditAccount) TableName() string { return "credit_accounts" }
