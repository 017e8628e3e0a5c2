package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionType classifies a credit ledger entry
type TransactionType string

const (
	TransactionPurchase            TransactionType = "purchase"
	TransactionGrant               TransactionType = "grant"
	TransactionSubscriptionRefresh TransactionType = "subscription_refresh"
	TransactionUsage               TransactionType = "usage"
	TransactionRefund              TransactionType = "refund"
)

// Transaction is an immutable, append-only credit ledger entry.
// Positive amounts add credits, negative amounts consume them; the sum of all
// transactions for an account must equal its credits_remaining at all times.
type Transaction struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	UserID          uuid.UUID       `json:"user_id" db:"user_id"`
	Amount          int             `json:"amount" db:"amount"`
	Type            TransactionType `json:"type" db:"type"`
	StripePaymentID *string         `json:"stripe_payment_id,omitempty" db:"stripe_payment_id"`
	StripeInvoiceID *string         `json:"stripe_invoice_id,omitempty" db:"stripe_invoice_id"`
	GenerationID    *uuid.UUID      `json:"generation_id,omitempty" db:"generation_id"`
	Description     *string         `json:"description,omitempty" db:"description"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}
