package models

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionTier represents a billing subscription level
type SubscriptionTier string

const (
	TierFree       SubscriptionTier = "free"
	TierPro        SubscriptionTier = "pro"
	TierEnterprise SubscriptionTier = "enterprise"
)

// Account represents a user profile with credit balance and entitlement flags.
// The ID references the external identity provider's user id; accounts are
// created lazily on first authenticated access and never hard-deleted.
type Account struct {
	ID                   uuid.UUID        `json:"id" db:"id"`
	Email                string           `json:"email" db:"email"`
	StripeCustomerID     *string          `json:"stripe_customer_id,omitempty" db:"stripe_customer_id"`
	StripeSubscriptionID *string          `json:"stripe_subscription_id,omitempty" db:"stripe_subscription_id"`
	SubscriptionTier     SubscriptionTier `json:"subscription_tier" db:"subscription_tier"`
	CreditsRemaining     int              `json:"credits_remaining" db:"credits_remaining"`
	CreditsUsedTotal     int              `json:"credits_used_total" db:"credits_used_total"`
	IsApproved           bool             `json:"is_approved" db:"is_approved"`
	IsBlocked            bool             `json:"is_blocked" db:"is_blocked"`
	IsAdmin              bool             `json:"is_admin" db:"is_admin"`
	CreatedAt            time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at" db:"updated_at"`
}
