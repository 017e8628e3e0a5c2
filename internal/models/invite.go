package models

import (
	"time"

	"github.com/google/uuid"
)

// Invite is a single-use, email-bound credit grant. "Expired" is derived from
// ExpiresAt rather than stored; once Used is set the invite is terminal.
type Invite struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	Email          string     `json:"email" db:"email"`
	Code           string     `json:"code" db:"code"`
	CreditsToGrant int        `json:"credits_to_grant" db:"credits_to_grant"`
	Used           bool       `json:"used" db:"used"`
	UsedAt         *time.Time `json:"used_at,omitempty" db:"used_at"`
	UsedByUserID   *uuid.UUID `json:"used_by_user_id,omitempty" db:"used_by_user_id"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	SentAt         *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	CreatedByID    uuid.UUID  `json:"created_by_user_id" db:"created_by_user_id"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// IsExpired reports whether the invite's deadline has passed.
func (i *Invite) IsExpired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}
