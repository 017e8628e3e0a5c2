package models

import (
	"time"

	"github.com/google/uuid"
)

// PluginSessionStatus represents the state of a pairing handshake
type PluginSessionStatus string

const (
	PluginSessionPending    PluginSessionStatus = "pending"
	PluginSessionWaitlisted PluginSessionStatus = "waitlisted"
	PluginSessionCompleted  PluginSessionStatus = "completed"
	PluginSessionExpired    PluginSessionStatus = "expired"
)

// PluginAuthSession is a short-lived handshake that lets a desktop plugin
// obtain an API key through a browser login. APIKeyPlaintext is readable at
// most once; the poll path clears it atomically. "Expired" is derived from
// ExpiresAt, never written.
type PluginAuthSession struct {
	ID              uuid.UUID           `json:"id" db:"id"`
	SessionToken    string              `json:"session_token" db:"session_token"`
	UserID          *uuid.UUID          `json:"user_id,omitempty" db:"user_id"`
	APIKeyID        *uuid.UUID          `json:"api_key_id,omitempty" db:"api_key_id"`
	APIKeyPlaintext *string             `json:"-" db:"api_key_plaintext"`
	Status          PluginSessionStatus `json:"status" db:"status"`
	ExpiresAt       time.Time           `json:"expires_at" db:"expires_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt       time.Time           `json:"created_at" db:"created_at"`
}

// IsExpired reports whether the session's TTL has elapsed.
func (s *PluginAuthSession) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
