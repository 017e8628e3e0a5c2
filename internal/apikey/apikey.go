package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vividon/backend/internal/models"
)

// Service errors
var (
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrNameRequired  = errors.New("key name is required")
)

// KeyPrefix tags every plugin credential so callers can distinguish it from a
// session token without a lookup.
const KeyPrefix = "viv_"

// prefixLen is how much of the raw key is stored for display ("viv_" + 8 chars).
const prefixLen = 12

// Service handles API key issuance, validation and revocation
type Service struct {
	db *pgxpool.Pool
}

// NewService creates a new API key service
func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

// IssuedKey is returned once at creation time; the raw secret is never
// recoverable afterwards.
type IssuedKey struct {
	ID        uuid.UUID  `json:"id"`
	Key       string     `json:"key"`
	KeyPrefix string     `json:"key_prefix"`
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// KeySummary is the list/get representation, without hash or secret.
type KeySummary struct {
	ID         uuid.UUID  `json:"id"`
	KeyPrefix  string     `json:"key_prefix"`
	Name       string     `json:"name"`
	IsActive   bool       `json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ValidatedKey is the result of a successful validation: the key record joined
// with the owning account, fetched in a single round trip.
type ValidatedKey struct {
	Key     models.APIKey
	Account models.Account
}

// Issue creates a new API key for an account. The plaintext secret appears
// only in the returned IssuedKey.
func (s *Service) Issue(ctx context.Context, userID uuid.UUID, name string, expiresAt *time.Time) (*IssuedKey, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrNameRequired
	}

	rawKey, keyHash, keyPrefix, err := generateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate API key: %w", err)
	}

	var id uuid.UUID
	var createdAt time.Time
	err = s.db.QueryRow(ctx, `
		INSERT INTO api_keys (user_id, key_hash, key_prefix, name, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, userID, keyHash, keyPrefix, name, expiresAt).Scan(&id, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create API key: %w", err)
	}

	return &IssuedKey{
		ID:        id,
		Key:       rawKey,
		KeyPrefix: keyPrefix,
		Name:      name,
		ExpiresAt: expiresAt,
		CreatedAt: createdAt,
	}, nil
}

// Validate checks a raw key and returns the joined account state. The lookup
// is a single query so the entitlement check that follows never races a second
// fetch. Not-found, inactive and expired all collapse into ErrInvalidAPIKey so
// the response gives no oracle for credential guessing.
func (s *Service) Validate(ctx context.Context, rawKey string) (*ValidatedKey, error) {
	// Cheap format check before any hash computation
	if len(rawKey) < prefixLen || !strings.HasPrefix(rawKey, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	keyHash := HashKey(rawKey)

	var v ValidatedKey
	err := s.db.QueryRow(ctx, `
		SELECT k.id, k.user_id, k.key_hash, k.key_prefix, k.name, k.is_active,
		       k.last_used_at, k.expires_at, k.created_at,
		       a.id, a.email, a.stripe_customer_id, a.stripe_subscription_id,
		       a.subscription_tier, a.credits_remaining, a.credits_used_total,
		       a.is_approved, a.is_blocked, a.is_admin, a.created_at, a.updated_at
		FROM api_keys k
		JOIN accounts a ON a.id = k.user_id
		WHERE k.key_hash = $1
	`, keyHash).Scan(
		&v.Key.ID, &v.Key.UserID, &v.Key.KeyHash, &v.Key.KeyPrefix, &v.Key.Name,
		&v.Key.IsActive, &v.Key.LastUsedAt, &v.Key.ExpiresAt, &v.Key.CreatedAt,
		&v.Account.ID, &v.Account.Email, &v.Account.StripeCustomerID,
		&v.Account.StripeSubscriptionID, &v.Account.SubscriptionTier,
		&v.Account.CreditsRemaining, &v.Account.CreditsUsedTotal,
		&v.Account.IsApproved, &v.Account.IsBlocked, &v.Account.IsAdmin,
		&v.Account.CreatedAt, &v.Account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("failed to validate API key: %w", err)
	}

	if !v.Key.IsActive {
		return nil, ErrInvalidAPIKey
	}
	if v.Key.ExpiresAt != nil && time.Now().After(*v.Key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Touch last_used_at without blocking the request
	go func(id uuid.UUID) {
		_, _ = s.db.Exec(context.Background(), `
			UPDATE api_keys SET last_used_at = NOW() WHERE id = $1
		`, id)
	}(v.Key.ID)

	return &v, nil
}

// Revoke deactivates a key, scoped to the owning account. Returns false when
// the key does not exist or is already inactive; revoking twice is not an
// error.
func (s *Service) Revoke(ctx context.Context, userID, keyID uuid.UUID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE api_keys
		SET is_active = false
		WHERE id = $1 AND user_id = $2 AND is_active = true
	`, keyID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to revoke API key: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// List returns all keys for an account, newest first, without hashes.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]KeySummary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, key_prefix, name, is_active, last_used_at, expires_at, created_at
		FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list API keys: %w", err)
	}
	defer rows.Close()

	var keys []KeySummary
	for rows.Next() {
		var k KeySummary
		if err := rows.Scan(&k.ID, &k.KeyPrefix, &k.Name, &k.IsActive, &k.LastUsedAt, &k.ExpiresAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan API key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating API keys: %w", err)
	}

	return keys, nil
}

// generateKey generates a secure API key.
// Returns: rawKey, keyHash, keyPrefix, error
func generateKey() (string, string, string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	rawKey := KeyPrefix + base64.RawURLEncoding.EncodeToString(randomBytes)
	keyHash := HashKey(rawKey)
	keyPrefix := rawKey[:prefixLen]

	return rawKey, keyHash, keyPrefix, nil
}

// DisplayPrefix returns the short identification prefix of a raw key, the
// same slice that is stored alongside the hash.
func DisplayPrefix(rawKey string) string {
	if len(rawKey) < prefixLen {
		return rawKey
	}
	return rawKey[:prefixLen]
}

// HashKey creates the SHA-256 hex digest stored in place of the secret.
func HashKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}
