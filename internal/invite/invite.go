package invite

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vividon/backend/internal/logging"
	"github.com/vividon/backend/internal/models"
)

// Service errors
var (
	ErrInviteNotFound  = errors.New("invite not found")
	ErrAlreadyUsed     = errors.New("invite has already been used")
	ErrExpired         = errors.New("invite has expired")
	ErrEmailMismatch   = errors.New("invite was issued for a different email")
	ErrDuplicateLive   = errors.New("a live invite already exists for this email")
	ErrAccountNotFound = errors.New("account not found")
)

// DefaultCredits is granted when an invite is created without an explicit
// amount.
const DefaultCredits = 10

// Service manages email-bound single-use invites.
type Service struct {
	db *pgxpool.Pool
}

// NewService creates a new invite service
func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

// PublicInfo is the unauthenticated validation view: enough for a signup page
// to render, nothing that identifies the issuer.
type PublicInfo struct {
	Email          string     `json:"email"`
	CreditsToGrant int        `json:"credits_to_grant"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Create issues a new invite. At most one live (unused, unexpired) invite may
// exist per email; a used or expired one does not block reissue.
func (s *Service) Create(ctx context.Context, createdBy uuid.UUID, email string, credits int, expiresAt *time.Time) (*models.Invite, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("invalid email address")
	}
	if credits <= 0 {
		credits = DefaultCredits
	}

	var liveCount int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM invites
		WHERE email = $1 AND used = false
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, email).Scan(&liveCount)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing invites: %w", err)
	}
	if liveCount > 0 {
		return nil, ErrDuplicateLive
	}

	code, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate invite code: %w", err)
	}

	invite := &models.Invite{}
	err = s.db.QueryRow(ctx, `
		INSERT INTO invites (email, code, credits_to_grant, expires_at, created_by_user_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, email, code, credits_to_grant, used, used_at, used_by_user_id,
		          expires_at, sent_at, created_by_user_id, created_at
	`, email, code, credits, expiresAt, createdBy).Scan(
		&invite.ID, &invite.Email, &invite.Code, &invite.CreditsToGrant,
		&invite.Used, &invite.UsedAt, &invite.UsedByUserID,
		&invite.ExpiresAt, &invite.SentAt, &invite.CreatedByID, &invite.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create invite: %w", err)
	}

	return invite, nil
}

// Validate checks a code without consuming it. Used is reported before
// expired: a consumed invite stays "used" even after its deadline passes.
func (s *Service) Validate(ctx context.Context, code string) (*PublicInfo, error) {
	invite, err := s.getByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if invite.Used {
		return nil, ErrAlreadyUsed
	}
	if invite.IsExpired(time.Now()) {
		return nil, ErrExpired
	}

	return &PublicInfo{
		Email:          invite.Email,
		CreditsToGrant: invite.CreditsToGrant,
		ExpiresAt:      invite.ExpiresAt,
	}, nil
}

// Accept consumes an invite for an authenticated user: approves the account,
// grants the credits with a ledger entry, and marks the invite used. All in
// one database transaction, with the mark-used update last and guarded on
// used = false so two racing accepts cannot both grant.
func (s *Service) Accept(ctx context.Context, code string, userID uuid.UUID, userEmail string) (int, error) {
	invite, err := s.getByCode(ctx, code)
	if err != nil {
		return 0, err
	}

	if invite.Used {
		return 0, ErrAlreadyUsed
	}
	if invite.IsExpired(time.Now()) {
		return 0, ErrExpired
	}
	if !strings.EqualFold(invite.Email, userEmail) {
		return 0, ErrEmailMismatch
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	accountTag, err := tx.Exec(ctx, `
		UPDATE accounts
		SET is_approved = true,
		    credits_remaining = credits_remaining + $1,
		    updated_at = NOW()
		WHERE id = $2
	`, invite.CreditsToGrant, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to approve account: %w", err)
	}
	if accountTag.RowsAffected() == 0 {
		return 0, ErrAccountNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO credit_transactions (user_id, amount, type, description)
		VALUES ($1, $2, $3, $4)
	`, userID, invite.CreditsToGrant, models.TransactionGrant,
		fmt.Sprintf("Invite %s accepted", invite.Code))
	if err != nil {
		return 0, fmt.Errorf("failed to record invite grant: %w", err)
	}

	// Consuming the invite comes last: if this affects zero rows a concurrent
	// accept won, and the whole transaction rolls back.
	tag, err := tx.Exec(ctx, `
		UPDATE invites
		SET used = true, used_at = NOW(), used_by_user_id = $1
		WHERE id = $2 AND used = false
	`, userID, invite.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark invite used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrAlreadyUsed
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit invite accept: %w", err)
	}

	logging.LogCreditEvent(userID.String(), string(models.TransactionGrant),
		"invite accepted", invite.CreditsToGrant)
	return invite.CreditsToGrant, nil
}

// Revoke hard-deletes an unused invite. Used invites are audit history and
// cannot be removed.
func (s *Service) Revoke(ctx context.Context, inviteID uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM invites WHERE id = $1 AND used = false
	`, inviteID)
	if err != nil {
		return fmt.Errorf("failed to revoke invite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var used bool
		err := s.db.QueryRow(ctx, `SELECT used FROM invites WHERE id = $1`, inviteID).Scan(&used)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrInviteNotFound
			}
			return fmt.Errorf("failed to check invite: %w", err)
		}
		return ErrAlreadyUsed
	}
	return nil
}

// MarkSent records that the invite email went out. Delivery is best-effort so
// this is separate from creation.
func (s *Service) MarkSent(ctx context.Context, inviteID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE invites SET sent_at = NOW() WHERE id = $1
	`, inviteID)
	if err != nil {
		return fmt.Errorf("failed to mark invite sent: %w", err)
	}
	return nil
}

// List returns all invites, newest first (admin console).
func (s *Service) List(ctx context.Context) ([]models.Invite, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, email, code, credits_to_grant, used, used_at, used_by_user_id,
		       expires_at, sent_at, created_by_user_id, created_at
		FROM invites
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list invites: %w", err)
	}
	defer rows.Close()

	var invites []models.Invite
	for rows.Next() {
		var i models.Invite
		err := rows.Scan(
			&i.ID, &i.Email, &i.Code, &i.CreditsToGrant, &i.Used, &i.UsedAt,
			&i.UsedByUserID, &i.ExpiresAt, &i.SentAt, &i.CreatedByID, &i.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invite: %w", err)
		}
		invites = append(invites, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invites: %w", err)
	}

	return invites, nil
}

func (s *Service) getByCode(ctx context.Context, code string) (*models.Invite, error) {
	var i models.Invite
	err := s.db.QueryRow(ctx, `
		SELECT id, email, code, credits_to_grant, used, used_at, used_by_user_id,
		       expires_at, sent_at, created_by_user_id, created_at
		FROM invites
		WHERE UPPER(code) = UPPER($1)
	`, strings.TrimSpace(code)).Scan(
		&i.ID, &i.Email, &i.Code, &i.CreditsToGrant, &i.Used, &i.UsedAt,
		&i.UsedByUserID, &i.ExpiresAt, &i.SentAt, &i.CreatedByID, &i.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInviteNotFound
		}
		return nil, fmt.Errorf("failed to get invite: %w", err)
	}
	return &i, nil
}

// generateCode produces a short human-shareable code: 8 uppercase characters
// from a URL-safe alphabet.
func generateCode() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	code := strings.ToUpper(base64.RawURLEncoding.EncodeToString(buf))
	return code[:8], nil
}
