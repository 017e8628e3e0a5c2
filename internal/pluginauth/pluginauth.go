package pluginauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vividon/backend/internal/apikey"
	"github.com/vividon/backend/internal/models"
)

// Service errors
var (
	ErrSessionNotFound  = errors.New("pairing session not found")
	ErrSessionExpired   = errors.New("pairing session has expired")
	ErrAlreadyRetrieved = errors.New("credentials were already retrieved")
	ErrAccountBlocked   = errors.New("account is suspended")
)

// SessionTTL bounds the whole handshake: the plugin has this long to get the
// user through the browser and poll the result.
const SessionTTL = 10 * time.Minute

// Service runs the browser-based pairing handshake that hands a desktop
// plugin an API key without the user ever copying one by hand.
type Service struct {
	db     *pgxpool.Pool
	keys   *apikey.Service
	appURL string
}

// NewService creates a new plugin auth service
func NewService(db *pgxpool.Pool, keys *apikey.Service, appURL string) *Service {
	return &Service{db: db, keys: keys, appURL: appURL}
}

// StartResult is handed to the unauthenticated plugin: an opaque token to poll
// with and the URL to open in the user's browser.
type StartResult struct {
	SessionToken string    `json:"session_token"`
	AuthURL      string    `json:"auth_url"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Start opens a pairing session. No authentication: the token is the only
// capability, and it expires.
func (s *Service) Start(ctx context.Context) (*StartResult, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	expiresAt := time.Now().Add(SessionTTL)
	_, err = s.db.Exec(ctx, `
		INSERT INTO plugin_auth_sessions (session_token, status, expires_at)
		VALUES ($1, $2, $3)
	`, token, models.PluginSessionPending, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create pairing session: %w", err)
	}

	return &StartResult{
		SessionToken: token,
		AuthURL:      fmt.Sprintf("%s/plugin-auth?session=%s", s.appURL, token),
		ExpiresAt:    expiresAt,
	}, nil
}

// Complete binds the browser-authenticated user to the session and issues the
// plugin's API key. Called from the web app, so the user is fully
// authenticated here even though the polling plugin is not.
//
// A blocked account fails and leaves the session pending. An unapproved
// account parks the session as waitlisted, which the plugin reports to the
// user instead of a key.
func (s *Service) Complete(ctx context.Context, token string, account *models.Account) (models.PluginSessionStatus, error) {
	session, err := s.getByToken(ctx, token)
	if err != nil {
		return "", err
	}
	if session.IsExpired(time.Now()) {
		return "", ErrSessionExpired
	}
	if session.Status != models.PluginSessionPending {
		return "", ErrAlreadyRetrieved
	}

	if account.IsBlocked {
		return "", ErrAccountBlocked
	}

	if !account.IsApproved {
		_, err = s.db.Exec(ctx, `
			UPDATE plugin_auth_sessions
			SET status = $1, user_id = $2, completed_at = NOW()
			WHERE id = $3 AND status = $4
		`, models.PluginSessionWaitlisted, account.ID, session.ID, models.PluginSessionPending)
		if err != nil {
			return "", fmt.Errorf("failed to waitlist pairing session: %w", err)
		}
		return models.PluginSessionWaitlisted, nil
	}

	issued, err := s.keys.Issue(ctx, account.ID,
		fmt.Sprintf("Photoshop Plugin (%s)", time.Now().Format("2006-01-02")), nil)
	if err != nil {
		return "", fmt.Errorf("failed to issue plugin API key: %w", err)
	}

	// The plaintext key is parked on the session for one-time pickup by the
	// polling plugin; the status guard keeps a double-complete from issuing a
	// second orphaned row.
	tag, err := s.db.Exec(ctx, `
		UPDATE plugin_auth_sessions
		SET status = $1, user_id = $2, api_key_id = $3, api_key_plaintext = $4,
		    completed_at = NOW()
		WHERE id = $5 AND status = $6
	`, models.PluginSessionCompleted, account.ID, issued.ID, issued.Key,
		session.ID, models.PluginSessionPending)
	if err != nil {
		return "", fmt.Errorf("failed to complete pairing session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race; deactivate the key we just minted.
		_, _ = s.keys.Revoke(ctx, account.ID, issued.ID)
		return "", ErrAlreadyRetrieved
	}

	return models.PluginSessionCompleted, nil
}

// PollResult is what the plugin sees. APIKey and KeyPrefix are set exactly
// once, on the first poll after completion; ExpiresAt is set while the session
// is still pending so the plugin can show a countdown.
type PollResult struct {
	Status    models.PluginSessionStatus `json:"status"`
	APIKey    string                     `json:"api_key,omitempty"`
	KeyPrefix string                     `json:"key_prefix,omitempty"`
	ExpiresAt *time.Time                 `json:"expires_at,omitempty"`
}

// Poll reports the session state. A session past its TTL reports expired no
// matter what status is stored, so a completed-but-unclaimed key stops being
// retrievable the moment the deadline passes. On a live completed session the
// stored plaintext key is read and cleared in one statement, so exactly one
// poll ever receives it; later polls get ErrAlreadyRetrieved.
func (s *Service) Poll(ctx context.Context, token string) (*PollResult, error) {
	session, err := s.getByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if session.IsExpired(time.Now()) {
		return &PollResult{Status: models.PluginSessionExpired}, nil
	}

	switch session.Status {
	case models.PluginSessionPending:
		return &PollResult{Status: session.Status, ExpiresAt: &session.ExpiresAt}, nil
	case models.PluginSessionWaitlisted:
		return &PollResult{Status: session.Status}, nil
	}

	// Completed: atomically take the plaintext. The self-join returns the
	// value as it was before the clear; plain RETURNING would give the NULL
	// we just wrote.
	var plaintext *string
	err = s.db.QueryRow(ctx, `
		UPDATE plugin_auth_sessions p
		SET api_key_plaintext = NULL
		FROM (
			SELECT id, api_key_plaintext AS prior
			FROM plugin_auth_sessions
			WHERE id = $1
			FOR UPDATE
		) prev
		WHERE p.id = prev.id
		RETURNING prev.prior
	`, session.ID).Scan(&plaintext)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to claim pairing credentials: %w", err)
	}

	if plaintext == nil {
		return nil, ErrAlreadyRetrieved
	}

	return &PollResult{
		Status:    models.PluginSessionCompleted,
		APIKey:    *plaintext,
		KeyPrefix: apikey.DisplayPrefix(*plaintext),
	}, nil
}

// SweepExpired clears plaintext keys left on sessions that were completed but
// never polled before their deadline. Returns how many rows were scrubbed.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE plugin_auth_sessions
		SET api_key_plaintext = NULL
		WHERE api_key_plaintext IS NOT NULL AND expires_at < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep pairing sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Service) getByToken(ctx context.Context, token string) (*models.PluginAuthSession, error) {
	var p models.PluginAuthSession
	err := s.db.QueryRow(ctx, `
		SELECT id, session_token, user_id, api_key_id, api_key_plaintext,
		       status, expires_at, completed_at, created_at
		FROM plugin_auth_sessions
		WHERE session_token = $1
	`, token).Scan(
		&p.ID, &p.SessionToken, &p.UserID, &p.APIKeyID, &p.APIKeyPlaintext,
		&p.Status, &p.ExpiresAt, &p.CompletedAt, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get pairing session: %w", err)
	}
	return &p, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
