package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vividon/backend/internal/gemini"
	"github.com/vividon/backend/internal/ledger"
	"github.com/vividon/backend/internal/models"
)

// Service errors
var (
	ErrDisabled           = errors.New("generation is disabled")
	ErrGenerationNotFound = errors.New("generation not found")
)

// Quality tiers and their credit costs. An unrecognized tier is priced as
// balanced rather than rejected, so an older plugin keeps working when a new
// tier ships.
const (
	TierFast     = "fast"
	TierBalanced = "balanced"
	TierQuality  = "quality"
)

var tierCosts = map[string]int{
	TierFast:     1,
	TierBalanced: 3,
	TierQuality:  6,
}

// CostForTier returns the credit cost of a quality tier.
func CostForTier(tier string) int {
	if cost, ok := tierCosts[tier]; ok {
		return cost
	}
	return tierCosts[TierBalanced]
}

// Service wraps provider calls with credit accounting. The contract: a user
// pays exactly once per successful generation and nothing for a failed one.
type Service struct {
	db      *pgxpool.Pool
	ledger  *ledger.Service
	enabled func() bool
}

// NewService creates a generation accounting service. enabled is the kill
// switch, evaluated per request so a config reload takes effect immediately.
func NewService(db *pgxpool.Pool, ledgerSvc *ledger.Service, enabled func() bool) *Service {
	if enabled == nil {
		enabled = func() bool { return true }
	}
	return &Service{db: db, ledger: ledgerSvc, enabled: enabled}
}

// Begin gates a generation request and opens its accounting record. It checks
// the kill switch and the balance, then inserts a "processing" row. No credits
// move yet; the row exists so a crash mid-call is visible to reconciliation.
func (s *Service) Begin(ctx context.Context, userID uuid.UUID, tier string, prompt string, metadata map[string]any) (*models.Generation, error) {
	if !s.enabled() {
		return nil, ErrDisabled
	}

	cost := CostForTier(tier)
	if _, err := s.ledger.CheckBalance(ctx, userID, cost); err != nil {
		return nil, err
	}

	var g models.Generation
	err := s.db.QueryRow(ctx, `
		INSERT INTO generations (user_id, model_used, quality_tier, credits_cost, status, prompt, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, user_id, model_used, quality_tier, credits_cost, status,
		          prompt, metadata, created_at
	`, userID, gemini.Model, tier, cost, models.GenerationProcessing, prompt, metadata).Scan(
		&g.ID, &g.UserID, &g.ModelUsed, &g.QualityTier, &g.CreditsCost,
		&g.Status, &g.Prompt, &g.Metadata, &g.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation record: %w", err)
	}

	return &g, nil
}

// Complete settles a successful generation: debit the credits and flip the
// row to completed. The debit is the authoritative conditional update; if the
// balance was drained by a concurrent request since Begin's pre-flight check,
// the generation is failed instead and the provider cost is eaten rather than
// driving the ledger negative.
func (s *Service) Complete(ctx context.Context, g *models.Generation) error {
	err := s.ledger.Debit(ctx, g.UserID, g.CreditsCost, models.TransactionUsage, &g.ID,
		fmt.Sprintf("Generation (%s)", g.QualityTier))
	if err != nil {
		if errors.Is(err, ledger.ErrLedgerInvariantViolation) {
			_ = s.Fail(ctx, g.ID, "balance consumed by concurrent request")
		}
		return err
	}

	_, err = s.db.Exec(ctx, `
		UPDATE generations
		SET status = $1, completed_at = NOW()
		WHERE id = $2
	`, models.GenerationCompleted, g.ID)
	if err != nil {
		return fmt.Errorf("failed to finalize generation: %w", err)
	}
	return nil
}

// Fail marks a generation failed without charging. The error message is
// stored for support.
func (s *Service) Fail(ctx context.Context, generationID uuid.UUID, errMsg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE generations
		SET status = $1, error_message = $2, completed_at = NOW()
		WHERE id = $3 AND status = $4
	`, models.GenerationFailed, errMsg, generationID, models.GenerationProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark generation failed: %w", err)
	}
	return nil
}

// Get returns one generation, scoped to its owner.
func (s *Service) Get(ctx context.Context, userID, generationID uuid.UUID) (*models.Generation, error) {
	var g models.Generation
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, model_used, quality_tier, credits_cost, status,
		       input_file_uri, prompt, metadata, error_message, created_at, completed_at
		FROM generations
		WHERE id = $1 AND user_id = $2
	`, generationID, userID).Scan(
		&g.ID, &g.UserID, &g.ModelUsed, &g.QualityTier, &g.CreditsCost, &g.Status,
		&g.InputFileURI, &g.Prompt, &g.Metadata, &g.ErrorMessage, &g.CreatedAt, &g.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGenerationNotFound
		}
		return nil, fmt.Errorf("failed to get generation: %w", err)
	}
	return &g, nil
}

// ReconcileStale fails generations stuck in "processing" longer than
// staleAfter. These are requests whose handler died mid-call; the user was
// never charged, so failing the row is the complete cleanup. Returns the
// number of rows reconciled.
func (s *Service) ReconcileStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE generations
		SET status = $1, error_message = 'reconciled: request never finished',
		    completed_at = NOW()
		WHERE status = $2 AND created_at < NOW() - $3::interval
	`, models.GenerationFailed, models.GenerationProcessing,
		fmt.Sprintf("%d seconds", int(staleAfter.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile stale generations: %w", err)
	}
	return tag.RowsAffected(), nil
}
