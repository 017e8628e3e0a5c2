package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vividon/backend/internal/logging"
	"github.com/vividon/backend/internal/models"
)

// Service errors
var (
	ErrAccountNotFound          = errors.New("account not found")
	ErrLedgerInvariantViolation = errors.New("debit would make balance negative")
	ErrInvalidAmount            = errors.New("amount must be positive")
)

// InsufficientCreditsError carries the balance and cost so the client can
// prompt a purchase.
type InsufficientCreditsError struct {
	CreditsRemaining int
	CreditCost       int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: have %d, need %d", e.CreditsRemaining, e.CreditCost)
}

// StarterCredits is granted when an account is created lazily on first
// authenticated access.
const StarterCredits = 10

// dbtx is satisfied by both pgxpool.Pool and pgx.Tx, so the service can run
// inside a caller-owned transaction (pgx nests via savepoints).
type dbtx interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Service is the arithmetic authority for the credit balance. Every balance
// mutation pairs the account update with exactly one transaction row, inside
// one database transaction.
type Service struct {
	db dbtx
}

// NewService creates a new ledger service
func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

// Get returns the account, or ErrAccountNotFound.
func (s *Service) Get(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	return scanAccount(s.db.QueryRow(ctx, selectAccount+` WHERE id = $1`, userID))
}

// GetByStripeCustomer looks up an account by its billing customer reference.
func (s *Service) GetByStripeCustomer(ctx context.Context, customerID string) (*models.Account, error) {
	return scanAccount(s.db.QueryRow(ctx, selectAccount+` WHERE stripe_customer_id = $1`, customerID))
}

const selectAccount = `
	SELECT id, email, stripe_customer_id, stripe_subscription_id, subscription_tier,
	       credits_remaining, credits_used_total, is_approved, is_blocked, is_admin,
	       created_at, updated_at
	FROM accounts`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(
		&a.ID, &a.Email, &a.StripeCustomerID, &a.StripeSubscriptionID,
		&a.SubscriptionTier, &a.CreditsRemaining, &a.CreditsUsedTotal,
		&a.IsApproved, &a.IsBlocked, &a.IsAdmin, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

// EnsureAccount returns the account for an authenticated principal, creating
// it with starter credits on first access. Creation writes the matching grant
// transaction so the ledger sum stays equal to the balance.
func (s *Service) EnsureAccount(ctx context.Context, userID uuid.UUID, email string) (*models.Account, error) {
	account, err := s.Get(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// A concurrent request may have created the row; ON CONFLICT keeps this
	// path idempotent without a second round trip.
	tag, err := tx.Exec(ctx, `
		INSERT INTO accounts (id, email, credits_remaining)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, userID, email, StarterCredits)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	if tag.RowsAffected() > 0 {
		_, err = tx.Exec(ctx, `
			INSERT INTO credit_transactions (user_id, amount, type, description)
			VALUES ($1, $2, $3, $4)
		`, userID, StarterCredits, models.TransactionGrant, "Free starter credits")
		if err != nil {
			return nil, fmt.Errorf("failed to record starter grant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit account creation: %w", err)
	}

	return s.Get(ctx, userID)
}

// CheckBalance is the pre-flight gate: it reports the current balance and
// whether it covers the cost. The authoritative guard remains the conditional
// update inside Debit; this check exists to reject early with a useful error.
func (s *Service) CheckBalance(ctx context.Context, userID uuid.UUID, cost int) (int, error) {
	var balance int
	err := s.db.QueryRow(ctx, `
		SELECT credits_remaining FROM accounts WHERE id = $1
	`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to check balance: %w", err)
	}

	if balance < cost {
		return balance, &InsufficientCreditsError{CreditsRemaining: balance, CreditCost: cost}
	}
	return balance, nil
}

// Debit consumes credits and appends the matching usage transaction. The
// decrement is a single conditional update guarded on the current balance, so
// two racing debits can never drive the balance negative: the second one
// simply affects zero rows and fails here.
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, amount int, txType models.TransactionType, generationID *uuid.UUID, description string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE accounts
		SET credits_remaining = credits_remaining - $1,
		    credits_used_total = credits_used_total + $1,
		    updated_at = NOW()
		WHERE id = $2 AND credits_remaining >= $1
	`, amount, userID)
	if err != nil {
		return fmt.Errorf("failed to debit account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the account is missing or the balance no longer covers the
		// amount. The pre-flight check should have caught the latter.
		if _, err := s.Get(ctx, userID); errors.Is(err, ErrAccountNotFound) {
			return ErrAccountNotFound
		}
		return ErrLedgerInvariantViolation
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO credit_transactions (user_id, amount, type, generation_id, description)
		VALUES ($1, $2, $3, $4, $5)
	`, userID, -amount, txType, generationID, description)
	if err != nil {
		return fmt.Errorf("failed to record debit transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit debit: %w", err)
	}

	logging.LogCreditEvent(userID.String(), string(txType), description, -amount)
	return nil
}

// ExternalRefs links a credit to the payment processor's objects.
type ExternalRefs struct {
	StripePaymentID *string
	StripeInvoiceID *string
}

// Credit adds credits and appends the matching transaction. Idempotency for
// externally-triggered credits is the caller's responsibility (see
// ProcessEvent for webhook replays).
func (s *Service) Credit(ctx context.Context, userID uuid.UUID, amount int, txType models.TransactionType, description string, refs *ExternalRefs) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	var paymentID, invoiceID *string
	if refs != nil {
		paymentID = refs.StripePaymentID
		invoiceID = refs.StripeInvoiceID
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE accounts
		SET credits_remaining = credits_remaining + $1, updated_at = NOW()
		WHERE id = $2
	`, amount, userID)
	if err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO credit_transactions (user_id, amount, type, stripe_payment_id, stripe_invoice_id, description)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, userID, amount, txType, paymentID, invoiceID, description)
	if err != nil {
		return fmt.Errorf("failed to record credit transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit credit: %w", err)
	}

	logging.LogCreditEvent(userID.String(), string(txType), description, amount)
	return nil
}

// MarkEventProcessed durably records an external event id before its side
// effects are applied. Returns false when the id was already recorded, which
// is how webhook redeliveries are detected.
func (s *Service) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO processed_webhook_events (event_id)
		VALUES ($1)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID)
	if err != nil {
		return false, fmt.Errorf("failed to record processed event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ProcessEvent records an external event id and applies its side effects in a
// single transaction. A redelivered id returns fresh=false without running
// apply. When apply fails the whole transaction rolls back, the event mark
// included, so the processor's retry gets a clean attempt instead of being
// swallowed as a replay.
func (s *Service) ProcessEvent(ctx context.Context, eventID string, apply func(ctx context.Context, l *Service) error) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	txSvc := &Service{db: tx}
	fresh, err := txSvc.MarkEventProcessed(ctx, eventID)
	if err != nil {
		return false, err
	}
	if !fresh {
		return false, nil
	}

	if err := apply(ctx, txSvc); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit event: %w", err)
	}
	return true, nil
}

// SetStripeCustomer stores the billing customer reference on the account.
func (s *Service) SetStripeCustomer(ctx context.Context, userID uuid.UUID, customerID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE accounts SET stripe_customer_id = $1, updated_at = NOW() WHERE id = $2
	`, customerID, userID)
	if err != nil {
		return fmt.Errorf("failed to set stripe customer: %w", err)
	}
	return nil
}

// SetSubscription updates the tier and subscription reference for an account.
func (s *Service) SetSubscription(ctx context.Context, userID uuid.UUID, tier models.SubscriptionTier, subscriptionID *string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE accounts
		SET subscription_tier = $1, stripe_subscription_id = $2, updated_at = NOW()
		WHERE id = $3
	`, tier, subscriptionID, userID)
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

// UsageSummary is the dashboard view: balance plus recent activity.
type UsageSummary struct {
	CreditsRemaining   int                     `json:"credits_remaining"`
	CreditsUsedTotal   int                     `json:"credits_used_total"`
	SubscriptionTier   models.SubscriptionTier `json:"subscription_tier"`
	RecentGenerations  []GenerationSummary     `json:"recent_generations"`
	RecentTransactions []TransactionSummary    `json:"recent_transactions"`
}

// GenerationSummary is the trimmed generation view exposed on the dashboard.
type GenerationSummary struct {
	ID          uuid.UUID               `json:"id"`
	Status      models.GenerationStatus `json:"status"`
	QualityTier string                  `json:"quality_tier"`
	CreditsCost int                     `json:"credits_cost"`
	CreatedAt   time.Time               `json:"created_at"`
}

// TransactionSummary is the trimmed transaction view exposed on the dashboard.
type TransactionSummary struct {
	ID          uuid.UUID              `json:"id"`
	Amount      int                    `json:"amount"`
	Type        models.TransactionType `json:"type"`
	Description *string                `json:"description,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// GetUsageSummary returns the balance plus the ten most recent generations and
// transactions.
func (s *Service) GetUsageSummary(ctx context.Context, userID uuid.UUID) (*UsageSummary, error) {
	account, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &UsageSummary{
		CreditsRemaining: account.CreditsRemaining,
		CreditsUsedTotal: account.CreditsUsedTotal,
		SubscriptionTier: account.SubscriptionTier,
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, status, quality_tier, credits_cost, created_at
		FROM generations
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 10
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent generations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var g GenerationSummary
		if err := rows.Scan(&g.ID, &g.Status, &g.QualityTier, &g.CreditsCost, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan generation: %w", err)
		}
		summary.RecentGenerations = append(summary.RecentGenerations, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating generations: %w", err)
	}

	txRows, err := s.db.Query(ctx, `
		SELECT id, amount, type, description, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 10
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent transactions: %w", err)
	}
	defer txRows.Close()
	for txRows.Next() {
		var t TransactionSummary
		if err := txRows.Scan(&t.ID, &t.Amount, &t.Type, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		summary.RecentTransactions = append(summary.RecentTransactions, t)
	}
	if err := txRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return summary, nil
}

// TransactionSum returns the sum of all ledger entries for an account. Used by
// consistency checks: it must always equal credits_remaining.
func (s *Service) TransactionSum(ctx context.Context, userID uuid.UUID) (int, error) {
	var sum int
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = $1
	`, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return sum, nil
}

// ListAccounts returns all accounts, oldest first (admin console).
func (s *Service) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.Query(ctx, selectAccount+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		err := rows.Scan(
			&a.ID, &a.Email, &a.StripeCustomerID, &a.StripeSubscriptionID,
			&a.SubscriptionTier, &a.CreditsRemaining, &a.CreditsUsedTotal,
			&a.IsApproved, &a.IsBlocked, &a.IsAdmin, &a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// AccountUpdates is the whitelisted set of admin-mutable fields. A credit
// adjustment goes through the ledger (with a transaction row), not a raw
// balance overwrite.
type AccountUpdates struct {
	IsApproved *bool `json:"is_approved,omitempty"`
	IsBlocked  *bool `json:"is_blocked,omitempty"`
	IsAdmin    *bool `json:"is_admin,omitempty"`
}

// UpdateFlags applies admin changes to entitlement flags.
func (s *Service) UpdateFlags(ctx context.Context, userID uuid.UUID, updates AccountUpdates) (*models.Account, error) {
	if updates.IsApproved == nil && updates.IsBlocked == nil && updates.IsAdmin == nil {
		return nil, ErrInvalidAmount
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE accounts
		SET is_approved = COALESCE($1, is_approved),
		    is_blocked  = COALESCE($2, is_blocked),
		    is_admin    = COALESCE($3, is_admin),
		    updated_at  = NOW()
		WHERE id = $4
	`, updates.IsApproved, updates.IsBlocked, updates.IsAdmin, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to update account flags: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrAccountNotFound
	}

	return s.Get(ctx, userID)
}
