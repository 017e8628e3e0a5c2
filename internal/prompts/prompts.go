package prompts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPromptNotFound is returned when a prompt id does not exist.
var ErrPromptNotFound = errors.New("prompt not found")

// Service serves the curated prompt catalog the plugin shows as one-click
// edit presets. The catalog is operator-managed; the plugin only reads it.
type Service struct {
	db *pgxpool.Pool
}

// NewService creates a new prompt catalog service
func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

// Prompt is one catalog entry as the plugin sees it.
type Prompt struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	Prompt          string    `json:"prompt"`
	Category        string    `json:"category"`
	PreviewImageURL *string   `json:"preview_image_url,omitempty"`
}

// Entry is the admin view, including visibility and ordering.
type Entry struct {
	Prompt
	IsPublic  bool `json:"is_public"`
	SortOrder int  `json:"sort_order"`
}

// ListPublic returns the public catalog in display order.
func (s *Service) ListPublic(ctx context.Context) ([]Prompt, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, prompt, category, preview_image_url
		FROM prompt_library
		WHERE is_public = true
		ORDER BY sort_order, name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	defer rows.Close()

	var prompts []Prompt
	for rows.Next() {
		var p Prompt
		if err := rows.Scan(&p.ID, &p.Name, &p.Prompt, &p.Category, &p.PreviewImageURL); err != nil {
			return nil, fmt.Errorf("failed to scan prompt: %w", err)
		}
		prompts = append(prompts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating prompts: %w", err)
	}

	return prompts, nil
}

// Create adds a catalog entry (admin console).
func (s *Service) Create(ctx context.Context, name, prompt, category string, previewImageURL *string, isPublic bool, sortOrder int) (*Entry, error) {
	if name == "" || prompt == "" || category == "" {
		return nil, fmt.Errorf("name, prompt and category are required")
	}

	var e Entry
	err := s.db.QueryRow(ctx, `
		INSERT INTO prompt_library (name, prompt, category, preview_image_url, is_public, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, name, prompt, category, preview_image_url, is_public, sort_order
	`, name, prompt, category, previewImageURL, isPublic, sortOrder).Scan(
		&e.ID, &e.Name, &e.Prompt.Prompt, &e.Category, &e.PreviewImageURL,
		&e.IsPublic, &e.SortOrder,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt: %w", err)
	}
	return &e, nil
}

// Delete removes a catalog entry (admin console).
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM prompt_library WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete prompt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPromptNotFound
	}
	return nil
}

// ListAll returns every entry, public or not, in display order (admin
// console).
func (s *Service) ListAll(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, prompt, category, preview_image_url, is_public, sort_order
		FROM prompt_library
		ORDER BY sort_order, name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Name, &e.Prompt.Prompt, &e.Category, &e.PreviewImageURL, &e.IsPublic, &e.SortOrder); err != nil {
			return nil, fmt.Errorf("failed to scan prompt: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating prompts: %w", err)
	}

	return entries, nil
}
