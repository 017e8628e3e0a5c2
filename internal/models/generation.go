package models

import (
	"time"

	"github.com/google/uuid"
)

// GenerationStatus represents the lifecycle of an image-transform request
type GenerationStatus string

const (
	GenerationPending    GenerationStatus = "pending"
	GenerationProcessing GenerationStatus = "processing"
	GenerationCompleted  GenerationStatus = "completed"
	GenerationFailed     GenerationStatus = "failed"
)

// Generation is one record per image-transform request. Rows are created in
// "processing" before the provider call and finalized to "completed" or
// "failed" afterwards; credits are debited only on completion.
type Generation struct {
	ID           uuid.UUID        `json:"id" db:"id"`
	UserID       uuid.UUID        `json:"user_id" db:"user_id"`
	ModelUsed    string           `json:"model_used" db:"model_used"`
	QualityTier  string           `json:"quality_tier" db:"quality_tier"`
	CreditsCost  int              `json:"credits_cost" db:"credits_cost"`
	Status       GenerationStatus `json:"status" db:"status"`
	InputFileURI *string          `json:"input_file_uri,omitempty" db:"input_file_uri"`
	Prompt       *string          `json:"prompt,omitempty" db:"prompt"`
	Metadata     map[string]any   `json:"metadata,omitempty" db:"metadata"`
	ErrorMessage *string          `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
}
