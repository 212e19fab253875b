package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"

	"storychain-server/internal/models"
)

// AttemptRepository defines the interface for attempt persistence.
//
//go:generate mockery --name AttemptRepository --output ./mocks --outpkg mocks --case=underscore
type AttemptRepository interface {
	// Create inserts a new attempt. The unique constraint on payment_tx_ref
	// guarantees a payment funds at most one attempt; a duplicate surfaces
	// as models.ErrDuplicateTxRef.
	Create(ctx context.Context, querier DBTX, attempt *models.Attempt) error

	// GetByID retrieves an attempt by id.
	GetByID(ctx context.Context, querier DBTX, id uuid.UUID) (*models.Attempt, error)

	// GetByTxRef retrieves the attempt funded by the given transaction, if any.
	GetByTxRef(ctx context.Context, querier DBTX, txRef string) (*models.Attempt, error)

	// MarkOutcome flips in_progress→outcome. Returns ErrNotFound when the
	// attempt was not in_progress, so the terminal transition happens exactly
	// once even under races.
	MarkOutcome(ctx context.Context, querier DBTX, id uuid.UUID, outcome models.AttemptOutcome) error

	// AbandonExpired flips in_progress attempts past their retry window to
	// abandoned. Part of the maintenance sweep. Returns rows touched.
	AbandonExpired(ctx context.Context, querier DBTX, now time.Time) (int64, error)
}

// PromptRepository defines the interface for prompt persistence.
// Prompts are append-only; only outcome/job progression mutates a row.
//
//go:generate mockery --name PromptRepository --output ./mocks --outpkg mocks --case=underscore
type PromptRepository interface {
	// CreateCapped inserts a prompt with the next sequence number, but only
	// while the attempt holds fewer than models.MaxPromptsPerAttempt rows.
	// The cap check and the insert are one statement; when the cap is hit it
	// returns models.ErrRetryLimitExceeded.
	CreateCapped(ctx context.Context, querier DBTX, prompt *models.Prompt) error

	// GetByID retrieves a prompt by id.
	GetByID(ctx context.Context, querier DBTX, id uuid.UUID) (*models.Prompt, error)

	// ListByAttempt returns the attempt's prompts ordered by seq.
	ListByAttempt(ctx context.Context, querier DBTX, attemptID uuid.UUID) ([]*models.Prompt, error)

	// MarkDispatched records the external job id and flips pending→generating.
	MarkDispatched(ctx context.Context, querier DBTX, id uuid.UUID, jobID string, refinedText *string) error

	// MarkOutcome records a terminal outcome (and optionally the stored
	// artifact key) for a pending or generating prompt.
	MarkOutcome(ctx context.Context, querier DBTX, id uuid.UUID, outcome models.PromptOutcome, videoKey *string) error

	// AbandonOpenByAttempt flips the attempt's non-terminal prompts to
	// abandoned when the attempt itself ends. Returns rows touched.
	AbandonOpenByAttempt(ctx context.Context, querier DBTX, attemptID uuid.UUID) (int64, error)
}

// AuditRepository писал бы в отдельный сервис, но здесь это append-only
// таблица в той же БД: запись обязана попадать в ту же транзакцию, что и
// удаление строки слота.
type AuditRepository interface {
	Insert(ctx context.Context, querier DBTX, rec *models.SlotAudit) error
}
