package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"storychain-server/internal/interfaces"
	"storychain-server/internal/models"
)

// Compile-time check to ensure implementation satisfies the interface.
var _ interfaces.PromptRepository = (*pgPromptRepository)(nil)

type pgPromptRepository struct {
	logger *zap.Logger
}

func NewPgPromptRepository(logger *zap.Logger) interfaces.PromptRepository {
	return &pgPromptRepository{logger: logger.Named("PgPromptRepo")}
}

const promptColumns = `id, attempt_id, seq, raw_text, refined_text, job_id, outcome, video_key, created_at, updated_at`

// Проверка лимита и вставка — один statement: HAVING по агрегату отсекает
// вставку четвертого промпта, а уникальный (attempt_id, seq) ловит гонку
// двух конкурентных вставок.
const createPromptCappedQuery = `
INSERT INTO prompts (id, attempt_id, seq, raw_text, outcome)
SELECT $1, $2, COALESCE(MAX(p.seq), 0) + 1, $3, 'pending'
FROM prompts p
WHERE p.attempt_id = $2
HAVING COALESCE(MAX(p.seq), 0) < $4
RETURNING seq, created_at, updated_at`

const getPromptByIDQuery = `SELECT ` + promptColumns + ` FROM prompts WHERE id = $1`

const listPromptsByAttemptQuery = `SELECT ` + promptColumns + ` FROM prompts WHERE attempt_id = $1 ORDER BY seq`

const markPromptDispatchedQuery = `
UPDATE prompts SET job_id = $2, refined_text = $3, outcome = 'generating', updated_at = now()
WHERE id = $1 AND outcome = 'pending'`

const markPromptOutcomeQuery = `
UPDATE prompts SET outcome = $2, video_key = COALESCE($3, video_key), updated_at = now()
WHERE id = $1 AND outcome IN ('pending', 'generating')`

const abandonOpenPromptsQuery = `
UPDATE prompts SET outcome = 'abandoned', updated_at = now()
WHERE attempt_id = $1 AND outcome IN ('pending', 'generating')`

func (r *pgPromptRepository) CreateCapped(ctx context.Context, querier interfaces.DBTX, prompt *models.Prompt) error {
	if prompt.ID == uuid.Nil {
		prompt.ID = uuid.New()
	}
	err := querier.QueryRow(ctx, createPromptCappedQuery,
		prompt.ID,
		prompt.AttemptID,
		prompt.RawText,
		models.MaxPromptsPerAttempt,
	).Scan(&prompt.Seq, &prompt.CreatedAt, &prompt.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrRetryLimitExceeded
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Конкурентная вставка с тем же seq: у слота уже идет генерация.
			return models.ErrGenerationInProgress
		}
		r.logger.Error("Failed to create prompt", zap.Error(err), zap.String("attemptID", prompt.AttemptID.String()))
		return fmt.Errorf("create prompt: %w", err)
	}
	prompt.Outcome = models.PromptPending
	r.logger.Info("Prompt created",
		zap.String("promptID", prompt.ID.String()),
		zap.String("attemptID", prompt.AttemptID.String()),
		zap.Int("seq", prompt.Seq))
	return nil
}

func (r *pgPromptRepository) GetByID(ctx context.Context, querier interfaces.DBTX, id uuid.UUID) (*models.Prompt, error) {
	prompt := &models.Prompt{}
	err := querier.QueryRow(ctx, getPromptByIDQuery, id).Scan(
		&prompt.ID,
		&prompt.AttemptID,
		&prompt.Seq,
		&prompt.RawText,
		&prompt.RefinedText,
		&prompt.JobID,
		&prompt.Outcome,
		&prompt.VideoKey,
		&prompt.CreatedAt,
		&prompt.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("select prompt: %w", err)
	}
	return prompt, nil
}

func (r *pgPromptRepository) ListByAttempt(ctx context.Context, querier interfaces.DBTX, attemptID uuid.UUID) ([]*models.Prompt, error) {
	var prompts []*models.Prompt
	if err := pgxscan.Select(ctx, querier, &prompts, listPromptsByAttemptQuery, attemptID); err != nil {
		return nil, fmt.Errorf("select prompts for attempt: %w", err)
	}
	return prompts, nil
}

func (r *pgPromptRepository) MarkDispatched(ctx context.Context, querier interfaces.DBTX, id uuid.UUID, jobID string, refinedText *string) error {
	tag, err := querier.Exec(ctx, markPromptDispatchedQuery, id, jobID, refinedText)
	if err != nil {
		return fmt.Errorf("mark prompt dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (r *pgPromptRepository) MarkOutcome(ctx context.Context, querier interfaces.DBTX, id uuid.UUID, outcome models.PromptOutcome, videoKey *string) error {
	tag, err := querier.Exec(ctx, markPromptOutcomeQuery, id, outcome, videoKey)
	if err != nil {
		return fmt.Errorf("mark prompt outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	r.logger.Info("Prompt outcome recorded",
		zap.String("promptID", id.String()), zap.String("outcome", string(outcome)))
	return nil
}

func (r *pgPromptRepository) AbandonOpenByAttempt(ctx context.Context, querier interfaces.DBTX, attemptID uuid.UUID) (int64, error) {
	tag, err := querier.Exec(ctx, abandonOpenPromptsQuery, attemptID)
	if err != nil {
		return 0, fmt.Errorf("abandon open prompts: %w", err)
	}
	return tag.RowsAffected(), nil
}
