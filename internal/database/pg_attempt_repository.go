package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"storychain-server/internal/interfaces"
	"storychain-server/internal/models"
)

// Compile-time check to ensure implementation satisfies the interface.
var _ interfaces.AttemptRepository = (*pgAttemptRepository)(nil)

type pgAttemptRepository struct {
	logger *zap.Logger
}

func NewPgAttemptRepository(logger *zap.Logger) interfaces.AttemptRepository {
	return &pgAttemptRepository{logger: logger.Named("PgAttemptRepo")}
}

const attemptColumns = `id, slot_id, parent_id, letter, creator_wallet, payment_tx_ref, payment_confirmed_at, retry_window_expires_at, outcome, created_at, updated_at`

const createAttemptQuery = `
INSERT INTO attempts (id, slot_id, parent_id, letter, creator_wallet, payment_tx_ref, payment_confirmed_at, retry_window_expires_at, outcome)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'in_progress')`

const getAttemptByIDQuery = `SELECT ` + attemptColumns + ` FROM attempts WHERE id = $1`

const getAttemptByTxRefQuery = `SELECT ` + attemptColumns + ` FROM attempts WHERE payment_tx_ref = $1`

// Терминальный исход выставляется ровно один раз: guard на in_progress.
const markAttemptOutcomeQuery = `
UPDATE attempts SET outcome = $2, updated_at = now()
WHERE id = $1 AND outcome = 'in_progress'`

const abandonExpiredAttemptsQuery = `
UPDATE attempts SET outcome = 'abandoned', updated_at = now()
WHERE outcome = 'in_progress' AND retry_window_expires_at < $1`

func (r *pgAttemptRepository) Create(ctx context.Context, querier interfaces.DBTX, attempt *models.Attempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	_, err := querier.Exec(ctx, createAttemptQuery,
		attempt.ID,
		attempt.SlotID,
		attempt.ParentID,
		attempt.Letter,
		attempt.CreatorWallet,
		attempt.PaymentTxRef,
		attempt.PaymentConfirmedAt,
		attempt.RetryWindowExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// payment_tx_ref уникален: одна транзакция — максимум одна попытка.
			return models.ErrDuplicateTxRef
		}
		r.logger.Error("Failed to create attempt", zap.Error(err), zap.String("txRef", attempt.PaymentTxRef))
		return fmt.Errorf("create attempt: %w", err)
	}
	r.logger.Info("Attempt created",
		zap.String("attemptID", attempt.ID.String()),
		zap.String("txRef", attempt.PaymentTxRef))
	return nil
}

func (r *pgAttemptRepository) GetByID(ctx context.Context, querier interfaces.DBTX, id uuid.UUID) (*models.Attempt, error) {
	return r.scanOne(ctx, querier, getAttemptByIDQuery, id)
}

func (r *pgAttemptRepository) GetByTxRef(ctx context.Context, querier interfaces.DBTX, txRef string) (*models.Attempt, error) {
	return r.scanOne(ctx, querier, getAttemptByTxRefQuery, txRef)
}

func (r *pgAttemptRepository) scanOne(ctx context.Context, querier interfaces.DBTX, query string, args ...any) (*models.Attempt, error) {
	attempt := &models.Attempt{}
	err := querier.QueryRow(ctx, query, args...).Scan(
		&attempt.ID,
		&attempt.SlotID,
		&attempt.ParentID,
		&attempt.Letter,
		&attempt.CreatorWallet,
		&attempt.PaymentTxRef,
		&attempt.PaymentConfirmedAt,
		&attempt.RetryWindowExpiresAt,
		&attempt.Outcome,
		&attempt.CreatedAt,
		&attempt.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("select attempt: %w", err)
	}
	return attempt, nil
}

func (r *pgAttemptRepository) MarkOutcome(ctx context.Context, querier interfaces.DBTX, id uuid.UUID, outcome models.AttemptOutcome) error {
	tag, err := querier.Exec(ctx, markAttemptOutcomeQuery, id, outcome)
	if err != nil {
		return fmt.Errorf("mark attempt outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	r.logger.Info("Attempt outcome recorded",
		zap.String("attemptID", id.String()), zap.String("outcome", string(outcome)))
	return nil
}

func (r *pgAttemptRepository) AbandonExpired(ctx context.Context, querier interfaces.DBTX, now time.Time) (int64, error) {
	tag, err := querier.Exec(ctx, abandonExpiredAttemptsQuery, now)
	if err != nil {
		return 0, fmt.Errorf("abandon expired attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}
