package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"storychain-server/internal/interfaces"
	"storychain-server/internal/models"
)

// Compile-time check to ensure implementation satisfies the interface.
var _ interfaces.SlotRepository = (*pgSlotRepository)(nil)

type pgSlotRepository struct {
	logger *zap.Logger
}

// NewPgSlotRepository создает репозиторий слотов. Объект не держит соединение:
// каждый метод получает DBTX (пул или транзакцию) от вызывающего.
func NewPgSlotRepository(logger *zap.Logger) interfaces.SlotRepository {
	return &pgSlotRepository{logger: logger.Named("PgSlotRepo")}
}

const slotColumns = `id, parent_id, letter, status, lock_holder, lock_expires_at, winning_attempt_id, retry_count, video_key, created_at, updated_at`

// Резервация — единственный путь создания строки слота. Условие в DO UPDATE
// вычисляется и применяется в один round trip: из двух конкурентных
// запросов победить может только один.
const acquireLockQuery = `
INSERT INTO slots (parent_id, letter, status, lock_holder, lock_expires_at)
VALUES ($1, $2, 'locked', $3, $4)
ON CONFLICT (parent_id, letter) DO UPDATE
SET status             = 'locked',
    lock_holder        = EXCLUDED.lock_holder,
    lock_expires_at    = EXCLUDED.lock_expires_at,
    winning_attempt_id = NULL,
    retry_count        = 0,
    video_key          = NULL,
    updated_at         = now()
WHERE slots.status IN ('lock_expired', 'failed')
   OR (slots.status = 'locked' AND slots.lock_expires_at < now())
RETURNING ` + slotColumns

const getSlotByIDQuery = `SELECT ` + slotColumns + ` FROM slots WHERE id = $1`

const getSlotByPairQuery = `SELECT ` + slotColumns + ` FROM slots WHERE parent_id = $1 AND letter = $2`

const findActiveByHolderQuery = `
SELECT ` + slotColumns + ` FROM slots
WHERE lock_holder = $1 AND status = ANY($2::slot_status[])`

const listChildrenQuery = `SELECT ` + slotColumns + ` FROM slots WHERE parent_id = $1 ORDER BY letter`

const releaseExpiredForHolderQuery = `
UPDATE slots
SET status = 'lock_expired', lock_holder = NULL, lock_expires_at = NULL, updated_at = now()
WHERE lock_holder = $1 AND status = 'locked' AND lock_expires_at < $2`

const beginVerificationQuery = `
UPDATE slots
SET status = 'verifying', updated_at = now()
WHERE id = $1 AND status = 'locked' AND lock_holder = $2 AND lock_expires_at > $3`

const revertVerificationQuery = `
UPDATE slots
SET status = 'lock_expired', lock_holder = NULL, lock_expires_at = NULL, updated_at = now()
WHERE id = $1 AND status = 'verifying'`

const attachAttemptQuery = `
UPDATE slots
SET status = 'awaiting_prompt', winning_attempt_id = $2, lock_expires_at = NULL, updated_at = now()
WHERE id = $1 AND status = 'verifying'`

const markGeneratingQuery = `
UPDATE slots
SET status = 'generating', retry_count = retry_count + 1, updated_at = now()
WHERE id = $1 AND status = 'awaiting_prompt'`

const returnToAwaitingPromptQuery = `
UPDATE slots
SET status = 'awaiting_prompt', updated_at = now()
WHERE id = $1 AND status = 'generating'`

const markAwaitingConfirmationQuery = `
UPDATE slots
SET status = 'awaiting_confirmation', video_key = $2, updated_at = now()
WHERE id = $1 AND status = 'generating'`

const markCompletedQuery = `
UPDATE slots
SET status = 'completed', updated_at = now()
WHERE id = $1 AND status = 'awaiting_confirmation'`

const markFailedQuery = `
UPDATE slots
SET status = 'failed', lock_holder = NULL, lock_expires_at = NULL, updated_at = now()
WHERE id = $1 AND status = ANY($2::slot_status[])`

const deleteSlotQuery = `DELETE FROM slots WHERE id = $1`

// Sweep для "логически истекших, но не замеченных" строк. Lock-expiry
// проверяется лениво в Acquire; этот запрос ограничивает время, которое
// строка может висеть незамеченной. verifying получает пятиминутный grace
// на случай медленного ledger RPC.
const reclaimStaleQuery = `
UPDATE slots
SET status = (CASE WHEN status IN ('locked', 'verifying') THEN 'lock_expired' ELSE 'failed' END)::slot_status,
    lock_holder = NULL,
    lock_expires_at = NULL,
    updated_at = now()
WHERE status = ANY($1::slot_status[])
  AND ($2::text IS NULL OR lock_holder = $2)
  AND (
       (status = 'locked' AND lock_expires_at < $3)
    OR (status = 'verifying' AND updated_at < $3 - interval '5 minutes')
    OR (status IN ('awaiting_prompt', 'generating') AND (
            winning_attempt_id IS NULL
         OR NOT EXISTS (
                SELECT 1 FROM attempts a
                WHERE a.id = slots.winning_attempt_id
                  AND a.outcome = 'in_progress'
                  AND a.retry_window_expires_at > $3)
       ))
  )`

func (r *pgSlotRepository) AcquireLock(ctx context.Context, querier interfaces.DBTX, parentID int64, letter models.Letter, holder string, expiresAt time.Time) (*models.Slot, error) {
	slot := &models.Slot{}
	err := querier.QueryRow(ctx, acquireLockQuery, parentID, letter, holder, expiresAt).Scan(
		&slot.ID,
		&slot.ParentID,
		&slot.Letter,
		&slot.Status,
		&slot.LockHolder,
		&slot.LockExpiresAt,
		&slot.WinningAttemptID,
		&slot.RetryCount,
		&slot.VideoKey,
		&slot.CreatedAt,
		&slot.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Условие перехвата не выполнилось: пара занята.
			return nil, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Бэкстоп-индексы: либо активная сессия holder'а, либо гонка за пару.
			if pgErr.ConstraintName == "slots_active_holder_uniq" {
				return nil, models.ErrActiveSessionExists
			}
			return nil, models.ErrSlotUnavailable
		}
		r.logger.Error("Failed to acquire slot lock", zap.Error(err),
			zap.Int64("parentID", parentID), zap.String("letter", string(letter)))
		return nil, fmt.Errorf("acquire slot lock: %w", err)
	}
	r.logger.Info("Slot lock acquired",
		zap.Int64("slotID", slot.ID),
		zap.Int64("parentID", parentID),
		zap.String("letter", string(letter)),
		zap.String("holder", holder))
	return slot, nil
}

func (r *pgSlotRepository) GetByID(ctx context.Context, querier interfaces.DBTX, id int64) (*models.Slot, error) {
	return r.scanOne(ctx, querier, getSlotByIDQuery, id)
}

func (r *pgSlotRepository) GetByPair(ctx context.Context, querier interfaces.DBTX, parentID int64, letter models.Letter) (*models.Slot, error) {
	return r.scanOne(ctx, querier, getSlotByPairQuery, parentID, letter)
}

func (r *pgSlotRepository) scanOne(ctx context.Context, querier interfaces.DBTX, query string, args ...any) (*models.Slot, error) {
	slot := &models.Slot{}
	err := querier.QueryRow(ctx, query, args...).Scan(
		&slot.ID,
		&slot.ParentID,
		&slot.Letter,
		&slot.Status,
		&slot.LockHolder,
		&slot.LockExpiresAt,
		&slot.WinningAttemptID,
		&slot.RetryCount,
		&slot.VideoKey,
		&slot.CreatedAt,
		&slot.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("select slot: %w", err)
	}
	return slot, nil
}

func (r *pgSlotRepository) FindActiveByHolder(ctx context.Context, querier interfaces.DBTX, holder string) ([]*models.Slot, error) {
	var slots []*models.Slot
	err := pgxscan.Select(ctx, querier, &slots, findActiveByHolderQuery, holder, pq.Array(statusStrings(models.ActiveSlotStatuses)))
	if err != nil {
		return nil, fmt.Errorf("select active slots for holder: %w", err)
	}
	return slots, nil
}

func (r *pgSlotRepository) ListChildren(ctx context.Context, querier interfaces.DBTX, parentID int64) ([]*models.Slot, error) {
	var slots []*models.Slot
	if err := pgxscan.Select(ctx, querier, &slots, listChildrenQuery, parentID); err != nil {
		return nil, fmt.Errorf("select slot children: %w", err)
	}
	return slots, nil
}

func (r *pgSlotRepository) ReleaseExpiredForHolder(ctx context.Context, querier interfaces.DBTX, holder string, now time.Time) (int64, error) {
	tag, err := querier.Exec(ctx, releaseExpiredForHolderQuery, holder, now)
	if err != nil {
		return 0, fmt.Errorf("release expired locks for holder: %w", err)
	}
	if tag.RowsAffected() > 0 {
		r.logger.Info("Released expired locks for holder",
			zap.String("holder", holder), zap.Int64("count", tag.RowsAffected()))
	}
	return tag.RowsAffected(), nil
}

func (r *pgSlotRepository) BeginVerification(ctx context.Context, querier interfaces.DBTX, id int64, holder string, now time.Time) error {
	return r.guardedExec(ctx, querier, beginVerificationQuery, id, holder, now)
}

func (r *pgSlotRepository) RevertVerification(ctx context.Context, querier interfaces.DBTX, id int64) error {
	return r.guardedExec(ctx, querier, revertVerificationQuery, id)
}

func (r *pgSlotRepository) AttachAttempt(ctx context.Context, querier interfaces.DBTX, id int64, attemptID uuid.UUID) error {
	return r.guardedExec(ctx, querier, attachAttemptQuery, id, attemptID)
}

func (r *pgSlotRepository) MarkGenerating(ctx context.Context, querier interfaces.DBTX, id int64) error {
	return r.guardedExec(ctx, querier, markGeneratingQuery, id)
}

func (r *pgSlotRepository) ReturnToAwaitingPrompt(ctx context.Context, querier interfaces.DBTX, id int64) error {
	return r.guardedExec(ctx, querier, returnToAwaitingPromptQuery, id)
}

func (r *pgSlotRepository) MarkAwaitingConfirmation(ctx context.Context, querier interfaces.DBTX, id int64, videoKey string) error {
	return r.guardedExec(ctx, querier, markAwaitingConfirmationQuery, id, videoKey)
}

func (r *pgSlotRepository) MarkCompleted(ctx context.Context, querier interfaces.DBTX, id int64) error {
	return r.guardedExec(ctx, querier, markCompletedQuery, id)
}

func (r *pgSlotRepository) MarkFailed(ctx context.Context, querier interfaces.DBTX, id int64) error {
	return r.guardedExec(ctx, querier, markFailedQuery, id, pq.Array(statusStrings(models.ActiveSlotStatuses)))
}

func (r *pgSlotRepository) Delete(ctx context.Context, querier interfaces.DBTX, id int64) error {
	tag, err := querier.Exec(ctx, deleteSlotQuery, id)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	r.logger.Info("Slot row deleted, pair reopened", zap.Int64("slotID", id))
	return nil
}

func (r *pgSlotRepository) ReclaimStale(ctx context.Context, querier interfaces.DBTX, now time.Time, holder *string) (int64, error) {
	sweepStatuses := []models.SlotStatus{
		models.SlotStatusLocked,
		models.SlotStatusVerifying,
		models.SlotStatusAwaitingPrompt,
		models.SlotStatusGenerating,
	}
	tag, err := querier.Exec(ctx, reclaimStaleQuery, pq.Array(statusStrings(sweepStatuses)), holder, now)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale slots: %w", err)
	}
	if tag.RowsAffected() > 0 {
		r.logger.Info("Reclaimed stale slots", zap.Int64("count", tag.RowsAffected()))
	}
	return tag.RowsAffected(), nil
}

// guardedExec выполняет условный UPDATE; 0 затронутых строк означает,
// что guard не выполнился (гонка или неверный статус).
func (r *pgSlotRepository) guardedExec(ctx context.Context, querier interfaces.DBTX, query string, args ...any) error {
	tag, err := querier.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("slot status update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func statusStrings(statuses []models.SlotStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
