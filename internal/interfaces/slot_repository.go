package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"

	"storychain-server/internal/models"
)

// SlotRepository defines the interface for slot row persistence.
// Every mutating method is a single conditional statement keyed on the
// current status/expiry, so two concurrent callers can never both win.
//
//go:generate mockery --name SlotRepository --output ./mocks --outpkg mocks --case=underscore
type SlotRepository interface {
	// AcquireLock performs the conditional upsert that creates or reclaims a
	// reservation on (parentID, letter). It succeeds when no row exists, the
	// existing lock has expired, or the row sits in a reclaimable terminal
	// failure state. Returns (nil, nil) when the condition did not hold —
	// the caller inspects the pair to build a typed conflict.
	AcquireLock(ctx context.Context, querier DBTX, parentID int64, letter models.Letter, holder string, expiresAt time.Time) (*models.Slot, error)

	// GetByID retrieves a slot by its unique id.
	GetByID(ctx context.Context, querier DBTX, id int64) (*models.Slot, error)

	// GetByPair retrieves the slot occupying (parentID, letter), if any.
	GetByPair(ctx context.Context, querier DBTX, parentID int64, letter models.Letter) (*models.Slot, error)

	// FindActiveByHolder returns the holder's slots in any active status.
	// The one-active-session rule allows at most one such row.
	FindActiveByHolder(ctx context.Context, querier DBTX, holder string) ([]*models.Slot, error)

	// ListChildren returns all slot rows under the given parent.
	ListChildren(ctx context.Context, querier DBTX, parentID int64) ([]*models.Slot, error)

	// ReleaseExpiredForHolder force-expires the holder's own lapsed 'locked'
	// rows so a dead reservation cannot wedge its owner. Returns rows touched.
	ReleaseExpiredForHolder(ctx context.Context, querier DBTX, holder string, now time.Time) (int64, error)

	// BeginVerification moves locked→verifying, guarded on holder and an
	// unexpired lock. Returns ErrNotFound when the guard does not hold.
	BeginVerification(ctx context.Context, querier DBTX, id int64, holder string, now time.Time) error

	// RevertVerification moves verifying→lock_expired and clears the holder,
	// releasing the pair for re-acquisition after a failed verification.
	RevertVerification(ctx context.Context, querier DBTX, id int64) error

	// AttachAttempt moves verifying→awaiting_prompt and links the winning
	// attempt. The lock holder is retained as the session owner.
	AttachAttempt(ctx context.Context, querier DBTX, id int64, attemptID uuid.UUID) error

	// MarkGenerating moves awaiting_prompt→generating and bumps retry_count.
	MarkGenerating(ctx context.Context, querier DBTX, id int64) error

	// ReturnToAwaitingPrompt moves generating→awaiting_prompt after a
	// terminal-but-retryable prompt outcome.
	ReturnToAwaitingPrompt(ctx context.Context, querier DBTX, id int64) error

	// MarkAwaitingConfirmation moves generating→awaiting_confirmation and
	// records the artifact key for review.
	MarkAwaitingConfirmation(ctx context.Context, querier DBTX, id int64, videoKey string) error

	// MarkCompleted moves awaiting_confirmation→completed. Irreversible.
	MarkCompleted(ctx context.Context, querier DBTX, id int64) error

	// MarkFailed force-fails the slot from any active status and clears the
	// holder so the requester's session budget is released.
	MarkFailed(ctx context.Context, querier DBTX, id int64) error

	// Delete removes the slot row entirely, reopening (parent, letter) for a
	// new contender. Used only by the refund path after the audit write.
	Delete(ctx context.Context, querier DBTX, id int64) error

	// ReclaimStale is the maintenance sweep: it repairs slots whose status
	// implies an active claim but whose lock TTL lapsed or whose attempt is
	// missing, terminal, or past its window. When holder is non-nil the sweep
	// is scoped to that requester. Returns repaired row count.
	ReclaimStale(ctx context.Context, querier DBTX, now time.Time, holder *string) (int64, error)
}
