package interfaces

import (
	"context"
	"time"

	"storychain-server/internal/models"
)

// Ledger is the narrow contract against the on-chain source of truth. Each
// method decodes the referenced transaction's event log and checks that the
// exact logical action occurred for the exact parameters — "a transaction
// with this hash exists" is never enough.
//
//go:generate mockery --name Ledger --output ./mocks --outpkg mocks --case=underscore
type Ledger interface {
	// VerifyPurchase checks a SlotPurchased event for (parentID, letter) by buyer.
	VerifyPurchase(ctx context.Context, txRef string, parentID int64, letter models.Letter, buyer string) error

	// VerifyConfirmation checks a SceneConfirmed event for slotID by owner.
	VerifyConfirmation(ctx context.Context, txRef string, slotID int64, owner string) error

	// VerifyRefund checks a RefundIssued event for slotID to recipient.
	VerifyRefund(ctx context.Context, txRef string, slotID int64, recipient string) error
}

// JobState — состояние задачи во внешнем сервисе генерации видео.
type JobState string

const (
	JobQueued     JobState = "queued"
	JobProcessing JobState = "processing"
	JobSucceeded  JobState = "succeeded"
	JobFailed     JobState = "failed"
)

// JobStatus is the generation service's view of one job.
type JobStatus struct {
	State     JobState
	ResultURL string
	ErrorCode string // moderation | rate_limit | timeout | internal
}

// JobParams — параметры рендера, передаются сервису генерации как есть.
type JobParams struct {
	Width    int
	Height   int
	Duration int // seconds
}

// VideoGenerator is the external video generation service: submit a prompt,
// poll the job, download the finished artifact.
//
//go:generate mockery --name VideoGenerator --output ./mocks --outpkg mocks --case=underscore
type VideoGenerator interface {
	CreateJob(ctx context.Context, prompt string, params JobParams) (string, error)
	GetJobStatus(ctx context.Context, jobID string) (*JobStatus, error)
	FetchResult(ctx context.Context, resultURL string) ([]byte, error)
}

// PromptRefiner optionally rewrites a raw prompt before dispatch.
// Best-effort: callers fall back to the raw text on error.
type PromptRefiner interface {
	Refine(ctx context.Context, raw string) (string, error)
}

// ArtifactStore holds finished video bytes under a content key.
//
//go:generate mockery --name ArtifactStore --output ./mocks --outpkg mocks --case=underscore
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	SignedGet(key string, ttl time.Duration) (string, error)
}

// EventPublisher delivers slot lifecycle events to the message bus.
//
//go:generate mockery --name EventPublisher --output ./mocks --outpkg mocks --case=underscore
type EventPublisher interface {
	PublishSlotEvent(ctx context.Context, event models.SlotEvent) error
	Close() error
}
