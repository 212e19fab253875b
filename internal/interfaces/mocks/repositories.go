package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"storychain-server/internal/interfaces"
	"storychain-server/internal/models"
)

// Mock SlotRepository
type SlotRepository struct {
	mock.Mock
}

func (m *SlotRepository) AcquireLock(ctx context.Context, querier interfaces.DBTX, parentID int64, letter models.Letter, holder string, expiresAt time.Time) (*models.Slot, error) {
	args := m.Called(ctx, querier, parentID, letter, holder, expiresAt)
	slot, _ := args.Get(0).(*models.Slot)
	return slot, args.Error(1)
}
func (m *SlotRepository) GetByID(ctx context.Context, querier interfaces.DBTX, id int64) (*models.Slot, error) {
	args := m.Called(ctx, querier, id)
	slot, _ := args.Get(0).(*models.Slot)
	return slot, args.Error(1)
}
func (m *SlotRepository) GetByPair(ctx context.Context, querier interfaces.DBTX, parentID int64, letter models.Letter) (*models.Slot, error) {
	args := m.Called(ctx, querier, parentID, letter)
	slot, _ := args.Get(0).(*models.Slot)
	return slot, args.Error(1)
}
func (m *SlotRepository) FindActiveByHolder(ctx context.Context, querier interfaces.DBTX, holder string) ([]*models.Slot, error) {
	args := m.Called(ctx, querier, holder)
	slots, _ := args.Get(0).([]*models.Slot)
	return slots, args.Error(1)
}
func (m *SlotRepository) ListChildren(ctx context.Context, querier interfaces.DBTX, parentID int64) ([]*models.Slot, error) {
	args := m.Called(ctx, querier, parentID)
	slots, _ := args.Get(0).([]*models.Slot)
	return slots, args.Error(1)
}
func (m *SlotRepository) ReleaseExpiredForHolder(ctx context.Context, querier interfaces.DBTX, holder string, now time.Time) (int64, error) {
	args := m.Called(ctx, querier, holder, now)
	return args.Get(0).(int64), args.Error(1)
}
func (m *SlotRepository) BeginVerification(ctx context.Context, querier interfaces.DBTX, id int64, holder string, now time.Time) error {
	args := m.Called(ctx, querier, id, holder, now)
	return args.Error(0)
}
func (m *SlotRepository) RevertVerification(ctx context.Context, querier interfaces.DBTX, id int64) error {
	args := m.Called(ctx, querier, id)
	return args.Error(0)
}
func (m *SlotRepository) AttachAttempt(ctx context.Context, querier interfaces.DBTX, id int64, attemptID uuid.UUID) error {
	args := m.Called(ctx, querier, id, attemptID)
	return args.Error(0)
}
func (m *SlotRepository) MarkGenerating(ctx context.Context, querier interfaces.DBTX, id int64) error {
	args := m.Called(ctx, querier, id)
	return args.Error(0)
}
func (m *SlotRepository) ReturnToAwaitingPrompt(ctx context.Context, querier interfaces.DBTX, id int64) error {
	args := m.Called(ctx, querier, id)
	return args.Error(0)
}
func (m *SlotRepository) MarkAwaitingConfirmation(ctx context.Context, querier interfaces.DBTX, id int64, videoKey string) error {
	args := m.Called(ctx, querier, id, videoKey)
	return args.Error(0)
}
func (m *SlotRepository) MarkCompleted(ctx context.Context, querier interfaces.DBTX, id int64) error {
	args := m.Called(ctx, querier, id)
	return args.Error(0)
}
func (m *SlotRepository) MarkFailed(ctx context.Context, querier interfaces.DBTX, id int64) error {
	args := m.Called(ctx, querier, id)
	return args.Error(0)
}
func (m *SlotRepository) Delete(ctx context.Context, querier interfaces.DBTX, id int64) error {
	args := m.Called(ctx, querier, id)
	return args.Error(0)
}
func (m *SlotRepository) ReclaimStale(ctx context.Context, querier interfaces.DBTX, now time.Time, holder *string) (int64, error) {
	args := m.Called(ctx, querier, now, holder)
	return args.Get(0).(int64), args.Error(1)
}

// Mock AttemptRepository
type AttemptRepository struct {
	mock.Mock
}

func (m *AttemptRepository) Create(ctx context.Context, querier interfaces.DBTX, attempt *models.Attempt) error {
	args := m.Called(ctx, querier, attempt)
	return args.Error(0)
}
func (m *AttemptRepository) GetByID(ctx context.Context, querier interfaces.DBTX, id uuid.UUID) (*models.Attempt, error) {
	args := m.Called(ctx, querier, id)
	attempt, _ := args.Get(0).(*models.Attempt)
	return attempt, args.Error(1)
}
func (m *AttemptRepository) GetByTxRef(ctx context.Context, querier interfaces.DBTX, txRef string) (*models.Attempt, error) {
	args := m.Called(ctx, querier, txRef)
	attempt, _ := args.Get(0).(*models.Attempt)
	return attempt, args.Error(1)
}
func (m *AttemptRepository) MarkOutcome(ctx context.Context, querier interfaces.DBTX, id uuid.UUID, outcome models.AttemptOutcome) error {
	args := m.Called(ctx, querier, id, outcome)
	return args.Error(0)
}
func (m *AttemptRepository) AbandonExpired(ctx context.Context, querier interfaces.DBTX, now time.Time) (int64, error) {
	args := m.Called(ctx, querier, now)
	return args.Get(0).(int64), args.Error(1)
}

// Mock PromptRepository
type PromptRepository struct {
	mock.Mock
}

func (m *PromptRepository) CreateCapped(ctx context.Context, querier interfaces.DBTX, prompt *models.Prompt) error {
	args := m.Called(ctx, querier, prompt)
	return args.Error(0)
}
func (m *PromptRepository) GetByID(ctx context.Context, querier interfaces.DBTX, id uuid.UUID) (*models.Prompt, error) {
	args := m.Called(ctx, querier, id)
	prompt, _ := args.Get(0).(*models.Prompt)
	return prompt, args.Error(1)
}
func (m *PromptRepository) ListByAttempt(ctx context.Context, querier interfaces.DBTX, attemptID uuid.UUID) ([]*models.Prompt, error) {
	args := m.Called(ctx, querier, attemptID)
	prompts, _ := args.Get(0).([]*models.Prompt)
	return prompts, args.Error(1)
}
func (m *PromptRepository) MarkDispatched(ctx context.Context, querier interfaces.DBTX, id uuid.UUID, jobID string, refinedText *string) error {
	args := m.Called(ctx, querier, id, jobID, refinedText)
	return args.Error(0)
}
func (m *PromptRepository) MarkOutcome(ctx context.Context, querier interfaces.DBTX, id uuid.UUID, outcome models.PromptOutcome, videoKey *string) error {
	args := m.Called(ctx, querier, id, outcome, videoKey)
	return args.Error(0)
}
func (m *PromptRepository) AbandonOpenByAttempt(ctx context.Context, querier interfaces.DBTX, attemptID uuid.UUID) (int64, error) {
	args := m.Called(ctx, querier, attemptID)
	return args.Get(0).(int64), args.Error(1)
}

// Mock AuditRepository
type AuditRepository struct {
	mock.Mock
}

func (m *AuditRepository) Insert(ctx context.Context, querier interfaces.DBTX, rec *models.SlotAudit) error {
	args := m.Called(ctx, querier, rec)
	return args.Error(0)
}
