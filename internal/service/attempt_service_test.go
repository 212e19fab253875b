package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"storychain-server/internal/interfaces"
	"storychain-server/internal/interfaces/mocks"
	"storychain-server/internal/models"
	"storychain-server/internal/service"
)

type attemptFixture struct {
	slotRepo    *mocks.SlotRepository
	attemptRepo *mocks.AttemptRepository
	promptRepo  *mocks.PromptRepository
	generator   *mocks.VideoGenerator
	store       *mocks.ArtifactStore
	publisher   *mocks.EventPublisher
	svc         service.AttemptService
}

func newAttemptFixture() *attemptFixture {
	f := &attemptFixture{
		slotRepo:    new(mocks.SlotRepository),
		attemptRepo: new(mocks.AttemptRepository),
		promptRepo:  new(mocks.PromptRepository),
		generator:   new(mocks.VideoGenerator),
		store:       new(mocks.ArtifactStore),
		publisher:   new(mocks.EventPublisher),
	}
	f.svc = service.NewAttemptService(
		f.slotRepo, f.attemptRepo, f.promptRepo, f.generator, nil, f.store,
		&mocks.TxManager{}, f.publisher,
		interfaces.JobParams{Width: 1280, Height: 720, Duration: 8},
		zap.NewNop(),
	)
	return f
}

func inProgressAttempt(wallet string, slotID int64) *models.Attempt {
	return &models.Attempt{
		ID:                   uuid.New(),
		SlotID:               &slotID,
		ParentID:             1,
		Letter:               models.LetterA,
		CreatorWallet:        wallet,
		Outcome:              models.AttemptInProgress,
		RetryWindowExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestSubmitPrompt(t *testing.T) {
	ctx := context.Background()
	wallet := "0x1111111111111111111111111111111111111111"

	t.Run("First prompt dispatches a generation job", func(t *testing.T) {
		f := newAttemptFixture()
		attempt := inProgressAttempt(wallet, 10)

		f.attemptRepo.On("GetByID", ctx, mock.Anything, attempt.ID).Return(attempt, nil).Once()
		f.promptRepo.On("CreateCapped", ctx, mock.Anything, mock.MatchedBy(func(p *models.Prompt) bool {
			return p.AttemptID == attempt.ID && p.RawText == "a knight rides into the storm"
		})).Run(func(args mock.Arguments) {
			args.Get(2).(*models.Prompt).Seq = 1
		}).Return(nil).Once()
		f.slotRepo.On("MarkGenerating", ctx, mock.Anything, int64(10)).Return(nil).Once()
		f.generator.On("CreateJob", ctx, "a knight rides into the storm", mock.Anything).Return("job-123", nil).Once()
		f.promptRepo.On("MarkDispatched", ctx, mock.Anything, mock.Anything, "job-123", (*string)(nil)).Return(nil).Once()
		f.publisher.On("PublishSlotEvent", ctx, mock.MatchedBy(func(e models.SlotEvent) bool {
			return e.Type == models.EventPromptSubmitted
		})).Return(nil).Once()

		prompt, err := f.svc.SubmitPrompt(ctx, newRequester(wallet), attempt.ID, "a knight rides into the storm")

		assert.NoError(t, err)
		assert.Equal(t, models.PromptGenerating, prompt.Outcome)
		assert.NotNil(t, prompt.JobID)
		assert.Equal(t, "job-123", *prompt.JobID)
		f.promptRepo.AssertExpectations(t)
		f.generator.AssertExpectations(t)
	})

	t.Run("Only the attempt creator may submit", func(t *testing.T) {
		f := newAttemptFixture()
		attempt := inProgressAttempt(wallet, 10)
		f.attemptRepo.On("GetByID", ctx, mock.Anything, attempt.ID).Return(attempt, nil).Once()

		_, err := f.svc.SubmitPrompt(ctx, models.Requester{Wallet: "0x2222222222222222222222222222222222222222"}, attempt.ID, "text")
		assert.ErrorIs(t, err, models.ErrNotAuthorized)
	})

	t.Run("Attempt closed by refund rejects further prompts", func(t *testing.T) {
		f := newAttemptFixture()
		attempt := inProgressAttempt(wallet, 10)
		attempt.Outcome = models.AttemptAbandoned
		f.attemptRepo.On("GetByID", ctx, mock.Anything, attempt.ID).Return(attempt, nil).Once()

		_, err := f.svc.SubmitPrompt(ctx, newRequester(wallet), attempt.ID, "text")
		assert.ErrorIs(t, err, models.ErrAttemptFinished)
	})

	t.Run("Submit after budget exhaustion keeps reporting the cap", func(t *testing.T) {
		f := newAttemptFixture()
		attempt := inProgressAttempt(wallet, 10)
		attempt.Outcome = models.AttemptFailed

		// Попытка уже закрыта третьим неуспехом; повторный submit должен
		// получать тот же RetryLimitExceeded, а не обезличенный отказ.
		spent := []*models.Prompt{
			{Seq: 1, Outcome: models.PromptModerationRejected},
			{Seq: 2, Outcome: models.PromptAPIError},
			{Seq: 3, Outcome: models.PromptTimeout},
		}
		f.attemptRepo.On("GetByID", ctx, mock.Anything, attempt.ID).Return(attempt, nil).Once()
		f.promptRepo.On("ListByAttempt", ctx, mock.Anything, attempt.ID).Return(spent, nil).Once()

		_, err := f.svc.SubmitPrompt(ctx, newRequester(wallet), attempt.ID, "text")

		assert.ErrorIs(t, err, models.ErrRetryLimitExceeded)
		f.promptRepo.AssertNotCalled(t, "CreateCapped", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Submit after window closure keeps reporting expiry", func(t *testing.T) {
		f := newAttemptFixture()
		attempt := inProgressAttempt(wallet, 10)
		attempt.Outcome = models.AttemptFailed
		attempt.RetryWindowExpiresAt = time.Now().Add(-time.Minute)

		spent := []*models.Prompt{
			{Seq: 1, Outcome: models.PromptAPIError},
		}
		f.attemptRepo.On("GetByID", ctx, mock.Anything, attempt.ID).Return(attempt, nil).Once()
		f.promptRepo.On("ListByAttempt", ctx, mock.Anything, attempt.ID).Return(spent, nil).Once()

		_, err := f.svc.SubmitPrompt(ctx, newRequester(wallet), attempt.ID, "text")

		assert.ErrorIs(t, err, models.ErrWindowExpired)
		f.promptRepo.AssertNotCalled(t, "CreateCapped", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Expired window finalizes the attempt exactly once", func(t *testing.T) {
		f := newAttemptFixture()
		attempt := inProgressAttempt(wallet, 10)
		attempt.RetryWindowExpiresAt = time.Now().Add(-time.Minute)

		f.attemptRepo.On("GetByID", ctx, mock.Anything, attempt.ID).Return(attempt, nil).Once()
		f.attemptRepo.On("MarkOutcome", ctx, mock.Anything, attempt.ID, models.AttemptFailed).Return(nil).Once()
		f.promptRepo.On("AbandonOpenByAttempt", ctx, mock.Anything, attempt.ID).Return(int64(0), nil).Once()
		f.slotRepo.On("MarkFailed", ctx, mock.Anything, int64(10)).Return(nil).Once()

		_, err := f.svc.SubmitPrompt(ctx, newRequester(wallet), attempt.ID, "text")

		assert.ErrorIs(t, err, models.ErrWindowExpired)
		f.attemptRepo.AssertExpectations(t)
		f.slotRepo.AssertExpectations(t)
		f.promptRepo.AssertNotCalled(t, "CreateCapped", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Fourth prompt hits the budget cap", func(t *testing.T) {
		f := newAttemptFixture()
		attempt := inProgressAttempt(wallet, 10)

		spent := []*models.Prompt{
			{Seq: 1, Outcome: models.PromptModerationRejected},
			{Seq: 2, Outcome: models.PromptAPIError},
			{Seq: 3, Outcome: models.PromptTimeout},
		}
		f.attemptRepo.On("GetByID", ctx, mock.Anything, attempt.ID).Return(attempt, nil).Once()
		f.promptRepo.On("CreateCapped", ctx, mock.Anything, mock.Anything).Return(models.ErrRetryLimitExceeded).Once()
		f.promptRepo.On("ListByAttempt", ctx, mock.Anything, attempt.ID).Return(spent, nil).Once()
		// Все три промпта потрачены впустую — попытка закрывается как failed
		f.attemptRepo.On("MarkOutcome", ctx, mock.Anything, attempt.ID, models.AttemptFailed).Return(nil).Once()
		f.promptRepo.On("AbandonOpenByAttempt", ctx, mock.Anything, attempt.ID).Return(int64(0), nil).Once()
		f.slotRepo.On("MarkFailed", ctx, mock.Anything, int64(10)).Return(nil).Once()

		_, err := f.svc.SubmitPrompt(ctx, newRequester(wallet), attempt.ID, "text")

		assert.ErrorIs(t, err, models.ErrRetryLimitExceeded)
		f.attemptRepo.AssertExpectations(t)
	})

	t.Run("Moderation rejection spends budget and returns slot for retry", func(t *testing.T) {
		f := newAttemptFixture()
		attempt := inProgressAttempt(wallet, 10)

		f.attemptRepo.On("GetByID", ctx, mock.Anything, attempt.ID).Return(attempt, nil).Once()
		f.promptRepo.On("CreateCapped", ctx, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			args.Get(2).(*models.Prompt).Seq = 1
		}).Return(nil).Once()
		f.slotRepo.On("MarkGenerating", ctx, mock.Anything, int64(10)).Return(nil).Once()
		f.generator.On("CreateJob", ctx, mock.Anything, mock.Anything).
			Return("", &models.GenerationRejectedError{Outcome: models.PromptModerationRejected, Reason: "nsfw"}).Once()
		f.promptRepo.On("MarkOutcome", ctx, mock.Anything, mock.Anything, models.PromptModerationRejected, (*string)(nil)).Return(nil).Once()
		f.slotRepo.On("ReturnToAwaitingPrompt", ctx, mock.Anything, int64(10)).Return(nil).Once()

		_, err := f.svc.SubmitPrompt(ctx, newRequester(wallet), attempt.ID, "text")

		assert.ErrorIs(t, err, models.ErrModerationRejected)
		f.slotRepo.AssertExpectations(t)
		f.attemptRepo.AssertNotCalled(t, "MarkOutcome", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Rejection of the third prompt fails the attempt", func(t *testing.T) {
		f := newAttemptFixture()
		attempt := inProgressAttempt(wallet, 10)

		f.attemptRepo.On("GetByID", ctx, mock.Anything, attempt.ID).Return(attempt, nil).Once()
		f.promptRepo.On("CreateCapped", ctx, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			args.Get(2).(*models.Prompt).Seq = models.MaxPromptsPerAttempt
		}).Return(nil).Once()
		f.slotRepo.On("MarkGenerating", ctx, mock.Anything, int64(10)).Return(nil).Once()
		f.generator.On("CreateJob", ctx, mock.Anything, mock.Anything).
			Return("", &models.GenerationRejectedError{Outcome: models.PromptRateLimited}).Once()
		f.promptRepo.On("MarkOutcome", ctx, mock.Anything, mock.Anything, models.PromptRateLimited, (*string)(nil)).Return(nil).Once()
		f.attemptRepo.On("MarkOutcome", ctx, mock.Anything, attempt.ID, models.AttemptFailed).Return(nil).Once()
		f.slotRepo.On("MarkFailed", ctx, mock.Anything, int64(10)).Return(nil).Once()

		_, err := f.svc.SubmitPrompt(ctx, newRequester(wallet), attempt.ID, "text")

		assert.ErrorIs(t, err, models.ErrRateLimited)
		f.attemptRepo.AssertExpectations(t)
		f.slotRepo.AssertNotCalled(t, "ReturnToAwaitingPrompt", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Parallel generation is blocked by the slot guard", func(t *testing.T) {
		f := newAttemptFixture()
		attempt := inProgressAttempt(wallet, 10)

		f.attemptRepo.On("GetByID", ctx, mock.Anything, attempt.ID).Return(attempt, nil).Once()
		f.promptRepo.On("CreateCapped", ctx, mock.Anything, mock.Anything).Return(nil).Once()
		f.slotRepo.On("MarkGenerating", ctx, mock.Anything, int64(10)).Return(interfaces.ErrNotFound).Once()

		_, err := f.svc.SubmitPrompt(ctx, newRequester(wallet), attempt.ID, "text")
		assert.ErrorIs(t, err, models.ErrGenerationInProgress)
	})
}

func TestGetPromptStatus(t *testing.T) {
	ctx := context.Background()
	wallet := "0x1111111111111111111111111111111111111111"
	jobID := "job-123"

	generatingPrompt := func(attemptID uuid.UUID) *models.Prompt {
		return &models.Prompt{
			ID:        uuid.New(),
			AttemptID: attemptID,
			Seq:       1,
			RawText:   "text",
			JobID:     &jobID,
			Outcome:   models.PromptGenerating,
			CreatedAt: time.Now().Add(-time.Minute),
		}
	}

	t.Run("Succeeded job stores artifact and finalizes attempt", func(t *testing.T) {
		f := newAttemptFixture()
		attempt := inProgressAttempt(wallet, 10)
		prompt := generatingPrompt(attempt.ID)
		resolved := *prompt
		resolved.Outcome = models.PromptSuccess

		f.promptRepo.On("GetByID", ctx, mock.Anything, prompt.ID).Return(prompt, nil).Once()
		f.attemptRepo.On("GetByID", ctx, mock.Anything, attempt.ID).Return(attempt, nil).Once()
		f.generator.On("GetJobStatus", ctx, jobID).
			Return(&interfaces.JobStatus{State: interfaces.JobSucceeded, ResultURL: "https://videos.example.com/result"}, nil).Once()
		f.generator.On("FetchResult", ctx, "https://videos.example.com/result").Return([]byte("mp4"), nil).Once()
		f.store.On("Put", ctx, mock.MatchedBy(func(key string) bool {
			return key == "videos/10/"+prompt.ID.String()+".mp4"
		}), []byte("mp4")).Return(nil).Once()
		f.promptRepo.On("MarkOutcome", ctx, mock.Anything, prompt.ID, models.PromptSuccess, mock.Anything).Return(nil).Once()
		f.slotRepo.On("MarkAwaitingConfirmation", ctx, mock.Anything, int64(10), mock.Anything).Return(nil).Once()
		f.attemptRepo.On("MarkOutcome", ctx, mock.Anything, attempt.ID, models.AttemptSucceeded).Return(nil).Once()
		f.promptRepo.On("GetByID", ctx, mock.Anything, prompt.ID).Return(&resolved, nil).Once()

		got, err := f.svc.GetPromptStatus(ctx, newRequester(wallet), prompt.ID)

		assert.NoError(t, err)
		assert.Equal(t, models.PromptSuccess, got.Outcome)
		f.store.AssertExpectations(t)
		f.slotRepo.AssertExpectations(t)
		f.attemptRepo.AssertExpectations(t)
	})

	t.Run("Job still processing returns current state", func(t *testing.T) {
		f := newAttemptFixture()
		attempt := inProgressAttempt(wallet, 10)
		prompt := generatingPrompt(attempt.ID)

		f.promptRepo.On("GetByID", ctx, mock.Anything, prompt.ID).Return(prompt, nil).Once()
		f.attemptRepo.On("GetByID", ctx, mock.Anything, attempt.ID).Return(attempt, nil).Once()
		f.generator.On("GetJobStatus", ctx, jobID).
			Return(&interfaces.JobStatus{State: interfaces.JobProcessing}, nil).Once()

		got, err := f.svc.GetPromptStatus(ctx, newRequester(wallet), prompt.ID)

		assert.NoError(t, err)
		assert.Equal(t, models.PromptGenerating, got.Outcome)
	})

	t.Run("Failed job with budget left returns slot to awaiting prompt", func(t *testing.T) {
		f := newAttemptFixture()
		attempt := inProgressAttempt(wallet, 10)
		prompt := generatingPrompt(attempt.ID)
		resolved := *prompt
		resolved.Outcome = models.PromptAPIError

		f.promptRepo.On("GetByID", ctx, mock.Anything, prompt.ID).Return(prompt, nil).Once()
		f.attemptRepo.On("GetByID", ctx, mock.Anything, attempt.ID).Return(attempt, nil).Once()
		f.generator.On("GetJobStatus", ctx, jobID).
			Return(&interfaces.JobStatus{State: interfaces.JobFailed, ErrorCode: "internal"}, nil).Once()
		f.promptRepo.On("MarkOutcome", ctx, mock.Anything, prompt.ID, models.PromptAPIError, (*string)(nil)).Return(nil).Once()
		f.slotRepo.On("ReturnToAwaitingPrompt", ctx, mock.Anything, int64(10)).Return(nil).Once()
		f.promptRepo.On("GetByID", ctx, mock.Anything, prompt.ID).Return(&resolved, nil).Once()

		got, err := f.svc.GetPromptStatus(ctx, newRequester(wallet), prompt.ID)

		assert.NoError(t, err)
		assert.Equal(t, models.PromptAPIError, got.Outcome)
		f.slotRepo.AssertExpectations(t)
	})

	t.Run("Terminal prompt is returned without polling", func(t *testing.T) {
		f := newAttemptFixture()
		attempt := inProgressAttempt(wallet, 10)
		prompt := generatingPrompt(attempt.ID)
		prompt.Outcome = models.PromptSuccess

		f.promptRepo.On("GetByID", ctx, mock.Anything, prompt.ID).Return(prompt, nil).Once()
		f.attemptRepo.On("GetByID", ctx, mock.Anything, attempt.ID).Return(attempt, nil).Once()

		got, err := f.svc.GetPromptStatus(ctx, newRequester(wallet), prompt.ID)

		assert.NoError(t, err)
		assert.Equal(t, models.PromptSuccess, got.Outcome)
		f.generator.AssertNotCalled(t, "GetJobStatus", mock.Anything, mock.Anything)
	})
}
