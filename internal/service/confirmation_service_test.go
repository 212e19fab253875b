package service_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"storychain-server/internal/interfaces"
	"storychain-server/internal/interfaces/mocks"
	"storychain-server/internal/models"
	"storychain-server/internal/service"
)

type confirmationFixture struct {
	slotRepo    *mocks.SlotRepository
	attemptRepo *mocks.AttemptRepository
	promptRepo  *mocks.PromptRepository
	auditRepo   *mocks.AuditRepository
	ledger      *mocks.Ledger
	publisher   *mocks.EventPublisher
	svc         service.ConfirmationService
}

func newConfirmationFixture() *confirmationFixture {
	f := &confirmationFixture{
		slotRepo:    new(mocks.SlotRepository),
		attemptRepo: new(mocks.AttemptRepository),
		promptRepo:  new(mocks.PromptRepository),
		auditRepo:   new(mocks.AuditRepository),
		ledger:      new(mocks.Ledger),
		publisher:   new(mocks.EventPublisher),
	}
	f.svc = service.NewConfirmationService(
		f.slotRepo, f.attemptRepo, f.promptRepo, f.auditRepo, f.ledger,
		&mocks.TxManager{}, f.publisher, zap.NewNop(),
	)
	return f
}

func confirmableSlot(wallet string) *models.Slot {
	attemptID := uuid.New()
	videoKey := "videos/42/" + uuid.NewString() + ".mp4"
	return &models.Slot{
		ID:               42,
		ParentID:         1,
		Letter:           models.LetterB,
		Status:           models.SlotStatusAwaitingConfirmation,
		LockHolder:       &wallet,
		WinningAttemptID: &attemptID,
		VideoKey:         &videoKey,
	}
}

func TestConfirm(t *testing.T) {
	ctx := context.Background()
	wallet := "0x1111111111111111111111111111111111111111"

	t.Run("Verified confirmation completes the slot", func(t *testing.T) {
		f := newConfirmationFixture()
		slot := confirmableSlot(wallet)
		completed := *slot
		completed.Status = models.SlotStatusCompleted
		completed.LockHolder = nil

		f.slotRepo.On("GetByID", ctx, mock.Anything, int64(42)).Return(slot, nil).Once()
		f.ledger.On("VerifyConfirmation", ctx, testTxRef, int64(42), wallet).Return(nil).Once()
		f.slotRepo.On("MarkCompleted", ctx, mock.Anything, int64(42)).Return(nil).Once()
		f.auditRepo.On("Insert", ctx, mock.Anything, mock.MatchedBy(func(rec *models.SlotAudit) bool {
			return rec.Event == "confirmed" && rec.SlotID == 42 && rec.TxRef != nil && *rec.TxRef == testTxRef
		})).Return(nil).Once()
		f.publisher.On("PublishSlotEvent", ctx, mock.MatchedBy(func(e models.SlotEvent) bool {
			return e.Type == models.EventSlotCompleted && e.SlotID == 42
		})).Return(nil).Once()
		f.slotRepo.On("GetByID", ctx, mock.Anything, int64(42)).Return(&completed, nil).Once()

		got, err := f.svc.Confirm(ctx, newRequester(wallet), 42, testTxRef)

		assert.NoError(t, err)
		assert.Equal(t, models.SlotStatusCompleted, got.Status)
		f.slotRepo.AssertExpectations(t)
		f.auditRepo.AssertExpectations(t)
		f.publisher.AssertExpectations(t)
	})

	t.Run("Confirming a completed slot is idempotent", func(t *testing.T) {
		f := newConfirmationFixture()
		slot := confirmableSlot(wallet)
		slot.Status = models.SlotStatusCompleted

		f.slotRepo.On("GetByID", ctx, mock.Anything, int64(42)).Return(slot, nil).Once()

		got, err := f.svc.Confirm(ctx, newRequester(wallet), 42, testTxRef)

		assert.NoError(t, err)
		assert.Equal(t, models.SlotStatusCompleted, got.Status)
		f.ledger.AssertNotCalled(t, "VerifyConfirmation", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		f.slotRepo.AssertNotCalled(t, "MarkCompleted", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Confirm requires a finished generation", func(t *testing.T) {
		f := newConfirmationFixture()
		slot := confirmableSlot(wallet)
		slot.Status = models.SlotStatusGenerating

		f.slotRepo.On("GetByID", ctx, mock.Anything, int64(42)).Return(slot, nil).Once()

		_, err := f.svc.Confirm(ctx, newRequester(wallet), 42, testTxRef)
		assert.ErrorIs(t, err, models.ErrSlotUnavailable)
	})

	t.Run("Only the holder may confirm", func(t *testing.T) {
		f := newConfirmationFixture()
		slot := confirmableSlot(wallet)

		f.slotRepo.On("GetByID", ctx, mock.Anything, int64(42)).Return(slot, nil).Once()

		_, err := f.svc.Confirm(ctx, models.Requester{Wallet: "0x2222222222222222222222222222222222222222"}, 42, testTxRef)
		assert.ErrorIs(t, err, models.ErrNotAuthorized)
	})

	t.Run("Failed proof leaves the slot untouched", func(t *testing.T) {
		f := newConfirmationFixture()
		slot := confirmableSlot(wallet)

		f.slotRepo.On("GetByID", ctx, mock.Anything, int64(42)).Return(slot, nil).Once()
		f.ledger.On("VerifyConfirmation", ctx, testTxRef, int64(42), wallet).Return(models.ErrVerificationFailed).Once()

		_, err := f.svc.Confirm(ctx, newRequester(wallet), 42, testTxRef)

		assert.ErrorIs(t, err, models.ErrVerificationFailed)
		f.slotRepo.AssertNotCalled(t, "MarkCompleted", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	wallet := "0x1111111111111111111111111111111111111111"

	t.Run("Refund fails the attempt and deletes the slot", func(t *testing.T) {
		f := newConfirmationFixture()
		slot := confirmableSlot(wallet)
		attemptID := *slot.WinningAttemptID

		f.slotRepo.On("GetByID", ctx, mock.Anything, int64(42)).Return(slot, nil).Once()
		f.ledger.On("VerifyRefund", ctx, testTxRef, int64(42), wallet).Return(nil).Once()
		f.auditRepo.On("Insert", ctx, mock.Anything, mock.MatchedBy(func(rec *models.SlotAudit) bool {
			return rec.Event == "refunded" && rec.SlotID == 42 && len(rec.Details) > 0
		})).Return(nil).Once()
		f.attemptRepo.On("MarkOutcome", ctx, mock.Anything, attemptID, models.AttemptFailed).Return(nil).Once()
		f.promptRepo.On("AbandonOpenByAttempt", ctx, mock.Anything, attemptID).Return(int64(1), nil).Once()
		f.slotRepo.On("Delete", ctx, mock.Anything, int64(42)).Return(nil).Once()
		f.publisher.On("PublishSlotEvent", ctx, mock.MatchedBy(func(e models.SlotEvent) bool {
			return e.Type == models.EventSlotReopened && e.SlotID == 42 && e.Audit != nil
		})).Return(nil).Once()

		err := f.svc.Refund(ctx, newRequester(wallet), 42, testTxRef)

		assert.NoError(t, err)
		f.slotRepo.AssertExpectations(t)
		f.attemptRepo.AssertExpectations(t)
		f.auditRepo.AssertExpectations(t)
		f.publisher.AssertExpectations(t)
	})

	t.Run("Attempt already terminal is tolerated", func(t *testing.T) {
		f := newConfirmationFixture()
		slot := confirmableSlot(wallet)
		slot.Status = models.SlotStatusFailed
		slot.LockHolder = nil
		attemptID := *slot.WinningAttemptID

		// После failed holder снят: право на refund даёт создатель попытки.
		f.slotRepo.On("GetByID", ctx, mock.Anything, int64(42)).Return(slot, nil).Once()
		f.attemptRepo.On("GetByID", ctx, mock.Anything, attemptID).
			Return(&models.Attempt{ID: attemptID, CreatorWallet: wallet, Outcome: models.AttemptFailed}, nil).Once()
		f.ledger.On("VerifyRefund", ctx, testTxRef, int64(42), wallet).Return(nil).Once()
		f.auditRepo.On("Insert", ctx, mock.Anything, mock.Anything).Return(nil).Once()
		f.attemptRepo.On("MarkOutcome", ctx, mock.Anything, attemptID, models.AttemptFailed).Return(interfaces.ErrNotFound).Once()
		f.slotRepo.On("Delete", ctx, mock.Anything, int64(42)).Return(nil).Once()
		f.publisher.On("PublishSlotEvent", ctx, mock.Anything).Return(nil).Once()

		err := f.svc.Refund(ctx, newRequester(wallet), 42, testTxRef)

		assert.NoError(t, err)
		f.promptRepo.AssertNotCalled(t, "AbandonOpenByAttempt", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Completed slot cannot be refunded", func(t *testing.T) {
		f := newConfirmationFixture()
		slot := confirmableSlot(wallet)
		slot.Status = models.SlotStatusCompleted

		f.slotRepo.On("GetByID", ctx, mock.Anything, int64(42)).Return(slot, nil).Once()

		err := f.svc.Refund(ctx, newRequester(wallet), 42, testTxRef)

		assert.ErrorIs(t, err, models.ErrSlotCompleted)
		f.ledger.AssertNotCalled(t, "VerifyRefund", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Stranger may not refund", func(t *testing.T) {
		f := newConfirmationFixture()
		slot := confirmableSlot(wallet)
		attemptID := *slot.WinningAttemptID

		f.slotRepo.On("GetByID", ctx, mock.Anything, int64(42)).Return(slot, nil).Once()
		f.attemptRepo.On("GetByID", ctx, mock.Anything, attemptID).
			Return(&models.Attempt{ID: attemptID, CreatorWallet: wallet}, nil).Once()

		err := f.svc.Refund(ctx, models.Requester{Wallet: "0x2222222222222222222222222222222222222222"}, 42, testTxRef)

		assert.ErrorIs(t, err, models.ErrNotAuthorized)
		f.slotRepo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Failed proof keeps the slot row", func(t *testing.T) {
		f := newConfirmationFixture()
		slot := confirmableSlot(wallet)

		f.slotRepo.On("GetByID", ctx, mock.Anything, int64(42)).Return(slot, nil).Once()
		f.ledger.On("VerifyRefund", ctx, testTxRef, int64(42), wallet).Return(models.ErrVerificationFailed).Once()

		err := f.svc.Refund(ctx, newRequester(wallet), 42, testTxRef)

		assert.ErrorIs(t, err, models.ErrVerificationFailed)
		f.slotRepo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything, mock.Anything)
		f.auditRepo.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Row gone before delete means refund already happened", func(t *testing.T) {
		f := newConfirmationFixture()
		slot := confirmableSlot(wallet)
		attemptID := *slot.WinningAttemptID

		f.slotRepo.On("GetByID", ctx, mock.Anything, int64(42)).Return(slot, nil).Once()
		f.ledger.On("VerifyRefund", ctx, testTxRef, int64(42), wallet).Return(nil).Once()
		f.auditRepo.On("Insert", ctx, mock.Anything, mock.Anything).Return(nil).Once()
		f.attemptRepo.On("MarkOutcome", ctx, mock.Anything, attemptID, models.AttemptFailed).Return(interfaces.ErrNotFound).Once()
		f.slotRepo.On("Delete", ctx, mock.Anything, int64(42)).Return(interfaces.ErrNotFound).Once()

		err := f.svc.Refund(ctx, newRequester(wallet), 42, testTxRef)

		assert.ErrorIs(t, err, models.ErrSlotNotFound)
		f.publisher.AssertNotCalled(t, "PublishSlotEvent", mock.Anything, mock.Anything)
	})
}
