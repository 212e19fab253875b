package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"storychain-server/internal/interfaces"
	"storychain-server/internal/models"
)

// ConfirmationService closes out a session against the ledger: Confirm makes
// the slot permanent, Refund deletes the row and reopens the pair.
type ConfirmationService interface {
	// Confirm verifies the on-chain confirmation and moves the slot to its
	// permanent completed state.
	Confirm(ctx context.Context, requester models.Requester, slotID int64, txRef string) (*models.Slot, error)

	// Refund verifies the on-chain refund, writes the audit record and
	// deletes the slot row in one transaction.
	Refund(ctx context.Context, requester models.Requester, slotID int64, txRef string) error
}

// refundableStatuses — статусы, из которых допустим refund: оплата уже
// состоялась, слот еще не стал вечным.
var refundableStatuses = map[models.SlotStatus]bool{
	models.SlotStatusAwaitingPrompt:       true,
	models.SlotStatusGenerating:           true,
	models.SlotStatusAwaitingConfirmation: true,
	models.SlotStatusFailed:               true,
}

type confirmationServiceImpl struct {
	slotRepo    interfaces.SlotRepository
	attemptRepo interfaces.AttemptRepository
	promptRepo  interfaces.PromptRepository
	auditRepo   interfaces.AuditRepository
	ledger      interfaces.Ledger
	txHelper    interfaces.TxManager
	publisher   interfaces.EventPublisher
	logger      *zap.Logger
	now         func() time.Time
}

func NewConfirmationService(
	slotRepo interfaces.SlotRepository,
	attemptRepo interfaces.AttemptRepository,
	promptRepo interfaces.PromptRepository,
	auditRepo interfaces.AuditRepository,
	ledger interfaces.Ledger,
	txHelper interfaces.TxManager,
	publisher interfaces.EventPublisher,
	logger *zap.Logger,
) ConfirmationService {
	return &confirmationServiceImpl{
		slotRepo:    slotRepo,
		attemptRepo: attemptRepo,
		promptRepo:  promptRepo,
		auditRepo:   auditRepo,
		ledger:      ledger,
		txHelper:    txHelper,
		publisher:   publisher,
		logger:      logger.Named("ConfirmationService"),
		now:         time.Now,
	}
}

// Confirm финализирует слот. Переход awaiting_confirmation → completed
// необратим; повторный Confirm уже завершенного слота идемпотентен.
func (s *confirmationServiceImpl) Confirm(ctx context.Context, requester models.Requester, slotID int64, txRef string) (*models.Slot, error) {
	logFields := []zap.Field{
		zap.Int64("slotID", slotID),
		zap.String("txRef", txRef),
		zap.String("wallet", requester.Wallet),
	}
	s.logger.Info("Confirm requested", logFields...)

	if txRef == "" {
		return nil, models.ErrInvalidInput
	}

	slot, err := s.slotRepo.GetByID(ctx, s.txHelper.Pool(), slotID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, models.ErrSlotNotFound
		}
		s.logger.Error("Failed to load slot", append(logFields, zap.Error(err))...)
		return nil, models.ErrInternalServer
	}
	if !slot.HeldBy(requester.Wallet) {
		return nil, models.ErrNotAuthorized
	}
	if slot.Status == models.SlotStatusCompleted {
		s.logger.Info("Slot already completed, confirm is idempotent", logFields...)
		return slot, nil
	}
	if slot.Status != models.SlotStatusAwaitingConfirmation {
		return nil, models.ErrSlotUnavailable
	}

	if err := s.ledger.VerifyConfirmation(ctx, txRef, slotID, requester.Wallet); err != nil {
		s.logger.Warn("Confirmation verification failed", append(logFields, zap.Error(err))...)
		return nil, err
	}

	err = s.txHelper.WithTransaction(ctx, func(ctx context.Context, tx interfaces.DBTX) error {
		if err := s.slotRepo.MarkCompleted(ctx, tx, slotID); err != nil {
			return err
		}
		return s.auditRepo.Insert(ctx, tx, &models.SlotAudit{
			SlotID:    slot.ID,
			ParentID:  slot.ParentID,
			Letter:    slot.Letter,
			Event:     "confirmed",
			AttemptID: slot.WinningAttemptID,
			Actor:     &requester.Wallet,
			TxRef:     &txRef,
		})
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, models.ErrSlotUnavailable
		}
		s.logger.Error("Failed to complete slot", append(logFields, zap.Error(err))...)
		return nil, models.ErrInternalServer
	}

	s.publishEvent(ctx, models.SlotEvent{
		Type:       models.EventSlotCompleted,
		SlotID:     slot.ID,
		ParentID:   slot.ParentID,
		Letter:     slot.Letter,
		Wallet:     requester.Wallet,
		AttemptID:  slot.WinningAttemptID,
		TxRef:      txRef,
		OccurredAt: s.now(),
	})
	s.logger.Info("Slot confirmed and completed", logFields...)
	return s.slotRepo.GetByID(ctx, s.txHelper.Pool(), slotID)
}

// Refund проверяет on-chain возврат и удаляет строку слота, освобождая пару.
// Аудит-запись и удаление идут ОДНОЙ транзакцией: история refund'а не может
// потеряться, даже если процесс упадет между шагами. История попытки
// сохраняется отдельно: FK attempts.slot_id становится NULL при удалении.
func (s *confirmationServiceImpl) Refund(ctx context.Context, requester models.Requester, slotID int64, txRef string) error {
	logFields := []zap.Field{
		zap.Int64("slotID", slotID),
		zap.String("txRef", txRef),
		zap.String("wallet", requester.Wallet),
	}
	s.logger.Info("Refund requested", logFields...)

	if txRef == "" {
		return models.ErrInvalidInput
	}

	slot, err := s.slotRepo.GetByID(ctx, s.txHelper.Pool(), slotID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return models.ErrSlotNotFound
		}
		s.logger.Error("Failed to load slot", append(logFields, zap.Error(err))...)
		return models.ErrInternalServer
	}
	if !refundableStatuses[slot.Status] {
		if slot.Status == models.SlotStatusCompleted {
			return models.ErrSlotCompleted
		}
		return models.ErrSlotUnavailable
	}

	// После failed holder у строки уже снят, поэтому право на refund
	// определяется создателем выигравшей попытки, а не lock_holder'ом.
	if err := s.authorizeRefund(ctx, requester, slot); err != nil {
		return err
	}

	if err := s.ledger.VerifyRefund(ctx, txRef, slotID, requester.Wallet); err != nil {
		s.logger.Warn("Refund verification failed", append(logFields, zap.Error(err))...)
		return err
	}

	snapshot, _ := json.Marshal(slot)
	audit := &models.SlotAudit{
		SlotID:    slot.ID,
		ParentID:  slot.ParentID,
		Letter:    slot.Letter,
		Event:     "refunded",
		AttemptID: slot.WinningAttemptID,
		Actor:     &requester.Wallet,
		TxRef:     &txRef,
		Details:   snapshot,
	}

	err = s.txHelper.WithTransaction(ctx, func(ctx context.Context, tx interfaces.DBTX) error {
		if err := s.auditRepo.Insert(ctx, tx, audit); err != nil {
			return err
		}
		if slot.WinningAttemptID != nil {
			// Если попытка еще шла, refund закрывает ее как failed.
			// ErrNotFound здесь означает уже терминальный исход — это норма.
			if err := s.attemptRepo.MarkOutcome(ctx, tx, *slot.WinningAttemptID, models.AttemptFailed); err == nil {
				if _, err := s.promptRepo.AbandonOpenByAttempt(ctx, tx, *slot.WinningAttemptID); err != nil {
					return err
				}
				attemptOutcomeTotal.WithLabelValues(string(models.AttemptFailed)).Inc()
			} else if !errors.Is(err, interfaces.ErrNotFound) {
				return err
			}
		}
		return s.slotRepo.Delete(ctx, tx, slotID)
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			// Строка исчезла между чтением и удалением — refund уже прошел.
			return models.ErrSlotNotFound
		}
		s.logger.Error("Failed to refund slot", append(logFields, zap.Error(err))...)
		return models.ErrInternalServer
	}

	s.publishEvent(ctx, models.SlotEvent{
		Type:       models.EventSlotReopened,
		SlotID:     slot.ID,
		ParentID:   slot.ParentID,
		Letter:     slot.Letter,
		Wallet:     requester.Wallet,
		AttemptID:  slot.WinningAttemptID,
		TxRef:      txRef,
		Audit:      audit,
		OccurredAt: s.now(),
	})
	s.logger.Info("Slot refunded and deleted, pair reopened", logFields...)
	return nil
}

func (s *confirmationServiceImpl) authorizeRefund(ctx context.Context, requester models.Requester, slot *models.Slot) error {
	if slot.HeldBy(requester.Wallet) {
		return nil
	}
	if slot.WinningAttemptID == nil {
		return models.ErrNotAuthorized
	}
	attempt, err := s.attemptRepo.GetByID(ctx, s.txHelper.Pool(), *slot.WinningAttemptID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return models.ErrNotAuthorized
		}
		return models.ErrInternalServer
	}
	if attempt.CreatorWallet != requester.Wallet {
		return models.ErrNotAuthorized
	}
	return nil
}

func (s *confirmationServiceImpl) publishEvent(ctx context.Context, event models.SlotEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishSlotEvent(ctx, event); err != nil {
		s.logger.Warn("Failed to publish slot event",
			zap.String("type", string(event.Type)),
			zap.Int64("slotID", event.SlotID),
			zap.Error(err))
	}
}
