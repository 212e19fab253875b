package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storychain-server/internal/interfaces"
	"storychain-server/internal/models"
)

// PaymentService turns a reservation into a funded attempt. Verification is
// evidence-based: the referenced transaction must carry the exact purchase
// event for the exact (parent, letter, buyer) triple.
type PaymentService interface {
	// VerifyPayment checks txRef against the ledger and, on success, creates
	// the attempt and opens the 1-hour retry window. Repeating the call with
	// the same txRef returns the already-created attempt.
	VerifyPayment(ctx context.Context, requester models.Requester, slotID int64, txRef string) (*models.Attempt, error)
}

type paymentServiceImpl struct {
	slotRepo    interfaces.SlotRepository
	attemptRepo interfaces.AttemptRepository
	ledger      interfaces.Ledger
	txHelper    interfaces.TxManager
	publisher   interfaces.EventPublisher
	retryWindow time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

func NewPaymentService(
	slotRepo interfaces.SlotRepository,
	attemptRepo interfaces.AttemptRepository,
	ledger interfaces.Ledger,
	txHelper interfaces.TxManager,
	publisher interfaces.EventPublisher,
	retryWindow time.Duration,
	logger *zap.Logger,
) PaymentService {
	return &paymentServiceImpl{
		slotRepo:    slotRepo,
		attemptRepo: attemptRepo,
		ledger:      ledger,
		txHelper:    txHelper,
		publisher:   publisher,
		retryWindow: retryWindow,
		logger:      logger.Named("PaymentService"),
		now:         time.Now,
	}
}

// VerifyPayment проверяет платеж и создает попытку.
//
// Порядок важен: сначала слот переводится в 'verifying' (одним условным
// UPDATE — из двух конкурентных запросов claim получит один), затем идет
// обращение к ledger ВНЕ транзакции БД, и только после успешной проверки
// создание попытки и привязка к слоту коммитятся одной транзакцией.
func (s *paymentServiceImpl) VerifyPayment(ctx context.Context, requester models.Requester, slotID int64, txRef string) (*models.Attempt, error) {
	logFields := []zap.Field{
		zap.Int64("slotID", slotID),
		zap.String("txRef", txRef),
		zap.String("wallet", requester.Wallet),
	}
	s.logger.Info("Payment verification requested", logFields...)

	if txRef == "" {
		return nil, models.ErrInvalidInput
	}
	now := s.now()

	// Идемпотентность до любых переходов: если txRef уже профинансировал
	// попытку, повторный запрос того же вызывающего получает ее обратно.
	if existing, err := s.attemptRepo.GetByTxRef(ctx, s.txHelper.Pool(), txRef); err == nil {
		if existing.CreatorWallet == requester.Wallet && existing.SlotID != nil && *existing.SlotID == slotID {
			s.logger.Info("Duplicate verification request, returning existing attempt",
				append(logFields, zap.String("attemptID", existing.ID.String()))...)
			paymentVerifyTotal.WithLabelValues("duplicate").Inc()
			return existing, nil
		}
		paymentVerifyTotal.WithLabelValues("duplicate").Inc()
		return nil, models.ErrDuplicateTxRef
	} else if !errors.Is(err, interfaces.ErrNotFound) {
		s.logger.Error("Failed to look up attempt by txRef", append(logFields, zap.Error(err))...)
		return nil, models.ErrInternalServer
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

	switch slot.Status {
	case models.SlotStatusLocked:
		// Claim: locked → verifying. Guard в запросе отсекает и чужой
		// holder, и истекшую резервацию.
		if err := s.slotRepo.BeginVerification(ctx, s.txHelper.Pool(), slotID, requester.Wallet, now); err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				paymentVerifyTotal.WithLabelValues("failed").Inc()
				return nil, models.ErrSlotUnavailable
			}
			s.logger.Error("Failed to begin verification", append(logFields, zap.Error(err))...)
			return nil, models.ErrInternalServer
		}
	case models.SlotStatusVerifying:
		// Повтор после обрыва RPC: статус уже наш, продолжаем проверку.
		s.logger.Info("Re-entering verification after transient failure", logFields...)
	default:
		return nil, models.ErrSlotUnavailable
	}

	// Обращение к ledger — вне транзакции БД: RPC может висеть секунды.
	if err := s.ledger.VerifyPurchase(ctx, txRef, slot.ParentID, slot.Letter, requester.Wallet); err != nil {
		if errors.Is(err, models.ErrLedgerUnavailable) {
			// Транзитная ошибка: слот остается в verifying, клиент повторит
			// вызов; страховка от зависания — grace-период у sweep'а.
			s.logger.Warn("Ledger unavailable, verification left pending", append(logFields, zap.Error(err))...)
			paymentVerifyTotal.WithLabelValues("unavailable").Inc()
			return nil, err
		}
		// Доказательство не сошлось: откатываем claim и освобождаем пару.
		s.logger.Warn("Ledger verification failed", append(logFields, zap.Error(err))...)
		if revertErr := s.slotRepo.RevertVerification(ctx, s.txHelper.Pool(), slotID); revertErr != nil {
			s.logger.Error("Failed to revert verification", append(logFields, zap.Error(revertErr))...)
		}
		paymentVerifyTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	attempt := &models.Attempt{
		ID:                   uuid.New(),
		SlotID:               &slot.ID,
		ParentID:             slot.ParentID,
		Letter:               slot.Letter,
		CreatorWallet:        requester.Wallet,
		PaymentTxRef:         txRef,
		PaymentConfirmedAt:   now,
		RetryWindowExpiresAt: now.Add(s.retryWindow),
		Outcome:              models.AttemptInProgress,
	}

	err = s.txHelper.WithTransaction(ctx, func(ctx context.Context, tx interfaces.DBTX) error {
		if err := s.attemptRepo.Create(ctx, tx, attempt); err != nil {
			return err
		}
		return s.slotRepo.AttachAttempt(ctx, tx, slot.ID, attempt.ID)
	})
	if err != nil {
		if errors.Is(err, models.ErrDuplicateTxRef) {
			// Гонка двух одинаковых запросов: победитель уже создал попытку.
			if existing, lookupErr := s.attemptRepo.GetByTxRef(ctx, s.txHelper.Pool(), txRef); lookupErr == nil &&
				existing.CreatorWallet == requester.Wallet && existing.SlotID != nil && *existing.SlotID == slotID {
				paymentVerifyTotal.WithLabelValues("duplicate").Inc()
				return existing, nil
			}
			return nil, models.ErrDuplicateTxRef
		}
		if errors.Is(err, interfaces.ErrNotFound) {
			// Слот ушел из verifying, пока мы ходили в ledger (sweep).
			paymentVerifyTotal.WithLabelValues("failed").Inc()
			return nil, models.ErrSlotUnavailable
		}
		s.logger.Error("Failed to persist verified attempt", append(logFields, zap.Error(err))...)
		return nil, models.ErrInternalServer
	}

	paymentVerifyTotal.WithLabelValues("verified").Inc()
	s.publishEvent(ctx, models.SlotEvent{
		Type:       models.EventAttemptCreated,
		SlotID:     slot.ID,
		ParentID:   slot.ParentID,
		Letter:     slot.Letter,
		Wallet:     requester.Wallet,
		AttemptID:  &attempt.ID,
		TxRef:      txRef,
		OccurredAt: now,
	})
	s.logger.Info("Payment verified, attempt created",
		append(logFields, zap.String("attemptID", attempt.ID.String()))...)
	return attempt, nil
}

func (s *paymentServiceImpl) publishEvent(ctx context.Context, event models.SlotEvent) {
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
