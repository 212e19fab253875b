package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"storychain-server/internal/interfaces"
	"storychain-server/internal/models"
)

// LockService manages the pre-payment reservation phase: a requester claims
// a (parent, letter) pair and holds it under a short TTL while they complete
// the on-chain purchase.
type LockService interface {
	// Acquire reserves the pair for the requester. Re-issuing the call for a
	// pair the requester already holds returns the existing reservation
	// without extending its TTL.
	Acquire(ctx context.Context, requester models.Requester, parentID int64, letter models.Letter) (*models.Slot, error)

	// GetSlot returns the slot by id, lazily repairing stale state first.
	GetSlot(ctx context.Context, id int64) (*models.Slot, error)

	// ListChildren returns all slot rows under the parent scene.
	ListChildren(ctx context.Context, parentID int64) ([]*models.Slot, error)

	// VideoURL returns a signed URL for the slot's stored artifact. Until the
	// slot is completed the artifact is visible only to the session owner.
	VideoURL(ctx context.Context, requester models.Requester, id int64) (string, error)
}

type lockServiceImpl struct {
	slotRepo  interfaces.SlotRepository
	txHelper  interfaces.TxManager
	store     interfaces.ArtifactStore
	publisher interfaces.EventPublisher
	lockTTL   time.Duration
	mediaTTL  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewLockService(
	slotRepo interfaces.SlotRepository,
	txHelper interfaces.TxManager,
	store interfaces.ArtifactStore,
	publisher interfaces.EventPublisher,
	lockTTL, mediaTTL time.Duration,
	logger *zap.Logger,
) LockService {
	return &lockServiceImpl{
		slotRepo:  slotRepo,
		txHelper:  txHelper,
		store:     store,
		publisher: publisher,
		lockTTL:   lockTTL,
		mediaTTL:  mediaTTL,
		logger:    logger.Named("LockService"),
		now:       time.Now,
	}
}

// Acquire резервирует пару (parent, letter) за кошельком запрашивающего.
// Вся конкурентная борьба решается одним условным upsert'ом в репозитории;
// здесь только предварительные проверки и сборка понятной ошибки конфликта.
func (s *lockServiceImpl) Acquire(ctx context.Context, requester models.Requester, parentID int64, letter models.Letter) (*models.Slot, error) {
	logFields := []zap.Field{
		zap.Int64("parentID", parentID),
		zap.String("letter", string(letter)),
		zap.String("wallet", requester.Wallet),
	}
	s.logger.Info("Acquire requested", logFields...)

	if !models.ValidLetter(letter) {
		return nil, models.ErrInvalidLetter
	}
	if parentID < 0 {
		return nil, models.ErrInvalidInput
	}
	now := s.now()

	var acquired *models.Slot
	err := s.txHelper.WithTransaction(ctx, func(ctx context.Context, tx interfaces.DBTX) error {
		// Родитель обязан существовать и быть завершенным; корень дерева —
		// сентинел, для него проверки нет.
		if parentID != models.RootParentID {
			parent, err := s.slotRepo.GetByID(ctx, tx, parentID)
			if err != nil {
				if errors.Is(err, interfaces.ErrNotFound) {
					return models.ErrParentNotFound
				}
				s.logger.Error("Failed to load parent slot", append(logFields, zap.Error(err))...)
				return models.ErrInternalServer
			}
			if parent.Status != models.SlotStatusCompleted {
				return models.ErrParentNotCompleted
			}
		}

		// Сначала снимаем собственные протухшие резервации: мертвый lock
		// не должен блокировать своего же владельца.
		if _, err := s.slotRepo.ReleaseExpiredForHolder(ctx, tx, requester.Wallet, now); err != nil {
			s.logger.Error("Failed to release expired locks for holder", append(logFields, zap.Error(err))...)
			return models.ErrInternalServer
		}

		active, err := s.slotRepo.FindActiveByHolder(ctx, tx, requester.Wallet)
		if err != nil {
			s.logger.Error("Failed to look up active session", append(logFields, zap.Error(err))...)
			return models.ErrInternalServer
		}
		for _, held := range active {
			if held.ParentID != parentID || held.Letter != letter {
				continue
			}
			if held.Status == models.SlotStatusLocked && held.LockExpired(now) {
				continue
			}
			// Повторный запрос на ту же пару — идемпотентный ответ вне
			// зависимости от стадии сессии (locked, verifying, дальше).
			// TTL НЕ продлевается.
			s.logger.Info("Acquire is idempotent re-request for held pair", logFields...)
			acquired = held
			return nil
		}
		if len(active) > 0 {
			return models.ErrActiveSessionExists
		}

		slot, err := s.slotRepo.AcquireLock(ctx, tx, parentID, letter, requester.Wallet, now.Add(s.lockTTL))
		if err != nil {
			return err
		}
		if slot == nil {
			// Условие upsert'а не выполнилось: пара занята. Читаем строку,
			// чтобы вернуть вызывающему детали конфликта.
			return s.conflictForPair(ctx, tx, parentID, letter, requester.Wallet, now)
		}
		acquired = slot
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrActiveSessionExists):
			slotAcquireTotal.WithLabelValues("active_session").Inc()
		case errors.Is(err, models.ErrSlotUnavailable), errors.Is(err, models.ErrSlotCompleted):
			slotAcquireTotal.WithLabelValues("conflict").Inc()
		default:
			slotAcquireTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	slotAcquireTotal.WithLabelValues("acquired").Inc()

	s.publishEvent(ctx, models.SlotEvent{
		Type:       models.EventSlotLocked,
		SlotID:     acquired.ID,
		ParentID:   acquired.ParentID,
		Letter:     acquired.Letter,
		Wallet:     requester.Wallet,
		OccurredAt: now,
	})
	s.logger.Info("Slot acquired", append(logFields, zap.Int64("slotID", acquired.ID))...)
	return acquired, nil
}

// conflictForPair строит типизированную ошибку конфликта по текущему
// состоянию пары. Строка могла исчезнуть между upsert'ом и чтением (refund
// конкурента) — тогда это гонка, пусть клиент просто повторит запрос.
func (s *lockServiceImpl) conflictForPair(ctx context.Context, tx interfaces.DBTX, parentID int64, letter models.Letter, wallet string, now time.Time) error {
	existing, err := s.slotRepo.GetByPair(ctx, tx, parentID, letter)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return models.ErrSlotUnavailable
		}
		return models.ErrInternalServer
	}
	if existing.Status == models.SlotStatusCompleted {
		return models.ErrSlotCompleted
	}
	conflict := &models.SlotConflictError{
		HeldByOther: existing.LockHolder != nil && *existing.LockHolder != wallet,
		Status:      existing.Status,
	}
	if existing.LockExpiresAt != nil {
		if remaining := existing.LockExpiresAt.Sub(now); remaining > 0 {
			conflict.ExpiresIn = remaining
		}
	}
	return conflict
}

func (s *lockServiceImpl) GetSlot(ctx context.Context, id int64) (*models.Slot, error) {
	slot, err := s.slotRepo.GetByID(ctx, s.txHelper.Pool(), id)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, models.ErrSlotNotFound
		}
		s.logger.Error("Failed to get slot", zap.Int64("slotID", id), zap.Error(err))
		return nil, models.ErrInternalServer
	}
	// Ленивая репарация: если читатель видит протухшую резервацию, чиним
	// строку на месте, не дожидаясь планового sweep'а.
	if slot.Status == models.SlotStatusLocked && slot.LockExpired(s.now()) {
		holder := slot.LockHolder
		n, err := s.slotRepo.ReclaimStale(ctx, s.txHelper.Pool(), s.now(), holder)
		if err != nil {
			s.logger.Warn("Lazy reclaim on read failed", zap.Int64("slotID", id), zap.Error(err))
		} else if n > 0 {
			slotsReclaimedTotal.Add(float64(n))
			s.publishEvent(ctx, models.SlotEvent{
				Type:       models.EventSlotReclaimed,
				SlotID:     slot.ID,
				ParentID:   slot.ParentID,
				Letter:     slot.Letter,
				OccurredAt: s.now(),
			})
		}
		return s.slotRepo.GetByID(ctx, s.txHelper.Pool(), id)
	}
	return slot, nil
}

func (s *lockServiceImpl) ListChildren(ctx context.Context, parentID int64) ([]*models.Slot, error) {
	if parentID != models.RootParentID {
		if _, err := s.slotRepo.GetByID(ctx, s.txHelper.Pool(), parentID); err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				return nil, models.ErrParentNotFound
			}
			return nil, models.ErrInternalServer
		}
	}
	children, err := s.slotRepo.ListChildren(ctx, s.txHelper.Pool(), parentID)
	if err != nil {
		s.logger.Error("Failed to list children", zap.Int64("parentID", parentID), zap.Error(err))
		return nil, models.ErrInternalServer
	}
	return children, nil
}

// VideoURL выдает подписанную ссылку на артефакт слота. Доступно только
// когда видео уже закреплено за слотом: completed — публично,
// awaiting_confirmation — только владельцу сессии.
func (s *lockServiceImpl) VideoURL(ctx context.Context, requester models.Requester, id int64) (string, error) {
	slot, err := s.GetSlot(ctx, id)
	if err != nil {
		return "", err
	}
	if slot.VideoKey == nil ||
		(slot.Status != models.SlotStatusAwaitingConfirmation && slot.Status != models.SlotStatusCompleted) {
		return "", models.ErrArtifactNotAvailable
	}
	if slot.Status == models.SlotStatusAwaitingConfirmation && !slot.HeldBy(requester.Wallet) {
		return "", models.ErrNotAuthorized
	}
	ok, err := s.store.Exists(ctx, *slot.VideoKey)
	if err != nil {
		s.logger.Error("Artifact existence check failed", zap.Int64("slotID", id), zap.Error(err))
		return "", models.ErrInternalServer
	}
	if !ok {
		s.logger.Error("Slot references missing artifact", zap.Int64("slotID", id), zap.String("videoKey", *slot.VideoKey))
		return "", models.ErrArtifactNotAvailable
	}
	return s.store.SignedGet(*slot.VideoKey, s.mediaTTL)
}

// publishEvent отправляет событие после коммита. Шина — best-effort:
// недоставка логируется, но не откатывает уже совершенную операцию.
func (s *lockServiceImpl) publishEvent(ctx context.Context, event models.SlotEvent) {
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
