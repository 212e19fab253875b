package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"storychain-server/internal/interfaces"
	"storychain-server/internal/models"
)

const reclaimLeaderKey = "storychain:reclaim:leader"

// releaseLeaderScript снимает leader lock только если он все еще наш.
var releaseLeaderScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
end
return 0`)

// ReclaimService is the safety net behind lazy expiry: a periodic sweep that
// repairs slots whose lock or attempt lapsed without anyone noticing, and
// abandons attempts past their retry window. Correctness never depends on
// the sweep running — it only bounds how long stale rows linger.
type ReclaimService interface {
	// Run blocks, sweeping every interval until ctx is cancelled. With
	// multiple replicas only the Redis leader performs the sweep.
	Run(ctx context.Context)

	// SweepOnce performs a single sweep unconditionally.
	SweepOnce(ctx context.Context) (int64, error)
}

type reclaimServiceImpl struct {
	slotRepo    interfaces.SlotRepository
	attemptRepo interfaces.AttemptRepository
	txHelper    interfaces.TxManager
	rdb         *redis.Client
	interval    time.Duration
	instanceID  string
	logger      *zap.Logger
	now         func() time.Time
}

func NewReclaimService(
	slotRepo interfaces.SlotRepository,
	attemptRepo interfaces.AttemptRepository,
	txHelper interfaces.TxManager,
	rdb *redis.Client,
	interval time.Duration,
	logger *zap.Logger,
) ReclaimService {
	return &reclaimServiceImpl{
		slotRepo:    slotRepo,
		attemptRepo: attemptRepo,
		txHelper:    txHelper,
		rdb:         rdb,
		interval:    interval,
		instanceID:  uuid.NewString(),
		logger:      logger.Named("ReclaimService"),
		now:         time.Now,
	}
}

func (s *reclaimServiceImpl) Run(ctx context.Context) {
	s.logger.Info("Reclaim sweep loop started",
		zap.Duration("interval", s.interval),
		zap.String("instanceID", s.instanceID))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Reclaim sweep loop stopped")
			return
		case <-ticker.C:
			s.sweepAsLeader(ctx)
		}
	}
}

// sweepAsLeader выполняет проход, только если этот инстанс взял leader lock.
// Redis недоступен — проход пропускается: лучше отложенный sweep, чем
// сметание одними и теми же строками из всех реплик сразу.
func (s *reclaimServiceImpl) sweepAsLeader(ctx context.Context) {
	ok, err := s.rdb.SetNX(ctx, reclaimLeaderKey, s.instanceID, s.interval).Result()
	if err != nil {
		s.logger.Warn("Leader lock attempt failed, skipping sweep", zap.Error(err))
		return
	}
	if !ok {
		s.logger.Debug("Another instance holds the sweep leadership")
		return
	}
	defer func() {
		if _, err := releaseLeaderScript.Run(ctx, s.rdb, []string{reclaimLeaderKey}, s.instanceID).Result(); err != nil {
			s.logger.Warn("Failed to release leader lock", zap.Error(err))
		}
	}()

	if _, err := s.SweepOnce(ctx); err != nil {
		s.logger.Error("Sweep failed", zap.Error(err))
	}
}

// SweepOnce чинит протухшие слоты и закрывает просроченные попытки одной
// транзакцией. Каждый шаг — условный UPDATE: параллельный запрос
// пользователя, успевший раньше, просто уменьшит число затронутых строк.
func (s *reclaimServiceImpl) SweepOnce(ctx context.Context) (int64, error) {
	now := s.now()
	var reclaimed, abandoned int64

	err := s.txHelper.WithTransaction(ctx, func(ctx context.Context, tx interfaces.DBTX) error {
		var err error
		// Сначала попытки: слоты со свежезакрытой попыткой подберет
		// условие sweep'а по ее терминальному исходу.
		if abandoned, err = s.attemptRepo.AbandonExpired(ctx, tx, now); err != nil {
			return err
		}
		if reclaimed, err = s.slotRepo.ReclaimStale(ctx, tx, now, nil); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if reclaimed > 0 || abandoned > 0 {
		slotsReclaimedTotal.Add(float64(reclaimed))
		if abandoned > 0 {
			attemptOutcomeTotal.WithLabelValues(string(models.AttemptAbandoned)).Add(float64(abandoned))
		}
		s.logger.Info("Sweep repaired stale state",
			zap.Int64("slotsReclaimed", reclaimed),
			zap.Int64("attemptsAbandoned", abandoned))
	}
	return reclaimed, nil
}
