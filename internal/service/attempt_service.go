package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storychain-server/internal/generation"
	"storychain-server/internal/interfaces"
	"storychain-server/internal/models"
)

const maxPromptLength = 2000

// AttemptService runs the funded generation session: up to
// models.MaxPromptsPerAttempt prompts inside the attempt's retry window,
// each dispatched to the external video generator.
type AttemptService interface {
	// SubmitPrompt records the next prompt in the attempt's budget and
	// dispatches a generation job for it.
	SubmitPrompt(ctx context.Context, requester models.Requester, attemptID uuid.UUID, text string) (*models.Prompt, error)

	// GetPromptStatus returns the prompt, reconciling its state with the
	// external job on read (download-and-store on success, budget/window
	// accounting on failure).
	GetPromptStatus(ctx context.Context, requester models.Requester, promptID uuid.UUID) (*models.Prompt, error)

	// GetAttempt returns the attempt with its prompts, newest last.
	GetAttempt(ctx context.Context, requester models.Requester, attemptID uuid.UUID) (*models.Attempt, []*models.Prompt, error)
}

type attemptServiceImpl struct {
	slotRepo    interfaces.SlotRepository
	attemptRepo interfaces.AttemptRepository
	promptRepo  interfaces.PromptRepository
	generator   interfaces.VideoGenerator
	refiner     interfaces.PromptRefiner
	store       interfaces.ArtifactStore
	txHelper    interfaces.TxManager
	publisher   interfaces.EventPublisher
	jobParams   interfaces.JobParams
	logger      *zap.Logger
	now         func() time.Time
}

func NewAttemptService(
	slotRepo interfaces.SlotRepository,
	attemptRepo interfaces.AttemptRepository,
	promptRepo interfaces.PromptRepository,
	generator interfaces.VideoGenerator,
	refiner interfaces.PromptRefiner,
	store interfaces.ArtifactStore,
	txHelper interfaces.TxManager,
	publisher interfaces.EventPublisher,
	jobParams interfaces.JobParams,
	logger *zap.Logger,
) AttemptService {
	return &attemptServiceImpl{
		slotRepo:    slotRepo,
		attemptRepo: attemptRepo,
		promptRepo:  promptRepo,
		generator:   generator,
		refiner:     refiner,
		store:       store,
		txHelper:    txHelper,
		publisher:   publisher,
		jobParams:   jobParams,
		logger:      logger.Named("AttemptService"),
		now:         time.Now,
	}
}

// SubmitPrompt принимает очередной промпт попытки.
//
// Лимит (не более трех промптов) применяется тем же INSERT'ом, который
// создает запись: проверка и вставка — один statement, гонка двух
// параллельных submit'ов разрешается на уникальном индексе (attempt_id, seq).
func (s *attemptServiceImpl) SubmitPrompt(ctx context.Context, requester models.Requester, attemptID uuid.UUID, text string) (*models.Prompt, error) {
	logFields := []zap.Field{
		zap.String("attemptID", attemptID.String()),
		zap.String("wallet", requester.Wallet),
	}
	s.logger.Info("Prompt submission requested", logFields...)

	if text == "" || len(text) > maxPromptLength {
		return nil, models.ErrInvalidInput
	}

	attempt, err := s.loadOwnedAttempt(ctx, requester, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.Outcome.Terminal() {
		return nil, s.terminalSubmitError(ctx, attempt)
	}
	now := s.now()
	if attempt.WindowExpired(now) {
		// Первый, кто заметил истекшее окно, финализирует попытку.
		s.finalizeAttempt(ctx, attempt, models.AttemptFailed)
		promptSubmitTotal.WithLabelValues("window_expired").Inc()
		return nil, models.ErrWindowExpired
	}
	if attempt.SlotID == nil {
		return nil, models.ErrSlotNotFound
	}
	slotID := *attempt.SlotID

	prompt := &models.Prompt{
		ID:        uuid.New(),
		AttemptID: attempt.ID,
		RawText:   text,
		Outcome:   models.PromptPending,
	}
	err = s.txHelper.WithTransaction(ctx, func(ctx context.Context, tx interfaces.DBTX) error {
		if err := s.promptRepo.CreateCapped(ctx, tx, prompt); err != nil {
			return err
		}
		// awaiting_prompt → generating в той же транзакции: пока строка
		// слота в generating, параллельный submit не пройдет guard.
		if err := s.slotRepo.MarkGenerating(ctx, tx, slotID); err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				return models.ErrGenerationInProgress
			}
			return err
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrRetryLimitExceeded):
			// Бюджет исчерпан; если последний промпт уже разрешился
			// неуспехом, попытка финализируется здесь же.
			s.finalizeIfExhausted(ctx, attempt)
			promptSubmitTotal.WithLabelValues("limit_exceeded").Inc()
			return nil, models.ErrRetryLimitExceeded
		case errors.Is(err, models.ErrGenerationInProgress):
			promptSubmitTotal.WithLabelValues("rejected").Inc()
			return nil, models.ErrGenerationInProgress
		}
		s.logger.Error("Failed to record prompt", append(logFields, zap.Error(err))...)
		return nil, models.ErrInternalServer
	}

	if err := s.dispatch(ctx, attempt, prompt, slotID); err != nil {
		promptSubmitTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	promptSubmitTotal.WithLabelValues("dispatched").Inc()
	s.publishEvent(ctx, models.SlotEvent{
		Type:       models.EventPromptSubmitted,
		SlotID:     slotID,
		ParentID:   attempt.ParentID,
		Letter:     attempt.Letter,
		Wallet:     requester.Wallet,
		AttemptID:  &attempt.ID,
		PromptID:   &prompt.ID,
		OccurredAt: now,
	})
	s.logger.Info("Prompt dispatched",
		append(logFields, zap.String("promptID", prompt.ID.String()), zap.Int("seq", prompt.Seq))...)
	return prompt, nil
}

// dispatch отправляет задачу во внешний сервис генерации. Промпт уже записан;
// немедленный отказ сервиса (модерация, rate limit) — терминальный исход
// промпта, который тратит единицу бюджета.
func (s *attemptServiceImpl) dispatch(ctx context.Context, attempt *models.Attempt, prompt *models.Prompt, slotID int64) error {
	text := prompt.RawText
	var refined *string
	if s.refiner != nil {
		if improved, err := s.refiner.Refine(ctx, prompt.RawText); err == nil && improved != "" {
			text = improved
			refined = &improved
		}
		// Ошибка рефайнера не фатальна: отправляем исходный текст.
	}

	jobID, err := s.generator.CreateJob(ctx, text, s.jobParams)
	if err != nil {
		var rejected *models.GenerationRejectedError
		outcome := models.PromptAPIError
		if errors.As(err, &rejected) {
			outcome = rejected.Outcome
		} else if errors.Is(err, models.ErrGenerationTimeout) {
			outcome = models.PromptTimeout
		}
		s.logger.Warn("Generation dispatch rejected",
			zap.String("promptID", prompt.ID.String()),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
		s.resolveFailedPrompt(ctx, attempt, prompt, outcome, slotID)
		if rejected != nil {
			return rejected
		}
		return err
	}

	if err := s.promptRepo.MarkDispatched(ctx, s.txHelper.Pool(), prompt.ID, jobID, refined); err != nil {
		s.logger.Error("Failed to record dispatched job",
			zap.String("promptID", prompt.ID.String()), zap.String("jobID", jobID), zap.Error(err))
		// Задача запущена, а запись не обновилась: статус останется pending
		// и будет добит reconciliation'ом или sweep'ом.
	}
	prompt.JobID = &jobID
	prompt.RefinedText = refined
	prompt.Outcome = models.PromptGenerating
	return nil
}

// GetPromptStatus сверяет промпт с внешней задачей генерации. Система не
// держит фоновых поллеров на каждую задачу: прогресс фиксируется, когда
// статус кто-то спрашивает, а забытые задачи добирает sweep.
func (s *attemptServiceImpl) GetPromptStatus(ctx context.Context, requester models.Requester, promptID uuid.UUID) (*models.Prompt, error) {
	prompt, err := s.promptRepo.GetByID(ctx, s.txHelper.Pool(), promptID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, models.ErrPromptNotFound
		}
		return nil, models.ErrInternalServer
	}
	attempt, err := s.loadOwnedAttempt(ctx, requester, prompt.AttemptID)
	if err != nil {
		return nil, err
	}

	if prompt.Outcome.Terminal() || prompt.JobID == nil {
		return prompt, nil
	}

	status, err := s.generator.GetJobStatus(ctx, *prompt.JobID)
	if err != nil {
		s.logger.Warn("Job status poll failed",
			zap.String("promptID", promptID.String()), zap.Error(err))
		// Внешний сервис недоступен — отдаем последнее известное состояние.
		return prompt, nil
	}

	switch status.State {
	case interfaces.JobQueued, interfaces.JobProcessing:
		if attempt.Outcome == models.AttemptInProgress && attempt.WindowExpired(s.now()) {
			s.finalizeAttempt(ctx, attempt, models.AttemptFailed)
			return s.promptRepo.GetByID(ctx, s.txHelper.Pool(), promptID)
		}
		return prompt, nil
	case interfaces.JobSucceeded:
		return s.resolveSucceededPrompt(ctx, attempt, prompt, status.ResultURL)
	default: // JobFailed
		outcome := generation.ClassifyJobError(status.ErrorCode)
		if attempt.SlotID != nil {
			s.resolveFailedPrompt(ctx, attempt, prompt, outcome, *attempt.SlotID)
		}
		return s.promptRepo.GetByID(ctx, s.txHelper.Pool(), promptID)
	}
}

func (s *attemptServiceImpl) GetAttempt(ctx context.Context, requester models.Requester, attemptID uuid.UUID) (*models.Attempt, []*models.Prompt, error) {
	attempt, err := s.loadOwnedAttempt(ctx, requester, attemptID)
	if err != nil {
		return nil, nil, err
	}
	prompts, err := s.promptRepo.ListByAttempt(ctx, s.txHelper.Pool(), attemptID)
	if err != nil {
		s.logger.Error("Failed to list prompts", zap.String("attemptID", attemptID.String()), zap.Error(err))
		return nil, nil, models.ErrInternalServer
	}
	return attempt, prompts, nil
}

// resolveSucceededPrompt скачивает артефакт, кладет его в хранилище и одной
// транзакцией закрывает промпт, слот и попытку. Повторный вызов безопасен:
// guard'ы переходов сработают нулем строк, и мы просто перечитаем промпт.
func (s *attemptServiceImpl) resolveSucceededPrompt(ctx context.Context, attempt *models.Attempt, prompt *models.Prompt, resultURL string) (*models.Prompt, error) {
	if attempt.SlotID == nil {
		return prompt, nil
	}
	slotID := *attempt.SlotID

	data, err := s.generator.FetchResult(ctx, resultURL)
	if err != nil {
		s.logger.Error("Failed to fetch finished artifact",
			zap.String("promptID", prompt.ID.String()), zap.Error(err))
		return prompt, models.ErrGenerationUpstream
	}
	videoKey := fmt.Sprintf("videos/%d/%s.mp4", slotID, prompt.ID.String())
	if err := s.store.Put(ctx, videoKey, data); err != nil {
		s.logger.Error("Failed to store artifact",
			zap.String("promptID", prompt.ID.String()), zap.String("videoKey", videoKey), zap.Error(err))
		return prompt, models.ErrInternalServer
	}

	err = s.txHelper.WithTransaction(ctx, func(ctx context.Context, tx interfaces.DBTX) error {
		if err := s.promptRepo.MarkOutcome(ctx, tx, prompt.ID, models.PromptSuccess, &videoKey); err != nil {
			return err
		}
		if err := s.slotRepo.MarkAwaitingConfirmation(ctx, tx, slotID, videoKey); err != nil {
			return err
		}
		return s.attemptRepo.MarkOutcome(ctx, tx, attempt.ID, models.AttemptSucceeded)
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			// Кто-то успел разрешить промпт параллельно.
			return s.promptRepo.GetByID(ctx, s.txHelper.Pool(), prompt.ID)
		}
		s.logger.Error("Failed to finalize successful generation",
			zap.String("promptID", prompt.ID.String()), zap.Error(err))
		return prompt, models.ErrInternalServer
	}

	generationJobDuration.Observe(s.now().Sub(prompt.CreatedAt).Seconds())
	attemptOutcomeTotal.WithLabelValues(string(models.AttemptSucceeded)).Inc()
	s.logger.Info("Generation succeeded, slot awaiting confirmation",
		zap.Int64("slotID", slotID),
		zap.String("promptID", prompt.ID.String()),
		zap.String("videoKey", videoKey))
	return s.promptRepo.GetByID(ctx, s.txHelper.Pool(), prompt.ID)
}

// resolveFailedPrompt фиксирует неуспех промпта. Если бюджет или окно еще
// позволяют ретрай — слот возвращается в awaiting_prompt, иначе попытка
// финализируется как failed.
func (s *attemptServiceImpl) resolveFailedPrompt(ctx context.Context, attempt *models.Attempt, prompt *models.Prompt, outcome models.PromptOutcome, slotID int64) {
	budgetLeft := prompt.Seq < models.MaxPromptsPerAttempt && !attempt.WindowExpired(s.now())

	err := s.txHelper.WithTransaction(ctx, func(ctx context.Context, tx interfaces.DBTX) error {
		if err := s.promptRepo.MarkOutcome(ctx, tx, prompt.ID, outcome, nil); err != nil {
			return err
		}
		if budgetLeft {
			return s.slotRepo.ReturnToAwaitingPrompt(ctx, tx, slotID)
		}
		if err := s.attemptRepo.MarkOutcome(ctx, tx, attempt.ID, models.AttemptFailed); err != nil {
			return err
		}
		return s.slotRepo.MarkFailed(ctx, tx, slotID)
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return // гонка: исход уже зафиксирован другим вызовом
		}
		s.logger.Error("Failed to record prompt failure",
			zap.String("promptID", prompt.ID.String()), zap.Error(err))
		return
	}
	prompt.Outcome = outcome
	generationJobDuration.Observe(s.now().Sub(prompt.CreatedAt).Seconds())
	if !budgetLeft {
		attemptOutcomeTotal.WithLabelValues(string(models.AttemptFailed)).Inc()
		s.logger.Info("Retry budget exhausted, attempt failed",
			zap.String("attemptID", attempt.ID.String()), zap.Int64("slotID", slotID))
	}
}

// finalizeAttempt — терминальный исход по внешней причине (окно, refund).
// Открытые промпты помечаются abandoned, слот переводится в failed.
func (s *attemptServiceImpl) finalizeAttempt(ctx context.Context, attempt *models.Attempt, outcome models.AttemptOutcome) {
	err := s.txHelper.WithTransaction(ctx, func(ctx context.Context, tx interfaces.DBTX) error {
		if err := s.attemptRepo.MarkOutcome(ctx, tx, attempt.ID, outcome); err != nil {
			return err
		}
		if _, err := s.promptRepo.AbandonOpenByAttempt(ctx, tx, attempt.ID); err != nil {
			return err
		}
		if attempt.SlotID != nil {
			if err := s.slotRepo.MarkFailed(ctx, tx, *attempt.SlotID); err != nil &&
				!errors.Is(err, interfaces.ErrNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return // попытку уже финализировали (sweep или параллельный запрос)
		}
		s.logger.Error("Failed to finalize attempt",
			zap.String("attemptID", attempt.ID.String()), zap.Error(err))
		return
	}
	attemptOutcomeTotal.WithLabelValues(string(outcome)).Inc()
	s.logger.Info("Attempt finalized",
		zap.String("attemptID", attempt.ID.String()), zap.String("outcome", string(outcome)))
}

// finalizeIfExhausted закрывает попытку, у которой все промпты бюджета уже
// разрешились неуспехом. Вызывается, когда очередной submit уперся в лимит.
func (s *attemptServiceImpl) finalizeIfExhausted(ctx context.Context, attempt *models.Attempt) {
	prompts, err := s.promptRepo.ListByAttempt(ctx, s.txHelper.Pool(), attempt.ID)
	if err != nil || len(prompts) < models.MaxPromptsPerAttempt {
		return
	}
	for _, p := range prompts {
		if !p.Outcome.Terminal() || p.Outcome == models.PromptSuccess {
			return
		}
	}
	s.finalizeAttempt(ctx, attempt, models.AttemptFailed)
}

// terminalSubmitError подбирает типизированный отказ для submit'а в уже
// закрытую попытку: клиенту важно, какой именно лимит ее закрыл —
// исчерпанный бюджет промптов и истекшее окно ведут к выбору
// confirm-or-refund, а не к повторному submit'у.
func (s *attemptServiceImpl) terminalSubmitError(ctx context.Context, attempt *models.Attempt) error {
	if attempt.Outcome != models.AttemptFailed {
		return models.ErrAttemptFinished
	}
	prompts, err := s.promptRepo.ListByAttempt(ctx, s.txHelper.Pool(), attempt.ID)
	if err == nil && len(prompts) >= models.MaxPromptsPerAttempt {
		return models.ErrRetryLimitExceeded
	}
	if attempt.WindowExpired(s.now()) {
		return models.ErrWindowExpired
	}
	return models.ErrAttemptFinished
}

func (s *attemptServiceImpl) loadOwnedAttempt(ctx context.Context, requester models.Requester, attemptID uuid.UUID) (*models.Attempt, error) {
	attempt, err := s.attemptRepo.GetByID(ctx, s.txHelper.Pool(), attemptID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, models.ErrAttemptNotFound
		}
		s.logger.Error("Failed to load attempt", zap.String("attemptID", attemptID.String()), zap.Error(err))
		return nil, models.ErrInternalServer
	}
	if attempt.CreatorWallet != requester.Wallet {
		return nil, models.ErrNotAuthorized
	}
	return attempt, nil
}

func (s *attemptServiceImpl) publishEvent(ctx context.Context, event models.SlotEvent) {
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
