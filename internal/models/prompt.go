package models

import (
	"time"

	"github.com/google/uuid"
)

// PromptOutcome определяет исход одного запроса генерации.
// Совпадает с типом ENUM 'prompt_outcome' в БД.
type PromptOutcome string

const (
	PromptPending            PromptOutcome = "pending"             // Создан, задача еще не отправлена
	PromptGenerating         PromptOutcome = "generating"          // Задача принята внешним сервисом
	PromptSuccess            PromptOutcome = "success"             // Видео сгенерировано и сохранено
	PromptModerationRejected PromptOutcome = "moderation_rejected" // Отклонено модерацией сервиса генерации
	PromptRateLimited        PromptOutcome = "rate_limited"
	PromptAPIError           PromptOutcome = "api_error"
	PromptTimeout            PromptOutcome = "timeout"
	PromptAbandoned          PromptOutcome = "abandoned" // Попытка завершилась до разрешения задачи
)

// Terminal сообщает, достиг ли промпт финального исхода.
func (o PromptOutcome) Terminal() bool {
	return o != PromptPending && o != PromptGenerating
}

// Retryable сообщает, позволяет ли исход отправить новый промпт
// (в пределах лимита и окна попытки).
func (o PromptOutcome) Retryable() bool {
	switch o {
	case PromptModerationRejected, PromptRateLimited, PromptAPIError, PromptTimeout:
		return true
	}
	return false
}

// Prompt — один пользовательский запрос генерации внутри попытки.
// Записи append-only: после создания меняются только outcome, job_id
// и ссылки на результат.
type Prompt struct {
	ID          uuid.UUID     `json:"id" db:"id"`
	AttemptID   uuid.UUID     `json:"attempt_id" db:"attempt_id"`
	Seq         int           `json:"seq" db:"seq"` // 1..MaxPromptsPerAttempt, уникален внутри попытки
	RawText     string        `json:"raw_text" db:"raw_text"`
	RefinedText *string       `json:"refined_text,omitempty" db:"refined_text"`
	JobID       *string       `json:"job_id,omitempty" db:"job_id"`
	Outcome     PromptOutcome `json:"outcome" db:"outcome"`
	VideoKey    *string       `json:"video_key,omitempty" db:"video_key"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}
