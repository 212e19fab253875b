package models

import (
	"time"

	"github.com/google/uuid"
)

// AttemptOutcome определяет исход оплаченной сессии генерации.
// Совпадает с типом ENUM 'attempt_outcome' в БД.
type AttemptOutcome string

const (
	AttemptInProgress AttemptOutcome = "in_progress"
	AttemptSucceeded  AttemptOutcome = "succeeded"
	AttemptFailed     AttemptOutcome = "failed"
	AttemptAbandoned  AttemptOutcome = "abandoned"
)

// Terminal сообщает, достигла ли попытка финального исхода.
// Терминальный исход выставляется ровно один раз и не откатывается.
func (o AttemptOutcome) Terminal() bool {
	return o != AttemptInProgress
}

// Attempt — одна оплаченная сессия генерации для слота.
// Создается только после успешной верификации платежа; payment_tx_ref
// уникален, поэтому одна транзакция может профинансировать не более
// одной попытки.
type Attempt struct {
	ID                   uuid.UUID      `json:"id" db:"id"`
	SlotID               *int64         `json:"slot_id,omitempty" db:"slot_id"` // NULL после удаления слота при refund
	ParentID             int64          `json:"parent_id" db:"parent_id"`
	Letter               Letter         `json:"letter" db:"letter"`
	CreatorWallet        string         `json:"creator_wallet" db:"creator_wallet"`
	PaymentTxRef         string         `json:"payment_tx_ref" db:"payment_tx_ref"`
	PaymentConfirmedAt   time.Time      `json:"payment_confirmed_at" db:"payment_confirmed_at"`
	RetryWindowExpiresAt time.Time      `json:"retry_window_expires_at" db:"retry_window_expires_at"`
	Outcome              AttemptOutcome `json:"outcome" db:"outcome"`
	CreatedAt            time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at" db:"updated_at"`
}

// WindowExpired сообщает, вышло ли окно ретраев на момент now.
func (a *Attempt) WindowExpired(now time.Time) bool {
	return now.After(a.RetryWindowExpiresAt)
}

// MaxPromptsPerAttempt — жесткий лимит промптов на одну попытку.
const MaxPromptsPerAttempt = 3
