package models

import (
	"time"

	"github.com/google/uuid"
)

// SlotStatus определяет возможные статусы слота.
// Совпадает с типом ENUM 'slot_status' в БД.
type SlotStatus string

const (
	SlotStatusLocked               SlotStatus = "locked"                // Зарезервирован до оплаты, действует TTL
	SlotStatusVerifying            SlotStatus = "verifying"             // Идет проверка платежа в ledger
	SlotStatusAwaitingPrompt       SlotStatus = "awaiting_prompt"       // Оплата подтверждена, ждем промпт
	SlotStatusGenerating           SlotStatus = "generating"            // Внешняя генерация видео в процессе
	SlotStatusAwaitingConfirmation SlotStatus = "awaiting_confirmation" // Видео готово, ждем confirm или refund
	SlotStatusCompleted            SlotStatus = "completed"             // Финализирован on-chain, необратимо
	SlotStatusLockExpired          SlotStatus = "lock_expired"          // Резервация истекла, слот свободен
	SlotStatusFailed               SlotStatus = "failed"                // Попытка провалена (окно/лимит), ждет refund
)

// ActiveSlotStatuses — статусы, при которых слот считается занятым его holder'ом.
// Используется и в правиле "одна активная сессия на пользователя", и в sweep'е.
var ActiveSlotStatuses = []SlotStatus{
	SlotStatusLocked,
	SlotStatusVerifying,
	SlotStatusAwaitingPrompt,
	SlotStatusGenerating,
	SlotStatusAwaitingConfirmation,
}

// ReclaimableSlotStatuses — статусы, из которых Acquire может перехватить слот.
var ReclaimableSlotStatuses = []SlotStatus{
	SlotStatusLockExpired,
	SlotStatusFailed,
}

var slotTransitions = map[SlotStatus][]SlotStatus{
	SlotStatusLocked:               {SlotStatusVerifying, SlotStatusLockExpired},
	SlotStatusVerifying:            {SlotStatusAwaitingPrompt, SlotStatusLockExpired},
	SlotStatusAwaitingPrompt:       {SlotStatusGenerating, SlotStatusFailed},
	SlotStatusGenerating:           {SlotStatusAwaitingPrompt, SlotStatusAwaitingConfirmation, SlotStatusFailed},
	SlotStatusAwaitingConfirmation: {SlotStatusCompleted, SlotStatusFailed},
	// lock_expired и failed выходят из игры только через повторный Acquire (upsert),
	// completed — терминальный навсегда.
	SlotStatusLockExpired: {},
	SlotStatusFailed:      {},
	SlotStatusCompleted:   {},
}

// CanTransition проверяет допустимость перехода статуса слота.
// Условные UPDATE в репозитории дублируют эту проверку на стороне БД;
// здесь она нужна для валидации на границе и в тестах.
func (s SlotStatus) CanTransition(to SlotStatus) bool {
	for _, allowed := range slotTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsActive сообщает, считается ли слот занятым (не свободным и не терминальным).
func (s SlotStatus) IsActive() bool {
	for _, st := range ActiveSlotStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// Letter — буква выбора внутри родительской сцены.
type Letter string

const (
	LetterA Letter = "A"
	LetterB Letter = "B"
	LetterC Letter = "C"
)

// ValidLetter проверяет, что буква входит в допустимый набор.
func ValidLetter(l Letter) bool {
	return l == LetterA || l == LetterB || l == LetterC
}

// Index возвращает числовое представление буквы (как в событии контракта).
func (l Letter) Index() uint8 {
	switch l {
	case LetterA:
		return 0
	case LetterB:
		return 1
	default:
		return 2
	}
}

// LetterFromIndex обратное преобразование для декодированных событий.
func LetterFromIndex(i uint8) (Letter, bool) {
	switch i {
	case 0:
		return LetterA, true
	case 1:
		return LetterB, true
	case 2:
		return LetterC, true
	}
	return "", false
}

// RootParentID — сентинел "корень дерева" для parent_id.
const RootParentID int64 = 0

// Slot представляет одну точку (parent, letter) в дереве сцен.
// Пара (parent_id, letter) уникальна — это единственный примитив
// взаимного исключения во всей системе.
type Slot struct {
	ID               int64      `json:"id" db:"id"`
	ParentID         int64      `json:"parent_id" db:"parent_id"`
	Letter           Letter     `json:"letter" db:"letter"`
	Status           SlotStatus `json:"status" db:"status"`
	LockHolder       *string    `json:"lock_holder,omitempty" db:"lock_holder"`             // Адрес кошелька владельца резервации
	LockExpiresAt    *time.Time `json:"lock_expires_at,omitempty" db:"lock_expires_at"`     // TTL резервации до оплаты
	WinningAttemptID *uuid.UUID `json:"winning_attempt_id,omitempty" db:"winning_attempt_id"`
	RetryCount       int        `json:"retry_count" db:"retry_count"`
	VideoKey         *string    `json:"video_key,omitempty" db:"video_key"` // Ключ артефакта в хранилище
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// HeldBy проверяет, держит ли указанный кошелек резервацию на слот.
func (s *Slot) HeldBy(wallet string) bool {
	return s.LockHolder != nil && *s.LockHolder == wallet
}

// LockExpired сообщает, истекла ли резервация на момент now.
func (s *Slot) LockExpired(now time.Time) bool {
	return s.LockExpiresAt != nil && s.LockExpiresAt.Before(now)
}
