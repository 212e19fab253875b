package models

import (
	"time"

	"github.com/google/uuid"
)

// SlotEventType — тип события жизненного цикла слота для шины сообщений.
type SlotEventType string

const (
	EventSlotLocked     SlotEventType = "slot.locked"
	EventAttemptCreated SlotEventType = "slot.attempt_created"
	EventPromptSubmitted SlotEventType = "slot.prompt_submitted"
	EventSlotCompleted  SlotEventType = "slot.completed"
	EventSlotReopened   SlotEventType = "slot.reopened"
	EventSlotReclaimed  SlotEventType = "slot.reclaimed"
)

// SlotEvent публикуется в exchange slot_events после коммита транзакции.
// Поле Audit заполняется для refund: это последний снимок удаляемой строки.
type SlotEvent struct {
	Type      SlotEventType `json:"type"`
	SlotID    int64         `json:"slot_id"`
	ParentID  int64         `json:"parent_id"`
	Letter    Letter        `json:"letter"`
	Wallet    string        `json:"wallet,omitempty"`
	AttemptID *uuid.UUID    `json:"attempt_id,omitempty"`
	PromptID  *uuid.UUID    `json:"prompt_id,omitempty"`
	TxRef     string        `json:"tx_ref,omitempty"`
	Audit     *SlotAudit    `json:"audit,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// SlotAudit — append-only запись в slot_audit. Пишется в той же транзакции,
// что и удаление строки слота при refund, чтобы история не терялась.
type SlotAudit struct {
	ID        int64      `json:"id" db:"id"`
	SlotID    int64      `json:"slot_id" db:"slot_id"`
	ParentID  int64      `json:"parent_id" db:"parent_id"`
	Letter    Letter     `json:"letter" db:"letter"`
	Event     string     `json:"event" db:"event"`
	AttemptID *uuid.UUID `json:"attempt_id,omitempty" db:"attempt_id"`
	Actor     *string    `json:"actor,omitempty" db:"actor"`
	TxRef     *string    `json:"tx_ref,omitempty" db:"tx_ref"`
	Details   []byte     `json:"details,omitempty" db:"details"` // JSONB snapshot
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}
