package handler

import (
	"time"

	"storychain-server/internal/models"
)

type acquireRequest struct {
	ParentID int64  `json:"parent_id"`
	Letter   string `json:"letter" binding:"required"`
}

type txRefRequest struct {
	TxRef string `json:"tx_ref" binding:"required"`
}

type submitPromptRequest struct {
	Text string `json:"text" binding:"required"`
}

type slotResponse struct {
	Slot *models.Slot `json:"slot"`
	// Остаток TTL резервации в секундах; присутствует только пока слот залочен.
	LockTTLSeconds *int64 `json:"lock_ttl_seconds,omitempty"`
}

func newSlotResponse(slot *models.Slot) slotResponse {
	resp := slotResponse{Slot: slot}
	if slot.Status == models.SlotStatusLocked && slot.LockExpiresAt != nil {
		ttl := int64(time.Until(*slot.LockExpiresAt).Seconds())
		if ttl < 0 {
			ttl = 0
		}
		resp.LockTTLSeconds = &ttl
	}
	return resp
}

type childrenResponse struct {
	ParentID int64          `json:"parent_id"`
	Children []*models.Slot `json:"children"`
}

type attemptResponse struct {
	Attempt *models.Attempt  `json:"attempt"`
	Prompts []*models.Prompt `json:"prompts,omitempty"`
	// Сколько промптов еще доступно в бюджете попытки.
	PromptsLeft int `json:"prompts_left"`
}

type promptResponse struct {
	Prompt *models.Prompt `json:"prompt"`
}

type videoURLResponse struct {
	URL string `json:"url"`
}

type reclaimResponse struct {
	Reclaimed int64 `json:"reclaimed"`
}

func promptsLeft(prompts []*models.Prompt, attempt *models.Attempt) int {
	if attempt.Outcome.Terminal() {
		return 0
	}
	left := models.MaxPromptsPerAttempt - len(prompts)
	if left < 0 {
		return 0
	}
	return left
}
