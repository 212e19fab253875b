package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"storychain-server/internal/models"
)

// submitPrompt записывает очередной промпт попытки и запускает генерацию.
func (h *SlotHandler) submitPrompt(c *gin.Context) {
	requester, ok := requesterFromContext(c)
	if !ok {
		handleServiceError(c, models.ErrUnauthorized)
		return
	}
	attemptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		handleServiceError(c, models.ErrInvalidInput)
		return
	}

	var req submitPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleServiceError(c, models.ErrInvalidInput)
		return
	}

	prompt, err := h.attemptService.SubmitPrompt(c.Request.Context(), requester, attemptID, req.Text)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, promptResponse{Prompt: prompt})
}

func (h *SlotHandler) getAttempt(c *gin.Context) {
	requester, ok := requesterFromContext(c)
	if !ok {
		handleServiceError(c, models.ErrUnauthorized)
		return
	}
	attemptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		handleServiceError(c, models.ErrInvalidInput)
		return
	}

	attempt, prompts, err := h.attemptService.GetAttempt(c.Request.Context(), requester, attemptID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, attemptResponse{
		Attempt:     attempt,
		Prompts:     prompts,
		PromptsLeft: promptsLeft(prompts, attempt),
	})
}

// getPromptStatus сверяет промпт с внешней задачей генерации и отдает
// актуальное состояние.
func (h *SlotHandler) getPromptStatus(c *gin.Context) {
	requester, ok := requesterFromContext(c)
	if !ok {
		handleServiceError(c, models.ErrUnauthorized)
		return
	}
	promptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		handleServiceError(c, models.ErrInvalidInput)
		return
	}

	prompt, err := h.attemptService.GetPromptStatus(c.Request.Context(), requester, promptID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, promptResponse{Prompt: prompt})
}
