package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"storychain-server/internal/models"
)

// acquireSlot резервирует пару (parent, letter) за кошельком вызывающего.
func (h *SlotHandler) acquireSlot(c *gin.Context) {
	requester, ok := requesterFromContext(c)
	if !ok {
		handleServiceError(c, models.ErrUnauthorized)
		return
	}

	var req acquireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleServiceError(c, models.ErrInvalidInput)
		return
	}

	slot, err := h.lockService.Acquire(c.Request.Context(), requester, req.ParentID, models.Letter(req.Letter))
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newSlotResponse(slot))
}

func (h *SlotHandler) getSlot(c *gin.Context) {
	id, ok := slotIDParam(c)
	if !ok {
		return
	}
	slot, err := h.lockService.GetSlot(c.Request.Context(), id)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSlotResponse(slot))
}

// listChildren отдает все дочерние слоты сцены. :id здесь — родитель;
// 0 означает корень дерева.
func (h *SlotHandler) listChildren(c *gin.Context) {
	id, ok := slotIDParam(c)
	if !ok {
		return
	}
	children, err := h.lockService.ListChildren(c.Request.Context(), id)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, childrenResponse{ParentID: id, Children: children})
}

func (h *SlotHandler) getSlotVideo(c *gin.Context) {
	requester, ok := requesterFromContext(c)
	if !ok {
		handleServiceError(c, models.ErrUnauthorized)
		return
	}
	id, ok := slotIDParam(c)
	if !ok {
		return
	}
	url, err := h.lockService.VideoURL(c.Request.Context(), requester, id)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, videoURLResponse{URL: url})
}

// verifyPayment проверяет on-chain покупку и открывает попытку генерации.
func (h *SlotHandler) verifyPayment(c *gin.Context) {
	requester, ok := requesterFromContext(c)
	if !ok {
		handleServiceError(c, models.ErrUnauthorized)
		return
	}
	id, ok := slotIDParam(c)
	if !ok {
		return
	}

	var req txRefRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleServiceError(c, models.ErrInvalidInput)
		return
	}

	attempt, err := h.paymentService.VerifyPayment(c.Request.Context(), requester, id, req.TxRef)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, attemptResponse{
		Attempt:     attempt,
		PromptsLeft: models.MaxPromptsPerAttempt,
	})
}

func (h *SlotHandler) confirmSlot(c *gin.Context) {
	requester, ok := requesterFromContext(c)
	if !ok {
		handleServiceError(c, models.ErrUnauthorized)
		return
	}
	id, ok := slotIDParam(c)
	if !ok {
		return
	}

	var req txRefRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleServiceError(c, models.ErrInvalidInput)
		return
	}

	slot, err := h.confirmationService.Confirm(c.Request.Context(), requester, id, req.TxRef)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSlotResponse(slot))
}

func (h *SlotHandler) refundSlot(c *gin.Context) {
	requester, ok := requesterFromContext(c)
	if !ok {
		handleServiceError(c, models.ErrUnauthorized)
		return
	}
	id, ok := slotIDParam(c)
	if !ok {
		return
	}

	var req txRefRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleServiceError(c, models.ErrInvalidInput)
		return
	}

	if err := h.confirmationService.Refund(c.Request.Context(), requester, id, req.TxRef); err != nil {
		handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// triggerReclaim — ручной запуск sweep'а для операторов и тестовых стендов.
func (h *SlotHandler) triggerReclaim(c *gin.Context) {
	reclaimed, err := h.reclaimService.SweepOnce(c.Request.Context())
	if err != nil {
		zap.L().Error("Manual reclaim sweep failed", zap.Error(err))
		handleServiceError(c, models.ErrInternalServer)
		return
	}
	c.JSON(http.StatusOK, reclaimResponse{Reclaimed: reclaimed})
}

func slotIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 0 {
		handleServiceError(c, models.ErrInvalidInput)
		return 0, false
	}
	return id, true
}
