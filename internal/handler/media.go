package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"storychain-server/internal/models"
)

// serveMedia verifies the signed URL and streams the stored artifact.
// Ссылки выдает ArtifactStore.SignedGet; параметры exp и sig обязательны.
func (h *SlotHandler) serveMedia(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	exp := c.Query("exp")
	sig := c.Query("sig")
	if key == "" || exp == "" || sig == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, models.ErrorResponse{
			Code:    models.ErrCodeForbidden,
			Message: "Missing or invalid media signature",
		})
		return
	}

	if !h.store.VerifySignature(key, exp, sig) {
		zap.L().Warn("Rejected media request with bad signature", zap.String("key", key))
		c.AbortWithStatusJSON(http.StatusForbidden, models.ErrorResponse{
			Code:    models.ErrCodeForbidden,
			Message: "Media signature is invalid or expired",
		})
		return
	}

	path, err := h.store.Open(key)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, models.ErrorResponse{
			Code:    models.ErrCodeNotFound,
			Message: "Artifact not found",
		})
		return
	}
	c.Header("Content-Type", "video/mp4")
	c.File(path)
}
