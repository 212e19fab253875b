package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"storychain-server/internal/config"
	"storychain-server/internal/service"
	"storychain-server/internal/storage"
)

// SlotHandler exposes the slot lifecycle over HTTP.
type SlotHandler struct {
	lockService         service.LockService
	paymentService      service.PaymentService
	attemptService      service.AttemptService
	confirmationService service.ConfirmationService
	reclaimService      service.ReclaimService
	store               *storage.LocalStore
	cfg                 *config.Config
	logger              *zap.Logger
}

func NewSlotHandler(
	lockService service.LockService,
	paymentService service.PaymentService,
	attemptService service.AttemptService,
	confirmationService service.ConfirmationService,
	reclaimService service.ReclaimService,
	store *storage.LocalStore,
	cfg *config.Config,
	logger *zap.Logger,
) *SlotHandler {
	return &SlotHandler{
		lockService:         lockService,
		paymentService:      paymentService,
		attemptService:      attemptService,
		confirmationService: confirmationService,
		reclaimService:      reclaimService,
		store:               store,
		cfg:                 cfg,
		logger:              logger.Named("SlotHandler"),
	}
}

func (h *SlotHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Подписанные ссылки на артефакты: подпись и есть авторизация.
	router.GET("/media/*key", h.serveMedia)

	api := router.Group("/api")
	api.Use(h.AuthMiddleware())
	{
		api.POST("/slots/acquire", h.acquireSlot)
		api.GET("/slots/:id", h.getSlot)
		api.GET("/slots/:id/children", h.listChildren)
		api.GET("/slots/:id/video", h.getSlotVideo)
		api.POST("/slots/:id/verify", h.verifyPayment)
		api.POST("/slots/:id/confirm", h.confirmSlot)
		api.POST("/slots/:id/refund", h.refundSlot)

		api.POST("/attempts/:id/prompts", h.submitPrompt)
		api.GET("/attempts/:id", h.getAttempt)
		api.GET("/prompts/:id", h.getPromptStatus)
	}

	internal := router.Group("/internal")
	internal.Use(h.InternalAuthMiddleware())
	{
		internal.POST("/reclaim", h.triggerReclaim)
	}
}
