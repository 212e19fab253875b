package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"storychain-server/internal/models"
)

func handleServiceError(c *gin.Context, err error) {
	var statusCode int
	var errResp models.ErrorResponse

	switch {
	case errors.Is(err, models.ErrInvalidInput), errors.Is(err, models.ErrInvalidLetter):
		statusCode = http.StatusBadRequest
		errResp = models.ErrorResponse{Code: models.ErrCodeValidation, Message: err.Error()}
	case errors.Is(err, models.ErrTokenInvalid):
		statusCode = http.StatusUnauthorized
		errResp = models.ErrorResponse{Code: models.ErrCodeUnauthorized, Message: "Token is invalid or malformed"}
	case errors.Is(err, models.ErrTokenExpired):
		statusCode = http.StatusUnauthorized
		errResp = models.ErrorResponse{Code: models.ErrCodeUnauthorized, Message: "Token has expired"}
	case errors.Is(err, models.ErrNotAuthorized):
		statusCode = http.StatusForbidden
		errResp = models.ErrorResponse{Code: models.ErrCodeForbidden, Message: "Caller does not hold the referenced lock or attempt"}
	case errors.Is(err, models.ErrSlotNotFound), errors.Is(err, models.ErrAttemptNotFound),
		errors.Is(err, models.ErrPromptNotFound), errors.Is(err, models.ErrParentNotFound):
		statusCode = http.StatusNotFound
		errResp = models.ErrorResponse{Code: models.ErrCodeNotFound, Message: err.Error()}
	case errors.Is(err, models.ErrActiveSessionExists):
		statusCode = http.StatusConflict
		errResp = models.ErrorResponse{Code: models.ErrCodeActiveSession, Message: "Requester already has an active session"}
	case errors.Is(err, models.ErrParentNotCompleted):
		statusCode = http.StatusConflict
		errResp = models.ErrorResponse{Code: models.ErrCodeConflict, Message: err.Error()}
	case errors.Is(err, models.ErrSlotCompleted):
		statusCode = http.StatusConflict
		errResp = models.ErrorResponse{Code: models.ErrCodeConflict, Message: "Slot is permanently completed"}
	case errors.Is(err, models.ErrSlotUnavailable):
		statusCode = http.StatusConflict
		// SlotConflictError несет детали (кто держит, сколько ждать) —
		// отдаем их клиенту текстом.
		errResp = models.ErrorResponse{Code: models.ErrCodeConflict, Message: err.Error()}
	case errors.Is(err, models.ErrGenerationInProgress):
		statusCode = http.StatusConflict
		errResp = models.ErrorResponse{Code: models.ErrCodeConflict, Message: err.Error()}
	case errors.Is(err, models.ErrDuplicateTxRef):
		statusCode = http.StatusConflict
		errResp = models.ErrorResponse{Code: models.ErrCodeConflict, Message: err.Error()}
	case errors.Is(err, models.ErrVerificationFailed):
		statusCode = http.StatusUnprocessableEntity
		errResp = models.ErrorResponse{Code: models.ErrCodeVerificationFailed, Message: err.Error()}
	case errors.Is(err, models.ErrLedgerUnavailable):
		statusCode = http.StatusBadGateway
		errResp = models.ErrorResponse{Code: models.ErrCodeUpstream, Message: "Ledger is temporarily unavailable, retry the request"}
	case errors.Is(err, models.ErrWindowExpired):
		statusCode = http.StatusGone
		errResp = models.ErrorResponse{Code: models.ErrCodeWindowExpired, Message: "Retry window has expired"}
	case errors.Is(err, models.ErrRetryLimitExceeded):
		statusCode = http.StatusConflict
		errResp = models.ErrorResponse{Code: models.ErrCodeRetryLimit, Message: "Prompt retry limit exceeded"}
	case errors.Is(err, models.ErrAttemptFinished):
		statusCode = http.StatusConflict
		errResp = models.ErrorResponse{Code: models.ErrCodeConflict, Message: err.Error()}
	case errors.Is(err, models.ErrModerationRejected), errors.Is(err, models.ErrRateLimited):
		statusCode = http.StatusUnprocessableEntity
		errResp = models.ErrorResponse{Code: models.ErrCodeGenerationRejected, Message: err.Error()}
	case errors.Is(err, models.ErrGenerationTimeout), errors.Is(err, models.ErrGenerationUpstream):
		statusCode = http.StatusBadGateway
		errResp = models.ErrorResponse{Code: models.ErrCodeUpstream, Message: err.Error()}
	case errors.Is(err, models.ErrArtifactNotAvailable):
		statusCode = http.StatusNotFound
		errResp = models.ErrorResponse{Code: models.ErrCodeNotFound, Message: err.Error()}
	default:
		zap.L().Error("Unhandled internal error in handleServiceError", zap.Error(err))
		statusCode = http.StatusInternalServerError
		errResp = models.ErrorResponse{Code: models.ErrCodeInternal, Message: "An unexpected internal error occurred"}
	}

	c.AbortWithStatusJSON(statusCode, errResp)
}
