package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"storychain-server/internal/models"
)

const requesterContextKey = "requester"

// AuthMiddleware проверяет Bearer JWT и кладет Requester в контекст запроса.
func (h *SlotHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			zap.L().Warn("Authorization header missing")
			handleServiceError(c, models.ErrTokenInvalid)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			zap.L().Warn("Invalid Authorization header format")
			handleServiceError(c, models.ErrTokenInvalid)
			return
		}

		claims := &models.Claims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, models.ErrTokenInvalid
			}
			return []byte(h.cfg.JWTSecret), nil
		})
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				handleServiceError(c, models.ErrTokenExpired)
				return
			}
			zap.L().Warn("Access token verification failed", zap.Error(err))
			handleServiceError(c, models.ErrTokenInvalid)
			return
		}
		if !token.Valid || claims.Wallet == "" {
			handleServiceError(c, models.ErrTokenInvalid)
			return
		}

		c.Set(requesterContextKey, models.Requester{
			UserID: claims.UserID,
			Wallet: claims.Wallet,
		})
		c.Next()
	}
}

// InternalAuthMiddleware защищает служебные эндпоинты статическим секретом.
func (h *SlotHandler) InternalAuthMiddleware() gin.HandlerFunc {
	staticSecret := h.cfg.InternalSecret
	if staticSecret == "" {
		zap.L().Warn("InternalAuthMiddleware: internal service secret is not configured, all internal calls will be rejected")
	}

	return func(c *gin.Context) {
		tokenString := c.GetHeader("X-Internal-Service-Token")
		if tokenString == "" || staticSecret == "" || tokenString != staticSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
				Code:    models.ErrCodeUnauthorized,
				Message: "Missing or invalid internal service token",
			})
			return
		}
		c.Next()
	}
}

// requesterFromContext достает аутентифицированного инициатора запроса.
func requesterFromContext(c *gin.Context) (models.Requester, bool) {
	v, ok := c.Get(requesterContextKey)
	if !ok {
		return models.Requester{}, false
	}
	requester, ok := v.(models.Requester)
	return requester, ok
}
