package models

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims — полезная нагрузка пользовательского JWT. Wallet — адрес кошелька,
// против которого проверяются события контракта.
type Claims struct {
	UserID uuid.UUID `json:"user_id"`
	Wallet string    `json:"wallet"`
	jwt.RegisteredClaims
}

// Requester — аутентифицированный инициатор запроса, как его видят сервисы.
type Requester struct {
	UserID uuid.UUID
	Wallet string
}

// ErrorResponse - стандартная структура для ответа об ошибке в формате JSON.
type ErrorResponse struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Машиночитаемые коды ошибок для клиентов.
const (
	ErrCodeValidation         = "validation_error"
	ErrCodeNotFound           = "not_found"
	ErrCodeUnauthorized       = "unauthorized"
	ErrCodeForbidden          = "forbidden"
	ErrCodeConflict           = "slot_unavailable"
	ErrCodeActiveSession      = "active_session_exists"
	ErrCodeVerificationFailed = "verification_failed"
	ErrCodeWindowExpired      = "window_expired"
	ErrCodeRetryLimit         = "retry_limit_exceeded"
	ErrCodeGenerationRejected = "generation_rejected"
	ErrCodeUpstream           = "upstream_failure"
	ErrCodeInternal           = "internal_error"
)
