package domain

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PrincipalClaims — claims RS256-токена принципала (консоль управления)
type PrincipalClaims struct {
	PrincipalID string `json:"principal_id"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// AgentClaims — claims токена агента. AgentID обязателен:
// из него же Policy Engine берет область действия политик.
type AgentClaims struct {
	AgentID     string `json:"agent_id"`
	PrincipalID string `json:"principal_id"`
	jwt.RegisteredClaims
}

// Secure Token Issuing
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

// Principal — владелец агентов и политик
type Principal struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"` // Никогда не отправляем на фронт
	Role         string    `json:"role"`
	TelegramChat int64     `json:"telegram_chat_id"` // Куда слать уведомления HITL
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
