package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/permgate/internal/domain"
	"go.uber.org/zap"
)

// Тип для ключей в контексте (избегаем коллизий)
type ctxKey string

const (
	principalIDKey ctxKey = "principal_id"
	agentIDKey     ctxKey = "agent_id"
)

// TokenValidator — интерфейс проверки RS256-токенов обоих видов
type TokenValidator interface {
	VerifyPrincipalToken(tokenStr string) (*domain.PrincipalClaims, error)
	VerifyAgentToken(tokenStr string) (*domain.AgentClaims, error)
}

// PrincipalMiddleware защищает консольный периметр (политики, approvals)
func PrincipalMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyPrincipalToken(authHeader)
			if err != nil {
				logger.Warn("principal auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), principalIDKey, claims.PrincipalID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AgentMiddleware защищает агентский периметр (request/verify/consume/revoke).
// В контекст прокидываются и agent_id, и principal_id владельца.
func AgentMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyAgentToken(authHeader)
			if err != nil {
				logger.Warn("agent auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), agentIDKey, claims.AgentID)
			ctx = context.WithValue(ctx, principalIDKey, claims.PrincipalID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFromContext безопасно достает id принципала в хендлерах
func PrincipalFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(principalIDKey).(string); ok {
		return id
	}
	return ""
}

// AgentFromContext безопасно достает id агента в хендлерах
func AgentFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(agentIDKey).(string); ok {
		return id
	}
	return ""
}
