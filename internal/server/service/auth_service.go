package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/permgate/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

type PrincipalProvider interface {
	GetPrincipalByUsername(ctx context.Context, username string) (*domain.Principal, error)
}

type AuthService struct {
	repo       PrincipalProvider
	privateKey *rsa.PrivateKey
}

func NewAuthService(repo PrincipalProvider, privateKey *rsa.PrivateKey) *AuthService {
	return &AuthService{
		repo:       repo,
		privateKey: privateKey,
	}
}

// GenerateToken выдает RS256-токен принципала по логину/паролю
func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Аутентификация (Источник правды — Postgres)
	principal, err := s.repo.GetPrincipalByUsername(ctx, username)
	if err != nil || principal == nil {
		return nil, errors.New("invalid credentials")
	}

	// 2. Проверка пароля (используем bcrypt)
	if err := bcrypt.CompareHashAndPassword([]byte(principal.PasswordHash), []byte(password)); err != nil {
		return nil, errors.New("invalid credentials")
	}

	// 3. Формирование Claims
	expiresAt := time.Now().Add(time.Hour * 24)
	claims := &domain.PrincipalClaims{
		PrincipalID: principal.ID,
		Role:        principal.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "permgate",
			Subject:   principal.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	// 4. Подпись токена ЗАКРЫТЫМ КЛЮЧОМ (RS256)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signedToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
	}, nil
}

// MintAgentToken выпускает токен агента от имени принципала-владельца.
// Агент ходит с ним на периметр request/verify/consume/revoke.
func (s *AuthService) MintAgentToken(principalID, agentID string, ttl time.Duration) (*domain.TokenResponse, error) {
	if agentID == "" {
		return nil, errors.New("agent_id is required")
	}
	if ttl <= 0 {
		ttl = time.Hour * 24
	}

	expiresAt := time.Now().Add(ttl)
	claims := &domain.AgentClaims{
		AgentID:     agentID,
		PrincipalID: principalID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "permgate",
			Subject:   agentID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign agent token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signedToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
	}, nil
}
