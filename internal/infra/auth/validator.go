package auth

import (
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/xela07ax/permgate/internal/domain"
)

// BaseValidator содержит общую логику проверки RS256
type BaseValidator struct {
	publicKey *rsa.PublicKey
}

func NewBaseValidator(pubKey *rsa.PublicKey) *BaseValidator {
	return &BaseValidator{publicKey: pubKey}
}

// VerifyPrincipalToken проверяет JWT принципала (консоль управления)
func (v *BaseValidator) VerifyPrincipalToken(tokenStr string) (*domain.PrincipalClaims, error) {
	claims := &domain.PrincipalClaims{}
	if err := v.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.PrincipalID == "" {
		return nil, fmt.Errorf("token has no principal binding")
	}
	return claims, nil
}

// VerifyAgentToken проверяет JWT агента: из agent_id и principal_id
// дальше работает Policy Engine
func (v *BaseValidator) VerifyAgentToken(tokenStr string) (*domain.AgentClaims, error) {
	claims := &domain.AgentClaims{}
	if err := v.parse(tokenStr, claims); err != nil {
		return nil, err
	}
	if claims.AgentID == "" || claims.PrincipalID == "" {
		return nil, fmt.Errorf("token has no agent binding")
	}
	return claims, nil
}

func (v *BaseValidator) parse(tokenStr string, claims jwt.Claims) error {
	tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
	tokenStr = strings.TrimSpace(tokenStr)

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	})

	if err != nil || !token.Valid {
		return fmt.Errorf("invalid token: %w", err)
	}
	return nil
}

// ParseRSAPublicKey превращает []byte в объект для проверки подписи
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// ParseRSAPrivateKey превращает []byte в объект для подписи токенов
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("private key data is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}
