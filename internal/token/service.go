package token

/*
Файл service.go — жизненный цикл эфемерных capability-токенов:
выдача, проверка, списание, отзыв.

Инварианты:
- Plaintext-секрет возвращается ровно один раз при выдаче и нигде не хранится;
  в БД и в кэше лежит только SHA-256 дайджест (секрет полноэнтропийный,
  соленый password-hash здесь не нужен — дайджест служит ключом поиска).
- Источник правды — Postgres. Redis-проекция ускоряет verify/consume,
  но при списании счетчик читается и меняется атомарно в БД одним
  условным UPDATE: два конкурентных consume при uses_remaining=1
  не могут оба увидеть успех.
- Ожидаемые негативные исходы (не найден, истек, исчерпан, отозван,
  чужой request) — значения с reason, не ошибки. Ошибки возвращают
  только мутирующие операции и только при сбое инфраструктуры.
*/

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/permgate/internal/audit"
	"github.com/xela07ax/permgate/internal/domain"
	"github.com/xela07ax/permgate/internal/infra"
	"go.uber.org/zap"
)

// ErrNoUsableUses сигнализирует, что условный декремент не нашел строку:
// токен исчерпан, истек или отозван между проверкой и списанием
var ErrNoUsableUses = errors.New("token has no usable uses")

// Repository описывает требования сервиса к долговременному хранилищу
type Repository interface {
	CreateToken(ctx context.Context, t *domain.Token) error
	// GetTokenBySecretHash возвращает (nil, nil), если токена нет
	GetTokenBySecretHash(ctx context.Context, secretHash string) (*domain.Token, error)
	// ConsumeUse атомарно списывает одно использование условным UPDATE
	// (WHERE uses_remaining <> 0 AND revoked_at IS NULL AND expires_at > NOW())
	// и возвращает новое значение счетчика. Сентинел -1 не декрементируется.
	// Если строка не прошла условие — ErrNoUsableUses.
	ConsumeUse(ctx context.Context, tokenID string) (int, error)
	RevokeToken(ctx context.Context, tokenID string) error
	// RevokeAllForRequest отзывает все неотозванные токены запроса
	// и возвращает их secret-хэши для зачистки кэша
	RevokeAllForRequest(ctx context.Context, requestID string) ([]string, error)
}

// RequestStore — минимальный контракт для перевода запроса в used
type RequestStore interface {
	MarkRequestUsed(ctx context.Context, requestID string) error
}

// Cache — best-effort проекция токенов (Redis)
type Cache interface {
	Put(ctx context.Context, secretHash string, entry domain.CachedToken)
	Get(ctx context.Context, secretHash string) (domain.CachedToken, bool)
	Delete(ctx context.Context, secretHash string)
}

type Service struct {
	repo     Repository
	requests RequestStore
	cache    Cache
	auditor  audit.Recorder
	metrics  *infra.Metrics
	logger   *zap.Logger
	cfg      infra.TokenConfig
}

func NewService(
	repo Repository,
	requests RequestStore,
	cache Cache,
	auditor audit.Recorder,
	metrics *infra.Metrics,
	logger *zap.Logger,
	cfg infra.TokenConfig,
) *Service {
	if cfg.SecretBytes <= 0 {
		cfg.SecretBytes = 32
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.MinTTL <= 0 {
		cfg.MinTTL = 30 * time.Second
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 24 * time.Hour
	}

	return &Service{
		repo:     repo,
		requests: requests,
		cache:    cache,
		auditor:  auditor,
		metrics:  metrics,
		logger:   logger.Named("token-service"),
		cfg:      cfg,
	}
}

// Issue выдает токен по одобренному запросу и возвращает plaintext-секрет —
// единственный раз, когда он существует вне памяти вызывающего.
// usesRemaining: 0 -> дефолт 1 (одноразовый); -1 -> безлимит.
// ttl: 0 -> дефолт из конфига; итог клампится в [MinTTL, MaxTTL].
func (s *Service) Issue(ctx context.Context, requestID string, scope map[string]any, usesRemaining int, ttl time.Duration) (string, error) {
	start := time.Now()

	if requestID == "" {
		return "", fmt.Errorf("token: request id is required")
	}
	if usesRemaining < domain.UnlimitedUses {
		return "", fmt.Errorf("token: invalid uses_remaining %d", usesRemaining)
	}
	if usesRemaining == 0 {
		usesRemaining = 1 // Одноразовый по умолчанию
	}

	ttl = s.clampTTL(ttl)

	secret, secretHash, err := s.mintSecret()
	if err != nil {
		return "", fmt.Errorf("token: secret generation failed: %w", err)
	}

	now := time.Now()
	t := &domain.Token{
		ID:            uuid.New().String(),
		RequestID:     requestID,
		SecretHash:    secretHash,
		Scope:         scope,
		UsesRemaining: usesRemaining,
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     now,
	}

	if err := s.repo.CreateToken(ctx, t); err != nil {
		s.observe("issue", "error", start)
		return "", fmt.Errorf("token: persist failed: %w", err)
	}

	// Проекция в Redis — best-effort, TTL равен остатку жизни
	s.cache.Put(ctx, secretHash, domain.CachedToken{
		ID:            t.ID,
		RequestID:     t.RequestID,
		Scope:         t.Scope,
		UsesRemaining: t.UsesRemaining,
		ExpiresAt:     t.ExpiresAt,
	})

	s.auditor.Record(audit.Event{
		RequestID: requestID,
		EventType: audit.EventTokenIssued,
		Details: map[string]any{
			"token_id":       t.ID,
			"uses_remaining": t.UsesRemaining,
			"expires_at":     t.ExpiresAt,
		},
	})

	s.observe("issue", "ok", start)
	s.logger.Info("token issued",
		zap.String("token_id", t.ID),
		zap.String("request_id", requestID),
		zap.Int("uses_remaining", t.UsesRemaining))

	return secret, nil
}

// Verify — неразрушающая проверка: счетчик и статус запроса не меняются.
// Сбой хранилища здесь не фатален: возвращаем invalid с причиной,
// ошибки наружу не отдаем (мутаций не было, терять нечего).
func (s *Service) Verify(ctx context.Context, secret, requestID string) domain.VerifyResult {
	start := time.Now()

	entry, reason, err := s.check(ctx, secret, requestID)
	if err != nil {
		s.observe("verify", "error", start)
		s.logger.Error("verify degraded: token store unavailable", zap.Error(err))
		return domain.VerifyResult{Valid: false, Reason: "token store unavailable"}
	}
	if reason != "" {
		s.rejected(reason)
		s.observe("verify", "rejected", start)
		return domain.VerifyResult{Valid: false, Reason: reason}
	}

	s.observe("verify", "ok", start)
	return domain.VerifyResult{
		Valid:         true,
		Scope:         entry.Scope,
		UsesRemaining: entry.UsesRemaining,
		ExpiresAt:     &entry.ExpiresAt,
	}
}

// Consume списывает одно использование. Счетчик в БД авторитетен:
// списание — один условный UPDATE, кэшу не доверяем. При новом значении 0
// запрос переводится в used, проекция удаляется; при положительном —
// проекция перезаписывается с пересчитанным TTL.
func (s *Service) Consume(ctx context.Context, secret, requestID string, actionDetails map[string]any) (domain.ConsumeResult, error) {
	start := time.Now()

	entry, reason, err := s.check(ctx, secret, requestID)
	if err != nil {
		s.observe("consume", "error", start)
		return domain.ConsumeResult{}, fmt.Errorf("token: consume precheck failed: %w", err)
	}
	if reason != "" {
		s.rejected(reason)
		s.observe("consume", "rejected", start)
		return domain.ConsumeResult{Success: false, UsesRemaining: 0, Reason: reason}, nil
	}

	newUses, err := s.repo.ConsumeUse(ctx, entry.ID)
	if err != nil {
		if errors.Is(err, ErrNoUsableUses) {
			// Гонка: другой вызов успел списать последнее использование
			// (или токен отозвали/он истек между проверкой и списанием)
			s.rejected(domain.ReasonConsumed)
			s.observe("consume", "rejected", start)
			return domain.ConsumeResult{Success: false, UsesRemaining: 0, Reason: domain.ReasonConsumed}, nil
		}
		s.observe("consume", "error", start)
		return domain.ConsumeResult{}, fmt.Errorf("token: consume failed: %w", err)
	}

	secretHash := hashSecret(secret)
	switch {
	case newUses == 0:
		// Терминал: запрос исчерпан, из кэша токен больше не отдается
		if err := s.requests.MarkRequestUsed(ctx, entry.RequestID); err != nil {
			s.logger.Error("failed to mark request used",
				zap.String("request_id", entry.RequestID), zap.Error(err))
		}
		s.cache.Delete(ctx, secretHash)
	case newUses > 0:
		// Перезапись проекции с новым счетчиком; Put сам пропустит
		// запись при неположительном остатке TTL
		entry.UsesRemaining = newUses
		s.cache.Put(ctx, secretHash, entry)
	}
	// newUses == -1 (безлимит): счетчик не менялся, проекция актуальна

	s.auditor.Record(audit.Event{
		RequestID: entry.RequestID,
		EventType: audit.EventTokenConsumed,
		Details: map[string]any{
			"token_id":       entry.ID,
			"uses_remaining": newUses,
			"action_details": actionDetails,
		},
	})

	s.observe("consume", "ok", start)
	return domain.ConsumeResult{Success: true, UsesRemaining: newUses}, nil
}

// Revoke помечает токен отозванным и чистит проекцию.
// По контракту не возвращает ошибку: сбой БД — это false.
func (s *Service) Revoke(ctx context.Context, secret, requestID string) bool {
	start := time.Now()
	secretHash := hashSecret(secret)

	t, err := s.repo.GetTokenBySecretHash(ctx, secretHash)
	if err != nil || t == nil {
		s.observe("revoke", "rejected", start)
		return false
	}
	if t.RequestID != requestID || t.RevokedAt != nil {
		s.observe("revoke", "rejected", start)
		return false
	}

	if err := s.repo.RevokeToken(ctx, t.ID); err != nil {
		s.logger.Error("token revoke failed", zap.String("token_id", t.ID), zap.Error(err))
		s.observe("revoke", "error", start)
		return false
	}
	s.cache.Delete(ctx, secretHash)

	s.auditor.Record(audit.Event{
		RequestID: requestID,
		EventType: audit.EventTokenRevoked,
		Details:   map[string]any{"token_id": t.ID},
	})

	s.observe("revoke", "ok", start)
	return true
}

// RevokeAllForRequest отзывает все живые токены запроса.
// Запрос без токенов — no-op, не ошибка.
func (s *Service) RevokeAllForRequest(ctx context.Context, requestID string) error {
	hashes, err := s.repo.RevokeAllForRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("token: bulk revoke failed: %w", err)
	}

	for _, h := range hashes {
		s.cache.Delete(ctx, h)
	}

	if len(hashes) > 0 {
		s.auditor.Record(audit.Event{
			RequestID: requestID,
			EventType: audit.EventTokenRevoked,
			Details:   map[string]any{"revoked_count": len(hashes)},
		})
	}
	return nil
}

// check — общая валидация verify/consume: кэш, затем БД.
// Возвращает проекцию при валидном токене, reason при ожидаемом отказе,
// error при сбое хранилища. Три проверки одни и те же на обоих путях:
// принадлежность запросу, срок, остаток использований.
func (s *Service) check(ctx context.Context, secret, requestID string) (domain.CachedToken, string, error) {
	secretHash := hashSecret(secret)

	if entry, ok := s.cache.Get(ctx, secretHash); ok {
		s.cacheLookup("hit")
		return entry, validate(entry, requestID), nil
	}
	s.cacheLookup("miss")

	t, err := s.repo.GetTokenBySecretHash(ctx, secretHash)
	if err != nil {
		return domain.CachedToken{}, "", err
	}
	if t == nil {
		return domain.CachedToken{}, domain.ReasonNotFound, nil
	}
	if t.RevokedAt != nil {
		// Отзыв репортим отдельной причиной: для наблюдаемости терминальные
		// состояния различимы, хотя для вызывающего все они «токен не работает»
		return domain.CachedToken{}, domain.ReasonRevoked, nil
	}

	entry := domain.CachedToken{
		ID:            t.ID,
		RequestID:     t.RequestID,
		Scope:         t.Scope,
		UsesRemaining: t.UsesRemaining,
		ExpiresAt:     t.ExpiresAt,
	}
	return entry, validate(entry, requestID), nil
}

// validate применяет три обязательные проверки к проекции
func validate(entry domain.CachedToken, requestID string) string {
	if entry.RequestID != requestID {
		return domain.ReasonMismatch
	}
	if time.Now().After(entry.ExpiresAt) {
		return domain.ReasonExpired
	}
	if entry.UsesRemaining == 0 {
		return domain.ReasonConsumed
	}
	return ""
}

func (s *Service) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl < s.cfg.MinTTL {
		return s.cfg.MinTTL
	}
	if ttl > s.cfg.MaxTTL {
		return s.cfg.MaxTTL
	}
	return ttl
}

// mintSecret генерирует криптослучайный секрет и его SHA-256 дайджест
func (s *Service) mintSecret() (secret, secretHash string, err error) {
	buf := make([]byte, s.cfg.SecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	secret = base64.RawURLEncoding.EncodeToString(buf)
	return secret, hashSecret(secret), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func (s *Service) observe(op, outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.TokenOpDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	}
}

func (s *Service) rejected(reason string) {
	if s.metrics != nil {
		s.metrics.TokenRejections.WithLabelValues(reason).Inc()
	}
}

func (s *Service) cacheLookup(result string) {
	if s.metrics != nil {
		s.metrics.TokenCacheLookups.WithLabelValues(result).Inc()
	}
}
