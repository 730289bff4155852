package policy

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/permgate/internal/domain"
	"github.com/xela07ax/permgate/internal/infra"
	"go.uber.org/zap"
)

// CachedStore — read-through кэш политик поверх Postgres.
// Hot path Evaluate() не должен ходить в БД на каждый запрос агента:
// списки политик принципалов живут в потокобезопасной мапе и
// инвалидируются сигналом из Redis при изменении через консоль.
type CachedStore struct {
	mu sync.RWMutex
	// Кэш: principal_id -> отсортированный список активных политик
	byPrincipal map[string][]domain.Policy

	next   Store // Источник правды (Postgres), используется при промахе
	rdb    *redis.Client
	logger *zap.Logger
}

func NewCachedStore(next Store, rdb *redis.Client, logger *zap.Logger) *CachedStore {
	return &CachedStore{
		byPrincipal: make(map[string][]domain.Policy),
		next:        next,
		rdb:         rdb,
		logger:      logger.Named("policy-cache"),
	}
}

// GetActivePolicies отдает политики из RAM, при промахе — из БД.
// Порядок (priority DESC, id ASC) обеспечен нижележащим хранилищем
// и сохраняется в кэше как есть.
func (c *CachedStore) GetActivePolicies(ctx context.Context, principalID string) ([]domain.Policy, error) {
	c.mu.RLock()
	cached, ok := c.byPrincipal[principalID]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	policies, err := c.next.GetActivePolicies(ctx, principalID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.byPrincipal[principalID] = policies
	c.mu.Unlock()
	return policies, nil
}

// Invalidate сбрасывает кэш одного принципала (или весь при пустом id)
func (c *CachedStore) Invalidate(principalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if principalID == "" {
		c.byPrincipal = make(map[string][]domain.Policy)
		return
	}
	delete(c.byPrincipal, principalID)
}

// StartListener подписывается на сигналы обновления политик в реальном времени.
// Payload сигнала — principal_id измененной политики ("*" для полного сброса).
func (c *CachedStore) StartListener(ctx context.Context) {
	infra.ListenSignals(ctx, c.rdb, c.logger, infra.RedisChanPolicyUpdate,
		func() error {
			// При переподключении могли быть пропущены сигналы — сброс целиком
			c.Invalidate("")
			return nil
		},
		func(payload string) {
			if payload == "*" {
				c.Invalidate("")
				return
			}
			c.Invalidate(payload)
			c.logger.Debug("policy cache invalidated", zap.String("principal_id", payload))
		},
	)
}
