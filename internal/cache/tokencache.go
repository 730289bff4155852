package cache

/*
Файл tokencache.go — проекция токенов в Redis для Hot Path verify/consume.

Кэш best-effort: любая ошибка Redis деградирует в промах, а промах — в поход
в Postgres. Данные в кэше всегда восстановимы из БД; пользователю недоступность
Redis видна только как задержка, никогда как ошибка.
*/

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/permgate/internal/domain"
	"github.com/xela07ax/permgate/internal/infra"
	"go.uber.org/zap"
)

type TokenCache struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewTokenCache(rdb *redis.Client, logger *zap.Logger) *TokenCache {
	return &TokenCache{
		rdb:    rdb,
		logger: logger.Named("token-cache"),
	}
}

// Put записывает проекцию с TTL, ограниченным остатком жизни токена.
// Неположительный TTL — запись пропускается: нельзя положить в Redis
// запись, которая переживет сам токен.
func (c *TokenCache) Put(ctx context.Context, secretHash string, entry domain.CachedToken) {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Error("failed to marshal token projection", zap.Error(err))
		return
	}

	if err := c.rdb.Set(ctx, infra.TokenKey(secretHash), data, ttl).Err(); err != nil {
		// Best-effort: БД остается источником правды
		c.logger.Warn("token projection write failed", zap.Error(err))
	}
}

// Get возвращает проекцию и признак попадания. Ошибка Redis = промах.
func (c *TokenCache) Get(ctx context.Context, secretHash string) (domain.CachedToken, bool) {
	data, err := c.rdb.Get(ctx, infra.TokenKey(secretHash)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("token projection read failed", zap.Error(err))
		}
		return domain.CachedToken{}, false
	}

	var entry domain.CachedToken
	if err := json.Unmarshal(data, &entry); err != nil {
		// Битую запись убираем, чтобы не спотыкаться о нее повторно
		c.logger.Error("corrupt token projection, dropping", zap.Error(err))
		c.Delete(ctx, secretHash)
		return domain.CachedToken{}, false
	}
	return entry, true
}

// Delete удаляет проекцию (исчерпание, отзыв)
func (c *TokenCache) Delete(ctx context.Context, secretHash string) {
	if err := c.rdb.Del(ctx, infra.TokenKey(secretHash)).Err(); err != nil {
		c.logger.Warn("token projection delete failed", zap.Error(err))
	}
}
