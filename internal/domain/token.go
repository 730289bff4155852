package domain

import "time"

// UnlimitedUses — сентинел «безлимитный токен» в счетчике uses_remaining
const UnlimitedUses = -1

// Token — эфемерный capability-артефакт, выданный по одобренному запросу.
// Plaintext-секрет не хранится нигде: в БД лежит только его SHA-256 дайджест.
type Token struct {
	ID         string         `json:"id"`
	RequestID  string         `json:"request_id"`
	SecretHash string         `json:"-"` // Никогда не отдаем наружу
	Scope      map[string]any `json:"scope"`

	// UsesRemaining >= 0 — сколько списаний осталось; -1 — безлимит.
	// Ровно 0 — терминальное состояние, запрос переводится в used.
	UsesRemaining int `json:"uses_remaining"`

	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// CachedToken — денормализованная проекция токена в Redis, ключ — хэш секрета.
// TTL записи никогда не превышает остаток жизни токена; источник правды — БД.
type CachedToken struct {
	ID            string         `json:"id"`
	RequestID     string         `json:"request_id"`
	Scope         map[string]any `json:"scope"`
	UsesRemaining int            `json:"uses_remaining"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// Причины отказа: ожидаемые негативные исходы моделируются строками,
// а не ошибками — истечение и исчерпание это штатные состояния.
const (
	ReasonNotFound      = "token not found"
	ReasonExpired       = "token expired"
	ReasonConsumed      = "token fully consumed"
	ReasonRevoked       = "token revoked"
	ReasonMismatch      = "token does not match request" // ИБ-значимо: отдельная причина для аудита
	ReasonNoMatchPolicy = "no matching policy"
)

// VerifyResult — результат неразрушающей проверки токена
type VerifyResult struct {
	Valid         bool           `json:"valid"`
	Scope         map[string]any `json:"scope,omitempty"`
	UsesRemaining int            `json:"uses_remaining,omitempty"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

// ConsumeResult — результат списания одного использования
type ConsumeResult struct {
	Success       bool   `json:"success"`
	UsesRemaining int    `json:"uses_remaining"`
	Reason        string `json:"reason,omitempty"`
}
