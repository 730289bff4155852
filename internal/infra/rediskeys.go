package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "permgate"
)

// Ключи данных
const (
	// RedisKeyTokenPrefix — префикс проекций токенов; полный ключ
	// строится от SHA-256 хэша секрета через TokenKey()
	RedisKeyTokenPrefix = RedisNamespace + ":token:"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanPolicyUpdate — широковещательный сигнал об изменении политик.
	// Все инстансы сбрасывают кэш соответствующего принципала.
	RedisChanPolicyUpdate = RedisNamespace + ":policies:update"

	// RedisChanDecisionPrefix — префикс персональных каналов «пробуждения»:
	// по одному на ожидающий запрос, payload — финальный статус
	RedisChanDecisionPrefix = RedisNamespace + ":decisions:request:"
)

// TokenKey строит ключ кэш-проекции токена по хэшу секрета
func TokenKey(secretHash string) string {
	return RedisKeyTokenPrefix + secretHash
}

// DecisionChannel строит имя канала решения для конкретного запроса
func DecisionChannel(requestID string) string {
	return fmt.Sprintf("%s%s", RedisChanDecisionPrefix, requestID)
}
