package audit

import "time"

// Типы событий аудита
const (
	EventDecision      = "decision"       // Результат Policy Engine
	EventTokenIssued   = "token_issued"   // Выдача capability-токена
	EventTokenConsumed = "token_consumed" // Списание использования
	EventTokenRevoked  = "token_revoked"  // Явный отзыв
	EventRequestStatus = "request_status" // Переход статуса запроса (approved/denied/expired/used)
)

type Event struct {
	ID          string         `json:"id"`                     // UUID события
	PrincipalID string         `json:"principal_id,omitempty"` // Чьи политики/токены
	AgentID     string         `json:"agent_id,omitempty"`     // Кто делал
	RequestID   string         `json:"request_id,omitempty"`   // Какой запрос затронут
	EventType   string         `json:"event_type"`             // Что произошло
	Details     map[string]any `json:"details"`                // Контекст события

	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
