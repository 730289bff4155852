package domain

import (
	"errors"
	"time"
)

// Статусы State Machine запроса разрешения
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
	RequestExpired  RequestStatus = "expired"
	RequestUsed     RequestStatus = "used" // Все выданные токены исчерпаны
)

// DecisionOrigin фиксирует, кто принял решение (для аудита и подотчетности)
type DecisionOrigin string

const (
	DecidedByAuto    DecisionOrigin = "auto"    // Policy Engine
	DecidedByUser    DecisionOrigin = "user"    // Принципал через approval callback
	DecidedByTimeout DecisionOrigin = "timeout" // Истек срок ожидания решения
)

var (
	ErrInvalidTransition = errors.New("invalid request status transition")
	ErrAlreadyDecided    = errors.New("permission request already decided")
)

// PermissionRequest — один жизненный цикл решения: от входящего запроса агента
// до терминального статуса. Поля решения после выхода из pending неизменяемы.
type PermissionRequest struct {
	ID          string         `json:"id"`
	PrincipalID string         `json:"principal_id"` // Владелец агента, он же адресат HITL-уведомления
	AgentID     string         `json:"agent_id"`
	Action      string         `json:"action"`             // Что агент хочет сделать, e.g. "file.read"
	Resource    *string        `json:"resource,omitempty"` // Над чем, e.g. "s3://bucket/key"
	Scope       map[string]any `json:"scope"`
	Context     map[string]any `json:"context"`

	Status RequestStatus `json:"status"`

	// Решение (заполняется один раз)
	PolicyID       *string        `json:"policy_id,omitempty"` // Какая политика решила
	DecisionReason string         `json:"decision_reason,omitempty"`
	DecidedBy      DecisionOrigin `json:"decided_by,omitempty"`
	DecidedAt      *time.Time     `json:"decided_at,omitempty"`

	ExpiresAt time.Time `json:"expires_at"` // Дедлайн ожидания решения человека
	CreatedAt time.Time `json:"created_at"`
}

// CanTransitionTo проверяет правила конечного автомата:
// pending -> {approved, denied, expired}; approved -> used.
func (r *PermissionRequest) CanTransitionTo(next RequestStatus) error {
	switch r.Status {
	case RequestPending:
		if next == RequestApproved || next == RequestDenied || next == RequestExpired {
			return nil
		}
	case RequestApproved:
		if next == RequestUsed {
			return nil
		}
		return ErrAlreadyDecided
	default:
		return ErrAlreadyDecided
	}
	return ErrInvalidTransition
}
