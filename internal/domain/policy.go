package domain

import (
	"time"
)

// PolicyAction определяет, что делать с запросом разрешения
type PolicyAction string

const (
	ActionAutoApprove     PolicyAction = "auto_approve"     // Выдать токен без участия человека
	ActionRequireApproval PolicyAction = "require_approval" // Human-in-the-loop: ждем решения владельца
	ActionDeny            PolicyAction = "deny"             // Жесткий запрет
)

// Condition — предикат по одному полю запроса.
// Все заданные операторы объединяются через AND: совпадение есть,
// только если выполнены все. Пустая структура совпадает всегда.
type Condition struct {
	Equals    any `json:"equals,omitempty"`
	NotEquals any `json:"not_equals,omitempty"`

	// Числовые сравнения: значение должно быть числом, иначе условие не выполнено
	LessThan           *float64 `json:"less_than,omitempty"`
	GreaterThan        *float64 `json:"greater_than,omitempty"`
	LessThanOrEqual    *float64 `json:"less_than_or_equal,omitempty"`
	GreaterThanOrEqual *float64 `json:"greater_than_or_equal,omitempty"`

	// Строковые операторы: значение должно быть строкой
	StartsWith *string `json:"starts_with,omitempty"`
	EndsWith   *string `json:"ends_with,omitempty"`
	Contains   *string `json:"contains,omitempty"`
	Matches    *string `json:"matches,omitempty"` // Регулярное выражение (валидируется при записи политики)

	// Проверка членства в литеральном множестве строк/чисел
	In    []any `json:"in,omitempty"`
	NotIn []any `json:"not_in,omitempty"`

	// Exists сравнивает заданный флаг с фактом наличия значения (defined и не null)
	Exists *bool `json:"exists,omitempty"`
}

// Policy Правило принятия решения, принадлежащее принципалу.
// AgentID == nil означает «для всех агентов этого принципала».
type Policy struct {
	ID          string  `json:"id"`
	PrincipalID string  `json:"principal_id"`
	AgentID     *string `json:"agent_id,omitempty"`
	Name        string  `json:"name"`

	// Приоритет: выше — проверяется раньше. При равенстве — по id ASC (детерминизм)
	Priority int `json:"priority"`

	// Conditions: путь поля ("action", "scope.amount", "context.env") -> предикат.
	// Пустая мапа совпадает с любым запросом (правило "по умолчанию").
	Conditions map[string]Condition `json:"conditions"`

	Action PolicyAction `json:"action"`

	// ScopeTemplate при auto_approve сужает/дополняет scope запроса (шаблон главнее)
	ScopeTemplate map[string]any `json:"scope_template,omitempty"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppliesTo проверяет, распространяется ли политика на агента
func (p *Policy) AppliesTo(agentID string) bool {
	return p.AgentID == nil || *p.AgentID == agentID
}

// Decision — результат работы Policy Engine
type Decision struct {
	Policy *Policy        `json:"policy,omitempty"`
	Action PolicyAction   `json:"action"`
	Scope  map[string]any `json:"scope,omitempty"`
	Reason string         `json:"reason"`
}
