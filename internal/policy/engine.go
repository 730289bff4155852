package policy

/*
Файл engine.go — Policy Engine, сердце принятия решений.

Алгоритм: активные политики принципала, отсортированные по приоритету
(DESC, при равенстве id ASC), фильтруются по агенту и проверяются по
порядку; побеждает первая совпавшая. Совпадение — все условия политики
выполнены Condition Matcher'ом против сплющенного запроса.

Fail-safe: отсутствие совпадений и ошибка хранилища дают require_approval.
Движок никогда не «тихо разрешает» при собственном сбое и никогда не
возвращает ошибку для корректно сформированного запроса.
*/

import (
	"context"
	"fmt"

	"github.com/xela07ax/permgate/internal/domain"
	"go.uber.org/zap"
)

// Store описывает требования движка к поставщику политик.
// Контракт сортировки: priority DESC, id ASC — tie-break закреплен
// на уровне хранилища, движок лишь полагается на порядок.
type Store interface {
	GetActivePolicies(ctx context.Context, principalID string) ([]domain.Policy, error)
}

type Engine struct {
	store  Store
	logger *zap.Logger
}

func NewEngine(store Store, logger *zap.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger.Named("policy-engine"),
	}
}

// Evaluate принимает решение по запросу агента от имени принципала.
// Не возвращает ошибку: сбой хранилища деградирует в require_approval.
func (e *Engine) Evaluate(ctx context.Context, principalID string, req EvalRequest) domain.Decision {
	policies, err := e.store.GetActivePolicies(ctx, principalID)
	if err != nil {
		// Деградация в сторону человека, а не в сторону auto_approve
		e.logger.Error("policy fetch failed, falling back to manual approval",
			zap.String("principal_id", principalID),
			zap.Error(err))
		return domain.Decision{
			Action: domain.ActionRequireApproval,
			Reason: "policy store unavailable, manual approval required",
		}
	}

	for i := range policies {
		p := &policies[i]
		if !p.AppliesTo(req.AgentID) {
			continue
		}
		if !e.matches(p, req) {
			continue
		}

		// Первая совпавшая политика — финальное решение
		decision := domain.Decision{
			Policy: p,
			Action: p.Action,
			Scope:  req.Scope,
			Reason: fmt.Sprintf("matched policy %q", p.Name),
		}
		if p.Action == domain.ActionAutoApprove && p.ScopeTemplate != nil {
			decision.Scope = MergeScope(req.Scope, p.ScopeTemplate)
		}

		e.logger.Debug("policy matched",
			zap.String("policy_id", p.ID),
			zap.String("agent_id", req.AgentID),
			zap.String("action", string(p.Action)))
		return decision
	}

	// Ничего не совпало — по умолчанию зовем человека
	return domain.Decision{
		Action: domain.ActionRequireApproval,
		Reason: domain.ReasonNoMatchPolicy,
	}
}

// matches: политика совпадает, если каждое ее условие выполнено.
// Пустая мапа условий совпадает всегда (правило "по умолчанию").
func (e *Engine) matches(p *domain.Policy, req EvalRequest) bool {
	for path, cond := range p.Conditions {
		if !Match(resolveField(req, path), cond) {
			return false
		}
	}
	return true
}
