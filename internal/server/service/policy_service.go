package service

import (
	"context"
	"fmt"
	"regexp"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/permgate/internal/domain"
	"github.com/xela07ax/permgate/internal/infra"
)

// PolicyRepository описывает требования сервиса к хранилищу политик
type PolicyRepository interface {
	GetPolicyByID(ctx context.Context, id string) (*domain.Policy, error)
	ListPolicies(ctx context.Context, principalID string) ([]domain.Policy, error)
	CreatePolicy(ctx context.Context, p *domain.Policy) error
	UpdatePolicy(ctx context.Context, p *domain.Policy) error
	DeletePolicy(ctx context.Context, principalID, id string) error
}

type PolicyService struct {
	repo          PolicyRepository
	rdb           *redis.Client
	maxPatternLen int
}

func NewPolicyService(repo PolicyRepository, rdb *redis.Client, maxPatternLen int) *PolicyService {
	if maxPatternLen <= 0 {
		maxPatternLen = 256
	}
	return &PolicyService{
		repo:          repo,
		rdb:           rdb,
		maxPatternLen: maxPatternLen,
	}
}

func (s *PolicyService) GetByID(ctx context.Context, principalID, id string) (*domain.Policy, error) {
	p, err := s.repo.GetPolicyByID(ctx, id)
	if err != nil || p == nil {
		return p, err
	}
	// Чужая политика для вызывающего не существует
	if p.PrincipalID != principalID {
		return nil, nil
	}
	return p, nil
}

// GetAll возвращает все политики принципала (включая неактивные)
func (s *PolicyService) GetAll(ctx context.Context, principalID string) ([]domain.Policy, error) {
	return s.repo.ListPolicies(ctx, principalID)
}

// Create валидирует и сохраняет политику, затем уведомляет кэши об обновлении
func (s *PolicyService) Create(ctx context.Context, p *domain.Policy) error {
	if err := s.validate(p); err != nil {
		return err
	}
	if err := s.repo.CreatePolicy(ctx, p); err != nil {
		return err
	}
	return s.notifyUpdate(ctx, p.PrincipalID)
}

// Update обновляет политику и инициирует инвалидацию кэша
func (s *PolicyService) Update(ctx context.Context, p *domain.Policy) error {
	if err := s.validate(p); err != nil {
		return err
	}
	if err := s.repo.UpdatePolicy(ctx, p); err != nil {
		return err
	}
	return s.notifyUpdate(ctx, p.PrincipalID)
}

// Delete удаляет политику
func (s *PolicyService) Delete(ctx context.Context, principalID, id string) error {
	if err := s.repo.DeletePolicy(ctx, principalID, id); err != nil {
		return err
	}
	return s.notifyUpdate(ctx, principalID)
}

// validate отсекает кривые политики на записи: движок на runtime
// невалидный regex молча трактует как несовпадение, поэтому единственное
// место, где автор политики узнает об ошибке — здесь.
func (s *PolicyService) validate(p *domain.Policy) error {
	switch p.Action {
	case domain.ActionAutoApprove, domain.ActionRequireApproval, domain.ActionDeny:
	default:
		return fmt.Errorf("unknown policy action: %q", p.Action)
	}

	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}

	for field, cond := range p.Conditions {
		if cond.Matches == nil {
			continue
		}
		if len(*cond.Matches) > s.maxPatternLen {
			return fmt.Errorf("condition %q: pattern exceeds %d characters", field, s.maxPatternLen)
		}
		if _, err := regexp.Compile(*cond.Matches); err != nil {
			return fmt.Errorf("condition %q: invalid regex: %w", field, err)
		}
	}
	return nil
}

// notifyUpdate отправляет сигнал в Redis. Все инстансы, подписанные на
// канал, сбросят кэш политик этого принципала.
func (s *PolicyService) notifyUpdate(ctx context.Context, principalID string) error {
	return s.rdb.Publish(ctx, infra.RedisChanPolicyUpdate, principalID).Err()
}
