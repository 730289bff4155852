package postgres

/*
Файл policy_repo.go отвечает за хранение и поставку правил принятия решений.
Policy Engine читает отсюда только активные политики; CRUD доступен
принципалу через консольные хендлеры.
*/

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/permgate/internal/domain"
)

// GetActivePolicies возвращает активные политики принципала в порядке
// вычисления: priority DESC, при равенстве — id ASC. Tie-break закреплен
// здесь, чтобы движок не зависел от недокументированного порядка строк.
func (s *Store) GetActivePolicies(ctx context.Context, principalID string) ([]domain.Policy, error) {
	query := `
		SELECT id, principal_id, agent_id, name, priority, conditions, action, scope_template, is_active, created_at, updated_at
		FROM policies
		WHERE principal_id = $1 AND is_active = TRUE
		ORDER BY priority DESC, id ASC`

	rows, err := s.pool.Query(ctx, query, principalID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query policies: %w", err)
	}
	defer rows.Close()

	var results []domain.Policy
	for rows.Next() {
		var p domain.Policy
		if err := rows.Scan(
			&p.ID, &p.PrincipalID, &p.AgentID, &p.Name, &p.Priority,
			&p.Conditions, &p.Action, &p.ScopeTemplate, &p.IsActive,
			&p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan policy: %w", err)
		}
		results = append(results, p)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

func (s *Store) GetPolicyByID(ctx context.Context, id string) (*domain.Policy, error) {
	query := `
		SELECT id, principal_id, agent_id, name, priority, conditions, action, scope_template, is_active, created_at, updated_at
		FROM policies
		WHERE id = $1`

	p := &domain.Policy{}
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.PrincipalID, &p.AgentID, &p.Name, &p.Priority,
		&p.Conditions, &p.Action, &p.ScopeTemplate, &p.IsActive,
		&p.CreatedAt, &p.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil // Возвращаем nil для 404 в хендлере
		}
		return nil, err
	}
	return p, nil
}

// ListPolicies — все политики принципала для консоли (включая неактивные)
func (s *Store) ListPolicies(ctx context.Context, principalID string) ([]domain.Policy, error) {
	query := `
		SELECT id, principal_id, agent_id, name, priority, conditions, action, scope_template, is_active, created_at, updated_at
		FROM policies
		WHERE principal_id = $1
		ORDER BY priority DESC, id ASC`

	rows, err := s.pool.Query(ctx, query, principalID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list policies: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	results := make([]domain.Policy, 0)
	for rows.Next() {
		var p domain.Policy
		if err := rows.Scan(
			&p.ID, &p.PrincipalID, &p.AgentID, &p.Name, &p.Priority,
			&p.Conditions, &p.Action, &p.ScopeTemplate, &p.IsActive,
			&p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan policy: %w", err)
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

// CreatePolicy создает новую запись; id генерирует база
func (s *Store) CreatePolicy(ctx context.Context, p *domain.Policy) error {
	query := `
		INSERT INTO policies (id, principal_id, agent_id, name, priority, conditions, action, scope_template, is_active)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`

	err := s.pool.QueryRow(ctx, query,
		p.PrincipalID, p.AgentID, p.Name, p.Priority,
		p.Conditions, p.Action, p.ScopeTemplate, p.IsActive,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create policy: %w", err)
	}
	return nil
}

// UpdatePolicy обновляет условия, приоритет или эффект существующей политики.
// Политика чужого принципала не трогается (WHERE по обоим ключам).
func (s *Store) UpdatePolicy(ctx context.Context, p *domain.Policy) error {
	query := `
		UPDATE policies
		SET name = $1, priority = $2, conditions = $3, action = $4, scope_template = $5, is_active = $6, updated_at = NOW()
		WHERE id = $7 AND principal_id = $8`

	ct, err := s.pool.Exec(ctx, query,
		p.Name, p.Priority, p.Conditions, p.Action, p.ScopeTemplate, p.IsActive,
		p.ID, p.PrincipalID,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to update policy: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: policy not found")
	}
	return nil
}

// DeletePolicy удаляет политику по ID
func (s *Store) DeletePolicy(ctx context.Context, principalID, id string) error {
	query := `DELETE FROM policies WHERE id = $1 AND principal_id = $2`

	ct, err := s.pool.Exec(ctx, query, id, principalID)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete policy: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: policy not found")
	}
	return nil
}
