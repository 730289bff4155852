package postgres

/*
Файл request_repo.go — хранение PermissionRequest, включая механизм
Human-in-the-loop: атомарный перевод pending-запроса в финальный статус
условным UPDATE (защита от Double Decision).
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/permgate/internal/domain"
)


func (s *Store) CreateRequest(ctx context.Context, r *domain.PermissionRequest) error {
	query := `
		INSERT INTO permission_requests
			(id, principal_id, agent_id, action, resource, scope, context, status,
			 policy_id, decision_reason, decided_by, decided_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at`

	var decidedBy *string
	if r.DecidedBy != "" {
		v := string(r.DecidedBy)
		decidedBy = &v
	}

	err := s.pool.QueryRow(ctx, query,
		r.ID, r.PrincipalID, r.AgentID, r.Action, r.Resource, r.Scope, r.Context,
		r.Status, r.PolicyID, r.DecisionReason, decidedBy, r.DecidedAt, r.ExpiresAt,
	).Scan(&r.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create permission request: %w", err)
	}
	return nil
}

func (s *Store) GetRequestByID(ctx context.Context, id string) (*domain.PermissionRequest, error) {
	query := `
		SELECT id, principal_id, agent_id, action, resource, scope, context, status,
		       policy_id, decision_reason, COALESCE(decided_by, ''), decided_at, expires_at, created_at
		FROM permission_requests
		WHERE id = $1`

	r := &domain.PermissionRequest{}
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.PrincipalID, &r.AgentID, &r.Action, &r.Resource, &r.Scope, &r.Context,
		&r.Status, &r.PolicyID, &r.DecisionReason, &r.DecidedBy, &r.DecidedAt,
		&r.ExpiresAt, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to fetch request: %w", err)
	}
	return r, nil
}

// FindRequests — очередь запросов принципала для консоли (Decision Queue)
func (s *Store) FindRequests(ctx context.Context, principalID string, status domain.RequestStatus) ([]*domain.PermissionRequest, error) {
	query := `
		SELECT id, principal_id, agent_id, action, resource, scope, context, status,
		       policy_id, decision_reason, COALESCE(decided_by, ''), decided_at, expires_at, created_at
		FROM permission_requests
		WHERE principal_id = $1`

	args := []interface{}{principalID}
	if status != "" {
		query += " AND status = $2"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC LIMIT 100"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query requests: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.PermissionRequest, 0)
	for rows.Next() {
		r := &domain.PermissionRequest{}
		if err := rows.Scan(
			&r.ID, &r.PrincipalID, &r.AgentID, &r.Action, &r.Resource, &r.Scope, &r.Context,
			&r.Status, &r.PolicyID, &r.DecisionReason, &r.DecidedBy, &r.DecidedAt,
			&r.ExpiresAt, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan request: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// DecideRequest атомарно переводит pending-запрос в финальный статус.
// Условие WHERE status = 'pending' исключает Double Decision: поля решения
// после первого перехода неизменяемы. Возвращает обновленный запрос.
func (s *Store) DecideRequest(
	ctx context.Context,
	id string,
	status domain.RequestStatus,
	origin domain.DecisionOrigin,
	reason string,
	policyID *string,
) (*domain.PermissionRequest, error) {
	query := `
		UPDATE permission_requests
		SET status = $1,
		    decided_by = $2,
		    decision_reason = $3,
		    policy_id = COALESCE($4, policy_id),
		    decided_at = NOW()
		WHERE id = $5 AND status = 'pending'
		RETURNING id, principal_id, agent_id, action, resource, scope, context, status,
		          policy_id, decision_reason, COALESCE(decided_by, ''), decided_at, expires_at, created_at`

	r := &domain.PermissionRequest{}
	err := s.pool.QueryRow(ctx, query, status, origin, reason, policyID, id).Scan(
		&r.ID, &r.PrincipalID, &r.AgentID, &r.Action, &r.Resource, &r.Scope, &r.Context,
		&r.Status, &r.PolicyID, &r.DecisionReason, &r.DecidedBy, &r.DecidedAt,
		&r.ExpiresAt, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Либо id неверный, либо решение уже принято ранее
			return nil, domain.ErrAlreadyDecided
		}
		return nil, fmt.Errorf("postgres: failed to decide request: %w", err)
	}
	return r, nil
}

// MarkRequestUsed — терминальный переход approved -> used при исчерпании токена
func (s *Store) MarkRequestUsed(ctx context.Context, id string) error {
	query := `
		UPDATE permission_requests
		SET status = 'used'
		WHERE id = $1 AND status = 'approved'`

	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("postgres: failed to mark request used: %w", err)
	}
	// Ноль строк — не ошибка: конкурентный consume мог успеть раньше
	return nil
}

// ExpireOverdueRequests переводит протухшие pending-запросы в expired.
// Вызывается лениво брокером; возвращает id затронутых запросов,
// чтобы отозвать их токены.
func (s *Store) ExpireOverdueRequests(ctx context.Context, now time.Time) ([]string, error) {
	query := `
		UPDATE permission_requests
		SET status = 'expired', decided_by = 'timeout', decision_reason = 'approval wait timed out', decided_at = NOW()
		WHERE status = 'pending' AND expires_at <= $1
		RETURNING id`

	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to expire requests: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan expired request id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
