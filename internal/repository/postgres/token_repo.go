package postgres

/*
Файл token_repo.go — хранение capability-токенов.

Центральный метод — ConsumeUse: списание использования выполняется одним
условным UPDATE с RETURNING. Чтение счетчика и запись нового значения
происходят в одном атомарном проходе на стороне базы, поэтому два
конкурентных consume при uses_remaining = 1 не могут оба увидеть успех:
проигравший не пройдет условие uses_remaining <> 0 и получит ноль строк.
*/

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/permgate/internal/domain"
	"github.com/xela07ax/permgate/internal/token"
)

func (s *Store) CreateToken(ctx context.Context, t *domain.Token) error {
	query := `
		INSERT INTO tokens (id, request_id, secret_hash, scope, uses_remaining, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	err := s.pool.QueryRow(ctx, query,
		t.ID, t.RequestID, t.SecretHash, t.Scope, t.UsesRemaining, t.ExpiresAt,
	).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create token: %w", err)
	}
	return nil
}

// GetTokenBySecretHash возвращает строку целиком, включая отозванные:
// сервис различает «не найден» и «отозван» отдельными причинами отказа
func (s *Store) GetTokenBySecretHash(ctx context.Context, secretHash string) (*domain.Token, error) {
	query := `
		SELECT id, request_id, secret_hash, scope, uses_remaining, expires_at, used_at, revoked_at, created_at
		FROM tokens
		WHERE secret_hash = $1`

	t := &domain.Token{}
	err := s.pool.QueryRow(ctx, query, secretHash).Scan(
		&t.ID, &t.RequestID, &t.SecretHash, &t.Scope, &t.UsesRemaining,
		&t.ExpiresAt, &t.UsedAt, &t.RevokedAt, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to fetch token: %w", err)
	}
	return t, nil
}

// ConsumeUse атомарно списывает одно использование и возвращает новый счетчик.
// Сентинел -1 (безлимит) не декрементируется. Строка, не прошедшая условия
// (исчерпан/истек/отозван), дает token.ErrNoUsableUses.
func (s *Store) ConsumeUse(ctx context.Context, tokenID string) (int, error) {
	query := `
		UPDATE tokens
		SET uses_remaining = CASE WHEN uses_remaining = -1 THEN -1 ELSE uses_remaining - 1 END,
		    used_at = NOW()
		WHERE id = $1
		  AND revoked_at IS NULL
		  AND expires_at > NOW()
		  AND uses_remaining <> 0
		RETURNING uses_remaining`

	var remaining int
	err := s.pool.QueryRow(ctx, query, tokenID).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, token.ErrNoUsableUses
		}
		return 0, fmt.Errorf("postgres: failed to consume token use: %w", err)
	}
	return remaining, nil
}

func (s *Store) RevokeToken(ctx context.Context, tokenID string) error {
	query := `UPDATE tokens SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`

	ct, err := s.pool.Exec(ctx, query, tokenID)
	if err != nil {
		return fmt.Errorf("postgres: failed to revoke token: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: token not found or already revoked")
	}
	return nil
}

// RevokeAllForRequest отзывает все живые токены запроса и возвращает их
// secret-хэши для зачистки кэш-проекций. Ноль токенов — no-op, не ошибка.
func (s *Store) RevokeAllForRequest(ctx context.Context, requestID string) ([]string, error) {
	query := `
		UPDATE tokens
		SET revoked_at = NOW()
		WHERE request_id = $1 AND revoked_at IS NULL
		RETURNING secret_hash`

	rows, err := s.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to bulk revoke tokens: %w", err)
	}
	defer rows.Close()

	hashes := make([]string, 0)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("postgres: scan secret hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}
