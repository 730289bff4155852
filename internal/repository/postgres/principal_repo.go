package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/permgate/internal/domain"
)

func (s *Store) GetPrincipalByUsername(ctx context.Context, username string) (*domain.Principal, error) {
	query := `
		SELECT id, email, username, password_hash, role, telegram_chat_id, created_at, updated_at
		FROM principals WHERE username = $1`

	p := &domain.Principal{}
	err := s.pool.QueryRow(ctx, query, username).Scan(
		&p.ID, &p.Email, &p.Username, &p.PasswordHash, &p.Role, &p.TelegramChat, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (s *Store) GetPrincipalByID(ctx context.Context, id string) (*domain.Principal, error) {
	query := `
		SELECT id, email, username, password_hash, role, telegram_chat_id, created_at, updated_at
		FROM principals WHERE id = $1`

	p := &domain.Principal{}
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Email, &p.Username, &p.PasswordHash, &p.Role, &p.TelegramChat, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// GetPrincipalByTelegramChat — обратная привязка для webhook Telegram:
// по чату кнопки находим владельца, от чьего имени применяется решение
func (s *Store) GetPrincipalByTelegramChat(ctx context.Context, chatID int64) (*domain.Principal, error) {
	query := `
		SELECT id, email, username, password_hash, role, telegram_chat_id, created_at, updated_at
		FROM principals WHERE telegram_chat_id = $1`

	p := &domain.Principal{}
	err := s.pool.QueryRow(ctx, query, chatID).Scan(
		&p.ID, &p.Email, &p.Username, &p.PasswordHash, &p.Role, &p.TelegramChat, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}
