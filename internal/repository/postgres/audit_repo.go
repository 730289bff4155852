package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/permgate/internal/audit"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
)

// AuditRepo — отдельное соединение для пакетной записи аудита.
// Живет на database/sql: батч-вставки не нуждаются в pgx-специфике,
// а изоляция от основного пула защищает Hot Path от фоновой нагрузки.
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(connString string) (*AuditRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: audit connection failed: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &AuditRepo{db: db}, nil
}

func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице audit_events
	numFields := 9
	placeholderStr := ""
	vals := make([]interface{}, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9)

		details, _ := json.Marshal(e.Details)

		vals = append(vals,
			e.ID, nullable(e.PrincipalID), nullable(e.AgentID), nullable(e.RequestID),
			e.EventType, details, nullable(e.IP), nullable(e.UserAgent), e.Timestamp,
		)
	}

	// Убираем лишнюю запятую в конце
	query := fmt.Sprintf(
		"INSERT INTO audit_events (id, principal_id, agent_id, request_id, event_type, details, ip, user_agent, timestamp) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}

// FetchEvents — чтение журнала для консоли с фильтрацией по запросу/агенту
func (r *AuditRepo) FetchEvents(ctx context.Context, principalID, requestID string) ([]audit.Event, error) {
	query := `
		SELECT id, COALESCE(principal_id, ''), COALESCE(agent_id, ''), COALESCE(request_id, ''),
		       event_type, details, COALESCE(ip, ''), COALESCE(user_agent, ''), timestamp
		FROM audit_events
		WHERE principal_id = $1`

	args := []interface{}{principalID}
	if requestID != "" {
		query += " AND request_id = $2"
		args = append(args, requestID)
	}
	query += " ORDER BY timestamp DESC LIMIT 200"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit events: %w", err)
	}
	defer rows.Close()

	results := make([]audit.Event, 0)
	for rows.Next() {
		var e audit.Event
		var details []byte
		if err := rows.Scan(
			&e.ID, &e.PrincipalID, &e.AgentID, &e.RequestID,
			&e.EventType, &details, &e.IP, &e.UserAgent, &e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan audit event: %w", err)
		}
		_ = json.Unmarshal(details, &e.Details)
		results = append(results, e)
	}
	return results, rows.Err()
}

func (r *AuditRepo) Close() error {
	return r.db.Close()
}

// nullable превращает пустую строку в NULL для опциональных колонок
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
