package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	query := `
		INSERT INTO usage_events (id, clinic_id, month, model, prompt_type, prompt_tokens, completion_tokens, cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`
	err := s.db.QueryRow(ctx, query,
		e.ID, e.TenantID, e.Month, e.Model, e.PromptType,
		e.InputTokens, e.OutputTokens, e.CostUSD,
	).Scan(&e.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append usage event: %w", err)
	}
	return nil
}

func (s *PostgresStore) SumCost(ctx context.Context, tenantID, month string) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_events
		WHERE clinic_id = $1 AND month = $2
	`
	var total float64
	if err := s.db.QueryRow(ctx, query, tenantID, month).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum usage cost: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID, month string) ([]*Event, error) {
	query := `
		SELECT id, clinic_id, month, created_at, model, prompt_type, prompt_tokens, completion_tokens, cost_usd
		FROM usage_events
		WHERE clinic_id = $1 AND month = $2
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, tenantID, month)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage events: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func (s *PostgresStore) ListByMonth(ctx context.Context, month string) ([]*Event, error) {
	query := `
		SELECT id, clinic_id, month, created_at, model, prompt_type, prompt_tokens, completion_tokens, cost_usd
		FROM usage_events
		WHERE month = $1
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, month)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage events: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows pgx.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		var e Event
		err := rows.Scan(
			&e.ID, &e.TenantID, &e.Month, &e.Timestamp, &e.Model,
			&e.PromptType, &e.InputTokens, &e.OutputTokens, &e.CostUSD,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage events: %w", err)
	}
	return events, nil
}
