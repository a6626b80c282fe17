package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps the tenant directory in a tenants table. Credential
// lookups go through an indexed sha256 column so resolution cost never
// depends on how much of a guessed credential matches.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func hashCredential(c string) string {
	h := sha256.Sum256([]byte(c))
	return hex.EncodeToString(h[:])
}

const tenantColumns = `id, name, contact, credential, plan, monthly_limit_usd, models_allowed, active, created_at`

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(
		&t.ID, &t.Name, &t.Contact, &t.Credential, &t.Plan,
		&t.MonthlyLimitUSD, &t.AllowedModels, &t.Active, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) Resolve(ctx context.Context, credential string) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE credential_hash = $1`
	return scanTenant(s.db.QueryRow(ctx, query, hashCredential(credential)))
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	return scanTenant(s.db.QueryRow(ctx, query, id))
}

func (s *PostgresStore) List(ctx context.Context) ([]*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants ORDER BY created_at`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenants: %w", err)
	}
	return tenants, nil
}

func (s *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	if err := t.Validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO tenants (id, name, contact, credential, credential_hash, plan, monthly_limit_usd, models_allowed, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at
	`
	err := s.db.QueryRow(ctx, query,
		t.ID, t.Name, t.Contact, t.Credential, hashCredential(t.Credential),
		t.Plan, t.MonthlyLimitUSD, t.AllowedModels, t.Active,
	).Scan(&t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDuplicateID
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, spec UpdateSpec) (*Tenant, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	current.Apply(spec)

	query := `
		UPDATE tenants
		SET name = $2, contact = $3, plan = $4, monthly_limit_usd = $5, models_allowed = $6, active = $7
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query,
		id, current.Name, current.Contact, current.Plan,
		current.MonthlyLimitUSD, current.AllowedModels, current.Active,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return current, nil
}

func (s *PostgresStore) RotateCredential(ctx context.Context, id, newCredential string) (*Tenant, error) {
	query := `
		UPDATE tenants
		SET credential = $2, credential_hash = $3
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query, id, newCredential, hashCredential(newCredential))
	if err != nil {
		return nil, fmt.Errorf("failed to rotate credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}
