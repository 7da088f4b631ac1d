package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGTenantStore implements TenantStore backed by PostgreSQL.
type PGTenantStore struct {
	pool *pgxpool.Pool
}

func (s *PGTenantStore) Create(ctx context.Context, t *Tenant) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = TenantProvisioning
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, slug, name, status, conn_secret, secret_gen, owner_email, created_at, updated_at)
		VALUES ($1,$2,$3,$4,'',0,$5,NOW(),NOW())`,
		t.ID, t.Slug, t.Name, t.Status, t.OwnerEmail)
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: tenant slug %q", ErrDuplicate, t.Slug)
		}
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (s *PGTenantStore) Get(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	return s.scanOne(ctx, `SELECT * FROM tenants WHERE id = $1`, id)
}

func (s *PGTenantStore) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	return s.scanOne(ctx, `SELECT * FROM tenants WHERE slug = $1`, slug)
}

func (s *PGTenantStore) SetSecret(ctx context.Context, id uuid.UUID, sealed string) (int64, error) {
	var gen int64
	err := s.pool.QueryRow(ctx, `
		UPDATE tenants SET conn_secret=$2, secret_gen=secret_gen+1, status=$3, updated_at=NOW()
		WHERE id=$1
		RETURNING secret_gen`,
		id, sealed, TenantActive).Scan(&gen)
	if err != nil {
		if isNoRows(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("set tenant secret: %w", err)
	}
	return gen, nil
}

func (s *PGTenantStore) SetStatus(ctx context.Context, id uuid.UUID, status TenantStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenants SET status=$2, updated_at=NOW() WHERE id=$1`,
		id, status)
	if err != nil {
		return fmt.Errorf("update tenant status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGTenantStore) scanOne(ctx context.Context, query string, args ...interface{}) (*Tenant, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tenant: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query tenant: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanTenant(rows)
}

func scanTenant(rows pgx.Rows) (*Tenant, error) {
	var t Tenant
	err := rows.Scan(&t.ID, &t.Slug, &t.Name, &t.Status, &t.ConnSecret, &t.SecretGen, &t.OwnerEmail, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	return &t, nil
}
