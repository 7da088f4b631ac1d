package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGMembershipStore implements MembershipStore backed by PostgreSQL.
type PGMembershipStore struct {
	pool *pgxpool.Pool
}

// Create inserts a membership inside a transaction that first checks the
// one-owner rule with a row lock on the tenant's existing owner row.
func (s *PGMembershipStore) Create(ctx context.Context, m *Membership) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin membership tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if m.Role == RoleOwner {
		var ownerExists bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM memberships WHERE tenant_id = $1 AND role = $2 FOR UPDATE
			)`, m.TenantID, RoleOwner).Scan(&ownerExists)
		if err != nil {
			return fmt.Errorf("check tenant owner: %w", err)
		}
		if ownerExists {
			return fmt.Errorf("%w: tenant %s already has an owner", ErrConflict, m.TenantID)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO memberships (id, tenant_id, user_id, email, role, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,NOW(),NOW())`,
		m.ID, m.TenantID, m.UserID, m.Email, m.Role)
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: membership already exists", ErrDuplicate)
		}
		return fmt.Errorf("insert membership: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PGMembershipStore) GetByTenantUser(ctx context.Context, tenantID, userID uuid.UUID) (*Membership, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT * FROM memberships WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("query membership: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query membership: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanMembership(rows)
}

func (s *PGMembershipStore) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*Membership, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT * FROM memberships WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []*Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

func scanMembership(rows pgx.Rows) (*Membership, error) {
	var m Membership
	err := rows.Scan(&m.ID, &m.TenantID, &m.UserID, &m.Email, &m.Role, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan membership: %w", err)
	}
	return &m, nil
}
