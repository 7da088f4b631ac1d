package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGInviteStore implements InviteStore backed by PostgreSQL.
type PGInviteStore struct {
	pool *pgxpool.Pool
}

func (s *PGInviteStore) Create(ctx context.Context, inv *PendingInvite) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.Status == "" {
		inv.Status = InvitePending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pending_invites (id, tenant_id, email, role, status, expires_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,NOW())`,
		inv.ID, inv.TenantID, inv.Email, inv.Role, inv.Status, inv.ExpiresAt)
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: invite for %s", ErrDuplicate, inv.Email)
		}
		return fmt.Errorf("insert invite: %w", err)
	}
	return nil
}

func (s *PGInviteStore) Get(ctx context.Context, id uuid.UUID) (*PendingInvite, error) {
	var inv PendingInvite
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, email, role, status, expires_at, created_at
		FROM pending_invites WHERE id = $1`, id).
		Scan(&inv.ID, &inv.TenantID, &inv.Email, &inv.Role, &inv.Status, &inv.ExpiresAt, &inv.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query invite: %w", err)
	}
	return &inv, nil
}

func (s *PGInviteStore) MarkAccepted(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_invites SET status=$2
		WHERE id=$1 AND status=$3 AND expires_at > $4`,
		id, InviteAccepted, InvitePending, now)
	if err != nil {
		return false, fmt.Errorf("accept invite: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pending_invites WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check invite: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}
