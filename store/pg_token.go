package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGTokenStore implements TokenStore backed by PostgreSQL.
type PGTokenStore struct {
	pool *pgxpool.Pool
}

func (s *PGTokenStore) Create(ctx context.Context, t *VerificationToken) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO verification_tokens (id, email, purpose, code, expires_at, consumed_at, created_at)
		VALUES ($1,$2,$3,$4,$5,NULL,NOW())`,
		t.ID, t.Email, t.Purpose, t.Code, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert verification token: %w", err)
	}
	return nil
}

// Consume marks the token used in the same UPDATE that checks liveness, so
// two racing consumers cannot both succeed.
func (s *PGTokenStore) Consume(ctx context.Context, email string, purpose TokenPurpose, code string, now time.Time) (*VerificationToken, error) {
	var t VerificationToken
	err := s.pool.QueryRow(ctx, `
		UPDATE verification_tokens SET consumed_at=$4
		WHERE email=$1 AND purpose=$2 AND code=$3 AND consumed_at IS NULL AND expires_at > $4
		RETURNING id, email, purpose, code, expires_at, consumed_at, created_at`,
		email, purpose, code, now).
		Scan(&t.ID, &t.Email, &t.Purpose, &t.Code, &t.ExpiresAt, &t.ConsumedAt, &t.CreatedAt)
	if err == nil {
		return &t, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("consume verification token: %w", err)
	}

	// Distinguish an unknown code from one that is spent or expired.
	var exists bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM verification_tokens WHERE email=$1 AND purpose=$2 AND code=$3
		)`, email, purpose, code).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check verification token: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, fmt.Errorf("%w: verification code expired or already used", ErrConflict)
}
