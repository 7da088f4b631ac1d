package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGOnboardingStore implements OnboardingStore backed by PostgreSQL.
// Payloads and stage timestamps live in jsonb columns keyed by stage name,
// so a stage transition, its payload, and its timestamp commit in a single
// UPDATE.
type PGOnboardingStore struct {
	pool *pgxpool.Pool
}

func (s *PGOnboardingStore) Create(ctx context.Context, sess *OnboardingSession) error {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	payloads, err := json.Marshal(sess.Payloads)
	if err != nil {
		return fmt.Errorf("marshal payloads: %w", err)
	}
	times, err := json.Marshal(sess.StageTimes)
	if err != nil {
		return fmt.Errorf("marshal stage times: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO onboarding_sessions (id, tenant_id, stage, payloads, stage_times, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,NOW(),NOW())`,
		sess.ID, sess.TenantID, sess.Stage, payloads, times)
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: onboarding session for tenant %s", ErrDuplicate, sess.TenantID)
		}
		return fmt.Errorf("insert onboarding session: %w", err)
	}
	return nil
}

func (s *PGOnboardingStore) GetByTenant(ctx context.Context, tenantID uuid.UUID) (*OnboardingSession, error) {
	var (
		sess     OnboardingSession
		payloads []byte
		times    []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, stage, payloads, stage_times, created_at, updated_at
		FROM onboarding_sessions WHERE tenant_id = $1`,
		tenantID).Scan(&sess.ID, &sess.TenantID, &sess.Stage, &payloads, &times, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query onboarding session: %w", err)
	}
	if err := json.Unmarshal(payloads, &sess.Payloads); err != nil {
		return nil, fmt.Errorf("unmarshal payloads: %w", err)
	}
	if err := json.Unmarshal(times, &sess.StageTimes); err != nil {
		return nil, fmt.Errorf("unmarshal stage times: %w", err)
	}
	return &sess, nil
}

// SetStage performs the compare-and-set stage write. The WHERE clause pins
// the expected current stage, so a stale writer affects zero rows and the
// method reports false. The stage timestamp is only written when the stage
// key is absent from stage_times, which keeps the first-set time across
// payload re-submissions.
func (s *PGOnboardingStore) SetStage(ctx context.Context, tenantID uuid.UUID, expect, target string, payload json.RawMessage, now time.Time) (bool, error) {
	ts, err := json.Marshal(now)
	if err != nil {
		return false, fmt.Errorf("marshal stage time: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE onboarding_sessions SET
			stage = $3,
			payloads = CASE WHEN $4::jsonb IS NULL THEN payloads
				ELSE jsonb_set(payloads, ARRAY[$3], $4::jsonb) END,
			stage_times = CASE WHEN stage_times ? $3 THEN stage_times
				ELSE jsonb_set(stage_times, ARRAY[$3], $5::jsonb) END,
			updated_at = $6
		WHERE tenant_id = $1 AND stage = $2`,
		tenantID, expect, target, []byte(payload), ts, now)
	if err != nil {
		return false, fmt.Errorf("set onboarding stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the tenant has no session or the stored stage moved on.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM onboarding_sessions WHERE tenant_id = $1)`,
			tenantID).Scan(&exists); err != nil {
			return false, fmt.Errorf("check onboarding session: %w", err)
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
