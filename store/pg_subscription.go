package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSubscriptionStore implements SubscriptionStore backed by PostgreSQL.
// The mutation methods pin their precondition in the WHERE clause so that
// concurrent writers cannot double-apply a transition.
type PGSubscriptionStore struct {
	pool *pgxpool.Pool
}

func (s *PGSubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (id, tenant_id, plan_id, cycle, status, processor_sub_id, processor_customer_id, cancel_at_period_end, current_period_end, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),NOW())`,
		sub.ID, sub.TenantID, sub.PlanID, sub.Cycle, sub.Status,
		sub.ProcessorSubID, sub.ProcessorCustomerID, sub.CancelAtPeriodEnd, sub.CurrentPeriodEnd)
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: subscription for tenant %s", ErrDuplicate, sub.TenantID)
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *PGSubscriptionStore) GetByTenant(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	rows, err := s.pool.Query(ctx, `SELECT * FROM subscriptions WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query subscription: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query subscription: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanSubscription(rows)
}

func (s *PGSubscriptionStore) UpdatePlan(ctx context.Context, id uuid.UUID, planID string, cycle BillingCycle, processorCustomerID, processorSubID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET
			plan_id = $2,
			cycle = $3,
			status = $4,
			processor_customer_id = $5,
			processor_sub_id = $6,
			updated_at = NOW()
		WHERE id = $1`,
		id, planID, cycle, SubscriptionActive, processorCustomerID, processorSubID)
	if err != nil {
		return fmt.Errorf("update subscription plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGSubscriptionStore) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.cas(ctx, id, `
		UPDATE subscriptions SET status=$2, cancel_at_period_end=false, updated_at=NOW()
		WHERE id=$1 AND status <> $2`,
		id, SubscriptionCanceled)
}

func (s *PGSubscriptionStore) DeferCancel(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.cas(ctx, id, `
		UPDATE subscriptions SET cancel_at_period_end=true, updated_at=NOW()
		WHERE id=$1 AND status <> $2 AND cancel_at_period_end=false`,
		id, SubscriptionCanceled)
}

func (s *PGSubscriptionStore) Resume(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.cas(ctx, id, `
		UPDATE subscriptions SET cancel_at_period_end=false, updated_at=NOW()
		WHERE id=$1 AND status <> $2 AND cancel_at_period_end=true`,
		id, SubscriptionCanceled)
}

// cas runs a guarded UPDATE. Zero rows affected on an existing row means the
// precondition failed, which is reported as (false, nil).
func (s *PGSubscriptionStore) cas(ctx context.Context, id uuid.UUID, query string, args ...interface{}) (bool, error) {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check subscription: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func scanSubscription(rows pgx.Rows) (*Subscription, error) {
	var sub Subscription
	err := rows.Scan(&sub.ID, &sub.TenantID, &sub.PlanID, &sub.Cycle, &sub.Status,
		&sub.ProcessorSubID, &sub.ProcessorCustomerID, &sub.CancelAtPeriodEnd,
		&sub.CurrentPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	return &sub, nil
}
