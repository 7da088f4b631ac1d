package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGConfig holds PostgreSQL connection configuration for the directory
// database (the control plane's own database, not a tenant database).
type PGConfig struct {
	URL      string `json:"url"`
	MaxConns int32  `json:"max_conns"`
	MinConns int32  `json:"min_conns"`
}

// PGStore wraps a pgxpool.Pool and provides access to all directory stores.
type PGStore struct {
	pool *pgxpool.Pool

	tenants       *PGTenantStore
	onboarding    *PGOnboardingStore
	subscriptions *PGSubscriptionStore
	memberships   *PGMembershipStore
	invites       *PGInviteStore
	tokens        *PGTokenStore
}

// NewPGStore connects to PostgreSQL, applies any pending schema migrations,
// and returns a PGStore with all sub-stores.
func NewPGStore(ctx context.Context, cfg PGConfig) (*PGStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}

	if err := NewMigrator(pool).Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate directory schema: %w", err)
	}

	s := &PGStore{pool: pool}
	s.tenants = &PGTenantStore{pool: pool}
	s.onboarding = &PGOnboardingStore{pool: pool}
	s.subscriptions = &PGSubscriptionStore{pool: pool}
	s.memberships = &PGMembershipStore{pool: pool}
	s.invites = &PGInviteStore{pool: pool}
	s.tokens = &PGTokenStore{pool: pool}

	return s, nil
}

// Pool returns the underlying pgxpool.Pool.
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

// Close closes the connection pool.
func (s *PGStore) Close() { s.pool.Close() }

// Tenants returns the TenantStore.
func (s *PGStore) Tenants() TenantStore { return s.tenants }

// Onboarding returns the OnboardingStore.
func (s *PGStore) Onboarding() OnboardingStore { return s.onboarding }

// Subscriptions returns the SubscriptionStore.
func (s *PGStore) Subscriptions() SubscriptionStore { return s.subscriptions }

// Memberships returns the MembershipStore.
func (s *PGStore) Memberships() MembershipStore { return s.memberships }

// Invites returns the InviteStore.
func (s *PGStore) Invites() InviteStore { return s.invites }

// Tokens returns the TokenStore.
func (s *PGStore) Tokens() TokenStore { return s.tokens }

func isDuplicateError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
