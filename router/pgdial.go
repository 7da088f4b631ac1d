package router

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pgConn adapts a pgxpool.Pool to the Conn interface.
type pgConn struct {
	pool *pgxpool.Pool
}

func (c *pgConn) Ping(ctx context.Context) error { return c.pool.Ping(ctx) }
func (c *pgConn) Close()                         { c.pool.Close() }

// Pool returns the underlying pgxpool.Pool for query execution.
func (c *pgConn) Pool() *pgxpool.Pool { return c.pool }

// PGDial is the production DialFunc: it opens a pgx pool against the
// tenant's database and verifies it with a ping before handing it out.
func PGDial(ctx context.Context, connString string) (Conn, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse tenant dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create tenant pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping tenant database: %w", err)
	}
	return &pgConn{pool: pool}, nil
}

// PGPool extracts the pgx pool from a handle established by PGDial. It
// returns false when the handle's connection is not pgx-backed.
func PGPool(h *Handle) (*pgxpool.Pool, bool) {
	c, ok := h.Conn().(*pgConn)
	if !ok {
		return nil, false
	}
	return c.Pool(), true
}
