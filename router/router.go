package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/GoCodeAlone/controlplane/store"
	"github.com/GoCodeAlone/controlplane/vault"
)

// Common errors.
var (
	// ErrNotProvisioned is returned when the tenant exists but has no
	// connection secret yet.
	ErrNotProvisioned = errors.New("router: tenant not provisioned")

	// ErrSuspended is returned for suspended tenants; their data plane is
	// unreachable until reinstated.
	ErrSuspended = errors.New("router: tenant suspended")
)

// Conn is a live connection to a tenant's database.
type Conn interface {
	// Ping checks that the connection is still alive.
	Ping(ctx context.Context) error
	// Close releases the connection.
	Close()
}

// DialFunc opens a connection from a plaintext connection string. The
// string must never be retained past the call.
type DialFunc func(ctx context.Context, connString string) (Conn, error)

// Handle is a resolved, reusable connection to one tenant's database,
// tagged with the secret generation it was established under.
type Handle struct {
	slug   string
	gen    int64
	conn   Conn
	failed atomic.Bool
	closed atomic.Bool
}

// Slug returns the tenant slug the handle belongs to.
func (h *Handle) Slug() string { return h.slug }

// Generation returns the secret generation the handle was established under.
func (h *Handle) Generation() int64 { return h.gen }

// Conn returns the underlying connection.
func (h *Handle) Conn() Conn { return h.conn }

// markFailed flags the handle after a failed use.
func (h *Handle) markFailed() { h.failed.Store(true) }

func (h *Handle) close() {
	if h.closed.CompareAndSwap(false, true) {
		h.conn.Close()
	}
}

// Router resolves tenant slugs to live database handles. It owns a bounded
// cache of handles; invalidation is synchronous on secret rewrite and lazy
// on the first failed use of a cached handle. Cold resolutions for the same
// slug coalesce into a single dial.
type Router struct {
	tenants store.TenantStore
	vault   *vault.Vault
	dial    DialFunc
	cache   *handleCache
	group   singleflight.Group
	logger  *slog.Logger
}

// Config configures a Router.
type Config struct {
	// MaxHandles bounds the handle cache. Zero means the default (1024).
	MaxHandles int
}

// New creates a Router.
func New(tenants store.TenantStore, v *vault.Vault, dial DialFunc, cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		tenants: tenants,
		vault:   v,
		dial:    dial,
		cache:   newHandleCache(cfg.MaxHandles),
		logger:  logger,
	}
}

// Resolve returns a live handle for the tenant identified by slug.
//
// It fails with store.ErrNotFound when no tenant has the slug, ErrSuspended
// when the tenant is suspended, ErrNotProvisioned when no secret exists
// yet, and vault.ErrDecryption when the stored secret fails authentication.
// A decryption failure is terminal for that ciphertext: the router never
// falls back to an unverified handle.
//
// A cached handle is reused only when its generation matches the tenant's
// current secret generation; otherwise the handle is transparently
// re-established under the new secret.
func (r *Router) Resolve(ctx context.Context, slug string) (*Handle, error) {
	t, err := r.tenants.GetBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", slug, err)
	}
	if t.Status == store.TenantSuspended {
		return nil, fmt.Errorf("resolve %q: %w", slug, ErrSuspended)
	}
	if t.ConnSecret == "" {
		return nil, fmt.Errorf("resolve %q: %w", slug, ErrNotProvisioned)
	}

	if h := r.cache.get(slug); h != nil && h.gen == t.SecretGen && !h.failed.Load() {
		return h, nil
	}

	// Coalesce concurrent establishment per (slug, generation): one dial
	// serves every waiter, and a newer generation never queues behind an
	// older one.
	v, err, _ := r.group.Do(fmt.Sprintf("%s#%d", slug, t.SecretGen), func() (interface{}, error) {
		if h := r.cache.get(slug); h != nil && h.gen == t.SecretGen && !h.failed.Load() {
			return h, nil
		}
		return r.establish(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// Invalidate synchronously drops the cached handle for slug. The
// Provisioning Orchestrator calls this whenever it rewrites a tenant's
// secret.
func (r *Router) Invalidate(slug string) {
	r.cache.remove(slug, nil)
}

// ReportFailure records a failed use of a handle and evicts it so the next
// resolution re-establishes. The eviction is identity-checked: a stale
// report cannot displace a handle that was already replaced.
func (r *Router) ReportFailure(h *Handle) {
	h.markFailed()
	r.cache.remove(h.slug, h)
}

// Close releases every cached handle. Used on shutdown.
func (r *Router) Close() {
	r.cache.purge()
}

// CachedHandles returns the number of handles currently cached.
func (r *Router) CachedHandles() int {
	return r.cache.len()
}

// Stats returns current handle cache statistics.
func (r *Router) Stats() CacheStats {
	hits, misses, evictions := r.cache.stats()
	return CacheStats{
		Handles:   r.cache.len(),
		Hits:      hits,
		Misses:    misses,
		Evictions: evictions,
	}
}

// CacheStats holds handle cache statistics.
type CacheStats struct {
	Handles   int
	Hits      int64
	Misses    int64
	Evictions int64
}

func (r *Router) establish(ctx context.Context, t *store.Tenant) (*Handle, error) {
	connString, err := r.vault.Decrypt(t.ConnSecret)
	if err != nil {
		// Integrity failure is hard: surface it, cache nothing.
		return nil, fmt.Errorf("resolve %q: %w", t.Slug, err)
	}

	conn, err := r.dial(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: dial tenant database: %w", t.Slug, err)
	}

	h := &Handle{slug: t.Slug, gen: t.SecretGen, conn: conn}
	r.cache.put(t.Slug, h)
	r.logger.Debug("tenant handle established", "slug", t.Slug, "generation", t.SecretGen)
	return h, nil
}
