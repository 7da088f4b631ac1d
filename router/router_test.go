package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/controlplane/store"
	"github.com/GoCodeAlone/controlplane/vault"
)

type fakeConn struct {
	dsn    string
	closed atomic.Bool
}

func (c *fakeConn) Ping(context.Context) error { return nil }
func (c *fakeConn) Close()                     { c.closed.Store(true) }

// fakeDialer records every dial and can be made to fail or block.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	gate  chan struct{} // when non-nil, dials wait on it
}

func (d *fakeDialer) dial(_ context.Context, connString string) (Conn, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{dsn: connString}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type routerFixture struct {
	tenants *store.MockTenantStore
	vault   *vault.Vault
	dialer  *fakeDialer
	router  *Router
}

func newRouterFixture(t *testing.T, cfg Config) *routerFixture {
	t.Helper()
	v, err := vault.New("router-test-master-secret")
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	f := &routerFixture{
		tenants: store.NewMockTenantStore(),
		vault:   v,
		dialer:  &fakeDialer{},
	}
	f.router = New(f.tenants, v, f.dialer.dial, cfg, nil)
	return f
}

// provision creates an active tenant whose sealed secret decrypts to dsn.
func (f *routerFixture) provision(t *testing.T, slug, dsn string) *store.Tenant {
	t.Helper()
	tenant := &store.Tenant{Slug: slug, Name: slug, Status: store.TenantProvisioning, OwnerEmail: "o@" + slug + ".test"}
	if err := f.tenants.Create(context.Background(), tenant); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	f.rotate(t, tenant.ID, dsn)
	return tenant
}

// rotate seals dsn and installs it as the tenant's secret, bumping the
// generation.
func (f *routerFixture) rotate(t *testing.T, id uuid.UUID, dsn string) int64 {
	t.Helper()
	sealed, err := f.vault.Encrypt(dsn)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	gen, err := f.tenants.SetSecret(context.Background(), id, sealed)
	if err != nil {
		t.Fatalf("set secret: %v", err)
	}
	return gen
}

func TestResolveEstablishesAndCaches(t *testing.T) {
	f := newRouterFixture(t, Config{})
	f.provision(t, "acme", "postgres://tenant-acme")

	h1, err := f.router.Resolve(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if h1.Slug() != "acme" || h1.Generation() != 1 {
		t.Errorf("handle = %s gen %d, want acme gen 1", h1.Slug(), h1.Generation())
	}
	if got := h1.Conn().(*fakeConn).dsn; got != "postgres://tenant-acme" {
		t.Errorf("dialed %q, want decrypted connection string", got)
	}

	h2, err := f.router.Resolve(context.Background(), "acme")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if h2 != h1 {
		t.Error("warm resolve did not return the cached handle")
	}
	if n := f.dialer.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestResolveUnknownSlug(t *testing.T) {
	f := newRouterFixture(t, Config{})
	if _, err := f.router.Resolve(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestResolveSuspendedTenant(t *testing.T) {
	f := newRouterFixture(t, Config{})
	tenant := f.provision(t, "acme", "postgres://tenant-acme")
	if err := f.tenants.SetStatus(context.Background(), tenant.ID, store.TenantSuspended); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if _, err := f.router.Resolve(context.Background(), "acme"); !errors.Is(err, ErrSuspended) {
		t.Fatalf("error = %v, want ErrSuspended", err)
	}
}

func TestResolveUnprovisionedTenant(t *testing.T) {
	f := newRouterFixture(t, Config{})
	tenant := &store.Tenant{Slug: "fresh", Name: "Fresh", Status: store.TenantProvisioning, OwnerEmail: "o@fresh.test"}
	if err := f.tenants.Create(context.Background(), tenant); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	if _, err := f.router.Resolve(context.Background(), "fresh"); !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("error = %v, want ErrNotProvisioned", err)
	}
}

func TestResolveCorruptSecretFailsClosed(t *testing.T) {
	f := newRouterFixture(t, Config{})
	tenant := f.provision(t, "acme", "postgres://tenant-acme")

	// Install a sealed value produced under a different master secret.
	other, err := vault.New("some-other-master-secret")
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	sealed, err := other.Encrypt("postgres://tenant-acme")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := f.tenants.SetSecret(context.Background(), tenant.ID, sealed); err != nil {
		t.Fatalf("set secret: %v", err)
	}

	if _, err := f.router.Resolve(context.Background(), "acme"); !errors.Is(err, vault.ErrDecryption) {
		t.Fatalf("error = %v, want ErrDecryption", err)
	}
	if n := f.dialer.dialCount(); n != 0 {
		t.Errorf("dials = %d, want 0 on decryption failure", n)
	}
	if n := f.router.CachedHandles(); n != 0 {
		t.Errorf("cached handles = %d, want 0 on decryption failure", n)
	}
}

func TestResolveAfterSecretRotation(t *testing.T) {
	f := newRouterFixture(t, Config{})
	tenant := f.provision(t, "acme", "postgres://tenant-acme-v1")

	h1, err := f.router.Resolve(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	gen := f.rotate(t, tenant.ID, "postgres://tenant-acme-v2")
	if gen != 2 {
		t.Fatalf("generation = %d, want 2", gen)
	}

	h2, err := f.router.Resolve(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Resolve after rotation: %v", err)
	}
	if h2 == h1 || h2.Generation() != 2 {
		t.Errorf("handle gen = %d, want fresh handle at gen 2", h2.Generation())
	}
	if got := h2.Conn().(*fakeConn).dsn; got != "postgres://tenant-acme-v2" {
		t.Errorf("dialed %q, want rotated connection string", got)
	}
	if !h1.Conn().(*fakeConn).closed.Load() {
		t.Error("stale handle's connection was not closed on replacement")
	}
}

func TestInvalidateForcesRedial(t *testing.T) {
	f := newRouterFixture(t, Config{})
	f.provision(t, "acme", "postgres://tenant-acme")

	h1, err := f.router.Resolve(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	f.router.Invalidate("acme")
	if !h1.Conn().(*fakeConn).closed.Load() {
		t.Error("invalidated handle's connection was not closed")
	}

	h2, err := f.router.Resolve(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Resolve after invalidate: %v", err)
	}
	if h2 == h1 {
		t.Error("resolve after invalidate returned the dropped handle")
	}
	if n := f.dialer.dialCount(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestReportFailureEvictsAndReestablishes(t *testing.T) {
	f := newRouterFixture(t, Config{})
	f.provision(t, "acme", "postgres://tenant-acme")

	h1, err := f.router.Resolve(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	f.router.ReportFailure(h1)
	if n := f.router.CachedHandles(); n != 0 {
		t.Fatalf("cached handles = %d, want 0 after failure report", n)
	}

	h2, err := f.router.Resolve(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Resolve after failure: %v", err)
	}
	if h2 == h1 {
		t.Error("failed handle was served again")
	}

	// A late report against the evicted handle must not touch its successor.
	f.router.ReportFailure(h1)
	if n := f.router.CachedHandles(); n != 1 {
		t.Errorf("cached handles = %d, want 1 after stale report", n)
	}
	h3, err := f.router.Resolve(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Resolve after stale report: %v", err)
	}
	if h3 != h2 {
		t.Error("stale failure report displaced the fresh handle")
	}
}

func TestResolveCoalescesConcurrentDials(t *testing.T) {
	f := newRouterFixture(t, Config{})
	f.provision(t, "acme", "postgres://tenant-acme")
	f.dialer.gate = make(chan struct{})

	const workers = 8
	var wg sync.WaitGroup
	handles := make([]*Handle, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = f.router.Resolve(context.Background(), "acme")
		}(i)
	}
	close(f.dialer.gate)
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if handles[i] != handles[0] {
			t.Fatalf("worker %d got a different handle", i)
		}
	}
	if n := f.dialer.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1 coalesced dial", n)
	}
}

func TestCacheBoundEvictsLeastRecentlyUsed(t *testing.T) {
	f := newRouterFixture(t, Config{MaxHandles: 2})
	for i := 0; i < 3; i++ {
		f.provision(t, fmt.Sprintf("tenant-%d", i), fmt.Sprintf("postgres://tenant-%d", i))
	}

	h0, err := f.router.Resolve(context.Background(), "tenant-0")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := f.router.Resolve(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := f.router.Resolve(context.Background(), "tenant-2"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if n := f.router.CachedHandles(); n != 2 {
		t.Errorf("cached handles = %d, want bound of 2", n)
	}
	if !h0.Conn().(*fakeConn).closed.Load() {
		t.Error("least recently used handle was not closed on eviction")
	}

	// tenant-0 resolves again via a fresh dial.
	if _, err := f.router.Resolve(context.Background(), "tenant-0"); err != nil {
		t.Fatalf("Resolve evicted tenant: %v", err)
	}
	if n := f.dialer.dialCount(); n != 4 {
		t.Errorf("dials = %d, want 4", n)
	}
}

func TestDialFailureIsNotCached(t *testing.T) {
	f := newRouterFixture(t, Config{})
	f.provision(t, "acme", "postgres://tenant-acme")

	f.dialer.err = errors.New("connection refused")
	if _, err := f.router.Resolve(context.Background(), "acme"); err == nil {
		t.Fatal("expected dial error")
	}
	if n := f.router.CachedHandles(); n != 0 {
		t.Errorf("cached handles = %d, want 0 after dial failure", n)
	}

	f.dialer.mu.Lock()
	f.dialer.err = nil
	f.dialer.mu.Unlock()
	if _, err := f.router.Resolve(context.Background(), "acme"); err != nil {
		t.Fatalf("Resolve after recovery: %v", err)
	}
}

func TestStatsTrackCacheActivity(t *testing.T) {
	f := newRouterFixture(t, Config{MaxHandles: 1})
	f.provision(t, "a1", "postgres://tenant-a1")
	f.provision(t, "a2", "postgres://tenant-a2")

	for _, slug := range []string{"a1", "a1", "a2"} {
		if _, err := f.router.Resolve(context.Background(), slug); err != nil {
			t.Fatalf("Resolve %s: %v", slug, err)
		}
	}

	s := f.router.Stats()
	if s.Handles != 1 {
		t.Errorf("handles = %d, want 1 at cache bound", s.Handles)
	}
	if s.Hits != 1 {
		t.Errorf("hits = %d, want 1 for the warm resolve", s.Hits)
	}
	if s.Misses == 0 {
		t.Error("misses not counted for cold resolves")
	}
	if s.Evictions != 1 {
		t.Errorf("evictions = %d, want 1 after exceeding the bound", s.Evictions)
	}
}

func TestCloseReleasesAllHandles(t *testing.T) {
	f := newRouterFixture(t, Config{})
	f.provision(t, "a1", "postgres://tenant-a1")
	f.provision(t, "a2", "postgres://tenant-a2")

	h1, err := f.router.Resolve(context.Background(), "a1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	h2, err := f.router.Resolve(context.Background(), "a2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	f.router.Close()
	if n := f.router.CachedHandles(); n != 0 {
		t.Errorf("cached handles = %d, want 0 after Close", n)
	}
	if !h1.Conn().(*fakeConn).closed.Load() || !h2.Conn().(*fakeConn).closed.Load() {
		t.Error("Close left connections open")
	}
}
