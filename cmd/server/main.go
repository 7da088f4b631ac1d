package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoCodeAlone/controlplane/api"
	"github.com/GoCodeAlone/controlplane/authbridge"
	"github.com/GoCodeAlone/controlplane/billing"
	"github.com/GoCodeAlone/controlplane/notify"
	"github.com/GoCodeAlone/controlplane/onboarding"
	"github.com/GoCodeAlone/controlplane/provision"
	"github.com/GoCodeAlone/controlplane/router"
	"github.com/GoCodeAlone/controlplane/store"
	"github.com/GoCodeAlone/controlplane/vault"
)

var (
	addr          = flag.String("addr", ":8080", "HTTP listen address")
	databaseURL   = flag.String("database-url", "", "Directory database URL (or set DATABASE_URL)")
	automationURL = flag.String("automation-url", "", "Infrastructure automation base URL (or set AUTOMATION_URL)")
	stripeKey     = flag.String("stripe-key", "", "Stripe API key (or set STRIPE_API_KEY)")
	maxHandles    = flag.Int("max-handles", 256, "Maximum cached tenant database handles")
	debug         = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	masterSecret := os.Getenv("VAULT_MASTER_SECRET")
	if masterSecret == "" {
		log.Fatal("VAULT_MASTER_SECRET is required")
	}
	sessionSecret := os.Getenv("SESSION_SECRET")
	if sessionSecret == "" {
		log.Fatal("SESSION_SECRET is required")
	}
	bridgeSecret := os.Getenv("BRIDGE_SECRET")
	if bridgeSecret == "" {
		log.Fatal("BRIDGE_SECRET is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Directory stores ---
	var (
		tenants       store.TenantStore
		sessions      store.OnboardingStore
		subscriptions store.SubscriptionStore
		memberships   store.MembershipStore
		invites       store.InviteStore
		tokens        store.TokenStore
	)
	dbURL := envOr(*databaseURL, "DATABASE_URL")
	if dbURL != "" {
		pg, err := store.NewPGStore(ctx, store.PGConfig{URL: dbURL})
		if err != nil {
			log.Fatalf("Failed to connect to directory database: %v", err)
		}
		defer pg.Close()
		tenants = pg.Tenants()
		sessions = pg.Onboarding()
		subscriptions = pg.Subscriptions()
		memberships = pg.Memberships()
		invites = pg.Invites()
		tokens = pg.Tokens()
		logger.Info("Using PostgreSQL directory store")
	} else {
		tenants = store.NewMockTenantStore()
		sessions = store.NewMockOnboardingStore()
		subscriptions = store.NewMockSubscriptionStore()
		memberships = store.NewMockMembershipStore()
		invites = store.NewMockInviteStore()
		tokens = store.NewMockTokenStore()
		logger.Warn("No database URL configured, using in-memory directory store")
	}

	// --- Credential vault ---
	v, err := vault.New(masterSecret)
	if err != nil {
		log.Fatalf("Failed to initialize vault: %v", err)
	}

	// --- Data-plane router ---
	rt := router.New(tenants, v, router.PGDial, router.Config{MaxHandles: *maxHandles}, logger)

	// --- Infrastructure automation ---
	var automation provision.Automation
	if url := envOr(*automationURL, "AUTOMATION_URL"); url != "" {
		automation = provision.NewHTTPAutomation(url)
		logger.Info("Using HTTP infrastructure automation", "url", url)
	} else {
		automation = provision.NewMockAutomation()
		logger.Warn("No automation URL configured, using in-memory automation stub")
	}
	orchestrator := provision.NewOrchestrator(tenants, sessions, automation, v, rt, logger)

	// --- Payment processor ---
	var processor billing.Processor
	if key := envOr(*stripeKey, "STRIPE_API_KEY"); key != "" {
		processor = billing.NewStripeProcessor(key, stripePrices())
		logger.Info("Using Stripe payment processor")
	} else {
		logger.Warn("No Stripe key configured, billing runs on local records only")
	}
	reconciler := billing.NewReconciler(subscriptions, memberships, processor, logger)

	// --- Domain services ---
	machine := onboarding.NewMachine(tenants, sessions, memberships, invites, tokens, notify.NewLogNotifier(logger), logger)
	bridge, err := authbridge.New(tenants, memberships, bridgeSecret, "controlplane")
	if err != nil {
		log.Fatalf("Failed to initialize auth bridge: %v", err)
	}

	handler := api.NewRouter(api.Services{
		Machine:     machine,
		Reconciler:  reconciler,
		Bridge:      bridge,
		Provisioner: orchestrator,
	}, api.Config{
		SessionSecret: sessionSecret,
		SessionIssuer: "controlplane",
	})

	server := &http.Server{
		Addr:              *addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting control plane", "addr", *addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// In-flight provisioning attempts finish before handles are released.
	orchestrator.Wait()
	stats := rt.Stats()
	logger.Debug("router cache at shutdown",
		"handles", stats.Handles, "hits", stats.Hits, "misses", stats.Misses, "evictions", stats.Evictions)
	rt.Close()

	logger.Info("Shutdown complete")
}

func envOr(flagValue, envKey string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(envKey)
}

// stripePrices maps the plan catalog to Stripe price ids. The ids come from
// the environment so each deployment can point at its own Stripe account.
func stripePrices() billing.StripePriceIDs {
	prices := make(billing.StripePriceIDs)
	for _, plan := range billing.AllPlans {
		if plan.IsFree() {
			continue
		}
		prices[plan.ID] = billing.PlanPrices{
			Monthly: os.Getenv("STRIPE_PRICE_" + envKey(plan.ID) + "_MONTHLY"),
			Yearly:  os.Getenv("STRIPE_PRICE_" + envKey(plan.ID) + "_YEARLY"),
		}
	}
	return prices
}

func envKey(planID string) string {
	out := make([]byte, 0, len(planID))
	for i := 0; i < len(planID); i++ {
		c := planID[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
