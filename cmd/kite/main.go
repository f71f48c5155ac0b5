// Kite - Notification rules that deploy in 60 seconds.
// Copyright (c) 2025 Mailroom Labs
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mailroom-labs/kite/internal/api"
	"github.com/mailroom-labs/kite/internal/bus"
	"github.com/mailroom-labs/kite/internal/cache"
	"github.com/mailroom-labs/kite/internal/cooldown"
	"github.com/mailroom-labs/kite/internal/dispatch"
	"github.com/mailroom-labs/kite/internal/domain"
	"github.com/mailroom-labs/kite/internal/repository"
	"github.com/mailroom-labs/kite/internal/rules"
	"github.com/mailroom-labs/kite/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Optional .env for local development
	_ = godotenv.Load()

	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KITE_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kite",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for cluster profile via environment
	if os.Getenv("KITE_PROFILE") == "cluster" {
		cfg = domain.ClusterConfig()
		slog.Info("running in cluster profile")
	}
	applyEnvOverrides(cfg)

	slog.Info("configuration loaded",
		"profile", cfg.Profile,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Rule Engine
	engine, err := rules.NewEngine(cfg.Engine.MaxWorkers)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}

	// Pre-load rules for known tenants (others load lazily on first event)
	tenantIDs := parseTenants(os.Getenv("KITE_TENANTS"))
	if err := loadRulesFromDatabase(ctx, repo, engine, tenantIDs); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Initialize Dispatch Planner with optional cooldown guard
	planner := dispatch.NewPlanner()
	if cfg.Engine.CooldownWindow > 0 {
		planner.Guard = cooldown.NewGuard(cacheImpl, cfg.Engine.CooldownWindow)
		slog.Info("cooldown guard enabled", "window", cfg.Engine.CooldownWindow)
	}

	// Initialize async Worker (cluster profile)
	async := cfg.Profile == domain.ProfileCluster || os.Getenv("KITE_ASYNC_WORKER") == "true"
	var asyncWorker *worker.Worker
	if async {
		asyncWorker = worker.NewWorker(busImpl, repo, engine, planner)

		workerCfg := worker.Config{
			TenantIDs: tenantIDs,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, engine, planner, Version, async, cfg.Engine.RuleCacheTTL)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kite is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kite shutdown complete")
}

// applyEnvOverrides lets the most common deployment knobs come from the
// environment without a config file.
func applyEnvOverrides(cfg *domain.Config) {
	if v := os.Getenv("KITE_PG_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("KITE_PG_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("KITE_PG_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("KITE_PG_DB"); v != "" {
		cfg.Repository.PostgresDB = v
	}
	if v := os.Getenv("KITE_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("KITE_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KITE_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KITE_RABBIT_URL"); v != "" {
		cfg.EventBus.Type = "rabbitmq"
		cfg.EventBus.RabbitURL = v
	}
	if v := os.Getenv("KITE_COOLDOWN_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.CooldownWindow = d
		} else {
			slog.Warn("ignoring invalid KITE_COOLDOWN_WINDOW", "value", v)
		}
	}
}

func parseTenants(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// loadRulesFromDatabase loads each tenant's active rules into the engine.
// Rules are configured via POST /rules - no hardcoded defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine, tenantIDs []string) error {
	if len(tenantIDs) == 0 {
		slog.Info("no tenants configured - rules load lazily per request")
		return nil
	}

	var total int
	for _, tenantID := range tenantIDs {
		dbRules, err := repo.ListActiveRules(ctx, tenantID)
		if err != nil {
			slog.Warn("failed to list rules for tenant", "tenant_id", tenantID, "error", err)
			continue
		}
		for _, rule := range dbRules {
			if err := engine.LoadRule(rule); err != nil {
				slog.Warn("skipping invalid rule", "id", rule.ID, "error", err)
				continue
			}
			total++
		}
	}

	slog.Info("loaded rules from database", "count", total, "tenants", len(tenantIDs))
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🪁 KITE                     ║")
	fmt.Println("  ║      Notification Rule Engine             ║")
	fmt.Println("  ║   The right nudge at the right time.      ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Profile:  %s\n", cfg.Profile)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /events                - Ingest a trigger event")
	fmt.Println("    GET    /events/{id}           - Get event by ID")
	fmt.Println("    GET    /dispatches/{id}       - Get dispatch instruction by ID")
	fmt.Println("    GET    /rules                 - List rules")
	fmt.Println("    POST   /rules                 - Create a rule")
	fmt.Println("    GET    /rules/{id}            - Get rule by ID")
	fmt.Println("    PATCH  /rules/{id}            - Update a rule")
	fmt.Println("    DELETE /rules/{id}            - Delete a rule")
	fmt.Println("    GET    /rules/{id}/dispatches - List a rule's dispatches")
	fmt.Println("    POST   /rules/reload          - Hot-reload rules from database")
	fmt.Println("    GET    /health                - Health check")
	fmt.Println()
}
