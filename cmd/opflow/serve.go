package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/opflow/internal/behaviors"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/lifecycle"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/notify"
	"github.com/rendis/opflow/internal/scheduler"
	"github.com/rendis/opflow/internal/secrets"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/templates"
	"github.com/rendis/opflow/internal/trigger"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/mcp"
)

const recentNotifications = 200

// app holds the wired components of a running server.
type app struct {
	store      *store.LibSQLStore
	registry   *behaviors.Registry
	hub        *notify.MemoryHub
	recent     *notify.Recent
	dispatcher *engine.Dispatcher
	cron       *scheduler.Scheduler
	vault      *secrets.AESVault
	server     *mcp.OpflowServer
	logger     *slog.Logger
}

func runServe(args []string) error {
	cfg := loadConfig()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.BoolVar(&cfg.Scheduler, "scheduler", cfg.Scheduler, "enable cron-fired triggers")
	fs.StringVar(&cfg.VaultKey, "vault-key", cfg.VaultKey, "vault key or passphrase (memory only, not persisted to disk)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// stdout carries the MCP transport; logs go to stderr.
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if a.cron != nil {
		if err := a.cron.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	logger.Info("opflow serving",
		slog.String("version", version),
		slog.String("db_path", cfg.DBPath),
		slog.Int("behaviors", a.registry.Count()),
		slog.Bool("scheduler", a.cron != nil),
		slog.Bool("vault", a.vault != nil),
	)
	if err := a.server.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

// newApp wires the store, behavior registry, engine and MCP server. The
// returned app has not started any background loop other than the
// notification follower, which stops with ctx.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := cfg.DBPath
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	st, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var (
		vault   *secrets.AESVault
		webhook behaviors.WebhookConfig
	)
	if cfg.VaultKey != "" {
		vault, err = secrets.NewAESVault(st, secrets.ConfigFromKey(cfg.VaultKey, []byte(cfg.VaultSalt)))
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("open vault: %w", err)
		}
		webhook.Secrets = vault
	} else {
		logger.Warn("no vault key configured; secrets and webhook secret refs are unavailable")
	}

	deps, err := behaviors.NewBuiltinDeps()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	reg := behaviors.NewRegistry()
	all := append(behaviors.Builtins(deps), behaviors.NewWebhook(webhook))
	for _, b := range all {
		if err := reg.Register(behaviors.WithTimeout(b, time.Duration(cfg.BehaviorTimeout))); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	validator, err := validation.NewWorkflowValidator(reg, deps.CEL)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	catalog := templates.Default()
	svc := lifecycle.NewService(st, catalog, validator, logger)

	hub := notify.NewMemoryHub()
	recent := notify.NewRecent(recentNotifications)
	if err := recent.Follow(ctx, hub, notify.Filter{}); err != nil {
		_ = st.Close()
		return nil, err
	}

	// The MCP notifier needs the server, which needs the dispatcher. It is
	// assigned below, before any run can happen.
	var pusher *mcp.MCPNotifier
	notifier := notify.Fanout{
		notify.NewLogNotifier(logger),
		hub,
		engine.NotifierFunc(func(ctx context.Context, n engine.Notification) error {
			if pusher == nil {
				return nil
			}
			return pusher.Notify(ctx, n)
		}),
	}

	breakerCfg := engine.DefaultCircuitBreakerConfig()
	if cfg.BreakerThreshold > 0 {
		breakerCfg.FailureThreshold = cfg.BreakerThreshold
	}
	if cfg.BreakerCooldown > 0 {
		breakerCfg.Cooldown = time.Duration(cfg.BreakerCooldown)
	}

	sched, err := engine.NewScheduler(reg,
		engine.WithNotifier(notifier),
		engine.WithRollbackHook(rollbackLogger(logger)),
		engine.WithCircuitBreakers(engine.NewCircuitBreakerRegistry(breakerCfg)),
		engine.WithEventLog(st),
		engine.WithLogger(logger),
		engine.WithConditions(deps.CEL),
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	dispatcher := engine.NewDispatcher(trigger.NewResolver(st), sched,
		engine.WithDispatchEvents(st),
		engine.WithDispatchLogger(logger),
		engine.WithBatchConcurrency(cfg.PoolSize),
	)

	a := &app{
		store:      st,
		registry:   reg,
		hub:        hub,
		recent:     recent,
		dispatcher: dispatcher,
		vault:      vault,
		logger:     logger,
	}

	srvDeps := mcp.ServerDeps{
		Catalog:       catalog,
		Workflows:     svc,
		Dispatcher:    dispatcher,
		Events:        st,
		Behaviors:     reg,
		Notifications: recent,
		Logger:        logger,
	}
	if vault != nil {
		srvDeps.Secrets = vault
	}
	if cfg.Scheduler {
		a.cron = scheduler.NewScheduler(st, dispatcher, time.Duration(cfg.SchedulerInterval), logger)
		srvDeps.Schedules = a.cron
	}
	a.server = mcp.NewOpflowServer(srvDeps)
	pusher = mcp.NewMCPNotifier(a.server.MCPServer(), a.server.Sessions())

	return a, nil
}

func (a *app) close() {
	if a.cron != nil {
		if err := a.cron.Stop(); err != nil {
			a.logger.Error("scheduler stop failed", slog.String("error", err.Error()))
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("store close failed", slog.String("error", err.Error()))
	}
}

// rollbackLogger reports which completed steps may need compensation. The
// engine never undoes side effects itself.
func rollbackLogger(logger *slog.Logger) engine.RollbackHook {
	return func(ctx context.Context, info engine.RollbackInfo) error {
		completed := make([]string, 0, len(info.Completed))
		for _, step := range info.Completed {
			completed = append(completed, step.BehaviorID)
		}
		logging.LogWith(ctx, logger).Warn("pipeline rolled back",
			slog.String("organization_id", info.OrganizationID),
			slog.String("failed_behavior", info.Failed.BehaviorID),
			slog.String("failure_kind", string(info.Failed.FailureKind)),
			slog.Any("completed", completed),
		)
		return nil
	}
}
