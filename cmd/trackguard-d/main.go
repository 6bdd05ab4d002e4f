package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/rmax-ai/trackguard/pkg/alerts"
	"github.com/rmax-ai/trackguard/pkg/api"
	"github.com/rmax-ai/trackguard/pkg/blob"
	"github.com/rmax-ai/trackguard/pkg/coordinator"
	"github.com/rmax-ai/trackguard/pkg/engine"
	"github.com/rmax-ai/trackguard/pkg/queue"
	"github.com/rmax-ai/trackguard/pkg/store"
	redisstore "github.com/rmax-ai/trackguard/pkg/store/redis"
	"github.com/rmax-ai/trackguard/pkg/stream"
	"github.com/rmax-ai/trackguard/pkg/vendor"
)

// Version is set at build time.
var Version = "dev"

const archiveInterval = time.Hour

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "trackguard-d: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("system_started", "component", "trackguard-d", "version", Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	if err := run(ctx, cfg, logger, hup); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown_complete")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, cfg Config, logger *slog.Logger, hup <-chan os.Signal) error {
	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed_to_close_store", "error", err)
		}
	}()
	logger.Info("store_initialized", "path", cfg.DBPath)

	backends, closeBackends, err := newBackends(ctx, cfg, st, logger)
	if err != nil {
		return err
	}
	defer closeBackends()

	caller, err := newVendor(cfg)
	if err != nil {
		return err
	}

	coord := coordinator.New(caller, coordinator.Config{
		MinSpacing: cfg.MinSpacing,
		CacheTTL:   cfg.CacheTTL,
		Cooldown:   cfg.Cooldown,
	}, backends, logger.With("component", "coordinator"))
	coord.Start(ctx)
	defer coord.Stop()

	requests := engine.NewRequestManager(engine.DefaultLimiterConfig(), logger.With("component", "requests"))
	requests.Start(ctx)
	defer requests.Stop()

	polling := engine.NewSmartPolling(requests, engine.DefaultPollingConfig(), logger.With("component", "polling"))
	facade := engine.NewSessionFacade(requests, polling,
		engine.NewVendorPollFunc(coord.Caller(queue.PriorityMedium, "sessions")),
		logger.With("component", "sessions"))
	facade.SetGateway(func(ctx context.Context) (engine.GatewayStatus, error) {
		h := coord.Health(ctx)
		return engine.GatewayStatus{
			CircuitOpen:       h.CircuitOpen,
			EmergencyStop:     h.EmergencyStop,
			CooldownRemaining: time.Duration(h.CooldownRemainingMs) * time.Millisecond,
		}, nil
	})
	defer facade.Close()

	hub := stream.NewHub(logger.With("component", "stream"))
	go hub.Run(ctx)

	executor := alerts.NewExecutor(hub, alerts.LogMailer{Logger: logger}, logger.With("component", "alert_actions"))
	manager := alerts.NewManager(executor, st, logger.With("component", "alerts"))
	defer manager.Close()
	if err := manager.Restore(ctx); err != nil {
		logger.Warn("alert_restore_failed", "error", err)
	}
	if cfg.RulesPath != "" {
		if err := reloadRules(manager, cfg.RulesPath); err != nil {
			return err
		}
		logger.Info("alert_rules_loaded", "path", cfg.RulesPath, "count", len(manager.Rules()))
	}

	// Alerts need every update: a missed "condition false" would delay a
	// resolve and the duration gate restart.
	updates, unsubscribe := facade.SubscribeReliable(256)
	defer unsubscribe()
	go manager.Run(ctx, updates)
	go forwardPositions(ctx, facade, hub, logger)
	go forwardAlertEvents(ctx, manager, hub, logger)
	var archive blob.Store
	if cfg.ArchiveDir != "" {
		archive = blob.NewLocalStore(cfg.ArchiveDir)
	}
	archiver := alerts.NewArchiver(st, archive, alerts.ArchiveConfig{
		Retention:     cfg.AlertRetention,
		CheckInterval: archiveInterval,
	}, logger.With("component", "archiver"))
	go archiver.Run(ctx)

	for _, s := range cfg.Sessions {
		priority, err := queue.ParsePriority(s.Priority)
		if err != nil {
			return fmt.Errorf("session %s: %w", s.ID, err)
		}
		if err := facade.RegisterSession(s.ID, s.DeviceIDs, s.Interval, nil, priority); err != nil {
			return fmt.Errorf("session %s: %w", s.ID, err)
		}
	}

	srv := api.NewServer(api.Deps{
		Gateway:  coord,
		Requests: requests,
		Sessions: facade,
		Alerts:   manager,
		History:  st,
		Stream:   hub,
		Version:  Version,
	}, cfg.Addr, logger.With("component", "api"))
	srv.SetAdminToken(cfg.AdminToken)
	srv.SetTLS(cfg.TLSCert, cfg.TLSKey)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	for {
		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case <-hup:
			if cfg.RulesPath == "" {
				logger.Warn("reload_skipped", "reason", "no rules path configured")
				continue
			}
			if err := reloadRules(manager, cfg.RulesPath); err != nil {
				// Keep the previous rules.
				logger.Error("alert_rules_reload_failed", "path", cfg.RulesPath, "error", err)
				continue
			}
			logger.Info("alert_rules_reloaded", "path", cfg.RulesPath, "count", len(manager.Rules()))
		case <-ctx.Done():
			logger.Info("shutdown_initiated")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server_shutdown_failed", "error", err)
			}
			manager.Wait()
			return nil
		}
	}
}

// newBackends picks Redis for shared Coordinator state when configured and
// falls back to SQLite plus process memory.
func newBackends(ctx context.Context, cfg Config, st *store.Store, logger *slog.Logger) (coordinator.Backends, func(), error) {
	if cfg.RedisURL == "" {
		b := coordinator.Backends{State: st, Leases: st}
		if cfg.MaxPerMinute > 0 {
			b.Limiter = coordinator.NewMemoryLimiter(cfg.MaxPerMinute, time.Minute)
		}
		logger.Info("coordinator_backends", "state", "sqlite", "cache", "memory")
		return b, func() {}, nil
	}

	rdb, err := redisstore.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		return coordinator.Backends{}, nil, err
	}
	b := coordinator.Backends{
		State:  redisstore.NewRedisStateStore(rdb),
		Cache:  redisstore.NewRedisCache(rdb),
		Leases: redisstore.NewRedisLeaseStore(rdb),
	}
	if cfg.MaxPerMinute > 0 {
		b.Limiter = redisstore.NewRedisLimiter(rdb, cfg.MaxPerMinute, time.Minute)
	}
	logger.Info("coordinator_backends", "state", "redis", "cache", "redis")
	return b, func() {
		if err := rdb.Close(); err != nil {
			logger.Error("failed_to_close_redis", "error", err)
		}
	}, nil
}

func newVendor(cfg Config) (vendor.Caller, error) {
	switch cfg.VendorMode {
	case "http":
		return vendor.NewHTTPClient(cfg.VendorURL, cfg.VendorToken), nil
	case "mock":
		return vendor.NewMockVendor(cfg.MockDevices), nil
	default:
		return nil, fmt.Errorf("unsupported vendor mode: %s", cfg.VendorMode)
	}
}

func reloadRules(m *alerts.Manager, path string) error {
	rules, err := alerts.LoadRules(path)
	if err != nil {
		return err
	}
	return m.ReplaceRules(rules)
}

func forwardPositions(ctx context.Context, facade *engine.SessionFacade, hub *stream.Hub, logger *slog.Logger) {
	updates, unsubscribe := facade.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Err != nil || len(u.Positions) == 0 {
				continue
			}
			if err := hub.Broadcast("positions", u); err != nil && !errors.Is(err, stream.ErrClosed) {
				logger.Debug("position_broadcast_dropped", "session_id", u.SessionID, "error", err)
			}
		}
	}
}

func forwardAlertEvents(ctx context.Context, m *alerts.Manager, hub *stream.Hub, logger *slog.Logger) {
	events, unsubscribe := m.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := hub.Broadcast("alert_"+string(ev.Type), ev.Alert); err != nil && !errors.Is(err, stream.ErrClosed) {
				logger.Debug("alert_broadcast_dropped", "alert_id", ev.Alert.ID, "error", err)
			}
		}
	}
}
