// Command acpd runs the transaction coordination daemon: agent
// registry, negotiation engine, transaction state machine and
// reputation store behind a JSON HTTP surface.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/solaceprotocol/acp-core/pkg/audit"
	"github.com/solaceprotocol/acp-core/pkg/config"
	"github.com/solaceprotocol/acp-core/pkg/coordinator"
	"github.com/solaceprotocol/acp-core/pkg/lifecycle"
	"github.com/solaceprotocol/acp-core/pkg/negotiation"
	"github.com/solaceprotocol/acp-core/pkg/observability"
	"github.com/solaceprotocol/acp-core/pkg/registry"
	"github.com/solaceprotocol/acp-core/pkg/reputation"
	"github.com/solaceprotocol/acp-core/pkg/settlement"
	"github.com/solaceprotocol/acp-core/pkg/signature"
	"github.com/solaceprotocol/acp-core/pkg/store"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	if err := run(); err != nil {
		slog.Error("daemon exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "acpd",
		ServiceVersion: observability.DefaultConfig().ServiceVersion,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	kv, closeKV, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeKV()

	reg, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}

	events := audit.NewEventLog()
	machine := lifecycle.New(kv, lifecycle.WithEmitter(events))
	rep := reputation.New(kv).WithEmitter(events)

	strategy, err := cfg.ResolveStrategy()
	if err != nil {
		return err
	}
	engine := negotiation.NewEngine(negotiation.WithRoundTimeout(cfg.RoundTimeout))

	var settler settlement.Settler
	if cfg.SettlementURL != "" {
		settler = settlement.NewHTTPSettler(cfg.SettlementURL)
	} else {
		slog.Warn("no settlement endpoint configured, using static settler")
		settler = settlement.NewStaticSettler()
	}

	limiter := openLimiter(cfg)
	if closer, ok := limiter.(interface{ Close() error }); ok {
		defer func() { _ = closer.Close() }()
	}

	coord, err := coordinator.New(reg, machine, engine, rep, settler, signature.Ed25519Verifier{},
		coordinator.Config{Strategy: strategy},
		coordinator.WithLimiter(limiter))
	if err != nil {
		return err
	}

	// Expire idle transactions promptly; lazy per-read expiry still
	// covers correctness when this lags.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := machine.SweepExpired(ctx); err != nil {
					slog.Warn("expiry sweep failed", "err", err)
				} else if n > 0 {
					slog.Info("expiry sweep", "expired", n)
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newServer(coord, machine, reg, rep, obs).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("acpd listening", "addr", srv.Addr, "store", cfg.Store, "strategy", strategy.Name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "err", err)
	}
	return coord.Shutdown(shutdownCtx)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func openStore(cfg *config.Config) (store.KV, func(), error) {
	switch cfg.Store {
	case "sqlite":
		kv, err := store.OpenSQLiteKV(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return kv, func() { _ = kv.Close() }, nil
	case "memory":
		return store.NewMemoryKV(), func() {}, nil
	default:
		return nil, nil, errors.New("unknown store backend: " + cfg.Store)
	}
}

func openRegistry(ctx context.Context, cfg *config.Config) (registry.Registry, error) {
	if cfg.Registry != "postgres" {
		return registry.NewInMemoryRegistry(), nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	pg := registry.NewPostgresRegistry(db)
	if err := pg.Init(ctx); err != nil {
		return nil, err
	}
	return pg, nil
}

func openLimiter(cfg *config.Config) coordinator.LimiterStore {
	if cfg.Limiter == "redis" {
		return coordinator.NewRedisLimiterStore(
			cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RateRPS, cfg.RateBurst)
	}
	return coordinator.NewInMemoryLimiterStore(cfg.RateRPS, cfg.RateBurst)
}
