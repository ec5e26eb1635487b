package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/devlens/scmscan/internal/config"
	"github.com/devlens/scmscan/internal/database"
	"github.com/devlens/scmscan/internal/platform"
	"github.com/devlens/scmscan/internal/ratelimit"
	"github.com/devlens/scmscan/internal/reconcile"
	"github.com/devlens/scmscan/internal/scan"
	"github.com/devlens/scmscan/internal/store"
	"github.com/devlens/scmscan/internal/strategy"
	"github.com/devlens/scmscan/internal/users"
)

// app holds the wired-up components shared by the scan and daemon commands.
type app struct {
	cfg          *config.Config
	db           database.DB
	gateway      *store.Gateway
	orchestrator *scan.Orchestrator
}

// buildApp loads the configuration, opens and migrates the database, and
// wires the scan pipeline. Callers must Close the returned app.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	gateway := store.New(db, cfg.Scan.MaxMergeRequestsPerScan)

	limiter := ratelimit.New(cfg.RateLimit.Requests,
		time.Duration(cfg.RateLimit.WindowSeconds)*time.Second,
		cfg.RateLimit.FailFast)
	platforms := platform.NewRegistry(limiter, cfg.Scan.ResultLimit)
	strategies := strategy.NewRegistry(
		strategy.NewRESTStrategy(platforms),
		strategy.NewCloneStrategy(cfg.Scan.ResultLimit),
	)
	reconciler := reconcile.New(gateway, reconcile.Options{
		RefreshDefaultMonths: cfg.Scan.RefreshDefaultMonths,
		RefreshCapMonths:     cfg.Scan.RefreshCapMonths,
	})
	resolver := users.NewResolver(gateway)

	return &app{
		cfg:          cfg,
		db:           db,
		gateway:      gateway,
		orchestrator: scan.NewOrchestrator(strategies, platforms, reconciler, resolver, gateway, cfg.Scan),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
