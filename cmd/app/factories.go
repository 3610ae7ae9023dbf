package main

import (
	"context"
	"strconv"
	"time"

	"github.com/hamba/cmd"

	automation "github.com/YallaPapi/geelark-automation-sub002"
	"github.com/YallaPapi/geelark-automation-sub002/coordinator"
	"github.com/YallaPapi/geelark-automation-sub002/coordinator/ledger"
	"github.com/YallaPapi/geelark-automation-sub002/coordinator/store"
	pkglog "github.com/YallaPapi/geelark-automation-sub002/pkg/log"
)

// Application =============================

func newApplication(c *cmd.Context, st *store.Store) *automation.Application {
	return automation.NewApplication(automation.Config{
		Store:   st,
		Logger:  c.Logger(),
		Statter: c.Statter(),
	})
}

// Store ===================================

func newStore(c *cmd.Context) (*store.Store, error) {
	cfg := newConfig(c)

	file, err := ledger.OpenFile(cfg.LedgerPath, cfg.LockTimeout, c.Logger())
	if err != nil {
		return nil, err
	}

	return store.New(file, store.Config{Logger: c.Logger()})
}

// Coordinator =============================

func newConfig(c *cmd.Context) *coordinator.Config {
	cfg := coordinator.NewConfig()
	cfg.LedgerPath = c.String(flagLedger)
	cfg.TaskCommand = c.StringSlice(flagTaskCmd)
	cfg.LockTimeout = time.Duration(c.Int(flagLockTimeout)) * time.Second
	cfg.StaleClaimAge = time.Duration(c.Int(flagStaleAge)) * time.Second
	cfg.Logger = c.Logger()

	if workers := c.Int(flagWorkers); workers > 0 {
		cfg.Workers = workers
	}
	if passes := c.Int(flagMaxPasses); passes > 0 {
		cfg.MaxPasses = passes
	}
	cfg.ForceSeed = c.Bool(flagForceSeed)

	return cfg
}

func newExecutor(c *cmd.Context) coordinator.TaskExecutor {
	return coordinator.CommandExecutor{Command: c.StringSlice(flagTaskCmd)}
}

func newOrchestrator(c *cmd.Context, st *store.Store) (*coordinator.Orchestrator, error) {
	cfg := newConfig(c)

	var spawn coordinator.SpawnFunc
	if c.Bool(flagEmbedded) {
		spawn = embeddedSpawn(c, cfg, st)
	}

	return coordinator.NewOrchestrator(cfg, st, spawn)
}

// embeddedSpawn runs workers as goroutines in this process, logging
// through the application logger.
func embeddedSpawn(c *cmd.Context, cfg *coordinator.Config, st *store.Store) coordinator.SpawnFunc {
	exec := newExecutor(c)
	logger := c.Logger()

	return func(ctx context.Context, p coordinator.WorkerProcess) error {
		hcl := pkglog.NewHCLBridge(logger, "")
		w, err := coordinator.NewWorker(p.ID, st, exec, cfg, p.Ports, hcl.Named("worker-"+strconv.Itoa(p.ID)))
		if err != nil {
			return err
		}
		return w.Run(ctx)
	}
}

// Seeder ==================================

func newSeeder(c *cmd.Context) coordinator.Seeder {
	return coordinator.Seeder{
		AccountsPath: c.String(flagAccounts),
		VideosDir:    c.String(flagVideos),
		MaxAttempts:  c.Int(flagMaxAttempts),
	}
}
