package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hamba/cmd"
	"github.com/hashicorp/go-hclog"
	"gopkg.in/urfave/cli.v2"

	"github.com/YallaPapi/geelark-automation-sub002/coordinator"
	"github.com/YallaPapi/geelark-automation-sub002/coordinator/ledger"
)

func runRun(c *cli.Context) error {
	ctx, err := cmd.NewContext(c)
	if err != nil {
		return err
	}

	st, err := newStore(ctx)
	if err != nil {
		return err
	}

	orch, err := newOrchestrator(ctx, st)
	if err != nil {
		return err
	}

	var seeds []ledger.Job
	if ctx.String(flagAccounts) != "" || ctx.String(flagVideos) != "" {
		if seeds, err = newSeeder(ctx).Jobs(); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-cmd.WaitForSignals()
		ctx.Logger().Info("Shutdown signalled, letting workers finish up")
		cancel()
	}()

	summary, err := orch.Run(runCtx, seeds)
	if err != nil {
		return err
	}

	if summary.Outcome == coordinator.PassesMaxReached {
		ctx.Logger().Info("Retryable jobs remain for inspection", "failed", summary.Final.Failed)
	}
	return nil
}

func runWorker(c *cli.Context) error {
	ctx, err := cmd.NewContext(c)
	if err != nil {
		return err
	}

	st, err := newStore(ctx)
	if err != nil {
		return err
	}

	cfg := newConfig(ctx)
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   fmt.Sprintf("worker-%d", ctx.Int(flagWorkerID)),
		Output: os.Stderr,
	})

	w, err := coordinator.NewWorker(ctx.Int(flagWorkerID), st, newExecutor(ctx), cfg, ctx.IntSlice(flagPort), logger)
	if err != nil {
		return err
	}

	// The whole loop runs under signal cover: cancellation lets the worker
	// report or release its claim before the process exits.
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-cmd.WaitForSignals()
		cancel()
	}()

	return w.Run(runCtx)
}

func runSeed(c *cli.Context) error {
	ctx, err := cmd.NewContext(c)
	if err != nil {
		return err
	}

	st, err := newStore(ctx)
	if err != nil {
		return err
	}

	jobs, err := newSeeder(ctx).Jobs()
	if err != nil {
		return err
	}

	inserted, err := st.Seed(jobs)
	if err != nil {
		return err
	}

	fmt.Printf("seeded %d of %d jobs\n", inserted, len(jobs))
	return nil
}

func runStatus(c *cli.Context) error {
	ctx, err := cmd.NewContext(c)
	if err != nil {
		return err
	}

	st, err := newStore(ctx)
	if err != nil {
		return err
	}

	app := newApplication(ctx, st)
	return app.PrintStatus(os.Stdout)
}

func runReset(c *cli.Context) error {
	ctx, err := cmd.NewContext(c)
	if err != nil {
		return err
	}

	st, err := newStore(ctx)
	if err != nil {
		return err
	}

	reset, err := st.ResetFailed(ctx.Bool(flagIncludeAcct))
	if err != nil {
		return err
	}

	fmt.Printf("reset %d jobs\n", reset)
	return nil
}
