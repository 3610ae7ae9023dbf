package coordinator

import (
	"context"

	"github.com/hamba/pkg/log"
	"github.com/pkg/errors"

	"github.com/YallaPapi/geelark-automation-sub002/coordinator/store"
)

// PassOutcome is the terminal state of a pass run.
type PassOutcome string

// The pass outcome constants.
const (
	// PassesAllComplete indicates every job reached success or skipped.
	PassesAllComplete PassOutcome = "all_complete"
	// PassesOnlyNonRetryable indicates the remaining failures cannot be
	// retried (account category or out of attempt budget).
	PassesOnlyNonRetryable PassOutcome = "only_non_retryable"
	// PassesMaxReached indicates retryable work remains but the pass
	// ceiling was hit. Rows keep their last failed state for inspection.
	PassesMaxReached PassOutcome = "max_passes_reached"
)

// SweepRunner runs the worker pool over the current pass until every
// worker has idle-exited.
type SweepRunner func(ctx context.Context, pass int) error

// PassSummary describes a finished pass run.
type PassSummary struct {
	Passes  int
	Outcome PassOutcome
	Final   store.Stats
}

// PassManager decides, after each full sweep, whether retryable failures
// are requeued for another pass. It is the single retry-decision point;
// workers only record classified outcomes.
type PassManager struct {
	store *store.Store
	run   SweepRunner
	cfg   *Config

	log log.Logger
}

// NewPassManager creates a pass manager.
func NewPassManager(st *store.Store, run SweepRunner, cfg *Config) (*PassManager, error) {
	if st == nil {
		return nil, errors.New("coordinator: store cannot be nil")
	}
	if run == nil {
		return nil, errors.New("coordinator: sweep runner cannot be nil")
	}
	if cfg == nil {
		cfg = NewConfig()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Null
	}

	return &PassManager{
		store: st,
		run:   run,
		cfg:   cfg,
		log:   logger,
	}, nil
}

// Run executes sweeps until all jobs are terminal, only non-retryable
// failures remain, or the pass ceiling is reached.
func (m *PassManager) Run(ctx context.Context) (PassSummary, error) {
	maxPasses := m.cfg.MaxPasses
	if maxPasses < 1 {
		maxPasses = 1
	}

	var stats store.Stats
	for pass := 1; ; pass++ {
		if err := ctx.Err(); err != nil {
			return PassSummary{Passes: pass - 1, Final: stats}, errors.Wrap(err, "coordinator: pass run cancelled")
		}

		m.log.Info("Starting pass", "pass", pass, "max_passes", maxPasses)
		if err := m.run(ctx, pass); err != nil {
			return PassSummary{Passes: pass, Final: stats}, errors.Wrapf(err, "coordinator: pass %d sweep", pass)
		}

		var err error
		stats, err = m.store.Stats()
		if err != nil {
			return PassSummary{Passes: pass, Final: stats}, err
		}
		m.log.Info("Pass complete",
			"pass", pass,
			"success", stats.Success,
			"failed", stats.Failed,
			"retrying", stats.Retrying,
			"account_failures", stats.AccountFailures)

		if stats.Failed == 0 && stats.Retrying == 0 && stats.Pending == 0 && stats.Claimed == 0 {
			return PassSummary{Passes: pass, Outcome: PassesAllComplete, Final: stats}, nil
		}

		// Claimed rows can survive a sweep when a worker had to abandon
		// its outcome; pending rows when every poll of their subject hit
		// the lock timeout. Neither is terminal, so another sweep gets a
		// go at them.
		retryable := stats.RetryableFailed + stats.Retrying
		if retryable == 0 && stats.Pending == 0 && stats.Claimed == 0 {
			return PassSummary{Passes: pass, Outcome: PassesOnlyNonRetryable, Final: stats}, nil
		}

		if pass >= maxPasses {
			m.log.Info("Pass ceiling reached with unsettled work remaining",
				"retryable", retryable,
				"pending", stats.Pending,
				"claimed", stats.Claimed)
			return PassSummary{Passes: pass, Outcome: PassesMaxReached, Final: stats}, nil
		}

		reset, err := m.store.ResetForPass(pass + 1)
		if err != nil {
			return PassSummary{Passes: pass, Final: stats}, err
		}
		if reset == 0 {
			// Retrying rows whose retry time has not elapsed are claimable
			// next sweep without a reset.
			m.log.Info("No rows reset, continuing on due retries", "pass", pass)
		}
	}
}
