package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/YallaPapi/geelark-automation-sub002/coordinator/ledger"
	"github.com/YallaPapi/geelark-automation-sub002/coordinator/store"
)

// Worker claims jobs from the store and runs them through the task
// executor, one at a time, until no work remains or its context is
// cancelled. Shutdown is cooperative: the context is checked between every
// step, and the in-flight claim is released best-effort on the way out.
// The stale-claim sweep is the backstop when even that is impossible.
type Worker struct {
	id    int
	store *store.Store
	exec  TaskExecutor
	cfg   *Config
	ports []int

	inflight string

	log hclog.Logger
}

// NewWorker creates a worker. ports is the worker's reserved device-bridge
// port block, passed through to the executor.
func NewWorker(id int, st *store.Store, exec TaskExecutor, cfg *Config, ports []int, logger hclog.Logger) (*Worker, error) {
	if id < 1 {
		return nil, errors.Errorf("coordinator: invalid worker id %d", id)
	}
	if st == nil {
		return nil, errors.New("coordinator: store cannot be nil")
	}
	if exec == nil {
		return nil, errors.New("coordinator: executor cannot be nil")
	}
	if cfg == nil {
		cfg = NewConfig()
	}
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{Name: fmt.Sprintf("worker-%d", id)})
	}

	return &Worker{
		id:    id,
		store: st,
		exec:  exec,
		cfg:   cfg,
		ports: ports,
		log:   logger,
	}, nil
}

// Run executes the claim/verify/execute/report loop. It returns nil on a
// clean idle exit or cancellation; any claim still held is released on the
// way out.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker starting", "ports", w.ports)
	defer w.releaseInflight()

	idlePolls := 0
	for iter := 0; ; iter++ {
		if ctx.Err() != nil {
			w.log.Info("worker stopping", "reason", "shutdown")
			return nil
		}

		if w.cfg.StaleSweepEvery > 0 && iter%w.cfg.StaleSweepEvery == 0 {
			if n, err := w.store.ReleaseStaleClaims(w.cfg.StaleClaimAge); err != nil {
				w.log.Error("stale claim sweep failed", "error", err)
			} else if n > 0 {
				w.log.Info("released stale claims", "count", n)
			}
		}

		job, err := w.store.ClaimNext(w.id)
		if err != nil {
			if errors.Cause(err) == ledger.ErrLockTimeout {
				w.log.Warn("ledger lock timed out claiming, retrying")
				if !w.sleep(ctx, w.cfg.PollInterval) {
					return nil
				}
				continue
			}
			return errors.Wrap(err, "coordinator: claiming job")
		}

		if job == nil {
			idlePolls++
			if idlePolls >= w.cfg.IdleExitPolls {
				w.log.Info("worker stopping", "reason", "no work remains")
				return nil
			}
			if !w.sleep(ctx, w.cfg.PollInterval) {
				return nil
			}
			continue
		}
		idlePolls = 0
		w.inflight = job.JobID

		ok, reason, err := w.store.VerifyClaim(job.JobID, w.id)
		if err != nil {
			w.log.Error("claim verification errored", "job", job.JobID, "error", err)
			w.releaseInflight()
			continue
		}
		if !ok {
			w.log.Info("claim invalid, skipping", "job", job.JobID, "reason", reason)
			w.inflight = ""
			continue
		}

		if ctx.Err() != nil {
			w.log.Info("worker stopping", "reason", "shutdown before execute")
			return nil
		}

		w.log.Info("executing job", "job", job.JobID, "subject", job.Subject, "attempt", job.Attempts+1)
		success, rawErr := w.execute(ctx, *job)

		if ctx.Err() != nil && !success {
			// Shutdown interrupted the attempt; release instead of
			// charging a failed attempt against the job.
			w.log.Info("shutdown during execution, releasing claim", "job", job.JobID)
			w.releaseInflight()
			return nil
		}

		w.report(store.Outcome{
			JobID:      job.JobID,
			WorkerID:   w.id,
			Success:    success,
			Error:      rawErr,
			RetryDelay: w.cfg.RetryDelay,
		})
		w.inflight = ""

		if !w.sleep(ctx, w.cfg.InterJobDelay) {
			return nil
		}
	}
}

// execute invokes the task executor, converting a panic into a failed
// outcome so one bad job never kills the worker.
func (w *Worker) execute(ctx context.Context, job ledger.Job) (success bool, rawErr string) {
	defer func() {
		if r := recover(); r != nil {
			success = false
			rawErr = fmt.Sprintf("task executor panic: %v", r)
			w.log.Error("task executor panicked", "job", job.JobID, "panic", r)
		}
	}()

	return w.exec.Execute(ctx, job, w.ports)
}

// report records the outcome, retrying past lock timeouts a bounded number
// of times. The claim stays in place if all tries fail; the stale sweep
// recovers it.
func (w *Worker) report(out store.Outcome) {
	for tries := 0; tries < 3; tries++ {
		_, err := w.store.UpdateStatus(out)
		if err == nil {
			return
		}
		if errors.Cause(err) != ledger.ErrLockTimeout {
			w.log.Error("recording outcome failed", "job", out.JobID, "error", err)
			return
		}
		w.log.Warn("ledger lock timed out recording outcome, retrying", "job", out.JobID)
	}
	w.log.Error("abandoning outcome after lock timeouts, stale sweep will recover the claim", "job", out.JobID)
}

// releaseInflight returns the held claim to pending. Best effort: on any
// error the stale sweep is the backstop.
func (w *Worker) releaseInflight() {
	if w.inflight == "" {
		return
	}
	if _, err := w.store.ReleaseClaims(w.id); err != nil {
		w.log.Error("releasing in-flight claim failed", "job", w.inflight, "error", err)
	}
	w.inflight = ""
}

// sleep waits for d unless the context is cancelled first. Reports whether
// the worker should keep running.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
