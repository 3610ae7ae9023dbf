package coordinator

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/pkg/errors"
	dynaport "github.com/travisjeffery/go-dynaport"

	"github.com/YallaPapi/geelark-automation-sub002/coordinator/ledger"
	"github.com/YallaPapi/geelark-automation-sub002/coordinator/store"
	pkglog "github.com/YallaPapi/geelark-automation-sub002/pkg/log"
)

// WorkerProcess describes one worker to spawn for a sweep.
type WorkerProcess struct {
	ID    int
	Ports []int
	Pass  int
}

// SpawnFunc runs one worker until it exits. The default spawns an OS
// process; tests and embedded mode run the worker in-process instead.
type SpawnFunc func(ctx context.Context, w WorkerProcess) error

// Orchestrator owns one run over a ledger: it seeds if needed, sweeps
// stale claims, spawns the worker fleet for each retry pass and tears the
// session down only after every worker has exited.
type Orchestrator struct {
	cfg   *Config
	store *store.Store
	spawn SpawnFunc

	log log.Logger
}

// NewOrchestrator creates an orchestrator. When spawn is nil workers are
// spawned as OS processes re-invoking this binary's worker command.
func NewOrchestrator(cfg *Config, st *store.Store, spawn SpawnFunc) (*Orchestrator, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if st == nil {
		return nil, errors.New("coordinator: store cannot be nil")
	}
	if cfg.Workers < 1 {
		return nil, errors.Errorf("coordinator: invalid worker count %d", cfg.Workers)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Null
	}

	o := &Orchestrator{
		cfg:   cfg,
		store: st,
		spawn: spawn,
		log:   logger,
	}
	if o.spawn == nil {
		o.spawn = o.execSpawn
	}

	return o, nil
}

// Run performs a full session: acquire, seed, passes, teardown. seeds may
// be nil when the ledger is expected to exist already. Returns the pass
// summary of the run.
func (o *Orchestrator) Run(ctx context.Context, seeds []ledger.Job) (PassSummary, error) {
	session, err := AcquireSession(o.cfg.LedgerPath, o.log)
	if err != nil {
		return PassSummary{}, err
	}
	// Workers are waited on inside the pass runs, so by the time this
	// defer fires every worker has exited. Teardown never races them.
	defer session.Release()

	stats, err := o.store.Stats()
	if err != nil {
		return PassSummary{}, err
	}

	if stats.Total == 0 || o.cfg.ForceSeed {
		if len(seeds) == 0 && stats.Total == 0 {
			return PassSummary{}, errors.New("coordinator: ledger is empty and no seed jobs were provided")
		}
		if len(seeds) > 0 {
			inserted, err := o.store.Seed(seeds)
			if err != nil {
				return PassSummary{}, err
			}
			o.log.Info("Seeded jobs", "session", session.ID(), "inserted", inserted)
		}
	}

	if n, err := o.store.ReleaseStaleClaims(o.cfg.StaleClaimAge); err != nil {
		return PassSummary{}, err
	} else if n > 0 {
		o.log.Info("Released stale claims from a previous run", "released", n)
	}

	mgr, err := NewPassManager(o.store, o.runSweep, o.cfg)
	if err != nil {
		return PassSummary{}, err
	}

	summary, runErr := mgr.Run(ctx)

	final, err := o.store.Stats()
	if err == nil {
		summary.Final = final
	}
	o.log.Info("Run complete",
		"session", session.ID(),
		"workers", o.cfg.Workers,
		"passes", summary.Passes,
		"outcome", summary.Outcome,
		"success", summary.Final.Success,
		"failed", summary.Final.Failed,
		"skipped", summary.Final.Skipped,
		"account_failures", summary.Final.AccountFailures,
		"infra_failures", summary.Final.InfraFailures)

	return summary, runErr
}

// runSweep spawns the worker fleet for one pass and waits for all of them
// to exit. Each worker gets a distinct, non-overlapping port block for its
// device bridges.
func (o *Orchestrator) runSweep(ctx context.Context, pass int) error {
	perWorker := o.cfg.PortsPerWorker
	if perWorker < 1 {
		perWorker = 1
	}
	ports := dynaport.Get(o.cfg.Workers * perWorker)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	for i := 0; i < o.cfg.Workers; i++ {
		proc := WorkerProcess{
			ID:    i + 1,
			Ports: ports[i*perWorker : (i+1)*perWorker],
			Pass:  pass,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.spawn(ctx, proc); err != nil {
				o.log.Error("Worker exited with error", "worker", proc.ID, "pass", pass, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if len(errs) == o.cfg.Workers {
		// A partial failure still makes progress; all workers failing
		// means the sweep did nothing.
		return errors.Wrapf(errs[0], "coordinator: all %d workers failed", o.cfg.Workers)
	}
	return nil
}

// workerArgs builds the worker command argv. The worker process gets its
// full configuration on the command line: flags passed to run are not in
// the environment the child inherits, so anything it needs must be
// forwarded explicitly.
func (o *Orchestrator) workerArgs(w WorkerProcess) []string {
	args := []string{
		"worker",
		"--id", strconv.Itoa(w.ID),
		"--ledger", o.cfg.LedgerPath,
		"--lock-timeout", strconv.Itoa(int(o.cfg.LockTimeout / time.Second)),
		"--stale-age", strconv.Itoa(int(o.cfg.StaleClaimAge / time.Second)),
	}
	for _, arg := range o.cfg.TaskCommand {
		args = append(args, "--task-cmd", arg)
	}
	for _, p := range w.Ports {
		args = append(args, "--port", strconv.Itoa(p))
	}
	return args
}

// execSpawn runs one worker as a child OS process, re-invoking this binary
// with the worker command. Worker output is forwarded line by line through
// the orchestrator's log with a worker prefix. On cancellation the worker
// is asked to finish its current job with SIGTERM and given the shutdown
// grace before being killed.
func (o *Orchestrator) execSpawn(ctx context.Context, w WorkerProcess) error {
	bin, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "coordinator: resolving own binary")
	}

	out := pkglog.NewWriter(o.log, pkglog.Info, "[worker "+strconv.Itoa(w.ID)+"] ")

	cmd := exec.Command(bin, o.workerArgs(w)...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = os.Environ()

	o.log.Info("Spawning worker process", "worker", w.ID, "pass", w.Pass, "ports", w.Ports)
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "coordinator: starting worker %d", w.ID)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		o.log.Info("Signalling worker to finish up", "worker", w.ID)
		_ = cmd.Process.Signal(syscall.SIGTERM)

		select {
		case err = <-done:
		case <-time.After(o.cfg.ShutdownGrace):
			o.log.Error("Worker did not stop in time, killing", "worker", w.ID)
			_ = cmd.Process.Kill()
			err = <-done
		}
	}

	if err != nil {
		return errors.Wrapf(err, "coordinator: worker %d process", w.ID)
	}
	return nil
}
