// Package coordinator supervises a fleet of ledger-sharing worker
// processes: one orchestrator session seeds the ledger, spawns workers,
// runs retry passes over the outcomes and tears the session down once
// every worker has exited.
package coordinator

import (
	"time"

	"github.com/hamba/pkg/log"

	"github.com/YallaPapi/geelark-automation-sub002/coordinator/ledger"
)

const (
	// DefaultStaleClaimAge is how old a claim must be before any process
	// may force-release it.
	DefaultStaleClaimAge = 600 * time.Second

	// DefaultMaxPasses is the retry pass ceiling for a run.
	DefaultMaxPasses = 3

	// DefaultWorkers is the number of worker processes per sweep.
	DefaultWorkers = 3

	// DefaultPollInterval is how long an idle worker sleeps between claim
	// attempts.
	DefaultPollInterval = 5 * time.Second

	// DefaultIdleExitPolls is how many consecutive empty polls a worker
	// tolerates before exiting cleanly.
	DefaultIdleExitPolls = 3

	// DefaultInterJobDelay is the pause between two jobs on one worker.
	DefaultInterJobDelay = 2 * time.Second

	// DefaultStaleSweepEvery is how many loop iterations a worker waits
	// between stale-claim sweeps.
	DefaultStaleSweepEvery = 10

	// DefaultMaxAttempts is the per-job attempt ceiling used at seed time.
	DefaultMaxAttempts = 3

	// DefaultPortsPerWorker is the size of the device-bridge port block
	// reserved for each worker process.
	DefaultPortsPerWorker = 4

	// DefaultShutdownGrace is how long the orchestrator waits for workers
	// after signalling shutdown.
	DefaultShutdownGrace = 60 * time.Second
)

// Config holds the configuration for a coordinator session.
type Config struct {
	// LedgerPath is the ledger file all processes share.
	LedgerPath string

	// TaskCommand is the argv of the automation command workers run per
	// job. Forwarded to spawned worker processes.
	TaskCommand []string

	// Workers is the number of worker processes to spawn per sweep.
	Workers int

	// MaxPasses is the retry pass ceiling.
	MaxPasses int

	// LockTimeout bounds every ledger lock acquisition.
	LockTimeout time.Duration

	// StaleClaimAge is the lease age after which a claim is presumed
	// abandoned.
	StaleClaimAge time.Duration

	// PollInterval is the idle worker sleep between claim attempts.
	PollInterval time.Duration

	// IdleExitPolls is the number of consecutive empty polls before a
	// worker exits.
	IdleExitPolls int

	// InterJobDelay is the pause between jobs on one worker.
	InterJobDelay time.Duration

	// StaleSweepEvery is the number of worker iterations between
	// stale-claim sweeps.
	StaleSweepEvery int

	// RetryDelay, when set, asks the store for in-pass retries of
	// retryable failures instead of waiting for the next pass.
	RetryDelay time.Duration

	// PortsPerWorker is the size of each worker's reserved port block.
	PortsPerWorker int

	// ShutdownGrace bounds the wait for workers after shutdown is
	// signalled.
	ShutdownGrace time.Duration

	// ForceSeed seeds even when the ledger already has rows.
	ForceSeed bool

	// Logger is the logger to log to.
	Logger log.Logger
}

// NewConfig creates/returns a default configuration.
func NewConfig() *Config {
	return &Config{
		Workers:         DefaultWorkers,
		MaxPasses:       DefaultMaxPasses,
		LockTimeout:     ledger.DefaultLockTimeout,
		StaleClaimAge:   DefaultStaleClaimAge,
		PollInterval:    DefaultPollInterval,
		IdleExitPolls:   DefaultIdleExitPolls,
		InterJobDelay:   DefaultInterJobDelay,
		StaleSweepEvery: DefaultStaleSweepEvery,
		PortsPerWorker:  DefaultPortsPerWorker,
		ShutdownGrace:   DefaultShutdownGrace,
	}
}
