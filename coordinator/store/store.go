// Package store implements the job store. Every operation is a single
// read-modify-write transaction against the ledger file, serialized by its
// exclusive lock; the store itself holds no job state in memory.
package store

import (
	"fmt"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/pkg/errors"

	"github.com/YallaPapi/geelark-automation-sub002/coordinator/classify"
	"github.com/YallaPapi/geelark-automation-sub002/coordinator/ledger"
)

// Config configures a store.
type Config struct {
	// Logger is the logger to log to.
	Logger log.Logger

	// InfraRetryLimit and UnknownRetryLimit are per-category attempt
	// ceilings, applied on top of the per-job ceiling.
	InfraRetryLimit   int
	UnknownRetryLimit int

	// Now is the time source, exposed for tests.
	Now func() time.Time
}

// Store exposes atomic job operations over a ledger file.
type Store struct {
	file *ledger.File

	infraLimit   int
	unknownLimit int
	now          func() time.Time

	log log.Logger
}

// New returns a job store over the given ledger file.
func New(file *ledger.File, cfg Config) (*Store, error) {
	if file == nil {
		return nil, errors.New("store: file cannot be nil")
	}

	if cfg.Logger == nil {
		cfg.Logger = log.Null
	}
	if cfg.InfraRetryLimit <= 0 {
		cfg.InfraRetryLimit = 2
	}
	if cfg.UnknownRetryLimit <= 0 {
		cfg.UnknownRetryLimit = 2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Store{
		file:         file,
		infraLimit:   cfg.InfraRetryLimit,
		unknownLimit: cfg.UnknownRetryLimit,
		now:          cfg.Now,
		log:          cfg.Logger,
	}, nil
}

// Seed inserts jobs whose job id is not already present. Every job is
// validated before any row reaches the file. Returns the number inserted.
func (s *Store) Seed(jobs []ledger.Job) (int, error) {
	for i, job := range jobs {
		job.Attempts = 0
		job.PassNumber = 0
		if job.Status == "" {
			job.Status = ledger.StatusPending
		}
		if err := job.Validate(); err != nil {
			return 0, errors.Wrap(err, "store: rejecting seed batch")
		}
		jobs[i] = job
	}

	inserted := 0
	err := s.file.Update(func(rows []ledger.Job) ([]ledger.Job, error) {
		seen := make(map[string]bool, len(rows))
		for _, row := range rows {
			seen[row.JobID] = true
		}

		for _, job := range jobs {
			if seen[job.JobID] {
				continue
			}
			seen[job.JobID] = true
			rows = append(rows, job)
			inserted++
		}

		if inserted == 0 {
			return nil, nil
		}
		return rows, nil
	})
	if err != nil {
		return 0, err
	}

	s.log.Info("Seeded ledger", "inserted", inserted, "offered", len(jobs))
	return inserted, nil
}

// ClaimNext claims the first eligible job for the worker and returns it, or
// nil when no job is eligible. The scan is deterministic left-to-right over
// ledger order; rows are skipped while their subject has a live claim or
// their retry time has not elapsed.
func (s *Store) ClaimNext(workerID int) (*ledger.Job, error) {
	if workerID < 1 {
		return nil, errors.Errorf("store: invalid worker id %d", workerID)
	}

	var claimed *ledger.Job
	err := s.file.Update(func(rows []ledger.Job) ([]ledger.Job, error) {
		now := s.now()

		busy := make(map[string]bool)
		for _, row := range rows {
			if row.Status == ledger.StatusClaimed {
				busy[row.Subject] = true
			}
		}

		for i, row := range rows {
			if busy[row.Subject] {
				continue
			}

			switch row.Status {
			case ledger.StatusPending:
			case ledger.StatusRetrying:
				if !row.RetryAt.IsZero() && row.RetryAt.After(now) {
					continue
				}
			default:
				continue
			}

			rows[i].Status = ledger.StatusClaimed
			rows[i].WorkerID = workerID
			rows[i].ClaimedAt = now
			job := rows[i]
			claimed = &job
			return rows, nil
		}

		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	if claimed != nil {
		s.log.Debug("Claimed job", "job", claimed.JobID, "subject", claimed.Subject, "worker", workerID)
	}
	return claimed, nil
}

// VerifyClaim re-checks, under the lock, that the job is still claimed by
// the worker and that no other row already recorded a success for the same
// subject and video. Call it immediately before the task executor performs
// any externally visible work. A duplicate is resolved in place: the row is
// marked skipped and the claim released.
func (s *Store) VerifyClaim(jobID string, workerID int) (bool, string, error) {
	ok := false
	reason := ""

	err := s.file.Update(func(rows []ledger.Job) ([]ledger.Job, error) {
		idx := -1
		for i, row := range rows {
			if row.JobID == jobID {
				idx = i
				break
			}
		}
		if idx < 0 {
			reason = "job no longer exists"
			return nil, nil
		}

		row := rows[idx]
		if row.Status != ledger.StatusClaimed || row.WorkerID != workerID {
			reason = fmt.Sprintf("claim lost: status %s, worker %d", row.Status, row.WorkerID)
			return nil, nil
		}

		for i, other := range rows {
			if i == idx {
				continue
			}
			if other.Subject == row.Subject && other.VideoPath == row.VideoPath && other.Status == ledger.StatusSuccess {
				reason = fmt.Sprintf("duplicate: %s already posted for %s", other.JobID, row.Subject)
				rows[idx].Status = ledger.StatusSkipped
				rows[idx].WorkerID = 0
				rows[idx].CompletedAt = s.now()
				return rows, nil
			}
		}

		ok = true
		return nil, nil
	})
	if err != nil {
		return false, "", err
	}

	if !ok {
		s.log.Info("Claim verification failed", "job", jobID, "worker", workerID, "reason", reason)
	}
	return ok, reason, nil
}

// Outcome is a worker's report of one completed execution attempt.
type Outcome struct {
	JobID    string
	WorkerID int

	// Success reports whether the task executor succeeded.
	Success bool

	// Error is the raw executor error when Success is false.
	Error string

	// Category and Type pre-classify the error; when empty the store
	// classifies Error itself.
	Category ledger.Category
	Type     string

	// RetryDelay asks for an in-pass retry: when set and the category and
	// attempt budget allow, the row lands on retrying with
	// retry_at = now + RetryDelay instead of failed. Zero means the row
	// waits for the next retry pass.
	RetryDelay time.Duration
}

// UpdateStatus applies the terminal or retry transition for a reported
// outcome. On failure the error is classified, the attempt counter bumped,
// and the row lands on failed or, when an in-pass retry was requested and
// the category and attempt budget allow it, on retrying. Account failures
// and exhausted budgets always land on failed.
func (s *Store) UpdateStatus(out Outcome) (ledger.Job, error) {
	var updated ledger.Job

	err := s.file.Update(func(rows []ledger.Job) ([]ledger.Job, error) {
		idx := -1
		for i, row := range rows {
			if row.JobID == out.JobID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, errors.Errorf("store: job %s not found", out.JobID)
		}

		row := rows[idx]
		if row.Status != ledger.StatusClaimed || row.WorkerID != out.WorkerID {
			return nil, errors.Errorf("store: job %s is not claimed by worker %d", out.JobID, out.WorkerID)
		}

		now := s.now()
		row.Attempts++
		row.CompletedAt = now
		row.WorkerID = 0

		if out.Success {
			row.Status = ledger.StatusSuccess
			row.Error = ""
			row.ErrorType = ""
			row.ErrorCategory = ""
			row.RetryAt = time.Time{}
			rows[idx] = row
			updated = row
			return rows, nil
		}

		cat, typ := out.Category, out.Type
		if cat == "" {
			cat, typ = classify.Classify(out.Error)
		}

		row.Error = out.Error
		row.ErrorType = typ
		row.ErrorCategory = cat

		if out.RetryDelay > 0 && s.shouldRetry(cat, row.Attempts, row.MaxAttempts) {
			row.Status = ledger.StatusRetrying
			row.RetryAt = now.Add(out.RetryDelay)
		} else {
			row.Status = ledger.StatusFailed
			row.RetryAt = time.Time{}
		}

		rows[idx] = row
		updated = row
		return rows, nil
	})
	if err != nil {
		return ledger.Job{}, err
	}

	s.log.Info("Updated job status",
		"job", updated.JobID,
		"status", updated.Status,
		"attempts", updated.Attempts,
		"category", updated.ErrorCategory)
	return updated, nil
}

// shouldRetry applies the per-category ceilings on top of the per-job one.
func (s *Store) shouldRetry(cat ledger.Category, attempts, maxAttempts int) bool {
	if !classify.Retryable(cat) {
		return false
	}
	if attempts >= maxAttempts {
		return false
	}

	switch cat {
	case ledger.CategoryInfrastructure:
		return attempts < s.infraLimit
	default:
		return attempts < s.unknownLimit
	}
}

// ReleaseClaims returns every job claimed by the worker to pending without
// touching the attempt counter. Used by a worker's shutdown path.
func (s *Store) ReleaseClaims(workerID int) (int, error) {
	released := 0
	err := s.file.Update(func(rows []ledger.Job) ([]ledger.Job, error) {
		for i, row := range rows {
			if row.Status != ledger.StatusClaimed || row.WorkerID != workerID {
				continue
			}
			rows[i].Status = ledger.StatusPending
			rows[i].WorkerID = 0
			rows[i].ClaimedAt = time.Time{}
			released++
		}

		if released == 0 {
			return nil, nil
		}
		return rows, nil
	})
	if err != nil {
		return 0, err
	}

	if released > 0 {
		s.log.Info("Released claims", "worker", workerID, "released", released)
	}
	return released, nil
}

// ReleaseStaleClaims returns claims older than maxAge to pending. This is
// the crash recovery path: a worker that died mid-job leaves a claim for
// this sweep rather than a row stuck forever. A partitioned-but-alive
// holder is treated the same as a dead one once maxAge elapses, which can
// double-claim work if it resumes; the design accepts that risk instead of
// attempting fencing.
func (s *Store) ReleaseStaleClaims(maxAge time.Duration) (int, error) {
	released := 0
	err := s.file.Update(func(rows []ledger.Job) ([]ledger.Job, error) {
		cutoff := s.now().Add(-maxAge)
		for i, row := range rows {
			if row.Status != ledger.StatusClaimed {
				continue
			}
			if row.ClaimedAt.After(cutoff) {
				continue
			}
			s.log.Info("Releasing stale claim", "job", row.JobID, "worker", row.WorkerID, "claimed_at", row.ClaimedAt)
			rows[i].Status = ledger.StatusPending
			rows[i].WorkerID = 0
			rows[i].ClaimedAt = time.Time{}
			released++
		}

		if released == 0 {
			return nil, nil
		}
		return rows, nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// Stats holds per-status and per-category job counts.
type Stats struct {
	Total    int
	Pending  int
	Claimed  int
	Success  int
	Failed   int
	Retrying int
	Skipped  int

	// Failure breakdown across failed and retrying rows. Account failures
	// need manual intervention, the rest are retried automatically.
	AccountFailures int
	InfraFailures   int
	UnknownFailures int

	// RetryableFailed counts failed rows a retry pass may still reset.
	RetryableFailed int
}

// Done determines if no claimable or claimed work remains.
func (st Stats) Done() bool {
	return st.Pending == 0 && st.Claimed == 0 && st.Retrying == 0 && st.Failed == 0
}

// Stats counts jobs by status and failure category.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.file.View(func(rows []ledger.Job) error {
		for _, row := range rows {
			st.Total++
			switch row.Status {
			case ledger.StatusPending:
				st.Pending++
			case ledger.StatusClaimed:
				st.Claimed++
			case ledger.StatusSuccess:
				st.Success++
			case ledger.StatusFailed:
				st.Failed++
				if s.resettable(row) {
					st.RetryableFailed++
				}
			case ledger.StatusRetrying:
				st.Retrying++
			case ledger.StatusSkipped:
				st.Skipped++
			}

			if row.Status != ledger.StatusFailed && row.Status != ledger.StatusRetrying {
				continue
			}
			switch row.ErrorCategory {
			case ledger.CategoryAccount:
				st.AccountFailures++
			case ledger.CategoryInfrastructure:
				st.InfraFailures++
			default:
				st.UnknownFailures++
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}

// resettable determines if a retry pass may reset the row to pending.
func (s *Store) resettable(row ledger.Job) bool {
	if !classify.Retryable(row.ErrorCategory) {
		return false
	}
	if row.Attempts >= row.MaxAttempts {
		return false
	}
	if row.ErrorCategory == ledger.CategoryInfrastructure && row.Attempts >= s.infraLimit {
		return false
	}
	return true
}

// ResetForPass resets eligible failed and retrying rows to pending for a
// new retry pass, stamping the pass number. Account failures are never
// reset, nor are rows out of attempt budget.
func (s *Store) ResetForPass(pass int) (int, error) {
	reset := 0
	err := s.file.Update(func(rows []ledger.Job) ([]ledger.Job, error) {
		for i, row := range rows {
			if row.Status != ledger.StatusFailed && row.Status != ledger.StatusRetrying {
				continue
			}
			if !s.resettable(row) {
				continue
			}
			rows[i].Status = ledger.StatusPending
			rows[i].WorkerID = 0
			rows[i].ClaimedAt = time.Time{}
			rows[i].RetryAt = time.Time{}
			rows[i].Error = ""
			rows[i].ErrorType = ""
			rows[i].ErrorCategory = ""
			rows[i].PassNumber = pass
			reset++
		}

		if reset == 0 {
			return nil, nil
		}
		return rows, nil
	})
	if err != nil {
		return 0, err
	}

	if reset > 0 {
		s.log.Info("Reset jobs for retry pass", "pass", pass, "reset", reset)
	}
	return reset, nil
}

// ResetFailed is the operator reset: failed rows return to pending with a
// fresh attempt budget. Account-category rows are only included when
// includeNonRetryable is set.
func (s *Store) ResetFailed(includeNonRetryable bool) (int, error) {
	reset := 0
	err := s.file.Update(func(rows []ledger.Job) ([]ledger.Job, error) {
		for i, row := range rows {
			if row.Status != ledger.StatusFailed {
				continue
			}
			if row.ErrorCategory == ledger.CategoryAccount && !includeNonRetryable {
				continue
			}
			rows[i].Status = ledger.StatusPending
			rows[i].WorkerID = 0
			rows[i].ClaimedAt = time.Time{}
			rows[i].CompletedAt = time.Time{}
			rows[i].RetryAt = time.Time{}
			rows[i].Error = ""
			rows[i].ErrorType = ""
			rows[i].ErrorCategory = ""
			rows[i].Attempts = 0
			reset++
		}

		if reset == 0 {
			return nil, nil
		}
		return rows, nil
	})
	if err != nil {
		return 0, err
	}

	s.log.Info("Reset failed jobs", "reset", reset, "include_account", includeNonRetryable)
	return reset, nil
}
