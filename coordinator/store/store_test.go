package store_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YallaPapi/geelark-automation-sub002/coordinator/coordtest"
	"github.com/YallaPapi/geelark-automation-sub002/coordinator/ledger"
	"github.com/YallaPapi/geelark-automation-sub002/coordinator/store"
)

// clock is a settable time source for lease tests.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestStore_SeedIsIdempotent(t *testing.T) {
	st, _ := coordtest.NewStore(t, store.Config{})
	a := coordtest.Job("alice")
	b := coordtest.Job("bob")
	c := coordtest.Job("carol")

	inserted, err := st.Seed([]ledger.Job{a, b})
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)

	inserted, err = st.Seed([]ledger.Job{a, b, c})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	stats, err := st.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
}

func TestStore_SeedRejectsIncompleteJobs(t *testing.T) {
	st, _ := coordtest.NewStore(t, store.Config{})
	bad := coordtest.Job("alice")
	bad.Subject = ""

	_, err := st.Seed([]ledger.Job{coordtest.Job("bob"), bad})

	assert.Error(t, err)

	stats, err := st.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total, "a bad job must reject the whole batch before any row lands")
}

func TestStore_ClaimNextScansInLedgerOrder(t *testing.T) {
	st, _ := coordtest.NewStore(t, store.Config{})
	a := coordtest.Job("alice")
	b := coordtest.Job("bob")
	coordtest.Seed(t, st, a, b)

	job, err := st.ClaimNext(1)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, a.JobID, job.JobID)
	assert.Equal(t, 1, job.WorkerID)
	assert.Equal(t, ledger.StatusClaimed, job.Status)

	job, err = st.ClaimNext(2)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, b.JobID, job.JobID)
}

func TestStore_ClaimNextEnforcesSubjectExclusion(t *testing.T) {
	st, _ := coordtest.NewStore(t, store.Config{})
	first := coordtest.Job("alice")
	second := coordtest.Job("alice")
	other := coordtest.Job("bob")
	coordtest.Seed(t, st, first, second, other)

	job, err := st.ClaimNext(1)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, first.JobID, job.JobID)

	// The second alice job is skipped while the first is claimed.
	job, err = st.ClaimNext(2)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, other.JobID, job.JobID)

	job, err = st.ClaimNext(3)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestStore_ClaimNextSkipsFutureRetries(t *testing.T) {
	clk := newClock()
	st, _ := coordtest.NewStore(t, store.Config{Now: clk.Now})
	job := coordtest.Job("alice")
	coordtest.Seed(t, st, job)

	claimed, err := st.ClaimNext(1)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, err = st.UpdateStatus(store.Outcome{
		JobID:      job.JobID,
		WorkerID:   1,
		Error:      "connection timed out",
		RetryDelay: time.Minute,
	})
	require.NoError(t, err)

	claimed, err = st.ClaimNext(1)
	require.NoError(t, err)
	assert.Nil(t, claimed, "retrying job must not be claimable before its retry time")

	clk.Advance(2 * time.Minute)

	claimed, err = st.ClaimNext(1)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.JobID, claimed.JobID)
}

func TestStore_ConcurrentClaimsNeverOverlap(t *testing.T) {
	st, _ := coordtest.NewStore(t, store.Config{})
	jobs := make([]ledger.Job, 0, 10)
	for _, subject := range []string{"alice", "bob", "carol", "dave", "erin"} {
		jobs = append(jobs, coordtest.Job(subject), coordtest.Job(subject))
	}
	coordtest.Seed(t, st, jobs...)

	var (
		wg sync.WaitGroup
		mu sync.Mutex

		claimedIDs      = map[string]int{}
		claimedSubjects = map[string]int{}
	)

	for worker := 1; worker <= 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				job, err := st.ClaimNext(worker)
				if err != nil || job == nil {
					return
				}

				mu.Lock()
				claimedIDs[job.JobID]++
				claimedSubjects[job.Subject]++
				mu.Unlock()
			}
		}(worker)
	}
	wg.Wait()

	// One claim per job id, and one live claim per subject: the second
	// job of each subject stays pending while the first is claimed.
	assert.Len(t, claimedIDs, 5)
	for id, n := range claimedIDs {
		assert.Equalf(t, 1, n, "job %s claimed %d times", id, n)
	}
	for subject, n := range claimedSubjects {
		assert.Equalf(t, 1, n, "subject %s claimed %d times", subject, n)
	}
}

func TestStore_VerifyClaim(t *testing.T) {
	st, _ := coordtest.NewStore(t, store.Config{})
	job := coordtest.Job("alice")
	coordtest.Seed(t, st, job)

	claimed, err := st.ClaimNext(1)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	ok, _, err := st.VerifyClaim(claimed.JobID, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, reason, err := st.VerifyClaim(claimed.JobID, 2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "claim lost")

	ok, reason, err = st.VerifyClaim("no-such-job", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "no longer exists")
}

func TestStore_VerifyClaimSuppressesDuplicates(t *testing.T) {
	st, _ := coordtest.NewStore(t, store.Config{})
	first := coordtest.Job("alice")
	dup := first
	dup.JobID = first.JobID + "-dup"
	coordtest.Seed(t, st, first, dup)

	claimed, err := st.ClaimNext(1)
	require.NoError(t, err)
	_, err = st.UpdateStatus(store.Outcome{JobID: claimed.JobID, WorkerID: 1, Success: true})
	require.NoError(t, err)

	claimed, err = st.ClaimNext(1)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, dup.JobID, claimed.JobID)

	ok, reason, err := st.VerifyClaim(claimed.JobID, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "duplicate")

	stats, err := st.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Success)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 0, stats.Claimed)
}

func TestStore_UpdateStatusSuccess(t *testing.T) {
	st, _ := coordtest.NewStore(t, store.Config{})
	job := coordtest.Job("alice")
	coordtest.Seed(t, st, job)

	claimed, err := st.ClaimNext(1)
	require.NoError(t, err)

	updated, err := st.UpdateStatus(store.Outcome{JobID: claimed.JobID, WorkerID: 1, Success: true})
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusSuccess, updated.Status)
	assert.Equal(t, 1, updated.Attempts)
	assert.Equal(t, 0, updated.WorkerID)
	assert.False(t, updated.CompletedAt.IsZero())
	assert.Empty(t, updated.Error)
}

func TestStore_UpdateStatusClassifiesFailures(t *testing.T) {
	tests := []struct {
		name       string
		error      string
		retryDelay time.Duration
		status     ledger.Status
		category   ledger.Category
	}{
		{
			name:     "Account Is Terminal",
			error:    "account suspended",
			status:   ledger.StatusFailed,
			category: ledger.CategoryAccount,
		},
		{
			name:     "Infrastructure Fails The Pass",
			error:    "connection timed out",
			status:   ledger.StatusFailed,
			category: ledger.CategoryInfrastructure,
		},
		{
			name:       "Infrastructure In-Pass Retry",
			error:      "connection timed out",
			retryDelay: time.Minute,
			status:     ledger.StatusRetrying,
			category:   ledger.CategoryInfrastructure,
		},
		{
			name:     "Unknown Fails The Pass",
			error:    "something odd happened",
			status:   ledger.StatusFailed,
			category: ledger.CategoryUnknown,
		},
		{
			name:       "Account Never Retries In Pass",
			error:      "account banned",
			retryDelay: time.Minute,
			status:     ledger.StatusFailed,
			category:   ledger.CategoryAccount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, _ := coordtest.NewStore(t, store.Config{})
			job := coordtest.Job("alice")
			coordtest.Seed(t, st, job)

			claimed, err := st.ClaimNext(1)
			require.NoError(t, err)

			updated, err := st.UpdateStatus(store.Outcome{
				JobID:      claimed.JobID,
				WorkerID:   1,
				Error:      tt.error,
				RetryDelay: tt.retryDelay,
			})
			require.NoError(t, err)

			assert.Equal(t, tt.status, updated.Status)
			assert.Equal(t, tt.category, updated.ErrorCategory)
			assert.Equal(t, tt.error, updated.Error)
			assert.Equal(t, 1, updated.Attempts)
			if tt.status == ledger.StatusRetrying {
				assert.False(t, updated.RetryAt.IsZero())
			}
		})
	}
}

func TestStore_UpdateStatusHonoursAttemptCeilings(t *testing.T) {
	st, _ := coordtest.NewStore(t, store.Config{InfraRetryLimit: 2})
	job := coordtest.Job("alice")
	coordtest.Seed(t, st, job)

	fail := func() ledger.Job {
		claimed, err := st.ClaimNext(1)
		require.NoError(t, err)
		require.NotNil(t, claimed)

		updated, err := st.UpdateStatus(store.Outcome{
			JobID:      claimed.JobID,
			WorkerID:   1,
			Error:      "connection timed out",
			RetryDelay: time.Nanosecond,
		})
		require.NoError(t, err)
		return updated
	}

	first := fail()
	assert.Equal(t, ledger.StatusRetrying, first.Status)

	time.Sleep(time.Millisecond)
	second := fail()
	assert.Equal(t, ledger.StatusFailed, second.Status, "infra ceiling of 2 makes the second failure terminal")
	assert.Equal(t, 2, second.Attempts)
}

func TestStore_UpdateStatusRejectsWrongWorker(t *testing.T) {
	st, _ := coordtest.NewStore(t, store.Config{})
	job := coordtest.Job("alice")
	coordtest.Seed(t, st, job)

	claimed, err := st.ClaimNext(1)
	require.NoError(t, err)

	_, err = st.UpdateStatus(store.Outcome{JobID: claimed.JobID, WorkerID: 2, Success: true})

	assert.Error(t, err)
}

func TestStore_ReleaseStaleClaimsBoundary(t *testing.T) {
	clk := newClock()
	st, _ := coordtest.NewStore(t, store.Config{Now: clk.Now})
	maxAge := 600 * time.Second

	fresh := coordtest.Job("alice")
	stale := coordtest.Job("bob")
	coordtest.Seed(t, st, stale, fresh)

	// bob is claimed first, then the clock runs past the lease for bob
	// but not for alice.
	_, err := st.ClaimNext(1)
	require.NoError(t, err)
	clk.Advance(2 * time.Second)
	_, err = st.ClaimNext(2)
	require.NoError(t, err)

	clk.Advance(maxAge - time.Second)

	// bob: maxAge+1s old, alice: maxAge-1s old.
	released, err := st.ReleaseStaleClaims(maxAge)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	job, err := st.ClaimNext(3)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, stale.JobID, job.JobID)
	assert.Equal(t, 3, job.WorkerID)
}

func TestStore_ReleaseClaims(t *testing.T) {
	st, _ := coordtest.NewStore(t, store.Config{})
	coordtest.Seed(t, st, coordtest.Job("alice"), coordtest.Job("bob"))

	claimed, err := st.ClaimNext(1)
	require.NoError(t, err)
	_, err = st.ClaimNext(2)
	require.NoError(t, err)

	released, err := st.ReleaseClaims(1)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	stats, err := st.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Claimed)
	assert.Equal(t, 1, stats.Pending)

	// The released job carries no extra attempt.
	job, err := st.ClaimNext(3)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, claimed.JobID, job.JobID)
	assert.Equal(t, 0, job.Attempts)
}

func TestStore_ResetForPassEligibility(t *testing.T) {
	st, file := coordtest.NewStore(t, store.Config{})
	account := coordtest.Job("alice")
	infra := coordtest.Job("bob")
	spent := coordtest.Job("carol")
	spent.MaxAttempts = 1
	coordtest.Seed(t, st, account, infra, spent)

	failWith := func(msg string) {
		claimed, err := st.ClaimNext(1)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		_, err = st.UpdateStatus(store.Outcome{JobID: claimed.JobID, WorkerID: 1, Error: msg})
		require.NoError(t, err)
	}

	failWith("account suspended")   // alice
	failWith("connection timed out") // bob
	failWith("something odd")        // carol, attempt budget now spent

	reset, err := st.ResetForPass(2)
	require.NoError(t, err)
	assert.Equal(t, 1, reset, "only the infra failure with budget left is eligible")

	err = file.View(func(jobs []ledger.Job) error {
		for _, j := range jobs {
			switch j.JobID {
			case account.JobID:
				assert.Equal(t, ledger.StatusFailed, j.Status)
				assert.Equal(t, ledger.CategoryAccount, j.ErrorCategory)
			case infra.JobID:
				assert.Equal(t, ledger.StatusPending, j.Status)
				assert.Equal(t, 2, j.PassNumber)
				assert.Empty(t, j.Error)
			case spent.JobID:
				assert.Equal(t, ledger.StatusFailed, j.Status)
			}
		}
		return nil
	})
	require.NoError(t, err)

	// Repeated resets never touch the account row.
	for pass := 3; pass <= 5; pass++ {
		_, err := st.ResetForPass(pass)
		require.NoError(t, err)
	}
	stats, err := st.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 1, stats.AccountFailures)
}

func TestStore_ResetFailed(t *testing.T) {
	st, _ := coordtest.NewStore(t, store.Config{})
	account := coordtest.Job("alice")
	infra := coordtest.Job("bob")
	coordtest.Seed(t, st, account, infra)

	for i := 0; i < 2; i++ {
		claimed, err := st.ClaimNext(1)
		require.NoError(t, err)
		msg := "account suspended"
		if claimed.JobID == infra.JobID {
			msg = "connection timed out"
		}
		_, err = st.UpdateStatus(store.Outcome{JobID: claimed.JobID, WorkerID: 1, Error: msg})
		require.NoError(t, err)
	}

	reset, err := st.ResetFailed(false)
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	reset, err = st.ResetFailed(true)
	require.NoError(t, err)
	assert.Equal(t, 1, reset, "the account row resets only when explicitly included")

	stats, err := st.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 0, stats.Failed)
}

func TestStore_StatsSeparatesFailureCategories(t *testing.T) {
	st, _ := coordtest.NewStore(t, store.Config{})
	coordtest.Seed(t, st, coordtest.Job("alice"), coordtest.Job("bob"), coordtest.Job("carol"))

	for i := 0; i < 3; i++ {
		claimed, err := st.ClaimNext(1)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		switch i {
		case 0:
			_, err = st.UpdateStatus(store.Outcome{JobID: claimed.JobID, WorkerID: 1, Success: true})
		case 1:
			_, err = st.UpdateStatus(store.Outcome{JobID: claimed.JobID, WorkerID: 1, Error: "account banned"})
		case 2:
			_, err = st.UpdateStatus(store.Outcome{JobID: claimed.JobID, WorkerID: 1, Error: "adb connection lost"})
		}
		require.NoError(t, err)
	}

	stats, err := st.Stats()
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Success)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 1, stats.AccountFailures)
	assert.Equal(t, 1, stats.InfraFailures)
	assert.Equal(t, 1, stats.RetryableFailed)
	assert.False(t, stats.Done())
}
