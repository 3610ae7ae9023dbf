// Package coordtest provides helpers for testing the coordinator against
// real ledger files.
package coordtest

import (
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	dynaport "github.com/travisjeffery/go-dynaport"

	"github.com/YallaPapi/geelark-automation-sub002/coordinator/ledger"
	"github.com/YallaPapi/geelark-automation-sub002/coordinator/store"
)

var jobNumber int32

// NewFile creates a ledger file handle in a test temp directory.
func NewFile(t *testing.T) *ledger.File {
	t.Helper()

	file, err := ledger.OpenFile(filepath.Join(t.TempDir(), "jobs.csv"), 5*time.Second, nil)
	if err != nil {
		t.Fatalf("err != nil: %s", err)
	}
	return file
}

// NewStore creates a store over a fresh ledger file.
func NewStore(t *testing.T, cfg store.Config) (*store.Store, *ledger.File) {
	t.Helper()

	file := NewFile(t)
	st, err := store.New(file, cfg)
	if err != nil {
		t.Fatalf("err != nil: %s", err)
	}
	return st, file
}

// Job returns a valid pending job for the subject with a generated id.
func Job(subject string) ledger.Job {
	n := atomic.AddInt32(&jobNumber, 1)
	return ledger.Job{
		JobID:       "job-" + subject + "-" + strconv.Itoa(int(n)),
		Subject:     subject,
		VideoPath:   "/videos/clip-" + strconv.Itoa(int(n)) + ".mp4",
		Caption:     "caption " + strconv.Itoa(int(n)),
		Status:      ledger.StatusPending,
		MaxAttempts: 3,
	}
}

// Seed seeds jobs, failing the test on error.
func Seed(t *testing.T, st *store.Store, jobs ...ledger.Job) {
	t.Helper()

	if _, err := st.Seed(jobs); err != nil {
		t.Fatalf("err != nil: %s", err)
	}
}

// Ports allocates n free ports.
func Ports(n int) []int {
	return dynaport.Get(n)
}

