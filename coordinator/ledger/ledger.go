// Package ledger implements the job ledger, a single tabular file that is
// the source of truth for every job, and the locked read-modify-write path
// that is the only way to touch it.
package ledger

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Status is the lifecycle state of a job.
type Status string

// The job status constants.
const (
	// StatusPending indicates the job is waiting to be claimed.
	StatusPending Status = "pending"
	// StatusClaimed indicates a worker holds the job.
	StatusClaimed Status = "claimed"
	// StatusSuccess indicates the job completed. Terminal.
	StatusSuccess Status = "success"
	// StatusFailed indicates the job failed. Terminal unless a retry pass
	// resets it.
	StatusFailed Status = "failed"
	// StatusRetrying indicates the job failed but becomes claimable again
	// once RetryAt has elapsed.
	StatusRetrying Status = "retrying"
	// StatusSkipped indicates the job was deliberately not run. Terminal.
	StatusSkipped Status = "skipped"
)

// Valid determines if the status is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusSuccess, StatusFailed, StatusRetrying, StatusSkipped:
		return true
	}
	return false
}

// Terminal determines if the status can never change again on its own.
// Failed rows are not terminal in this sense, a retry pass may reset them.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusSkipped
}

// Category is the failure category of a job error.
type Category string

// The error category constants.
const (
	// CategoryAccount is a permanent subject-level failure. Never retried.
	CategoryAccount Category = "account"
	// CategoryInfrastructure is a transient environment failure. Retried.
	CategoryInfrastructure Category = "infrastructure"
	// CategoryUnknown is an unclassified failure. Retried conservatively.
	CategoryUnknown Category = "unknown"
)

// Columns is the ledger header. Readers must reject a file whose header
// differs in any way, so a writer can never silently drop a column.
var Columns = []string{
	"job_id",
	"subject",
	"video_path",
	"caption",
	"status",
	"worker_id",
	"claimed_at",
	"completed_at",
	"error",
	"error_type",
	"error_category",
	"attempts",
	"max_attempts",
	"retry_at",
	"pass_number",
}

const timeLayout = time.RFC3339

// Job is one row in the ledger.
type Job struct {
	// JobID is the unique, immutable identity of the job.
	JobID string

	// Subject is the account the job acts on. At most one job per subject
	// may be claimed at any instant.
	Subject string

	// VideoPath and Caption are the task payload.
	VideoPath string
	Caption   string

	Status Status

	// WorkerID is the claiming worker, 0 when unclaimed. Workers are
	// numbered from 1.
	WorkerID int

	// ClaimedAt and CompletedAt are zero when unset.
	ClaimedAt   time.Time
	CompletedAt time.Time

	// Error, ErrorType and ErrorCategory are empty unless the job failed
	// or is retrying.
	Error         string
	ErrorType     string
	ErrorCategory Category

	// Attempts counts completed execution attempts.
	Attempts int

	// MaxAttempts is the per-job attempt ceiling.
	MaxAttempts int

	// RetryAt is the earliest time a retrying job may be claimed again.
	RetryAt time.Time

	// PassNumber is the retry pass that last touched the job.
	PassNumber int
}

// Validate determines if the job can be written to the ledger. A job that
// would produce an incomplete row must be rejected before it reaches the
// file.
func (j Job) Validate() error {
	if j.JobID == "" {
		return errors.New("ledger: job has no job id")
	}
	if j.Subject == "" {
		return errors.Errorf("ledger: job %s has no subject", j.JobID)
	}
	if j.VideoPath == "" {
		return errors.Errorf("ledger: job %s has no video path", j.JobID)
	}
	if !j.Status.Valid() {
		return errors.Errorf("ledger: job %s has invalid status %q", j.JobID, j.Status)
	}
	if j.MaxAttempts < 1 {
		return errors.Errorf("ledger: job %s has no attempt ceiling", j.JobID)
	}
	if j.Attempts < 0 || j.PassNumber < 0 {
		return errors.Errorf("ledger: job %s has negative counters", j.JobID)
	}
	return nil
}

// ValidateHeader determines if header exactly matches the ledger schema.
func ValidateHeader(header []string) error {
	if len(header) != len(Columns) {
		return errors.Errorf("ledger: header has %d columns, want %d", len(header), len(Columns))
	}
	for i, col := range Columns {
		if header[i] != col {
			return errors.Errorf("ledger: header column %d is %q, want %q", i, header[i], col)
		}
	}
	return nil
}

func (j Job) record() []string {
	return []string{
		j.JobID,
		j.Subject,
		j.VideoPath,
		j.Caption,
		string(j.Status),
		formatInt(j.WorkerID),
		formatTime(j.ClaimedAt),
		formatTime(j.CompletedAt),
		j.Error,
		j.ErrorType,
		string(j.ErrorCategory),
		strconv.Itoa(j.Attempts),
		strconv.Itoa(j.MaxAttempts),
		formatTime(j.RetryAt),
		strconv.Itoa(j.PassNumber),
	}
}

func parseRecord(rec []string) (Job, error) {
	if len(rec) != len(Columns) {
		return Job{}, errors.Errorf("ledger: row has %d columns, want %d", len(rec), len(Columns))
	}

	job := Job{
		JobID:         rec[0],
		Subject:       rec[1],
		VideoPath:     rec[2],
		Caption:       rec[3],
		Status:        Status(rec[4]),
		Error:         rec[8],
		ErrorType:     rec[9],
		ErrorCategory: Category(rec[10]),
	}

	var err error
	if job.WorkerID, err = parseInt(rec[5]); err != nil {
		return Job{}, errors.Wrapf(err, "ledger: row %s worker_id", job.JobID)
	}
	if job.ClaimedAt, err = parseTime(rec[6]); err != nil {
		return Job{}, errors.Wrapf(err, "ledger: row %s claimed_at", job.JobID)
	}
	if job.CompletedAt, err = parseTime(rec[7]); err != nil {
		return Job{}, errors.Wrapf(err, "ledger: row %s completed_at", job.JobID)
	}
	if job.Attempts, err = strconv.Atoi(rec[11]); err != nil {
		return Job{}, errors.Wrapf(err, "ledger: row %s attempts", job.JobID)
	}
	if job.MaxAttempts, err = strconv.Atoi(rec[12]); err != nil {
		return Job{}, errors.Wrapf(err, "ledger: row %s max_attempts", job.JobID)
	}
	if job.RetryAt, err = parseTime(rec[13]); err != nil {
		return Job{}, errors.Wrapf(err, "ledger: row %s retry_at", job.JobID)
	}
	if job.PassNumber, err = strconv.Atoi(rec[14]); err != nil {
		return Job{}, errors.Wrapf(err, "ledger: row %s pass_number", job.JobID)
	}

	if !job.Status.Valid() {
		return Job{}, errors.Errorf("ledger: row %s has invalid status %q", job.JobID, rec[4])
	}

	return job, nil
}

// Decode reads a full ledger, validating the header against the schema.
func Decode(r io.Reader) ([]Job, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Columns)

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New("ledger: file has no header")
	}
	if err != nil {
		return nil, errors.Wrap(err, "ledger: reading header")
	}
	if err := ValidateHeader(header); err != nil {
		return nil, err
	}

	var jobs []Job
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "ledger: reading row")
		}

		job, err := parseRecord(rec)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// Encode writes the header and every job to w.
func Encode(w io.Writer, jobs []Job) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(Columns); err != nil {
		return errors.Wrap(err, "ledger: writing header")
	}
	for _, job := range jobs {
		if err := cw.Write(job.record()); err != nil {
			return errors.Wrapf(err, "ledger: writing row %s", job.JobID)
		}
	}

	cw.Flush()
	return errors.Wrap(cw.Error(), "ledger: flushing rows")
}

func formatInt(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parsing time %q", s)
	}
	return t.UTC(), nil
}
