package ledger

import (
	"bytes"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/pkg/errors"
)

// DefaultLockTimeout is the default time to wait for the ledger lock.
const DefaultLockTimeout = 30 * time.Second

const lockPollInterval = 25 * time.Millisecond

// ErrLockTimeout is returned when the ledger lock cannot be acquired in
// time. Callers should treat it as retryable.
var ErrLockTimeout = errors.New("ledger: timed out waiting for ledger lock")

// File provides exclusive, timeout-bounded access to a ledger file. Every
// read and write of the ledger goes through Update or View; no other code
// path may touch the file.
type File struct {
	path     string
	lockPath string
	timeout  time.Duration

	log log.Logger
}

// OpenFile returns a ledger file handle. The file itself is created, with a
// header row, on first access.
func OpenFile(path string, timeout time.Duration, logger log.Logger) (*File, error) {
	if path == "" {
		return nil, errors.New("ledger: path cannot be empty")
	}
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	if logger == nil {
		logger = log.Null
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "ledger: creating ledger directory")
	}

	return &File{
		path:     path,
		lockPath: path + ".lock",
		timeout:  timeout,
		log:      logger,
	}, nil
}

// Path returns the ledger file path.
func (f *File) Path() string {
	return f.path
}

// Update runs fn with the current rows under the exclusive lock. When fn
// returns a non-nil slice it replaces the full row set atomically, a crash
// mid-write never leaves a half-updated file. Returning nil rows leaves the
// file untouched.
func (f *File) Update(fn func(jobs []Job) ([]Job, error)) error {
	lock, err := f.acquire()
	if err != nil {
		return err
	}
	defer f.release(lock)

	jobs, err := f.load()
	if err != nil {
		return err
	}

	out, err := fn(jobs)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	return f.replace(out)
}

// View runs fn with the current rows under the exclusive lock, without
// writing anything back.
func (f *File) View(fn func(jobs []Job) error) error {
	lock, err := f.acquire()
	if err != nil {
		return err
	}
	defer f.release(lock)

	jobs, err := f.load()
	if err != nil {
		return err
	}

	return fn(jobs)
}

// acquire takes the flock on the sidecar lock file, polling until the
// configured timeout. The non-blocking flock plus bounded polling is the
// internal retry the timeout contract demands.
func (f *File) acquire() (*os.File, error) {
	lock, err := os.OpenFile(f.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "ledger: opening lock file")
	}

	deadline := time.Now().Add(f.timeout)
	for {
		err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return lock, nil
		}
		if err != syscall.EWOULDBLOCK && err != syscall.EAGAIN {
			lock.Close()
			return nil, errors.Wrap(err, "ledger: acquiring ledger lock")
		}
		if time.Now().After(deadline) {
			lock.Close()
			f.log.Debug("Ledger lock acquisition timed out", "path", f.lockPath, "timeout", f.timeout)
			return nil, ErrLockTimeout
		}
		time.Sleep(lockPollInterval)
	}
}

func (f *File) release(lock *os.File) {
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_UN); err != nil {
		f.log.Error("Error releasing ledger lock", "path", f.lockPath, "error", err)
	}
	if err := lock.Close(); err != nil {
		f.log.Error("Error closing ledger lock", "path", f.lockPath, "error", err)
	}
}

// load reads the full row set, creating the ledger with a header row if it
// does not exist yet. Must be called with the lock held.
func (f *File) load() ([]Job, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		if err := f.replace(nil); err != nil {
			return nil, err
		}
		f.log.Info("Created empty ledger", "path", f.path)
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "ledger: reading ledger")
	}

	return Decode(bytes.NewReader(data))
}

// replace atomically swaps the ledger contents via a temp file in the same
// directory, an fsync and a rename. Must be called with the lock held.
func (f *File) replace(jobs []Job) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".ledger-*")
	if err != nil {
		return errors.Wrap(err, "ledger: creating temp file")
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, jobs); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "ledger: syncing temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "ledger: closing temp file")
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return errors.Wrap(err, "ledger: replacing ledger")
	}

	return nil
}
