package coordinator

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/pkg/errors"
	"github.com/segmentio/ksuid"
)

// Session is the exclusive right to orchestrate over one ledger. It is a
// flock on a sidecar file scoped to the ledger path, so two runs over
// different ledgers never conflict while two runs over the same ledger
// always do. The flock dies with the process, a crashed orchestrator never
// wedges the next run.
type Session struct {
	id   string
	path string
	file *os.File

	log log.Logger
}

// SessionError is returned when another session already holds the ledger.
type SessionError struct {
	Path   string
	Holder string
	Cause  error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("coordinator: another session already holds %s (%s)", e.Path, e.Holder)
}

// Unwrap returns the underlying cause.
func (e *SessionError) Unwrap() error {
	return e.Cause
}

// AcquireSession acquires the orchestrator session for a ledger, refusing
// with a SessionError naming the holder when one is already live.
func AcquireSession(ledgerPath string, logger log.Logger) (*Session, error) {
	if logger == nil {
		logger = log.Null
	}

	path := ledgerPath + ".session"
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "coordinator: opening session file")
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readHolder(path)
		file.Close()
		logger.Error("Refusing to start: conflicting session", "path", path, "holder", holder)
		return nil, &SessionError{Path: path, Holder: holder, Cause: err}
	}

	s := &Session{
		id:   ksuid.New().String(),
		path: path,
		file: file,
		log:  logger,
	}

	if err = s.writeInfo(); err != nil {
		s.Release()
		return nil, errors.Wrap(err, "coordinator: writing session info")
	}

	logger.Info("Acquired orchestrator session", "session", s.id, "path", path)
	return s, nil
}

// writeInfo records the holder's identity in the session file so a
// conflicting session can name it.
func (s *Session) writeInfo() error {
	info := fmt.Sprintf("id=%s pid=%d started=%s\n", s.id, os.Getpid(), time.Now().UTC().Format(time.RFC3339))

	if err := s.file.Truncate(0); err != nil {
		return err
	}
	if _, err := s.file.WriteAt([]byte(info), 0); err != nil {
		return err
	}
	return s.file.Sync()
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Release releases the session and removes the session file. Safe to call
// more than once.
func (s *Session) Release() {
	if s.file == nil {
		return
	}

	if err := syscall.Flock(int(s.file.Fd()), syscall.LOCK_UN); err != nil {
		s.log.Error("Error releasing session lock", "path", s.path, "error", err)
	}
	if err := s.file.Close(); err != nil {
		s.log.Error("Error closing session file", "path", s.path, "error", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		s.log.Error("Error removing session file", "path", s.path, "error", err)
	}

	s.file = nil
	s.log.Info("Released orchestrator session", "session", s.id)
}

// readHolder reads the live session's identity for the conflict error.
func readHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return "holder unknown"
	}

	info := strings.TrimSpace(string(data))
	if pid := holderPID(info); pid > 0 {
		if processAlive(pid) {
			return info + " (running)"
		}
		return info + " (not running)"
	}
	return info
}

func holderPID(info string) int {
	for _, field := range strings.Fields(info) {
		if !strings.HasPrefix(field, "pid=") {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimPrefix(field, "pid="))
		if err != nil {
			return 0
		}
		return pid
	}
	return 0
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
