package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/YallaPapi/geelark-automation-sub002/coordinator/ledger"
)

// TaskExecutor performs the externally visible work for one claimed job.
// Implementations must never panic past this boundary: any internal failure
// is converted to (false, message).
type TaskExecutor interface {
	Execute(ctx context.Context, job ledger.Job, ports []int) (bool, string)
}

// ExecutorFunc adapts a function to the TaskExecutor interface.
type ExecutorFunc func(ctx context.Context, job ledger.Job, ports []int) (bool, string)

// Execute performs the work for a job.
func (fn ExecutorFunc) Execute(ctx context.Context, job ledger.Job, ports []int) (bool, string) {
	return fn(ctx, job, ports)
}

// CommandExecutor runs an external automation command per job. The job and
// the worker's reserved ports are passed through the environment; exit code
// zero is success, anything else fails with the tail of the combined output
// as the raw error.
type CommandExecutor struct {
	// Command is the argv of the automation command.
	Command []string
}

// Execute runs the automation command for the job.
func (e CommandExecutor) Execute(ctx context.Context, job ledger.Job, ports []int) (bool, string) {
	if len(e.Command) == 0 {
		return false, "task command not configured"
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Env = append(os.Environ(),
		"JOB_ID="+job.JobID,
		"JOB_SUBJECT="+job.Subject,
		"JOB_VIDEO_PATH="+job.VideoPath,
		"JOB_CAPTION="+job.Caption,
		"JOB_PORTS="+joinPorts(ports),
	)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Run(); err != nil {
		return false, fmt.Sprintf("%v: %s", err, tail(buf.String(), 512))
	}
	return true, ""
}

func joinPorts(ports []int) string {
	strs := make([]string, len(ports))
	for i, p := range ports {
		strs[i] = strconv.Itoa(p)
	}
	return strings.Join(strs, ",")
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
