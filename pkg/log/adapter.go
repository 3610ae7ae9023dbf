// Package log bridges the application logger to the other logging
// surfaces in the system: raw process output streams and hclog, which the
// worker runtime logs through.
package log

import (
	"bytes"
	"io"
	stdlog "log"

	"github.com/hamba/pkg/log"
	"github.com/hashicorp/go-hclog"
)

// Level is the log level that will be used.
type Level int

// The log level constants.
const (
	Debug Level = iota
	Info
)

// Writer is an io.Writer that forwards whole lines to a logger with a
// prefix. It is used to fold worker process output into the orchestrator
// log.
type Writer struct {
	log    log.Logger
	lvl    Level
	prefix string

	buf bytes.Buffer
}

// NewWriter returns a line-forwarding writer.
func NewWriter(l log.Logger, lvl Level, prefix string) *Writer {
	return &Writer{
		log:    l,
		lvl:    lvl,
		prefix: prefix,
	}
}

// Write buffers p and emits one log entry per completed line.
func (w *Writer) Write(p []byte) (int, error) {
	w.buf.Write(p)

	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line, keep it for the next write.
			w.buf.WriteString(line)
			break
		}

		w.emit(w.prefix + line[:len(line)-1])
	}

	return len(p), nil
}

func (w *Writer) emit(line string) {
	switch w.lvl {
	case Debug:
		w.log.Debug(line)

	default:
		w.log.Info(line)
	}
}

// HCLBridge is a log bridge to an hcl logger, for running the worker
// runtime in-process against the application logger.
type HCLBridge struct {
	log    log.Logger
	prefix string
}

// NewHCLBridge returns an hclog.Logger backed by l.
func NewHCLBridge(l log.Logger, prefix string) hclog.Logger {
	return &HCLBridge{
		log:    l,
		prefix: prefix,
	}
}

func (h *HCLBridge) Trace(msg string, args ...interface{}) {
	h.log.Debug(h.prefix+msg, args...)
}

func (h *HCLBridge) Debug(msg string, args ...interface{}) {
	h.log.Debug(h.prefix+msg, args...)
}

func (h *HCLBridge) Info(msg string, args ...interface{}) {
	h.log.Info(h.prefix+msg, args...)
}

func (h *HCLBridge) Warn(msg string, args ...interface{}) {
	h.log.Info(h.prefix+msg, args...)
}

func (h *HCLBridge) Error(msg string, args ...interface{}) {
	h.log.Error(h.prefix+msg, args...)
}

func (h *HCLBridge) IsTrace() bool {
	return false
}

func (h *HCLBridge) IsDebug() bool {
	return true
}

func (h *HCLBridge) IsInfo() bool {
	return true
}

func (h *HCLBridge) IsWarn() bool {
	return true
}

func (h *HCLBridge) IsError() bool {
	return true
}

func (h *HCLBridge) With(args ...interface{}) hclog.Logger {
	return h
}

func (h *HCLBridge) Named(name string) hclog.Logger {
	return &HCLBridge{log: h.log, prefix: h.prefix + name + ": "}
}

func (h *HCLBridge) ResetNamed(name string) hclog.Logger {
	return &HCLBridge{log: h.log, prefix: name + ": "}
}

func (h *HCLBridge) SetLevel(level hclog.Level) {}

func (h *HCLBridge) StandardLogger(opts *hclog.StandardLoggerOptions) *stdlog.Logger {
	return stdlog.New(NewWriter(h.log, Debug, h.prefix), "", 0)
}

func (h *HCLBridge) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return NewWriter(h.log, Debug, h.prefix)
}
