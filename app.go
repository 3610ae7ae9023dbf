// Package automation wires the job coordinator into an operator-facing
// application.
package automation

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/hamba/pkg/log"
	"github.com/hamba/pkg/stats"

	"github.com/YallaPapi/geelark-automation-sub002/coordinator/store"
)

// Config configures an application.
type Config struct {
	Store   *store.Store
	Logger  log.Logger
	Statter stats.Statter
}

// Application represents the application.
type Application struct {
	store *store.Store

	logger  log.Logger
	statter stats.Statter
}

// NewApplication creates an instance of Application.
func NewApplication(cfg Config) *Application {
	return &Application{
		store:   cfg.Store,
		logger:  cfg.Logger,
		statter: cfg.Statter,
	}
}

// PrintStatus writes the per-status job counts to w, keeping failures that
// need manual intervention apart from those that are retried automatically.
func (a *Application) PrintStatus(w io.Writer) error {
	st, err := a.store.Stats()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 10, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "")
	fmt.Fprintf(tw, "%s\t%s\n", "Status", "Jobs")
	fmt.Fprintf(tw, "%s\t%d\n", "pending", st.Pending)
	fmt.Fprintf(tw, "%s\t%d\n", "claimed", st.Claimed)
	fmt.Fprintf(tw, "%s\t%d\n", "success", st.Success)
	fmt.Fprintf(tw, "%s\t%d\n", "failed", st.Failed)
	fmt.Fprintf(tw, "%s\t%d\n", "retrying", st.Retrying)
	fmt.Fprintf(tw, "%s\t%d\n", "skipped", st.Skipped)
	fmt.Fprintf(tw, "%s\t%d\n", "total", st.Total)
	fmt.Fprintln(tw, "")
	fmt.Fprintf(tw, "%s\t%s\n", "Failures", "Jobs")
	fmt.Fprintf(tw, "%s\t%d\n", "account (manual intervention)", st.AccountFailures)
	fmt.Fprintf(tw, "%s\t%d\n", "infrastructure (auto-retried)", st.InfraFailures)
	fmt.Fprintf(tw, "%s\t%d\n", "unknown (auto-retried)", st.UnknownFailures)
	fmt.Fprintln(tw, "")

	return tw.Flush()
}
