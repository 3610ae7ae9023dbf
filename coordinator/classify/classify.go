// Package classify maps raw task-executor error strings to a failure
// category and type. It is a pure function over two pattern tables, one
// retry-decision point consumes the result.
package classify

import (
	"strings"

	"github.com/YallaPapi/geelark-automation-sub002/coordinator/ledger"
)

type pattern struct {
	substr string
	typ    string
}

// Explicit top-level signals are matched before the generic tables so that
// a message such as "step budget exhausted after account screen" is never
// misread by a broader substring scan.
var signalPatterns = []struct {
	substr   string
	category ledger.Category
	typ      string
}{
	{"step budget exhausted", ledger.CategoryInfrastructure, "automation_stuck"},
	{"max automation steps reached", ledger.CategoryInfrastructure, "automation_stuck"},
}

// Account failures are permanent and tied to the subject's standing.
var accountPatterns = []pattern{
	{"account suspended", "suspended"},
	{"account banned", "banned"},
	{"permanently banned", "banned"},
	{"account locked", "locked"},
	{"account disabled", "disabled"},
	{"verification required", "verification_required"},
	{"verify your identity", "verification_required"},
	{"captcha", "verification_required"},
	{"logged out", "logged_out"},
	{"login required", "logged_out"},
	{"log in to continue", "logged_out"},
	{"permanently rate limited", "rate_limited"},
	{"posting privileges revoked", "rate_limited"},
}

// Infrastructure failures are transient environment or dependency problems.
var infraPatterns = []pattern{
	{"connection timed out", "connection_timeout"},
	{"connection refused", "connection_refused"},
	{"connection reset", "connection_reset"},
	{"deadline exceeded", "connection_timeout"},
	{"device offline", "device_offline"},
	{"device not found", "device_offline"},
	{"adb connection", "adb_failure"},
	{"adb server", "adb_failure"},
	{"adb device", "adb_failure"},
	{"appium", "appium_crashed"},
	{"automation server crashed", "appium_crashed"},
	{"session expired", "session_expired"},
	{"session not created", "session_expired"},
	{"ui element not found", "ui_stuck"},
	{"screen did not settle", "ui_stuck"},
}

// Classify maps a raw error message to its failure category and type.
// Unmatched messages classify as unknown with an empty type and are
// retryable by policy, bounded by the per-job attempt ceiling.
func Classify(message string) (ledger.Category, string) {
	msg := strings.ToLower(message)

	for _, p := range signalPatterns {
		if strings.Contains(msg, p.substr) {
			return p.category, p.typ
		}
	}
	for _, p := range accountPatterns {
		if strings.Contains(msg, p.substr) {
			return ledger.CategoryAccount, p.typ
		}
	}
	for _, p := range infraPatterns {
		if strings.Contains(msg, p.substr) {
			return ledger.CategoryInfrastructure, p.typ
		}
	}

	return ledger.CategoryUnknown, ""
}

// Retryable determines if a failure category may ever be retried.
func Retryable(cat ledger.Category) bool {
	return cat != ledger.CategoryAccount
}
