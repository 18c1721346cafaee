// Package remote runs commands on GPU nodes over SSH and classifies
// transport failures.
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/CurryTang/slack-gpu-monitor/internal/gpuerr"
	"github.com/CurryTang/slack-gpu-monitor/internal/node"
)

// FailureKind classifies why a remote call did not succeed.
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureAuth              FailureKind = "auth_failure"
	FailureConnectionRefused FailureKind = "connection_refused"
	FailureTimeout           FailureKind = "timeout"
	FailureDNS               FailureKind = "dns_failure"
	FailureToolMissing       FailureKind = "remote_tool_missing"
	FailureOther             FailureKind = "other"
)

// exitCommandNotFound is the shell's exit status for an unknown command.
const exitCommandNotFound = 127

// Result is the outcome of one remote command.
// ExitCode is -1 when the command never ran (transport failure).
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Succeeded bool
	Failure   FailureKind
	Err       error
}

// Transport reports whether the failure happened before the command ran.
func (r Result) Transport() bool {
	switch r.Failure {
	case FailureAuth, FailureConnectionRefused, FailureTimeout, FailureDNS:
		return true
	}
	return false
}

// Error returns nil on success, otherwise an error wrapping the gpuerr
// sentinel for the failure kind.
func (r Result) Error() error {
	if r.Succeeded {
		return nil
	}
	if r.Err != nil {
		return r.Err
	}
	return fmt.Errorf("%w: remote command failed (%s)", SentinelFor(r.Failure), r.Failure)
}

// SentinelFor maps a failure kind onto the gpuerr taxonomy.
func SentinelFor(kind FailureKind) error {
	switch kind {
	case FailureAuth:
		return gpuerr.ErrAuth
	case FailureConnectionRefused, FailureTimeout, FailureDNS:
		return gpuerr.ErrConnectivity
	case FailureToolMissing:
		return gpuerr.ErrRemoteToolMissing
	default:
		return fmt.Errorf("remote command failed")
	}
}

// Executor abstracts remote command execution for testing.
// Implementations never retry; retry policy belongs to the caller.
type Executor interface {
	// Execute runs command on n, giving up after timeout (0 means the
	// context deadline alone applies).
	Execute(ctx context.Context, n node.Node, command string, timeout time.Duration) Result
}

// transportFailure builds a Result for a call that never reached the shell.
func transportFailure(kind FailureKind, err error) Result {
	return Result{ExitCode: -1, Failure: kind, Err: err}
}
