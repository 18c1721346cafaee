// Package gpuerr defines the error taxonomy shared by the remote executor,
// status aggregator, occupation manager, and monitors.
package gpuerr

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers wrap these with fmt.Errorf("...: %w") and test
// with errors.Is or the IsX helpers below.
var (
	// ErrConnectivity covers refused connections, timeouts, and DNS failures.
	ErrConnectivity = errors.New("node unreachable")

	// ErrAuth indicates the SSH handshake rejected every offered key.
	ErrAuth = errors.New("SSH authentication failed")

	// ErrRemoteToolMissing indicates nvidia-smi, the interpreter, or the
	// accelerator runtime is absent on the node.
	ErrRemoteToolMissing = errors.New("remote tool missing")

	// ErrAcceleratorUnavailable indicates the runtime is installed but reports
	// no usable accelerator (or the requested id does not exist).
	ErrAcceleratorUnavailable = errors.New("accelerator unavailable")

	// ErrParse indicates malformed status output.
	ErrParse = errors.New("malformed status output")

	// ErrNotFound indicates an unknown node, monitor, or occupation.
	ErrNotFound = errors.New("not found")

	// ErrLedgerIO indicates the occupation ledger could not be read or written.
	ErrLedgerIO = errors.New("occupation ledger I/O error")

	// ErrInvalidArgument indicates a request that was rejected before any
	// remote call was made.
	ErrInvalidArgument = errors.New("invalid argument")
)

// PreflightStep names the occupation preflight check that failed.
type PreflightStep string

const (
	StepInterpreterMissing        PreflightStep = "interpreter_missing"
	StepAcceleratorRuntimeMissing PreflightStep = "accelerator_runtime_missing"
	StepAcceleratorUnavailable    PreflightStep = "accelerator_unavailable"
	StepTransport                 PreflightStep = "transport"
)

// PreflightError reports which occupation preflight check failed on a node.
// It unwraps to the matching sentinel so errors.Is keeps working.
type PreflightError struct {
	Step   PreflightStep
	Node   string
	Detail string
	Err    error
}

func (e *PreflightError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("preflight on %s failed (%s): %s", e.Node, e.Step, e.Detail)
	}
	return fmt.Sprintf("preflight on %s failed (%s)", e.Node, e.Step)
}

func (e *PreflightError) Unwrap() error {
	return e.Err
}

// IsConnectivity returns true if err is a connectivity failure.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

// IsAuth returns true if err is an authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsNotFound returns true if err names an unknown node, monitor, or occupation.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsParse returns true if err came from parsing status output.
func IsParse(err error) bool {
	return errors.Is(err, ErrParse)
}

// PreflightStepOf returns the failed preflight step, or "" if err is not a
// PreflightError.
func PreflightStepOf(err error) PreflightStep {
	var pe *PreflightError
	if errors.As(err, &pe) {
		return pe.Step
	}
	return ""
}
