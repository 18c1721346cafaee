package main

import (
	"errors"

	"github.com/CurryTang/slack-gpu-monitor/internal/gpuerr"
)

// Exit codes
const (
	ExitSuccess     = 0 // Success
	ExitError       = 1 // General error (runtime failure)
	ExitConfigError = 2 // Configuration error (unreadable config, registry, or ledger)
	ExitDataError   = 3 // Invalid arguments
	ExitNotFound    = 4 // Unknown node or monitor
	ExitUnreachable = 5 // Node unreachable or SSH authentication failed
	ExitPreflight   = 6 // Interpreter, runtime, or accelerator missing on the node
)

// exitCodeFor maps an error onto an exit code.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, gpuerr.ErrInvalidArgument):
		return ExitDataError
	case gpuerr.IsNotFound(err):
		return ExitNotFound
	case gpuerr.IsConnectivity(err), gpuerr.IsAuth(err):
		return ExitUnreachable
	case gpuerr.PreflightStepOf(err) != "",
		errors.Is(err, gpuerr.ErrRemoteToolMissing),
		errors.Is(err, gpuerr.ErrAcceleratorUnavailable):
		return ExitPreflight
	case errors.Is(err, gpuerr.ErrLedgerIO):
		return ExitConfigError
	default:
		return ExitError
	}
}
