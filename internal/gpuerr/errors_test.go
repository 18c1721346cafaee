package gpuerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestPreflightError_UnwrapsToSentinel(t *testing.T) {
	err := fmt.Errorf("starting occupation: %w", &PreflightError{
		Step: StepAcceleratorUnavailable,
		Node: "alpha",
		Err:  ErrAcceleratorUnavailable,
	})

	if !errors.Is(err, ErrAcceleratorUnavailable) {
		t.Errorf("expected errors.Is to match ErrAcceleratorUnavailable, got %v", err)
	}
	if got := PreflightStepOf(err); got != StepAcceleratorUnavailable {
		t.Errorf("PreflightStepOf() = %q, want %q", got, StepAcceleratorUnavailable)
	}
}

func TestPreflightError_Message(t *testing.T) {
	err := &PreflightError{Step: StepInterpreterMissing, Node: "beta", Detail: "python3 not on PATH", Err: ErrRemoteToolMissing}
	want := "preflight on beta failed (interpreter_missing): python3 not on PATH"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIsHelpers(t *testing.T) {
	tests := []struct {
		name string
		err  error
		fn   func(error) bool
		want bool
	}{
		{"connectivity", fmt.Errorf("x: %w", ErrConnectivity), IsConnectivity, true},
		{"auth", fmt.Errorf("x: %w", ErrAuth), IsAuth, true},
		{"not found", fmt.Errorf("x: %w", ErrNotFound), IsNotFound, true},
		{"parse", fmt.Errorf("x: %w", ErrParse), IsParse, true},
		{"mismatch", ErrAuth, IsConnectivity, false},
		{"nil", nil, IsNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.err); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPreflightStepOf_PlainError(t *testing.T) {
	if got := PreflightStepOf(errors.New("boom")); got != "" {
		t.Errorf("PreflightStepOf() = %q, want empty", got)
	}
}
