// Package remotetest provides a scripted remote.Executor for tests.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/CurryTang/slack-gpu-monitor/internal/gpuerr"
	"github.com/CurryTang/slack-gpu-monitor/internal/node"
	"github.com/CurryTang/slack-gpu-monitor/internal/remote"
)

// Call records one Execute invocation.
type Call struct {
	Node    string
	Command string
}

// Handler produces the result for a call.
type Handler func(n node.Node, command string) remote.Result

// Executor is a concurrency-safe fake that delegates to Handler.
type Executor struct {
	Handler Handler

	mu    sync.Mutex
	calls []Call
}

// New returns a fake executor using h.
func New(h Handler) *Executor {
	return &Executor{Handler: h}
}

// Execute records the call and returns the handler's result. A Result
// with Failure == FailureTimeout blocks until ctx or timeout expires, so
// barrier behavior can be observed.
func (f *Executor) Execute(ctx context.Context, n node.Node, command string, timeout time.Duration) remote.Result {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Node: n.Name, Command: command})
	f.mu.Unlock()

	res := f.Handler(n, command)
	if res.Failure == remote.FailureTimeout && timeout > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(timeout):
		}
	}
	return res
}

// Calls returns a copy of the recorded calls.
func (f *Executor) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// OK is a successful result with the given stdout.
func OK(stdout string) remote.Result {
	return remote.Result{Stdout: stdout, Succeeded: true}
}

// Exit is a result for a command that ran and exited with code.
func Exit(code int, stderr string) remote.Result {
	kind := remote.FailureOther
	var err error = fmt.Errorf("exited with status %d: %s", code, stderr)
	if code == 127 {
		kind = remote.FailureToolMissing
		err = fmt.Errorf("%w: %s", gpuerr.ErrRemoteToolMissing, stderr)
	}
	return remote.Result{Stderr: stderr, ExitCode: code, Failure: kind, Err: err}
}

// ExitOut is like Exit but also sets stdout.
func ExitOut(code int, stdout, stderr string) remote.Result {
	r := Exit(code, stderr)
	r.Stdout = stdout
	return r
}

// Unreachable is a transport failure of the given kind.
func Unreachable(kind remote.FailureKind) remote.Result {
	return remote.Result{
		ExitCode: -1,
		Failure:  kind,
		Err:      fmt.Errorf("%w: %s", remote.SentinelFor(kind), errors.New(string(kind))),
	}
}

// Gate is an Executor whose first command starting with a prefix blocks
// until Release. Calls whose ctx is already done when they would run fail
// as timeouts without reaching the handler, like the SSH executor's dial
// limiter.
type Gate struct {
	*Executor

	prefix  string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// NewGate returns a Gate over h that holds the first command starting
// with prefix.
func NewGate(h Handler, prefix string) *Gate {
	return &Gate{
		Executor: New(h),
		prefix:   prefix,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

// Entered is closed once the held command has been issued.
func (g *Gate) Entered() <-chan struct{} {
	return g.entered
}

// Release lets the held command complete.
func (g *Gate) Release() {
	close(g.release)
}

func (g *Gate) Execute(ctx context.Context, n node.Node, command string, timeout time.Duration) remote.Result {
	g.mu.Lock()
	g.calls = append(g.calls, Call{Node: n.Name, Command: command})
	g.mu.Unlock()

	if strings.HasPrefix(command, g.prefix) {
		held := false
		g.once.Do(func() { held = true })
		if held {
			close(g.entered)
			<-g.release
		}
	}
	if err := ctx.Err(); err != nil {
		return remote.Result{ExitCode: -1, Failure: remote.FailureTimeout, Err: fmt.Errorf("%w: %v", gpuerr.ErrConnectivity, err)}
	}
	return g.Handler(n, command)
}
