package occupy

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CurryTang/slack-gpu-monitor/internal/gpuerr"
	"github.com/CurryTang/slack-gpu-monitor/internal/history"
	"github.com/CurryTang/slack-gpu-monitor/internal/ledger"
	"github.com/CurryTang/slack-gpu-monitor/internal/node"
	"github.com/CurryTang/slack-gpu-monitor/internal/remote"
	"github.com/CurryTang/slack-gpu-monitor/internal/remote/remotetest"
)

type staticNodes []node.Node

func (s staticNodes) Find(name string) (node.Node, error) {
	if i, ok := node.FindByName(s, name); ok {
		return s[i], nil
	}
	return node.Node{}, fmt.Errorf("%w: node %q", gpuerr.ErrNotFound, name)
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *fakeRecorder) Record(_ context.Context, e history.Event) (history.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return e, nil
}

func (r *fakeRecorder) kinds() []history.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []history.Kind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

var fleet = staticNodes{{Name: "alpha"}, {Name: "beta"}, {Name: "gamma"}}

// healthyNode answers every step of a successful occupation.
func healthyNode(n node.Node, cmd string) remote.Result {
	switch {
	case strings.HasPrefix(cmd, "command -v"):
		return remotetest.OK("/usr/bin/python3\n")
	case strings.HasPrefix(cmd, "python3 -c"):
		return remotetest.OK("2\n")
	case strings.HasPrefix(cmd, "mkdir -p"):
		return remotetest.OK("")
	case strings.HasPrefix(cmd, "nohup setsid"):
		return remotetest.OK("4242 alice\n")
	case strings.HasPrefix(cmd, "kill -TERM"):
		return remotetest.OK("")
	case strings.HasPrefix(cmd, "rm -f"):
		return remotetest.OK("")
	}
	return remotetest.Exit(127, "unexpected command: "+cmd)
}

type harness struct {
	mgr     *Manager
	exec    *remotetest.Executor
	store   *ledger.Store
	history *fakeRecorder
}

func newHarness(t *testing.T, h remotetest.Handler) *harness {
	t.Helper()
	exec := remotetest.New(h)
	store := ledger.NewStore(filepath.Join(t.TempDir(), "occupations.jsonl"))
	mgr := NewManager(exec, fleet, store, Config{Timeout: time.Second})
	mgr.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	mgr.suffix = func() string { return "abcd1234" }
	rec := &fakeRecorder{}
	mgr.SetHistory(rec)
	return &harness{mgr: mgr, exec: exec, store: store, history: rec}
}

func (h *harness) ledgerLen(t *testing.T) int {
	t.Helper()
	occs, err := h.store.List()
	require.NoError(t, err)
	return len(occs)
}

func seed(t *testing.T, store *ledger.Store, entries ...string) {
	t.Helper()
	for i, name := range entries {
		require.NoError(t, store.Append(ledger.Occupation{
			Node:       name,
			PID:        100 + i,
			GPUIDs:     []int{0},
			ScriptPath: fmt.Sprintf("/tmp/gpumon/occupy_%d.py", i),
		}))
	}
}

func TestStart_Success(t *testing.T) {
	h := newHarness(t, healthyNode)

	occ, err := h.mgr.Start(context.Background(), fleet[0], Request{GPUIDs: []int{0, 1}, MemoryGBPerGPU: 20})
	require.NoError(t, err)
	require.Equal(t, 4242, occ.PID)
	require.Equal(t, "alice", occ.Owner)
	require.Equal(t, "/tmp/gpumon/occupy_20260301T120000Z_abcd1234.py", occ.ScriptPath)

	occs, err := h.mgr.List()
	require.NoError(t, err)
	require.Equal(t, []ledger.Occupation{occ}, occs)
	require.Equal(t, []history.Kind{history.KindStarted}, h.history.kinds())

	calls := h.exec.Calls()
	require.Len(t, calls, 4)
	require.True(t, strings.HasPrefix(calls[3].Command, "nohup setsid python3 /tmp/gpumon/occupy_20260301T120000Z_abcd1234.py >> /tmp/gpumon/occupy.log"))
}

func TestStart_CancelDuringLaunchStillRecords(t *testing.T) {
	gate := remotetest.NewGate(healthyNode, "nohup setsid")
	store := ledger.NewStore(filepath.Join(t.TempDir(), "occupations.jsonl"))
	mgr := NewManager(gate, fleet, store, Config{Timeout: time.Second})
	rec := &fakeRecorder{}
	mgr.SetHistory(rec)

	ctx, cancel := context.WithCancel(context.Background())
	type startResult struct {
		occ ledger.Occupation
		err error
	}
	done := make(chan startResult, 1)
	go func() {
		occ, err := mgr.Start(ctx, fleet[0], Request{GPUIDs: []int{0}, MemoryGBPerGPU: 20})
		done <- startResult{occ, err}
	}()

	<-gate.Entered()
	cancel()
	gate.Release()

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, 4242, res.occ.PID)

	occs, err := store.List()
	require.NoError(t, err)
	require.Len(t, occs, 1)
	require.Equal(t, 4242, occs[0].PID)
	require.Equal(t, []history.Kind{history.KindStarted}, rec.kinds())
}

func TestStart_CancelBeforeLaunchWritesNothing(t *testing.T) {
	gate := remotetest.NewGate(healthyNode, "mkdir -p")
	store := ledger.NewStore(filepath.Join(t.TempDir(), "occupations.jsonl"))
	mgr := NewManager(gate, fleet, store, Config{Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := mgr.Start(ctx, fleet[0], Request{GPUIDs: []int{0}, MemoryGBPerGPU: 20})
		done <- err
	}()

	<-gate.Entered()
	cancel()
	gate.Release()

	require.True(t, gpuerr.IsConnectivity(<-done))
	occs, err := store.List()
	require.NoError(t, err)
	require.Empty(t, occs)
	for _, c := range gate.Calls() {
		require.False(t, strings.HasPrefix(c.Command, "nohup setsid"), "launched after cancellation")
	}
}

func TestStart_PreflightFailuresNeverWriteLedger(t *testing.T) {
	tests := []struct {
		name  string
		gpus  []int
		fail  func(cmd string) (remote.Result, bool)
		step  gpuerr.PreflightStep
		isErr error
	}{
		{
			name: "interpreter missing",
			gpus: []int{0},
			fail: func(cmd string) (remote.Result, bool) {
				return remotetest.Exit(1, ""), strings.HasPrefix(cmd, "command -v")
			},
			step:  gpuerr.StepInterpreterMissing,
			isErr: gpuerr.ErrRemoteToolMissing,
		},
		{
			name: "torch missing",
			gpus: []int{0},
			fail: func(cmd string) (remote.Result, bool) {
				return remotetest.Exit(3, ""), strings.HasPrefix(cmd, "python3 -c")
			},
			step:  gpuerr.StepAcceleratorRuntimeMissing,
			isErr: gpuerr.ErrRemoteToolMissing,
		},
		{
			name: "cuda unavailable",
			gpus: []int{0},
			fail: func(cmd string) (remote.Result, bool) {
				return remotetest.Exit(4, ""), strings.HasPrefix(cmd, "python3 -c")
			},
			step:  gpuerr.StepAcceleratorUnavailable,
			isErr: gpuerr.ErrAcceleratorUnavailable,
		},
		{
			name:  "gpu id out of range",
			gpus:  []int{0, 2},
			fail:  func(string) (remote.Result, bool) { return remote.Result{}, false },
			step:  gpuerr.StepAcceleratorUnavailable,
			isErr: gpuerr.ErrAcceleratorUnavailable,
		},
		{
			name: "auth failure",
			gpus: []int{0},
			fail: func(string) (remote.Result, bool) {
				return remotetest.Unreachable(remote.FailureAuth), true
			},
			step:  gpuerr.StepTransport,
			isErr: gpuerr.ErrAuth,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(n node.Node, cmd string) remote.Result {
				if res, ok := tt.fail(cmd); ok {
					return res
				}
				return healthyNode(n, cmd)
			})

			_, err := h.mgr.Start(context.Background(), fleet[0], Request{GPUIDs: tt.gpus, MemoryGBPerGPU: 10})
			require.Error(t, err)
			require.Equal(t, tt.step, gpuerr.PreflightStepOf(err))
			require.ErrorIs(t, err, tt.isErr)
			require.Equal(t, 0, h.ledgerLen(t))

			for _, c := range h.exec.Calls() {
				require.False(t, strings.HasPrefix(c.Command, "mkdir"), "upload must not run after failed preflight")
			}
			require.Equal(t, []history.Kind{history.KindStartFailed}, h.history.kinds())
		})
	}
}

func TestStart_InvalidRequest(t *testing.T) {
	h := newHarness(t, healthyNode)
	for _, req := range []Request{
		{MemoryGBPerGPU: 10},
		{GPUIDs: []int{-1}, MemoryGBPerGPU: 10},
		{GPUIDs: []int{0, 0}, MemoryGBPerGPU: 10},
		{GPUIDs: []int{0}, MemoryGBPerGPU: 0},
		{GPUIDs: []int{0}, MemoryGBPerGPU: 10, Duration: -time.Second},
	} {
		_, err := h.mgr.Start(context.Background(), fleet[0], req)
		require.ErrorIs(t, err, gpuerr.ErrInvalidArgument, "request %+v", req)
	}
	require.Empty(t, h.exec.Calls())
	require.Equal(t, 0, h.ledgerLen(t))
}

func TestStart_BadLaunchOutputCleansUp(t *testing.T) {
	h := newHarness(t, func(n node.Node, cmd string) remote.Result {
		if strings.HasPrefix(cmd, "nohup setsid") {
			return remotetest.OK("nohup: ignoring input\n")
		}
		return healthyNode(n, cmd)
	})

	_, err := h.mgr.Start(context.Background(), fleet[0], Request{GPUIDs: []int{0}, MemoryGBPerGPU: 10})
	require.ErrorContains(t, err, "invalid pid")
	require.Equal(t, 0, h.ledgerLen(t))

	calls := h.exec.Calls()
	require.Equal(t, "rm -f /tmp/gpumon/occupy_20260301T120000Z_abcd1234.py", calls[len(calls)-1].Command)
}

func TestStart_UploadFailure(t *testing.T) {
	h := newHarness(t, func(n node.Node, cmd string) remote.Result {
		if strings.HasPrefix(cmd, "mkdir -p") {
			return remotetest.Exit(1, "mkdir: cannot create directory: Permission denied")
		}
		return healthyNode(n, cmd)
	})

	_, err := h.mgr.Start(context.Background(), fleet[0], Request{GPUIDs: []int{0}, MemoryGBPerGPU: 10})
	require.ErrorContains(t, err, "uploading workload to alpha")
	require.Equal(t, 0, h.ledgerLen(t))
}

func TestCancelAll_EmptiesLedgerEvenWhenNotFound(t *testing.T) {
	h := newHarness(t, func(n node.Node, cmd string) remote.Result {
		if n.Name == "beta" && strings.HasPrefix(cmd, "kill") {
			return remotetest.Exit(1, "bash: line 1: kill: (101) - No such process")
		}
		return healthyNode(n, cmd)
	})
	seed(t, h.store, "alpha", "beta", "retired")

	outcomes, err := h.mgr.CancelAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, []CancelOutcome{
		{Node: "alpha", PID: 100, Status: CancelKilled},
		{Node: "beta", PID: 101, Status: CancelNotFound},
		{Node: "retired", PID: 102, Status: CancelNodeNotFound, Detail: `not found: node "retired"`},
	}, outcomes)
	require.Equal(t, 0, h.ledgerLen(t))
	require.Len(t, h.history.kinds(), 3)
}

func TestCancelAll_TransportErrorStillClears(t *testing.T) {
	h := newHarness(t, func(node.Node, string) remote.Result {
		return remotetest.Unreachable(remote.FailureConnectionRefused)
	})
	seed(t, h.store, "alpha")

	outcomes, err := h.mgr.CancelAll(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, CancelError, outcomes[0].Status)
	require.NotEmpty(t, outcomes[0].Detail)
	require.Equal(t, 0, h.ledgerLen(t))
}

func TestCancelForNode_KeepsOtherNodesInOrder(t *testing.T) {
	h := newHarness(t, healthyNode)
	seed(t, h.store, "beta", "alpha", "gamma", "ALPHA", "beta")

	outcomes, err := h.mgr.CancelForNode(context.Background(), "alpha")
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		require.Equal(t, CancelKilled, o.Status)
	}

	occs, err := h.store.List()
	require.NoError(t, err)
	var got []string
	for _, o := range occs {
		got = append(got, fmt.Sprintf("%s/%d", o.Node, o.PID))
	}
	require.Equal(t, []string{"beta/100", "gamma/102", "beta/104"}, got)
}

func TestCancelForNode_NoEntries(t *testing.T) {
	h := newHarness(t, healthyNode)
	seed(t, h.store, "beta")

	outcomes, err := h.mgr.CancelForNode(context.Background(), "alpha")
	require.NoError(t, err)
	require.Empty(t, outcomes)
	require.Equal(t, 1, h.ledgerLen(t))
	require.Empty(t, h.exec.Calls())
}

func TestKillByOwner_ClearsNodeEvenWhenNothingMatched(t *testing.T) {
	h := newHarness(t, func(n node.Node, cmd string) remote.Result {
		if strings.HasPrefix(cmd, "pkill") {
			require.Equal(t, "pkill -TERM -u bob -f /tmp/gpumon/occupy_", cmd)
			return remotetest.Exit(1, "")
		}
		return healthyNode(n, cmd)
	})
	seed(t, h.store, "alpha", "beta", "Alpha")

	res, err := h.mgr.KillByOwner(context.Background(), "ALPHA", "bob")
	require.NoError(t, err)
	require.Equal(t, CancelNotFound, res.Status)
	require.Equal(t, 2, res.Cleared)

	occs, err := h.store.List()
	require.NoError(t, err)
	require.Len(t, occs, 1)
	require.Equal(t, "beta", occs[0].Node)
	require.Equal(t, []history.Kind{history.KindOwnerKill}, h.history.kinds())
}

func TestKillByOwner_UnknownNode(t *testing.T) {
	h := newHarness(t, healthyNode)
	_, err := h.mgr.KillByOwner(context.Background(), "delta", "bob")
	require.True(t, gpuerr.IsNotFound(err))

	_, err = h.mgr.KillByOwner(context.Background(), "alpha", "")
	require.ErrorIs(t, err, gpuerr.ErrInvalidArgument)
}

func TestStartThenCancel_Concurrent(t *testing.T) {
	var mu sync.Mutex
	nextPID := 1000
	h := newHarness(t, func(n node.Node, cmd string) remote.Result {
		if strings.HasPrefix(cmd, "nohup setsid") {
			mu.Lock()
			defer mu.Unlock()
			nextPID++
			return remotetest.OK(fmt.Sprintf("%d alice\n", nextPID))
		}
		return healthyNode(n, cmd)
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.mgr.Start(context.Background(), fleet[1], Request{GPUIDs: []int{0}, MemoryGBPerGPU: 1})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 10, h.ledgerLen(t))

	_, err := h.mgr.CancelAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, h.ledgerLen(t))
}

func TestRenderScript(t *testing.T) {
	script, err := RenderScript(ScriptParams{GPUIDs: []int{0, 2}, MemoryGB: 20, DurationSeconds: 3600})
	require.NoError(t, err)
	require.Contains(t, script, "GPU_IDS = [0, 2]\n")
	require.Contains(t, script, "MEMORY_GB = 20\n")
	require.Contains(t, script, "TOUCH_INTERVAL_SECONDS = 60\n")
	require.Contains(t, script, "DURATION_SECONDS = 3600\n")
	require.Contains(t, script, "signal.SIGTERM")
	// A short duration must not wait out a full touch interval.
	require.Contains(t, script, "interval = min(interval, remaining)")

	script, err = RenderScript(ScriptParams{GPUIDs: []int{1}, MemoryGB: 7.5})
	require.NoError(t, err)
	require.Contains(t, script, "MEMORY_GB = 7.5\n")
	require.Contains(t, script, "DURATION_SECONDS = 0\n")
}

func TestCommands(t *testing.T) {
	require.Equal(t, "kill -TERM 42 ; rc=$? ; rm -f '/tmp/a b.py' ; exit $rc", killCommand(42, "/tmp/a b.py"))
	require.Equal(t, "kill -TERM 42 ; rc=$? ; exit $rc", killCommand(42, ""))
	require.Equal(t, "command -v python3", interpreterCheckCommand("python3"))
	require.Equal(t, "pkill -TERM -u 'bob; reboot' -f /tmp/gpumon/occupy_", ownerKillCommand("bob; reboot", "/tmp/gpumon"))

	launch := launchCommand("/opt/conda/bin/python", "/tmp/gpumon/occupy_x.py", "/tmp/gpumon/occupy.log")
	require.Equal(t, `nohup setsid /opt/conda/bin/python /tmp/gpumon/occupy_x.py >> /tmp/gpumon/occupy.log 2>&1 < /dev/null & echo "$!" "$(id -un)"`, launch)

	upload := uploadCommand("print('hi')\n", "/tmp/gpumon/occupy_x.py", "/var/log/gpumon/occupy.log")
	require.True(t, strings.HasPrefix(upload, "mkdir -p /tmp/gpumon /var/log/gpumon && printf %s "))
	require.Contains(t, upload, base64.StdEncoding.EncodeToString([]byte("print('hi')\n")))
	require.True(t, strings.HasSuffix(upload, " | base64 -d > /tmp/gpumon/occupy_x.py"))
}

func TestParseLaunchOutput(t *testing.T) {
	pid, owner, err := parseLaunchOutput("4242 alice\n")
	require.NoError(t, err)
	require.Equal(t, 4242, pid)
	require.Equal(t, "alice", owner)

	pid, owner, err = parseLaunchOutput("some banner\n77\n")
	require.NoError(t, err)
	require.Equal(t, 77, pid)
	require.Empty(t, owner)

	for _, bad := range []string{"", "\n", "abc alice", "0 root", "-5"} {
		_, _, err := parseLaunchOutput(bad)
		require.Error(t, err, "input %q", bad)
	}
}

func TestScriptName(t *testing.T) {
	at := time.Date(2026, 3, 1, 7, 5, 9, 0, time.FixedZone("EST", -5*3600))
	require.Equal(t, "occupy_20260301T120509Z_ff00.py", scriptName(at, "ff00"))
}
