// Package occupy launches, records, and cancels memory-reserving workloads
// on remote accelerators.
package occupy

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"

	"github.com/CurryTang/slack-gpu-monitor/internal/config"
	"github.com/CurryTang/slack-gpu-monitor/internal/gpuerr"
	"github.com/CurryTang/slack-gpu-monitor/internal/history"
	"github.com/CurryTang/slack-gpu-monitor/internal/ledger"
	"github.com/CurryTang/slack-gpu-monitor/internal/node"
	"github.com/CurryTang/slack-gpu-monitor/internal/remote"
)

var log = logging.Logger("gpumon/occupy")

// NodeResolver looks nodes up by name or ID. *node.Registry implements it.
type NodeResolver interface {
	Find(nameOrID string) (node.Node, error)
}

// Recorder stores occupation events. *history.DB implements it.
type Recorder interface {
	Record(ctx context.Context, e history.Event) (history.Event, error)
}

// Config holds the Manager's remote settings.
type Config struct {
	Interpreter   string
	RemoteDir     string
	LogPath       string
	Timeout       time.Duration // per remote call
	TouchInterval time.Duration
}

// ConfigFrom builds a Config from the global configuration.
func ConfigFrom(c config.OccupyConfig) Config {
	return Config{
		Interpreter: c.Interpreter,
		RemoteDir:   c.RemoteDir,
		LogPath:     c.LogPath,
		Timeout:     time.Duration(c.TimeoutSeconds) * time.Second,
	}
}

func (c *Config) applyDefaults() {
	if c.Interpreter == "" {
		c.Interpreter = config.DefaultInterpreter
	}
	if c.RemoteDir == "" {
		c.RemoteDir = config.DefaultRemoteDir
	}
	if c.LogPath == "" {
		c.LogPath = config.DefaultOccupyLog
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Duration(config.DefaultOccupyTimeout) * time.Second
	}
	if c.TouchInterval <= 0 {
		c.TouchInterval = DefaultTouchInterval
	}
}

// Request describes an occupation to start.
type Request struct {
	Interpreter    string // empty uses the configured interpreter
	GPUIDs         []int
	MemoryGBPerGPU float64
	Duration       time.Duration // zero holds until cancelled
}

func (r Request) validate() error {
	if len(r.GPUIDs) == 0 {
		return fmt.Errorf("%w: at least one GPU id is required", gpuerr.ErrInvalidArgument)
	}
	for _, id := range r.GPUIDs {
		if id < 0 {
			return fmt.Errorf("%w: negative GPU id %d", gpuerr.ErrInvalidArgument, id)
		}
	}
	if dups := lo.FindDuplicates(r.GPUIDs); len(dups) > 0 {
		return fmt.Errorf("%w: duplicate GPU ids %v", gpuerr.ErrInvalidArgument, dups)
	}
	if r.MemoryGBPerGPU <= 0 {
		return fmt.Errorf("%w: memory per GPU must be positive, got %g", gpuerr.ErrInvalidArgument, r.MemoryGBPerGPU)
	}
	if r.Duration < 0 {
		return fmt.Errorf("%w: negative duration %s", gpuerr.ErrInvalidArgument, r.Duration)
	}
	return nil
}

// Manager owns the occupation lifecycle. All ledger writes go through its
// ledger.Store.
type Manager struct {
	exec    remote.Executor
	nodes   NodeResolver
	ledger  *ledger.Store
	history Recorder
	cfg     Config

	now    func() time.Time
	suffix func() string
}

// NewManager returns a Manager.
func NewManager(exec remote.Executor, nodes NodeResolver, store *ledger.Store, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		exec:   exec,
		nodes:  nodes,
		ledger: store,
		cfg:    cfg,
		now:    time.Now,
		suffix: func() string { return uuid.NewString()[:8] },
	}
}

// SetHistory enables event recording. A nil recorder disables it.
func (m *Manager) SetHistory(h Recorder) {
	m.history = h
}

// List returns the ledger contents.
func (m *Manager) List() ([]ledger.Occupation, error) {
	return m.ledger.List()
}

// Start preflights n, uploads and launches the workload, and records it in
// the ledger. Nothing is written to the ledger unless the launch succeeded.
//
// Cancelling ctx aborts preflight and upload only. Once the launch command
// is sent, the remaining steps run to completion so a workload that started
// always ends up in the ledger (or is killed).
func (m *Manager) Start(ctx context.Context, n node.Node, req Request) (ledger.Occupation, error) {
	occ, err := m.start(ctx, n, req)
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		m.record(ctx, history.Event{
			Kind:           history.KindStartFailed,
			Node:           n.Name,
			GPUIDs:         req.GPUIDs,
			MemoryGBPerGPU: req.MemoryGBPerGPU,
			Outcome:        string(gpuerr.PreflightStepOf(err)),
			Detail:         err.Error(),
		})
		return ledger.Occupation{}, err
	}
	m.record(ctx, history.Event{
		Kind:           history.KindStarted,
		Node:           occ.Node,
		PID:            occ.PID,
		GPUIDs:         occ.GPUIDs,
		MemoryGBPerGPU: occ.MemoryGBPerGPU,
		Detail:         occ.ScriptPath,
		At:             occ.StartedAt,
	})
	return occ, nil
}

func (m *Manager) start(ctx context.Context, n node.Node, req Request) (ledger.Occupation, error) {
	if err := req.validate(); err != nil {
		return ledger.Occupation{}, err
	}
	interpreter := req.Interpreter
	if interpreter == "" {
		interpreter = m.cfg.Interpreter
	}

	if err := m.preflight(ctx, n, interpreter, req.GPUIDs); err != nil {
		log.Warnw("preflight failed", "node", n.Name, "step", gpuerr.PreflightStepOf(err), "err", err)
		return ledger.Occupation{}, err
	}

	script, err := RenderScript(ScriptParams{
		GPUIDs:               req.GPUIDs,
		MemoryGB:             req.MemoryGBPerGPU,
		TouchIntervalSeconds: int(m.cfg.TouchInterval / time.Second),
		DurationSeconds:      int(req.Duration / time.Second),
	})
	if err != nil {
		return ledger.Occupation{}, err
	}

	startedAt := m.now()
	scriptPath := path.Join(m.cfg.RemoteDir, scriptName(startedAt, m.suffix()))

	up := m.exec.Execute(ctx, n, uploadCommand(script, scriptPath, m.cfg.LogPath), m.cfg.Timeout)
	if !up.Succeeded {
		return ledger.Occupation{}, fmt.Errorf("uploading workload to %s: %w", n.Name, up.Error())
	}

	// Per-call timeouts still bound everything from here on.
	ctx = context.WithoutCancel(ctx)
	launch := m.exec.Execute(ctx, n, launchCommand(interpreter, scriptPath, m.cfg.LogPath), m.cfg.Timeout)
	if !launch.Succeeded {
		m.cleanup(ctx, n, scriptPath)
		return ledger.Occupation{}, fmt.Errorf("launching workload on %s: %w", n.Name, launch.Error())
	}
	pid, owner, err := parseLaunchOutput(launch.Stdout)
	if err != nil {
		m.cleanup(ctx, n, scriptPath)
		return ledger.Occupation{}, fmt.Errorf("launching workload on %s: %w", n.Name, err)
	}

	occ := ledger.Occupation{
		Node:           n.Name,
		PID:            pid,
		GPUIDs:         append([]int(nil), req.GPUIDs...),
		MemoryGBPerGPU: req.MemoryGBPerGPU,
		ScriptPath:     scriptPath,
		StartedAt:      startedAt.UTC(),
		Duration:       req.Duration,
		Owner:          owner,
	}
	if err := m.ledger.Append(occ); err != nil {
		// An unrecorded workload could never be cancelled; stop it.
		m.exec.Execute(ctx, n, killCommand(pid, scriptPath), m.cfg.Timeout)
		return ledger.Occupation{}, fmt.Errorf("recording occupation on %s: %w", n.Name, err)
	}

	log.Infow("occupation started", "node", n.Name, "pid", pid, "gpus", req.GPUIDs, "memory_gb", req.MemoryGBPerGPU)
	return occ, nil
}

// preflight checks the interpreter, the accelerator runtime, and that every
// requested id exists.
func (m *Manager) preflight(ctx context.Context, n node.Node, interpreter string, gpuIDs []int) error {
	res := m.exec.Execute(ctx, n, interpreterCheckCommand(interpreter), m.cfg.Timeout)
	if !res.Succeeded {
		if res.Transport() {
			return transportPreflightError(n, res)
		}
		return &gpuerr.PreflightError{
			Step:   gpuerr.StepInterpreterMissing,
			Node:   n.Name,
			Detail: fmt.Sprintf("interpreter %q not found", interpreter),
			Err:    gpuerr.ErrRemoteToolMissing,
		}
	}

	res = m.exec.Execute(ctx, n, probeCommand(interpreter), m.cfg.Timeout)
	switch {
	case res.Succeeded:
	case res.Transport():
		return transportPreflightError(n, res)
	case res.ExitCode == probeExitNoCUDA:
		return &gpuerr.PreflightError{
			Step:   gpuerr.StepAcceleratorUnavailable,
			Node:   n.Name,
			Detail: "CUDA is not available",
			Err:    gpuerr.ErrAcceleratorUnavailable,
		}
	default:
		detail := "PyTorch is not installed"
		if res.ExitCode != probeExitNoTorch {
			detail = fmt.Sprintf("accelerator probe exited with status %d: %s", res.ExitCode, firstLine(res.Stderr))
		}
		return &gpuerr.PreflightError{
			Step:   gpuerr.StepAcceleratorRuntimeMissing,
			Node:   n.Name,
			Detail: detail,
			Err:    gpuerr.ErrRemoteToolMissing,
		}
	}

	count, err := parseDeviceCount(res.Stdout)
	if err != nil {
		return fmt.Errorf("%w: accelerator probe on %s: %v", gpuerr.ErrParse, n.Name, err)
	}
	for _, id := range gpuIDs {
		if id >= count {
			return &gpuerr.PreflightError{
				Step:   gpuerr.StepAcceleratorUnavailable,
				Node:   n.Name,
				Detail: fmt.Sprintf("GPU %d requested but %d available", id, count),
				Err:    gpuerr.ErrAcceleratorUnavailable,
			}
		}
	}
	return nil
}

func transportPreflightError(n node.Node, res remote.Result) error {
	err := res.Error()
	return &gpuerr.PreflightError{Step: gpuerr.StepTransport, Node: n.Name, Detail: err.Error(), Err: err}
}

// Probe exit codes, see probe.py.
const (
	probeExitNoTorch = 3
	probeExitNoCUDA  = 4
)

func (m *Manager) cleanup(ctx context.Context, n node.Node, scriptPath string) {
	if res := m.exec.Execute(ctx, n, removeCommand(scriptPath), m.cfg.Timeout); !res.Succeeded {
		log.Debugw("removing workload script failed", "node", n.Name, "path", scriptPath, "err", res.Error())
	}
}

// record stores e if history is enabled. Failures are logged only.
func (m *Manager) record(ctx context.Context, e history.Event) {
	if m.history == nil {
		return
	}
	if _, err := m.history.Record(ctx, e); err != nil {
		log.Warnw("recording history event failed", "kind", e.Kind, "node", e.Node, "err", err)
	}
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
