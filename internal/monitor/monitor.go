// Package monitor implements auto-occupy monitors: one-shot pollers that
// watch a node's free accelerator memory and start an occupation once every
// requested accelerator has enough.
//
// Monitors live only in process memory; a restart loses them.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"github.com/samber/lo"

	"github.com/CurryTang/slack-gpu-monitor/internal/gpuerr"
	"github.com/CurryTang/slack-gpu-monitor/internal/gpustatus"
	"github.com/CurryTang/slack-gpu-monitor/internal/ledger"
	"github.com/CurryTang/slack-gpu-monitor/internal/node"
	"github.com/CurryTang/slack-gpu-monitor/internal/occupy"
	"github.com/CurryTang/slack-gpu-monitor/internal/schedule"
)

var log = logging.Logger("gpumon/monitor")

// State is a monitor's lifecycle state.
type State string

const (
	StateWatching  State = "watching"
	StateTriggered State = "triggered"
	StateStopped   State = "stopped"   // occupation launched; monitor retired
	StateCancelled State = "cancelled" // stopped explicitly
)

// StatusSource fetches status for one node. *gpustatus.Aggregator implements it.
type StatusSource interface {
	QueryNode(ctx context.Context, n node.Node) gpustatus.Result
}

// Occupier starts occupations. *occupy.Manager implements it.
type Occupier interface {
	Start(ctx context.Context, n node.Node, req occupy.Request) (ledger.Occupation, error)
}

// Spec describes a monitor to start.
type Spec struct {
	Node           node.Node
	GPUIDs         []int
	MemoryGBPerGPU float64
	MinFreeGB      float64
	PollInterval   time.Duration
	Interpreter    string        // passed through to the occupation
	Duration       time.Duration // passed through to the occupation
}

func (s Spec) validate() error {
	if s.Node.Name == "" {
		return fmt.Errorf("%w: node is required", gpuerr.ErrInvalidArgument)
	}
	if len(s.GPUIDs) == 0 {
		return fmt.Errorf("%w: at least one GPU id is required", gpuerr.ErrInvalidArgument)
	}
	if lo.SomeBy(s.GPUIDs, func(id int) bool { return id < 0 }) {
		return fmt.Errorf("%w: negative GPU id in %v", gpuerr.ErrInvalidArgument, s.GPUIDs)
	}
	if len(lo.Uniq(s.GPUIDs)) != len(s.GPUIDs) {
		return fmt.Errorf("%w: duplicate GPU ids in %v", gpuerr.ErrInvalidArgument, s.GPUIDs)
	}
	if s.MemoryGBPerGPU <= 0 {
		return fmt.Errorf("%w: memory per GPU must be positive", gpuerr.ErrInvalidArgument)
	}
	if s.MinFreeGB < 0 {
		return fmt.Errorf("%w: minimum free memory cannot be negative", gpuerr.ErrInvalidArgument)
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", gpuerr.ErrInvalidArgument)
	}
	return nil
}

// Monitor is a point-in-time snapshot of a monitor.
type Monitor struct {
	ID             string             `json:"id"`
	Node           string             `json:"node"`
	GPUIDs         []int              `json:"gpu_ids"`
	MemoryGBPerGPU float64            `json:"memory_gb_per_gpu"`
	MinFreeGB      float64            `json:"min_free_gb"`
	PollInterval   time.Duration      `json:"poll_interval"`
	State          State              `json:"state"`
	CreatedAt      time.Time          `json:"created_at"`
	Polls          int                `json:"polls"`
	LastPolledAt   *time.Time         `json:"last_polled_at,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
	Waiting        string             `json:"waiting,omitempty"` // why the last poll did not trigger
	Occupation     *ledger.Occupation `json:"occupation,omitempty"`
}

// Event reports a state transition.
type Event struct {
	Monitor Monitor `json:"monitor"`
	From    State   `json:"from"`
	To      State   `json:"to"`
	Err     error   `json:"-"`
}

// Notifier receives transition events. It is called synchronously from the
// polling goroutine and must not block for long.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

type entry struct {
	mu   sync.Mutex
	mon  Monitor
	spec Spec
}

func (e *entry) snapshot() Monitor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mon
}

// Registry owns the active monitors.
type Registry struct {
	status   StatusSource
	occupier Occupier
	sched    *schedule.Scheduler
	clock    clock.Clock
	notifier Notifier

	// pollOnStart runs the first poll immediately instead of one interval
	// after Start.
	pollOnStart bool

	mu       sync.Mutex
	monitors map[string]*entry
}

// NewRegistry returns an empty registry whose monitors tick on sched.
func NewRegistry(status StatusSource, occupier Occupier, sched *schedule.Scheduler, clk clock.Clock) *Registry {
	return &Registry{
		status:      status,
		occupier:    occupier,
		sched:       sched,
		clock:       clk,
		pollOnStart: true,
		monitors:    make(map[string]*entry),
	}
}

// SetNotifier sets the transition listener. Call before Start.
func (r *Registry) SetNotifier(n Notifier) {
	r.notifier = n
}

func jobName(id string) string {
	return "monitor/" + id
}

// Start creates a Watching monitor and schedules its polls.
func (r *Registry) Start(spec Spec) (Monitor, error) {
	if err := spec.validate(); err != nil {
		return Monitor{}, err
	}

	e := &entry{
		spec: spec,
		mon: Monitor{
			ID:             uuid.NewString()[:8],
			Node:           spec.Node.Name,
			GPUIDs:         append([]int(nil), spec.GPUIDs...),
			MemoryGBPerGPU: spec.MemoryGBPerGPU,
			MinFreeGB:      spec.MinFreeGB,
			PollInterval:   spec.PollInterval,
			State:          StateWatching,
			CreatedAt:      r.clock.Now().UTC(),
		},
	}
	id := e.mon.ID

	r.mu.Lock()
	r.monitors[id] = e
	r.mu.Unlock()

	if err := r.sched.Every(jobName(id), spec.PollInterval, func(ctx context.Context) { r.tick(ctx, id) }); err != nil {
		r.remove(id)
		return Monitor{}, fmt.Errorf("scheduling monitor: %w", err)
	}
	if r.pollOnStart {
		r.sched.RunNow(jobName(id))
	}

	log.Infow("monitor started", "id", id, "node", spec.Node.Name, "gpus", spec.GPUIDs, "min_free_gb", spec.MinFreeGB)
	return e.snapshot(), nil
}

// Stop cancels the monitor id regardless of its state.
func (r *Registry) Stop(id string) (Monitor, error) {
	e := r.remove(id)
	if e == nil {
		return Monitor{}, fmt.Errorf("%w: monitor %q", gpuerr.ErrNotFound, id)
	}
	r.sched.Cancel(jobName(id))

	e.mu.Lock()
	from := e.mon.State
	e.mon.State = StateCancelled
	mon := e.mon
	e.mu.Unlock()

	log.Infow("monitor cancelled", "id", id, "node", mon.Node)
	r.notify(Event{Monitor: mon, From: from, To: StateCancelled})
	return mon, nil
}

// StopAll cancels every monitor and returns how many were active.
func (r *Registry) StopAll() int {
	r.mu.Lock()
	ids := lo.Keys(r.monitors)
	r.mu.Unlock()

	stopped := 0
	for _, id := range ids {
		if _, err := r.Stop(id); err == nil {
			stopped++
		}
	}
	return stopped
}

// Close stops every monitor.
func (r *Registry) Close() {
	r.StopAll()
}

// Get returns a snapshot of monitor id.
func (r *Registry) Get(id string) (Monitor, error) {
	r.mu.Lock()
	e, ok := r.monitors[id]
	r.mu.Unlock()
	if !ok {
		return Monitor{}, fmt.Errorf("%w: monitor %q", gpuerr.ErrNotFound, id)
	}
	return e.snapshot(), nil
}

// List returns snapshots of the active monitors, oldest first.
func (r *Registry) List() []Monitor {
	r.mu.Lock()
	entries := lo.Values(r.monitors)
	r.mu.Unlock()

	out := lo.Map(entries, func(e *entry, _ int) Monitor { return e.snapshot() })
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) remove(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.monitors[id]
	if !ok {
		return nil
	}
	delete(r.monitors, id)
	return e
}

func (r *Registry) notify(e Event) {
	if r.notifier != nil {
		r.notifier.Notify(e)
	}
}
