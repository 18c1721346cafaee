// Package schedule runs named repeating jobs. A job never overlaps itself:
// a tick that arrives while the previous run is still in flight is skipped.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"

	"github.com/CurryTang/slack-gpu-monitor/internal/gpuerr"
)

var log = logging.Logger("gpumon/schedule")

// Func is the work done on each tick. ctx is cancelled when the job is
// cancelled or the scheduler closes.
type Func func(ctx context.Context)

// Stats counts a job's ticks.
type Stats struct {
	Runs    uint64 `json:"runs"`
	Skipped uint64 `json:"skipped"` // ticks dropped because a run was in flight
}

type job struct {
	name     string
	interval time.Duration
	fn       Func

	ctx    context.Context
	cancel context.CancelFunc
	ticker *clock.Ticker

	inFlight atomic.Bool
	runs     atomic.Uint64
	skipped  atomic.Uint64
}

// Scheduler multiplexes every job's ticks onto one dispatcher.
type Scheduler struct {
	clock clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	ticks  chan *job

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool

	tickers sync.WaitGroup // per-job ticker goroutines
	running sync.WaitGroup // in-flight job runs
	done    chan struct{}  // closed when the dispatcher exits
}

// New starts a scheduler driven by clk. Pass clock.New() in production and
// clock.NewMock() in tests.
func New(clk clock.Clock) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		clock:  clk,
		ctx:    ctx,
		cancel: cancel,
		ticks:  make(chan *job),
		jobs:   make(map[string]*job),
		done:   make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// Every registers fn to run every interval under name. The first run
// happens one interval from now; use RunNow for an immediate run.
func (s *Scheduler) Every(name string, interval time.Duration, fn Func) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %s", gpuerr.ErrInvalidArgument, interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("scheduler closed")
	}
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: job %q already scheduled", gpuerr.ErrInvalidArgument, name)
	}

	ctx, cancel := context.WithCancel(s.ctx)
	j := &job{
		name:     name,
		interval: interval,
		fn:       fn,
		ctx:      ctx,
		cancel:   cancel,
		ticker:   s.clock.Ticker(interval),
	}
	s.jobs[name] = j

	s.tickers.Add(1)
	go s.forward(j)

	log.Debugw("job scheduled", "job", name, "interval", interval)
	return nil
}

// forward relays j's ticker onto the shared dispatch channel.
func (s *Scheduler) forward(j *job) {
	defer s.tickers.Done()
	defer j.ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-j.ticker.C:
			select {
			case s.ticks <- j:
			case <-j.ctx.Done():
				return
			}
		}
	}
}

func (s *Scheduler) dispatch() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.ticks:
			s.run(j)
		}
	}
}

// run starts j unless it is cancelled or already running.
func (s *Scheduler) run(j *job) {
	if j.ctx.Err() != nil {
		return
	}
	if !j.inFlight.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		log.Debugw("tick skipped, previous run in flight", "job", j.name)
		return
	}

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer j.inFlight.Store(false)
		j.runs.Add(1)
		j.fn(j.ctx)
	}()
}

// RunNow queues an immediate tick for name. It is subject to the same
// in-flight guard as regular ticks.
func (s *Scheduler) RunNow(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}

	go func() {
		select {
		case s.ticks <- j:
		case <-j.ctx.Done():
		}
	}()
	return true
}

// Cancel stops future ticks for name and cancels the context of a run in
// flight. It does not wait for that run, so a job may cancel itself.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	j, ok := s.jobs[name]
	delete(s.jobs, name)
	s.mu.Unlock()

	if !ok {
		return false
	}
	j.cancel()
	log.Debugw("job cancelled", "job", name)
	return true
}

// Stats returns the counters for name.
func (s *Scheduler) Stats(name string) (Stats, bool) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	return Stats{Runs: j.runs.Load(), Skipped: j.skipped.Load()}, true
}

// Jobs returns the names of scheduled jobs.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// Close cancels every job and waits for in-flight runs to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.jobs = map[string]*job{}
	s.mu.Unlock()

	s.cancel()
	<-s.done
	s.tickers.Wait()
	s.running.Wait()
}
