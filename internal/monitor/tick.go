package monitor

import (
	"context"
	"fmt"

	"github.com/CurryTang/slack-gpu-monitor/internal/gpustatus"
	"github.com/CurryTang/slack-gpu-monitor/internal/occupy"
)

// Ready reports whether every id in gpuIDs appears in res with at least
// minFreeGB free. When it does not, the reason names the first blocker.
// A missing id is not an error: the accelerator is treated as busy.
func Ready(res gpustatus.Result, gpuIDs []int, minFreeGB float64) (bool, string) {
	if !res.OK() {
		return false, "status unavailable"
	}
	for _, id := range gpuIDs {
		s, ok := res.Sample(id)
		if !ok {
			return false, fmt.Sprintf("GPU %d not reported", id)
		}
		if free := s.FreeGB(); free < minFreeGB {
			return false, fmt.Sprintf("GPU %d has %.1f GB free, need %.1f", id, free, minFreeGB)
		}
	}
	return true, ""
}

// tick runs one poll of monitor id. The scheduler guarantees ticks for one
// monitor never overlap.
func (r *Registry) tick(ctx context.Context, id string) {
	r.mu.Lock()
	e, ok := r.monitors[id]
	r.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.mon.State != StateWatching {
		e.mu.Unlock()
		return
	}
	spec := e.spec
	e.mu.Unlock()

	res := r.status.QueryNode(ctx, spec.Node)
	ready, reason := Ready(res, spec.GPUIDs, spec.MinFreeGB)

	e.mu.Lock()
	if e.mon.State != StateWatching {
		// Stopped while the query was in flight.
		e.mu.Unlock()
		return
	}
	polledAt := r.clock.Now().UTC()
	e.mon.LastPolledAt = &polledAt
	e.mon.Polls++
	e.mon.LastError = res.Error
	e.mon.Waiting = reason
	if !ready {
		e.mu.Unlock()
		log.Debugw("monitor waiting", "id", id, "node", spec.Node.Name, "reason", reason)
		return
	}
	e.mon.State = StateTriggered
	triggered := e.mon
	e.mu.Unlock()

	log.Infow("monitor triggered", "id", id, "node", spec.Node.Name, "gpus", spec.GPUIDs)
	r.notify(Event{Monitor: triggered, From: StateWatching, To: StateTriggered})

	occ, err := r.occupier.Start(ctx, spec.Node, occupy.Request{
		Interpreter:    spec.Interpreter,
		GPUIDs:         spec.GPUIDs,
		MemoryGBPerGPU: spec.MemoryGBPerGPU,
		Duration:       spec.Duration,
	})

	e.mu.Lock()
	if e.mon.State != StateTriggered {
		// Cancelled during the launch; Stop already reported it.
		e.mu.Unlock()
		if err == nil {
			log.Warnw("occupation started after monitor was cancelled", "id", id, "node", occ.Node, "pid", occ.PID)
		}
		return
	}
	if err != nil {
		e.mon.State = StateWatching
		e.mon.LastError = err.Error()
		mon := e.mon
		e.mu.Unlock()

		log.Warnw("monitor launch failed, still watching", "id", id, "node", spec.Node.Name, "err", err)
		r.notify(Event{Monitor: mon, From: StateTriggered, To: StateWatching, Err: err})
		return
	}
	e.mon.State = StateStopped
	e.mon.LastError = ""
	e.mon.Occupation = &occ
	mon := e.mon
	e.mu.Unlock()

	r.remove(id)
	r.sched.Cancel(jobName(id))

	log.Infow("monitor completed", "id", id, "node", spec.Node.Name, "pid", occ.PID)
	r.notify(Event{Monitor: mon, From: StateTriggered, To: StateStopped})
}
