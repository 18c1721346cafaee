package occupy

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/CurryTang/slack-gpu-monitor/internal/gpuerr"
	"github.com/CurryTang/slack-gpu-monitor/internal/history"
	"github.com/CurryTang/slack-gpu-monitor/internal/ledger"
)

// CancelStatus classifies the result of killing one occupation.
type CancelStatus string

const (
	CancelKilled       CancelStatus = "killed"
	CancelNotFound     CancelStatus = "not_found"      // process already gone
	CancelNodeNotFound CancelStatus = "node_not_found" // node no longer registered
	CancelError        CancelStatus = "error"
)

// CancelOutcome is the per-entry result of a cancellation.
type CancelOutcome struct {
	Node   string       `json:"node"`
	PID    int          `json:"pid"`
	Status CancelStatus `json:"status"`
	Detail string       `json:"detail,omitempty"`
}

// maxParallelKills bounds concurrent kill calls in one cancellation.
const maxParallelKills = 8

// CancelAll kills every ledger entry and then removes all attempted entries
// regardless of outcome. Entries appended while the kills ran are kept.
func (m *Manager) CancelAll(ctx context.Context) ([]CancelOutcome, error) {
	occs, err := m.ledger.List()
	if err != nil {
		return nil, err
	}
	return m.cancel(ctx, occs)
}

// CancelForNode kills the ledger entries on the named node (case-insensitive)
// and removes them regardless of outcome. Other nodes' entries are untouched.
func (m *Manager) CancelForNode(ctx context.Context, name string) ([]CancelOutcome, error) {
	occs, err := m.ledger.List()
	if err != nil {
		return nil, err
	}
	return m.cancel(ctx, lo.Filter(occs, func(o ledger.Occupation, _ int) bool { return o.OnNode(name) }))
}

func (m *Manager) cancel(ctx context.Context, occs []ledger.Occupation) ([]CancelOutcome, error) {
	outcomes := make([]CancelOutcome, len(occs))

	var g errgroup.Group
	g.SetLimit(maxParallelKills)
	for i, o := range occs {
		g.Go(func() error {
			outcomes[i] = m.cancelOne(ctx, o)
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors

	keys := lo.Map(occs, func(o ledger.Occupation, _ int) ledger.Key { return o.Key() })
	if _, err := m.ledger.RemoveKeys(keys); err != nil {
		return outcomes, err
	}

	for _, out := range outcomes {
		m.record(ctx, history.Event{
			Kind:    history.KindCancelled,
			Node:    out.Node,
			PID:     out.PID,
			Outcome: string(out.Status),
			Detail:  out.Detail,
		})
	}
	return outcomes, nil
}

func (m *Manager) cancelOne(ctx context.Context, o ledger.Occupation) CancelOutcome {
	out := CancelOutcome{Node: o.Node, PID: o.PID}

	n, err := m.nodes.Find(o.Node)
	if err != nil {
		if gpuerr.IsNotFound(err) {
			out.Status = CancelNodeNotFound
		} else {
			out.Status = CancelError
		}
		out.Detail = err.Error()
		return out
	}

	res := m.exec.Execute(ctx, n, killCommand(o.PID, o.ScriptPath), m.cfg.Timeout)
	switch {
	case res.Succeeded:
		out.Status = CancelKilled
	case !res.Transport() && strings.Contains(res.Stderr, "No such process"):
		out.Status = CancelNotFound
	default:
		out.Status = CancelError
		out.Detail = res.Error().Error()
	}

	log.Infow("occupation cancelled", "node", o.Node, "pid", o.PID, "status", out.Status)
	return out
}

// OwnerKill is the result of KillByOwner.
type OwnerKill struct {
	Node    string       `json:"node"`
	User    string       `json:"user"`
	Status  CancelStatus `json:"status"` // killed, not_found (nothing matched) or error
	Detail  string       `json:"detail,omitempty"`
	Cleared int          `json:"cleared"` // ledger entries removed
}

// KillByOwner signals every workload owned by user on the named node, then
// clears all of that node's ledger entries whether or not anything matched.
func (m *Manager) KillByOwner(ctx context.Context, nodeName, user string) (OwnerKill, error) {
	if user == "" {
		return OwnerKill{}, fmt.Errorf("%w: user is required", gpuerr.ErrInvalidArgument)
	}
	n, err := m.nodes.Find(nodeName)
	if err != nil {
		return OwnerKill{}, err
	}

	result := OwnerKill{Node: n.Name, User: user}
	res := m.exec.Execute(ctx, n, ownerKillCommand(user, m.cfg.RemoteDir), m.cfg.Timeout)
	switch {
	case res.Succeeded:
		result.Status = CancelKilled
	case !res.Transport() && res.ExitCode == 1:
		result.Status = CancelNotFound
	default:
		result.Status = CancelError
		result.Detail = res.Error().Error()
	}

	removed, err := m.ledger.RemoveNode(n.Name)
	if err != nil {
		return result, err
	}
	result.Cleared = len(removed)

	m.record(ctx, history.Event{
		Kind:    history.KindOwnerKill,
		Node:    n.Name,
		Outcome: string(result.Status),
		Detail:  "user=" + user,
	})
	log.Infow("owner kill", "node", n.Name, "user", user, "status", result.Status, "cleared", result.Cleared)
	return result, nil
}
