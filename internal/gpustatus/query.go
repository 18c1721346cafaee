package gpustatus

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/CurryTang/slack-gpu-monitor/internal/gpuerr"
	"github.com/CurryTang/slack-gpu-monitor/internal/node"
	"github.com/CurryTang/slack-gpu-monitor/internal/remote"
)

var log = logging.Logger("gpumon/status")

// queryFields must match the column order ParseRow expects.
var queryFields = []string{
	"index",
	"name",
	"temperature.gpu",
	"utilization.gpu",
	"utilization.memory",
	"memory.used",
	"memory.total",
	"power.draw",
	"power.limit",
}

// Column indices in a status row.
const (
	colIndex = iota
	colName
	colTemperature
	colGPUUtil
	colMemUtil
	colMemUsed
	colMemTotal
	colPowerDraw
	colPowerLimit

	numColumns
)

// QueryCommand is the fixed status command: one header-less CSV row per
// accelerator.
var QueryCommand = remote.Command("nvidia-smi",
	"--query-gpu="+strings.Join(queryFields, ","),
	"--format=csv,noheader,nounits",
)

// DefaultTimeout bounds a single node's status query.
const DefaultTimeout = 20 * time.Second

// Aggregator issues status queries through an Executor.
type Aggregator struct {
	exec    remote.Executor
	timeout time.Duration
	now     func() time.Time
}

// NewAggregator returns an aggregator using exec with a per-node timeout.
func NewAggregator(exec remote.Executor, timeout time.Duration) *Aggregator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Aggregator{exec: exec, timeout: timeout, now: time.Now}
}

// QueryNode runs the status command on n. Failures are captured on the
// returned Result, never returned as an error.
func (a *Aggregator) QueryNode(ctx context.Context, n node.Node) Result {
	res := a.exec.Execute(ctx, n, QueryCommand, a.timeout)
	queriedAt := a.now()

	if !res.Succeeded {
		status := StatusDegraded
		if res.Transport() {
			status = StatusOffline
		}
		err := res.Error()
		log.Debugw("status query failed", "node", n.Name, "failure", res.Failure, "err", err)
		return Result{
			Node:      n.Name,
			Status:    status,
			Samples:   []Sample{},
			Error:     err.Error(),
			Failure:   res.Failure,
			QueriedAt: queriedAt,
			Err:       err,
		}
	}

	samples, err := ParseSamples(res.Stdout)
	if err != nil {
		err = fmt.Errorf("%s: %w", n.Name, err)
		log.Warnw("status output unparseable", "node", n.Name, "err", err)
		return Result{
			Node:      n.Name,
			Status:    StatusDegraded,
			Samples:   []Sample{},
			Error:     err.Error(),
			QueriedAt: queriedAt,
			Err:       err,
		}
	}

	return Result{
		Node:      n.Name,
		Status:    StatusOnline,
		Samples:   samples,
		QueriedAt: queriedAt,
	}
}

// QueryAll queries every node concurrently and waits for all of them.
// Results are in input order; one node's failure never affects another's.
func (a *Aggregator) QueryAll(ctx context.Context, nodes []node.Node) []Result {
	results := make([]Result, len(nodes))

	var g errgroup.Group
	for i, n := range nodes {
		g.Go(func() error {
			results[i] = a.QueryNode(ctx, n)
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors

	return results
}

// ParseSamples parses the full command output, one accelerator per line.
func ParseSamples(output string) ([]Sample, error) {
	lines := splitNonEmpty(output)
	samples := make([]Sample, 0, len(lines))
	for i, line := range lines {
		s, err := ParseRow(line)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// ParseRow parses one CSV status row such as
// "0, A6000, 45, 80, 65, 31000, 48000, 120.5, 300.0".
func ParseRow(line string) (Sample, error) {
	parts := strings.Split(line, ",")
	if len(parts) != numColumns {
		return Sample{}, fmt.Errorf("%w: expected %d fields, got %d (raw: %q)", gpuerr.ErrParse, numColumns, len(parts), line)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	var (
		s   Sample
		err error
	)
	if s.Index, err = parseIntField(parts[colIndex], "index", false); err != nil {
		return Sample{}, err
	}
	s.Name = parts[colName]
	if s.Name == "" {
		return Sample{}, fmt.Errorf("%w: empty accelerator name (raw: %q)", gpuerr.ErrParse, line)
	}
	if s.TemperatureC, err = parseIntField(parts[colTemperature], "temperature", true); err != nil {
		return Sample{}, err
	}
	if s.GPUUtilPct, err = parseIntField(parts[colGPUUtil], "GPU utilization", false); err != nil {
		return Sample{}, err
	}
	if s.MemUtilPct, err = parseIntField(parts[colMemUtil], "memory utilization", false); err != nil {
		return Sample{}, err
	}
	if s.MemUsedMiB, err = parseIntField(parts[colMemUsed], "memory used", false); err != nil {
		return Sample{}, err
	}
	if s.MemTotalMiB, err = parseIntField(parts[colMemTotal], "memory total", false); err != nil {
		return Sample{}, err
	}
	if s.PowerDrawW, err = parseFloatField(parts[colPowerDraw], "power draw", true); err != nil {
		return Sample{}, err
	}
	if s.PowerLimitW, err = parseFloatField(parts[colPowerLimit], "power limit", true); err != nil {
		return Sample{}, err
	}

	if s.MemUsedMiB > s.MemTotalMiB {
		return Sample{}, fmt.Errorf("%w: memory used %d exceeds total %d (raw: %q)", gpuerr.ErrParse, s.MemUsedMiB, s.MemTotalMiB, line)
	}
	return s, nil
}

// isNotAvailable reports nvidia-smi's placeholder for unsupported fields.
func isNotAvailable(v string) bool {
	return v == "[N/A]" || v == "N/A" || v == "[Not Supported]"
}

// parseIntField parses a non-negative integer column. When allowNA is set
// the "[N/A]" placeholder reads as 0.
func parseIntField(value, name string, allowNA bool) (int, error) {
	if allowNA && isNotAvailable(value) {
		return 0, nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: parsing %s: %v (raw: %q)", gpuerr.ErrParse, name, err, value)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: negative %s %d", gpuerr.ErrParse, name, v)
	}
	return v, nil
}

// parseFloatField parses a non-negative float column, see parseIntField.
func parseFloatField(value, name string, allowNA bool) (float64, error) {
	if allowNA && isNotAvailable(value) {
		return 0, nil
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parsing %s: %v (raw: %q)", gpuerr.ErrParse, name, err, value)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: non-finite %s (raw: %q)", gpuerr.ErrParse, name, value)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: negative %s %v", gpuerr.ErrParse, name, v)
	}
	return v, nil
}

// splitNonEmpty splits a string by newlines and returns only non-empty lines.
func splitNonEmpty(s string) []string {
	lines := strings.Split(s, "\n")
	var result []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
