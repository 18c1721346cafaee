// Package gpustatus queries accelerator status on nodes and aggregates the
// results with per-node failure isolation.
package gpustatus

import (
	"time"

	"github.com/CurryTang/slack-gpu-monitor/internal/remote"
)

// Node status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	// StatusDegraded means the node answered but status could not be read
	// (nvidia-smi missing or malformed output).
	StatusDegraded = "degraded"
)

// Sample holds one accelerator's metrics from a single query.
type Sample struct {
	Index        int     `json:"index"`
	Name         string  `json:"name"`
	TemperatureC int     `json:"temperature_c"`
	GPUUtilPct   int     `json:"gpu_util_pct"`
	MemUtilPct   int     `json:"mem_util_pct"`
	MemUsedMiB   int     `json:"mem_used_mib"`
	MemTotalMiB  int     `json:"mem_total_mib"`
	PowerDrawW   float64 `json:"power_draw_w"`
	PowerLimitW  float64 `json:"power_limit_w"`
}

// FreeMiB returns unused memory in MiB.
func (s Sample) FreeMiB() int {
	return s.MemTotalMiB - s.MemUsedMiB
}

// FreeGB returns unused memory in GiB, the unit monitors compare against.
func (s Sample) FreeGB() float64 {
	return float64(s.FreeMiB()) / 1024
}

// Indicator returns the utilization band for this accelerator.
func (s Sample) Indicator() Indicator {
	return IndicatorFor(s.GPUUtilPct)
}

// Result is the outcome of a status query for one node. Exactly one is
// produced per queried node; when Error is set Samples is empty.
type Result struct {
	Node      string             `json:"node"`
	Status    string             `json:"status"`
	Samples   []Sample           `json:"samples"`
	Error     string             `json:"error,omitempty"`
	Failure   remote.FailureKind `json:"failure,omitempty"`
	QueriedAt time.Time          `json:"queried_at"`

	Err error `json:"-"`
}

// OK reports whether samples were read successfully.
func (r Result) OK() bool {
	return r.Err == nil
}

// Sample returns the sample for accelerator index, if present.
func (r Result) Sample(index int) (Sample, bool) {
	for _, s := range r.Samples {
		if s.Index == index {
			return s, true
		}
	}
	return Sample{}, false
}

// Indicator is a coarse utilization band.
type Indicator string

const (
	IndicatorHigh     Indicator = "high"
	IndicatorModerate Indicator = "moderate"
	IndicatorLow      Indicator = "low"
	IndicatorIdle     Indicator = "idle"
)

// Utilization thresholds, closed on the lower bound.
const (
	highUtilPct     = 90
	moderateUtilPct = 50
)

// IndicatorFor maps a utilization percentage onto its band.
// There is no smoothing or hysteresis.
func IndicatorFor(util int) Indicator {
	switch {
	case util >= highUtilPct:
		return IndicatorHigh
	case util >= moderateUtilPct:
		return IndicatorModerate
	case util > 0:
		return IndicatorLow
	default:
		return IndicatorIdle
	}
}
