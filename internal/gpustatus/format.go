package gpustatus

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// indicatorMarks are the single-character utilization marks shown after
// each accelerator's utilization.
var indicatorMarks = map[Indicator]string{
	IndicatorHigh:     "!",
	IndicatorModerate: "+",
	IndicatorLow:      "-",
	IndicatorIdle:     ".",
}

// FormatTable formats status results as a human-readable table.
// Nodes with the most idle capacity come first; unreachable nodes last.
func FormatTable(results []Result) string {
	if len(results) == 0 {
		return "No nodes configured.\n"
	}

	sorted := make([]Result, len(results))
	copy(sorted, results)
	sortByAvailability(sorted)

	maxGPUs, memSubWidth := gpuColumnParams(sorted)

	rows := make([][]string, len(sorted))
	for i, r := range sorted {
		rows[i] = formatRow(r, maxGPUs, memSubWidth)
	}

	headers := []string{"Node", "Status", "GPU Util", "GPU Mem (GB)", "Free", "Temp", "Power", "Note"}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var sb strings.Builder
	writeRow := func(cells []string, leftAligned func(int) bool) {
		for i, cell := range cells {
			if i > 0 {
				sb.WriteString("  ")
			}
			if leftAligned(i) {
				sb.WriteString(padRight(cell, widths[i]))
			} else {
				sb.WriteString(padLeft(cell, widths[i]))
			}
		}
		sb.WriteString("\n")
	}

	writeRow(headers, func(int) bool { return true })
	underline := make([]string, len(widths))
	for i, w := range widths {
		underline[i] = strings.Repeat("-", w)
	}
	writeRow(underline, func(int) bool { return true })

	// Node, status and note are left-aligned; numbers right-aligned.
	last := len(headers) - 1
	for _, row := range rows {
		writeRow(row, func(i int) bool { return i <= 1 || i == last })
	}

	return sb.String()
}

// gpuColumnParams returns the highest accelerator count across results and
// the widest used/total memory cell.
func gpuColumnParams(results []Result) (int, int) {
	maxGPUs := 0
	memSubWidth := 0
	for _, r := range results {
		if n := len(r.Samples); n > maxGPUs {
			maxGPUs = n
		}
		for _, s := range r.Samples {
			if w := len(memCell(s)); w > memSubWidth {
				memSubWidth = w
			}
		}
	}
	return maxGPUs, memSubWidth
}

func formatRow(r Result, maxGPUs, memSubWidth int) []string {
	if !r.OK() {
		return []string{r.Node, r.Status, "", "", "", "", "", shortError(r)}
	}
	if len(r.Samples) == 0 {
		return []string{r.Node, r.Status, "", "", "", "", "", "no accelerators"}
	}

	var (
		freeBytes uint64
		maxTemp   int
		draw      float64
		limit     float64
	)
	for _, s := range r.Samples {
		freeBytes += uint64(s.FreeMiB()) * humanize.MiByte
		if s.TemperatureC > maxTemp {
			maxTemp = s.TemperatureC
		}
		draw += s.PowerDrawW
		limit += s.PowerLimitW
	}

	return []string{
		r.Node,
		r.Status,
		formatGPUUsage(r.Samples, maxGPUs),
		formatGPUMemory(r.Samples, maxGPUs, memSubWidth),
		humanize.IBytes(freeBytes),
		fmt.Sprintf("%dC", maxTemp),
		fmt.Sprintf("%.0f/%.0fW", draw, limit),
		"",
	}
}

// gpuUtilSubWidth fits "100%!".
const gpuUtilSubWidth = 5

// formatGPUUsage formats per-accelerator utilization as fixed-width
// sub-columns. Nodes with fewer accelerators get leading blank slots.
func formatGPUUsage(samples []Sample, maxGPUs int) string {
	parts := make([]string, maxGPUs)
	offset := maxGPUs - len(samples)
	for i := 0; i < maxGPUs; i++ {
		if i < offset {
			parts[i] = strings.Repeat(" ", gpuUtilSubWidth)
			continue
		}
		s := samples[i-offset]
		parts[i] = padLeft(fmt.Sprintf("%d%%%s", s.GPUUtilPct, indicatorMarks[s.Indicator()]), gpuUtilSubWidth)
	}
	return strings.Join(parts, " ")
}

// formatGPUMemory formats per-accelerator memory as used/total GB cells.
func formatGPUMemory(samples []Sample, maxGPUs, subWidth int) string {
	parts := make([]string, maxGPUs)
	offset := maxGPUs - len(samples)
	for i := 0; i < maxGPUs; i++ {
		if i < offset {
			parts[i] = strings.Repeat(" ", subWidth)
			continue
		}
		parts[i] = padLeft(memCell(samples[i-offset]), subWidth)
	}
	return strings.Join(parts, " ")
}

func memCell(s Sample) string {
	used := int(math.Round(float64(s.MemUsedMiB) / 1024))
	total := int(math.Round(float64(s.MemTotalMiB) / 1024))
	return fmt.Sprintf("%d/%d", used, total)
}

func shortError(r Result) string {
	if r.Failure != "" {
		return string(r.Failure)
	}
	msg := r.Error
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	const maxNote = 60
	if len(msg) > maxNote {
		msg = msg[:maxNote-3] + "..."
	}
	return msg
}

// sortByAvailability sorts online nodes by average accelerator utilization
// ascending; unreachable and degraded nodes go last in input order.
func sortByAvailability(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		ri, rj := results[i], results[j]
		oi, oj := ri.OK(), rj.OK()
		if oi != oj {
			return oi
		}
		if !oi {
			return false
		}
		return avgUtilization(ri) < avgUtilization(rj)
	})
}

// avgUtilization returns 100 for nodes without samples so they sort toward
// the bottom.
func avgUtilization(r Result) float64 {
	if len(r.Samples) == 0 {
		return 100
	}
	sum := 0.0
	for _, s := range r.Samples {
		sum += float64(s.GPUUtilPct)
	}
	return sum / float64(len(r.Samples))
}

// Summary counts accelerators across results.
type Summary struct {
	Nodes    int     `json:"nodes"`
	Online   int     `json:"online"`
	GPUs     int     `json:"gpus"`
	IdleGPUs int     `json:"idle_gpus"`
	FreeGB   float64 `json:"free_gb"`
}

// Summarize aggregates counts over results.
func Summarize(results []Result) Summary {
	var sum Summary
	sum.Nodes = len(results)
	for _, r := range results {
		if !r.OK() {
			continue
		}
		sum.Online++
		for _, s := range r.Samples {
			sum.GPUs++
			if s.Indicator() == IndicatorIdle {
				sum.IdleGPUs++
			}
			sum.FreeGB += s.FreeGB()
		}
	}
	return sum
}

// String renders the summary as one line.
func (s Summary) String() string {
	return fmt.Sprintf("%d/%d nodes online, %d/%d GPUs idle, %.0f GB free",
		s.Online, s.Nodes, s.IdleGPUs, s.GPUs, s.FreeGB)
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

func padLeft(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat(" ", width-len(s)) + s
}
