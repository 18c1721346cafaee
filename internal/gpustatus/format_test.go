package gpustatus

import (
	"errors"
	"strings"
	"testing"

	"github.com/CurryTang/slack-gpu-monitor/internal/remote"
)

func TestFormatTable_Online(t *testing.T) {
	results := []Result{{
		Node:   "mantis",
		Status: StatusOnline,
		Samples: []Sample{
			{Index: 0, GPUUtilPct: 100, MemUsedMiB: 17706, MemTotalMiB: 20480, TemperatureC: 71, PowerDrawW: 250, PowerLimitW: 300},
			{Index: 1, GPUUtilPct: 0, MemUsedMiB: 0, MemTotalMiB: 20480, TemperatureC: 35, PowerDrawW: 20, PowerLimitW: 300},
		},
	}}

	output := FormatTable(results)

	for _, want := range []string{"mantis", "online", "100%!", "0%.", "17/20", "0/20", "71C", "270/600W", "Free"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestFormatTable_Offline(t *testing.T) {
	results := []Result{{
		Node:    "ghost",
		Status:  StatusOffline,
		Samples: []Sample{},
		Failure: remote.FailureTimeout,
		Error:   "connection timed out",
		Err:     errors.New("connection timed out"),
	}}

	output := FormatTable(results)
	if !strings.Contains(output, "ghost") || !strings.Contains(output, "offline") {
		t.Errorf("expected offline node in output:\n%s", output)
	}
	if !strings.Contains(output, "timeout") {
		t.Errorf("expected failure kind in note:\n%s", output)
	}
}

func TestFormatTable_Empty(t *testing.T) {
	if got := FormatTable(nil); got != "No nodes configured.\n" {
		t.Errorf("unexpected output %q", got)
	}
}

func TestFormatTable_SortsByAvailability(t *testing.T) {
	busy := Result{Node: "busy", Status: StatusOnline, Samples: []Sample{{GPUUtilPct: 95, MemTotalMiB: 1024}}}
	idle := Result{Node: "idle", Status: StatusOnline, Samples: []Sample{{GPUUtilPct: 0, MemTotalMiB: 1024}}}
	down := Result{Node: "down", Status: StatusOffline, Err: errors.New("x"), Failure: remote.FailureDNS}

	output := FormatTable([]Result{down, busy, idle})

	iIdle := strings.Index(output, "idle ")
	iBusy := strings.Index(output, "busy")
	iDown := strings.Index(output, "down")
	if !(iIdle < iBusy && iBusy < iDown) {
		t.Errorf("expected idle, busy, down order:\n%s", output)
	}
}

func TestSummarize(t *testing.T) {
	results := []Result{
		{Node: "a", Samples: []Sample{
			{GPUUtilPct: 0, MemTotalMiB: 10240},
			{GPUUtilPct: 50, MemUsedMiB: 5120, MemTotalMiB: 10240},
		}},
		{Node: "b", Err: errors.New("down")},
	}
	sum := Summarize(results)
	if sum.Nodes != 2 || sum.Online != 1 || sum.GPUs != 2 || sum.IdleGPUs != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if sum.FreeGB != 15 {
		t.Errorf("FreeGB = %v, want 15", sum.FreeGB)
	}
	if got := sum.String(); got != "1/2 nodes online, 1/2 GPUs idle, 15 GB free" {
		t.Errorf("String() = %q", got)
	}
}
