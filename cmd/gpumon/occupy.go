package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/CurryTang/slack-gpu-monitor/internal/gpuerr"
	"github.com/CurryTang/slack-gpu-monitor/internal/history"
	"github.com/CurryTang/slack-gpu-monitor/internal/ledger"
	"github.com/CurryTang/slack-gpu-monitor/internal/occupy"
)

var (
	occupyNodeFlag        string
	occupyGPUsFlag        string
	occupyMemoryFlag      float64
	occupyInterpreterFlag string
	occupyDurationFlag    time.Duration

	cancelAllFlag  bool
	cancelNodeFlag string

	killOwnerNodeFlag string
	killOwnerUserFlag string

	historyNodeFlag  string
	historyLimitFlag int
)

var occupyCmd = &cobra.Command{
	Use:   "occupy",
	Short: "Reserve GPU memory on a node",
	Long: `Launch a detached workload on a node that allocates the requested
memory on each listed GPU and holds it until cancelled (or until
--duration elapses).

Before launching, the node is checked for the interpreter, the
accelerator runtime, and the requested GPU ids. The started occupation
is recorded in the ledger.`,
	Example: `  gpumon occupy --node alpha --gpus 0,1 --memory 20
  gpumon occupy --node alpha --gpus 2 --memory 40 --duration 6h`,
	Args: cobra.NoArgs,
	RunE: runOccupy,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel recorded occupations",
	Long: `Kill occupations recorded in the ledger, either all of them (--all)
or those on one node (--node). Every attempted entry is removed from the
ledger whatever the kill outcome; the per-entry outcome is reported.`,
	Args: cobra.NoArgs,
	RunE: runCancel,
}

var killOwnerCmd = &cobra.Command{
	Use:   "kill-owner",
	Short: "Kill every occupation workload owned by a user on a node",
	Long: `Signal every occupation workload started by --user on --node,
including ones the ledger does not know about, then clear all of that
node's ledger entries.`,
	Args: cobra.NoArgs,
	RunE: runKillOwner,
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "List recorded occupations",
	Args:  cobra.NoArgs,
	RunE:  runLedger,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent occupation events",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	occupyCmd.Flags().StringVar(&occupyNodeFlag, "node", "", "Node name or ID (required)")
	occupyCmd.Flags().StringVar(&occupyGPUsFlag, "gpus", "", "Comma-separated GPU ids, e.g. 0,1 (required)")
	occupyCmd.Flags().Float64Var(&occupyMemoryFlag, "memory", 0, "GB to allocate per GPU (required)")
	occupyCmd.Flags().StringVar(&occupyInterpreterFlag, "interpreter", "", "Remote interpreter (default from config)")
	occupyCmd.Flags().DurationVar(&occupyDurationFlag, "duration", 0, "Release after this long (default: hold until cancelled)")
	occupyCmd.MarkFlagRequired("node")
	occupyCmd.MarkFlagRequired("gpus")
	occupyCmd.MarkFlagRequired("memory")

	cancelCmd.Flags().BoolVar(&cancelAllFlag, "all", false, "Cancel every recorded occupation")
	cancelCmd.Flags().StringVar(&cancelNodeFlag, "node", "", "Cancel occupations on one node")
	cancelCmd.MarkFlagsOneRequired("all", "node")
	cancelCmd.MarkFlagsMutuallyExclusive("all", "node")

	killOwnerCmd.Flags().StringVar(&killOwnerNodeFlag, "node", "", "Node name or ID (required)")
	killOwnerCmd.Flags().StringVar(&killOwnerUserFlag, "user", "", "Remote user whose workloads to kill (required)")
	killOwnerCmd.MarkFlagRequired("node")
	killOwnerCmd.MarkFlagRequired("user")

	historyCmd.Flags().StringVar(&historyNodeFlag, "node", "", "Only events for this node")
	historyCmd.Flags().IntVar(&historyLimitFlag, "limit", history.DefaultLimit, "Maximum events to show")

	rootCmd.AddCommand(occupyCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(killOwnerCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(historyCmd)
}

// parseGPUIDs parses a comma-separated list such as "0,1,3".
func parseGPUIDs(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%w: GPU id %q is not a number", gpuerr.ErrInvalidArgument, part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no GPU ids in %q", gpuerr.ErrInvalidArgument, s)
	}
	return ids, nil
}

func runOccupy(cmd *cobra.Command, args []string) error {
	gpuIDs, err := parseGPUIDs(occupyGPUsFlag)
	if err != nil {
		exitWithErr(err)
	}

	a := mustNewApp()
	defer a.Close()
	n := mustFindNode(a.registry, occupyNodeFlag)

	occ, err := a.manager.Start(cmd.Context(), n, occupy.Request{
		Interpreter:    occupyInterpreterFlag,
		GPUIDs:         gpuIDs,
		MemoryGBPerGPU: occupyMemoryFlag,
		Duration:       occupyDurationFlag,
	})
	if err != nil {
		a.Close()
		exitWithErr(err)
	}

	output(occ, func() {
		outputHuman("Started occupation on %s: pid %d, GPUs %v, %g GB each\n",
			occ.Node, occ.PID, occ.GPUIDs, occ.MemoryGBPerGPU)
		outputHuman("  script: %s\n", occ.ScriptPath)
	})
	return nil
}

// CancelResult is the JSON output of the cancel command.
type CancelResult struct {
	Outcomes []occupy.CancelOutcome `json:"outcomes"`
	Killed   int                    `json:"killed"`
}

func runCancel(cmd *cobra.Command, args []string) error {
	a := mustNewApp()
	defer a.Close()

	var (
		outcomes []occupy.CancelOutcome
		err      error
	)
	if cancelAllFlag {
		outcomes, err = a.manager.CancelAll(cmd.Context())
	} else {
		outcomes, err = a.manager.CancelForNode(cmd.Context(), cancelNodeFlag)
	}
	if err != nil {
		a.Close()
		exitWithErr(err)
	}

	killed := len(lo.Filter(outcomes, func(o occupy.CancelOutcome, _ int) bool { return o.Status == occupy.CancelKilled }))
	output(CancelResult{Outcomes: outcomes, Killed: killed}, func() {
		if len(outcomes) == 0 {
			outputHuman("No occupations to cancel\n")
			return
		}
		for _, o := range outcomes {
			line := fmt.Sprintf("%-16s pid %-8d %s", o.Node, o.PID, o.Status)
			if o.Detail != "" {
				line += "  (" + o.Detail + ")"
			}
			outputHuman("%s\n", line)
		}
		outputHuman("\nKilled %d of %d; ledger cleared\n", killed, len(outcomes))
	})
	return nil
}

func runKillOwner(cmd *cobra.Command, args []string) error {
	a := mustNewApp()
	defer a.Close()

	res, err := a.manager.KillByOwner(cmd.Context(), killOwnerNodeFlag, killOwnerUserFlag)
	if err != nil {
		a.Close()
		exitWithErr(err)
	}

	output(res, func() {
		outputHuman("%s on %s: %s", res.User, res.Node, res.Status)
		if res.Detail != "" {
			outputHuman(" (%s)", res.Detail)
		}
		outputHuman("\nCleared %d ledger entries\n", res.Cleared)
	})
	return nil
}

func runLedger(cmd *cobra.Command, args []string) error {
	cfg := mustLoadConfig()
	occs, err := ledger.NewStore(cfg.LedgerPath()).List()
	if err != nil {
		exitWithErr(err)
	}
	if occs == nil {
		occs = []ledger.Occupation{}
	}

	output(occs, func() {
		if len(occs) == 0 {
			outputHuman("No recorded occupations\n")
			return
		}
		for _, o := range occs {
			outputHuman("%-16s pid %-8d GPUs %-10v %6.1f GB  started %s\n",
				o.Node, o.PID, o.GPUIDs, o.MemoryGBPerGPU, humanize.Time(o.StartedAt))
		}
	})
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg := mustLoadConfig()
	db := mustOpenHistory(cfg)
	defer db.Close()

	var (
		events []history.Event
		err    error
	)
	if historyNodeFlag != "" {
		events, err = db.ForNode(cmd.Context(), historyNodeFlag, historyLimitFlag)
	} else {
		events, err = db.Recent(cmd.Context(), historyLimitFlag)
	}
	if err != nil {
		db.Close()
		exitWithError(ExitError, "reading history: %v", err)
	}
	if events == nil {
		events = []history.Event{}
	}

	output(events, func() {
		for _, e := range events {
			line := fmt.Sprintf("%-14s %-12s %-16s", humanize.Time(e.At), e.Kind, e.Node)
			if e.PID != 0 {
				line += fmt.Sprintf(" pid %d", e.PID)
			}
			if e.Outcome != "" {
				line += " " + e.Outcome
			}
			if e.Detail != "" {
				line += "  " + e.Detail
			}
			outputHuman("%s\n", line)
		}
	})
	return nil
}
