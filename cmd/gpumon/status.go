package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raulk/clock"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/CurryTang/slack-gpu-monitor/internal/gpustatus"
	"github.com/CurryTang/slack-gpu-monitor/internal/node"
	"github.com/CurryTang/slack-gpu-monitor/internal/schedule"
)

var (
	statusNodeFlag    string
	watchIntervalFlag time.Duration
)

// StatusResult is the JSON output of the status command.
type StatusResult struct {
	Nodes   []gpustatus.Result `json:"nodes"`
	Summary gpustatus.Summary  `json:"summary"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query GPU status on registered nodes",
	Long: `Query GPU utilization, memory, temperature, and power on every
registered node (or one with --node) over SSH in parallel.

Unreachable nodes are reported as offline; nodes whose nvidia-smi output
could not be read are reported as degraded. One failing node never hides
the others.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Refresh GPU status on an interval until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	statusCmd.Flags().StringVar(&statusNodeFlag, "node", "", "Query a single node by name or ID")
	watchCmd.Flags().StringVar(&statusNodeFlag, "node", "", "Watch a single node by name or ID")
	watchCmd.Flags().DurationVar(&watchIntervalFlag, "interval", 0, "Refresh interval (default from config)")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
}

// statusTargets returns the nodes selected by --node, or all of them.
func statusTargets(reg *node.Registry) []node.Node {
	if statusNodeFlag != "" {
		return []node.Node{mustFindNode(reg, statusNodeFlag)}
	}
	nodes := mustListNodes(reg)
	if len(nodes) == 0 {
		exitWithError(ExitConfigError, "no nodes registered\n  Hint: Add one with 'gpumon node add <name>'")
	}
	return nodes
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := mustLoadConfig()
	nodes := statusTargets(mustOpenRegistry(cfg))

	exec := mustNewExecutor(cfg)
	defer exec.Close()

	results := newAggregator(cfg, exec).QueryAll(cmd.Context(), nodes)
	printStatus(results)
	return nil
}

func printStatus(results []gpustatus.Result) {
	summary := gpustatus.Summarize(results)
	output(StatusResult{Nodes: results, Summary: summary}, func() {
		fmt.Print(gpustatus.FormatTable(results))
		fmt.Println()
		fmt.Println(summary)
	})
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg := mustLoadConfig()
	nodes := statusTargets(mustOpenRegistry(cfg))

	interval := watchIntervalFlag
	if interval <= 0 {
		interval = time.Duration(cfg.Status.RefreshSeconds) * time.Second
	}

	exec := mustNewExecutor(cfg)
	defer exec.Close()
	agg := newAggregator(cfg, exec)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := schedule.New(clock.New())
	defer sched.Close()

	refresh := func(ctx context.Context) {
		results := agg.QueryAll(ctx, nodes)
		if ctx.Err() != nil {
			return
		}
		if humanOutput {
			fmt.Printf("\n%s\n", time.Now().Format(time.DateTime))
			printStatus(results)
			return
		}
		// One JSON document per refresh so the stream can be piped.
		if err := outputJSONCompact(StatusResult{Nodes: results, Summary: gpustatus.Summarize(results)}); err != nil {
			log.Warnw("writing status", "err", err)
		}
	}
	if err := sched.Every("status", interval, refresh); err != nil {
		exitWithErr(err)
	}
	sched.RunNow("status")

	log.Infow("watching status", "nodes", lo.Map(nodes, func(n node.Node, _ int) string { return n.Name }), "interval", interval)
	<-ctx.Done()
	return nil
}
