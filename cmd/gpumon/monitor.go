package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raulk/clock"
	"github.com/spf13/cobra"

	"github.com/CurryTang/slack-gpu-monitor/internal/monitor"
	"github.com/CurryTang/slack-gpu-monitor/internal/schedule"
)

var (
	monitorNodeFlag        string
	monitorGPUsFlag        string
	monitorMemoryFlag      float64
	monitorMinFreeFlag     float64
	monitorIntervalFlag    time.Duration
	monitorInterpreterFlag string
	monitorDurationFlag    time.Duration
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Wait until GPUs are free, then occupy them",
	Long: `Poll a node until every listed GPU has at least --min-free GB free,
then start an occupation of --memory GB per GPU and exit.

A failed launch keeps the monitor watching. Interrupting the command
cancels the monitor. Transitions are printed as they happen, one JSON
object per line (or a text line with --human).`,
	Example: `  gpumon monitor --node alpha --gpus 0,1 --memory 20 --min-free 22`,
	Args:    cobra.NoArgs,
	RunE:    runMonitor,
}

func init() {
	monitorCmd.Flags().StringVar(&monitorNodeFlag, "node", "", "Node name or ID (required)")
	monitorCmd.Flags().StringVar(&monitorGPUsFlag, "gpus", "", "Comma-separated GPU ids (required)")
	monitorCmd.Flags().Float64Var(&monitorMemoryFlag, "memory", 0, "GB to allocate per GPU once free (required)")
	monitorCmd.Flags().Float64Var(&monitorMinFreeFlag, "min-free", -1, "GB that must be free on each GPU (default from config)")
	monitorCmd.Flags().DurationVar(&monitorIntervalFlag, "interval", 0, "Poll interval (default from config)")
	monitorCmd.Flags().StringVar(&monitorInterpreterFlag, "interpreter", "", "Remote interpreter (default from config)")
	monitorCmd.Flags().DurationVar(&monitorDurationFlag, "duration", 0, "Release the occupation after this long")
	monitorCmd.MarkFlagRequired("node")
	monitorCmd.MarkFlagRequired("gpus")
	monitorCmd.MarkFlagRequired("memory")
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	gpuIDs, err := parseGPUIDs(monitorGPUsFlag)
	if err != nil {
		exitWithErr(err)
	}

	a := mustNewApp()
	defer a.Close()
	n := mustFindNode(a.registry, monitorNodeFlag)

	interval := monitorIntervalFlag
	if interval <= 0 {
		interval = time.Duration(a.cfg.Monitor.PollSeconds) * time.Second
	}
	minFree := monitorMinFreeFlag
	if minFree < 0 {
		minFree = a.cfg.Monitor.MinFreeGB
	}

	clk := clock.New()
	sched := schedule.New(clk)
	defer sched.Close()

	reg := monitor.NewRegistry(newAggregator(a.cfg, a.exec), a.manager, sched, clk)
	defer reg.Close()

	done := make(chan monitor.Event, 1)
	reg.SetNotifier(monitor.NotifierFunc(func(e monitor.Event) {
		printMonitorEvent(e)
		if e.To == monitor.StateStopped || e.To == monitor.StateCancelled {
			select {
			case done <- e:
			default:
			}
		}
	}))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := reg.Start(monitor.Spec{
		Node:           n,
		GPUIDs:         gpuIDs,
		MemoryGBPerGPU: monitorMemoryFlag,
		MinFreeGB:      minFree,
		PollInterval:   interval,
		Interpreter:    monitorInterpreterFlag,
		Duration:       monitorDurationFlag,
	})
	if err != nil {
		a.Close()
		exitWithErr(err)
	}
	if humanOutput {
		outputHuman("Monitor %s watching %s GPUs %v for %g GB free (every %s)\n",
			m.ID, m.Node, m.GPUIDs, m.MinFreeGB, m.PollInterval)
	}

	select {
	case <-done:
	case <-ctx.Done():
		// A monitor that retired concurrently still reports on done.
		_, _ = reg.Stop(m.ID)
		<-done
	}
	return nil
}

func printMonitorEvent(e monitor.Event) {
	if !humanOutput {
		if err := outputJSONCompact(e); err != nil {
			log.Warnw("writing monitor event", "err", err)
		}
		return
	}
	m := e.Monitor
	switch e.To {
	case monitor.StateTriggered:
		outputHuman("[%s] GPUs %v free on %s, starting occupation\n", m.ID, m.GPUIDs, m.Node)
	case monitor.StateWatching:
		outputHuman("[%s] launch failed, still watching: %v\n", m.ID, e.Err)
	case monitor.StateStopped:
		if m.Occupation != nil {
			outputHuman("[%s] occupation started on %s: pid %d\n", m.ID, m.Node, m.Occupation.PID)
		}
	case monitor.StateCancelled:
		outputHuman("[%s] cancelled after %s\n", m.ID, pollSummary(m))
	}
}

func pollSummary(m monitor.Monitor) string {
	if m.Polls == 1 {
		return "1 poll"
	}
	return fmt.Sprintf("%d polls", m.Polls)
}
