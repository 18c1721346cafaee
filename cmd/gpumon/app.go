package main

import (
	"time"

	"github.com/CurryTang/slack-gpu-monitor/internal/config"
	"github.com/CurryTang/slack-gpu-monitor/internal/gpustatus"
	"github.com/CurryTang/slack-gpu-monitor/internal/history"
	"github.com/CurryTang/slack-gpu-monitor/internal/ledger"
	"github.com/CurryTang/slack-gpu-monitor/internal/node"
	"github.com/CurryTang/slack-gpu-monitor/internal/occupy"
	"github.com/CurryTang/slack-gpu-monitor/internal/remote"
)

// mustLoadConfig loads configuration, exits on error.
func mustLoadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		exitWithError(ExitConfigError, "loading config: %v", err)
	}
	return cfg
}

// mustOpenRegistry returns the node registry from the data directory.
func mustOpenRegistry(cfg *config.Config) *node.Registry {
	if err := cfg.EnsureDataDir(); err != nil {
		exitWithError(ExitConfigError, "creating data directory: %v", err)
	}
	return node.NewRegistry(cfg.NodesPath())
}

// mustListNodes reads every registered node, exits on error.
func mustListNodes(reg *node.Registry) []node.Node {
	nodes, err := reg.List()
	if err != nil {
		exitWithError(ExitConfigError, "reading node registry: %v", err)
	}
	return nodes
}

// mustFindNode resolves a node by name or ID, exits on error.
func mustFindNode(reg *node.Registry, nameOrID string) node.Node {
	n, err := reg.Find(nameOrID)
	if err != nil {
		exitWithErr(err)
	}
	return n
}

// mustNewExecutor builds the SSH executor from config. Callers must Close it.
func mustNewExecutor(cfg *config.Config) *remote.SSHExecutor {
	exec, err := remote.NewSSHExecutor(remote.OptionsFromConfig(cfg.SSH))
	if err != nil {
		exitWithError(ExitConfigError, "configuring SSH: %v", err)
	}
	return exec
}

// mustOpenHistory opens the history database, exits on error.
func mustOpenHistory(cfg *config.Config) *history.DB {
	db, err := history.Open(cfg.HistoryPath())
	if err != nil {
		exitWithError(ExitError, "opening history database: %v", err)
	}
	return db
}

func newAggregator(cfg *config.Config, exec remote.Executor) *gpustatus.Aggregator {
	return gpustatus.NewAggregator(exec, time.Duration(cfg.Status.TimeoutSeconds)*time.Second)
}

// app bundles the components an occupation command needs.
type app struct {
	cfg      *config.Config
	registry *node.Registry
	exec     *remote.SSHExecutor
	history  *history.DB
	manager  *occupy.Manager
}

// mustNewApp wires the registry, executor, ledger, history and manager.
func mustNewApp() *app {
	cfg := mustLoadConfig()
	reg := mustOpenRegistry(cfg)
	exec := mustNewExecutor(cfg)
	hist := mustOpenHistory(cfg)

	mgr := occupy.NewManager(exec, reg, ledger.NewStore(cfg.LedgerPath()), occupy.ConfigFrom(cfg.Occupy))
	mgr.SetHistory(hist)

	return &app{cfg: cfg, registry: reg, exec: exec, history: hist, manager: mgr}
}

func (a *app) Close() {
	if err := a.history.Close(); err != nil {
		log.Warnw("closing history database", "err", err)
	}
	if err := a.exec.Close(); err != nil {
		log.Debugw("closing SSH executor", "err", err)
	}
}
