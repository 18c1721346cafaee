package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/CurryTang/slack-gpu-monitor/internal/node"
)

var (
	nodeAddressFlag string
	nodePortFlag    int
	nodeUserFlag    string
	nodeKeyFlag     string
	nodeJumpFlag    string
	nodeNameFlag    string
)

// NodeListResult is the JSON output of node list.
type NodeListResult struct {
	Nodes []node.Node `json:"nodes"`
	Count int         `json:"count"`
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage the node registry",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered nodes",
	Args:  cobra.NoArgs,
	RunE:  runNodeList,
}

var nodeAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a node (or a range, e.g. beetle{01..05})",
	Long: `Register a node reachable over SSH. The name doubles as the host
address unless --address is given.

A brace pattern such as beetle{01..05} registers one node per name; the
pattern form cannot be combined with --address.`,
	Args: cobra.ExactArgs(1),
	RunE: runNodeAdd,
}

var nodeEditCmd = &cobra.Command{
	Use:   "edit <name-or-id>",
	Short: "Change a node's connection settings",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodeEdit,
}

var nodeRemoveCmd = &cobra.Command{
	Use:     "remove <name-or-id>",
	Aliases: []string{"rm"},
	Short:   "Remove a node from the registry",
	Args:    cobra.ExactArgs(1),
	RunE:    runNodeRemove,
}

func addConnectionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&nodeAddressFlag, "address", "", "Host name or IP to dial (default: the node name)")
	cmd.Flags().IntVar(&nodePortFlag, "port", 0, "SSH port (default 22)")
	cmd.Flags().StringVar(&nodeUserFlag, "user", "", "SSH user (default from config)")
	cmd.Flags().StringVar(&nodeKeyFlag, "key", "", "Private key file (default: SSH agent or config)")
	cmd.Flags().StringVar(&nodeJumpFlag, "jump", "", "Jump host, user@host[:port]")
}

func init() {
	addConnectionFlags(nodeAddCmd)
	addConnectionFlags(nodeEditCmd)
	nodeEditCmd.Flags().StringVar(&nodeNameFlag, "name", "", "Rename the node")

	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeAddCmd)
	nodeCmd.AddCommand(nodeEditCmd)
	nodeCmd.AddCommand(nodeRemoveCmd)
	rootCmd.AddCommand(nodeCmd)
}

func runNodeList(cmd *cobra.Command, args []string) error {
	nodes := mustListNodes(mustOpenRegistry(mustLoadConfig()))
	if nodes == nil {
		nodes = []node.Node{}
	}

	output(NodeListResult{Nodes: nodes, Count: len(nodes)}, func() {
		if len(nodes) == 0 {
			outputHuman("No nodes registered\n")
			return
		}
		for _, n := range nodes {
			line := n.ID + "  " + n.Name
			if n.Address != "" || n.Port != 0 {
				line += "  " + n.HostPort()
			}
			if n.User != "" {
				line += "  user=" + n.User
			}
			if n.JumpHost != "" {
				line += "  via " + n.JumpHost
			}
			outputHuman("%s\n", line)
		}
	})
	return nil
}

func runNodeAdd(cmd *cobra.Command, args []string) error {
	reg := mustOpenRegistry(mustLoadConfig())

	names := []string{args[0]}
	if node.IsPattern(args[0]) {
		if nodeAddressFlag != "" {
			exitWithError(ExitDataError, "--address cannot be used with a pattern")
		}
		expanded, err := node.ExpandPattern(args[0])
		if err != nil {
			exitWithError(ExitDataError, "%v", err)
		}
		names = expanded
	}

	var added []node.Node
	for _, name := range names {
		n, err := reg.Add(node.Spec{
			Name:     name,
			Address:  nodeAddressFlag,
			Port:     nodePortFlag,
			User:     nodeUserFlag,
			KeyPath:  nodeKeyFlag,
			JumpHost: nodeJumpFlag,
		})
		if err != nil {
			if errors.Is(err, node.ErrDuplicateName) {
				exitWithError(ExitDataError, "%v\n  Hint: Use 'gpumon node edit %s' to change it", err, name)
			}
			exitWithErr(err)
		}
		added = append(added, n)
	}

	output(NodeListResult{Nodes: added, Count: len(added)}, func() {
		for _, n := range added {
			outputHuman("Added %s (%s)\n", n.Name, n.ID)
		}
	})
	return nil
}

func runNodeEdit(cmd *cobra.Command, args []string) error {
	reg := mustOpenRegistry(mustLoadConfig())

	var upd node.Update
	flags := cmd.Flags()
	if flags.Changed("name") {
		upd.Name = &nodeNameFlag
	}
	if flags.Changed("address") {
		upd.Address = &nodeAddressFlag
	}
	if flags.Changed("port") {
		upd.Port = &nodePortFlag
	}
	if flags.Changed("user") {
		upd.User = &nodeUserFlag
	}
	if flags.Changed("key") {
		upd.KeyPath = &nodeKeyFlag
	}
	if flags.Changed("jump") {
		upd.JumpHost = &nodeJumpFlag
	}

	n, err := reg.Edit(args[0], upd)
	if err != nil {
		if errors.Is(err, node.ErrDuplicateName) {
			exitWithError(ExitDataError, "%v", err)
		}
		exitWithErr(err)
	}

	output(n, func() {
		outputHuman("Updated %s (%s)\n", n.Name, n.ID)
	})
	return nil
}

func runNodeRemove(cmd *cobra.Command, args []string) error {
	reg := mustOpenRegistry(mustLoadConfig())

	n, err := reg.Remove(args[0])
	if err != nil {
		exitWithErr(err)
	}

	output(n, func() {
		outputHuman("Removed %s (%s)\n", n.Name, n.ID)
	})
	return nil
}
