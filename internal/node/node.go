// Package node implements the persisted registry of remote GPU nodes.
package node

import (
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the SSH port used when a node does not set one.
const DefaultPort = 22

// Node describes a remote machine reachable over SSH.
type Node struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Address  string `yaml:"address,omitempty" json:"address,omitempty"`
	Port     int    `yaml:"port,omitempty" json:"port,omitempty"`
	User     string `yaml:"user,omitempty" json:"user,omitempty"`
	KeyPath  string `yaml:"key_path,omitempty" json:"key_path,omitempty"` // private key file; agent is used when empty
	JumpHost string `yaml:"jump_host,omitempty" json:"jump_host,omitempty"`
}

// Host returns the address to dial, falling back to the node name.
func (n Node) Host() string {
	if n.Address != "" {
		return n.Address
	}
	return n.Name
}

// HostPort returns host:port for dialing.
func (n Node) HostPort() string {
	port := n.Port
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(n.Host(), strconv.Itoa(port))
}

// Is reports whether name refers to this node (case-insensitive).
func (n Node) Is(name string) bool {
	return strings.EqualFold(n.Name, name)
}

// Spec is the input to Registry.Add.
type Spec struct {
	Name     string
	Address  string
	Port     int
	User     string
	KeyPath  string
	JumpHost string
}

// Update is a partial edit; nil fields are left unchanged.
type Update struct {
	Name     *string
	Address  *string
	Port     *int
	User     *string
	KeyPath  *string
	JumpHost *string
}

func (u Update) apply(n *Node) {
	if u.Name != nil {
		n.Name = *u.Name
	}
	if u.Address != nil {
		n.Address = *u.Address
	}
	if u.Port != nil {
		n.Port = *u.Port
	}
	if u.User != nil {
		n.User = *u.User
	}
	if u.KeyPath != nil {
		n.KeyPath = *u.KeyPath
	}
	if u.JumpHost != nil {
		n.JumpHost = *u.JumpHost
	}
}

// FindByName returns the index of the node whose name matches
// case-insensitively.
func FindByName(nodes []Node, name string) (int, bool) {
	for i, n := range nodes {
		if n.Is(name) {
			return i, true
		}
	}
	return -1, false
}

// findByNameOrID prefers an exact ID match, then a case-insensitive name.
func findByNameOrID(nodes []Node, nameOrID string) (int, bool) {
	for i, n := range nodes {
		if n.ID == nameOrID {
			return i, true
		}
	}
	return FindByName(nodes, nameOrID)
}
