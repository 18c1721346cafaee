package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/CurryTang/slack-gpu-monitor/internal/gpuerr"
)

// ErrDuplicateName is returned when adding or renaming a node to a name
// that already exists.
var ErrDuplicateName = errors.New("node name already exists")

// registryFile is the top-level nodes.yml structure.
type registryFile struct {
	Nodes []Node `yaml:"nodes"`
}

// Registry is the flat, ID-keyed node list backed by a YAML file.
// Every mutation rewrites the file under mu.
type Registry struct {
	mu    sync.Mutex
	path  string
	newID func() string
}

// NewRegistry returns a registry stored at path. The file is created on
// the first mutation.
func NewRegistry(path string) *Registry {
	return &Registry{path: path, newID: shortID}
}

// shortID returns the first group of a random UUID.
func shortID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// List returns all nodes in insertion order.
func (r *Registry) List() ([]Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read()
}

// Find returns the node with the given ID or (case-insensitive) name.
func (r *Registry) Find(nameOrID string) (Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodes, err := r.read()
	if err != nil {
		return Node{}, err
	}
	idx, ok := findByNameOrID(nodes, nameOrID)
	if !ok {
		return Node{}, fmt.Errorf("node %q: %w", nameOrID, gpuerr.ErrNotFound)
	}
	return nodes[idx], nil
}

// Add registers a new node. The name must be unique (case-insensitive).
func (r *Registry) Add(spec Spec) (Node, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return Node{}, fmt.Errorf("node name is required: %w", gpuerr.ErrInvalidArgument)
	}
	if err := checkPort(spec.Port); err != nil {
		return Node{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	nodes, err := r.read()
	if err != nil {
		return Node{}, err
	}
	if _, exists := FindByName(nodes, spec.Name); exists {
		return Node{}, fmt.Errorf("%w: %s", ErrDuplicateName, spec.Name)
	}

	n := Node{
		ID:       r.uniqueID(nodes),
		Name:     spec.Name,
		Address:  spec.Address,
		Port:     spec.Port,
		User:     spec.User,
		KeyPath:  spec.KeyPath,
		JumpHost: spec.JumpHost,
	}
	nodes = append(nodes, n)
	if err := r.write(nodes); err != nil {
		return Node{}, err
	}
	return n, nil
}

// Edit applies a partial update to the node identified by nameOrID.
func (r *Registry) Edit(nameOrID string, upd Update) (Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodes, err := r.read()
	if err != nil {
		return Node{}, err
	}
	idx, ok := findByNameOrID(nodes, nameOrID)
	if !ok {
		return Node{}, fmt.Errorf("node %q: %w", nameOrID, gpuerr.ErrNotFound)
	}

	if upd.Port != nil {
		if err := checkPort(*upd.Port); err != nil {
			return Node{}, err
		}
	}
	if upd.Name != nil {
		if strings.TrimSpace(*upd.Name) == "" {
			return Node{}, fmt.Errorf("node name cannot be empty: %w", gpuerr.ErrInvalidArgument)
		}
		if other, exists := FindByName(nodes, *upd.Name); exists && other != idx {
			return Node{}, fmt.Errorf("%w: %s", ErrDuplicateName, *upd.Name)
		}
	}

	upd.apply(&nodes[idx])
	if err := r.write(nodes); err != nil {
		return Node{}, err
	}
	return nodes[idx], nil
}

// checkPort accepts 0 (default port) through 65535.
func checkPort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port %d out of range: %w", port, gpuerr.ErrInvalidArgument)
	}
	return nil
}

// Remove deletes the node identified by nameOrID and returns it.
func (r *Registry) Remove(nameOrID string) (Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodes, err := r.read()
	if err != nil {
		return Node{}, err
	}
	idx, ok := findByNameOrID(nodes, nameOrID)
	if !ok {
		return Node{}, fmt.Errorf("node %q: %w", nameOrID, gpuerr.ErrNotFound)
	}

	removed := nodes[idx]
	nodes = append(nodes[:idx], nodes[idx+1:]...)
	if err := r.write(nodes); err != nil {
		return Node{}, err
	}
	return removed, nil
}

func (r *Registry) uniqueID(nodes []Node) string {
	for {
		id := r.newID()
		taken := false
		for _, n := range nodes {
			if n.ID == id {
				taken = true
				break
			}
		}
		if !taken {
			return id
		}
	}
}

// read loads the registry file. A missing file is an empty registry.
func (r *Registry) read() ([]Node, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", r.path, err)
	}

	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", r.path, err)
	}
	return f.Nodes, nil
}

// write replaces the registry file atomically.
func (r *Registry) write(nodes []Node) error {
	data, err := yaml.Marshal(registryFile{Nodes: nodes})
	if err != nil {
		return fmt.Errorf("encoding nodes: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(r.path), err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replacing %s: %w", r.path, err)
	}
	return nil
}
