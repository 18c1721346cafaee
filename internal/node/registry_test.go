package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/CurryTang/slack-gpu-monitor/internal/gpuerr"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(filepath.Join(t.TempDir(), "nodes.yml"))
	n := 0
	r.newID = func() string {
		n++
		return fmt.Sprintf("id%02d", n)
	}
	return r
}

func TestRegistry_EmptyList(t *testing.T) {
	r := newTestRegistry(t)
	nodes, err := r.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(nodes) != 0 {
		t.Errorf("List() returned %d nodes, want 0", len(nodes))
	}
}

func TestRegistry_AddAndFind(t *testing.T) {
	r := newTestRegistry(t)

	added, err := r.Add(Spec{Name: "Alpha", Address: "10.0.0.5", Port: 2222, JumpHost: "jump.example.org"})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if added.ID != "id01" {
		t.Errorf("ID = %q, want id01", added.ID)
	}

	// Case-insensitive name lookup
	got, err := r.Find("alpha")
	if err != nil {
		t.Fatalf("Find(alpha) error = %v", err)
	}
	if got.Address != "10.0.0.5" || got.Port != 2222 || got.JumpHost != "jump.example.org" {
		t.Errorf("unexpected node: %+v", got)
	}

	// ID lookup
	if _, err := r.Find("id01"); err != nil {
		t.Errorf("Find(id01) error = %v", err)
	}
}

func TestRegistry_AddDuplicateNameCaseInsensitive(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Add(Spec{Name: "alpha"}); err != nil {
		t.Fatal(err)
	}
	_, err := r.Add(Spec{Name: "ALPHA"})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}

	nodes, _ := r.List()
	if len(nodes) != 1 {
		t.Errorf("expected 1 node after rejected add, got %d", len(nodes))
	}
}

func TestRegistry_AddRejectsEmptyName(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Add(Spec{Name: "  "})
	if !errors.Is(err, gpuerr.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestRegistry_Edit(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Add(Spec{Name: "alpha"}); err != nil {
		t.Fatal(err)
	}

	newName := "alpha-2"
	port := 2200
	edited, err := r.Edit("ALPHA", Update{Name: &newName, Port: &port})
	if err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if edited.Name != "alpha-2" || edited.Port != 2200 {
		t.Errorf("unexpected edited node: %+v", edited)
	}
	if edited.ID != "id01" {
		t.Errorf("Edit() changed ID to %q", edited.ID)
	}

	// Persisted
	got, err := r.Find("alpha-2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Port != 2200 {
		t.Errorf("persisted port = %d, want 2200", got.Port)
	}
}

func TestRegistry_PortRange(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Add(Spec{Name: "alpha", Port: 70000}); !errors.Is(err, gpuerr.ErrInvalidArgument) {
		t.Fatalf("Add() with port 70000 error = %v, want invalid argument", err)
	}
	if _, err := r.Add(Spec{Name: "alpha", Port: 2222}); err != nil {
		t.Fatal(err)
	}

	for _, port := range []int{-1, 65536, 70000} {
		p := port
		if _, err := r.Edit("alpha", Update{Port: &p}); !errors.Is(err, gpuerr.ErrInvalidArgument) {
			t.Errorf("Edit() with port %d error = %v, want invalid argument", port, err)
		}
	}
	got, err := r.Find("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if got.Port != 2222 {
		t.Errorf("port after rejected edits = %d, want 2222", got.Port)
	}
}

func TestRegistry_EditRenameCollision(t *testing.T) {
	r := newTestRegistry(t)
	r.Add(Spec{Name: "alpha"})
	r.Add(Spec{Name: "beta"})

	name := "Beta"
	_, err := r.Edit("alpha", Update{Name: &name})
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}

	// Renaming to its own name in a different case is allowed
	self := "ALPHA"
	if _, err := r.Edit("alpha", Update{Name: &self}); err != nil {
		t.Errorf("self-rename error = %v", err)
	}
}

func TestRegistry_RemoveAndNotFound(t *testing.T) {
	r := newTestRegistry(t)
	r.Add(Spec{Name: "alpha"})
	r.Add(Spec{Name: "beta"})
	r.Add(Spec{Name: "gamma"})

	removed, err := r.Remove("Beta")
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if removed.Name != "beta" {
		t.Errorf("removed %q, want beta", removed.Name)
	}

	nodes, _ := r.List()
	if len(nodes) != 2 || nodes[0].Name != "alpha" || nodes[1].Name != "gamma" {
		t.Errorf("unexpected nodes after remove: %+v", nodes)
	}

	_, err = r.Remove("beta")
	if !gpuerr.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	_, err = r.Find("delta")
	if !gpuerr.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRegistry_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.yml")
	if err := os.WriteFile(path, []byte("nodes: [invalid yaml structure\n"), 0644); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(path)
	if _, err := r.List(); err == nil {
		t.Fatal("expected error for malformed registry file")
	}
}

func TestNode_HostPort(t *testing.T) {
	tests := []struct {
		node Node
		want string
	}{
		{Node{Name: "alpha"}, "alpha:22"},
		{Node{Name: "alpha", Address: "10.0.0.5"}, "10.0.0.5:22"},
		{Node{Name: "alpha", Address: "10.0.0.5", Port: 2222}, "10.0.0.5:2222"},
		{Node{Name: "v6", Address: "fe80::1"}, "[fe80::1]:22"},
	}
	for _, tt := range tests {
		if got := tt.node.HostPort(); got != tt.want {
			t.Errorf("HostPort(%+v) = %q, want %q", tt.node, got, tt.want)
		}
	}
}

func TestExpandPattern_ZeroPadding(t *testing.T) {
	tests := []struct {
		pattern  string
		expected []string
	}{
		{"node{1..3}", []string{"node1", "node2", "node3"}},
		{"node{01..03}", []string{"node01", "node02", "node03"}},
		{"gpu{08..10}", []string{"gpu08", "gpu09", "gpu10"}},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			result, err := ExpandPattern(tt.pattern)
			if err != nil {
				t.Fatal(err)
			}
			if len(result) != len(tt.expected) {
				t.Fatalf("expected %d names, got %d", len(tt.expected), len(result))
			}
			for i, name := range result {
				if name != tt.expected[i] {
					t.Errorf("name %d: expected %s, got %s", i, tt.expected[i], name)
				}
			}
		})
	}
}

func TestExpandPattern_Invalid(t *testing.T) {
	for _, p := range []string{"node{05..01}", "badpattern", "{1..2}"} {
		if _, err := ExpandPattern(p); err == nil {
			t.Errorf("ExpandPattern(%q): expected error", p)
		}
	}
}
