// Package ledger persists the set of active occupations as JSONL.
//
// Every mutation is a read-modify-write of the whole file. Store serializes
// them behind a mutex and replaces the file atomically, so concurrent starts
// and cancels in one process never lose updates.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/CurryTang/slack-gpu-monitor/internal/gpuerr"
)

// MaxLineCapacity is the maximum buffer size for reading one ledger line.
const MaxLineCapacity = 1024 * 1024

// Occupation is a launched memory-reserving workload.
type Occupation struct {
	Node           string        `json:"node"`
	PID            int           `json:"pid"`
	GPUIDs         []int         `json:"gpu_ids"`
	MemoryGBPerGPU float64       `json:"memory_gb_per_gpu"`
	ScriptPath     string        `json:"script_path"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration,omitempty"` // zero means until cancelled
	Owner          string        `json:"owner,omitempty"`    // remote login user
}

// Key identifies an occupation. A pid is only unique per node.
type Key struct {
	Node string
	PID  int
}

// Key returns the identity of o. Node names compare case-insensitively.
func (o Occupation) Key() Key {
	return Key{Node: strings.ToLower(o.Node), PID: o.PID}
}

// OnNode reports whether o runs on the named node (case-insensitive).
func (o Occupation) OnNode(name string) bool {
	return strings.EqualFold(o.Node, name)
}

// Store is the single writer for a ledger file.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a store backed by path. The file is created on first write.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// List returns all occupations in insertion order.
func (s *Store) List() ([]Occupation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ReadAll(s.path)
}

// Append adds o. An existing entry with the same node and pid is stale
// (the pid was recycled) and is replaced.
func (s *Store) Append(o Occupation) error {
	return s.mutate(func(occs []Occupation) []Occupation {
		key := o.Key()
		occs = lo.Reject(occs, func(e Occupation, _ int) bool { return e.Key() == key })
		return append(occs, o)
	})
}

// Remove deletes every entry matching pred and returns the removed entries.
// Remaining entries keep their order.
func (s *Store) Remove(pred func(Occupation) bool) ([]Occupation, error) {
	var removed []Occupation
	err := s.mutate(func(occs []Occupation) []Occupation {
		removed = lo.Filter(occs, func(e Occupation, _ int) bool { return pred(e) })
		return lo.Reject(occs, func(e Occupation, _ int) bool { return pred(e) })
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// RemoveKeys deletes the entries whose keys are listed.
func (s *Store) RemoveKeys(keys []Key) ([]Occupation, error) {
	set := lo.Associate(keys, func(k Key) (Key, struct{}) { return k, struct{}{} })
	return s.Remove(func(o Occupation) bool {
		_, ok := set[o.Key()]
		return ok
	})
}

// RemoveNode deletes every entry on the named node.
func (s *Store) RemoveNode(name string) ([]Occupation, error) {
	return s.Remove(func(o Occupation) bool { return o.OnNode(name) })
}

func (s *Store) mutate(fn func([]Occupation) []Occupation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	occs, err := ReadAll(s.path)
	if err != nil {
		return err
	}
	return WriteAll(s.path, fn(occs))
}

// ReadAll reads all occupations from a JSONL file. A missing file is an
// empty ledger.
func ReadAll(path string) ([]Occupation, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: opening ledger: %v", gpuerr.ErrLedgerIO, err)
	}
	defer f.Close()

	var occs []Occupation
	scanner := bufio.NewScanner(f)
	buf := make([]byte, MaxLineCapacity)
	scanner.Buffer(buf, MaxLineCapacity)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var o Occupation
		if err := json.Unmarshal(line, &o); err != nil {
			return nil, fmt.Errorf("%w: parsing line %d: %v", gpuerr.ErrLedgerIO, lineNum, err)
		}
		occs = append(occs, o)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading ledger: %v", gpuerr.ErrLedgerIO, err)
	}
	return occs, nil
}

// WriteAll replaces the ledger with occs. The file is written to a
// temporary sibling and renamed into place.
func WriteAll(path string, occs []Occupation) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: creating ledger directory: %v", gpuerr.ErrLedgerIO, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp ledger: %v", gpuerr.ErrLedgerIO, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	w := bufio.NewWriter(tmp)
	for i, o := range occs {
		data, err := json.Marshal(o)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("%w: encoding occupation %d: %v", gpuerr.ErrLedgerIO, i, err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing ledger: %v", gpuerr.ErrLedgerIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: syncing ledger: %v", gpuerr.ErrLedgerIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing ledger: %v", gpuerr.ErrLedgerIO, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: replacing ledger: %v", gpuerr.ErrLedgerIO, err)
	}
	return nil
}
