// Package stats persists the latest execution statistics per pipeline
// kind as JSON files, plus a combined rollup across kinds. The files are
// overwritten on every run; history lives in the history sinks.
package stats

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// knownKinds drives the combined rollup.
var knownKinds = []string{"viajeros", "si"}

// Record is the latest run of one pipeline kind.
type Record struct {
	RunTimestamp time.Time `json:"run_timestamp"`
	Kind         string    `json:"kind"`
	Total        int       `json:"total_processed"`
	Succeeded    int       `json:"successful"`
	Failed       int       `json:"failed"`
	Excluded     int       `json:"excluded"`
	Duration     string    `json:"duration"`
	Detail       string    `json:"detail,omitempty"`
}

// Combined is the rollup across all kinds that have run.
type Combined struct {
	RunTimestamp time.Time         `json:"run_timestamp"`
	Totals       CombinedTotals    `json:"totals"`
	Kinds        map[string]Record `json:"kinds"`
}

type CombinedTotals struct {
	Succeeded   int     `json:"successful"`
	Failed      int     `json:"failed"`
	Total       int     `json:"total_processed"`
	SuccessRate float64 `json:"success_rate"`
}

// Manager writes and reads the per-kind and combined stats files under a
// single directory.
type Manager struct {
	mu  sync.Mutex
	dir string
}

func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		return nil, errors.New("empty stats directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	return &Manager{dir: dir}, nil
}

func (m *Manager) kindFile(kind string) string {
	return filepath.Join(m.dir, kind+"_latest_stats.json")
}

func (m *Manager) combinedFile() string {
	return filepath.Join(m.dir, "combined_latest_stats.json")
}

// Save stores the result of one execution and refreshes the combined
// rollup.
func (m *Manager) Save(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.RunTimestamp.IsZero() {
		rec.RunTimestamp = time.Now()
	}
	if err := writeJSON(m.kindFile(rec.Kind), rec); err != nil {
		return err
	}
	return m.updateCombined()
}

// Latest returns the last saved record for a kind, or nil when the kind
// has never run.
func (m *Manager) Latest(kind string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rec Record
	ok, err := readJSON(m.kindFile(kind), &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

// LatestCombined returns the rollup, or nil when nothing has run yet.
func (m *Manager) LatestCombined() (*Combined, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c Combined
	ok, err := readJSON(m.combinedFile(), &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

func (m *Manager) updateCombined() error {
	c := Combined{
		RunTimestamp: time.Now(),
		Kinds:        make(map[string]Record),
	}
	for _, k := range knownKinds {
		var rec Record
		ok, err := readJSON(m.kindFile(k), &rec)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		c.Kinds[k] = rec
		c.Totals.Succeeded += rec.Succeeded
		c.Totals.Failed += rec.Failed
		c.Totals.Total += rec.Total
	}
	if c.Totals.Total > 0 {
		c.Totals.SuccessRate = float64(c.Totals.Succeeded) / float64(c.Totals.Total) * 100
	}
	return writeJSON(m.combinedFile(), c)
}

// writeJSON writes via a temp file and rename so readers never see a
// partial file.
func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) (bool, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(b, v)
}
