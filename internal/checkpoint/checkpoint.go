// Package checkpoint persists the resumable state of a spider run: the
// pending frontier, the fingerprints already seen, and the output file a
// resumed run keeps appending to.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	stateFile  = "state.json"
	markerFile = "output.marker"
)

// Entry is one pending request in the frontier.
type Entry struct {
	URL      string `json:"url"`
	Depth    int    `json:"depth"`
	Priority int    `json:"priority"`
	// Sitemap marks entries that must be parsed as sitemaps.
	Sitemap bool `json:"sitemap,omitempty"`
}

// State is the resumable state of one spider.
type State struct {
	Frontier  []Entry   `json:"frontier"`
	Seen      []string  `json:"seen"`
	Items     int       `json:"items"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes checkpoints under dir/<spider>.
type Store struct {
	dir    string
	spider string
	logger *zap.Logger
}

// New returns the store for one spider.
func New(dir, spider string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("checkpoint dir is required")
	}
	if spider == "" || strings.ContainsAny(spider, `/\`) || spider == "." || spider == ".." {
		return nil, fmt.Errorf("invalid spider name %q", spider)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: filepath.Join(dir, spider), spider: spider, logger: logger}, nil
}

// Dir is the directory holding this spider's checkpoint.
func (s *Store) Dir() string { return s.dir }

// Load returns the saved state. found is false when there is none.
//
// A state whose seen set is populated while its frontier is empty cannot
// make progress: every rediscovered URL would be dropped as already seen.
// Load clears the seen set in that case so discovery can start over, and
// reports repaired.
func (s *Store) Load() (state State, found, repaired bool, err error) {
	data, err := os.ReadFile(filepath.Join(s.dir, stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return State{}, false, false, nil
	}
	if err != nil {
		return State{}, false, false, fmt.Errorf("read checkpoint: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, false, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	if len(state.Seen) > 0 && len(state.Frontier) == 0 {
		s.logger.Warn("checkpoint has seen urls but an empty frontier, clearing seen set",
			zap.String("spider", s.spider),
			zap.Int("seen", len(state.Seen)),
		)
		state.Seen = nil
		repaired = true
	}
	return state, true, repaired, nil
}

// Save writes state atomically.
func (s *Store) Save(state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return s.writeFile(stateFile, data)
}

// OutputMarker returns the output file recorded for resumption.
func (s *Store) OutputMarker() (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, markerFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read output marker: %w", err)
	}
	path := strings.TrimSpace(string(data))
	return path, path != "", nil
}

// SetOutputMarker records the output file a resumed run should continue.
func (s *Store) SetOutputMarker(path string) error {
	return s.writeFile(markerFile, []byte(path+"\n"))
}

// Reset deletes the checkpoint and the output marker.
func (s *Store) Reset() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	return nil
}

func (s *Store) writeFile(name string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}
