package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"bbmess/pkg/logx"
)

// Store persists a Campaign as a single JSON file with atomic write-replace.
//
// Exactly one engine instance may operate on a given state file; there is no
// advisory locking, a concurrent second instance would corrupt scheduling
// decisions.
type Store struct {
	path string
	log  logx.Logger
}

func NewStore(path string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{path: path, log: log}
}

func (s *Store) Path() string { return s.path }

// Load reads the persisted campaign, creating a fresh default record when no
// file exists yet.
func (s *Store) Load(now time.Time) (*Campaign, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Info("no state file yet, starting fresh campaign", logx.String("path", s.path))
		return New(now), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var c Campaign
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", s.path, err)
	}
	if c.MeasurementDays == nil {
		c.MeasurementDays = []string{}
	}
	return &c, nil
}

// Save atomically replaces the state file (tmp + rename) so a crash never
// leaves a partially written file observable to the next run.
func (s *Store) Save(c *Campaign) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
