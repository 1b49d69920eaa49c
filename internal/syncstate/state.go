// Package syncstate persists the per-sitemap-URI "last synced" timestamp
// that gates incremental work: a small durable file keyed by
// sitemap URI, readable as {uri: iso8601-datetime}, that MUST survive
// restarts.
package syncstate

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// unsynced is the "1999" sentinel: absent state is
// treated as far enough in the past that the first incremental run observes
// the full change list.
var unsynced = time.Date(1999, time.January, 1, 0, 0, 0, 0, time.UTC)

// State is the in-memory, mutex-guarded view of the durable last-synced
// file. It is constructed fresh by the Runner at startup rather than held
// as a process-wide singleton.
type State struct {
	mu     sync.Mutex
	path   string
	synced map[string]time.Time
}

// Load reads the state file at path, if it exists, returning an empty State
// when the file is absent (first run).
func Load(path string) (*State, error) {
	s := &State{path: path, synced: make(map[string]time.Time)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("syncstate: read %s: %w", path, err)
	}

	raw := make(map[string]string)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("syncstate: parse %s: %w", path, err)
	}
	for uri, ts := range raw {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("syncstate: parse timestamp for %q: %w", uri, err)
		}
		s.synced[uri] = t
	}
	return s, nil
}

// LastSynced returns the last-synced time for uri, or the "1999" sentinel if
// no entry is recorded yet.
func (s *State) LastSynced(uri string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.synced[uri]; ok {
		return t
	}
	return unsynced
}

// Advance records t as the new last-synced time for uri, but only if t is
// strictly after the currently recorded value (or no value is recorded),
// keeping the recorded time monotone: it never decreases across
// successful cycles.
func (s *State) Advance(uri string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.synced[uri]; ok && !t.After(cur) {
		return
	}
	s.synced[uri] = t
}

// Flush persists the current state to the backing file, overwriting it.
// Call before the next Runner cycle begins, so the recorded times
// survive a restart.
func (s *State) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := make(map[string]string, len(s.synced))
	for uri, t := range s.synced {
		raw[uri] = t.UTC().Format(time.RFC3339)
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("syncstate: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("syncstate: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("syncstate: rename %s: %w", tmp, err)
	}
	return nil
}
