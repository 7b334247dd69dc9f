// Package persist implements the single-journal persistence layer: a
// JSON document keyed by stable, code-structural "type identity" strings,
// loaded once at workspace start and discarded whole if its recorded
// creation time is more than 30 days old. Grounded on
// _examples/original_source/mounter/persistence.py.
package persist

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// MaxAge is how long a journal is trusted before a full reset, matching
// the original's hardcoded 30-day invalidation window.
const MaxAge = 30 * 24 * time.Hour

const metaKey = "persist.meta"

// Store is the in-memory, loaded journal. It is not safe for concurrent
// use by multiple goroutines without external synchronization — callers
// coordinate through the workspace scheduler, which runs persistence
// strictly before any module that touches it, per the original's
// documented ordering requirement ("depending on both persistence and
// asyncio, specify persistence as a dependency first").
type Store struct {
	path string
	data map[string]map[string]any
}

// Open loads path if present and recent enough, or starts a fresh store.
// A store older than MaxAge (by its recorded creation timestamp) is
// discarded in its entirety, not merged.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: map[string]map[string]any{}}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.reset()
			return s, nil
		}
		return nil, xerrors.Errorf("persist: %w", err)
	}

	var loaded map[string]map[string]any
	if err := json.Unmarshal(raw, &loaded); err != nil {
		// A corrupt journal is treated the same as a stale one: start over
		// rather than fail the whole run over recoverable state.
		s.reset()
		return s, nil
	}

	created, ok := loaded[metaKey]["created"].(float64)
	if !ok || time.Since(time.Unix(int64(created), 0)) > MaxAge {
		s.reset()
		return s, nil
	}

	s.data = loaded
	return s, nil
}

func (s *Store) reset() {
	s.data = map[string]map[string]any{
		metaKey: {"created": float64(nowUnix())},
	}
}

var nowUnix = func() int64 { return time.Now().Unix() }

// Lookup returns the mutable sub-map for the given type identity,
// creating it if absent, matching Persistence.lookup.
func (s *Store) Lookup(typeIdentity string) map[string]any {
	m, ok := s.data[typeIdentity]
	if !ok {
		m = map[string]any{}
		s.data[typeIdentity] = m
	}
	return m
}

// Prune removes empty sub-maps, called before Save so a journal that
// shrank back to nothing doesn't accumulate empty entries across runs.
func (s *Store) Prune() {
	for k, m := range s.data {
		if k == metaKey {
			continue
		}
		if len(m) == 0 {
			delete(s.data, k)
		}
	}
}

// Save writes the journal atomically, pruning empty sub-maps first, with
// compact sorted-key JSON to keep the on-disk format stable across runs
// (the original's _savePersistenceFile sorts keys for the same reason).
func (s *Store) Save() error {
	s.Prune()
	raw, err := json.Marshal(s.data)
	if err != nil {
		return xerrors.Errorf("persist: %w", err)
	}
	if err := renameio.WriteFile(s.path, raw, 0o644); err != nil {
		return xerrors.Errorf("persist: %w", err)
	}
	return nil
}
