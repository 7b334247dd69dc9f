// Package witness implements the file-lock/witness registry: exactly one
// owner per output path per run, plus the witness records (dependency
// version IDs, flag strings, derived witnesses, and the "stable" flag)
// used to decide whether a build step's prior output can be reused.
// Grounded on _examples/original_source/mounter/operation/files.py
// (FileManagement.lock and the stale-entry prune-on-teardown loop).
package witness

import (
	"sort"
	"sync"

	"golang.org/x/xerrors"

	"mason/pathset"
	"mason/persist"
)

const typeIdentity = "witness.Registry"

// Record is the persisted shape of one output path's witness: the
// version IDs of its declared dependencies (compose sorts them ascending
// before Save, so the order a caller happened to declare them in never
// causes a spurious rebuild; Save itself stores them as given), its flag
// strings (sorted by Save so command-line argument
// order never causes a spurious rebuild), any derived witnesses (e.g.
// actually-used headers) keyed by path, and whether the step that
// produced it was stable (no stdout/stderr) — an unstable step is
// unconditionally rebuilt on the next run regardless of matching
// witnesses.
type Record struct {
	Owner      string         `json:"owner"`
	DepVersion []int          `json:"depVersions"`
	Flags      []string       `json:"flags"`
	Derived    map[string]int `json:"derived"`
	Stable     bool           `json:"stable"`
}

// Registry tracks one Record per output path for the current run, backed
// by a persist.Store sub-map.
type Registry struct {
	mu      sync.Mutex
	store   map[string]any
	owners  map[string]string // path -> owning type identity, THIS run only
}

// Open returns a Registry backed by s.
func Open(s *persist.Store) *Registry {
	return &Registry{
		store:  s.Lookup(typeIdentity),
		owners: map[string]string{},
	}
}

// Lock claims path for owner (a stable type-identity string naming the
// build-step kind). A second Lock of the same path within the same run,
// by any owner, is an error — exactly one module may produce a given
// output per run, matching FileManagement.lock's duplicate-lock
// assertion.
func (r *Registry) Lock(path pathset.Path, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := path.String()
	if existing, ok := r.owners[key]; ok {
		return xerrors.Errorf("witness: %s already locked by %s (requested by %s)", path, existing, owner)
	}
	r.owners[key] = owner
	return nil
}

// Stored returns the previously persisted Record for path, if any.
func (r *Registry) Stored(path pathset.Path) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, ok := r.store[path.String()]
	if !ok {
		return Record{}, false
	}
	rec, ok := decodeRecord(raw)
	return rec, ok
}

// Save records rec as path's witness for this run.
func (r *Registry) Save(path pathset.Path, rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.Strings(rec.Flags)
	r.store[path.String()] = encodeRecord(rec)
}

// Prune removes any persisted witness whose owner does not match this
// run's lock owner for that path — an output that was produced by a
// different step kind in a prior run than the one that now owns it has a
// stale, incomparable witness and must be treated as absent, exactly as
// FileManagement.run's teardown prune does.
func (r *Registry) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, raw := range r.store {
		rec, ok := decodeRecord(raw)
		if !ok {
			continue
		}
		owner, locked := r.owners[key]
		if !locked || owner != rec.Owner {
			delete(r.store, key)
		}
	}
}

func decodeRecord(raw any) (Record, bool) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Record{}, false
	}
	rec := Record{Derived: map[string]int{}}
	if o, ok := m["owner"].(string); ok {
		rec.Owner = o
	}
	if v, ok := m["stable"].(bool); ok {
		rec.Stable = v
	}
	if list, ok := m["depVersions"].([]any); ok {
		for _, item := range list {
			if f, ok := item.(float64); ok {
				rec.DepVersion = append(rec.DepVersion, int(f))
			}
		}
	}
	if list, ok := m["flags"].([]any); ok {
		for _, item := range list {
			if s, ok := item.(string); ok {
				rec.Flags = append(rec.Flags, s)
			}
		}
	}
	if derived, ok := m["derived"].(map[string]any); ok {
		for k, v := range derived {
			if f, ok := v.(float64); ok {
				rec.Derived[k] = int(f)
			}
		}
	}
	return rec, true
}

func encodeRecord(rec Record) map[string]any {
	derived := make(map[string]any, len(rec.Derived))
	for k, v := range rec.Derived {
		derived[k] = float64(v)
	}
	deps := make([]any, len(rec.DepVersion))
	for i, v := range rec.DepVersion {
		deps[i] = float64(v)
	}
	flags := make([]any, len(rec.Flags))
	for i, v := range rec.Flags {
		flags[i] = v
	}
	return map[string]any{
		"owner":       rec.Owner,
		"depVersions": deps,
		"flags":       flags,
		"derived":     derived,
		"stable":      rec.Stable,
	}
}
