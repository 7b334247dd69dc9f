// Package delta implements the content-delta service: MD5 content
// hashing of files, directory structure, and path sets, with monotonic
// version-ID assignment and a revisions map so that content returning to
// a previously-seen state regains its old version ID. Grounded on
// _examples/original_source/mounter/delta.py.
package delta

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"mason/async"
	"mason/pathset"
	"mason/persist"
)

const typeIdentity = "delta.Checker"

// Checker owns every PathCheck created during a run and is the unit
// registered with persist.Store under a single type-identity key,
// matching FileDeltaChecker.
type Checker struct {
	mu       sync.Mutex
	runtime  *async.Runtime
	store    map[string]any // persist.Store.Lookup(typeIdentity)
	ignored  []pathset.PathSet
	checks   map[string]*PathCheck
	versions sync.Mutex
	nextID   int
	once     *async.Once[string, hashResult]
}

// NewChecker constructs a Checker backed by s, restoring any previously
// persisted per-path records (including each path's assigned version ID,
// so the counter in Checker continues from the highest seen rather than
// restarting at zero).
func NewChecker(r *async.Runtime, s *persist.Store, ignored []pathset.PathSet) *Checker {
	c := &Checker{
		runtime: r,
		store:   s.Lookup(typeIdentity),
		ignored: ignored,
		checks:  map[string]*PathCheck{},
		once:    async.NewOnce[string, hashResult](),
	}
	for _, raw := range c.store {
		rec, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if v, ok := rec["version"].(float64); ok && int(v) >= c.nextID {
			c.nextID = int(v) + 1
		}
		revs, _ := rec["revisions"].(map[string]any)
		for _, rv := range revs {
			if v, ok := rv.(float64); ok && int(v) >= c.nextID {
				c.nextID = int(v) + 1
			}
		}
	}
	return c
}

func (c *Checker) isIgnored(p pathset.Path) bool {
	for _, ig := range c.ignored {
		if ig.Contains(p) {
			return true
		}
	}
	return false
}

func (c *Checker) lookup(p pathset.Path) *PathCheck {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := p.String()
	pc, ok := c.checks[key]
	if !ok {
		rec, ok := c.store[key].(map[string]any)
		if !ok {
			rec = map[string]any{}
			c.store[key] = rec
		}
		pc = &PathCheck{checker: c, path: p, record: rec}
		c.checks[key] = pc
	}
	return pc
}

func (c *Checker) allocateVersion(hash string) int {
	c.versions.Lock()
	defer c.versions.Unlock()
	// A hash seen before (recorded on ANY path's revisions map) regains
	// its prior version ID rather than minting a new one.
	c.mu.Lock()
	checks := make([]*PathCheck, 0, len(c.checks))
	for _, pc := range c.checks {
		checks = append(checks, pc)
	}
	c.mu.Unlock()
	for _, pc := range checks {
		if id, ok := pc.revisionFor(hash); ok {
			return id
		}
	}
	id := c.nextID
	c.nextID++
	return id
}

// Query refreshes and returns the current version ID for the single path
// p (-1 if p is absent). QuerySet is the PathSet counterpart.
func (c *Checker) Query(ctx context.Context, p pathset.Path) (int, error) {
	pc := c.lookup(p)
	return pc.refresh(ctx)
}

// QuerySet refreshes and returns the current version ID for the
// recursive content of every path matched by ps.
func (c *Checker) QuerySet(ctx context.Context, ps pathset.PathSet) (int, error) {
	if ps.IsSingleton() {
		return c.Query(ctx, ps.SingletonPath())
	}
	pc := c.lookupSet(ps)
	return pc.refresh(ctx)
}

func (c *Checker) lookupSet(ps pathset.PathSet) *PathCheck {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := "set:" + ps.String()
	pc, ok := c.checks[key]
	if !ok {
		rec, ok := c.store[key].(map[string]any)
		if !ok {
			rec = map[string]any{}
			c.store[key] = rec
		}
		pc = &PathCheck{checker: c, set: &ps, record: rec}
		c.checks[key] = pc
	}
	return pc
}

// Test reports whether version is still the current version ID for the
// path p it was obtained from (found by re-querying p).
func (c *Checker) Test(ctx context.Context, p pathset.Path, version int) (bool, error) {
	got, err := c.Query(ctx, p)
	if err != nil {
		return false, err
	}
	return got == version, nil
}

// Clear discards p's cached hash, version and mtime, forcing the next
// Query to recompute from disk. p's revisions map is kept, so content
// that returns to an earlier state regains its earlier version ID.
func (c *Checker) Clear(p pathset.Path) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := p.String()
	delete(c.checks, key)
	if rec, ok := c.store[key].(map[string]any); ok {
		delete(rec, "hash")
		delete(rec, "version")
		delete(rec, "mtime")
	}
	c.once.Forget(key)
}

type hashResult struct {
	hash    string
	version int
}

// PathCheck is the per-path (or per-set) cached hash/version record. It
// holds a non-owning back-reference to its Checker, matching the
// original's design: the Checker owns the PathCheck, never the reverse.
type PathCheck struct {
	checker *Checker
	path    pathset.Path
	set     *pathset.PathSet
	record  map[string]any

	mu       sync.Mutex
	revision map[string]int
}

func (pc *PathCheck) revisionFor(hash string) (int, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.revision == nil {
		pc.loadRevisions()
	}
	id, ok := pc.revision[hash]
	return id, ok
}

func (pc *PathCheck) loadRevisions() {
	pc.revision = map[string]int{}
	raw, ok := pc.record["revisions"].(map[string]any)
	if !ok {
		return
	}
	for hash, v := range raw {
		if f, ok := v.(float64); ok {
			pc.revision[hash] = int(f)
		}
	}
}

func (pc *PathCheck) saveRevision(hash string, version int) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.revision == nil {
		pc.loadRevisions()
	}
	pc.revision[hash] = version
	out := make(map[string]any, len(pc.revision))
	for h, v := range pc.revision {
		out[h] = float64(v)
	}
	pc.record["revisions"] = out
}

func (pc *PathCheck) key() string {
	if pc.set != nil {
		return "set:" + pc.set.String()
	}
	return pc.path.String()
}

// refresh recomputes pc's hash if its mtime fast-path indicates it might
// have changed (directories and sets have no mtime fast path and are
// always rehashed), assigns or reuses a version ID, and persists both.
func (pc *PathCheck) refresh(ctx context.Context) (int, error) {
	checker := pc.checker
	key := pc.key()
	future := checker.once.Get(key, func() (hashResult, error) {
		isFile := pc.set == nil && pc.path.IsPresent() && !pc.path.IsDirectory()
		var mtimeStamp string
		if isFile {
			mtimeStamp = pc.path.ModTime().Format(time.RFC3339Nano)
			if stored, ok := pc.record["mtime"].(string); ok && stored == mtimeStamp {
				if hash, ok := pc.record["hash"].(string); ok {
					if v, ok := pc.record["version"].(float64); ok {
						return hashResult{hash: hash, version: int(v)}, nil
					}
				}
			}
		}

		hash, err := pc.computeHash(ctx)
		if err != nil {
			return hashResult{}, err
		}
		if hash == "" {
			// Absent path: clear stored state and report no version.
			delete(pc.record, "hash")
			delete(pc.record, "version")
			delete(pc.record, "mtime")
			return hashResult{}, nil
		}
		if stored, ok := pc.record["hash"].(string); ok && stored == hash {
			if v, ok := pc.record["version"].(float64); ok {
				if isFile {
					pc.record["mtime"] = mtimeStamp
				}
				return hashResult{hash: hash, version: int(v)}, nil
			}
		}
		version := checker.allocateVersion(hash)
		pc.record["hash"] = hash
		pc.record["version"] = float64(version)
		if isFile {
			pc.record["mtime"] = mtimeStamp
		}
		pc.saveRevision(hash, version)
		return hashResult{hash: hash, version: version}, nil
	})
	r, err := future.Get()
	if err != nil {
		return 0, err
	}
	if r.hash == "" {
		return -1, nil
	}
	return r.version, nil
}

func (pc *PathCheck) computeHash(ctx context.Context) (string, error) {
	if pc.set != nil {
		return pc.checker.hashSet(ctx, *pc.set)
	}
	return pc.checker.hashPath(ctx, pc.path)
}

// hashPath dispatches to file or directory hashing depending on what p
// currently is on disk.
func (c *Checker) hashPath(ctx context.Context, p pathset.Path) (string, error) {
	if !p.IsPresent() {
		return "", nil
	}
	if p.IsDirectory() {
		return c.hashDirectory(p)
	}
	return c.hashFile(ctx, p)
}

// hashFile streams p's content through MD5 in 1 MiB blocks, offloaded
// onto the runtime's worker pool since hashing is blocking work.
func (c *Checker) hashFile(ctx context.Context, p pathset.Path) (string, error) {
	f := async.Offload(ctx, c.runtime, func() (string, error) {
		return hashFileSync(p)
	})
	return f.Get()
}

func hashFileSync(p pathset.Path) (string, error) {
	f, err := os.Open(p.String())
	if err != nil {
		return "", xerrors.Errorf("delta: %w", err)
	}
	defer f.Close()
	h := md5.New()
	buf := make([]byte, 1<<20)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", xerrors.Errorf("delta: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashDirectory hashes ONLY the structure of p's immediate children
// (type tag + name), not their content — a deliberate asymmetry with set
// hashing documented in DESIGN.md and SPEC_FULL.md §5.
func (c *Checker) hashDirectory(p pathset.Path) (string, error) {
	children, err := p.Children(true)
	if err != nil {
		return "", xerrors.Errorf("delta: %w", err)
	}
	h := md5.New()
	for _, child := range children {
		if c.isIgnored(child) {
			continue
		}
		tag := "f"
		if child.IsDirectory() {
			tag = "d"
		}
		fmt.Fprintf(h, "%s\x00%s\x00", tag, child.GetName())
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashSet recursively content-hashes every path matched by ps, combining
// (path, content-hash) pairs in deterministic sorted order.
func (c *Checker) hashSet(ctx context.Context, ps pathset.PathSet) (string, error) {
	matches, err := ps.FindAll()
	if err != nil {
		return "", xerrors.Errorf("delta: %w", err)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Less(matches[j]) })
	h := md5.New()
	for _, m := range matches {
		if m.IsDirectory() || c.isIgnored(m) {
			continue
		}
		sub, err := c.hashFile(ctx, m)
		if err != nil {
			return "", err
		}
		rel, _ := m.RelativeTo(ps.Root())
		fmt.Fprintf(h, "%s\x00%s\x00", rel, sub)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
