package compose

import (
	"sort"

	"mason/pathset"
)

// Group accumulates a translation unit's exported includes and libraries
// transitively over "uses" edges to other groups, the way a project's
// public headers and link libraries propagate to everything that
// compiles against it. Grounded on mounter/languages/cpp.py's ClangGroup
// (add/use/updateUse): a private include is visible within its own group
// but not re-exported to dependents.
type Group struct {
	deps      []*Group
	includes  map[string]bool // path -> exported (true) or private (false)
	libraries map[string]pathset.Path
	units     map[string]bool // path -> isMain
}

// NewGroup returns an empty Group.
func NewGroup() *Group {
	return &Group{
		includes:  map[string]bool{},
		libraries: map[string]pathset.Path{},
		units:     map[string]bool{},
	}
}

// AddUnit registers a translation unit; isMain marks it as producing an
// executable rather than a linkable object.
func (g *Group) AddUnit(p pathset.Path, isMain bool) {
	g.units[p.String()] = isMain
}

// AddInclude registers a directory as an include path for this group's
// own compiles, exported to dependents unless private is true.
func (g *Group) AddInclude(p pathset.Path, private bool) {
	g.includes[p.String()] = !private
}

// AddLibrary registers p as a library this group's link steps require.
func (g *Group) AddLibrary(p pathset.Path, runtimeCopy pathset.Path) {
	g.libraries[p.String()] = runtimeCopy
}

// Use declares that g depends on dep: dep's exported includes and all of
// its libraries become visible to g once UpdateUse runs.
func (g *Group) Use(dep *Group) {
	g.deps = append(g.deps, dep)
}

// UpdateUse propagates exported includes and libraries from every
// transitively used group into g, matching ClangGroup.updateUse exactly
// (private includes never propagate; libraries always do).
func (g *Group) UpdateUse() {
	for _, dep := range g.deps {
		dep.UpdateUse()
		for inc, exported := range dep.includes {
			if exported {
				g.includes[inc] = true
			}
		}
		for lib, runtimeCopy := range dep.libraries {
			g.libraries[lib] = runtimeCopy
		}
	}
}

// Includes returns every include directory visible to this group's own
// compiles (own + propagated exported), as path strings sorted
// lexicographically so callers building argv or Dependency lists from it
// get the same order on every run regardless of Go's randomized map
// iteration.
func (g *Group) Includes() []string {
	out := make([]string, 0, len(g.includes))
	for inc := range g.includes {
		out = append(out, inc)
	}
	sort.Strings(out)
	return out
}

// Units returns this group's own translation units (not propagated),
// keyed by path with a isMain value. Use UnitPaths for a deterministic
// iteration order.
func (g *Group) Units() map[string]bool { return g.units }

// UnitPaths returns this group's own translation unit paths, sorted
// lexicographically.
func (g *Group) UnitPaths() []string {
	out := make([]string, 0, len(g.units))
	for p := range g.units {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Libraries returns the libraries visible to this group's link steps.
func (g *Group) Libraries() map[string]pathset.Path { return g.libraries }

// LibraryPaths returns this group's library paths, sorted
// lexicographically for deterministic argv/Dependency construction.
func (g *Group) LibraryPaths() []string {
	out := make([]string, 0, len(g.libraries))
	for p := range g.libraries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
