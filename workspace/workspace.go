// Package workspace implements the two-phase module scheduler: a
// discovery phase in which modules register themselves and their
// dependencies (Add/Use), followed by an execution phase (Run) that
// walks the resulting topology in registration order. Grounded on
// _examples/original_source/mounter/workspace.py, following the later
// self.ws/_downstream() idiom used throughout the rest of the original
// (delta.py, persistence.py, goal.py, files.py, bridge.py) rather than
// the earlier activate(context)-based version of the same file.
package workspace

import (
	"fmt"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Module is anything registered with a Graph. Run is called once, in
// topological (dependency-first) order, during the execution phase; a
// Module that wants scoped setup/teardown calls g.Downstream() partway
// through its Run to yield to the modules registered after it, then
// resumes for teardown once Downstream returns — the same "call back
// into run()" idiom the original uses instead of a context-manager
// stack.
type Module interface {
	Key() string
	Run(g *Graph) error
}

type graphNode struct {
	id int64
	m  Module
}

func (n *graphNode) ID() int64 { return n.id }

// Graph is the module container: one Graph per build run.
type Graph struct {
	inactive map[string]func() Module // registered via Use, not yet constructed
	active   map[string]Module        // key -> constructed instance
	building map[string]bool          // keys currently mid-construction (cycle guard)

	topology []Module // registration order == dependency-first order
	appended []func() error

	deps *simple.DirectedGraph
	ids  map[string]int64
	next int64

	runCursor int // index into topology the execution phase has reached
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		inactive: map[string]func() Module{},
		active:   map[string]Module{},
		building: map[string]bool{},
		deps:     simple.NewDirectedGraph(),
		ids:      map[string]int64{},
	}
}

// Use registers a non-default implementation for a key, only constructed
// if a later Add names that key. Using a key more than once, or using a
// key that has already been added, is a programming error.
func (g *Graph) Use(key string, construct func() Module) error {
	if _, ok := g.active[key]; ok {
		return xerrors.Errorf("workspace: %s already added before Use", key)
	}
	if _, ok := g.inactive[key]; ok {
		return xerrors.Errorf("workspace: %s already has a registered implementation", key)
	}
	g.inactive[key] = construct
	return nil
}

// Add returns the active instance for key, constructing it (and
// recursively adding its dependencies) if this is the first request for
// key. Re-adding an already-active key is idempotent and simply returns
// the existing instance. Adding a key whose construction is already in
// progress higher on the call stack is an error (a dependency cycle
// between modules' own construction, as opposed to a cycle in their
// declared edges, which Close's diagnostic graph instead reports).
func (g *Graph) Add(key string, defaultConstruct func() Module) (Module, error) {
	if m, ok := g.active[key]; ok {
		return m, nil
	}
	if g.building[key] {
		return nil, xerrors.Errorf("workspace: recursive add of %s while it is still under construction", key)
	}
	construct := defaultConstruct
	if c, ok := g.inactive[key]; ok {
		construct = c
	}
	if construct == nil {
		return nil, xerrors.Errorf("workspace: no constructor registered for %s", key)
	}

	g.building[key] = true
	m := construct()
	delete(g.building, key)

	g.active[key] = m
	g.topology = append(g.topology, m)
	g.nodeFor(key)
	return m, nil
}

func (g *Graph) nodeFor(key string) int64 {
	if id, ok := g.ids[key]; ok {
		return id
	}
	id := g.next
	g.next++
	g.ids[key] = id
	g.deps.AddNode(&graphNode{id: id, m: g.active[key]})
	return id
}

// DependsOn records a diagnostic dependency edge from -> on, used only
// for the cycle-detection pass Close performs; it does not affect
// execution order, which is fixed by registration order the way the
// original intends.
func (g *Graph) DependsOn(from, on string) {
	fromID := g.nodeFor(from)
	onID := g.nodeFor(on)
	g.deps.SetEdge(g.deps.NewEdge(g.deps.Node(fromID), g.deps.Node(onID)))
}

// Close ends the discovery phase, validating that the diagnostic
// dependency graph recorded via DependsOn is acyclic. distr1-distri's
// batch scheduler (internal/batch/batch.go) uses the same gonum
// topo.Sort/topo.Unorderable pattern to detect and report cycles with
// named participants.
func (g *Graph) Close() error {
	if _, err := topo.Sort(g.deps); err != nil {
		uo, ok := err.(topo.Unorderable)
		if !ok {
			return xerrors.Errorf("workspace: %w", err)
		}
		names := cycleNames(uo)
		return xerrors.Errorf("workspace: dependency cycle among modules: %s", names)
	}
	return nil
}

func cycleNames(uo topo.Unorderable) string {
	var keys []string
	for _, component := range uo {
		for _, n := range component {
			keys = append(keys, nodeKey(n))
		}
	}
	return fmt.Sprint(keys)
}

func nodeKey(n graph.Node) string {
	gn, ok := n.(*graphNode)
	if !ok || gn.m == nil {
		return "?"
	}
	return gn.m.Key()
}

// Run walks the topology in registration (dependency-first) order,
// calling each Module's Run method once. A Module's Run may call
// g.Downstream to recurse into the remainder of the topology before
// doing its own teardown work, exactly as the original's modules depend
// on run() recursing into the next module before returning to them.
func (g *Graph) Run() error {
	g.runCursor = 0
	if err := g.Downstream(); err != nil {
		return err
	}
	for _, f := range g.appended {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

// Downstream advances the execution cursor by one module and runs it,
// which may itself call Downstream again to continue the walk. When the
// cursor reaches the end of the topology, Downstream is a no-op.
func (g *Graph) Downstream() error {
	if g.runCursor >= len(g.topology) {
		return nil
	}
	m := g.topology[g.runCursor]
	g.runCursor++
	return m.Run(g)
}

// Append registers f to run once, after every module's Run has returned,
// matching the original's workspace "append hook" (used by the task
// runtime to drain pending work after every module has had a chance to
// schedule some).
func (g *Graph) Append(f func() error) {
	g.appended = append(g.appended, f)
}

// Lookup returns the active instance for key without constructing it,
// or false if key has not been added.
func (g *Graph) Lookup(key string) (Module, bool) {
	m, ok := g.active[key]
	return m, ok
}
