package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/xerrors"

	"mason/async"
	"mason/compose"
	"mason/delta"
	"mason/goal"
	"mason/pathset"
	"mason/persist"
	"mason/progress"
	"mason/toolchain/cc"
	"mason/tracelog"
	"mason/witness"
	"mason/workspace"
)

const buildHelp = `mason build [-flags]

Build a project's activated goals incrementally.

Example:
  % mason build -project=./myapp -goal=myapp
`

// ignoredPatterns names the directories the delta service's hashing
// passes over, the project's own build-output analogue of the original's
// __pycache__/.git skip list.
var ignoredPatterns = []string{"**/.git/**", "**/obj/**", "**/bin/**", "**/src-pp/**"}

func cmdbuild(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("build", flag.ExitOnError)
	project := fset.String("project", "", "path to the project source tree to build (required)")
	goalsFlag := fset.String("goal", "", "comma-separated goal names to activate (default: every discovered executable)")
	verbose := fset.Bool("v", false, "print one line per build-step state transition")
	dbg := fset.Bool("dbg", false, "build with debug info (-g -O0)")
	optimize := fset.Bool("optimize", false, "build with optimizations enabled (-O3)")
	sequential := fset.Bool("sequential", false, "run build steps one at a time instead of concurrently")
	fset.Usage = usage(fset, buildHelp)
	fset.Parse(args)

	if *project == "" {
		return xerrors.New("mason build: -project is required")
	}
	root, err := pathset.New(*project)
	if err != nil {
		return xerrors.Errorf("mason build: %w", err)
	}
	if !root.IsDirectory() {
		return xerrors.Errorf("mason build: %s is not a directory", root)
	}

	b := &builder{
		ctx:        ctx,
		root:       root,
		verbose:    *verbose,
		debug:      *dbg,
		optimize:   *optimize,
		sequential: *sequential,
	}
	if *goalsFlag != "" {
		for _, g := range strings.Split(*goalsFlag, ",") {
			if g = strings.TrimSpace(g); g != "" {
				b.requestedGoals = append(b.requestedGoals, g)
			}
		}
	}

	g := workspace.New()

	persistMod := &persistModule{path: root.Subpath(".mason-journal.json").String()}
	if _, err := g.Add("persist", func() workspace.Module { return persistMod }); err != nil {
		return err
	}

	runtimeMod := &runtimeModule{}
	if _, err := g.Add("runtime", func() workspace.Module { return runtimeMod }); err != nil {
		return err
	}
	g.DependsOn("runtime", "persist")

	var ignored []pathset.PathSet
	for _, pat := range ignoredPatterns {
		ps, err := pathset.Compile(root, pat)
		if err != nil {
			return xerrors.Errorf("mason build: %w", err)
		}
		ignored = append(ignored, ps)
	}
	deltaMod := &deltaModule{persist: persistMod, runtime: runtimeMod, ignored: ignored}
	if _, err := g.Add("delta", func() workspace.Module { return deltaMod }); err != nil {
		return err
	}
	g.DependsOn("delta", "persist")
	g.DependsOn("delta", "runtime")

	witnessMod := &witnessModule{persist: persistMod}
	if _, err := g.Add("witness", func() workspace.Module { return witnessMod }); err != nil {
		return err
	}
	g.DependsOn("witness", "persist")

	goalMod := &goalModule{}
	if _, err := g.Add("goal", func() workspace.Module { return goalMod }); err != nil {
		return err
	}

	progressMod := &progressModule{verbose: b.verbose}
	if _, err := g.Add("progress", func() workspace.Module { return progressMod }); err != nil {
		return err
	}

	b.deltaMod, b.witnessMod, b.goalMod, b.progressMod, b.runtimeMod = deltaMod, witnessMod, goalMod, progressMod, runtimeMod
	projectMod := &projectModule{b: b}
	if _, err := g.Add("project", func() workspace.Module { return projectMod }); err != nil {
		return err
	}
	for _, dep := range []string{"delta", "witness", "goal", "progress", "runtime"} {
		g.DependsOn("project", dep)
	}

	if err := g.Close(); err != nil {
		return err
	}

	return g.Run()
}

// builder carries the command-line configuration and the module
// instances the project step needs once every dependency module has run
// its own setup, threaded through workspace modules rather than package
// globals, treating persistence as a scoped resource rather than a singleton.
type builder struct {
	ctx            context.Context
	root           pathset.Path
	requestedGoals []string
	verbose        bool
	debug          bool
	optimize       bool
	sequential     bool

	deltaMod    *deltaModule
	witnessMod  *witnessModule
	goalMod     *goalModule
	progressMod *progressModule
	runtimeMod  *runtimeModule
}

// persistModule opens the journal on Run and saves it on teardown,
// unconditionally, so that steps completed before a later failure or
// interrupt remain cached for the next run.
type persistModule struct {
	path  string
	store *persist.Store
}

func (m *persistModule) Key() string { return "persist" }

func (m *persistModule) Run(g *workspace.Graph) error {
	s, err := persist.Open(m.path)
	if err != nil {
		return xerrors.Errorf("mason build: opening journal: %w", err)
	}
	m.store = s
	runErr := g.Downstream()
	if saveErr := s.Save(); saveErr != nil && runErr == nil {
		runErr = xerrors.Errorf("mason build: saving journal: %w", saveErr)
	}
	return runErr
}

// runtimeModule owns the process-wide async.Runtime, registered right
// after persist since any module depending on persistence must be
// registered before the async runtime that drives its background work.
type runtimeModule struct {
	rt *async.Runtime
}

func (m *runtimeModule) Key() string { return "runtime" }

func (m *runtimeModule) Run(g *workspace.Graph) error {
	m.rt = async.NewRuntime()
	defer m.rt.Close()
	return g.Downstream()
}

type deltaModule struct {
	persist *persistModule
	runtime *runtimeModule
	ignored []pathset.PathSet
	checker *delta.Checker
}

func (m *deltaModule) Key() string { return "delta" }

func (m *deltaModule) Run(g *workspace.Graph) error {
	m.checker = delta.NewChecker(m.runtime.rt, m.persist.store, m.ignored)
	return g.Downstream()
}

// witnessModule prunes stale cross-owner witnesses on teardown, after
// every build step in the run has had a chance to lock its output.
type witnessModule struct {
	persist  *persistModule
	registry *witness.Registry
}

func (m *witnessModule) Key() string { return "witness" }

func (m *witnessModule) Run(g *workspace.Graph) error {
	m.registry = witness.Open(m.persist.store)
	err := g.Downstream()
	m.registry.Prune()
	return err
}

type goalModule struct {
	tracker *goal.Tracker
}

func (m *goalModule) Key() string { return "goal" }

func (m *goalModule) Run(g *workspace.Graph) error {
	m.tracker = goal.New(os.Stderr)
	err := g.Downstream()
	m.tracker.Finish()
	return err
}

type progressModule struct {
	verbose  bool
	reporter *progress.Reporter
}

func (m *progressModule) Key() string { return "progress" }

func (m *progressModule) Run(g *workspace.Graph) error {
	m.reporter = progress.New(os.Stdout, m.verbose)
	err := g.Downstream()
	m.reporter.Summary()
	return err
}

// projectModule is the workspace leaf: it discovers the project's
// translation units, plans the preprocess/compile/link step chain via
// toolchain/cc, and drives the dependency-ordered scheduler. It has no
// dependents of its own, so Downstream is a no-op, but calling it keeps
// every module's Run shaped the same way.
type projectModule struct {
	b *builder
}

func (m *projectModule) Key() string { return "project" }

func (m *projectModule) Run(g *workspace.Graph) error {
	if err := m.b.build(); err != nil {
		return err
	}
	return g.Downstream()
}

// build discovers translation units, plans the step chain, and executes
// it through a dependency-ordered scheduler, gating each goal's link step
// on activation.
func (b *builder) build() error {
	mains, others, err := discoverUnits(b.root)
	if err != nil {
		return xerrors.Errorf("mason build: discovering sources: %w", err)
	}

	group := compose.NewGroup()
	for _, u := range others {
		group.AddUnit(u, false)
	}
	for _, u := range mains {
		group.AddUnit(u, true)
	}
	group.AddInclude(b.root, false)

	tc := cc.New(b.root, b.root.Subpath("obj"), b.root.Subpath("src-pp"), b.root.Subpath("bin"))
	tc.Debug = b.debug
	tc.Optimize = b.optimize

	steps := tc.Plan(group)

	activated := map[string]bool{}
	for _, name := range b.requestedGoals {
		activated[name] = true
	}
	activateAll := len(b.requestedGoals) == 0
	for _, u := range mains {
		name := strings.TrimSuffix(u.GetName(), ".cpp")
		b.goalMod.tracker.Define(name)
		if activateAll {
			b.goalMod.tracker.Activate(name)
		}
	}
	for name := range activated {
		b.goalMod.tracker.Activate(name)
	}

	s := &scheduler{
		ctx:        b.ctx,
		rt:         b.runtimeMod.rt,
		checker:    b.deltaMod.checker,
		registry:   b.witnessMod.registry,
		reporter:   b.progressMod.reporter,
		tracker:    b.goalMod.tracker,
		sequential: b.sequential,
		byOutput:   map[string]compose.Step{},
		futures:    map[string]*async.Future[struct{}]{},
	}
	for _, step := range steps {
		s.byOutput[step.Output.String()] = step
	}

	var roots []*async.Future[struct{}]
	for _, step := range steps {
		if step.Owner != "cc.link" {
			continue
		}
		roots = append(roots, s.future(step.Output.String()))
	}

	_, err = async.GatherTuple(roots)
	return err
}

// discoverUnits walks root for .cpp files, treating any file literally
// named main.cpp as the entry point for an executable goal named after
// its containing source file (e.g. main.cpp -> goal "main"), and every
// other .cpp file as a linkable translation unit shared across goals.
func discoverUnits(root pathset.Path) (mains, others []pathset.Path, err error) {
	ps, err := pathset.Compile(root, "**/*.cpp")
	if err != nil {
		return nil, nil, err
	}
	paths, err := ps.FindAll()
	if err != nil {
		return nil, nil, err
	}
	for _, p := range paths {
		if p.GetName() == "main.cpp" {
			mains = append(mains, p)
		} else {
			others = append(others, p)
		}
	}
	return mains, others, nil
}

// scheduler executes compose.Step values in dependency order: a step's
// declared Deps are matched against other steps' Output to discover
// intra-build predecessors, and each step is only scheduled once
// (memoized by output path), mirroring the "concurrent callers join the
// same task" single-flight discipline the delta service uses and
// generalizing it to the whole step graph. Link steps
// additionally gate on goal activation before pulling in their
// dependency chain at all, so an unrequested goal's private translation
// units are never even scheduled.
type scheduler struct {
	ctx        context.Context
	rt         *async.Runtime
	checker    *delta.Checker
	registry   *witness.Registry
	reporter   *progress.Reporter
	tracker    *goal.Tracker
	sequential bool

	mu       sync.Mutex
	byOutput map[string]compose.Step
	futures  map[string]*async.Future[struct{}]
}

func (s *scheduler) future(key string) *async.Future[struct{}] {
	s.mu.Lock()
	if f, ok := s.futures[key]; ok {
		s.mu.Unlock()
		return f
	}
	step := s.byOutput[key]
	f := async.NewFuture[struct{}]()
	s.futures[key] = f
	s.mu.Unlock()

	if s.sequential {
		s.run(step, f)
	} else {
		go s.run(step, f)
	}
	return f
}

func (s *scheduler) run(step compose.Step, f *async.Future[struct{}]) {
	if step.Owner == "cc.link" {
		base := filepath.Base(step.Output.String())
		name := strings.TrimSuffix(base, filepath.Ext(base))
		if !s.tracker.DefineThenQuery(name) {
			unit := s.reporter.Add(step.Output.String())
			s.reporter.Set(unit, progress.Skipped)
			f.Resolve(struct{}{})
			return
		}
	}

	var depFutures []*async.Future[struct{}]
	for _, dep := range step.Deps {
		key := dep.String()
		if _, ok := s.byOutput[key]; ok {
			depFutures = append(depFutures, s.future(key))
		}
	}
	for _, df := range depFutures {
		if _, err := df.Get(); err != nil {
			f.Reject(err)
			return
		}
	}

	unit := s.reporter.Add(step.Output.String())
	ev := tracelog.StepEvent(step.Owner, step.Output.String(), 0)
	err := compose.Execute(s.ctx, s.rt, s.checker, s.registry, s.reporter, unit, step)
	ev.Done()
	if err != nil {
		f.Reject(err)
		return
	}
	f.Resolve(struct{}{})
}
