package compose_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"mason/async"
	"mason/compose"
	"mason/delta"
	"mason/pathset"
	"mason/persist"
	"mason/witness"
)

type fixture struct {
	rt       *async.Runtime
	store    *persist.Store
	checker  *delta.Checker
	registry *witness.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rt := async.NewRuntime()
	t.Cleanup(rt.Close)
	s, err := persist.Open(filepath.Join(t.TempDir(), "journal.json"))
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		rt:       rt,
		store:    s,
		checker:  delta.NewChecker(rt, s, nil),
		registry: witness.Open(s),
	}
}

func TestExecuteRunsOnFirstBuild(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.txt")
	out := filepath.Join(dir, "out.txt")
	os.WriteFile(in, []byte("hello"), 0o644)

	f := newFixture(t)
	step := compose.Step{
		Owner:  "test.copy",
		Output: compose.PathDep(pathset.MustNew(out)),
		Deps:   []compose.Dependency{compose.PathDep(pathset.MustNew(in))},
		Dir:    dir,
		Argv:   []string{"cp", in, out},
	}
	ctx := context.Background()
	if err := compose.Execute(ctx, f.rt, f.checker, f.registry, nil, nil, step); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected output to be created: %v", err)
	}
}

func TestExecuteSkipsNoOpRebuild(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.txt")
	out := filepath.Join(dir, "out.txt")
	os.WriteFile(in, []byte("hello"), 0o644)

	f := newFixture(t)
	step := compose.Step{
		Owner:  "test.copy",
		Output: compose.PathDep(pathset.MustNew(out)),
		Deps:   []compose.Dependency{compose.PathDep(pathset.MustNew(in))},
		Dir:    dir,
		Argv:   []string{"cp", in, out},
	}
	ctx := context.Background()
	if err := compose.Execute(ctx, f.rt, f.checker, f.registry, nil, nil, step); err != nil {
		t.Fatal(err)
	}
	info1, _ := os.Stat(out)

	decision, err := compose.Decide(ctx, f.checker, f.registry, step)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Rebuild {
		t.Fatalf("expected no-op rebuild, got Rebuild=true: %s", decision.Reason)
	}

	// A second run opens a fresh registry over the same journal; the first
	// run's lock on out does not carry over into it.
	nextRun := witness.Open(f.store)
	if err := compose.Execute(ctx, f.rt, f.checker, nextRun, nil, nil, step); err != nil {
		t.Fatal(err)
	}
	info2, _ := os.Stat(out)
	if !info1.ModTime().Equal(info2.ModTime()) {
		t.Fatal("output was rewritten on a no-op rebuild")
	}
}

func TestExecuteFailsOnNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	f := newFixture(t)
	step := compose.Step{
		Owner:  "test.fail",
		Output: compose.PathDep(pathset.MustNew(out)),
		Dir:    dir,
		Argv:   []string{"false"},
	}
	os.WriteFile(out, []byte(""), 0o644) // an existing output with no stored witness is still rebuilt
	err := compose.Execute(context.Background(), f.rt, f.checker, f.registry, nil, nil, step)
	if err == nil {
		t.Fatal("expected BuildError for a non-zero exit")
	}
	var be *compose.BuildError
	if !asBuildError(err, &be) {
		t.Fatalf("expected *compose.BuildError, got %T: %v", err, err)
	}
}

func asBuildError(err error, target **compose.BuildError) bool {
	be, ok := err.(*compose.BuildError)
	if ok {
		*target = be
	}
	return ok
}

func TestDependencyWitnessIgnoresDeclarationOrder(t *testing.T) {
	dir := t.TempDir()
	inA := filepath.Join(dir, "a.txt")
	inB := filepath.Join(dir, "b.txt")
	out := filepath.Join(dir, "out.txt")
	os.WriteFile(inA, []byte("a"), 0o644)
	os.WriteFile(inB, []byte("b"), 0o644)

	f := newFixture(t)
	forward := compose.Step{
		Owner:  "test.copy",
		Output: compose.PathDep(pathset.MustNew(out)),
		Deps: []compose.Dependency{
			compose.PathDep(pathset.MustNew(inA)),
			compose.PathDep(pathset.MustNew(inB)),
		},
		Dir:  dir,
		Argv: []string{"cp", inA, out},
	}
	ctx := context.Background()
	if err := compose.Execute(ctx, f.rt, f.checker, f.registry, nil, nil, forward); err != nil {
		t.Fatal(err)
	}

	// Same Owner/Output/flags, only the declared dependency order differs
	// (as if a caller had rebuilt its Deps slice from an unordered map).
	// No filesystem change occurred, so this must still read as up to date.
	reordered := forward
	reordered.Deps = []compose.Dependency{
		compose.PathDep(pathset.MustNew(inB)),
		compose.PathDep(pathset.MustNew(inA)),
	}
	decision, err := compose.Decide(ctx, f.checker, f.registry, reordered)
	if err != nil {
		t.Fatal(err)
	}
	if decision.Rebuild {
		t.Fatalf("expected reordered dependency declaration to stay up to date, got Rebuild=true: %s", decision.Reason)
	}
}

func TestFlagProfileChangeForcesRebuild(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.txt")
	out := filepath.Join(dir, "out.txt")
	os.WriteFile(in, []byte("hello"), 0o644)

	f := newFixture(t)
	step := compose.Step{
		Owner:  "test.copy",
		Output: compose.PathDep(pathset.MustNew(out)),
		Deps:   []compose.Dependency{compose.PathDep(pathset.MustNew(in))},
		Dir:    dir,
		Argv:   []string{"cp", in, out},
	}
	ctx := context.Background()
	if err := compose.Execute(ctx, f.rt, f.checker, f.registry, nil, nil, step); err != nil {
		t.Fatal(err)
	}

	debugStep := step
	debugStep.Debug = true
	decision, err := compose.Decide(ctx, f.checker, f.registry, debugStep)
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Rebuild {
		t.Fatal("expected switching Debug on to force a rebuild")
	}
}

func TestDoubleLockOfSameOutputFails(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	f := newFixture(t)
	p := pathset.MustNew(out)
	if err := f.registry.Lock(p, "owner-a"); err != nil {
		t.Fatal(err)
	}
	if err := f.registry.Lock(p, "owner-b"); err == nil {
		t.Fatal("expected duplicate-output lock error")
	}
}
