package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"mason/async"
	"mason/compose"
	"mason/delta"
	"mason/goal"
	"mason/pathset"
	"mason/persist"
	"mason/progress"
	"mason/witness"
)

func newSchedulerFixture(t *testing.T, sequential bool) (*scheduler, *goal.Tracker) {
	t.Helper()
	rt := async.NewRuntime()
	t.Cleanup(rt.Close)
	s, err := persist.Open(filepath.Join(t.TempDir(), "journal.json"))
	if err != nil {
		t.Fatal(err)
	}
	tracker := goal.New(io.Discard)
	sch := &scheduler{
		ctx:        context.Background(),
		rt:         rt,
		checker:    delta.NewChecker(rt, s, nil),
		registry:   witness.Open(s),
		reporter:   progress.New(io.Discard, false),
		tracker:    tracker,
		sequential: sequential,
		byOutput:   map[string]compose.Step{},
		futures:    map[string]*async.Future[struct{}]{},
	}
	return sch, tracker
}

// buildTwoGoalChain lays out two independent link chains (a and b), each
// with its own compile step, and registers them all with sch.
func buildTwoGoalChain(t *testing.T, dir string, sch *scheduler) (linkA, linkB, objA, objB string) {
	t.Helper()
	srcA := filepath.Join(dir, "a_src.txt")
	srcB := filepath.Join(dir, "b_src.txt")
	if err := os.WriteFile(srcA, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(srcB, []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}
	objA = filepath.Join(dir, "a.o")
	objB = filepath.Join(dir, "b.o")
	linkA = filepath.Join(dir, "a")
	linkB = filepath.Join(dir, "b")

	steps := []compose.Step{
		{
			Owner:  "test.compile",
			Output: compose.PathDep(pathset.MustNew(objA)),
			Deps:   []compose.Dependency{compose.PathDep(pathset.MustNew(srcA))},
			Dir:    dir,
			Argv:   []string{"cp", srcA, objA},
		},
		{
			Owner:  "cc.link",
			Output: compose.PathDep(pathset.MustNew(linkA)),
			Deps:   []compose.Dependency{compose.PathDep(pathset.MustNew(objA))},
			Dir:    dir,
			Argv:   []string{"cp", objA, linkA},
		},
		{
			Owner:  "test.compile",
			Output: compose.PathDep(pathset.MustNew(objB)),
			Deps:   []compose.Dependency{compose.PathDep(pathset.MustNew(srcB))},
			Dir:    dir,
			Argv:   []string{"cp", srcB, objB},
		},
		{
			Owner:  "cc.link",
			Output: compose.PathDep(pathset.MustNew(linkB)),
			Deps:   []compose.Dependency{compose.PathDep(pathset.MustNew(objB))},
			Dir:    dir,
			Argv:   []string{"cp", objB, linkB},
		},
	}
	for _, step := range steps {
		sch.byOutput[step.Output.String()] = step
	}
	return linkA, linkB, objA, objB
}

func TestSchedulerGatesUnactivatedGoalsBeforeWalkingDeps(t *testing.T) {
	for _, sequential := range []bool{false, true} {
		sch, tracker := newSchedulerFixture(t, sequential)
		dir := t.TempDir()
		linkA, linkB, objA, objB := buildTwoGoalChain(t, dir, sch)
		tracker.Activate("a") // "b" is never activated

		roots := []*async.Future[struct{}]{
			sch.future(sch.byOutput[linkA].Output.String()),
			sch.future(sch.byOutput[linkB].Output.String()),
		}
		if _, err := async.GatherTuple(roots); err != nil {
			t.Fatalf("sequential=%v: %v", sequential, err)
		}

		if _, err := os.Stat(linkA); err != nil {
			t.Fatalf("sequential=%v: expected activated goal a to be built: %v", sequential, err)
		}
		if _, err := os.Stat(objA); err != nil {
			t.Fatalf("sequential=%v: expected a's dependency to be built: %v", sequential, err)
		}
		if _, err := os.Stat(linkB); err == nil {
			t.Fatalf("sequential=%v: unactivated goal b should not have been built", sequential)
		}
		if _, err := os.Stat(objB); err == nil {
			t.Fatalf("sequential=%v: unactivated goal b's dependency should never have been scheduled", sequential)
		}
	}
}

func TestSchedulerMemoizesSharedDependency(t *testing.T) {
	sch, tracker := newSchedulerFixture(t, true)
	dir := t.TempDir()
	shared := filepath.Join(dir, "shared.o")
	src := filepath.Join(dir, "shared_src.txt")
	if err := os.WriteFile(src, []byte("shared"), 0o644); err != nil {
		t.Fatal(err)
	}
	linkA := filepath.Join(dir, "a")
	linkB := filepath.Join(dir, "b")

	sch.byOutput[shared] = compose.Step{
		Owner:  "test.compile",
		Output: compose.PathDep(pathset.MustNew(shared)),
		Deps:   []compose.Dependency{compose.PathDep(pathset.MustNew(src))},
		Dir:    dir,
		Argv:   []string{"cp", src, shared},
	}
	sch.byOutput[linkA] = compose.Step{
		Owner:  "cc.link",
		Output: compose.PathDep(pathset.MustNew(linkA)),
		Deps:   []compose.Dependency{compose.PathDep(pathset.MustNew(shared))},
		Dir:    dir,
		Argv:   []string{"cp", shared, linkA},
	}
	sch.byOutput[linkB] = compose.Step{
		Owner:  "cc.link",
		Output: compose.PathDep(pathset.MustNew(linkB)),
		Deps:   []compose.Dependency{compose.PathDep(pathset.MustNew(shared))},
		Dir:    dir,
		Argv:   []string{"cp", shared, linkB},
	}
	tracker.Activate("a")
	tracker.Activate("b")

	roots := []*async.Future[struct{}]{sch.future(linkA), sch.future(linkB)}
	if _, err := async.GatherTuple(roots); err != nil {
		t.Fatal(err)
	}
	if f1, f2 := sch.future(shared), sch.future(shared); f1 != f2 {
		t.Fatal("expected the shared dependency to be memoized to a single future")
	}
}
