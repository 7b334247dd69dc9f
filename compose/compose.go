// Package compose implements the build-step composer: given a declared
// set of input dependencies, flags, and a command, it decides whether a
// step's previous output can be reused or must be rebuilt, and executes
// the rebuild when needed, recording a fresh witness either way.
// Grounded on _examples/original_source/mounter/operation/core.py (Gate,
// Cluster, Command, Module.add's duplicate-output detection) and
// mounter/languages/cpp.py (makeOps, the concrete preprocess/compile/link
// pipeline this package's contract is shaped to support).
package compose

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/xerrors"

	"mason/async"
	"mason/delta"
	"mason/pathset"
	"mason/progress"
	"mason/witness"
)

// BuildError is returned when a step's command exits non-zero. It
// carries the command line and captured stderr so the driver can print a
// useful diagnostic without re-running anything.
type BuildError struct {
	Argv     []string
	ExitCode int
	Stderr   []byte
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("compose: command %v failed (exit %d): %s", e.Argv, e.ExitCode, e.Stderr)
}

// Dependency is one input a Step's rebuild decision is based on: either
// a single Path (file content hash, or directory structure hash per the
// documented asymmetry) or a PathSet (recursive content hash over every
// matched file).
type Dependency struct {
	path *pathset.Path
	set  *pathset.PathSet
}

// PathDep declares a dependency on a single path.
func PathDep(p pathset.Path) Dependency { return Dependency{path: &p} }

// SetDep declares a dependency on every path matched by a PathSet.
func SetDep(ps pathset.PathSet) Dependency { return Dependency{set: &ps} }

func (d Dependency) version(ctx context.Context, checker *delta.Checker) (int, error) {
	if d.set != nil {
		return checker.QuerySet(ctx, *d.set)
	}
	return checker.Query(ctx, *d.path)
}

func (d Dependency) String() string {
	if d.set != nil {
		return d.set.String()
	}
	return d.path.String()
}

// StabilityFunc decides whether a step's output should be considered
// "stable" (reusable without re-running the command on a subsequent run
// with matching witnesses) from its captured result. Configurable per
// step kind, resolving SPEC_FULL.md Open Question 1: the original hardcodes
// "no stdout/stderr at all ⇒ stable", which DefaultStable preserves, but a
// toolchain whose compiler always emits banner text on stderr can supply
// a looser predicate instead.
type StabilityFunc func(stdout, stderr []byte, exitCode int) bool

// DefaultStable is the original's rule: a step with no captured output at
// all is considered stable; any output forces a rebuild on the next run
// regardless of matching witnesses.
func DefaultStable(stdout, stderr []byte, exitCode int) bool {
	return len(stdout) == 0 && len(stderr) == 0
}

// DerivedScanner inspects a finished step's captured stdout to discover
// additional, narrower dependencies beyond the ones declared up front —
// e.g. the compiler preprocessor's output reveals exactly which headers
// among the declared include directories were actually used. Each
// returned path is versioned and stored as a derived witness; on a later
// run, the Decide pass validates every derived witness even though it was
// never part of the original declared dependency list.
type DerivedScanner func(stdout []byte) ([]pathset.Path, error)

// Step is one build-step invocation: a command, its declared
// dependencies and flags, and the single output path it produces and
// locks for this run.
type Step struct {
	// Owner is a stable type-identity string naming the kind of step
	// (e.g. "cc.preprocess"), used both for witness ownership and to
	// detect duplicate-output conflicts the way core.py's Module.add does.
	Owner string

	Output Dependency // always a PathDep in practice; Dependency reused for symmetry
	Deps   []Dependency
	Flags  []string
	// Debug and Optimize are step-specific flag-profile booleans: they
	// participate in the rebuild decision exactly like Flags, so
	// switching a project from a debug build to a release build (or
	// back) invalidates the witness even though the declared
	// dependencies themselves haven't changed.
	Debug    bool
	Optimize bool
	Dir      string
	Argv     []string

	Stable  StabilityFunc
	Derived DerivedScanner
}

func (s Step) outputPath() pathset.Path {
	return *s.Output.path
}

// witnessFlags returns Flags plus synthetic entries for Debug/Optimize,
// so the existing sorted-flag-witness comparison also covers them
// without a separate Record field.
func (s Step) witnessFlags() []string {
	flags := append([]string(nil), s.Flags...)
	if s.Debug {
		flags = append(flags, "debug")
	}
	if s.Optimize {
		flags = append(flags, "optimize")
	}
	return flags
}

// Decision reports whether Execute needs to actually run the step's
// command.
type Decision struct {
	Rebuild bool
	Reason  string
}

// Decide computes the rebuild decision for step without running
// anything: it compares the current dependency/flag witness against the
// one stored from the previous run, validates any derived witnesses, and
// checks the output still exists and the prior run was stable.
func Decide(ctx context.Context, checker *delta.Checker, registry *witness.Registry, step Step) (Decision, error) {
	out := step.outputPath()

	if !out.IsPresent() {
		return Decision{Rebuild: true, Reason: "output missing"}, nil
	}

	stored, ok := registry.Stored(out)
	if !ok {
		return Decision{Rebuild: true, Reason: "no prior witness"}, nil
	}
	if !stored.Stable {
		return Decision{Rebuild: true, Reason: "prior run was unstable"}, nil
	}

	depVersions := make([]int, len(step.Deps))
	for i, d := range step.Deps {
		v, err := d.version(ctx, checker)
		if err != nil {
			return Decision{}, xerrors.Errorf("compose: %w", err)
		}
		depVersions[i] = v
	}
	// Compared as a sorted list of version IDs, not positionally by Deps
	// index: callers that build Deps from Go map
	// iteration (e.g. toolchain/cc's include-directory propagation) would
	// otherwise see their declaration order vary from run to run with no
	// filesystem change at all, forcing a spurious rebuild every time.
	sort.Ints(depVersions)
	storedVersions := append([]int(nil), stored.DepVersion...)
	sort.Ints(storedVersions)
	if !intsEqual(depVersions, storedVersions) {
		return Decision{Rebuild: true, Reason: "dependency versions changed"}, nil
	}

	flags := step.witnessFlags()
	sort.Strings(flags)
	storedFlags := append([]string(nil), stored.Flags...)
	sort.Strings(storedFlags)
	if !stringsEqual(flags, storedFlags) {
		return Decision{Rebuild: true, Reason: "flags changed"}, nil
	}

	for p, wantVersion := range stored.Derived {
		path, err := pathset.New(p)
		if err != nil {
			return Decision{Rebuild: true, Reason: "bad derived witness path"}, nil
		}
		ok, err := checker.Test(ctx, path, wantVersion)
		if err != nil {
			return Decision{}, xerrors.Errorf("compose: %w", err)
		}
		if !ok {
			return Decision{Rebuild: true, Reason: fmt.Sprintf("derived dependency %s changed", p)}, nil
		}
	}

	return Decision{Rebuild: false, Reason: "up to date"}, nil
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Execute locks step's output, makes the rebuild decision, and — if
// needed — runs the command, captures its result, and persists a fresh
// witness. unit, if non-nil, receives progress transitions.
func Execute(ctx context.Context, rt *async.Runtime, checker *delta.Checker, registry *witness.Registry, reporter *progress.Reporter, unit *progress.Unit, step Step) error {
	out := step.outputPath()
	if err := registry.Lock(out, step.Owner); err != nil {
		return err
	}

	decision, err := Decide(ctx, checker, registry, step)
	if err != nil {
		return err
	}
	if !decision.Rebuild {
		if reporter != nil && unit != nil {
			reporter.Set(unit, progress.UpToDate)
		}
		return nil
	}

	if reporter != nil && unit != nil {
		reporter.Set(unit, progress.Running)
	}

	sp, err := rt.Spawn(ctx, step.Dir, step.Argv)
	if err != nil {
		if reporter != nil && unit != nil {
			reporter.Set(unit, progress.Failed)
		}
		return xerrors.Errorf("compose: %w", err)
	}
	result, err := sp.Wait()
	if err != nil {
		if reporter != nil && unit != nil {
			reporter.Set(unit, progress.Failed)
		}
		return xerrors.Errorf("compose: %w", err)
	}
	if result.ExitCode != 0 {
		if reporter != nil && unit != nil {
			reporter.Set(unit, progress.Failed)
		}
		return &BuildError{Argv: step.Argv, ExitCode: result.ExitCode, Stderr: result.Stderr}
	}

	stable := step.Stable
	if stable == nil {
		stable = DefaultStable
	}

	depVersions := make([]int, len(step.Deps))
	for i, d := range step.Deps {
		v, err := d.version(ctx, checker)
		if err != nil {
			return xerrors.Errorf("compose: %w", err)
		}
		depVersions[i] = v
	}
	sort.Ints(depVersions)

	derived := map[string]int{}
	if step.Derived != nil {
		paths, err := step.Derived(result.Stdout)
		if err != nil {
			return xerrors.Errorf("compose: %w", err)
		}
		for _, p := range paths {
			v, err := checker.Query(ctx, p)
			if err != nil {
				return xerrors.Errorf("compose: %w", err)
			}
			derived[p.String()] = v
		}
	}

	registry.Save(out, witness.Record{
		Owner:      step.Owner,
		DepVersion: depVersions,
		Flags:      step.witnessFlags(),
		Derived:    derived,
		Stable:     stable(result.Stdout, result.Stderr, result.ExitCode),
	})

	if reporter != nil && unit != nil {
		reporter.Set(unit, progress.Done)
	}
	return nil
}
