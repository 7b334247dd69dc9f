// Package cc is a minimal concrete C++ toolchain exercising the compose
// package's rebuild-decision contract end to end: preprocess, compile,
// and link steps, transitive include/library propagation via
// compose.Group, and a derived witness scanning the preprocessor's line
// markers for headers actually used. Grounded in full on
// _examples/original_source/mounter/languages/cpp.py (ClangModule,
// ClangGroup, makeOps).
package cc

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"mason/compose"
	"mason/pathset"
)

// Toolchain mirrors ClangModule's configuration knobs.
type Toolchain struct {
	Root       pathset.Path
	ObjDir     pathset.Path
	SrcDir     pathset.Path // preprocessed-output staging directory
	BinDir     pathset.Path
	Preprocess bool
	Debug      bool
	Optimize   bool
	UseLLD     bool
	Compiler   string // e.g. "clang++"
}

// New returns a Toolchain with the original's defaults (preprocess on,
// debug/optimize off).
func New(root, obj, src, bin pathset.Path) *Toolchain {
	return &Toolchain{
		Root:       root,
		ObjDir:     obj,
		SrcDir:     src,
		BinDir:     bin,
		Preprocess: true,
		Compiler:   "clang++",
	}
}

func (t *Toolchain) compileArgs() []string {
	args := []string{"-std=c++20", "-Wc++17-extensions"}
	if t.UseLLD {
		args = append(args, "-fuse-ld=lld")
	}
	if t.Debug {
		args = append(args, "-g", "-O0")
	}
	if t.Optimize {
		args = append(args, "-O3")
	}
	return args
}

// Plan emits the preprocess -> compile -> link step chain for every
// translation unit in group, plus one link Step per main file, following
// makeOps's path-derivation rules (object path = input path rebased under
// ObjDir with a toolchain-appropriate extension; preprocess output
// rebased under SrcDir as .cpp).
func (t *Toolchain) Plan(group *compose.Group) []compose.Step {
	group.UpdateUse()
	var steps []compose.Step
	args := t.compileArgs()

	var objects []pathset.Path
	var mains []pathset.Path

	includes := group.Includes()
	units := group.Units()

	for _, unitStr := range group.UnitPaths() {
		isMain := units[unitStr]
		unit := pathset.MustNew(unitStr)
		rel := relativeFragment(t.Root, unit)

		preprocessed := rebase(rel, t.SrcDir, ".cpp")
		object := rebase(rel, t.ObjDir, objectExtension(t))

		depIncludes := make([]compose.Dependency, 0, len(includes)+1)
		depIncludes = append(depIncludes, compose.PathDep(unit))
		for _, inc := range includes {
			depIncludes = append(depIncludes, compose.PathDep(pathset.MustNew(inc)))
		}

		compileInput := unit
		compileDeps := depIncludes

		if t.Preprocess {
			argv := append([]string{t.Compiler, unit.String()}, args...)
			for _, inc := range includes {
				argv = append(argv, "--include-directory", inc)
			}
			argv = append(argv, "--preprocess", "-o", preprocessed.String())

			steps = append(steps, compose.Step{
				Owner:    "cc.preprocess",
				Output:   compose.PathDep(preprocessed),
				Deps:     depIncludes,
				Flags:    args,
				Debug:    t.Debug,
				Optimize: t.Optimize,
				Dir:      t.Root.String(),
				Argv:     argv,
				Derived:  ScanUsedHeaders(includes),
			})

			compileInput = preprocessed
			compileDeps = []compose.Dependency{compose.PathDep(preprocessed)}
		}

		argv := append([]string{t.Compiler, compileInput.String()}, args...)
		argv = append(argv, "--compile", "-o", object.String())
		steps = append(steps, compose.Step{
			Owner:    "cc.compile",
			Output:   compose.PathDep(object),
			Deps:     compileDeps,
			Flags:    args,
			Debug:    t.Debug,
			Optimize: t.Optimize,
			Dir:      t.Root.String(),
			Argv:     argv,
		})

		if isMain {
			mains = append(mains, object)
		} else {
			objects = append(objects, object)
		}
	}

	for _, mainObject := range mains {
		rel := relativeFragment(t.ObjDir, mainObject)
		executable := rebase(rel, t.BinDir, "")

		deps := []compose.Dependency{compose.PathDep(mainObject)}
		argv := []string{t.Compiler, mainObject.String(), "-o", executable.String()}
		argv = append(argv, t.compileArgs()...)
		for _, obj := range objects {
			argv = append(argv, obj.String())
			deps = append(deps, compose.PathDep(obj))
		}
		for _, lib := range group.LibraryPaths() {
			argv = append(argv, "--for-linker", lib)
			deps = append(deps, compose.PathDep(pathset.MustNew(lib)))
		}

		steps = append(steps, compose.Step{
			Owner:    "cc.link",
			Output:   compose.PathDep(executable),
			Deps:     deps,
			Flags:    t.compileArgs(),
			Debug:    t.Debug,
			Optimize: t.Optimize,
			Dir:      t.Root.String(),
			Argv:     argv,
		})
	}

	return steps
}

// objectExtension derives the compile-output extension from t's flag
// profile, so a debug build and a release build of the same source file
// never land on the same object path: rebuilding with -dbg after a
// plain build (or back again) produces its own output instead of
// silently overwriting the other's, and the stale one is left for a
// human or a separate clean step to remove.
func objectExtension(t *Toolchain) string {
	switch {
	case t.Debug && t.Optimize:
		return "dbg.opt.o"
	case t.Debug:
		return "dbg.o"
	case t.Optimize:
		return "opt.o"
	default:
		return "o"
	}
}

func relativeFragment(root, p pathset.Path) string {
	if rel, err := p.RelativeTo(root); err == nil {
		return rel
	}
	return p.GetName()
}

// rebase moves relFragment under newRoot, replacing its extension with
// ext (an empty ext strips the extension entirely, used for executables).
func rebase(relFragment string, newRoot pathset.Path, ext string) pathset.Path {
	parts := strings.Split(relFragment, "/")
	return newRoot.Subpath(parts...).WithExtension(ext)
}

// ScanUsedHeaders returns a DerivedScanner that parses a preprocessor's
// `# N "path"` GNU line markers out of its captured stdout, intersecting
// the named paths with includeDirs so only headers actually reachable
// from the declared include directories become derived witnesses — the
// "change an unused header in the include path must not trigger a
// rebuild" scenario this package exists to make testable.
func ScanUsedHeaders(includeDirs []string) compose.DerivedScanner {
	return func(stdout []byte) ([]pathset.Path, error) {
		var used []pathset.Path
		seen := map[string]bool{}
		scanner := bufio.NewScanner(bytes.NewReader(stdout))
		for scanner.Scan() {
			line := scanner.Text()
			path, ok := parseLineMarker(line)
			if !ok || seen[path] {
				continue
			}
			p, err := pathset.New(path)
			if err != nil {
				continue
			}
			for _, dir := range includeDirs {
				incDir, err := pathset.New(dir)
				if err == nil && p.IsSubpath(incDir) {
					seen[path] = true
					used = append(used, p)
					break
				}
			}
		}
		return used, nil
	}
}

// parseLineMarker parses a GNU-style `# <num> "<path>"` preprocessor line
// marker, returning the quoted path.
func parseLineMarker(line string) (string, bool) {
	if !strings.HasPrefix(line, "# ") {
		return "", false
	}
	fields := strings.SplitN(line[2:], " ", 2)
	if len(fields) != 2 {
		return "", false
	}
	if _, err := strconv.Atoi(fields[0]); err != nil {
		return "", false
	}
	rest := strings.TrimSpace(fields[1])
	if !strings.HasPrefix(rest, `"`) {
		return "", false
	}
	rest = rest[1:]
	if i := strings.IndexByte(rest, '"'); i >= 0 {
		return rest[:i], true
	}
	return "", false
}
