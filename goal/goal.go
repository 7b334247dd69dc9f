// Package goal implements the goal tracker: a set of defined build goals
// and the subset of them activated for a given run, with a
// DefineThenQuery convenience and end-of-run diagnostics for goals that
// were activated but never reached. Grounded on
// _examples/original_source/mounter/goal.py (GoalTracker).
package goal

import (
	"fmt"
	"io"
	"sort"
)

// Tracker holds the defined and activated goal sets for one run.
type Tracker struct {
	defined  map[string]bool
	activated map[string]bool
	queried  map[string]bool
	log      io.Writer
}

// New returns an empty Tracker that writes its end-of-run diagnostics to
// log.
func New(log io.Writer) *Tracker {
	return &Tracker{
		defined:   map[string]bool{},
		activated: map[string]bool{},
		queried:   map[string]bool{},
		log:       log,
	}
}

// Define registers name as an existing goal. Defining the same name
// twice is harmless.
func (t *Tracker) Define(name string) {
	t.defined[name] = true
}

// Activate marks name as requested for this run (e.g. named on the
// command line).
func (t *Tracker) Activate(name string) {
	t.activated[name] = true
}

// Query reports whether name is both defined and activated, and records
// that it was reached, so end-of-run diagnostics don't flag it as unused.
func (t *Tracker) Query(name string) bool {
	t.queried[name] = true
	return t.defined[name] && t.activated[name]
}

// DefineThenQuery defines and immediately queries name in one call, the
// common case for a build step that both declares its own goal and
// checks whether it was asked for.
func (t *Tracker) DefineThenQuery(name string) bool {
	t.Define(name)
	return t.Query(name)
}

// Finish prints diagnostics: a warning for every activated goal that was
// never queried (the goal name does not correspond to anything that ever
// checked for it — almost always a typo), and, if no goal was ever both
// defined and activated, a dump of every defined goal so the user can see
// what's available.
func (t *Tracker) Finish() {
	var unused []string
	for name := range t.activated {
		if !t.queried[name] {
			unused = append(unused, name)
		}
	}
	sort.Strings(unused)
	for _, name := range unused {
		fmt.Fprintf(t.log, "warning: goal %q was activated but never queried\n", name)
	}

	anyHit := false
	for name := range t.activated {
		if t.defined[name] {
			anyHit = true
			break
		}
	}
	if !anyHit {
		var names []string
		for name := range t.defined {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(t.log, "no goal activated; defined goals: %v\n", names)
	}
}
