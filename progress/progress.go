// Package progress implements the progress reporter: per-unit lifecycle
// states rendered as single-character glyphs, pending units sorted first,
// and a verbose-lines mode plus a single-line terminal bar mode.
// Grounded on _examples/original_source/mounter/progress.py for the base
// bar concept, elaborated toward the richer per-unit design using the
// status-line redraw technique and tty detection from
// internal/batch/batch.go (refreshStatus/updateStatus, isTerminal).
package progress

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
)

// State is a progress unit's lifecycle stage.
type State int

const (
	Pending State = iota
	Running
	UpToDate
	Skipped
	Failed
	Stopped
	Done
)

// Glyph returns the single-character glyph rendered for s.
func (s State) Glyph() byte {
	switch s {
	case Pending:
		return ' '
	case Running:
		return '>'
	case UpToDate:
		return '='
	case Skipped:
		return '.'
	case Failed:
		return '!'
	case Stopped:
		return '/'
	case Done:
		return '-'
	default:
		return '?'
	}
}

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case UpToDate:
		return "up-to-date"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Unit is one tracked progress item (typically one compose.Step output).
type Unit struct {
	Name  string
	state State
}

// Reporter tracks a set of Units and renders their combined state either
// as one redrawn terminal line (interactive tty) or as one printed line
// per state transition (verbose mode / non-interactive output).
type Reporter struct {
	mu      sync.Mutex
	out     io.Writer
	units   []*Unit
	byName  map[string]*Unit
	verbose bool
	tty     bool
}

// New returns a Reporter writing to out. verbose forces one line per
// transition even on an interactive terminal; if false, the mode is
// chosen from whether out is a terminal (isatty), matching the original
// bar's degrade-to-plain-lines behavior under redirection.
func New(out io.Writer, verbose bool) *Reporter {
	tty := false
	if f, ok := out.(interface{ Fd() uintptr }); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Reporter{out: out, verbose: verbose, byName: map[string]*Unit{}, tty: tty}
}

// Add registers a new Pending unit.
func (r *Reporter) Add(name string) *Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := &Unit{Name: name, state: Pending}
	r.units = append(r.units, u)
	r.byName[name] = u
	return u
}

// Set transitions u to state and redraws, per the reporter's mode.
func (r *Reporter) Set(u *Unit, state State) {
	r.mu.Lock()
	u.state = state
	r.mu.Unlock()
	if r.verbose || !r.tty {
		fmt.Fprintf(r.out, "%c %s: %s\n", state.Glyph(), u.Name, state)
		return
	}
	r.redraw()
}

// sortedUnits returns units with Pending units first, matching the
// original's pending-first sort so a quick glance shows what's left.
func (r *Reporter) sortedUnits() []*Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Unit, len(r.units))
	copy(out, r.units)
	sort.SliceStable(out, func(i, j int) bool {
		pi := out[i].state == Pending
		pj := out[j].state == Pending
		if pi != pj {
			return pi
		}
		return false
	})
	return out
}

func (r *Reporter) redraw() {
	units := r.sortedUnits()
	var sb strings.Builder
	for _, u := range units {
		sb.WriteByte(u.state.Glyph())
	}
	fmt.Fprintf(r.out, "\r[%s]", sb.String())
}

// Summary prints the final per-state tally, the terminal output for both
// verbose and bar modes.
func (r *Reporter) Summary() {
	counts := map[State]int{}
	r.mu.Lock()
	for _, u := range r.units {
		counts[u.state]++
	}
	r.mu.Unlock()
	if r.tty && !r.verbose {
		fmt.Fprintln(r.out)
	}
	fmt.Fprintf(r.out, "done: %d up-to-date, %d built, %d skipped, %d failed, %d stopped\n",
		counts[UpToDate], counts[Done], counts[Skipped], counts[Failed], counts[Stopped])
}

// TerminalWidth returns the current terminal column count for fd, or a
// fallback of 80 if it cannot be determined (not a terminal, or the
// ioctl fails) — grounded on internal/batch/batch.go's
// unix.IoctlGetTermios(..., unix.TCGETS) tty probe, here using
// IoctlGetWinsize for the width itself.
func TerminalWidth(fd int) int {
	ws, err := unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
	if err != nil || ws.Col == 0 {
		return 80
	}
	return int(ws.Col)
}
