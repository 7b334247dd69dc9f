package pathset

import (
	"regexp"
	"strings"

	"golang.org/x/xerrors"
)

// PathSet is a compiled glob pattern over paths rooted at a fixed
// directory. Supported tokens: literal runs, '?' (one path-segment
// character), '*' (zero or more characters within one segment), '**' as
// a whole segment (zero or more whole segments), and a trailing
// directory-only marker ('/' at the end of the pattern).
type PathSet struct {
	root         Path
	pattern      string
	re           *regexp.Regexp
	directoryOnly bool
	singleton    bool // pattern contains no wildcard tokens at all
}

// Compile builds a PathSet matching pattern (a '/'-separated glob, always
// interpreted relative to root).
func Compile(root Path, pattern string) (PathSet, error) {
	directoryOnly := strings.HasSuffix(pattern, "/")
	pattern = strings.Trim(pattern, "/")
	re, singleton, err := compilePattern(pattern)
	if err != nil {
		return PathSet{}, xerrors.Errorf("pathset: bad pattern %q: %w", pattern, err)
	}
	return PathSet{root: root, pattern: pattern, re: re, directoryOnly: directoryOnly, singleton: singleton}, nil
}

// compilePattern translates a glob into an anchored regexp, reporting
// whether the pattern contained no wildcard at all (a "singleton" set
// that names exactly one path).
func compilePattern(pattern string) (*regexp.Regexp, bool, error) {
	var sb strings.Builder
	sb.WriteString("^")
	singleton := true
	segs := strings.Split(pattern, "/")
	// skipSep tracks whether the next token should NOT be preceded by a
	// literal "/": true at the very start, and immediately after a "**"
	// token, since a "**" group either already ends in "/" (one or more
	// repetitions) or matched nothing (zero repetitions, in which case the
	// separator already written before the group is the only one needed).
	skipSep := true
	for si, seg := range segs {
		if seg == "**" {
			singleton = false
			if !skipSep {
				sb.WriteString("/")
			}
			if si == len(segs)-1 {
				// Trailing "**": matches anything after the separator
				// already written, including nothing further at all.
				sb.WriteString(`.*`)
			} else {
				// "**" mid-pattern: zero or more whole segments, each
				// including its own trailing "/", so the following
				// literal segment never needs a separator of its own.
				sb.WriteString(`(?:[^/]+/)*`)
			}
			skipSep = true
			continue
		}
		if !skipSep {
			sb.WriteString("/")
		}
		for _, r := range seg {
			switch r {
			case '*':
				singleton = false
				sb.WriteString(`[^/]*`)
			case '?':
				singleton = false
				sb.WriteString(`[^/]`)
			default:
				sb.WriteString(regexp.QuoteMeta(string(r)))
			}
		}
		skipSep = false
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, false, err
	}
	return re, singleton, nil
}

// IsSingleton reports whether this PathSet names exactly one concrete
// path (no wildcard tokens), in which case SingletonPath returns it.
func (ps PathSet) IsSingleton() bool { return ps.singleton }

// Root returns the concrete root this set was compiled against.
func (ps PathSet) Root() Path { return ps.root }

// SingletonPath returns the one path a singleton PathSet names.
func (ps PathSet) SingletonPath() Path {
	if ps.pattern == "" {
		return ps.root
	}
	return ps.root.Subpath(strings.Split(ps.pattern, "/")...)
}

// Contains reports whether p (which must be under root) matches the set.
func (ps PathSet) Contains(p Path) bool {
	rel, err := p.RelativeTo(ps.root)
	if err != nil {
		return false
	}
	if ps.directoryOnly && !p.IsDirectory() {
		return false
	}
	return ps.re.MatchString(rel)
}

// FindAll enumerates every path under root matching the set, in
// deterministic (sorted) order.
func (ps PathSet) FindAll() ([]Path, error) {
	var out []Path
	if !ps.root.IsPresent() {
		return out, nil
	}
	err := ps.root.Walk(Preorder, func(p Path) error {
		if p.Equal(ps.root) {
			return nil
		}
		if ps.Contains(p) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("pathset: %w", err)
	}
	return out, nil
}

// String returns the pattern as rooted at Root, for diagnostics and
// witness serialization.
func (ps PathSet) String() string {
	if ps.pattern == "" {
		return ps.root.String()
	}
	return ps.root.String() + "/" + ps.pattern
}
