// Package upstream is the out-of-core external collaborator that keeps a
// project's vendored source tree in sync with a remote repository and
// reports whether a newer tagged release is available. Grounded on
// _examples/original_source/mounter/extensions/git.py (Git/Fetch/Checkout,
// shelling out to the git binary) and on distri's own
// internal/checkupstream and cmd/autobuilder release-checking logic.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/xerrors"

	"mason/pathset"
)

// Git wraps a single repository's --git-dir, mirroring git.py's Git class:
// every operation shells out to the git binary rather than linking a git
// library (none of the example repos import one).
type Git struct {
	GitDir pathset.Path

	remotes    map[string]bool
	references map[string]string
}

// Open returns a Git bound to gitDir, without requiring the directory to
// exist yet (Clone creates it).
func Open(gitDir pathset.Path) *Git {
	return &Git{GitDir: gitDir}
}

func (g *Git) run(ctx context.Context, workTree string, args ...string) (string, error) {
	full := []string{"--git-dir=" + g.GitDir.String()}
	if workTree != "" {
		full = append(full, "--work-tree="+workTree)
	}
	full = append(full, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", xerrors.Errorf("git %v: %w: %s", args, err, stderr.String())
	}
	return stdout.String(), nil
}

// Clone initializes a bare repository at GitDir if one is not already
// present, mirroring `git init --bare`.
func (g *Git) Clone(ctx context.Context) error {
	if g.GitDir.IsPresent() {
		return nil
	}
	_, err := g.run(ctx, "", "init", "--bare", g.GitDir.String())
	return err
}

// Remotes returns the configured remote names, cached for the lifetime of
// g the way Git.remote() caches __remoteList.
func (g *Git) Remotes(ctx context.Context) (map[string]bool, error) {
	if g.remotes != nil {
		return g.remotes, nil
	}
	out, err := g.run(ctx, "", "remote")
	if err != nil {
		return nil, err
	}
	g.remotes = map[string]bool{}
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			g.remotes[line] = true
		}
	}
	return g.remotes, nil
}

// ConfigRemoteSetURL registers or repoints remote to url.
func (g *Git) ConfigRemoteSetURL(ctx context.Context, remote, url string) error {
	if _, err := g.run(ctx, "", "config", fmt.Sprintf("remote.%s.url", remote), url); err != nil {
		return err
	}
	if g.remotes != nil {
		g.remotes[remote] = true
	}
	return nil
}

// GetReference returns the object ID reference points at, or "" if unset.
func (g *Git) GetReference(ctx context.Context, reference string) (string, error) {
	if g.references == nil {
		out, err := g.run(ctx, "", "show-ref")
		if err != nil {
			// An empty repository has no refs and git show-ref exits 1;
			// treat that as "no references yet" rather than a hard error.
			g.references = map[string]string{}
		} else {
			g.references = map[string]string{}
			for _, line := range strings.Split(out, "\n") {
				fields := strings.Fields(line)
				if len(fields) == 2 {
					g.references[fields[1]] = fields[0]
				}
			}
		}
	}
	return g.references[reference], nil
}

// TestObjectExists reports whether objectID is present in the object
// database, via `git cat-file -e`.
func (g *Git) TestObjectExists(ctx context.Context, objectID string) bool {
	cmd := exec.CommandContext(ctx, "git", "--git-dir="+g.GitDir.String(), "cat-file", "-e", objectID)
	return cmd.Run() == nil
}

// Fetch fetches remoteReference from remote into localReference, at the
// given depth (0 means full history).
func (g *Git) Fetch(ctx context.Context, remote, remoteReference, localReference string, depth int) error {
	args := []string{"fetch", remote, fmt.Sprintf("%s:%s", remoteReference, localReference), "--no-tags"}
	if depth > 0 {
		args = append(args, fmt.Sprintf("--depth=%d", depth))
	}
	if _, err := g.run(ctx, "", args...); err != nil {
		return err
	}
	if g.references != nil {
		delete(g.references, localReference)
	}
	return nil
}

// Checkout checks out revision into target, the way Checkout.__call__
// does, recommending tree-ish revision syntax such as "main^{tree}:src".
func (g *Git) Checkout(ctx context.Context, revision string, target pathset.Path) error {
	_, err := g.run(ctx, target.String(), "checkout", revision, ".")
	return err
}

// FetchPin ensures localReference points at objectID (when known) or the
// tip of remoteReference (otherwise), fetching from remote only when the
// reference isn't already satisfied locally — mirroring Fetch.__call__.
func FetchPin(ctx context.Context, g *Git, remoteURL, remoteName, remoteReference, objectID, localReference string) error {
	current, err := g.GetReference(ctx, localReference)
	if err != nil {
		return err
	}
	if current != "" {
		if objectID != "" && current != objectID {
			return xerrors.Errorf("upstream: %s already points at %s, want %s", localReference, current, objectID)
		}
		return nil
	}

	if objectID != "" && g.TestObjectExists(ctx, objectID) {
		return g.setReference(ctx, localReference, objectID)
	}

	remotes, err := g.Remotes(ctx)
	if err != nil {
		return err
	}
	if !remotes[remoteName] {
		if err := g.ConfigRemoteSetURL(ctx, remoteName, remoteURL); err != nil {
			return err
		}
	}

	if err := g.Fetch(ctx, remoteName, remoteReference, localReference, 1); err != nil {
		return err
	}

	if objectID == "" {
		return nil
	}
	current, err = g.GetReference(ctx, localReference)
	if err != nil {
		return err
	}
	if current == objectID {
		return nil
	}
	if g.TestObjectExists(ctx, objectID) {
		return g.setReference(ctx, localReference, objectID)
	}
	return xerrors.Errorf("upstream: %s fetched %s, want %s (not in object database)", localReference, current, objectID)
}

func (g *Git) setReference(ctx context.Context, reference, value string) error {
	if _, err := g.run(ctx, "", "update-ref", reference, value); err != nil {
		return err
	}
	if g.references != nil {
		g.references[reference] = value
	}
	return nil
}
