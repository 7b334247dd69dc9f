package upstream_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"testing"

	"mason/pathset"
	"mason/upstream"
)

func skipIfNoGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func TestCloneAndFetchPinByObjectID(t *testing.T) {
	skipIfNoGit(t)
	ctx := context.Background()

	remoteDir := t.TempDir()
	run(t, remoteDir, "init")
	run(t, remoteDir, "-c", "user.email=a@b.c", "-c", "user.name=a",
		"commit", "--allow-empty", "-m", "init")
	sha := runOut(t, remoteDir, "rev-parse", "HEAD")
	branch := runOut(t, remoteDir, "symbolic-ref", "--short", "HEAD")

	localGitDir := filepath.Join(t.TempDir(), "repo.git")
	g := upstream.Open(pathset.MustNew(localGitDir))
	if err := g.Clone(ctx); err != nil {
		t.Fatal(err)
	}

	if err := upstream.FetchPin(ctx, g, "file://"+remoteDir, "origin", "refs/heads/"+branch, sha, "refs/distri/pin"); err != nil {
		t.Fatalf("FetchPin: %v", err)
	}

	got, err := g.GetReference(ctx, "refs/distri/pin")
	if err != nil {
		t.Fatal(err)
	}
	if got != sha {
		t.Fatalf("GetReference = %q, want %q", got, sha)
	}
}

func run(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

func runOut(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("git %v: %v", args, err)
	}
	s := string(out)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func TestCheckHeuristicPicksHighestVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`
			<a href="foo-1.2.0.tar.gz">foo-1.2.0</a>
			<a href="foo-1.10.0.tar.gz">foo-1.10.0</a>
			<a href="foo-1.3.0.tar.gz">foo-1.3.0</a>
		`))
	}))
	defer srv.Close()

	rel, err := upstream.Check(context.Background(), upstream.Source{ReleasesURL: srv.URL + "/"})
	if err != nil {
		t.Fatal(err)
	}
	if rel.Version != "1.10.0" {
		t.Fatalf("Version = %q, want %q", rel.Version, "1.10.0")
	}
}

func TestCheckRequiresASource(t *testing.T) {
	if _, err := upstream.Check(context.Background(), upstream.Source{}); err == nil {
		t.Fatal("expected error for empty Source")
	}
}
