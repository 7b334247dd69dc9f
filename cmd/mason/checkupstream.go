package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/xerrors"

	"mason/upstream"
)

const checkUpstreamHelp = `mason check-upstream [-flags]

Report the newest tagged release a project's source repository
publishes, without building or re-vendoring anything. The result is
not compared against any locally vendored version.

Example:
  % mason check-upstream -github=distr1/distri
`

func cmdcheckupstream(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("check-upstream", flag.ExitOnError)
	githubRepo := fset.String("github", "", "owner/repo to check via the GitHub releases API")
	releasesURL := fset.String("releases-url", "", "directory index URL to scrape for version-looking links, used when -github is not set")
	token := fset.String("token", os.Getenv("MASON_GITHUB_TOKEN"), "optional GitHub access token, raises API rate limits")
	fset.Usage = usage(fset, checkUpstreamHelp)
	fset.Parse(args)

	if *githubRepo == "" && *releasesURL == "" {
		return xerrors.New("mason check-upstream: one of -github or -releases-url is required")
	}

	rel, err := upstream.Check(ctx, upstream.Source{
		GitHubRepo:  *githubRepo,
		ReleasesURL: *releasesURL,
		AccessToken: *token,
	})
	if err != nil {
		return xerrors.Errorf("mason check-upstream: %w", err)
	}
	fmt.Printf("latest release: %s (%s)\n", rel.Version, rel.URL)
	return nil
}
