package upstream

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/google/go-github/v27/github"
	"golang.org/x/mod/semver"
	"golang.org/x/net/html"
	"golang.org/x/oauth2"
	"golang.org/x/xerrors"
)

// Release reports the newest version a project's declared source
// publishes, without comparing it to any local version or deciding to
// rebuild anything — rebuild
// decisions stay the goal tracker's/driver's call.
type Release struct {
	Version string
	URL     string
}

// Source declares where a project's upstream lives. Exactly one of
// GitHubRepo or ReleasesURL should be set; GitHubRepo is preferred when
// present since it needs no HTML scraping.
type Source struct {
	GitHubRepo  string // "owner/repo"
	ReleasesURL string // directory index to scrape for version-looking links
	AccessToken string // optional GitHub token, raises API rate limits
}

// Check reports the newest release Source currently publishes, comparing
// tags with semver.Compare the way checkupstream.go's extractVersions
// does, preferring the GitHub Releases API and falling back to scraping
// an HTML directory index for tarball links (check.go's checkHeuristic).
func Check(ctx context.Context, src Source) (*Release, error) {
	if src.GitHubRepo != "" {
		return checkGitHub(ctx, src)
	}
	if src.ReleasesURL != "" {
		return checkHeuristic(ctx, src.ReleasesURL)
	}
	return nil, xerrors.New("upstream: Source has neither GitHubRepo nor ReleasesURL")
}

func checkGitHub(ctx context.Context, src Source) (*Release, error) {
	parts := strings.SplitN(src.GitHubRepo, "/", 2)
	if len(parts) != 2 {
		return nil, xerrors.Errorf("upstream: GitHubRepo %q must be owner/repo", src.GitHubRepo)
	}
	owner, repo := parts[0], parts[1]

	client := github.NewClient(nil)
	if src.AccessToken != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: src.AccessToken})
		client = github.NewClient(oauth2.NewClient(ctx, ts))
	}

	releases, _, err := client.Repositories.ListReleases(ctx, owner, repo, &github.ListOptions{PerPage: 25})
	if err != nil {
		return nil, xerrors.Errorf("upstream: listing releases for %s: %w", src.GitHubRepo, err)
	}

	var best *github.RepositoryRelease
	for _, r := range releases {
		if r.GetDraft() || r.GetPrerelease() {
			continue
		}
		if best == nil || semver.Compare(maybeV(r.GetTagName()), maybeV(best.GetTagName())) > 0 {
			best = r
		}
	}
	if best == nil {
		return nil, xerrors.Errorf("upstream: %s has no published releases", src.GitHubRepo)
	}
	return &Release{
		Version: best.GetTagName(),
		URL:     best.GetHTMLURL(),
	}, nil
}

func maybeV(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// checkHeuristic scrapes releasesURL for <a> links and picks the
// highest-sorting version-looking href, grounded on check.go's
// checkHeuristic/extractLinks.
func checkHeuristic(ctx context.Context, releasesURL string) (*Release, error) {
	u, err := url.Parse(releasesURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected HTTP status %s", u, resp.Status)
	}
	b, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	links, err := extractLinks(u, b)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("%s: no links found", u)
	}

	sort.Slice(links, func(i, j int) bool {
		return semver.Compare(maybeV(versionGuess(links[i])), maybeV(versionGuess(links[j]))) > 0
	})
	best := links[0]
	return &Release{
		Version: versionGuess(best),
		URL:     best,
	}, nil
}

func extractLinks(parent *url.URL, b []byte) ([]string, error) {
	doc, err := html.Parse(strings.NewReader(string(b)))
	if err != nil {
		return nil, err
	}
	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				if uri, err := url.Parse(attr.Val); err == nil {
					links = append(links, parent.ResolveReference(uri).String())
				}
				break
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links, nil
}

// versionGuess extracts the trailing dotted-number run from a URL's last
// path segment, e.g. ".../foo-1.2.3.tar.gz" -> "1.2.3".
func versionGuess(href string) string {
	base := href
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	start, end := -1, -1
	for i, r := range base {
		if (r >= '0' && r <= '9') || r == '.' {
			if start == -1 {
				start = i
			}
			end = i + 1
		} else if start != -1 && end != len(base) {
			if i-start > 0 {
				break
			}
			start, end = -1, -1
		}
	}
	if start == -1 {
		return ""
	}
	return strings.Trim(base[start:end], ".")
}
