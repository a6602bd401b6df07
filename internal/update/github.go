package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/washline/washline-agent/internal/version"
)

const defaultAPIBase = "https://api.github.com"

var errNoRelease = errors.New("no published release")

type ReleaseAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

type Release struct {
	TagName string         `json:"tag_name"`
	HTMLURL string         `json:"html_url"`
	Body    string         `json:"body"`
	Assets  []ReleaseAsset `json:"assets"`
}

type Result struct {
	HasUpdate bool
	Version   string
	URL       string
	Notes     string
	Assets    []ReleaseAsset
}

// Checker queries the GitHub API for the newest release of Repo.
type Checker struct {
	Repo    string
	APIBase string
	Current string
	Client  *http.Client
}

func NewChecker(repo string) *Checker {
	return &Checker{
		Repo:    strings.TrimSpace(repo),
		APIBase: defaultAPIBase,
		Current: version.Version,
		Client:  &http.Client{Timeout: 8 * time.Second},
	}
}

func CheckGitHubRelease(ctx context.Context, repo string) (Result, error) {
	return NewChecker(repo).Check(ctx)
}

// Check looks at releases/latest and falls back to the newest tag when the
// repository has no published release.
func (c *Checker) Check(ctx context.Context) (Result, error) {
	if c.Repo == "" {
		return Result{}, errors.New("github repository is not configured")
	}

	release, err := c.latestRelease(ctx)
	if errors.Is(err, errNoRelease) {
		return c.latestTag(ctx)
	}
	if err != nil {
		return Result{}, err
	}

	latest := normalize(release.TagName)
	return Result{
		HasUpdate: isNewerVersion(latest, normalize(c.Current)),
		Version:   latest,
		URL:       release.HTMLURL,
		Notes:     release.Body,
		Assets:    release.Assets,
	}, nil
}

func (c *Checker) latestRelease(ctx context.Context) (Release, error) {
	var release Release
	err := c.getJSON(ctx, "/repos/"+c.Repo+"/releases/latest", &release)
	return release, err
}

func (c *Checker) latestTag(ctx context.Context) (Result, error) {
	var tags []struct {
		Name string `json:"name"`
	}
	if err := c.getJSON(ctx, "/repos/"+c.Repo+"/tags", &tags); err != nil {
		return Result{}, err
	}
	if len(tags) == 0 {
		return Result{}, errors.New("repository has no tags")
	}

	latest := normalize(tags[0].Name)
	return Result{
		HasUpdate: isNewerVersion(latest, normalize(c.Current)),
		Version:   latest,
		URL:       fmt.Sprintf("https://github.com/%s/releases/tag/%s", c.Repo, tags[0].Name),
	}, nil
}

func (c *Checker) getJSON(ctx context.Context, path string, out any) error {
	base := strings.TrimRight(c.APIBase, "/")
	if base == "" {
		base = defaultAPIBase
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/vnd.github+json")

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode == http.StatusNotFound {
		return errNoRelease
	}
	if response.StatusCode >= 300 {
		return fmt.Errorf("github api status: %d", response.StatusCode)
	}

	return json.NewDecoder(response.Body).Decode(out)
}

func normalize(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "v")
	return v
}

func isNewerVersion(latest, current string) bool {
	if latest == "" || current == "" {
		return false
	}

	latestParts := parseVersion(latest)
	currentParts := parseVersion(current)

	for i := 0; i < 3; i++ {
		if latestParts[i] > currentParts[i] {
			return true
		}
		if latestParts[i] < currentParts[i] {
			return false
		}
	}

	return false
}

// parseVersion reads up to three numeric components; anything after the
// leading digits of a component ("3-rc1") is ignored.
func parseVersion(v string) [3]int {
	parts := strings.Split(v, ".")
	result := [3]int{0, 0, 0}

	for i := 0; i < len(parts) && i < 3; i++ {
		value := 0
		for _, ch := range parts[i] {
			if ch < '0' || ch > '9' {
				break
			}
			value = value*10 + int(ch-'0')
		}
		result[i] = value
	}

	return result
}
