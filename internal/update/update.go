// Package update checks GitHub for newer devin-relay releases.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/asheshgoplani/devin-relay/internal/logging"
)

const (
	// GitHubRepo is the repository to check for releases
	GitHubRepo = "asheshgoplani/devin-relay"

	// CacheFileName stores the last check result
	CacheFileName = "update-cache.json"

	// DefaultCheckInterval bounds how often GitHub is asked
	DefaultCheckInterval = 6 * time.Hour

	defaultAPIBase = "https://api.github.com"
)

var updateLog = logging.ForComponent(logging.CompConfig)

// Release is the subset of a GitHub release the checker reads.
type Release struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	PublishedAt time.Time `json:"published_at"`
	HTMLURL     string    `json:"html_url"`
}

// Cache stores the last check result
type Cache struct {
	CheckedAt     time.Time `json:"checked_at"`
	LatestVersion string    `json:"latest_version"`
	ReleaseURL    string    `json:"release_url"`
}

// Info describes the newest release relative to the running binary.
type Info struct {
	Available      bool   `json:"available"`
	CurrentVersion string `json:"current_version"`
	LatestVersion  string `json:"latest_version"`
	ReleaseURL     string `json:"release_url"`
	FromCache      bool   `json:"from_cache"`
}

// Checker asks GitHub for the latest release and caches the answer on disk.
type Checker struct {
	// APIBase defaults to https://api.github.com.
	APIBase string
	Repo    string
	// CacheDir holds CacheFileName. Empty disables caching.
	CacheDir   string
	Interval   time.Duration
	HTTPClient *http.Client
}

// NewChecker returns a checker for the relay's own repository.
func NewChecker(cacheDir string, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Checker{
		APIBase:    defaultAPIBase,
		Repo:       GitHubRepo,
		CacheDir:   cacheDir,
		Interval:   interval,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Checker) cachePath() string {
	if c.CacheDir == "" {
		return ""
	}
	return filepath.Join(c.CacheDir, CacheFileName)
}

func (c *Checker) loadCache() (*Cache, error) {
	path := c.cachePath()
	if path == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cache Cache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, err
	}
	return &cache, nil
}

func (c *Checker) saveCache(cache *Cache) error {
	path := c.cachePath()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(c.CacheDir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Checker) fetchLatestRelease(ctx context.Context) (*Release, error) {
	base := strings.TrimRight(c.APIBase, "/")
	if base == "" {
		base = defaultAPIBase
	}
	url := fmt.Sprintf("%s/repos/%s/releases/latest", base, c.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("update: fetch release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("update: GitHub API returned status %d", resp.StatusCode)
	}

	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("update: parse release: %w", err)
	}
	return &release, nil
}

// CompareVersions compares two semantic versions
// Returns: -1 if v1 < v2, 0 if v1 == v2, 1 if v1 > v2
func CompareVersions(v1, v2 string) int {
	v1 = strings.TrimPrefix(v1, "v")
	v2 = strings.TrimPrefix(v2, "v")

	parts1 := strings.Split(v1, ".")
	parts2 := strings.Split(v2, ".")

	for len(parts1) < 3 {
		parts1 = append(parts1, "0")
	}
	for len(parts2) < 3 {
		parts2 = append(parts2, "0")
	}

	for i := 0; i < 3; i++ {
		var n1, n2 int
		_, _ = fmt.Sscanf(parts1[i], "%d", &n1)
		_, _ = fmt.Sscanf(parts2[i], "%d", &n2)

		if n1 < n2 {
			return -1
		}
		if n1 > n2 {
			return 1
		}
	}
	return 0
}

// Check reports whether a newer release exists. A cache younger than the
// interval answers without a request unless force is set.
func (c *Checker) Check(ctx context.Context, currentVersion string, force bool) (*Info, error) {
	info := &Info{CurrentVersion: currentVersion}

	if !force {
		cache, err := c.loadCache()
		if err == nil && time.Since(cache.CheckedAt) < c.Interval {
			info.LatestVersion = cache.LatestVersion
			info.ReleaseURL = cache.ReleaseURL
			info.Available = CompareVersions(currentVersion, cache.LatestVersion) < 0
			info.FromCache = true
			return info, nil
		}
	}

	release, err := c.fetchLatestRelease(ctx)
	if err != nil {
		return info, err
	}

	info.LatestVersion = strings.TrimPrefix(release.TagName, "v")
	info.ReleaseURL = release.HTMLURL
	info.Available = CompareVersions(currentVersion, info.LatestVersion) < 0

	if err := c.saveCache(&Cache{
		CheckedAt:     time.Now(),
		LatestVersion: info.LatestVersion,
		ReleaseURL:    info.ReleaseURL,
	}); err != nil {
		updateLog.Debug("update_cache_write_failed", slog.String("error", err.Error()))
	}
	return info, nil
}

// CheckAsync runs Check in the background. The channel receives exactly one
// value; failures yield an Info with Available false.
func (c *Checker) CheckAsync(ctx context.Context, currentVersion string) <-chan *Info {
	ch := make(chan *Info, 1)
	go func() {
		info, err := c.Check(ctx, currentVersion, false)
		if err != nil {
			updateLog.Debug("update_check_failed", slog.String("error", err.Error()))
			ch <- &Info{CurrentVersion: currentVersion}
			return
		}
		ch <- info
	}()
	return ch
}
