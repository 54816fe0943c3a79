// Package update checks a release manifest for a newer ozwdaemon version.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// httpClient is shared across checks and initialized once.
var (
	httpClient     *retryablehttp.Client
	httpClientOnce sync.Once
)

func getHTTPClient() *retryablehttp.Client {
	httpClientOnce.Do(func() {
		httpClient = retryablehttp.NewClient()
		httpClient.RetryMax = 2
		httpClient.RetryWaitMin = 200 * time.Millisecond
		httpClient.RetryWaitMax = 2 * time.Second
		httpClient.HTTPClient.Timeout = 10 * time.Second
		httpClient.Logger = nil // suppress retryablehttp's default logging
	})
	return httpClient
}

// ///////////////////////////////////////////////
// Public API
// ///////////////////////////////////////////////

// Result is the outcome of a version check.
type Result struct {
	Current string
	Latest  string
	// Newer is true when Latest is a higher semver than Current.
	Newer bool
}

// Check fetches the manifest at manifestURL and logs when a newer version
// than current is available. An empty URL disables the check. Failures are
// logged at debug level and never returned; the daemon does not depend on
// the answer.
func Check(ctx context.Context, log *slog.Logger, manifestURL, current string) Result {
	res := Result{Current: current}
	if manifestURL == "" {
		log.Debug("skipping version check: no manifest URL configured")
		return res
	}
	latest, err := Latest(ctx, manifestURL)
	if err != nil {
		log.Debug("version check failed", "error", err)
		return res
	}
	res.Latest = latest
	if latest != "" && latest != current && semverLess(current, latest) {
		res.Newer = true
		log.Info("new version available", "current", current, "latest", latest)
	}
	return res
}

// Latest downloads the release manifest and returns the version stored under
// the "." key, the latest stable release.
func Latest(ctx context.Context, manifestURL string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := getHTTPClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("GET %s: %w", manifestURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: status %d", manifestURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	var manifest map[string]string
	if err := json.Unmarshal(body, &manifest); err != nil {
		return "", fmt.Errorf("parsing manifest: %w", err)
	}
	return manifest["."], nil
}

// ///////////////////////////////////////////////
// Version Comparison
// ///////////////////////////////////////////////

// semverLess reports whether a < b. Strings that are not MAJOR.MINOR.PATCH
// never compare less. A pre-release sorts before its release
// ("1.0.0-rc.1" < "1.0.0"); two pre-releases of the same version are
// unordered.
func semverLess(a, b string) bool {
	pa, aPre, okA := parseSemver(a)
	pb, bPre, okB := parseSemver(b)
	if !okA || !okB {
		return false
	}
	for i := range pa {
		if pa[i] != pb[i] {
			return pa[i] < pb[i]
		}
	}
	return aPre && !bPre
}

// parseSemver splits "v1.2.3-rc.1+build" into [1 2 3] and whether it carries
// a pre-release suffix.
func parseSemver(s string) (v [3]int, pre bool, ok bool) {
	s = strings.TrimPrefix(s, "v")
	if i := strings.IndexByte(s, '+'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '-'); i >= 0 {
		s, pre = s[:i], true
	}
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return v, false, false
	}
	for i, p := range parts {
		if p == "" {
			return v, false, false
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return v, false, false
			}
			v[i] = v[i]*10 + int(c-'0')
		}
	}
	return v, pre, true
}
