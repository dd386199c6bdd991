package update

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dockmon/dockmon/internal/session"
)

// DigestChecker compares a container's running image digest against the
// digest its tag currently resolves to on the registry — the update *check*
// spec §4.6 performs before ever touching a container, which the teacher's
// update pipeline has no equivalent of (it only ever applies an update a
// caller already decided on). One limiter per registry host bounds how
// often this checker issues manifest HEAD requests against any single
// registry, independent of how many containers reference images on it.
type DigestChecker struct {
	httpClient *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

const (
	perHostManifestRate  = rate.Limit(2) // steady-state HEAD requests/sec
	perHostManifestBurst = 5
)

func NewDigestChecker() *DigestChecker {
	return &DigestChecker{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (d *DigestChecker) limiterFor(host string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[host]
	if !ok {
		l = rate.NewLimiter(perHostManifestRate, perHostManifestBurst)
		d.limiters[host] = l
	}
	return l
}

// CheckResult holds the outcome of one digest comparison.
type CheckResult struct {
	ImageRef        string
	LocalDigest     string
	RemoteDigest    string
	UpdateAvailable bool
	Skipped         bool // pinned by digest, or the registry couldn't be reached
	Err             error
}

// Check compares the locally-pulled digest (via session.DockerAPI) against
// the digest the tag currently resolves to on its registry. A pinned-by-
// digest reference (image@sha256:...) is always reported as Skipped, since
// it can never drift from itself. Auth failures or 404s are reported as
// Skipped rather than as errors: a registry DockMon can't reach is not
// itself evidence of an available update.
func (d *DigestChecker) Check(ctx context.Context, api session.DockerAPI, imageRef string, auth RegistryAuth) CheckResult {
	result := CheckResult{ImageRef: imageRef}

	if strings.Contains(imageRef, "@sha256:") {
		result.Skipped = true
		return result
	}

	img, _, err := api.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		result.Err = fmt.Errorf("inspect local image: %w", err)
		return result
	}
	localDigest := ""
	for _, rd := range img.RepoDigests {
		localDigest = rd
		break
	}
	if localDigest == "" {
		result.Skipped = true
		return result
	}
	result.LocalDigest = localDigest

	host := registryHost(imageRef)
	repo := RepoPath(imageRef)
	tag := imageTag(imageRef)

	if !d.limiterFor(host).Allow() {
		result.Skipped = true
		return result
	}

	var user, pass string
	var ok bool
	if auth != nil {
		user, pass, ok = auth(imageRef)
	}

	token := ""
	if !ok && (host == "" || host == "docker.io") {
		if t, err := FetchAnonymousToken(ctx, d.httpClient, repo); err == nil {
			token = t
		}
	}

	remoteDigest, _, err := d.ManifestDigest(ctx, repo, tag, token, host, user, pass)
	if err != nil {
		result.Skipped = true
		return result
	}
	result.RemoteDigest = remoteDigest
	result.UpdateAvailable = extractHash(localDigest) != extractHash(remoteDigest)
	return result
}

// RepoPath strips tag/digest and registry-host prefix off an image
// reference, leaving the repository path a registry's /v2/ API expects
// ("library/nginx", "user/repo", "linuxserver/radarr", ...).
func RepoPath(imageRef string) string {
	ref := imageRef
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		if slash := strings.LastIndex(ref, "/"); i > slash {
			ref = ref[:i]
		}
	}
	if slash := strings.Index(ref, "/"); slash >= 0 {
		firstSegment := ref[:slash]
		if strings.ContainsAny(firstSegment, ".:") {
			ref = ref[slash+1:]
		}
	}
	if !strings.Contains(ref, "/") {
		ref = "library/" + ref
	}
	return ref
}

func registryHost(imageRef string) string {
	ref := imageRef
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		if slash := strings.LastIndex(ref, "/"); i > slash {
			ref = ref[:i]
		}
	}
	slash := strings.Index(ref, "/")
	if slash < 0 {
		return ""
	}
	firstSegment := ref[:slash]
	if strings.ContainsAny(firstSegment, ".:") {
		return firstSegment
	}
	return ""
}

func imageTag(imageRef string) string {
	ref := imageRef
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		if slash := strings.LastIndex(ref, "/"); i > slash {
			return ref[i+1:]
		}
	}
	return "latest"
}

// ManifestDigest HEADs a registry's v2 manifests endpoint and returns the
// Docker-Content-Digest header.
func (d *DigestChecker) ManifestDigest(ctx context.Context, repo, tag, token, host, user, pass string) (string, http.Header, error) {
	url := "https://registry-1.docker.io/v2/" + repo + "/manifests/" + tag
	if host != "" && host != "docker.io" {
		url = "https://" + host + "/v2/" + repo + "/manifests/" + tag
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("create manifest HEAD request: %w", err)
	}
	req.Header.Set("Accept", strings.Join([]string{
		"application/vnd.docker.distribution.manifest.list.v2+json",
		"application/vnd.oci.image.index.v1+json",
		"application/vnd.docker.distribution.manifest.v2+json",
		"application/vnd.oci.image.manifest.v1+json",
	}, ", "))

	switch {
	case token != "":
		req.Header.Set("Authorization", "Bearer "+token)
	case user != "":
		req.SetBasicAuth(user, pass)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("manifest HEAD: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", resp.Header, fmt.Errorf("manifest HEAD returned %d", resp.StatusCode)
	}
	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", resp.Header, fmt.Errorf("no Docker-Content-Digest header")
	}
	return digest, resp.Header, nil
}

// FetchAnonymousToken retrieves a Docker Hub pull-scoped bearer token for an
// unauthenticated caller.
func FetchAnonymousToken(ctx context.Context, httpClient *http.Client, repo string) (string, error) {
	url := "https://auth.docker.io/token?service=registry.docker.io&scope=repository:" + repo + ":pull"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create auth request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth endpoint returned %d", resp.StatusCode)
	}
	var tok struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.Token == "" {
		return "", fmt.Errorf("empty token in response")
	}
	return tok.Token, nil
}

// extractHash returns the sha256:... portion of a digest string, stripping
// a leading "repo@" prefix if present.
func extractHash(digest string) string {
	if i := strings.LastIndex(digest, "sha256:"); i >= 0 {
		return digest[i:]
	}
	return digest
}
