package update

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/dockmon/dockmon/internal/store"
)

// fakeDockerAPI is a minimal session.DockerAPI stub for update-package
// tests, following the same shape as internal/deploy's fakeDockerAPI.
type fakeDockerAPI struct {
	info    types.Info
	version types.Version
}

func (f *fakeDockerAPI) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	return nil, nil
}
func (f *fakeDockerAPI) ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	return types.ContainerJSON{}, nil
}
func (f *fakeDockerAPI) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return nil
}
func (f *fakeDockerAPI) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	return nil
}
func (f *fakeDockerAPI) ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error {
	return nil
}
func (f *fakeDockerAPI) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	return nil
}
func (f *fakeDockerAPI) ContainerRename(ctx context.Context, containerID, newName string) error {
	return nil
}
func (f *fakeDockerAPI) ContainerKill(ctx context.Context, containerID, signal string) error {
	return nil
}
func (f *fakeDockerAPI) NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error {
	return nil
}
func (f *fakeDockerAPI) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	return container.CreateResponse{ID: "newcontainerid01"}, nil
}
func (f *fakeDockerAPI) ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error) {
	return container.StatsResponseReader{Body: io.NopCloser(strings.NewReader("{}"))}, nil
}
func (f *fakeDockerAPI) Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error) {
	return nil, nil
}
func (f *fakeDockerAPI) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}
func (f *fakeDockerAPI) ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error) {
	return types.ImageInspect{}, nil, nil
}
func (f *fakeDockerAPI) NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error) {
	return network.Inspect{}, nil
}
func (f *fakeDockerAPI) VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error) {
	return volume.Volume{}, nil
}
func (f *fakeDockerAPI) Info(ctx context.Context) (types.Info, error) { return f.info, nil }
func (f *fakeDockerAPI) ServerVersion(ctx context.Context) (types.Version, error) {
	return f.version, nil
}
func (f *fakeDockerAPI) Ping(ctx context.Context) (types.Ping, error) { return types.Ping{}, nil }
func (f *fakeDockerAPI) Close() error                                 { return nil }

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestExtractUserLabelsDropsUntouchedImageDefaults(t *testing.T) {
	containerLabels := map[string]string{
		"org.opencontainers.image.version": "1.2.3", // untouched image default
		"traefik.enable":                   "true",  // user-added
		"maintainer":                       "someone else", // overridden default
	}
	imageLabels := map[string]string{
		"org.opencontainers.image.version": "1.2.3",
		"maintainer":                       "original author",
	}

	got := extractUserLabels(testLogger(), containerLabels, imageLabels)

	if _, ok := got["org.opencontainers.image.version"]; ok {
		t.Fatal("untouched image default should be dropped")
	}
	if got["traefik.enable"] != "true" {
		t.Fatal("user-added label should survive")
	}
	if got["maintainer"] != "someone else" {
		t.Fatal("overridden default should survive with its overridden value")
	}

	// Must never mutate inputs.
	if len(containerLabels) != 3 || len(imageLabels) != 2 {
		t.Fatal("extractUserLabels mutated an input map")
	}
}

func TestExtractUserLabelsEmptyImageLabelsKeepsEverything(t *testing.T) {
	containerLabels := map[string]string{"a": "1", "b": "2"}
	got := extractUserLabels(testLogger(), containerLabels, map[string]string{})
	if len(got) != 2 {
		t.Fatalf("expected both labels preserved, got %v", got)
	}
}

func TestRepoPathVariants(t *testing.T) {
	cases := map[string]string{
		"nginx:latest":                "library/nginx",
		"nginx":                       "library/nginx",
		"ghcr.io/user/repo:tag":       "user/repo",
		"gitea/gitea:1.21":           "gitea/gitea",
		"lscr.io/linuxserver/radarr": "linuxserver/radarr",
		"docker.io/library/nginx":    "library/nginx",
	}
	for in, want := range cases {
		if got := RepoPath(in); got != want {
			t.Errorf("RepoPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRegistryHostVariants(t *testing.T) {
	cases := map[string]string{
		"nginx:latest":          "",
		"ghcr.io/user/repo:tag": "ghcr.io",
		"gitea/gitea:1.21":      "",
	}
	for in, want := range cases {
		if got := registryHost(in); got != want {
			t.Errorf("registryHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractHashStripsRepoPrefix(t *testing.T) {
	if got := extractHash("docker.io/library/nginx@sha256:abc123"); got != "sha256:abc123" {
		t.Fatalf("got %q", got)
	}
	if got := extractHash("sha256:abc123"); got != "sha256:abc123" {
		t.Fatalf("got %q", got)
	}
}

func TestDigestCheckerSkipsPinnedByDigestReference(t *testing.T) {
	d := NewDigestChecker()
	api := &fakeDockerAPI{}
	result := d.Check(context.Background(), api, "nginx@sha256:deadbeef", nil)
	if !result.Skipped {
		t.Fatal("pinned-by-digest reference should always be skipped")
	}
}

func TestDetectNetworkingConfigSupportVersionBoundary(t *testing.T) {
	ctx := context.Background()

	old := &fakeDockerAPI{version: types.Version{APIVersion: "1.43"}}
	if ok, _, _ := detectNetworkingConfigSupport(ctx, old); ok {
		t.Fatal("API 1.43 should not support networking_config at create")
	}

	modern := &fakeDockerAPI{version: types.Version{APIVersion: "1.44"}}
	if ok, _, _ := detectNetworkingConfigSupport(ctx, modern); !ok {
		t.Fatal("API 1.44 should support networking_config at create")
	}

	newer := &fakeDockerAPI{version: types.Version{APIVersion: "2.0"}}
	if ok, _, _ := detectNetworkingConfigSupport(ctx, newer); !ok {
		t.Fatal("API major version 2 should support networking_config at create")
	}
}

func TestDetectPodmanFromOperatingSystem(t *testing.T) {
	api := &fakeDockerAPI{info: types.Info{OperatingSystem: "podman linux"}}
	ok, err := detectPodman(context.Background(), api)
	if err != nil || !ok {
		t.Fatalf("expected podman detected, got ok=%v err=%v", ok, err)
	}
}

func TestDetectPodmanFromServerVersionComponent(t *testing.T) {
	api := &fakeDockerAPI{version: types.Version{Components: []types.ComponentVersion{{Name: "Podman"}}}}
	ok, err := detectPodman(context.Background(), api)
	if err != nil || !ok {
		t.Fatalf("expected podman detected via component, got ok=%v err=%v", ok, err)
	}
}

func TestUpdatingSetAddRemoveIsUpdating(t *testing.T) {
	s := NewUpdatingSet()
	if s.IsUpdating("host:abc") {
		t.Fatal("fresh set should report nothing updating")
	}
	s.Add("host:abc", "host:def")
	if !s.IsUpdating("host:abc") || !s.IsUpdating("host:def") {
		t.Fatal("both added keys should report as updating")
	}
	s.Remove("host:abc", "host:def")
	if s.IsUpdating("host:abc") || s.IsUpdating("host:def") {
		t.Fatal("removed keys should no longer report as updating")
	}
}

func TestUpdatingSetAddIgnoresEmptyKey(t *testing.T) {
	s := NewUpdatingSet()
	s.Add("")
	if s.IsUpdating("") {
		t.Fatal("empty key should never be tracked")
	}
}

func TestValidateBatchBlocksSelfOnCriticalMatch(t *testing.T) {
	policies := []store.UpdatePolicy{{Pattern: "dockmon/dockmond*", Category: store.PolicyCritical, Enabled: true}}
	decision := decideOne(policies, Candidate{
		CompositeKey: "host:self",
		Image:        "dockmon/dockmond:latest",
		Labels:       map[string]string{SelfLabel: "true"},
		Updatable:    true,
	})
	if decision.Verdict != VerdictBlocked {
		t.Fatalf("expected blocked, got %s", decision.Verdict)
	}
}

func TestValidateBatchAllowsSelfWhenNotCriticalMatch(t *testing.T) {
	policies := []store.UpdatePolicy{{Pattern: "postgres*", Category: store.PolicyDatabases, Enabled: true}}
	decision := decideOne(policies, Candidate{
		CompositeKey: "host:self",
		Image:        "dockmon/dockmond:latest",
		Labels:       map[string]string{SelfLabel: "true"},
		Updatable:    true,
	})
	if decision.Verdict != VerdictAllowed {
		t.Fatalf("expected allowed (no pattern matched), got %s", decision.Verdict)
	}
}

func TestValidateBatchWarnsOnNonCriticalEnabledPattern(t *testing.T) {
	policies := []store.UpdatePolicy{{Pattern: "postgres*", Category: store.PolicyDatabases, Enabled: true}}
	decision := decideOne(policies, Candidate{
		CompositeKey: "host:db",
		Image:        "postgres:16",
		Labels:       map[string]string{},
		Updatable:    true,
	})
	if decision.Verdict != VerdictWarned {
		t.Fatalf("expected warned, got %s", decision.Verdict)
	}
	if decision.MatchedPattern != "postgres*" {
		t.Fatalf("expected matched pattern recorded, got %q", decision.MatchedPattern)
	}
}

func TestValidateBatchAllowsUnmatchedImage(t *testing.T) {
	policies := []store.UpdatePolicy{{Pattern: "postgres*", Category: store.PolicyDatabases, Enabled: true}}
	decision := decideOne(policies, Candidate{
		CompositeKey: "host:app",
		Image:        "myapp:latest",
		Labels:       map[string]string{},
		Updatable:    true,
	})
	if decision.Verdict != VerdictAllowed {
		t.Fatalf("expected allowed, got %s", decision.Verdict)
	}
}

func TestValidateBatchBlocksNonUpdatableCriticalMatch(t *testing.T) {
	policies := []store.UpdatePolicy{{Pattern: "vault*", Category: store.PolicyCritical, Enabled: true}}
	decision := decideOne(policies, Candidate{
		CompositeKey: "host:vault",
		Image:        "vault:1.15",
		Labels:       map[string]string{},
		Updatable:    false,
	})
	if decision.Verdict != VerdictBlocked {
		t.Fatalf("expected blocked for non-updatable critical match, got %s", decision.Verdict)
	}
}
