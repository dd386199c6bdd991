package deploy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/api/types/volume"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// fakeDockerAPI implements session.DockerAPI for tests that only need
// network/image operations.
type fakeDockerAPI struct {
	networks   map[string]bool
	pullStream string
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
	return container.CreateResponse{ID: "deadbeef"}, nil
}
func (f *fakeDockerAPI) ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error) {
	return container.StatsResponseReader{Body: io.NopCloser(strings.NewReader("{}"))}, nil
}
func (f *fakeDockerAPI) Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error) {
	return nil, nil
}
func (f *fakeDockerAPI) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.pullStream)), nil
}
func (f *fakeDockerAPI) ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error) {
	return types.ImageInspect{}, nil, nil
}
func (f *fakeDockerAPI) NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error) {
	if f.networks[networkID] {
		return network.Inspect{Name: networkID}, nil
	}
	return network.Inspect{}, dockerErrNotFound{}
}
func (f *fakeDockerAPI) VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error) {
	return volume.Volume{Name: options.Name}, nil
}
func (f *fakeDockerAPI) Info(ctx context.Context) (types.Info, error)   { return types.Info{}, nil }
func (f *fakeDockerAPI) ServerVersion(ctx context.Context) (types.Version, error) {
	return types.Version{}, nil
}
func (f *fakeDockerAPI) Ping(ctx context.Context) (types.Ping, error) { return types.Ping{}, nil }
func (f *fakeDockerAPI) Close() error                                 { return nil }

type dockerErrNotFound struct{}

func (dockerErrNotFound) Error() string { return "network not found" }

func TestResolveNetworksBuiltins(t *testing.T) {
	e := &Executor{}
	api := &fakeDockerAPI{networks: map[string]bool{}}
	cfg, fellBack, err := e.resolveNetworks(context.Background(), api, []string{"bridge"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fellBack {
		t.Fatal("builtin network should never trigger fallback")
	}
	if _, ok := cfg.EndpointsConfig["bridge"]; !ok {
		t.Fatal("expected bridge endpoint config")
	}
}

func TestResolveNetworksFallsBackWhenMissing(t *testing.T) {
	e := &Executor{}
	api := &fakeDockerAPI{networks: map[string]bool{}}
	cfg, fellBack, err := e.resolveNetworks(context.Background(), api, []string{"appnet"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !fellBack {
		t.Fatal("expected fallback when network does not exist")
	}
	if _, ok := cfg.EndpointsConfig["bridge"]; !ok {
		t.Fatal("expected fallback to bridge")
	}
	if _, ok := cfg.EndpointsConfig["appnet"]; ok {
		t.Fatal("missing network must not be auto-created, per no-autocreate fallback behavior")
	}
}

func TestResolveNetworksUsesExisting(t *testing.T) {
	e := &Executor{}
	api := &fakeDockerAPI{networks: map[string]bool{"appnet": true}}
	cfg, fellBack, err := e.resolveNetworks(context.Background(), api, []string{"appnet"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fellBack {
		t.Fatal("existing network should not fall back")
	}
	if _, ok := cfg.EndpointsConfig["appnet"]; !ok {
		t.Fatal("expected appnet endpoint config")
	}
}

func TestResolveNetworksEmptyReturnsNilConfig(t *testing.T) {
	e := &Executor{}
	cfg, fellBack, err := e.resolveNetworks(context.Background(), &fakeDockerAPI{}, nil)
	if err != nil || fellBack || cfg != nil {
		t.Fatalf("expected nil config, no fallback, no error; got %v %v %v", cfg, fellBack, err)
	}
}

func TestEncodeRegistryAuth(t *testing.T) {
	got := encodeRegistryAuth("alice", "s3cr3t")
	decoded, err := base64.URLEncoding.DecodeString(got)
	if err != nil {
		t.Fatalf("expected valid base64: %v", err)
	}
	var auth registry.AuthConfig
	if err := json.Unmarshal(decoded, &auth); err != nil {
		t.Fatalf("expected valid JSON registry.AuthConfig: %v", err)
	}
	if auth.Username != "alice" || auth.Password != "s3cr3t" {
		t.Fatalf("got %+v", auth)
	}
}

func TestPullWithProgressPropagatesPullError(t *testing.T) {
	stream := `{"error":"manifest unknown","errorDetail":{"message":"manifest unknown"}}` + "\n"
	e := &Executor{}
	api := &fakeDockerAPI{pullStream: stream}
	err := e.pullWithProgress(context.Background(), api, "host1", "dep1", "web", "nginx:missing")
	if err == nil {
		t.Fatal("expected pull error to propagate")
	}
}

func TestPullWithProgressSucceeds(t *testing.T) {
	stream := `{"status":"Pulling from library/nginx","id":"abc"}
{"status":"Pull complete","id":"abc"}
{"status":"Digest: sha256:deadbeef"}
`
	e := &Executor{}
	api := &fakeDockerAPI{pullStream: stream}
	err := e.pullWithProgress(context.Background(), api, "host1", "dep1", "web", "nginx:latest")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
