package deploy

import (
	"testing"

	"github.com/docker/go-units"
)

func mustParse(t *testing.T, doc string) ComposeService {
	t.Helper()
	cf, _, err := ParseAndValidate([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	for _, svc := range cf.Services {
		return svc
	}
	t.Fatal("no services parsed")
	return ComposeService{}
}

func TestBuildContainerSpecPortsAndEnv(t *testing.T) {
	svc := mustParse(t, `
services:
  web:
    image: nginx
    ports:
      - "8080:80"
    environment:
      FOO: bar
`)
	spec, err := BuildContainerSpec("web", svc, map[string]string{"dockmon.deployment": "d1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spec.Labels["dockmon.deployment"] != "d1" {
		t.Fatalf("expected deployment label to be set")
	}
	if len(spec.Config.ExposedPorts) != 1 {
		t.Fatalf("expected 1 exposed port, got %d", len(spec.Config.ExposedPorts))
	}
	if len(spec.HostConfig.PortBindings) != 1 {
		t.Fatalf("expected 1 port binding, got %d", len(spec.HostConfig.PortBindings))
	}
}

func TestBuildContainerSpecExtraHostsListForm(t *testing.T) {
	svc := mustParse(t, `
services:
  web:
    image: nginx
    extra_hosts:
      - "somehost:192.168.1.1"
`)
	spec, err := BuildContainerSpec("web", svc, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(spec.HostConfig.ExtraHosts) != 1 || spec.HostConfig.ExtraHosts[0] != "somehost:192.168.1.1" {
		t.Fatalf("got %v", spec.HostConfig.ExtraHosts)
	}
}

func TestBuildContainerSpecExtraHostsDictForm(t *testing.T) {
	svc := mustParse(t, `
services:
  web:
    image: nginx
    extra_hosts:
      somehost: "192.168.1.1"
`)
	spec, err := BuildContainerSpec("web", svc, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(spec.HostConfig.ExtraHosts) != 1 || spec.HostConfig.ExtraHosts[0] != "somehost:192.168.1.1" {
		t.Fatalf("got %v", spec.HostConfig.ExtraHosts)
	}
}

func TestBuildContainerSpecDevices(t *testing.T) {
	svc := mustParse(t, `
services:
  web:
    image: nginx
    devices:
      - "/dev/ttyUSB0:/dev/ttyUSB0:rw"
`)
	spec, err := BuildContainerSpec("web", svc, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(spec.HostConfig.Devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(spec.HostConfig.Devices))
	}
	d := spec.HostConfig.Devices[0]
	if d.PathOnHost != "/dev/ttyUSB0" || d.PathInContainer != "/dev/ttyUSB0" || d.CgroupPermissions != "rw" {
		t.Fatalf("got %+v", d)
	}
}

func TestBuildContainerSpecNamedVsBindVolumes(t *testing.T) {
	svc := mustParse(t, `
services:
  web:
    image: nginx
    volumes:
      - "/host/path:/container/path"
      - "data:/var/lib/data"
`)
	spec, err := BuildContainerSpec("web", svc, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(spec.NamedVolumes) != 1 || spec.NamedVolumes[0] != "data" {
		t.Fatalf("expected named volume 'data', got %v", spec.NamedVolumes)
	}
	if len(spec.HostConfig.Binds) != 2 {
		t.Fatalf("expected 2 binds, got %d", len(spec.HostConfig.Binds))
	}
}

func TestResolveResourcesV3OverridesV2(t *testing.T) {
	svc := mustParse(t, `
services:
  web:
    image: nginx
    mem_limit: "256m"
    cpus: "0.5"
    deploy:
      resources:
        limits:
          memory: "512m"
          cpus: "1.0"
`)
	spec, err := BuildContainerSpec("web", svc, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantMem, _ := units.RAMInBytes("512m")
	if spec.HostConfig.Resources.Memory != wantMem {
		t.Fatalf("expected deploy.resources.limits.memory (%d) to win over mem_limit, got %d", wantMem, spec.HostConfig.Resources.Memory)
	}
	if spec.HostConfig.Resources.NanoCPUs != int64(1.0*1e9) {
		t.Fatalf("expected deploy.resources.limits.cpus to win, got %d", spec.HostConfig.Resources.NanoCPUs)
	}
}

func TestResolveResourcesV2OnlyWhenNoV3(t *testing.T) {
	svc := mustParse(t, `
services:
  web:
    image: nginx
    mem_limit: "256m"
    cpus: "0.5"
`)
	spec, err := BuildContainerSpec("web", svc, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantMem, _ := units.RAMInBytes("256m")
	if spec.HostConfig.Resources.Memory != wantMem {
		t.Fatalf("expected mem_limit (%d), got %d", wantMem, spec.HostConfig.Resources.Memory)
	}
}

func TestBuildRestartPolicy(t *testing.T) {
	cases := map[string]string{
		"always":         "always",
		"on-failure":     "on-failure",
		"unless-stopped": "unless-stopped",
		"":               "no",
		"something-else": "no",
	}
	for in, want := range cases {
		got := buildRestartPolicy(in)
		if string(got.Name) != want {
			t.Errorf("buildRestartPolicy(%q) = %q, want %q", in, got.Name, want)
		}
	}
}
