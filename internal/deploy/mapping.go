package deploy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"gopkg.in/yaml.v3"
)

// ContainerSpec is the fully-resolved shape this package hands to Docker's
// ContainerCreate, after applying spec §4.5's directive precedence rules.
type ContainerSpec struct {
	ServiceName string
	Image       string
	Env         []string
	Labels      map[string]string
	Config      *container.Config
	HostConfig  *container.HostConfig
	NamedVolumes []string // volume names to ensure exist before create
	Networks     []string // networks to attach at create (empty means default bridge)
}

// BuildContainerSpec maps one compose service to a container spec. Resource
// limit precedence: deploy.resources.limits (v3 syntax) overrides
// mem_limit/cpus (v2 syntax) when both are present. deploy.resources.reservations
// is parsed but not applied to the container.
func BuildContainerSpec(name string, svc ComposeService, extraLabels map[string]string) (*ContainerSpec, error) {
	env := make([]string, 0, len(svc.Environment))
	for k, v := range svc.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{}
	for k, v := range svc.Labels {
		labels[k] = v
	}
	for k, v := range extraLabels {
		labels[k] = v
	}

	exposedPorts, portBindings, err := buildPortMappings(svc.Ports)
	if err != nil {
		return nil, err
	}

	devices, err := parseDevices(svc.Devices)
	if err != nil {
		return nil, err
	}

	extraHosts, err := parseExtraHosts(svc.ExtraHosts)
	if err != nil {
		return nil, err
	}

	binds, namedVolumes := splitVolumes(svc.Volumes)

	resources, err := resolveResources(svc)
	if err != nil {
		return nil, err
	}

	networkMode := container.NetworkMode("")
	if svc.NetworkMode != "" {
		networkMode = container.NetworkMode(svc.NetworkMode)
	}

	cfg := &container.Config{
		Image:        svc.Image,
		Env:          env,
		Labels:       labels,
		ExposedPorts: exposedPorts,
	}

	hostCfg := &container.HostConfig{
		PortBindings: portBindings,
		Binds:        binds,
		CapAdd:       svc.CapAdd,
		CapDrop:      svc.CapDrop,
		ExtraHosts:   extraHosts,
		Devices:      devices,
		Resources:    resources,
		NetworkMode:  networkMode,
		RestartPolicy: buildRestartPolicy(svc.Restart),
	}

	return &ContainerSpec{
		ServiceName:  name,
		Image:        svc.Image,
		Env:          env,
		Labels:       labels,
		Config:       cfg,
		HostConfig:   hostCfg,
		NamedVolumes: namedVolumes,
		Networks:     svc.Networks,
	}, nil
}

func buildPortMappings(ports []string) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		parts := strings.Split(p, ":")
		var hostPort, containerPortProto string
		switch len(parts) {
		case 1:
			containerPortProto = parts[0]
		case 2:
			hostPort, containerPortProto = parts[0], parts[1]
		case 3:
			hostPort, containerPortProto = parts[1], parts[2]
		default:
			return nil, nil, fmt.Errorf("invalid port mapping %q", p)
		}
		proto := "tcp"
		cp := containerPortProto
		if idx := strings.Index(containerPortProto, "/"); idx >= 0 {
			cp = containerPortProto[:idx]
			proto = containerPortProto[idx+1:]
		}
		key := nat.Port(cp + "/" + proto)
		exposed[key] = struct{}{}
		if hostPort != "" {
			bindings[key] = append(bindings[key], nat.PortBinding{HostPort: hostPort})
		}
	}
	return exposed, bindings, nil
}

func parseDevices(node yaml.Node) ([]container.DeviceMapping, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	var raw []string
	if err := node.Decode(&raw); err != nil {
		return nil, fmt.Errorf("devices: expected a list of \"host:container[:perms]\" strings")
	}
	out := make([]container.DeviceMapping, 0, len(raw))
	for _, d := range raw {
		parts := strings.Split(d, ":")
		perms := "rwm"
		hostPath := parts[0]
		containerPath := parts[0]
		if len(parts) >= 2 {
			containerPath = parts[1]
		}
		if len(parts) >= 3 {
			perms = parts[2]
		}
		out = append(out, container.DeviceMapping{PathOnHost: hostPath, PathInContainer: containerPath, CgroupPermissions: perms})
	}
	return out, nil
}

// parseExtraHosts accepts both the list form ("host:ip") and the dict form
// ({host: ip}), per spec §4.5.
func parseExtraHosts(node yaml.Node) ([]string, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return nil, fmt.Errorf("extra_hosts: invalid list form")
		}
		return list, nil
	case yaml.MappingNode:
		var m map[string]string
		if err := node.Decode(&m); err != nil {
			return nil, fmt.Errorf("extra_hosts: invalid dict form")
		}
		out := make([]string, 0, len(m))
		for host, ip := range m {
			out = append(out, host+":"+ip)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("extra_hosts: must be a list or dict")
	}
}

func splitVolumes(volumes []string) (binds []string, named []string) {
	for _, v := range volumes {
		parts := strings.SplitN(v, ":", 2)
		if len(parts) != 2 {
			continue
		}
		source := parts[0]
		if strings.HasPrefix(source, "/") || strings.HasPrefix(source, "./") || strings.HasPrefix(source, "~") {
			binds = append(binds, v)
		} else {
			named = append(named, source)
			binds = append(binds, v)
		}
	}
	return binds, named
}

func buildRestartPolicy(restart string) container.RestartPolicy {
	switch restart {
	case "always":
		return container.RestartPolicy{Name: container.RestartPolicyAlways}
	case "on-failure":
		return container.RestartPolicy{Name: container.RestartPolicyOnFailure}
	case "unless-stopped":
		return container.RestartPolicy{Name: container.RestartPolicyUnlessStopped}
	default:
		return container.RestartPolicy{Name: container.RestartPolicyDisabled}
	}
}

// resolveResources applies v3-overrides-v2 precedence: deploy.resources.limits
// wins over mem_limit/cpus when both are present; reservations are ignored.
func resolveResources(svc ComposeService) (container.Resources, error) {
	var res container.Resources

	if svc.MemLimit != "" {
		bytes, err := units.RAMInBytes(svc.MemLimit)
		if err != nil {
			return res, fmt.Errorf("invalid mem_limit %q: %w", svc.MemLimit, err)
		}
		res.Memory = bytes
	}
	if svc.CPUs != "" {
		nano, err := parseCPUsToNano(svc.CPUs)
		if err != nil {
			return res, err
		}
		res.NanoCPUs = nano
	}

	if svc.Deploy != nil && svc.Deploy.Resources.Limits != nil {
		lim := svc.Deploy.Resources.Limits
		if lim.Memory != "" {
			bytes, err := units.RAMInBytes(lim.Memory)
			if err != nil {
				return res, fmt.Errorf("invalid deploy.resources.limits.memory %q: %w", lim.Memory, err)
			}
			res.Memory = bytes
		}
		if lim.CPUs != "" {
			nano, err := parseCPUsToNano(lim.CPUs)
			if err != nil {
				return res, err
			}
			res.NanoCPUs = nano
		}
	}

	return res, nil
}

func parseCPUsToNano(cpus string) (int64, error) {
	f, err := strconv.ParseFloat(cpus, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cpus value %q", cpus)
	}
	return int64(f * 1e9), nil
}
