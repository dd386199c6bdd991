package deploy

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dockmon/dockmon/internal/dockerr"
)

// unsafeTagPattern matches YAML tags that would deserialize to executable
// code or arbitrary objects in unsafe loaders (the concern named in spec
// §4.5's "YAML safety" validation step, carried over from the Python
// original's pyyaml safe_load audit; Go's yaml.v3 decoder does not execute
// tags, but a rejected-up-front check keeps the contract explicit and
// catches hand-authored compose files intended for a different loader).
var unsafeTagPattern = regexp.MustCompile(`!!(python|ruby|perl|java)/|!!map:|!!exec`)

// ComposeFile is the minimal shape of a compose document this package
// validates and maps into container configs, covering the directives named
// in spec §4.5. It deliberately does not use compose-spec/compose-go's full
// ServiceConfig: the spec's own per-directive edge cases (list-or-dict
// extra_hosts, v2-vs-v3 resource precedence, mutual exclusion between
// network_mode and networks) need to be checked explicitly rather than
// relying on that library's already-normalized structures.
type ComposeFile struct {
	Services map[string]ComposeService `yaml:"services"`
}

type ComposeService struct {
	Image       string                 `yaml:"image"`
	Build       any                    `yaml:"build"`
	Ports       []string               `yaml:"ports"`
	Environment map[string]string      `yaml:"environment"`
	Labels      map[string]string      `yaml:"labels"`
	Volumes     []string               `yaml:"volumes"`
	Networks    []string               `yaml:"networks"`
	NetworkMode string                 `yaml:"network_mode"`
	DependsOn   yaml.Node              `yaml:"depends_on"`
	CapAdd      []string               `yaml:"cap_add"`
	CapDrop     []string               `yaml:"cap_drop"`
	ExtraHosts  yaml.Node              `yaml:"extra_hosts"`
	Devices     yaml.Node              `yaml:"devices"`
	Healthcheck map[string]any         `yaml:"healthcheck"`
	Restart     string                 `yaml:"restart"`
	MemLimit    string                 `yaml:"mem_limit"`
	CPUs        string                 `yaml:"cpus"`
	Deploy      *ComposeDeploy         `yaml:"deploy"`
}

type ComposeDeploy struct {
	Resources struct {
		Limits       *ComposeResourceSpec `yaml:"limits"`
		Reservations *ComposeResourceSpec `yaml:"reservations"`
	} `yaml:"resources"`
}

type ComposeResourceSpec struct {
	CPUs   string `yaml:"cpus"`
	Memory string `yaml:"memory"`
}

// ParseAndValidate unmarshals raw compose YAML and checks the structural
// requirements of spec §4.5: no unsafe tags, non-empty services, each
// service has image or build, per-service port format, and a dependency
// graph with no self-reference or cycle. On success it also returns the
// topological startup order.
func ParseAndValidate(raw []byte) (*ComposeFile, []string, error) {
	if unsafeTagPattern.Match(raw) {
		return nil, nil, dockerr.NewValidationError("compose file contains an unsafe YAML tag")
	}

	var cf ComposeFile
	if err := yaml.Unmarshal(raw, &cf); err != nil {
		return nil, nil, dockerr.NewValidationError(fmt.Sprintf("invalid compose YAML: %v", err))
	}

	if len(cf.Services) == 0 {
		return nil, nil, dockerr.NewValidationError("compose file has no services")
	}

	// A second decode distinguishes `network_mode: ''` from an absent key.
	var presence struct {
		Services map[string]struct {
			NetworkMode *string `yaml:"network_mode"`
		} `yaml:"services"`
	}
	_ = yaml.Unmarshal(raw, &presence)

	names := make([]string, 0, len(cf.Services))
	for name, svc := range cf.Services {
		names = append(names, name)
		if svc.Image == "" && svc.Build == nil {
			return nil, nil, dockerr.NewValidationError(fmt.Sprintf("service %q has neither image nor build", name))
		}
		for _, p := range svc.Ports {
			if err := validatePortMapping(p); err != nil {
				return nil, nil, dockerr.NewValidationError(fmt.Sprintf("service %q: %v", name, err))
			}
		}
		if svc.NetworkMode != "" && len(svc.Networks) > 0 {
			return nil, nil, dockerr.NewValidationError(fmt.Sprintf("service %q: network_mode and networks are mutually exclusive", name))
		}
		// absence of both is fine (defaults to the project's default network);
		// a network_mode key present with an empty or blank value is not.
		if nm := presence.Services[name].NetworkMode; nm != nil && len(svc.Networks) == 0 && strings.TrimSpace(*nm) == "" {
			return nil, nil, dockerr.NewValidationError(fmt.Sprintf("service %q: network_mode must not be empty string", name))
		}
		if svc.Devices.Kind != 0 && svc.Devices.Kind != yaml.SequenceNode {
			return nil, nil, dockerr.NewValidationError(fmt.Sprintf("service %q: devices must be a list", name))
		}
	}

	deps, err := parseDependsOn(cf.Services)
	if err != nil {
		return nil, nil, err
	}
	order, err := topoSort(names, deps)
	if err != nil {
		return nil, nil, err
	}

	return &cf, order, nil
}

func validatePortMapping(p string) error {
	parts := strings.Split(p, ":")
	if len(parts) < 1 || len(parts) > 3 {
		return fmt.Errorf("invalid port mapping %q", p)
	}
	last := parts[len(parts)-1]
	last = strings.SplitN(last, "/", 2)[0]
	if _, err := strconv.Atoi(last); err != nil {
		return fmt.Errorf("invalid port mapping %q", p)
	}
	return nil
}

// parseDependsOn accepts both list form (depends_on: [a, b]) and map form
// (depends_on: {a: {condition: service_started}}).
func parseDependsOn(services map[string]ComposeService) (map[string][]string, error) {
	deps := make(map[string][]string, len(services))
	for name, svc := range services {
		var names []string
		switch svc.DependsOn.Kind {
		case 0:
			// absent
		case yaml.SequenceNode:
			if err := svc.DependsOn.Decode(&names); err != nil {
				return nil, dockerr.NewValidationError(fmt.Sprintf("service %q: invalid depends_on list", name))
			}
		case yaml.MappingNode:
			var m map[string]any
			if err := svc.DependsOn.Decode(&m); err != nil {
				return nil, dockerr.NewValidationError(fmt.Sprintf("service %q: invalid depends_on map", name))
			}
			for dep := range m {
				names = append(names, dep)
			}
		}
		for _, dep := range names {
			if dep == name {
				return nil, dockerr.NewValidationError(fmt.Sprintf("service %q depends on itself", name))
			}
			if _, ok := services[dep]; !ok {
				return nil, dockerr.NewValidationError(fmt.Sprintf("service %q depends on unknown service %q", name, dep))
			}
		}
		deps[name] = names
	}
	return deps, nil
}

// topoSort produces a deterministic startup order (visiting dependencies
// first), detecting cycles via the standard white/gray/black DFS coloring.
func topoSort(names []string, deps map[string][]string) ([]string, error) {
	sort.Strings(names) // deterministic iteration regardless of map order
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(names))
	var order []string

	var visit func(n string) error
	visit = func(n string) error {
		switch color[n] {
		case black:
			return nil
		case gray:
			return dockerr.NewValidationError(fmt.Sprintf("dependency cycle detected at service %q", n))
		}
		color[n] = gray
		for _, dep := range deps[n] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[n] = black
		order = append(order, n)
		return nil
	}

	for _, n := range names {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return order, nil
}
