// Package update is the Container Update Pipeline: registry digest
// comparison, a batch pre-flight policy validator, and the per-container
// update executor (stop old, create new, start, verify, migrate tags,
// rollback on failure) described in spec §4.6. Grounded almost directly on
// shared/update/{update.go,config.go,rollback.go,dependents.go,detect.go},
// adapted from a direct *client.Client dependency to session.DockerAPI so
// it works identically against a local session or an agent-relayed one,
// and extended with the registry-digest update *check* (absent from the
// teacher, which only ever applies an update a caller already decided on).
package update

import (
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
)

// Request contains all parameters for one container update.
type Request struct {
	HostID        string
	CompositeKey  string // old composite key, before recreation
	ContainerID   string
	NewImage      string
	StopTimeout   int // seconds, default 30
	HealthTimeout int // seconds, default 120
}

// Result contains the outcome of an update operation.
type Result struct {
	Success          bool
	OldContainerID   string
	NewContainerID   string
	NewCompositeKey  string
	ContainerName    string
	RolledBack       bool
	FailedDependents []string
	Error            string
}

// Stage constants, broadcast as the `stage` field of update_status events.
const (
	StagePulling     = "pulling"
	StageConfiguring = "configuring"
	StageBackup      = "backup"
	StageCreating    = "creating"
	StageStarting    = "starting"
	StageHealthCheck = "health_check"
	StageDependents  = "dependents"
	StageCleanup     = "cleanup"
	StageCompleted   = "completed"
	StageFailed      = "failed"
	StageRollback    = "rollback"
)

// ExtractedConfig holds the container configuration extracted from the old
// container and transformed for recreation with a new image.
type ExtractedConfig struct {
	Config           *container.Config
	HostConfig       *container.HostConfig
	NetworkingConfig *network.NetworkingConfig
	AdditionalNets   map[string]*network.EndpointSettings
	ContainerName    string
}

// RegistryAuth resolves pull credentials for an image reference, matching
// the Deployment Executor's callback contract (spec §4.6 step 2). Returning
// ok=false is treated as "no auth", never fatal.
type RegistryAuth func(image string) (user, pass string, ok bool)

// Options configures an Executor.
type Options struct {
	IsPodman                 bool
	SupportsNetworkingConfig bool
}

// DependentContainer is another container wired to the one being updated via
// `network_mode: container:<id|name>` — it shares the parent's network
// namespace, so it must be recreated against the parent's new container ID
// once the parent itself is replaced (spec §4.6 step 6).
type DependentContainer struct {
	Container      types.ContainerJSON
	Name           string
	ID             string
	Image          string
	OldNetworkMode string
}
