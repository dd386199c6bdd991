package agentchannel

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/dockmon/dockmon/internal/store"
	"github.com/dockmon/dockmon/pkg/dockertypes"
)

// Registrar authenticates an incoming agent connection and resolves (or
// creates) the Host record it belongs to. The default implementation
// (NewStoreRegistrar) is backed by internal/store; tests substitute a fake.
type Registrar interface {
	Register(ctx context.Context, req dockertypes.RegistrationRequest) (hostID string, permanentToken string, err error)
}

// storeRegistrar is the production Registrar: new agents present a shared
// enrollment secret (configured on the daemon and shown to the operator
// when they add an agent-connected host), after which a per-host permanent
// token is minted and hashed into hosts.agent_token_hash; subsequent
// reconnects present that permanent token instead.
type storeRegistrar struct {
	hosts             *store.HostRepo
	enrollmentSecret  string
}

// NewStoreRegistrar builds the production Registrar. enrollmentSecret gates
// first-time registration of a previously-unknown engine_id; it plays the
// same role as the teacher's RegistrationToken/PermanentToken pair, split
// explicitly into "how a brand new agent gets in" vs "how a known agent
// proves it's still the same one".
func NewStoreRegistrar(hosts *store.HostRepo, enrollmentSecret string) Registrar {
	return &storeRegistrar{hosts: hosts, enrollmentSecret: enrollmentSecret}
}

func (r *storeRegistrar) Register(ctx context.Context, req dockertypes.RegistrationRequest) (string, string, error) {
	if req.EngineID == "" {
		return "", "", fmt.Errorf("registration rejected: missing engine_id")
	}

	hash := hashToken(req.Token)
	if byToken, err := r.hosts.FindByAgentTokenHash(ctx, hash); err == nil && byToken != nil {
		return byToken.ID, "", nil
	}

	existing, err := r.hosts.FindActiveByEngineID(ctx, req.EngineID)
	if err != nil {
		return "", "", fmt.Errorf("registration lookup: %w", err)
	}
	if existing != nil {
		// Known engine, but the presented token didn't match its stored
		// hash above — reject rather than silently re-adopt the host.
		return "", "", fmt.Errorf("registration rejected: token does not match host %s", existing.ID)
	}

	if r.enrollmentSecret == "" || subtle.ConstantTimeCompare([]byte(req.Token), []byte(r.enrollmentSecret)) != 1 {
		return "", "", fmt.Errorf("registration rejected: invalid enrollment token")
	}

	systemInfo, _ := json.Marshal(map[string]any{
		"hostname":          req.Hostname,
		"os_type":           req.OSType,
		"os_version":        req.OSVersion,
		"kernel_version":    req.KernelVersion,
		"docker_version":    req.DockerVersion,
		"daemon_started_at": req.DaemonStartedAt,
		"total_memory":      req.TotalMemory,
		"num_cpus":          req.NumCPUs,
		"agent_version":     req.Version,
		"proto_version":     req.ProtoVersion,
	})

	host := &store.Host{
		ID:             uuid.NewString(),
		Name:           req.Hostname,
		URL:            "",
		ConnectionType: store.ConnectionAgent,
		EngineID:       sql.NullString{String: req.EngineID, Valid: true},
		SystemInfo:     sql.NullString{String: string(systemInfo), Valid: len(systemInfo) > 0},
	}
	if err := r.hosts.Create(ctx, host); err != nil {
		return "", "", fmt.Errorf("registration: create host: %w", err)
	}

	permanentToken, err := generateToken()
	if err != nil {
		return "", "", fmt.Errorf("registration: generate token: %w", err)
	}
	if err := r.hosts.SetAgentToken(ctx, host.ID, hashToken(permanentToken)); err != nil {
		return "", "", fmt.Errorf("registration: persist token: %w", err)
	}

	return host.ID, permanentToken, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
