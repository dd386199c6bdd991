package session

import (
	"context"
	"fmt"

	"github.com/dockmon/dockmon/internal/dockerr"
	"github.com/dockmon/dockmon/internal/store"
)

// RegistrationRequest is what an on-host agent presents when it connects.
type RegistrationRequest struct {
	Token        string
	EngineID     string
	Hostname     string
	Version      string
	Capabilities []string
}

// RegistrationResult reports whether registration triggered a host
// migration, per spec §4.1.
type RegistrationResult struct {
	HostID            string
	MigrationDetected bool
	OldHostID         string
}

// Register handles an agent's registration request: if an active,
// non-local host already exists with the same engine ID, it performs the
// migration transaction (rewriting every composite key reference); if no
// match exists, Register creates newHost fresh (newHost.ID must already be
// populated).
//
// Rejections: a matched host with connection_type=local returns a
// permanent-kind error ("not supported"); an already-migrated match
// (is_active=false) returns a conflict-kind error ("already migrated").
func (m *Manager) Register(ctx context.Context, req RegistrationRequest, newHost *store.Host) (*RegistrationResult, error) {
	hosts := m.store.Hosts()

	matched, err := hosts.FindActiveByEngineID(ctx, req.EngineID)
	if err != nil {
		return nil, fmt.Errorf("session: lookup engine_id: %w", err)
	}

	if matched == nil {
		if err := hosts.Create(ctx, newHost); err != nil {
			return nil, err
		}
		return &RegistrationResult{HostID: newHost.ID}, nil
	}

	if matched.ConnectionType == store.ConnectionLocal {
		return nil, dockerr.NewPermanentError("not supported").WithEntity(matched.ID)
	}
	if !matched.IsActive {
		return nil, dockerr.NewConflictError("already migrated").WithEntity(matched.ID)
	}

	if err := hosts.Create(ctx, newHost); err != nil {
		return nil, fmt.Errorf("session: create migrated host: %w", err)
	}

	if err := hosts.MigrateHost(ctx, matched.ID, newHost.ID); err != nil {
		// Compensate: the new host row was created but the migration did
		// not commit; remove it so a retry starts clean rather than
		// leaving an orphaned, unmigrated host record.
		_ = hosts.Delete(ctx, newHost.ID)
		return nil, fmt.Errorf("session: migrate host data: %w", err)
	}

	m.Remove(matched.ID)

	return &RegistrationResult{
		HostID:            newHost.ID,
		MigrationDetected: true,
		OldHostID:         matched.ID,
	}, nil
}
