package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dockmon/dockmon/internal/dockerr"
)

// ConnectionType is one of the three Host Session Manager session variants.
type ConnectionType string

const (
	ConnectionLocal  ConnectionType = "local"
	ConnectionRemote ConnectionType = "remote"
	ConnectionAgent  ConnectionType = "agent"
)

// Host is the persisted record behind a Host Session Manager session.
type Host struct {
	ID               string         `db:"id"`
	Name             string         `db:"name"`
	URL              string         `db:"url"`
	ConnectionType   ConnectionType `db:"connection_type"`
	TLSMaterial      sql.NullString `db:"tls_material"`
	EngineID         sql.NullString `db:"engine_id"`
	IsActive         bool           `db:"is_active"`
	ReplacedByHostID sql.NullString `db:"replaced_by_host_id"`
	SystemInfo       sql.NullString `db:"system_info"`
	AgentTokenHash   sql.NullString `db:"agent_token_hash"`
	CreatedAt        string         `db:"created_at"`
	UpdatedAt        string         `db:"updated_at"`
}

// HostRepo is the typed repository for hosts and the agent-migration
// transaction that rewrites composite keys across every dependent table.
type HostRepo struct{ s *Store }

func (s *Store) Hosts() *HostRepo { return &HostRepo{s} }

func (r *HostRepo) Create(ctx context.Context, h *Host) error {
	now := nowUTC().Format(timeLayout)
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO hosts (id, name, url, connection_type, tls_material, engine_id, is_active, system_info, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
			h.ID, h.Name, h.URL, h.ConnectionType, h.TLSMaterial, h.EngineID, h.SystemInfo, now, now)
		return err
	})
}

func (r *HostRepo) Get(ctx context.Context, id string) (*Host, error) {
	var h Host
	err := r.s.db.GetContext(ctx, &h, `SELECT * FROM hosts WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, dockerr.NewNotFoundError("host not found").WithEntity(id)
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// ListActive returns every is_active=1 host, used at daemon startup to
// establish a session for each one without waiting on a client request.
func (r *HostRepo) ListActive(ctx context.Context) ([]Host, error) {
	var hosts []Host
	err := r.s.db.SelectContext(ctx, &hosts, `SELECT * FROM hosts WHERE is_active = 1 ORDER BY created_at`)
	return hosts, err
}

// FindActiveByEngineID returns the active (is_active=true) host with the
// given engine ID, or nil if none exists. Used by agent registration to
// detect a migration candidate.
func (r *HostRepo) FindActiveByEngineID(ctx context.Context, engineID string) (*Host, error) {
	var h Host
	err := r.s.db.GetContext(ctx, &h, `SELECT * FROM hosts WHERE engine_id = ? AND is_active = 1 LIMIT 1`, engineID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// MigrateHost performs the atomic agent-migration transaction described in
// spec §4.1: rewrite every composite key referencing oldHostID to newHostID
// across auto-restart configs, desired states, tag assignments, health
// checks, deployment metadata, and container updates, then mark oldHostID
// inactive and pointing at newHostID. Rolls back entirely on any failure.
func (r *HostRepo) MigrateHost(ctx context.Context, oldHostID, newHostID string) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		tables := []string{
			"auto_restart_configs",
			"desired_states",
			"container_health_checks",
			"deployment_metadata",
			"container_updates",
		}
		for _, table := range tables {
			col := "composite_key"
			if table == "deployment_metadata" {
				col = "container_composite_key"
			}
			q := fmt.Sprintf(`UPDATE %s SET %s = ? || substr(%s, instr(%s, ':')), host_id = ? WHERE host_id = ?`, table, col, col, col)
			if _, err := tx.ExecContext(ctx, q, newHostID, newHostID, oldHostID); err != nil {
				return fmt.Errorf("rewrite %s: %w", table, err)
			}
		}

		// Tag assignments are keyed by subject_id, not a dedicated host_id
		// column; subject_type='container' rows use the composite key form.
		if _, err := tx.ExecContext(ctx, `
			UPDATE tag_assignments
			SET subject_id = ? || substr(subject_id, instr(subject_id, ':'))
			WHERE subject_type = 'container' AND subject_id LIKE ? || ':%'`,
			newHostID, oldHostID); err != nil {
			return fmt.Errorf("rewrite tag assignments (container): %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tag_assignments SET subject_id = ?
			WHERE subject_type = 'host' AND subject_id = ?`, newHostID, oldHostID); err != nil {
			return fmt.Errorf("rewrite tag assignments (host): %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE hosts SET is_active = 0, replaced_by_host_id = ?, updated_at = ?
			WHERE id = ? AND is_active = 1`, newHostID, nowUTC().Format(timeLayout), oldHostID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return dockerr.NewConflictError("host already migrated").WithEntity(oldHostID)
		}
		return nil
	})
}

// CleanupHostData implements spec §4.1's cleanup_host_data: deletes
// auto-restart configs and desired states, resolves (does not delete) open
// alerts scoped to the host or its containers, and preserves audit/event
// logs. Deployment metadata is handled by the CASCADE on host deletion.
// Idempotent: a second call returns zero affected rows.
func (r *HostRepo) CleanupHostData(ctx context.Context, hostID string) (affected int64, err error) {
	err = r.s.withTx(ctx, func(tx txExec) error {
		var total int64
		for _, q := range []string{
			`DELETE FROM auto_restart_configs WHERE host_id = ?`,
			`DELETE FROM desired_states WHERE host_id = ?`,
		} {
			res, err := tx.ExecContext(ctx, q, hostID)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE alert_instances SET state = 'resolved', last_seen = ?
			WHERE state = 'open' AND (scope_id = ? OR scope_id LIKE ? || ':%')`,
			nowUTC().Format(timeLayout), hostID, hostID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		total += n
		affected = total
		return nil
	})
	return affected, err
}

// SetAgentToken stores the SHA-256 hash of a newly-issued permanent agent
// token, following the same hash-then-compare idiom as TokenRepo's action
// tokens — the raw token is handed to the agent once and never persisted.
func (r *HostRepo) SetAgentToken(ctx context.Context, hostID, tokenHash string) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `UPDATE hosts SET agent_token_hash = ?, updated_at = ? WHERE id = ?`,
			tokenHash, nowUTC().Format(timeLayout), hostID)
		return err
	})
}

// FindByAgentTokenHash looks up the agent-connection host owning a given
// token hash, used to authenticate a reconnecting agent by its permanent
// token rather than its (possibly reused) engine ID.
func (r *HostRepo) FindByAgentTokenHash(ctx context.Context, tokenHash string) (*Host, error) {
	var h Host
	err := r.s.db.GetContext(ctx, &h, `SELECT * FROM hosts WHERE agent_token_hash = ? AND is_active = 1 LIMIT 1`, tokenHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *HostRepo) Delete(ctx context.Context, id string) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM hosts WHERE id = ?`, id)
		return err
	})
}

const timeLayout = "2006-01-02T15:04:05.000Z"
