package store

import (
	"context"
	"database/sql"
)

// FloatingTagMode distinguishes "track newest by tag" from "exact pin" for
// update-check purposes.
type FloatingTagMode string

const (
	FloatingLatest FloatingTagMode = "latest"
	FloatingExact  FloatingTagMode = "exact"
)

type ContainerUpdate struct {
	CompositeKey     string         `db:"composite_key"`
	HostID           string         `db:"host_id"`
	CurrentImage     string         `db:"current_image"`
	CurrentDigest    sql.NullString `db:"current_digest"`
	LatestImage      sql.NullString `db:"latest_image"`
	LatestDigest     sql.NullString `db:"latest_digest"`
	UpdateAvailable  bool           `db:"update_available"`
	FloatingTagMode  FloatingTagMode `db:"floating_tag_mode"`
	LastCheckedAt    sql.NullString `db:"last_checked_at"`
}

// UpdatePolicyCategory groups image-name patterns for the batch pre-flight
// validator (spec §4.6): critical images are blocked, others matching an
// enabled pattern are warned.
type UpdatePolicyCategory string

const (
	PolicyCritical   UpdatePolicyCategory = "critical"
	PolicyDatabases  UpdatePolicyCategory = "databases"
	PolicyProxies    UpdatePolicyCategory = "proxies"
	PolicyMonitoring UpdatePolicyCategory = "monitoring"
)

type UpdatePolicy struct {
	Pattern  string                `db:"pattern"`
	Category UpdatePolicyCategory  `db:"category"`
	Enabled  bool                  `db:"enabled"`
}

type UpdateRepo struct{ s *Store }

func (s *Store) Updates() *UpdateRepo { return &UpdateRepo{s} }

func (r *UpdateRepo) Upsert(ctx context.Context, u *ContainerUpdate) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO container_updates (composite_key, host_id, current_image, current_digest, latest_image,
				latest_digest, update_available, floating_tag_mode, last_checked_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(composite_key) DO UPDATE SET
				current_image=excluded.current_image, current_digest=excluded.current_digest,
				latest_image=excluded.latest_image, latest_digest=excluded.latest_digest,
				update_available=excluded.update_available, last_checked_at=excluded.last_checked_at`,
			u.CompositeKey, u.HostID, u.CurrentImage, u.CurrentDigest, u.LatestImage, u.LatestDigest,
			u.UpdateAvailable, u.FloatingTagMode, u.LastCheckedAt)
		return err
	})
}

func (r *UpdateRepo) Get(ctx context.Context, compositeKey string) (*ContainerUpdate, error) {
	var u ContainerUpdate
	err := r.s.db.GetContext(ctx, &u, `SELECT * FROM container_updates WHERE composite_key = ?`, compositeKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (r *UpdateRepo) ListEnabledPolicies(ctx context.Context) ([]UpdatePolicy, error) {
	var out []UpdatePolicy
	err := r.s.db.SelectContext(ctx, &out, `SELECT * FROM update_policies WHERE enabled = 1`)
	return out, err
}

// Rename composite key on the container_updates row after a successful
// update applies the new container's identity (spec §4.6 step 6, mirrored
// for the update-check table).
func (r *UpdateRepo) RenameKey(ctx context.Context, oldKey, newKey string) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `UPDATE container_updates SET composite_key = ? WHERE composite_key = ?`, newKey, oldKey)
		return err
	})
}
