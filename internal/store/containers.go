package store

import "context"

// DesiredState records a user's intent for whether a container should be
// running, independent of its current observed state.
type DesiredState struct {
	CompositeKey string `db:"composite_key"`
	HostID       string `db:"host_id"`
	Name         string `db:"name"`
	Desired      string `db:"desired"` // should_run | on_demand | unspecified
}

// AutoRestartConfig toggles whether DockMon restarts a container that dies
// unexpectedly (independent of the HTTP health checker's own restart logic).
type AutoRestartConfig struct {
	CompositeKey string `db:"composite_key"`
	HostID       string `db:"host_id"`
	Name         string `db:"name"`
	Enabled      bool   `db:"enabled"`
}

type ContainerRepo struct{ s *Store }

func (s *Store) Containers() *ContainerRepo { return &ContainerRepo{s} }

func (r *ContainerRepo) SetDesiredState(ctx context.Context, d *DesiredState) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO desired_states (composite_key, host_id, name, desired)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(composite_key) DO UPDATE SET name = excluded.name, desired = excluded.desired`,
			d.CompositeKey, d.HostID, d.Name, d.Desired)
		return err
	})
}

func (r *ContainerRepo) GetDesiredState(ctx context.Context, compositeKey string) (*DesiredState, error) {
	var d DesiredState
	err := r.s.db.GetContext(ctx, &d, `SELECT * FROM desired_states WHERE composite_key = ?`, compositeKey)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *ContainerRepo) SetAutoRestart(ctx context.Context, a *AutoRestartConfig) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO auto_restart_configs (composite_key, host_id, name, enabled)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(composite_key) DO UPDATE SET name = excluded.name, enabled = excluded.enabled`,
			a.CompositeKey, a.HostID, a.Name, a.Enabled)
		return err
	})
}

func (r *ContainerRepo) ListAutoRestartEnabled(ctx context.Context, hostID string) ([]AutoRestartConfig, error) {
	var out []AutoRestartConfig
	err := r.s.db.SelectContext(ctx, &out, `
		SELECT * FROM auto_restart_configs WHERE host_id = ? AND enabled = 1`, hostID)
	return out, err
}
