package store

import (
	"context"
	"database/sql"

	"github.com/dockmon/dockmon/internal/dockerr"
)

// DeploymentStatus is one of the seven states in the Deployment Executor's
// state machine (spec §4.5).
type DeploymentStatus string

const (
	DeployPending      DeploymentStatus = "pending"
	DeployValidating   DeploymentStatus = "validating"
	DeployPullingImage DeploymentStatus = "pulling_image"
	DeployCreating     DeploymentStatus = "creating"
	DeployStarting     DeploymentStatus = "starting"
	DeployRunning      DeploymentStatus = "running"
	DeployFailed       DeploymentStatus = "failed"
	DeployRolledBack   DeploymentStatus = "rolled_back"
)

type Deployment struct {
	ID                string           `db:"id"`
	HostID            string           `db:"host_id"`
	Name              string           `db:"name"`
	Type              string           `db:"type"` // container | stack
	Definition        string           `db:"definition"`
	Status            DeploymentStatus `db:"status"`
	ProgressPercent   int              `db:"progress_percent"`
	CurrentStage      sql.NullString   `db:"current_stage"`
	StagePercent      int              `db:"stage_percent"`
	RollbackOnFailure bool             `db:"rollback_on_failure"`
	Committed         bool             `db:"committed"`
	StartedAt         sql.NullString   `db:"started_at"`
	CompletedAt       sql.NullString   `db:"completed_at"`
	ErrorMessage      sql.NullString   `db:"error_message"`
	UpdatedAt         string           `db:"updated_at"`
}

type DeploymentMetadata struct {
	ContainerCompositeKey string         `db:"container_composite_key"`
	HostID                string         `db:"host_id"`
	DeploymentID          sql.NullString `db:"deployment_id"`
	IsManaged             bool           `db:"is_managed"`
	ServiceName           sql.NullString `db:"service_name"`
}

type DeploymentRepo struct{ s *Store }

func (s *Store) Deployments() *DeploymentRepo { return &DeploymentRepo{s} }

func (r *DeploymentRepo) Create(ctx context.Context, d *Deployment) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deployments (id, host_id, name, type, definition, status, progress_percent,
				current_stage, stage_percent, rollback_on_failure, committed, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, NULL, 0, ?, 0, ?)`,
			d.ID, d.HostID, d.Name, d.Type, d.Definition, DeployPending, d.RollbackOnFailure, d.UpdatedAt)
		if err != nil && isUniqueViolation(err) {
			return dockerr.NewConflictError("deployment name already exists for host").WithEntity(d.Name)
		}
		return err
	})
}

func (r *DeploymentRepo) Get(ctx context.Context, id string) (*Deployment, error) {
	var d Deployment
	err := r.s.db.GetContext(ctx, &d, `SELECT * FROM deployments WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, dockerr.NewNotFoundError("deployment not found").WithEntity(id)
	}
	return &d, err
}

// forwardOnly is the spec §4.5 state graph: every state's allowed next
// states, used to reject backward transitions.
var forwardOnly = map[DeploymentStatus][]DeploymentStatus{
	DeployPending:      {DeployValidating, DeployFailed},
	DeployValidating:   {DeployPullingImage, DeployFailed},
	DeployPullingImage: {DeployCreating, DeployFailed},
	DeployCreating:     {DeployStarting, DeployFailed},
	DeployStarting:     {DeployRunning, DeployFailed},
	DeployRunning:      {},
	DeployFailed:       {DeployRolledBack},
	DeployRolledBack:   {},
}

// Transition moves a deployment to newStatus, atomically updating status,
// progress_percent, current_stage, and updated_at, and stamping started_at /
// completed_at where the state graph requires it. Rejects any transition not
// present in forwardOnly.
func (r *DeploymentRepo) Transition(ctx context.Context, id string, newStatus DeploymentStatus, progressPercent int, currentStage string, at string) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		var cur DeploymentStatus
		row := tx.QueryRowContext(ctx, `SELECT status FROM deployments WHERE id = ?`, id)
		if err := row.Scan(&cur); err != nil {
			if err == sql.ErrNoRows {
				return dockerr.NewNotFoundError("deployment not found").WithEntity(id)
			}
			return err
		}

		allowed := false
		for _, next := range forwardOnly[cur] {
			if next == newStatus {
				allowed = true
				break
			}
		}
		if !allowed {
			return dockerr.NewConflictError("illegal deployment state transition").
				WithDetails(string(cur) + " -> " + string(newStatus))
		}

		setStarted := newStatus == DeployValidating
		setCompleted := newStatus == DeployRunning || newStatus == DeployFailed || newStatus == DeployRolledBack

		query := `UPDATE deployments SET status = ?, progress_percent = ?, current_stage = ?, updated_at = ?`
		args := []any{newStatus, progressPercent, currentStage, at}
		if setStarted {
			query += `, started_at = ?`
			args = append(args, at)
		}
		if setCompleted {
			query += `, completed_at = ?`
			args = append(args, at)
		}
		query += ` WHERE id = ?`
		args = append(args, id)

		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

func (r *DeploymentRepo) SetCommitted(ctx context.Context, id string, committed bool) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `UPDATE deployments SET committed = ? WHERE id = ?`, committed, id)
		return err
	})
}

func (r *DeploymentRepo) SetError(ctx context.Context, id, message string) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `UPDATE deployments SET error_message = ? WHERE id = ?`, message, id)
		return err
	})
}

// RenameCompositeKey moves a deployment_metadata row to the container's new
// composite key after the Update Pipeline recreates it (spec §4.6 step 6).
// A row already present at newKey (created by discovery reattachment
// outrunning the update) wins; the stale oldKey row is dropped instead of
// violating the primary key.
func (r *DeploymentRepo) RenameCompositeKey(ctx context.Context, oldKey, newKey string) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		var existing int
		row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM deployment_metadata WHERE container_composite_key = ?`, newKey)
		if err := row.Scan(&existing); err != nil {
			return err
		}
		if existing > 0 {
			_, err := tx.ExecContext(ctx, `DELETE FROM deployment_metadata WHERE container_composite_key = ?`, oldKey)
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE deployment_metadata SET container_composite_key = ? WHERE container_composite_key = ?`, newKey, oldKey)
		if err != nil && isUniqueViolation(err) {
			return nil
		}
		return err
	})
}

func (r *DeploymentRepo) UpsertMetadata(ctx context.Context, m *DeploymentMetadata) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deployment_metadata (container_composite_key, host_id, deployment_id, is_managed, service_name)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(container_composite_key) DO UPDATE SET
				deployment_id=excluded.deployment_id, is_managed=excluded.is_managed, service_name=excluded.service_name`,
			m.ContainerCompositeKey, m.HostID, m.DeploymentID, m.IsManaged, m.ServiceName)
		return err
	})
}
