package store

import (
	"context"
	"database/sql"
)

// CheckFrom selects whether the probe loop runs in the backend or is pushed
// down to the host's agent.
type CheckFrom string

const (
	CheckFromBackend CheckFrom = "backend"
	CheckFromAgent   CheckFrom = "agent"
)

// ContainerHealthCheck is the persisted HTTP health-check configuration for
// one container, addressed by composite key (spec §4.4 / §3).
type ContainerHealthCheck struct {
	CompositeKey         string         `db:"composite_key"`
	HostID                string         `db:"host_id"`
	Enabled               bool           `db:"enabled"`
	URL                   string         `db:"url"`
	Method                string         `db:"method"`
	ExpectedStatusCodes   string         `db:"expected_status_codes"`
	TimeoutS              int            `db:"timeout_s"`
	IntervalS              int           `db:"interval_s"`
	FailureThreshold      int            `db:"failure_threshold"`
	SuccessThreshold      int            `db:"success_threshold"`
	FollowRedirects       bool           `db:"follow_redirects"`
	VerifySSL             bool           `db:"verify_ssl"`
	Headers               sql.NullString `db:"headers"` // JSON map
	Auth                  sql.NullString `db:"auth"`    // JSON {type,user,pass,token}
	AutoRestartOnFailure  bool           `db:"auto_restart_on_failure"`
	MaxRestartAttempts    int            `db:"max_restart_attempts"`
	RestartRetryDelayS    int            `db:"restart_retry_delay_s"`
	CurrentStatus         string         `db:"current_status"`
	CheckFrom             CheckFrom      `db:"check_from"`
}

type HealthCheckRepo struct{ s *Store }

func (s *Store) HealthChecks() *HealthCheckRepo { return &HealthCheckRepo{s} }

func (r *HealthCheckRepo) Upsert(ctx context.Context, c *ContainerHealthCheck) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO container_health_checks (composite_key, host_id, enabled, url, method, expected_status_codes,
				timeout_s, interval_s, failure_threshold, success_threshold, follow_redirects, verify_ssl, headers,
				auth, auto_restart_on_failure, max_restart_attempts, restart_retry_delay_s, current_status, check_from)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(composite_key) DO UPDATE SET
				enabled=excluded.enabled, url=excluded.url, method=excluded.method,
				expected_status_codes=excluded.expected_status_codes, timeout_s=excluded.timeout_s,
				interval_s=excluded.interval_s, failure_threshold=excluded.failure_threshold,
				success_threshold=excluded.success_threshold, follow_redirects=excluded.follow_redirects,
				verify_ssl=excluded.verify_ssl, headers=excluded.headers, auth=excluded.auth,
				auto_restart_on_failure=excluded.auto_restart_on_failure,
				max_restart_attempts=excluded.max_restart_attempts,
				restart_retry_delay_s=excluded.restart_retry_delay_s, check_from=excluded.check_from`,
			c.CompositeKey, c.HostID, c.Enabled, c.URL, c.Method, c.ExpectedStatusCodes, c.TimeoutS, c.IntervalS,
			c.FailureThreshold, c.SuccessThreshold, c.FollowRedirects, c.VerifySSL, c.Headers, c.Auth,
			c.AutoRestartOnFailure, c.MaxRestartAttempts, c.RestartRetryDelayS, c.CurrentStatus, c.CheckFrom)
		return err
	})
}

func (r *HealthCheckRepo) Remove(ctx context.Context, compositeKey string) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM container_health_checks WHERE composite_key = ?`, compositeKey)
		return err
	})
}

// ListEnabled returns every enabled=true configuration, the filter spec §4.4
// specifies for loading configuration at startup/reload.
func (r *HealthCheckRepo) ListEnabled(ctx context.Context) ([]ContainerHealthCheck, error) {
	var out []ContainerHealthCheck
	err := r.s.db.SelectContext(ctx, &out, `SELECT * FROM container_health_checks WHERE enabled = 1`)
	return out, err
}

// Get returns the configuration for one container, used to look up the
// thresholds/auto-restart rules a pushed-up agent result should be judged
// against.
func (r *HealthCheckRepo) Get(ctx context.Context, compositeKey string) (*ContainerHealthCheck, error) {
	var out ContainerHealthCheck
	err := r.s.db.GetContext(ctx, &out, `SELECT * FROM container_health_checks WHERE composite_key = ?`, compositeKey)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *HealthCheckRepo) UpdateStatus(ctx context.Context, compositeKey, status string) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `UPDATE container_health_checks SET current_status = ? WHERE composite_key = ?`, status, compositeKey)
		return err
	})
}
