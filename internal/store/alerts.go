package store

import (
	"context"
	"database/sql"
)

type ScopeType string

const (
	ScopeHost      ScopeType = "host"
	ScopeContainer ScopeType = "container"
	ScopeTag       ScopeType = "tag"
	ScopeGlobal    ScopeType = "global"
)

// AlertRule is the declarative rule model of spec §4.3: kind, scope,
// predicate, dedup/cooldown/blackout, channel list, severity.
type AlertRule struct {
	ID              int64          `db:"id"`
	Name            string         `db:"name"`
	Kind            string         `db:"kind"`
	ScopeType       ScopeType      `db:"scope_type"`
	ScopeID         sql.NullString `db:"scope_id"`
	Operator        string         `db:"operator"`
	Threshold       sql.NullFloat64 `db:"threshold"`
	WindowSeconds   sql.NullInt64  `db:"window_seconds"`
	Severity        string         `db:"severity"`
	NotifyChannels  string         `db:"notify_channels"` // JSON array of IDs or legacy type-strings
	CooldownMinutes int            `db:"cooldown_minutes"`
	BlackoutWindows sql.NullString `db:"blackout_windows"` // JSON
	Enabled         bool           `db:"enabled"`
	TriggerEvents   sql.NullString `db:"trigger_events"` // JSON array, null normalizes empty
	TriggerStates   sql.NullString `db:"trigger_states"`
}

type AlertState string

const (
	AlertOpen     AlertState = "open"
	AlertSnoozed  AlertState = "snoozed"
	AlertResolved AlertState = "resolved"
)

// AlertInstance is a single tracked occurrence of a rule firing against an
// entity, keyed by DedupKey so that at most one is ever state=open.
type AlertInstance struct {
	ID                        int64          `db:"id"`
	DedupKey                  string         `db:"dedup_key"`
	RuleID                    int64          `db:"rule_id"`
	ScopeType                 ScopeType      `db:"scope_type"`
	ScopeID                   sql.NullString `db:"scope_id"`
	Kind                      string         `db:"kind"`
	Severity                  string         `db:"severity"`
	State                     AlertState     `db:"state"`
	FirstSeen                 string         `db:"first_seen"`
	LastSeen                  string         `db:"last_seen"`
	SuppressedByBlackout      bool           `db:"suppressed_by_blackout"`
	NextRetryAt               sql.NullString `db:"next_retry_at"`
	LastNotificationAttemptAt sql.NullString `db:"last_notification_attempt_at"`
	RetryCount                int            `db:"retry_count"`
}

type AlertRepo struct{ s *Store }

func (s *Store) Alerts() *AlertRepo { return &AlertRepo{s} }

func (r *AlertRepo) ListEnabledRules(ctx context.Context) ([]AlertRule, error) {
	var out []AlertRule
	err := r.s.db.SelectContext(ctx, &out, `SELECT * FROM alert_rules WHERE enabled = 1`)
	return out, err
}

func (r *AlertRepo) CreateRule(ctx context.Context, rule *AlertRule) (int64, error) {
	var id int64
	err := r.s.withTx(ctx, func(tx txExec) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO alert_rules (name, kind, scope_type, scope_id, operator, threshold, window_seconds,
				severity, notify_channels, cooldown_minutes, blackout_windows, enabled, trigger_events, trigger_states)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rule.Name, rule.Kind, rule.ScopeType, rule.ScopeID, rule.Operator, rule.Threshold, rule.WindowSeconds,
			rule.Severity, rule.NotifyChannels, rule.CooldownMinutes, rule.BlackoutWindows, rule.Enabled,
			rule.TriggerEvents, rule.TriggerStates)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// OpenByDedupKey returns the currently open instance for a dedup key, or nil
// if none exists. The partial unique index idx_alert_instances_open_dedup
// enforces at most one open row per key at the database level; this is the
// read-side helper that backs that invariant's callers.
func (r *AlertRepo) OpenByDedupKey(ctx context.Context, dedupKey string) (*AlertInstance, error) {
	var a AlertInstance
	err := r.s.db.GetContext(ctx, &a, `SELECT * FROM alert_instances WHERE dedup_key = ? AND state = 'open'`, dedupKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &a, err
}

func (r *AlertRepo) Open(ctx context.Context, a *AlertInstance) (int64, error) {
	var id int64
	err := r.s.withTx(ctx, func(tx txExec) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO alert_instances (dedup_key, rule_id, scope_type, scope_id, kind, severity, state, first_seen, last_seen, suppressed_by_blackout)
			VALUES (?, ?, ?, ?, ?, ?, 'open', ?, ?, ?)`,
			a.DedupKey, a.RuleID, a.ScopeType, a.ScopeID, a.Kind, a.Severity, a.FirstSeen, a.LastSeen, a.SuppressedByBlackout)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

func (r *AlertRepo) TouchLastSeen(ctx context.Context, id int64, lastSeen string) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `UPDATE alert_instances SET last_seen = ? WHERE id = ?`, lastSeen, id)
		return err
	})
}

func (r *AlertRepo) Resolve(ctx context.Context, id int64, at string) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `UPDATE alert_instances SET state = 'resolved', last_seen = ? WHERE id = ?`, at, id)
		return err
	})
}

// ScheduleRetry records a failed notification attempt with exponential
// backoff; the retry loop (internal/alert) polls DueRetries to wake.
func (r *AlertRepo) ScheduleRetry(ctx context.Context, id int64, attemptedAt, nextRetryAt string) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE alert_instances
			SET last_notification_attempt_at = ?, next_retry_at = ?, retry_count = retry_count + 1
			WHERE id = ?`, attemptedAt, nextRetryAt, id)
		return err
	})
}

func (r *AlertRepo) ClearRetry(ctx context.Context, id int64) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE alert_instances SET next_retry_at = NULL, retry_count = 0 WHERE id = ?`, id)
		return err
	})
}

func (r *AlertRepo) DueRetries(ctx context.Context, nowISO string) ([]AlertInstance, error) {
	var out []AlertInstance
	err := r.s.db.SelectContext(ctx, &out, `
		SELECT * FROM alert_instances
		WHERE state = 'open' AND next_retry_at IS NOT NULL AND next_retry_at <= ?`, nowISO)
	return out, err
}
