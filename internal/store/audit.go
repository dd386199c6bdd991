package store

import "context"

// AuditEvent and EventLogEntry back internal/audit's sink interface. The
// persisted schema here is deliberately minimal: spec §1 places "audit-log
// persistence format" out of scope as an external collaborator, so only
// emission (not a specified on-disk shape) is implemented.
type AuditEvent struct {
	At      string `db:"at"`
	Actor   string `db:"actor"`
	Action  string `db:"action"`
	Target  string `db:"target"`
	Details string `db:"details"`
}

type EventLogEntry struct {
	At        string `db:"at"`
	HostID    string `db:"host_id"`
	EventType string `db:"event_type"`
	Details   string `db:"details"`
}

type AuditRepo struct{ s *Store }

func (s *Store) Audit() *AuditRepo { return &AuditRepo{s} }

func (r *AuditRepo) Record(ctx context.Context, e *AuditEvent) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO audit_log (at, actor, action, target, details) VALUES (?, ?, ?, ?, ?)`,
			e.At, e.Actor, e.Action, e.Target, e.Details)
		return err
	})
}

func (r *AuditRepo) RecordEvent(ctx context.Context, e *EventLogEntry) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO event_log (at, host_id, event_type, details) VALUES (?, ?, ?, ?)`,
			e.At, e.HostID, e.EventType, e.Details)
		return err
	})
}
