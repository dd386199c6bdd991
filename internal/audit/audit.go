// Package audit defines the sink interface for security- and
// migration-relevant events. Persistence format is deliberately
// unspecified (spec §1 places audit-log persistence format out of scope as
// an external collaborator); this package only standardizes emission, per
// original_source/backend/audit/audit_logger.py's event shape.
package audit

import (
	"context"
	"encoding/json"
	"time"
)

// Event is one audit-worthy occurrence.
type Event struct {
	At      time.Time
	Actor   string // user id, "system", or host id
	Action  string // e.g. "action_token.reject", "host.migrate", "session.ip_mismatch"
	Target  string // entity the action concerns
	Details map[string]any
}

// Sink records audit events. internal/store provides the concrete
// implementation backed by the audit_log table.
type Sink interface {
	Record(ctx context.Context, e Event) error
}

// StoreSink adapts a store.AuditRepo-shaped dependency to Sink without
// internal/audit importing internal/store directly, keeping the dependency
// direction store -> audit rather than audit -> store.
type StoreSink struct {
	Record_ func(ctx context.Context, at, actor, action, target, details string) error
}

func (s StoreSink) Record(ctx context.Context, e Event) error {
	detailsJSON := "{}"
	if e.Details != nil {
		if b, err := json.Marshal(e.Details); err == nil {
			detailsJSON = string(b)
		}
	}
	return s.Record_(ctx, e.At.UTC().Format(time.RFC3339), e.Actor, e.Action, e.Target, detailsJSON)
}
