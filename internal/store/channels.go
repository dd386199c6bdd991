package store

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// NotificationChannel is addressed by its stable integer ID; type-strings
// are accepted as a legacy alternative in a rule's notify_channels list but
// the ID-indexed lookup is authoritative (spec §4.8).
type NotificationChannel struct {
	ID      int64  `db:"id"`
	Name    string `db:"name"`
	Type    string `db:"type"`
	Config  string `db:"config"` // opaque JSON, per type
	Enabled bool   `db:"enabled"`
}

type ChannelRepo struct{ s *Store }

func (s *Store) Channels() *ChannelRepo { return &ChannelRepo{s} }

func (r *ChannelRepo) Create(ctx context.Context, c *NotificationChannel) (int64, error) {
	var id int64
	err := r.s.withTx(ctx, func(tx txExec) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO notification_channels (name, type, config, enabled) VALUES (?, ?, ?, ?)`,
			c.Name, c.Type, c.Config, c.Enabled)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

func (r *ChannelRepo) Get(ctx context.Context, id int64) (*NotificationChannel, error) {
	var c NotificationChannel
	err := r.s.db.GetContext(ctx, &c, `SELECT * FROM notification_channels WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &c, err
}

func (r *ChannelRepo) ListEnabled(ctx context.Context) ([]NotificationChannel, error) {
	var out []NotificationChannel
	err := r.s.db.SelectContext(ctx, &out, `SELECT * FROM notification_channels WHERE enabled = 1`)
	return out, err
}

// DeleteCascade implements spec §6's channel delete cascade: deletes the
// channel, then deletes any alert rule whose notify_channels list would
// become empty as a result, returning the names of the rules removed. Rules
// that still reference other channels simply have this channel id/type
// dropped from their list by the caller (the alert package owns JSON
// encode/decode of notify_channels; this repo only returns what to remove).
func (r *ChannelRepo) DeleteCascade(ctx context.Context, id int64, orphanedRuleIDs []int64) (deletedRuleNames []string, err error) {
	err = r.s.withTx(ctx, func(tx txExec) error {
		if len(orphanedRuleIDs) > 0 {
			selectQ, selectArgs, err := sqlx.In(`SELECT name FROM alert_rules WHERE id IN (?)`, orphanedRuleIDs)
			if err != nil {
				return err
			}
			if err := tx.SelectContext(ctx, &deletedRuleNames, tx.Rebind(selectQ), selectArgs...); err != nil {
				return err
			}
			deleteQ, deleteArgs, err := sqlx.In(`DELETE FROM alert_rules WHERE id IN (?)`, orphanedRuleIDs)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(deleteQ), deleteArgs...); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM notification_channels WHERE id = ?`, id)
		return err
	})
	return deletedRuleNames, err
}
