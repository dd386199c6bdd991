package store

import (
	"context"
	"database/sql"
)

// ActionToken is a single-use, hashed, time-bound credential for mobile
// action URLs (spec §4.3, supplemented from
// original_source/backend/auth/action_token_auth.py). Plaintext is never
// stored; only token_hash (SHA-256) and a short token_prefix for user-facing
// display/lookup survive.
type ActionToken struct {
	TokenHash    string         `db:"token_hash"`
	TokenPrefix  string         `db:"token_prefix"`
	UserID       string         `db:"user_id"`
	ActionType   string         `db:"action_type"`
	ActionParams string         `db:"action_params"`
	CreatedAt    string         `db:"created_at"`
	ExpiresAt    string         `db:"expires_at"`
	UsedAt       sql.NullString `db:"used_at"`
	UsedFromIP   sql.NullString `db:"used_from_ip"`
	RevokedAt    sql.NullString `db:"revoked_at"`
}

type TokenRepo struct{ s *Store }

func (s *Store) Tokens() *TokenRepo { return &TokenRepo{s} }

func (r *TokenRepo) Create(ctx context.Context, t *ActionToken) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO action_tokens (token_hash, token_prefix, user_id, action_type, action_params, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.TokenHash, t.TokenPrefix, t.UserID, t.ActionType, t.ActionParams, t.CreatedAt, t.ExpiresAt)
		return err
	})
}

func (r *TokenRepo) GetByHash(ctx context.Context, hash string) (*ActionToken, error) {
	var t ActionToken
	err := r.s.db.GetContext(ctx, &t, `SELECT * FROM action_tokens WHERE token_hash = ?`, hash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &t, err
}

// MarkUsed marks a token consumed, scoped to ensure it was not already used
// or revoked (optimistic single-use guarantee at the database level).
func (r *TokenRepo) MarkUsed(ctx context.Context, hash, at, fromIP string) (ok bool, err error) {
	err = r.s.withTx(ctx, func(tx txExec) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE action_tokens SET used_at = ?, used_from_ip = ?
			WHERE token_hash = ? AND used_at IS NULL AND revoked_at IS NULL`, at, fromIP, hash)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		ok = n == 1
		return nil
	})
	return ok, err
}

func (r *TokenRepo) CountActive(ctx context.Context, userID, nowISO string) (int, error) {
	var n int
	err := r.s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM action_tokens
		WHERE user_id = ? AND used_at IS NULL AND revoked_at IS NULL AND expires_at > ?`, userID, nowISO)
	return n, err
}

// RevokeOldest revokes the oldest n still-active tokens for a user, used to
// enforce the per-user active-token cap with oldest-first eviction.
func (r *TokenRepo) RevokeOldest(ctx context.Context, userID, nowISO string, n int, revokedAt string) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		var hashes []string
		if err := tx.SelectContext(ctx, &hashes, `
			SELECT token_hash FROM action_tokens
			WHERE user_id = ? AND used_at IS NULL AND revoked_at IS NULL AND expires_at > ?
			ORDER BY created_at ASC LIMIT ?`, userID, nowISO, n); err != nil {
			return err
		}
		for _, h := range hashes {
			if _, err := tx.ExecContext(ctx, `UPDATE action_tokens SET revoked_at = ? WHERE token_hash = ?`, revokedAt, h); err != nil {
				return err
			}
		}
		return nil
	})
}
