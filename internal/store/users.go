package store

import (
	"context"
	"database/sql"

	"github.com/dockmon/dockmon/internal/dockerr"
)

type User struct {
	ID           string `db:"id"`
	Username     string `db:"username"`
	PasswordHash string `db:"password_hash"`
	CreatedAt    string `db:"created_at"`
}

// UserPrefs stores a user's filter defaults as opaque JSON, capped at ~100KB
// by the caller (store enforces no size limit itself — spec §6 places that
// check at the REST boundary, out of this package's scope).
type UserPrefs struct {
	UserID         string `db:"user_id"`
	FilterDefaults string `db:"filter_defaults"`
}

// Session is a signed, server-tracked session id bound to the client IP that
// created it; an IP change on validation invalidates the session (spec §6).
type Session struct {
	ID        string `db:"id"`
	UserID    string `db:"user_id"`
	ClientIP  string `db:"client_ip"`
	CreatedAt string `db:"created_at"`
	ExpiresAt string `db:"expires_at"`
}

type UserRepo struct{ s *Store }

func (s *Store) Users() *UserRepo { return &UserRepo{s} }

func (r *UserRepo) Create(ctx context.Context, u *User) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
			u.ID, u.Username, u.PasswordHash, u.CreatedAt)
		if err != nil && isUniqueViolation(err) {
			return dockerr.NewConflictError("username already exists").WithEntity(u.Username)
		}
		return err
	})
}

func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := r.s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE username = ?`, username)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (r *UserRepo) UpsertPrefs(ctx context.Context, p *UserPrefs) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_prefs (user_id, filter_defaults) VALUES (?, ?)
			ON CONFLICT(user_id) DO UPDATE SET filter_defaults = excluded.filter_defaults`,
			p.UserID, p.FilterDefaults)
		return err
	})
}

func (r *UserRepo) CreateSession(ctx context.Context, s *Session) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, client_ip, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
			s.ID, s.UserID, s.ClientIP, s.CreatedAt, s.ExpiresAt)
		return err
	})
}

// ValidateSession returns the session if id exists, is unexpired, and
// clientIP matches the IP the session was created from; otherwise nil. An IP
// mismatch is treated identically to a missing session by the caller (which
// should additionally emit a security-kind audit event).
func (r *UserRepo) ValidateSession(ctx context.Context, id, clientIP, nowISO string) (*Session, error) {
	var s Session
	err := r.s.db.GetContext(ctx, &s, `SELECT * FROM sessions WHERE id = ? AND expires_at > ?`, id, nowISO)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.ClientIP != clientIP {
		return nil, nil
	}
	return &s, nil
}

// SweepExpired deletes expired sessions and returns the number removed.
func (r *UserRepo) SweepExpired(ctx context.Context, nowISO string) (int64, error) {
	var n int64
	err := r.s.withTx(ctx, func(tx txExec) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, nowISO)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// CountActiveSessions enforces the max-active-sessions-per-user cap from
// spec §6.
func (r *UserRepo) CountActiveSessions(ctx context.Context, userID, nowISO string) (int, error) {
	var n int
	err := r.s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM sessions WHERE user_id = ? AND expires_at > ?`, userID, nowISO)
	return n, err
}
