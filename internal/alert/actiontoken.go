package alert

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/dockmon/dockmon/internal/audit"
	"github.com/dockmon/dockmon/internal/dockerr"
	"github.com/dockmon/dockmon/internal/store"
)

// ActionTokenPrefix tags every generated token so validation can cheaply
// reject garbage before touching the database, per
// original_source/backend/auth/action_token_auth.py.
const ActionTokenPrefix = "dockmon_action_"

const (
	actionTokenTTL        = 24 * time.Hour
	actionTokenMaxPerUser = 100
	actionTokenRevokeBatch = 10
)

// ActionTokens issues and validates single-use, hashed, time-bound
// credentials for mobile-action notification links (spec §4.3).
type ActionTokens struct {
	store *store.Store
	audit audit.Sink
	nowFn func() time.Time
}

func NewActionTokens(st *store.Store, sink audit.Sink) *ActionTokens {
	return &ActionTokens{store: st, audit: sink, nowFn: time.Now}
}

// Issue generates a plaintext token, persists only its SHA-256 hash, and
// enforces the per-user active-token cap with oldest-first revocation.
func (a *ActionTokens) Issue(ctx context.Context, userID, actionType string, params map[string]any) (plaintext string, err error) {
	now := a.nowFn().UTC()

	active, err := a.store.Tokens().CountActive(ctx, userID, now.Format(time.RFC3339))
	if err != nil {
		return "", err
	}
	if active >= actionTokenMaxPerUser {
		if err := a.store.Tokens().RevokeOldest(ctx, userID, now.Format(time.RFC3339), actionTokenRevokeBatch, now.Format(time.RFC3339)); err != nil {
			return "", err
		}
	}

	randBytes := make([]byte, 32)
	if _, err := rand.Read(randBytes); err != nil {
		return "", dockerr.NewPermanentError("token entropy source failed")
	}
	plaintext = ActionTokenPrefix + base64.RawURLEncoding.EncodeToString(randBytes)

	hash := sha256.Sum256([]byte(plaintext))
	hashHex := hex.EncodeToString(hash[:])
	prefix := hashHex[:12]

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return "", dockerr.NewValidationError("invalid action params")
	}

	err = a.store.Tokens().Create(ctx, &store.ActionToken{
		TokenHash:    hashHex,
		TokenPrefix:  prefix,
		UserID:       userID,
		ActionType:   actionType,
		ActionParams: string(paramsJSON),
		CreatedAt:    now.Format(time.RFC3339),
		ExpiresAt:    now.Add(actionTokenTTL).Format(time.RFC3339),
	})
	return plaintext, err
}

// ValidationResult mirrors the shape the mobile-action endpoints need to
// render a confirmation or execute the action.
type ValidationResult struct {
	Valid        bool
	Reason       string // "invalid_format", "not_found", "revoked", "already_used", "expired", "invalid_params"
	UserID       string
	ActionType   string
	ActionParams map[string]any
}

// Validate checks a plaintext token's format, existence, revocation,
// use, and expiry, in that order, auditing each of those rejections with a
// specific reason (spec §4.3, §7 "security" kind — always audited). A token
// whose stored action_params does not parse returns "invalid_params" without
// an audit entry.
func (a *ActionTokens) Validate(ctx context.Context, plaintext, clientIP string) ValidationResult {
	if !strings.HasPrefix(plaintext, ActionTokenPrefix) {
		a.logSecurity(ctx, "action_token_invalid_format", "", clientIP, nil)
		return ValidationResult{Reason: "invalid_format"}
	}

	hash := sha256.Sum256([]byte(plaintext))
	hashHex := hex.EncodeToString(hash[:])

	tok, err := a.store.Tokens().GetByHash(ctx, hashHex)
	if err != nil || tok == nil {
		a.logSecurity(ctx, "action_token_not_found", "", clientIP, map[string]any{"token_hash_prefix": hashHex[:12]})
		return ValidationResult{Reason: "not_found"}
	}

	if tok.RevokedAt.Valid {
		a.logSecurity(ctx, "action_token_revoked_used", tok.UserID, clientIP, map[string]any{"token_prefix": tok.TokenPrefix})
		return ValidationResult{Reason: "revoked"}
	}
	if tok.UsedAt.Valid {
		a.logSecurity(ctx, "action_token_replay_attempt", tok.UserID, clientIP, map[string]any{"token_prefix": tok.TokenPrefix, "original_use_ip": tok.UsedFromIP.String})
		return ValidationResult{Reason: "already_used"}
	}

	expires, err := time.Parse(time.RFC3339, tok.ExpiresAt)
	if err == nil && a.nowFn().UTC().After(expires) {
		a.logSecurity(ctx, "action_token_expired_used", tok.UserID, clientIP, map[string]any{"token_prefix": tok.TokenPrefix})
		return ValidationResult{Reason: "expired"}
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(tok.ActionParams), &params); err != nil {
		return ValidationResult{Reason: "invalid_params"}
	}

	return ValidationResult{Valid: true, UserID: tok.UserID, ActionType: tok.ActionType, ActionParams: params}
}

// MarkUsed consumes a validated token; the caller must have already checked
// Validate returned Valid. Single-use is enforced at the database level by
// the conditional UPDATE, not by this call ordering alone.
func (a *ActionTokens) MarkUsed(ctx context.Context, plaintext, clientIP string) (bool, error) {
	hash := sha256.Sum256([]byte(plaintext))
	hashHex := hex.EncodeToString(hash[:])
	return a.store.Tokens().MarkUsed(ctx, hashHex, a.nowFn().UTC().Format(time.RFC3339), clientIP)
}

func (a *ActionTokens) logSecurity(ctx context.Context, eventType, userID, clientIP string, details map[string]any) {
	if a.audit == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["client_ip"] = clientIP
	actor := userID
	if actor == "" {
		actor = "unknown"
	}
	_ = a.audit.Record(ctx, audit.Event{
		At: a.nowFn(), Actor: actor, Action: eventType,
		Target: "action_token", Details: details,
	})
}
