package update

import (
	"context"
	"database/sql"
	"time"

	"github.com/dockmon/dockmon/internal/session"
	"github.com/dockmon/dockmon/internal/store"
)

// RunCheck performs the update check named in spec §4.6's opening
// paragraph for one container: compares its current digest against the
// registry digest its floating tag now resolves to, and persists the
// result so the batch pre-flight validator and the UI's update badge both
// read from a single source of truth.
func RunCheck(ctx context.Context, checker *DigestChecker, st *store.Store, api session.DockerAPI, compositeKey, hostID, image string, auth RegistryAuth) error {
	result := checker.Check(ctx, api, image, auth)

	update := &store.ContainerUpdate{
		CompositeKey:    compositeKey,
		HostID:          hostID,
		CurrentImage:    image,
		UpdateAvailable: result.UpdateAvailable,
		FloatingTagMode: store.FloatingLatest,
		LastCheckedAt:   sql.NullString{String: time.Now().UTC().Format(time.RFC3339), Valid: true},
	}
	if result.LocalDigest != "" {
		update.CurrentDigest = sql.NullString{String: result.LocalDigest, Valid: true}
	}
	if result.RemoteDigest != "" {
		update.LatestDigest = sql.NullString{String: result.RemoteDigest, Valid: true}
		update.LatestImage = sql.NullString{String: image, Valid: true}
	}
	if result.Err != nil {
		return result.Err
	}
	return st.Updates().Upsert(ctx, update)
}
