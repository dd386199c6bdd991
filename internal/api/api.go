// Package api is dockmond's REST surface (spec §6): host and container
// management, desired-state/auto-restart toggles, and the deploy/update
// triggers, addressed by composite key everywhere a container is named.
// Grounded on compose-service/internal/server's http.ServeMux + JSON
// handler style, generalized from its one resource to DockMon's several.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dockmon/dockmon/internal/alert"
	"github.com/dockmon/dockmon/internal/deploy"
	"github.com/dockmon/dockmon/internal/dockerr"
	"github.com/dockmon/dockmon/internal/idkey"
	"github.com/dockmon/dockmon/internal/session"
	"github.com/dockmon/dockmon/internal/store"
	"github.com/dockmon/dockmon/internal/update"
)

// API holds every dependency the resource handlers need.
type API struct {
	log          *logrus.Logger
	store        *store.Store
	sessions     *session.Manager
	updater      *update.Executor
	deployer     *deploy.Executor
	actionTokens *alert.ActionTokens
}

func New(log *logrus.Logger, st *store.Store, sessions *session.Manager, updater *update.Executor, deployer *deploy.Executor, actionTokens *alert.ActionTokens) *API {
	return &API{log: log, store: st, sessions: sessions, updater: updater, deployer: deployer, actionTokens: actionTokens}
}

// Mount registers every route on mux.
func (a *API) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/hosts", a.listHosts)
	mux.HandleFunc("POST /api/hosts", a.createHost)
	mux.HandleFunc("DELETE /api/hosts/{host_id}", a.deleteHost)

	mux.HandleFunc("GET /api/hosts/{host_id}/containers", a.listContainers)
	mux.HandleFunc("GET /api/hosts/{host_id}/containers/{container_id}", a.inspectContainer)
	mux.HandleFunc("POST /api/hosts/{host_id}/containers/{container_id}/start", a.containerAction(func(ctx context.Context, api session.DockerAPI, id string) error {
		return api.ContainerStart(ctx, id, container.StartOptions{})
	}))
	mux.HandleFunc("POST /api/hosts/{host_id}/containers/{container_id}/stop", a.containerAction(func(ctx context.Context, api session.DockerAPI, id string) error {
		return api.ContainerStop(ctx, id, container.StopOptions{})
	}))
	mux.HandleFunc("POST /api/hosts/{host_id}/containers/{container_id}/restart", a.containerAction(func(ctx context.Context, api session.DockerAPI, id string) error {
		return api.ContainerRestart(ctx, id, container.StopOptions{})
	}))

	mux.HandleFunc("PUT /api/hosts/{host_id}/containers/{container_id}/desired-state", a.setDesiredState)
	mux.HandleFunc("PUT /api/hosts/{host_id}/containers/{container_id}/auto-restart", a.setAutoRestart)

	mux.HandleFunc("POST /api/hosts/{host_id}/containers/{container_id}/update", a.updateContainer)
	mux.HandleFunc("POST /api/deployments", a.createDeployment)

	mux.HandleFunc("POST /api/alert-rules", a.createAlertRule)
	mux.HandleFunc("POST /api/notification-channels", a.createChannel)

	mux.HandleFunc("POST /api/tags", a.createTag)
	mux.HandleFunc("POST /api/tags/{tag_id}/assign", a.assignTag)

	mux.HandleFunc("POST /api/action-tokens", a.issueActionToken)
	mux.HandleFunc("POST /api/actions/{token}/confirm", a.confirmActionToken)
}

func (a *API) listHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := a.store.Hosts().ListActive(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hosts)
}

func (a *API) createHost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string `json:"name"`
		URL            string `json:"url"`
		ConnectionType string `json:"connection_type"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	h := &store.Host{
		ID:             uuid.NewString(),
		Name:           req.Name,
		URL:            req.URL,
		ConnectionType: store.ConnectionType(req.ConnectionType),
	}
	if err := a.store.Hosts().Create(r.Context(), h); err != nil {
		writeError(w, err)
		return
	}
	if _, err := a.sessions.Ensure(r.Context(), h); err != nil {
		a.log.WithError(err).WithField("host_id", h.ID).Warn("api: host created but initial session failed")
	}
	writeJSON(w, http.StatusCreated, h)
}

func (a *API) deleteHost(w http.ResponseWriter, r *http.Request) {
	hostID := r.PathValue("host_id")
	a.sessions.Remove(hostID)
	if err := a.store.Hosts().Delete(r.Context(), hostID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listContainers(w http.ResponseWriter, r *http.Request) {
	sess, err := a.session(r.Context(), r.PathValue("host_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := sess.API.ContainerList(r.Context(), container.ListOptions{All: true})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) inspectContainer(w http.ResponseWriter, r *http.Request) {
	sess, err := a.session(r.Context(), r.PathValue("host_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := sess.API.ContainerInspect(r.Context(), r.PathValue("container_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) containerAction(fn func(ctx context.Context, api session.DockerAPI, containerID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := a.session(r.Context(), r.PathValue("host_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := fn(r.Context(), sess.API, r.PathValue("container_id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (a *API) setDesiredState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Desired string `json:"desired"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	hostID := r.PathValue("host_id")
	d := &store.DesiredState{
		CompositeKey: compositeKey(hostID, r.PathValue("container_id")),
		HostID:       hostID,
		Name:         req.Name,
		Desired:      req.Desired,
	}
	if err := a.store.Containers().SetDesiredState(r.Context(), d); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) setAutoRestart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	hostID := r.PathValue("host_id")
	cfg := &store.AutoRestartConfig{
		CompositeKey: compositeKey(hostID, r.PathValue("container_id")),
		HostID:       hostID,
		Name:         req.Name,
		Enabled:      req.Enabled,
	}
	if err := a.store.Containers().SetAutoRestart(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) updateContainer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Image string `json:"image"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	hostID := r.PathValue("host_id")
	containerID := r.PathValue("container_id")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	go func() {
		defer cancel()
		result := a.updater.Run(ctx, update.Request{
			HostID:       hostID,
			CompositeKey: compositeKey(hostID, containerID),
			ContainerID:  containerID,
			NewImage:     req.Image,
		})
		if result.Error != "" {
			a.log.WithField("container_id", r.PathValue("container_id")).WithField("error", result.Error).Warn("api: update finished with an error")
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) createDeployment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HostID            string `json:"host_id"`
		ComposeYAML       string `json:"compose_yaml"`
		RollbackOnFailure bool   `json:"rollback_on_failure"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	deploymentID := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	go func() {
		defer cancel()
		a.deployer.Run(ctx, req.HostID, deploymentID, []byte(req.ComposeYAML), req.RollbackOnFailure)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"deployment_id": deploymentID})
}

func (a *API) createAlertRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name            string  `json:"name"`
		Kind            string  `json:"kind"`
		ScopeType       string  `json:"scope_type"`
		ScopeID         string  `json:"scope_id"`
		Operator        string  `json:"operator"`
		Threshold       float64 `json:"threshold"`
		WindowSeconds   int64   `json:"window_seconds"`
		Severity        string  `json:"severity"`
		NotifyChannels  string  `json:"notify_channels"`
		CooldownMinutes int     `json:"cooldown_minutes"`
		Enabled         bool    `json:"enabled"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	rule := &store.AlertRule{
		Name:            req.Name,
		Kind:            req.Kind,
		ScopeType:       store.ScopeType(req.ScopeType),
		ScopeID:         sql.NullString{String: req.ScopeID, Valid: req.ScopeID != ""},
		Operator:        req.Operator,
		Threshold:       sql.NullFloat64{Float64: req.Threshold, Valid: true},
		WindowSeconds:   sql.NullInt64{Int64: req.WindowSeconds, Valid: req.WindowSeconds != 0},
		Severity:        req.Severity,
		NotifyChannels:  req.NotifyChannels,
		CooldownMinutes: req.CooldownMinutes,
		Enabled:         req.Enabled,
	}
	id, err := a.store.Alerts().CreateRule(r.Context(), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (a *API) createChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Type    string `json:"type"`
		Config  string `json:"config"`
		Enabled bool   `json:"enabled"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := a.store.Channels().Create(r.Context(), &store.NotificationChannel{
		Name: req.Name, Type: req.Type, Config: req.Config, Enabled: req.Enabled,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (a *API) createTag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Color string `json:"color"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := a.store.Tags().Create(r.Context(), &store.Tag{Name: req.Name, Color: req.Color, Kind: store.TagKindUser})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (a *API) assignTag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubjectType string `json:"subject_type"`
		SubjectID   string `json:"subject_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	tagID, err := parseTagID(r.PathValue("tag_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid tag id"})
		return
	}
	if err := a.store.Tags().Assign(r.Context(), tagID, store.SubjectType(req.SubjectType), req.SubjectID, "user"); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// issueActionToken mints a mobile-action confirmation link (spec §4.3);
// userID is taken from the request body rather than session auth since the
// client API's own auth-n/auth-z layer is out of scope here.
func (a *API) issueActionToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string         `json:"user_id"`
		ActionType string         `json:"action_type"`
		Params     map[string]any `json:"params"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	token, err := a.actionTokens.Issue(r.Context(), req.UserID, req.ActionType, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

func (a *API) confirmActionToken(w http.ResponseWriter, r *http.Request) {
	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}
	result := a.actionTokens.Validate(r.Context(), r.PathValue("token"), clientIP)
	if !result.Valid {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"reason": result.Reason})
		return
	}
	if _, err := a.actionTokens.MarkUsed(r.Context(), r.PathValue("token"), clientIP); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"action_type": result.ActionType,
		"params":      result.ActionParams,
	})
}

func parseTagID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	return id, err
}

func (a *API) session(ctx context.Context, hostID string) (*session.Session, error) {
	sess, ok := a.sessions.Get(hostID)
	if !ok {
		return nil, dockerr.NewNotFoundError("host has no active session").WithEntity(hostID)
	}
	return sess, nil
}

func compositeKey(hostID, containerID string) string {
	return hostID + ":" + idkey.NormalizeContainerID(strings.TrimPrefix(containerID, "/"))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var de *dockerr.Error
	if errors.As(err, &de) {
		status = httpStatusForKind(de.Kind)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func httpStatusForKind(k dockerr.Kind) int {
	switch k {
	case dockerr.KindValidation:
		return http.StatusBadRequest
	case dockerr.KindNotFound:
		return http.StatusNotFound
	case dockerr.KindConflict:
		return http.StatusConflict
	case dockerr.KindAuthz, dockerr.KindSecurity:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
