package group

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fleetscale/controller/internal/httpserver"
	"github.com/fleetscale/controller/internal/lock"
	"github.com/fleetscale/controller/internal/store"
)

// InstanceCounter reports how many tracked instances a group currently
// has, so delete can refuse to remove a group with live instances.
type InstanceCounter interface {
	CountCurrent(ctx context.Context, groupName string) (int, error)
}

// ProtectedLauncher performs the launch-protected admin action: launch n
// new instances in a group and mark them scale-down protected.
type ProtectedLauncher interface {
	LaunchProtected(ctx context.Context, groupName string, count int, protectedTTLSec int, instanceConfigurationID string) error
}

// Reporter composes the group report (audit history + tracked inventory +
// cloud-side inventory) served at GET /groups/:name/report.
type Reporter interface {
	BuildReport(ctx context.Context, groupName string) (any, error)
}

// Handler exposes the group admin HTTP surface.
type Handler struct {
	registry     *Registry
	locks        *lock.Manager
	groupLockTTL time.Duration
	logger       *slog.Logger
	baseline     []InstanceGroup
	instances    InstanceCounter
	launcher     ProtectedLauncher
	reporter     Reporter
}

// NewHandler creates a group Handler.
func NewHandler(registry *Registry, locks *lock.Manager, groupLockTTL time.Duration, logger *slog.Logger, baseline []InstanceGroup, instances InstanceCounter, launcher ProtectedLauncher, reporter Reporter) *Handler {
	return &Handler{
		registry:     registry,
		locks:        locks,
		groupLockTTL: groupLockTTL,
		logger:       logger,
		baseline:     baseline,
		instances:    instances,
		launcher:     launcher,
		reporter:     reporter,
	}
}

// Routes mounts the group admin surface.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/actions/reset", h.handleReset)
	r.Get("/{name}", h.handleGet)
	r.Put("/{name}", h.handleUpsert)
	r.Put("/{name}/desired-count", h.handleUpdateDesiredCount)
	r.Delete("/{name}", h.handleDelete)
	r.Post("/{name}/actions/launch-protected", h.handleLaunchProtected)
	r.Get("/{name}/report", h.handleReport)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	groups, err := h.registry.List(r.Context())
	if err != nil {
		h.logger.Error("listing groups", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list groups")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"instanceGroups": groups})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	g, ok, err := h.registry.Get(r.Context(), name)
	if err != nil {
		h.logger.Error("getting group", "error", err, "group", name)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get group")
		return
	}
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "group not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, g)
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if _, ok, err := h.registry.Get(r.Context(), name); err != nil {
		h.logger.Error("getting group for report", "error", err, "group", name)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get group")
		return
	} else if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "group not found")
		return
	}

	report, err := h.reporter.BuildReport(r.Context(), name)
	if err != nil {
		h.logger.Error("building group report", "error", err, "group", name)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to build group report")
		return
	}
	httpserver.Respond(w, http.StatusOK, report)
}

func (h *Handler) handleUpsert(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var g InstanceGroup
	if !httpserver.DecodeAndValidate(w, r, &g) {
		return
	}
	g.Name = name

	if errs := g.Validate(); len(errs) > 0 {
		httpserver.RespondErrors(w, http.StatusBadRequest, "invalid_group", errs)
		return
	}

	if err := h.registry.Upsert(r.Context(), &g); err != nil {
		h.logger.Error("upserting group", "error", err, "group", name)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to save group")
		return
	}
	httpserver.Respond(w, http.StatusOK, g)
}

type desiredCountRequest struct {
	DesiredCount int `json:"desiredCount"`
}

func (h *Handler) handleUpdateDesiredCount(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req desiredCountRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.DesiredCount < 0 {
		httpserver.RespondErrors(w, http.StatusBadRequest, "invalid_group", []string{"desiredCount must be non-negative"})
		return
	}

	ctx := r.Context()
	lease, err := h.locks.Acquire(ctx, lockNameForGroup(name), h.groupLockTTL)
	if err != nil {
		h.logger.Warn("desired-count update: lock contention", "group", name, "error", err)
		httpserver.RespondError(w, http.StatusConflict, "locked", "group is currently being processed, try again")
		return
	}
	defer lease.Release(ctx)

	g, err := h.registry.UpdateDesiredCount(ctx, name, req.DesiredCount)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "group not found")
			return
		}
		h.logger.Error("updating desired count", "error", err, "group", name)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to update desired count")
		return
	}
	httpserver.Respond(w, http.StatusOK, g)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx := r.Context()

	_, ok, err := h.registry.Get(ctx, name)
	if err != nil {
		h.logger.Error("getting group for delete", "error", err, "group", name)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get group")
		return
	}
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "group not found")
		return
	}

	if h.instances != nil {
		count, err := h.instances.CountCurrent(ctx, name)
		if err != nil {
			h.logger.Error("counting instances for delete", "error", err, "group", name)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to check group instances")
			return
		}
		if count > 0 {
			httpserver.RespondErrors(w, http.StatusBadRequest, "group_has_active_instances", []string{"group has active instances and cannot be deleted"})
			return
		}
	}

	if err := h.registry.Delete(ctx, name); err != nil {
		h.logger.Error("deleting group", "error", err, "group", name)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to delete group")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := Reset(r.Context(), h.registry, h.baseline); err != nil {
		h.logger.Error("resetting groups", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to reset groups")
		return
	}
	groups, err := h.registry.List(r.Context())
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list groups")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"instanceGroups": groups})
}

type launchProtectedRequest struct {
	Count                    int    `json:"count"`
	ScaleDownProtectedTTLSec int    `json:"scaleDownProtectedTTLSec"`
	InstanceConfigurationID  string `json:"instanceConfigurationId,omitempty"`
}

func (h *Handler) handleLaunchProtected(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req launchProtectedRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Count <= 0 {
		httpserver.RespondErrors(w, http.StatusBadRequest, "invalid_request", []string{"count must be positive"})
		return
	}

	if err := h.launcher.LaunchProtected(r.Context(), name, req.Count, req.ScaleDownProtectedTTLSec, req.InstanceConfigurationID); err != nil {
		h.logger.Error("launch-protected action failed", "error", err, "group", name)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to launch protected instances")
		return
	}

	g, _, err := h.registry.Get(r.Context(), name)
	if err != nil || g == nil {
		httpserver.Respond(w, http.StatusOK, map[string]string{"status": "OK"})
		return
	}
	httpserver.Respond(w, http.StatusOK, g)
}

func lockNameForGroup(name string) string { return "groupLock:" + name }
