package instance

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fleetscale/controller/internal/httpserver"
	"github.com/fleetscale/controller/pkg/group"
)

// ShutdownChecker answers whether an instance has been flagged to
// terminate, the sidecar-facing half of pkg/shutdown.ShutdownManager.
type ShutdownChecker interface {
	IsShutdown(ctx context.Context, instanceID string) (bool, error)
}

// GroupTyper resolves a group's workload Type for metric-value derivation.
type GroupTyper interface {
	Get(ctx context.Context, name string) (*group.InstanceGroup, bool, error)
}

// Handler exposes the sidecar-facing HTTP surface: legacy status hook,
// poll, and stats/status reporting.
type Handler struct {
	tracker  *Tracker
	groups   GroupTyper
	shutdown ShutdownChecker
	logger   *slog.Logger
}

// NewHandler creates an instance Handler.
func NewHandler(tracker *Tracker, groups GroupTyper, shutdown ShutdownChecker, logger *slog.Logger) *Handler {
	return &Handler{tracker: tracker, groups: groups, shutdown: shutdown, logger: logger}
}

// Routes mounts the sidecar endpoints. Callers are expected to mount this
// at the root so paths land at /hook/v1/status, /sidecar/poll, etc.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/hook/v1/status", h.handleHookStatus)
	r.Post("/sidecar/poll", h.handlePoll)
	r.Post("/sidecar/stats", h.handleStats)
	r.Post("/sidecar/status", h.handleStatus)
	return r
}

// JibriState is the legacy webhook payload. It predates per-group
// tracking, so it only acknowledges the report; it does not update the
// tracked inventory.
type JibriState struct {
	JibriID string `json:"jibriId"`
	Status  string `json:"status"`
}

func (h *Handler) handleHookStatus(w http.ResponseWriter, r *http.Request) {
	var s JibriState
	if err := httpserver.Decode(r, &s); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if s.JibriID == "" || s.Status == "" {
		httpserver.RespondErrors(w, http.StatusBadRequest, "invalid_request", []string{"jibriId and status are required"})
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "OK"})
}

// InstanceDetails identifies an instance for a lightweight shutdown poll
// that does not record stats.
type InstanceDetails struct {
	GroupName  string `json:"groupName"`
	InstanceID string `json:"instanceId"`
}

// sidecarResponse is the {shutdown, reconfigure} envelope sidecars use to
// decide whether to terminate. reconfigure is always false; it is kept
// in the protocol for compatibility with existing sidecars.
type sidecarResponse struct {
	Shutdown    bool `json:"shutdown"`
	Reconfigure bool `json:"reconfigure"`
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	var d InstanceDetails
	if err := httpserver.Decode(r, &d); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if d.InstanceID == "" {
		httpserver.RespondErrors(w, http.StatusBadRequest, "invalid_request", []string{"instanceId is required"})
		return
	}

	shutdown, err := h.shutdown.IsShutdown(r.Context(), d.InstanceID)
	if err != nil {
		h.logger.Error("checking shutdown flag", "error", err, "instance", d.InstanceID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to check shutdown status")
		return
	}
	httpserver.Respond(w, http.StatusOK, sidecarResponse{Shutdown: shutdown})
}

// StatsReport is the full sidecar stats payload, tracked into the Store
// as one Status write plus one MetricSample.
type StatsReport struct {
	GroupName    string     `json:"groupName"`
	InstanceID   string     `json:"instanceId"`
	InstanceType string     `json:"instanceType"`
	Region       string     `json:"region"`
	PublicIP     string     `json:"publicIp,omitempty"`
	PrivateIP    string     `json:"privateIp,omitempty"`
	BusyStatus   BusyStatus `json:"busyStatus,omitempty"`
	Health       Health     `json:"health,omitempty"`
	Stress       float64    `json:"stress,omitempty"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if !h.track(w, r) {
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"save": "OK"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, ok := h.decodeStatsReport(w, r)
	if !ok {
		return
	}
	if !h.trackReport(w, r, report) {
		return
	}

	shutdown, err := h.shutdown.IsShutdown(r.Context(), report.InstanceID)
	if err != nil {
		h.logger.Error("checking shutdown flag", "error", err, "instance", report.InstanceID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to check shutdown status")
		return
	}
	httpserver.Respond(w, http.StatusOK, sidecarResponse{Shutdown: shutdown})
}

func (h *Handler) track(w http.ResponseWriter, r *http.Request) bool {
	report, ok := h.decodeStatsReport(w, r)
	if !ok {
		return false
	}
	return h.trackReport(w, r, report)
}

func (h *Handler) decodeStatsReport(w http.ResponseWriter, r *http.Request) (StatsReport, bool) {
	var report StatsReport
	if err := httpserver.Decode(r, &report); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return StatsReport{}, false
	}
	if report.GroupName == "" || report.InstanceID == "" {
		httpserver.RespondErrors(w, http.StatusBadRequest, "invalid_request", []string{"groupName and instanceId are required"})
		return StatsReport{}, false
	}
	return report, true
}

func (h *Handler) trackReport(w http.ResponseWriter, r *http.Request, report StatsReport) bool {
	ctx := r.Context()

	g, ok, err := h.groups.Get(ctx, report.GroupName)
	if err != nil {
		h.logger.Error("looking up group for stats report", "error", err, "group", report.GroupName)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to look up group")
		return false
	}
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "group not found")
		return false
	}

	status := Status{
		GroupName:    report.GroupName,
		InstanceID:   report.InstanceID,
		InstanceType: report.InstanceType,
		Region:       report.Region,
		PublicIP:     report.PublicIP,
		PrivateIP:    report.PrivateIP,
		BusyStatus:   report.BusyStatus,
		Health:       report.Health,
		Stress:       report.Stress,
	}

	value := metricValueFor(g.Type, report)
	if err := h.tracker.Track(ctx, status, value, time.Now()); err != nil {
		h.logger.Error("tracking instance report", "error", err, "group", report.GroupName, "instance", report.InstanceID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to record stats")
		return false
	}
	return true
}

// metricValueFor derives a MetricSample's Value from a stats report
// according to its group's workload type: jibri reports idleness as 1/0,
// JVB reports stress directly.
func metricValueFor(t group.Type, report StatsReport) float64 {
	if t == group.TypeJVB {
		return report.Stress
	}
	if report.BusyStatus == BusyStatusIdle {
		return 1
	}
	return 0
}
