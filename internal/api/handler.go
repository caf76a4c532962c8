// Package api serves the coordinator's admin HTTP API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kvstream/logbackup/internal/core"
	"github.com/kvstream/logbackup/internal/tracker"
)

// Subscriptions is a read-only view of tracked regions.
type Subscriptions interface {
	Snapshot() []tracker.Record
	Get(regionID uint64) (tracker.Record, bool)
}

// Tasks is a read-only view of routed tasks.
type Tasks interface {
	Tasks() []string
	Task(name string) (core.TaskInfo, bool)
}

// Advancer runs one checkpoint advancement round on demand.
type Advancer interface {
	Advance(ctx context.Context) (map[string]core.TimeStamp, error)
}

// TaskRemover deletes a task and its stored checkpoints.
type TaskRemover interface {
	RemoveTask(ctx context.Context, name string) error
}

// Deps wires the handlers to the coordinator.
type Deps struct {
	Submitter     core.Submitter
	Subscriptions Subscriptions
	Tasks         Tasks
	Health        core.HealthChecker
	Advancer      Advancer
	Remover       TaskRemover
	// RequestTimeout bounds waits on the operator loop.
	RequestTimeout time.Duration
}

// Handler serves the admin API.
type Handler struct {
	deps      Deps
	startTime time.Time
}

// NewHandler creates a Handler.
func NewHandler(deps Deps) *Handler {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 10 * time.Second
	}
	return &Handler{deps: deps, startTime: time.Now()}
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/v1/health", h.Health)
	r.Get("/v1/regions", h.ListRegions)
	r.Get("/v1/regions/{id}", h.GetRegion)
	r.Post("/v1/observe", h.Observe)
	r.Post("/v1/resolve", h.Resolve)
	r.Get("/v1/tasks", h.ListTasks)
	r.Delete("/v1/tasks/{name}", h.RemoveTask)
	r.Post("/v1/checkpoints/advance", h.Advance)
}

// Health reports backend connectivity and loop state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := core.HealthResponse{
		Status:        "ok",
		Version:       core.Version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
	for _, rec := range h.deps.Subscriptions.Snapshot() {
		resp.Regions++
		if rec.State == tracker.StatePending {
			resp.PendingScans++
		}
	}

	status := http.StatusOK
	if h.deps.Health != nil {
		backend, err := h.deps.Health.Health(r.Context())
		resp.Backend = backend
		if err != nil {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	WriteJSON(w, status, resp)
}

// ListRegions returns every tracked region ordered by id.
func (h *Handler) ListRegions(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"regions": h.deps.Subscriptions.Snapshot()})
}

// GetRegion returns one tracked region.
func (h *Handler) GetRegion(w http.ResponseWriter, r *http.Request) {
	idParam := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(idParam, 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError("region id must be an unsigned integer"))
		return
	}
	rec, ok := h.deps.Subscriptions.Get(id)
	if !ok {
		HandleError(w, core.NewNotFoundError("Region", id))
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

type observeRequest struct {
	Op     core.OpKind  `json:"op"`
	Region *core.Region `json:"region"`
}

// Observe submits a region op to the operator loop.
func (h *Handler) Observe(w http.ResponseWriter, r *http.Request) {
	var req observeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError("invalid JSON body"))
		return
	}
	if req.Region == nil || req.Region.ID == 0 {
		WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError("region with a non-zero id is required"))
		return
	}
	op, err := core.NewRegionOp(req.Op, *req.Region)
	if err != nil {
		HandleError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.deps.RequestTimeout)
	defer cancel()
	if err := h.deps.Submitter.Request(ctx, op); err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{"op": op.Kind(), "region_id": req.Region.ID})
}

type resolveRequest struct {
	MinTS core.TimeStamp `json:"min_ts"`
}

// Resolve resolves the tracked regions' checkpoints. min_ts defaults to now.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, core.NewInvalidRequestError("invalid JSON body"))
			return
		}
	}
	if req.MinTS == 0 {
		req.MinTS = core.TimeStampFromTime(time.Now())
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.deps.RequestTimeout)
	defer cancel()
	ch := make(chan core.ResolvedRegions, 1)
	op := core.ResolveRegions{MinTS: req.MinTS, Callback: func(rr core.ResolvedRegions) { ch <- rr }}
	if err := h.deps.Submitter.Request(ctx, op); err != nil {
		HandleError(w, err)
		return
	}
	select {
	case resolved := <-ch:
		WriteJSON(w, http.StatusOK, resolved)
	case <-ctx.Done():
		HandleError(w, ctx.Err())
	}
}

// ListTasks returns the tasks regions are routed to.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := make([]core.TaskInfo, 0)
	for _, name := range h.deps.Tasks.Tasks() {
		if t, ok := h.deps.Tasks.Task(name); ok {
			tasks = append(tasks, t)
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// Advance runs one checkpoint advancement round.
func (h *Handler) Advance(w http.ResponseWriter, r *http.Request) {
	if h.deps.Advancer == nil {
		HandleError(w, core.NewNotFoundError("Advancer", "checkpoint"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.deps.RequestTimeout)
	defer cancel()
	globals, err := h.deps.Advancer.Advance(ctx)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"checkpoints": globals})
}

// RemoveTask deletes a task. Regions already observed for it stay tracked
// until they are stopped.
func (h *Handler) RemoveTask(w http.ResponseWriter, r *http.Request) {
	if h.deps.Remover == nil {
		HandleError(w, core.NewNotFoundError("TaskRemover", "tasks"))
		return
	}
	name := chi.URLParam(r, "name")
	ctx, cancel := context.WithTimeout(r.Context(), h.deps.RequestTimeout)
	defer cancel()
	if err := h.deps.Remover.RemoveTask(ctx, name); err != nil {
		HandleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
