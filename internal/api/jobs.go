package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"mailroom/internal/types"
)

// Handler dependencies are defined as local interfaces, mirroring the
// concrete scheduler and store types, so the handler tests stand alone.

// JobCatalog exposes read access to the job registry.
type JobCatalog interface {
	Get(name string) (types.Job, bool)
	All() []types.Job
}

// JobController exposes the lifecycle operations of the trigger scheduler.
type JobController interface {
	PauseJob(ctx context.Context, jobName string) error
	ResumeJob(ctx context.Context, jobName string) error
	RescheduleInterval(ctx context.Context, jobName string) (int, error)
}

// JobRunner runs one job immediately, as the dispatcher would.
type JobRunner interface {
	Execute(ctx context.Context, jobName string) error
}

// TriggerLister lists live platform triggers.
type TriggerLister interface {
	List(ctx context.Context) ([]types.Trigger, error)
}

// TicketBrowser pages through stored ticket records, newest first.
type TicketBrowser interface {
	ListPaginated(ctx context.Context, page, pageSize int) (*types.TicketPage, error)
}

// JobsHandler serves the admin job, trigger, and ticket endpoints.
type JobsHandler struct {
	catalog    JobCatalog
	controller JobController
	runner     JobRunner
	triggers   TriggerLister
	tickets    TicketBrowser
}

// NewJobsHandler creates the handler.
func NewJobsHandler(catalog JobCatalog, controller JobController, runner JobRunner, triggers TriggerLister, tickets TicketBrowser) *JobsHandler {
	return &JobsHandler{
		catalog:    catalog,
		controller: controller,
		runner:     runner,
		triggers:   triggers,
		tickets:    tickets,
	}
}

// RegisterRoutes mounts the handler's routes on the router.
func (h *JobsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/v1/jobs", h.ListJobs)
	r.Get("/v1/jobs/{name}", h.GetJob)
	r.Post("/v1/jobs/{name}/pause", h.PauseJob)
	r.Post("/v1/jobs/{name}/resume", h.ResumeJob)
	r.Post("/v1/jobs/{name}/run", h.RunJob)
	r.Post("/v1/jobs/{name}/reschedule", h.RescheduleJob)
	r.Get("/v1/triggers", h.ListTriggers)
	r.Get("/v1/tickets", h.ListTickets)
}

// ListJobs returns every registered job with its status and statistics.
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.catalog.All()
	JSON(w, r, http.StatusOK, APIResponse{Data: types.ListResponse[types.Job]{
		Data:  jobs,
		Total: len(jobs),
	}})
}

// GetJob returns one job by name.
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	job, ok := h.catalog.Get(name)
	if !ok {
		Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeNotFoundJob,
			"job is not registered",
			nil,
			map[string]any{"job": name},
		))
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: job})
}

// PauseJob deletes the job's trigger and marks it paused.
func (h *JobsHandler) PauseJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.controller.PauseJob(r.Context(), name); err != nil {
		Error(w, r, err)
		return
	}
	job, _ := h.catalog.Get(name)
	JSON(w, r, http.StatusOK, APIResponse{Data: job})
}

// ResumeJob recreates the trigger for a paused job.
func (h *JobsHandler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.controller.ResumeJob(r.Context(), name); err != nil {
		Error(w, r, err)
		return
	}
	job, _ := h.catalog.Get(name)
	JSON(w, r, http.StatusOK, APIResponse{Data: job})
}

// RunJob executes the job immediately, outside its schedule. The run goes
// through the full execution discipline, so a job already running elsewhere
// conflicts rather than running twice.
func (h *JobsHandler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.runner.Execute(r.Context(), name); err != nil {
		Error(w, r, err)
		return
	}
	job, _ := h.catalog.Get(name)
	JSON(w, r, http.StatusOK, APIResponse{Data: job})
}

// RescheduleJob forces an adaptive re-evaluation of an interval job.
func (h *JobsHandler) RescheduleJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	minutes, err := h.controller.RescheduleInterval(r.Context(), name)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]any{
		"job":              name,
		"interval_minutes": minutes,
	}})
}

// ListTriggers returns all live platform triggers.
func (h *JobsHandler) ListTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := h.triggers.List(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: types.ListResponse[types.Trigger]{
		Data:  triggers,
		Total: len(triggers),
	}})
}

// ListTickets pages through ticket records, newest first. Query parameters
// page (1-based) and page_size are optional.
func (h *JobsHandler) ListTickets(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 20)

	result, err := h.tickets.ListPaginated(r.Context(), page, pageSize)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: result})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
