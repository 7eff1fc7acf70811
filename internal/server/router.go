package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

// NewRouter routes the HTTP API:
//
//	GET  /healthz
//	GET  /metrics
//	GET  /status
//	GET  /jobs?status=RUNNING,BLOCKED
//	POST /jobs
//	GET  /jobs/{uuid}
//	GET  /jobs/{uuid}/events
//	POST /jobs/{uuid}/{command}     cancel | pause | resume
func NewRouter(jobs JobService, metrics http.Handler) http.Handler {
	h := &handlers{jobs: jobs}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	r.Get("/status", h.status)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.submit)
		r.Get("/{uuid}", h.get)
		r.Get("/{uuid}/events", h.events)
		r.Post("/{uuid}/{command}", h.command)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "Resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})
	return r
}

type handlers struct {
	jobs JobService
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.jobs.GetStatus(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	var statuses []types.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			s, err := types.ParseStatus(strings.ToUpper(strings.TrimSpace(name)))
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "invalid_parameter", err.Error())
				return
			}
			statuses = append(statuses, s)
		}
	}
	jobs, err := h.jobs.Jobs(r.Context(), statuses...)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// submitRequest is the accepted subset of a job definition.
type submitRequest struct {
	UUID            string               `json:"uuid"`
	Name            string               `json:"name"`
	Tenant          string               `json:"tenant"`
	Owner           string               `json:"owner"`
	AppID           string               `json:"app_id"`
	AppType         types.AppType        `json:"app_type"`
	Runtime         types.Runtime        `json:"runtime"`
	ContainerImage  string               `json:"container_image"`
	Command         []string             `json:"command"`
	ExecSystemID    string               `json:"exec_system_id"`
	InputTransfers  []types.FileTransfer `json:"input_transfers"`
	ArchiveTransfer *types.FileTransfer  `json:"archive_transfer"`
}

func (req submitRequest) job() *types.Job {
	return &types.Job{
		UUID:            req.UUID,
		Name:            req.Name,
		Tenant:          req.Tenant,
		Owner:           req.Owner,
		AppID:           req.AppID,
		AppType:         req.AppType,
		Runtime:         req.Runtime,
		ContainerImage:  req.ContainerImage,
		Command:         req.Command,
		ExecSystemID:    req.ExecSystemID,
		InputTransfers:  req.InputTransfers,
		ArchiveTransfer: req.ArchiveTransfer,
	}
}

func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_body", "Request body is not a valid job: "+err.Error())
		return
	}
	if req.AppType == "" || req.Runtime == "" {
		writeError(w, r, http.StatusBadRequest, "missing_parameter", "app_type and runtime are required")
		return
	}
	job, err := h.jobs.Submit(r.Context(), req.job())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Job(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	evs, err := h.jobs.History(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if evs == nil {
		evs = []types.JobEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (h *handlers) command(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	cmd, err := types.ParseCommand(strings.ToUpper(chi.URLParam(r, "command")))
	if err != nil {
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
		return
	}

	switch cmd {
	case types.CommandCancel:
		err = h.jobs.Cancel(r.Context(), uuid)
	case types.CommandPause:
		err = h.jobs.Pause(r.Context(), uuid)
	case types.CommandResume:
		err = h.jobs.Resume(r.Context(), uuid)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"uuid": uuid, "command": string(cmd)})
}
