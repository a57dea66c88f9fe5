// Package httpapi exposes the gateway's REST surface: job submission and
// control for clients, the websocket endpoint for worker nodes, health and
// metrics.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/openclaw/gateway/internal/gpusched"
	"github.com/openclaw/gateway/internal/history"
	"github.com/openclaw/gateway/internal/nodes"
	"github.com/openclaw/gateway/internal/proposal"
)

// Server handles the gateway HTTP API.
type Server struct {
	log       zerolog.Logger
	scheduler *gpusched.Scheduler
	proposals *proposal.Orchestrator
	registry  nodes.Registry
	history   *history.DB

	// nodeWS serves worker websocket connections.
	nodeWS http.Handler

	// metrics serves the Prometheus registry.
	metrics http.Handler

	router *mux.Router
}

// Deps bundles the components the server fronts.
type Deps struct {
	Log       zerolog.Logger
	Scheduler *gpusched.Scheduler
	Proposals *proposal.Orchestrator
	Registry  nodes.Registry
	History   *history.DB
	NodeWS    http.Handler
	Metrics   http.Handler
}

// New builds the router.
func New(deps Deps) *Server {
	s := &Server{
		log:       deps.Log.With().Str("component", "httpapi").Logger(),
		scheduler: deps.Scheduler,
		proposals: deps.Proposals,
		registry:  deps.Registry,
		history:   deps.History,
		nodeWS:    deps.NodeWS,
		metrics:   deps.Metrics,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/gpu/jobs", s.handleGpuSubmit).Methods(http.MethodPost)
	v1.HandleFunc("/gpu/jobs", s.handleGpuList).Methods(http.MethodGet)
	v1.HandleFunc("/gpu/jobs/{id}", s.handleGpuGet).Methods(http.MethodGet)
	v1.HandleFunc("/gpu/jobs/{id}/cancel", s.handleGpuCancel).Methods(http.MethodPost)
	v1.HandleFunc("/gpu/jobs/{id}/pause", s.handleGpuPause).Methods(http.MethodPost)
	v1.HandleFunc("/gpu/jobs/{id}/resume", s.handleGpuResume).Methods(http.MethodPost)
	v1.HandleFunc("/gpu/jobs/{id}/wait", s.handleGpuWait).Methods(http.MethodGet)
	v1.HandleFunc("/gpu/jobs/{id}/events", s.handleGpuEvents).Methods(http.MethodGet)

	v1.HandleFunc("/proposals", s.handleProposalSubmit).Methods(http.MethodPost)
	v1.HandleFunc("/proposals", s.handleProposalList).Methods(http.MethodGet)
	v1.HandleFunc("/proposals/{id}", s.handleProposalGet).Methods(http.MethodGet)
	v1.HandleFunc("/proposals/{id}/cancel", s.handleProposalCancel).Methods(http.MethodPost)
	v1.HandleFunc("/proposals/{id}/wait", s.handleProposalWait).Methods(http.MethodGet)

	v1.HandleFunc("/nodes", s.handleNodeList).Methods(http.MethodGet)
	if s.nodeWS != nil {
		v1.Handle("/nodes/ws", s.nodeWS)
	}

	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGpuSubmit(w http.ResponseWriter, r *http.Request) {
	var req gpusched.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.scheduler.Submit(req)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGpuList(w http.ResponseWriter, r *http.Request) {
	filter := gpusched.ListFilter{State: gpusched.JobState(r.URL.Query().Get("state"))}
	writeJSON(w, http.StatusOK, s.scheduler.List(filter))
}

func (s *Server) handleGpuGet(w http.ResponseWriter, r *http.Request) {
	job := s.scheduler.Get(mux.Vars(r)["id"])
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGpuCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Cancel(mux.Vars(r)["id"]))
}

func (s *Server) handleGpuPause(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Pause(mux.Vars(r)["id"], gpusched.PauseManual))
}

func (s *Server) handleGpuResume(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Resume(mux.Vars(r)["id"]))
}

func (s *Server) handleGpuWait(w http.ResponseWriter, r *http.Request) {
	timeout := 30 * time.Second
	if ms, err := strconv.ParseInt(r.URL.Query().Get("timeoutMs"), 10, 64); err == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	job := s.scheduler.Wait(mux.Vars(r)["id"], timeout)
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGpuEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.history.JobEvents(mux.Vars(r)["id"], limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleProposalSubmit(w http.ResponseWriter, r *http.Request) {
	var req proposal.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.proposals.Submit(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleProposalList(w http.ResponseWriter, r *http.Request) {
	filter := proposal.ListFilter{State: proposal.JobState(r.URL.Query().Get("state"))}
	writeJSON(w, http.StatusOK, s.proposals.List(filter))
}

func (s *Server) handleProposalGet(w http.ResponseWriter, r *http.Request) {
	job := s.proposals.Get(mux.Vars(r)["id"])
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleProposalCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.proposals.Cancel(mux.Vars(r)["id"]))
}

func (s *Server) handleProposalWait(w http.ResponseWriter, r *http.Request) {
	timeout := 30 * time.Second
	if ms, err := strconv.ParseInt(r.URL.Query().Get("timeoutMs"), 10, 64); err == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	job := s.proposals.Wait(mux.Vars(r)["id"], timeout)
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleNodeList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListConnected())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
