package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/nodegraph/internal/config"
	"github.com/gyaneshwarpardhi/nodegraph/internal/dag"
	"github.com/gyaneshwarpardhi/nodegraph/internal/dispatch"
	"github.com/gyaneshwarpardhi/nodegraph/internal/engine"
	"github.com/gyaneshwarpardhi/nodegraph/internal/metrics"
)

const readyUtilization = 0.8

// Pool is the part of the dispatcher the API reports on.
type Pool interface {
	Available() bool
	Utilization() float64
	Sessions() []dispatch.SessionInfo
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng    *engine.Engine
	pool   Pool
	loader *config.Loader
	log    *slog.Logger
	mux    *http.ServeMux
}

// New creates an HTTP handler and registers all routes. loader may be nil,
// in which case reloads are refused.
func New(eng *engine.Engine, pool Pool, loader *config.Loader, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{eng: eng, pool: pool, loader: loader, log: log, mux: http.NewServeMux()}

	h.mux.HandleFunc("GET /v1/graph", h.getGraph)
	h.mux.HandleFunc("POST /v1/graph/reload", h.reloadGraph)
	h.mux.HandleFunc("GET /v1/nodes/{id}", h.getNode)
	h.mux.HandleFunc("PUT /v1/nodes/{id}/params", h.setParams)
	h.mux.HandleFunc("DELETE /v1/nodes/{id}", h.removeNode)
	h.mux.HandleFunc("POST /v1/runs", h.submitRun)
	h.mux.HandleFunc("GET /v1/runs/latest", h.latestRun)
	h.mux.HandleFunc("GET /v1/sessions", h.sessions)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(log, h.mux)
}

// GET /v1/graph: every node in evaluation order with its latest outcome.
func (h *Handler) getGraph(w http.ResponseWriter, r *http.Request) {
	g := h.eng.Graph()
	outcomes := h.eng.Outcomes()
	nodes := make([]nodeView, 0, g.Len())
	for _, id := range g.TopologicalOrder() {
		n, ok := g.Node(id)
		if !ok {
			continue
		}
		v := newNodeView(n)
		if o, ok := outcomes[id]; ok {
			v.Outcome = newOutcomeView(o)
		}
		nodes = append(nodes, v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"epoch": h.eng.Epoch(),
		"state": h.eng.State().String(),
		"nodes": nodes,
	})
}

// POST /v1/graph/reload: re-read the config file; registered callbacks
// reconcile the graph.
func (h *Handler) reloadGraph(w http.ResponseWriter, r *http.Request) {
	if h.loader == nil {
		writeError(w, http.StatusNotImplemented, "no config file to reload")
		return
	}
	cfg, err := h.loader.Reload()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reloaded": true,
		"path":     h.loader.Path(),
		"nodes":    len(cfg.Graph.Nodes),
		"epoch":    h.eng.Epoch(),
	})
}

// GET /v1/nodes/{id}
func (h *Handler) getNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, ok := h.eng.Graph().Node(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown node %q", id))
		return
	}
	v := newNodeView(n)
	if o, ok := h.eng.Outcome(id); ok {
		v.Outcome = newOutcomeView(o)
	}
	writeJSON(w, http.StatusOK, v)
}

// PUT /v1/nodes/{id}/params: replace a node's params and re-evaluate its cone.
func (h *Handler) setParams(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	params, err := config.ParamsToCty(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := h.eng.Edit(func(g *dag.Graph) ([]string, error) {
		return g.SetParams(id, params)
	})
	h.respondRun(w, r, run, err)
}

// DELETE /v1/nodes/{id}
func (h *Handler) removeNode(w http.ResponseWriter, r *http.Request) {
	run, err := h.eng.Remove(r.PathValue("id"))
	h.respondRun(w, r, run, err)
}

type submitRequest struct {
	Nodes []string `json:"nodes"`
}

// POST /v1/runs: evaluate the given nodes' cones, or the whole graph.
func (h *Handler) submitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
			return
		}
	}
	for _, id := range req.Nodes {
		if !h.eng.Graph().Has(id) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown node %q", id))
			return
		}
	}
	var run *engine.Run
	if len(req.Nodes) == 0 {
		run = h.eng.SubmitAll()
	} else {
		run = h.eng.Submit(req.Nodes)
	}
	h.respondRun(w, r, run, nil)
}

// GET /v1/runs/latest: summary of the last run that was not superseded.
func (h *Handler) latestRun(w http.ResponseWriter, r *http.Request) {
	s := h.eng.Latest()
	if s == nil {
		writeError(w, http.StatusNotFound, "no run has settled yet")
		return
	}
	writeJSON(w, http.StatusOK, newSummaryView(s))
}

// GET /v1/sessions
func (h *Handler) sessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"available":   h.pool.Available(),
		"utilization": h.pool.Utilization(),
		"sessions":    h.pool.Sessions(),
	})
}

// GET /healthz: always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 if no kernel session is left or the queue is >80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.pool.Utilization()
	metrics.QueueUtilization.Set(util)
	switch {
	case !h.pool.Available():
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "kernel unavailable",
		})
	case util > readyUtilization:
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":            "ready",
			"queue_utilization": util,
		})
	}
}

// respondRun answers an edit. With ?wait=true it blocks until the run ends
// and returns its summary.
func (h *Handler) respondRun(w http.ResponseWriter, r *http.Request, run *engine.Run, err error) {
	if err != nil {
		writeError(w, editStatus(err), err.Error())
		return
	}
	if run == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"changed": false})
		return
	}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		s, err := run.Wait(r.Context())
		if s == nil {
			writeError(w, http.StatusRequestTimeout, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, newSummaryView(s))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"changed": true,
		"run_id":  run.ID,
		"epoch":   run.Epoch,
	})
}

func editStatus(err error) int {
	switch {
	case errors.Is(err, dag.ErrUnknownNode):
		return http.StatusNotFound
	case errors.Is(err, dag.ErrInvalidParams):
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}
