package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/nodegraph/internal/api"
	"github.com/gyaneshwarpardhi/nodegraph/internal/cache"
	"github.com/gyaneshwarpardhi/nodegraph/internal/config"
	"github.com/gyaneshwarpardhi/nodegraph/internal/dag"
	"github.com/gyaneshwarpardhi/nodegraph/internal/dispatch"
	"github.com/gyaneshwarpardhi/nodegraph/internal/engine"
	"github.com/gyaneshwarpardhi/nodegraph/internal/nodedef"
	"github.com/gyaneshwarpardhi/nodegraph/internal/simkernel"
)

const graphYAML = `
version: "1"
graph:
  nodes:
    - id: p
      type: number
      params: {value: 2}
    - id: q
      type: scale
      params: {factor: 3}
      inputs:
        in: {node: p, port: out}
`

type server struct {
	h    http.Handler
	eng  *engine.Engine
	path string
}

func newServer(t *testing.T) *server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(graphYAML), 0o644))
	loader, err := config.NewLoader(path, log)
	require.NoError(t, err)

	k := simkernel.New()
	cat := simkernel.Catalog()
	d, err := dispatch.New(context.Background(), nodedef.Bridge(cat, k.Factory()), dispatch.Config{Sessions: 2, Logger: log})
	require.NoError(t, err)
	eng := engine.New(dag.NewGraph(cat), cache.New(0), d, nil, engine.Config{Logger: log})
	t.Cleanup(func() {
		eng.Shutdown()
		d.Close()
	})

	_, err = eng.Reconcile(loader.Config().Graph, nil)
	require.NoError(t, err)
	loader.OnChange(func(cfg *config.Config) {
		if _, err := eng.Reconcile(cfg.Graph, nil); err != nil {
			t.Errorf("reconcile: %v", err)
		}
	})
	return &server{h: api.New(eng, d, loader, log), eng: eng, path: path}
}

func (s *server) do(t *testing.T, method, target, body string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func output(t *testing.T, node map[string]any) float64 {
	t.Helper()
	o, ok := node["outcome"].(map[string]any)
	require.True(t, ok, "node has no outcome: %v", node)
	outs, ok := o["outputs"].(map[string]any)
	require.True(t, ok, "outcome has no outputs: %v", o)
	return outs["out"].(float64)
}

func TestHealthAndReadiness(t *testing.T) {
	s := newServer(t)

	code, body := s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, body = s.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])

	code, body = s.do(t, http.MethodGet, "/v1/sessions", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["available"])
	assert.Len(t, body["sessions"], 2)
}

func TestRunsAndEdits(t *testing.T) {
	s := newServer(t)

	code, summary := s.do(t, http.MethodPost, "/v1/runs?wait=true", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", summary["state"])

	code, node := s.do(t, http.MethodGet, "/v1/nodes/q", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 6.0, output(t, node))
	assert.Equal(t, "resolved", node["outcome"].(map[string]any)["status"])

	code, summary = s.do(t, http.MethodPut, "/v1/nodes/p/params?wait=true", `{"value": 5}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"p", "q"}, summary["order"])
	assert.Equal(t, 2.0, summary["kernel_calls"])

	_, node = s.do(t, http.MethodGet, "/v1/nodes/q", "")
	assert.Equal(t, 15.0, output(t, node))

	code, body := s.do(t, http.MethodPut, "/v1/nodes/p/params", `{"value": 5}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["changed"])

	code, _ = s.do(t, http.MethodPut, "/v1/nodes/nope/params", `{"value": 1}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodPut, "/v1/nodes/p/params", `{"value": `)
	assert.Equal(t, http.StatusBadRequest, code)

	code, latest := s.do(t, http.MethodGet, "/v1/runs/latest", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, summary["run_id"], latest["run_id"])

	code, _ = s.do(t, http.MethodPost, "/v1/runs", `{"nodes": ["ghost"]}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, summary = s.do(t, http.MethodDelete, "/v1/nodes/p?wait=true", "")
	require.Equal(t, http.StatusOK, code)
	counts := summary["counts"].(map[string]any)
	assert.Equal(t, 1.0, counts["failed"])

	code, _ = s.do(t, http.MethodGet, "/v1/nodes/p", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGraphAndReload(t *testing.T) {
	s := newServer(t)

	code, body := s.do(t, http.MethodGet, "/v1/graph", "")
	require.Equal(t, http.StatusOK, code)
	nodes := body["nodes"].([]any)
	require.Len(t, nodes, 2)
	p := nodes[0].(map[string]any)
	assert.Equal(t, "p", p["id"])
	q := nodes[1].(map[string]any)
	assert.Less(t, p["seq"].(float64), q["seq"].(float64))
	assert.Equal(t, map[string]any{"in": map[string]any{"node": "p", "port": "out"}}, q["inputs"])

	updated := graphYAML + `    - id: r
      type: scale
      params: {factor: 10}
      inputs:
        in: {node: q, port: out}
`
	require.NoError(t, os.WriteFile(s.path, []byte(updated), 0o644))
	code, body = s.do(t, http.MethodPost, "/v1/graph/reload", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 3.0, body["nodes"])
	assert.Equal(t, s.path, body["path"])

	require.Eventually(t, func() bool {
		o, ok := s.eng.Outcome("r")
		return ok && o.Status.Settled()
	}, 5*time.Second, 5*time.Millisecond)
	_, node := s.do(t, http.MethodGet, "/v1/nodes/r", "")
	assert.Equal(t, 60.0, output(t, node))

	require.NoError(t, os.WriteFile(s.path, []byte("version: \"1\"\ngraph:\n  nodes:\n    - id: x\n"), 0o644))
	code, body = s.do(t, http.MethodPost, "/v1/graph/reload", "")
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, body["error"], "type is required")
	assert.True(t, s.eng.Graph().Has("r"), "an invalid file leaves the graph alone")
}
