package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/autoos/pkg/adapter"
	"github.com/zen-systems/autoos/pkg/executor"
	"github.com/zen-systems/autoos/pkg/ledger"
	"github.com/zen-systems/autoos/pkg/metrics"
	"github.com/zen-systems/autoos/pkg/orchestrator"
	"github.com/zen-systems/autoos/pkg/router"
	"github.com/zen-systems/autoos/pkg/schema"
	"github.com/zen-systems/autoos/pkg/state"
	"github.com/zen-systems/autoos/pkg/tool"
	"github.com/zen-systems/autoos/pkg/verifier"
)

const manifest = `name: api-test
steps:
  - id: only
    role: executor
    input: "Describe {{ .Input }}"
`

var answer = strings.Repeat("a complete and well supported answer ", 20)

type testServer struct {
	*httptest.Server
	api *Server
}

func newTestServer(t *testing.T, responder func(adapter.Request) adapter.MockReply, opts ...Option) *testServer {
	t.Helper()
	reg := router.NewRegistry()
	mock := adapter.NewNamedMock("openai", "gpt-4o").WithResponder(responder)
	require.NoError(t, reg.Register(router.ProviderProfile{Provider: "openai", Model: "gpt-4o"}, mock))
	r := router.NewRouter(reg)
	noSleep := func(context.Context, time.Duration) error { return nil }
	inv := adapter.NewInvoker(adapter.WithSleep(noSleep), adapter.WithRetryPolicy(adapter.RetryPolicy{MaxRetries: 0}))

	l := ledger.NewMemory()
	prom := metrics.NewPrometheus()
	orch := orchestrator.New(executor.New(r, inv, verifier.New(r, inv)),
		orchestrator.WithLedger(l), orchestrator.WithMetrics(prom), orchestrator.WithSleep(noSleep))
	s := New(orch, append([]Option{WithLedger(l), WithMetricsHandler(prom.Handler())}, opts...)...)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Wait()
	})
	return &testServer{Server: srv, api: s}
}

func succeed(adapter.Request) adapter.MockReply {
	return adapter.MockReply{Text: answer}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (ts *testServer) submit(t *testing.T, query string) string {
	t.Helper()
	status, body := ts.do(t, http.MethodPost, "/workflows"+query, manifest)
	require.Equal(t, http.StatusAccepted, status, string(body))
	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out["id"])
	return out["id"]
}

func (ts *testServer) waitState(t *testing.T, id string, want schema.WorkflowState) *state.Snapshot {
	t.Helper()
	var snap state.Snapshot
	require.Eventually(t, func() bool {
		status, body := ts.do(t, http.MethodGet, "/workflows/"+id, "")
		if status != http.StatusOK {
			return false
		}
		snap = state.Snapshot{}
		return json.Unmarshal(body, &snap) == nil && snap.Workflow.State == want
	}, 5*time.Second, 10*time.Millisecond)
	return &snap
}

func TestSubmitRunsWorkflowInBackground(t *testing.T) {
	ts := newTestServer(t, succeed)
	id := ts.submit(t, "?input=tides")

	snap := ts.waitState(t, id, schema.WorkflowSucceeded)
	require.Len(t, snap.Workflow.Steps, 1)
	assert.Equal(t, "tides", snap.Workflow.Input)
	assert.Equal(t, schema.StepSucceeded, snap.Workflow.Steps[0].Status)

	status, body := ts.do(t, http.MethodGet, "/workflows/"+id+"/events", "")
	require.Equal(t, http.StatusOK, status)
	var events []ledger.Event
	require.NoError(t, json.Unmarshal(body, &events))
	require.NotEmpty(t, events)
	assert.Equal(t, ledger.EventStateChange, events[0].Type)

	status, body = ts.do(t, http.MethodGet, "/workflows", "")
	require.Equal(t, http.StatusOK, status)
	var list []WorkflowSummary
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, "api-test", list[0].Name)

	status, body = ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "autoos_workflow_total")
}

func toolManifest(marker string) string {
	return fmt.Sprintf(`name: tool-test
steps:
  - id: only
    role: executor
    input: "write the file"
    tool:
      command: ["sh", "-c", "touch %s"]
`, marker)
}

func TestSubmitRefusesToolsWithoutPolicy(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	ts := newTestServer(t, succeed)

	status, body := ts.do(t, http.MethodPost, "/workflows", toolManifest(marker))
	assert.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, string(body), "tools disabled")

	status, body = ts.do(t, http.MethodGet, "/workflows", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(body))
	_, err := os.Stat(marker)
	assert.True(t, os.IsNotExist(err))
}

func TestSubmitRefusesToolOutsideAllowList(t *testing.T) {
	ts := newTestServer(t, succeed, WithToolPolicy(&tool.Policy{AllowedExecs: []string{"go"}}))
	status, body := ts.do(t, http.MethodPost, "/workflows", toolManifest(filepath.Join(t.TempDir(), "ran")))
	assert.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, string(body), "not in allowed executables")

	ts.submit(t, "")
}

func TestAdmittedToolStillNeedsRunnerPolicy(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	ts := newTestServer(t, succeed, WithToolPolicy(&tool.Policy{AllowedExecs: []string{"sh"}}))

	status, body := ts.do(t, http.MethodPost, "/workflows", toolManifest(marker))
	require.Equal(t, http.StatusAccepted, status, string(body))
	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))

	require.Eventually(t, func() bool {
		status, body := ts.do(t, http.MethodGet, "/workflows/"+out["id"], "")
		var snap state.Snapshot
		if status != http.StatusOK || json.Unmarshal(body, &snap) != nil || len(snap.Failures) == 0 {
			return false
		}
		return snap.Failures[0].Kind == schema.FailureToolError
	}, 5*time.Second, 10*time.Millisecond)
	_, err := os.Stat(marker)
	assert.True(t, os.IsNotExist(err))
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, succeed)

	status, _ := ts.do(t, http.MethodGet, "/workflows/missing", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.do(t, http.MethodPost, "/workflows/missing/pause", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, body := ts.do(t, http.MethodPost, "/workflows", "name: broken\nsteps: []\n")
	assert.Equal(t, http.StatusBadRequest, status, string(body))

	status, _ = ts.do(t, http.MethodPost, "/workflows", "steps: [unterminated")
	assert.Equal(t, http.StatusBadRequest, status)

	id := ts.submit(t, "")
	ts.waitState(t, id, schema.WorkflowSucceeded)

	status, _ = ts.do(t, http.MethodPost, "/workflows/"+id+"/pause", "")
	assert.Equal(t, http.StatusConflict, status)
	status, _ = ts.do(t, http.MethodPost, "/workflows/"+id+"/resume", "")
	assert.Equal(t, http.StatusConflict, status)
	status, _ = ts.do(t, http.MethodPost, "/workflows/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, status)
}

func TestSubmitAcceptsJSON(t *testing.T) {
	ts := newTestServer(t, succeed)
	status, body := ts.do(t, http.MethodPost, "/workflows",
		`{"name":"json","steps":[{"id":"a","role":"executor","input":"go"}]}`)
	require.Equal(t, http.StatusAccepted, status, string(body))
}

func TestCancelRunningWorkflow(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	ts := newTestServer(t, func(adapter.Request) adapter.MockReply {
		started <- struct{}{}
		<-release
		return adapter.MockReply{Text: answer}
	})
	defer close(release)

	id := ts.submit(t, "")
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("step never started")
	}

	status, body := ts.do(t, http.MethodPost, "/workflows/"+id+"/cancel", "")
	require.Equal(t, http.StatusAccepted, status, string(body))
	ts.waitState(t, id, schema.WorkflowCancelled)
}

func TestPauseAndResumeOverHTTP(t *testing.T) {
	started := make(chan struct{}, 4)
	release := make(chan struct{}, 4)
	ts := newTestServer(t, func(adapter.Request) adapter.MockReply {
		started <- struct{}{}
		<-release
		return adapter.MockReply{Text: answer}
	})

	status, body := ts.do(t, http.MethodPost, "/workflows", `name: two
sequential: true
steps:
  - id: a
    role: executor
    input: first
  - id: b
    role: executor
    input: second
`)
	require.Equal(t, http.StatusAccepted, status, string(body))
	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	id := out["id"]

	<-started
	status, _ = ts.do(t, http.MethodPost, "/workflows/"+id+"/pause", "")
	require.Equal(t, http.StatusAccepted, status)
	release <- struct{}{}

	snap := ts.waitState(t, id, schema.WorkflowPaused)
	assert.Equal(t, schema.StepSucceeded, snap.Workflow.Steps[0].Status)
	assert.Equal(t, schema.StepPending, snap.Workflow.Steps[1].Status)

	status, _ = ts.do(t, http.MethodPost, "/workflows/"+id+"/resume", "")
	require.Equal(t, http.StatusAccepted, status)
	<-started
	release <- struct{}{}
	ts.waitState(t, id, schema.WorkflowSucceeded)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, succeed, WithCORS([]string{"https://console.example.com"}))

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/workflows", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "https://console.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}
