package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vigiltest "github.com/teranos/vigil/internal/testing"
	"github.com/teranos/vigil/pulse/admission"
	"github.com/teranos/vigil/pulse/async"
	"github.com/teranos/vigil/pulse/guardrail"
	"github.com/teranos/vigil/pulse/probe"
	"github.com/teranos/vigil/rules"
)

type fakeSampler struct {
	mu  sync.Mutex
	cpu float64
}

func (f *fakeSampler) Sample(context.Context) (probe.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return probe.Snapshot{CPUPct: f.cpu, DiskFreeGB: 100, MemAvailableGB: 8}, nil
}

func (f *fakeSampler) setCPU(v float64) {
	f.mu.Lock()
	f.cpu = v
	f.mu.Unlock()
}

type fakeEvaluator struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEvaluator) EvaluateEvent(_ context.Context, eventType string, data map[string]interface{}) ([]*rules.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	return []*rules.Execution{{RuleID: "r1", EventType: eventType, Success: true}}, nil
}

type testServer struct {
	srv     *Server
	queue   *async.Queue
	sampler *fakeSampler
	engine  *fakeEvaluator
	rules   *rules.Store
	audit   *rules.AuditStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn := vigiltest.CreateTestDB(t)
	ts := &testServer{sampler: &fakeSampler{cpu: 20}, engine: &fakeEvaluator{}}

	backoff := async.BackoffPolicy{Base: time.Minute, Max: 5 * time.Minute, JitterPct: 10, Float: func() float64 { return 0.5 }}
	ts.queue = async.NewQueue(async.NewStore(conn), async.NewLocalPublisher(), backoff, nil)
	holder := guardrail.NewHolder(guardrail.Config{CPUThresholdPct: 70})
	checker := guardrail.NewChecker(ts.sampler, holder, time.Minute)
	gates := admission.NewGates(checker, []string{"proxy"}, time.UTC)
	sched := admission.New(ts.queue, gates, admission.Config{}, nil)

	actions := rules.NewActionRegistry()
	ts.rules = rules.NewStore(conn, actions)
	ts.audit = rules.NewAuditStore(conn)

	ts.srv = New(Deps{
		Queue:    ts.queue,
		Admitter: sched,
		Guard:    checker,
		Engine:   ts.engine,
		Rules:    ts.rules,
		Audit:    ts.audit,
	}, nil)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body == nil {
		req.ContentLength = 0
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (ts *testServer) submit(t *testing.T, req SubmitJobRequest) *async.Job {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/jobs", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[*async.Job](t, rec)
}

func TestGuardrailCheck(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/guardrails/check", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[guardrail.CheckResult](t, rec)
	assert.False(t, res.Blocked)
	assert.Empty(t, res.Reasons)
	assert.Zero(t, res.RetryAfterSec)

	ts.sampler.setCPU(90)
	res = decode[guardrail.CheckResult](t, ts.do(t, http.MethodGet, "/api/guardrails/check", nil))
	assert.True(t, res.Blocked)
	assert.Equal(t, []string{"cpu_high"}, res.Reasons)
	assert.Equal(t, 60, res.RetryAfterSec)
	assert.Equal(t, 90.0, res.Snapshot.CPUPct)

	t.Run("query override", func(t *testing.T) {
		res := decode[guardrail.CheckResult](t, ts.do(t, http.MethodGet, "/api/guardrails/check?cpu_threshold_pct=95", nil))
		assert.False(t, res.Blocked)
	})

	t.Run("body override", func(t *testing.T) {
		res := decode[guardrail.CheckResult](t, ts.do(t, http.MethodPost, "/api/guardrails/check", `{"cpu_threshold_pct": 95}`))
		assert.False(t, res.Blocked)
	})

	t.Run("bad override", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/guardrails/check?cpu_threshold_pct=lots", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSubmitJob(t *testing.T) {
	ts := newTestServer(t)

	clear := ts.submit(t, SubmitJobRequest{Type: "proxy", AssetID: "a1", Payload: map[string]interface{}{"path": "/rec/a.mkv"}})
	assert.False(t, clear.Deferred)
	assert.Equal(t, async.SourceAPI, clear.Source)
	assert.Equal(t, "a1", clear.AssetID)

	ts.sampler.setCPU(90)
	blocked := ts.submit(t, SubmitJobRequest{Type: "proxy"})
	assert.True(t, blocked.Deferred)
	assert.Equal(t, "guardrails:cpu_high", blocked.BlockedReason)
	require.NotNil(t, blocked.NextRunAt)

	// Not resource sensitive.
	move := ts.submit(t, SubmitJobRequest{Type: "move"})
	assert.False(t, move.Deferred)

	t.Run("missing type", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/jobs", SubmitJobRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/jobs", "{")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "Invalid request body")
	})
}

func TestListJobs(t *testing.T) {
	ts := newTestServer(t)
	ts.submit(t, SubmitJobRequest{Type: "proxy"})
	ts.sampler.setCPU(90)
	blocked := ts.submit(t, SubmitJobRequest{Type: "proxy"})

	list := decode[JobListResponse](t, ts.do(t, http.MethodGet, "/api/jobs", nil))
	assert.Equal(t, 2, list.Count)

	list = decode[JobListResponse](t, ts.do(t, http.MethodGet, "/api/jobs?deferred=true", nil))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, blocked.ID, list.Jobs[0].ID)
	assert.Equal(t, "guardrails:cpu_high", list.Jobs[0].BlockedReason)
	assert.NotNil(t, list.Jobs[0].NextRunAt)

	list = decode[JobListResponse](t, ts.do(t, http.MethodGet, "/api/jobs?type=remux", nil))
	assert.Equal(t, 0, list.Count)
	assert.NotNil(t, list.Jobs)

	for _, q := range []string{"state=sleeping", "deferred=maybe", "limit=-1"} {
		rec := ts.do(t, http.MethodGet, "/api/jobs?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestGetAndCancelJob(t *testing.T) {
	ts := newTestServer(t)
	ts.sampler.setCPU(90)
	job := ts.submit(t, SubmitJobRequest{Type: "proxy"})

	got := decode[*async.Job](t, ts.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil))
	assert.Equal(t, job.ID, got.ID)

	rec := ts.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	canceled := decode[*async.Job](t, rec)
	assert.Equal(t, async.StateCanceled, canceled.State)
	assert.False(t, canceled.Deferred)

	// Canceling again is a no-op.
	rec = ts.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/jobs/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/jobs/nope/cancel", nil).Code)
}

func TestReport(t *testing.T) {
	ts := newTestServer(t)
	job := ts.submit(t, SubmitJobRequest{Type: "proxy"})
	base := "/api/jobs/" + job.ID + "/report"

	rec := ts.do(t, http.MethodPost, base, `{"state":"running","progress":0.5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	running := decode[*async.Job](t, rec)
	assert.Equal(t, async.StateRunning, running.State)
	assert.Equal(t, 0.5, running.Progress)

	rec = ts.do(t, http.MethodPost, base, `{"state":"completed","result":{"output":"/rec/a_proxy.mp4"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[*async.Job](t, rec)
	assert.Equal(t, async.StateCompleted, done.State)
	assert.Equal(t, "/rec/a_proxy.mp4", done.Result["output"])

	t.Run("mismatched id", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, base, `{"job_id":"other","state":"running"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown state", func(t *testing.T) {
		other := ts.submit(t, SubmitJobRequest{Type: "move"})
		rec := ts.do(t, http.MethodPost, "/api/jobs/"+other.ID+"/report", `{"state":"exploded"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("deferred job cannot start", func(t *testing.T) {
		ts.sampler.setCPU(90)
		blocked := ts.submit(t, SubmitJobRequest{Type: "proxy"})
		rec := ts.do(t, http.MethodPost, "/api/jobs/"+blocked.ID+"/report", `{"state":"running"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestEvents(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/events", EventRequest{EventType: "tagged", Data: map[string]interface{}{"tag": "keep"}})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[EventResponse](t, rec)
	require.Len(t, resp.Executions, 1)
	assert.Equal(t, "tagged", resp.Executions[0].EventType)
	assert.Equal(t, []string{"tagged"}, ts.engine.events)

	rec = ts.do(t, http.MethodPost, "/api/events", `{"data":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRulesCRUD(t *testing.T) {
	ts := newTestServer(t)
	body := `{
		"name": "proxy-mkv",
		"trigger": {"type": "file_closed"},
		"conditions": [{"field": "file.extension", "operator": "equals", "value": ".mkv"}],
		"quiet_period_sec": 45,
		"actions": [{"type": "proxy"}]
	}`

	rec := ts.do(t, http.MethodPost, "/api/rules", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[rules.Rule](t, rec)
	require.NotEmpty(t, created.ID)
	assert.True(t, created.Enabled)
	assert.Equal(t, 100, created.Priority)

	list := decode[[]*rules.Rule](t, ts.do(t, http.MethodGet, "/api/rules", nil))
	require.Len(t, list, 1)

	update := strings.Replace(body, `"quiet_period_sec": 45`, `"quiet_period_sec": 90, "priority": 5, "enabled": true`, 1)
	rec = ts.do(t, http.MethodPut, "/api/rules/"+created.ID, update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[rules.Rule](t, rec)
	assert.Equal(t, 90, updated.QuietPeriodSec)
	assert.Equal(t, 5, updated.Priority)

	require.NoError(t, ts.audit.Append(context.Background(), &rules.Execution{
		ID: "e1", RuleID: created.ID, EventType: "file_closed", Success: true, Deferred: true,
		BlockedReason: "quiet_period:45s_remaining", ExecutedAt: time.Now().UTC(),
	}))
	history := decode[[]*rules.Execution](t, ts.do(t, http.MethodGet, "/api/rules/"+created.ID+"/history", nil))
	require.Len(t, history, 1)
	assert.Equal(t, "quiet_period:45s_remaining", history[0].BlockedReason)
	assert.Equal(t, "proxy-mkv", history[0].RuleName)

	recent := decode[[]*rules.Execution](t, ts.do(t, http.MethodGet, "/api/executions?limit=5", nil))
	require.Len(t, recent, 1)
	assert.Equal(t, history[0].ID, recent[0].ID)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/rules/"+created.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/rules/"+created.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/rules/"+created.ID, nil).Code)

	t.Run("invalid rule", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/rules", `{"name":"x","trigger":{"type":"file_closed"},"actions":[{"type":"teleport"}]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUnconfiguredDeps(t *testing.T) {
	srv := New(Deps{}, nil)
	for _, path := range []string{"/api/jobs", "/api/guardrails/check", "/api/rules"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestJobStream(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws/jobs"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered after the upgrade completes.
	require.Eventually(t, func() bool {
		rec := ts.do(t, http.MethodGet, "/health", nil)
		return strings.Contains(rec.Body.String(), `"stream_clients":1`)
	}, 2*time.Second, 10*time.Millisecond)

	job := ts.submit(t, SubmitJobRequest{Type: "move"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg JobUpdateMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "job_update", msg.Type)
	assert.Equal(t, job.ID, msg.Job.ID)
}

func TestCheckOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/jobs", nil)
	assert.True(t, checkOrigin(req))
	req.Header.Set("Origin", "http://localhost:5173")
	assert.True(t, checkOrigin(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, checkOrigin(req))
}
