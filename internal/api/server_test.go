package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotillahq/flotilla/internal/aggregator"
	"github.com/flotillahq/flotilla/internal/models"
	"github.com/flotillahq/flotilla/internal/scheduler"
	"github.com/flotillahq/flotilla/internal/state"
	"github.com/flotillahq/flotilla/internal/workload"
	"github.com/flotillahq/flotilla/pkg/config"
)

const sumType models.TaskType = "sum"

// sumWorkload adds small integer slices so API tests never generate real
// matrix data.
type sumWorkload struct{}

type sumJob struct{ values []int }

func (sumWorkload) Type() models.TaskType { return sumType }

func (sumWorkload) NewJob() (workload.Job, error) {
	return &sumJob{values: []int{1, 2, 3, 4, 5, 6}}, nil
}

func (sumWorkload) Execute(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var values []int
	if err := json.Unmarshal(payload, &values); err != nil {
		return nil, err
	}
	total := 0
	for _, v := range values {
		total += v
	}
	return json.Marshal(total)
}

func (sumWorkload) Combine(parts []json.RawMessage) (json.RawMessage, error) {
	total := 0
	for _, part := range parts {
		var v int
		if err := json.Unmarshal(part, &v); err != nil {
			return nil, err
		}
		total += v
	}
	return json.Marshal(total)
}

func (j *sumJob) TotalUnits() int { return len(j.values) }

func (j *sumJob) Slice(start, end int) (json.RawMessage, error) {
	return json.Marshal(j.values[start:end])
}

// captureBroadcaster records dispatched subtasks for replay as results.
type captureBroadcaster struct {
	sent []*models.TaskDispatch
}

func (b *captureBroadcaster) Broadcast(_ context.Context, msg *models.TaskDispatch) error {
	b.sent = append(b.sent, msg)
	return nil
}

type testEnv struct {
	server      *Server
	state       *state.State
	aggregator  *aggregator.Aggregator
	broadcaster *captureBroadcaster
	workloads   *workload.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := state.New(nil)
	registry := workload.NewRegistry()
	registry.Register(sumWorkload{})

	bc := &captureBroadcaster{}
	sched := scheduler.New(st, registry, bc, nil, nil)
	agg := aggregator.New(st, registry, nil, nil)
	srv := NewServer(&config.Config{}, st, sched, agg, nil)

	return &testEnv{server: srv, state: st, aggregator: agg, broadcaster: bc, workloads: registry}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRegisterEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/nodes/register", models.RegisterRequest{
		NodeID:       "classB-worker-1",
		Capabilities: map[string]any{"cpu_count": 8},
		IPAddress:    "10.0.0.7",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[models.RegisterResponse](t, rec)
	assert.Equal(t, "registered", resp.Status)
	assert.Equal(t, models.ClassB, resp.Class)

	nodes := env.state.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "classB-worker-1", nodes[0].ID)
}

func TestRegisterEndpointRejectsMissingNodeID(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/nodes/register", models.RegisterRequest{IPAddress: "10.0.0.7"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeartbeatEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.state.Register("classA-worker", nil, "")

	rec := env.do(t, http.MethodPost, "/nodes/heartbeat", models.HeartbeatRequest{
		NodeID:    "classA-worker",
		Timestamp: time.Now().Unix(),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[models.HeartbeatResponse](t, rec)
	assert.Equal(t, "ack", resp.Status)
	assert.True(t, resp.Known)
}

func TestHeartbeatEndpointUnknownNode(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/nodes/heartbeat", models.HeartbeatRequest{NodeID: "ghost"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[models.HeartbeatResponse](t, rec)
	assert.Equal(t, "ack", resp.Status)
	assert.False(t, resp.Known)
	assert.Empty(t, env.state.Nodes(), "unknown heartbeat must not create a node")
}

func TestListNodesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.state.Register("classA-0", nil, "")
	env.state.Register("classB-0", nil, "")

	rec := env.do(t, http.MethodGet, "/nodes/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	nodes := decode[[]models.NodeRecord](t, rec)
	require.Len(t, nodes, 2)
	assert.Equal(t, "classA-0", nodes[0].ID)
	assert.Equal(t, "classB-0", nodes[1].ID)
}

func TestSubmitTaskEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.state.Register("classA-0", nil, "")
	env.state.Register("classA-1", nil, "")

	rec := env.do(t, http.MethodPost, "/submit_task", map[string]any{
		"type":      string(sumType),
		"num_nodes": 2,
		"user_id":   "user_42",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	submit := decode[map[string]string](t, rec)
	assert.Equal(t, "success", submit["status"])
	taskID := submit["task_id"]
	require.NotEmpty(t, taskID)
	require.Len(t, env.broadcaster.sent, 2)

	// Pending until the agents report back.
	rec = env.do(t, http.MethodGet, "/task_status/"+taskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]json.RawMessage](t, rec)
	assert.JSONEq(t, `"pending"`, string(status["status"]))

	// Replay the captured dispatches through the executor and deliver the
	// results out of order.
	wl, _ := env.workloads.Get(sumType)
	for i := len(env.broadcaster.sent) - 1; i >= 0; i-- {
		msg := env.broadcaster.sent[i]
		result, err := wl.Execute(context.Background(), msg.Data)
		require.NoError(t, err)
		env.aggregator.Accept(&models.ResultMessage{
			TaskID:    msg.TaskID,
			SubtaskID: msg.SubtaskID,
			NodeID:    msg.NodeID,
			Status:    models.ResultCompleted,
			Result:    result,
			Timestamp: time.Now().Unix(),
		})
	}

	rec = env.do(t, http.MethodGet, "/task_status/"+taskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status = decode[map[string]json.RawMessage](t, rec)
	assert.JSONEq(t, `"completed"`, string(status["status"]))
	assert.JSONEq(t, `21`, string(status["results"]))
}

func TestSubmitTaskDefaultsToOneNode(t *testing.T) {
	env := newTestEnv(t)
	env.state.Register("classA-0", nil, "")

	rec := env.do(t, http.MethodPost, "/submit_task", map[string]any{"type": string(sumType)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, env.broadcaster.sent, 1)
}

func TestSubmitTaskErrors(t *testing.T) {
	env := newTestEnv(t)
	env.state.Register("classA-0", nil, "")

	cases := []struct {
		name string
		body map[string]any
		code int
	}{
		{"missing type", map[string]any{"num_nodes": 1}, http.StatusBadRequest},
		{"unknown type", map[string]any{"type": "fusion"}, http.StatusBadRequest},
		{"negative node count", map[string]any{"type": string(sumType), "num_nodes": -2}, http.StatusBadRequest},
		{"insufficient nodes", map[string]any{"type": string(sumType), "num_nodes": 9}, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/submit_task", tc.body)
			assert.Equal(t, tc.code, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "error", body["status"])
		})
	}
}

func newRunnableServer(t *testing.T) *Server {
	t.Helper()
	st := state.New(nil)
	registry := workload.NewRegistry()
	registry.Register(sumWorkload{})
	sched := scheduler.New(st, registry, &captureBroadcaster{}, nil, nil)
	agg := aggregator.New(st, registry, nil, nil)
	cfg := &config.Config{APIHost: "127.0.0.1", APIPort: 0, ShutdownTimeout: time.Second}
	return NewServer(cfg, st, sched, agg, nil)
}

func waitForStart(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
		return nil
	}
}

func TestStartReturnsNilOnExternalShutdown(t *testing.T) {
	srv := newRunnableServer(t)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(context.Background()) }()

	// Stop the server the way the shutdown coordinator does, without
	// cancelling the context Start blocks on.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, srv.Shutdown(context.Background()))

	assert.NoError(t, waitForStart(t, errCh), "a graceful external stop must not surface as a server error")
}

func TestStartReturnsNilOnContextCancel(t *testing.T) {
	srv := newRunnableServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	assert.NoError(t, waitForStart(t, errCh))
}

func TestTaskStatusNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, fmt.Sprintf("/task_status/%s", "nope"), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Task not found", body["message"])
}
