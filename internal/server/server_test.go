package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/chatflow/config"
	"github.com/BaSui01/chatflow/history"
	"github.com/BaSui01/chatflow/orchestrator"
	"github.com/BaSui01/chatflow/testutil/mocks"
	"github.com/BaSui01/chatflow/types"
)

func testServer(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()
	cfg := config.ServerConfig{
		Addr:            ":0",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: time.Second,
	}
	srv := New(cfg, deps)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func testDeps(t *testing.T, gen *mocks.Generator) (Deps, *orchestrator.Orchestrator) {
	t.Helper()
	agents := []types.Agent{
		{ID: "amber", Name: "Amber", Role: types.RoleHost,
			Traits: &types.Traits{Extroversion: 0.9, Curiosity: 0.7, Talkativeness: 0.8, Reactivity: 0.8}},
		{ID: "kai", Name: "Kai",
			Traits: &types.Traits{Extroversion: 0.8, Curiosity: 0.5, Talkativeness: 0.9, Reactivity: 0.6}},
	}
	cfg := orchestrator.DefaultConfig()
	cfg.CleanupDelay = time.Minute
	orch := orchestrator.New(agents, cfg, gen)
	t.Cleanup(orch.Close)
	return Deps{Orchestrator: orch}, orch
}

func TestServer_Health(t *testing.T) {
	deps, _ := testDeps(t, mocks.NewGenerator())
	ts := testServer(t, deps)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_SnapshotIdle(t *testing.T) {
	deps, _ := testDeps(t, mocks.NewGenerator())
	ts := testServer(t, deps)

	resp, err := http.Get(ts.URL + "/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap types.RunSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, types.PhaseIdle, snap.Phase)
}

func TestServer_RunsRoute(t *testing.T) {
	store, err := history.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.ArchiveRun(context.Background(), types.RunSnapshot{
		RunID: "run-1",
		Phase: types.PhaseCompleted,
	}))

	deps, _ := testDeps(t, mocks.NewGenerator())
	deps.History = store
	ts := testServer(t, deps)

	resp, err := http.Get(ts.URL + "/runs")
	require.NoError(t, err)
	defer resp.Body.Close()

	var runs []history.RunRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
}

func TestServer_MetricsRouteMountedWhenProvided(t *testing.T) {
	deps, _ := testDeps(t, mocks.NewGenerator())
	deps.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("metrics ok"))
	})
	ts := testServer(t, deps)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// readAck 跳过快照推送帧，取出下一条命令应答
func readAck(ctx context.Context, t *testing.T, conn *websocket.Conn) controlAck {
	t.Helper()
	for {
		var frame map[string]any
		require.NoError(t, wsjson.Read(ctx, conn, &frame))
		if _, isAck := frame["ok"]; !isAck {
			continue // 快照帧
		}
		data, err := json.Marshal(frame)
		require.NoError(t, err)
		var ack controlAck
		require.NoError(t, json.Unmarshal(data, &ack))
		return ack
	}
}

func TestServer_WebsocketControlFlow(t *testing.T) {
	gen := mocks.NewGenerator()
	deps, orch := testDeps(t, gen)
	ts := testServer(t, deps)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	// 连接建立即收到一帧当前快照
	var first types.RunSnapshot
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, types.PhaseIdle, first.Phase)

	// 控制操作在空闲状态下静默无效，应答依然 OK
	require.NoError(t, wsjson.Write(ctx, conn, controlCommand{Op: "pause"}))
	ack := readAck(ctx, t, conn)
	assert.True(t, ack.OK)

	// 触发一次 Run
	require.NoError(t, wsjson.Write(ctx, conn, controlCommand{Op: "trigger", Text: "hello all", SenderID: "user"}))
	ack = readAck(ctx, t, conn)
	assert.True(t, ack.OK, "trigger should succeed: %s", ack.Error)

	// 事件驱动的快照推送最终呈现终结态
	require.Eventually(t, func() bool {
		return orch.Snapshot().Phase == types.PhaseCompleted
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, wsjson.Write(ctx, conn, controlCommand{Op: "unknown-op"}))
	ack = readAck(ctx, t, conn)
	assert.False(t, ack.OK)
	assert.Contains(t, ack.Error, "unknown op")
}

func TestServer_WebsocketTriggerConflict(t *testing.T) {
	gen := mocks.NewGenerator().Gated()
	deps, orch := testDeps(t, gen)
	ts := testServer(t, deps)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[len("http"):]+"/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var first types.RunSnapshot
	require.NoError(t, wsjson.Read(ctx, conn, &first))

	require.NoError(t, wsjson.Write(ctx, conn, controlCommand{Op: "trigger", Text: "first", SenderID: "user"}))
	require.True(t, readAck(ctx, t, conn).OK)

	require.NoError(t, wsjson.Write(ctx, conn, controlCommand{Op: "trigger", Text: "second", SenderID: "user"}))
	ack := readAck(ctx, t, conn)
	assert.False(t, ack.OK, "second trigger must be rejected while a run is active")

	require.NoError(t, wsjson.Write(ctx, conn, controlCommand{Op: "cancel"}))
	assert.True(t, readAck(ctx, t, conn).OK)
	orch.CancelAll()
	go gen.Release()
}
