package gateway

import (
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

	"github.com/MartianFinance/core/internal/protocol"
	"github.com/MartianFinance/core/internal/relay"
	"github.com/MartianFinance/core/internal/workflow"
)

type fakeWorkflow struct {
	relay *relay.Relay

	mu       sync.Mutex
	commands []protocol.Command
	closed   []string
}

func (f *fakeWorkflow) Enqueue(sessionID string, cmd protocol.Command) <-chan error {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
	f.relay.Relay(sessionID, protocol.StatusEvent(sessionID, protocol.StatusMessage{Step: "analyzing", Progress: 0.1}))
	res := make(chan error, 1)
	res <- nil
	return res
}

func (f *fakeWorkflow) Close(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
}

func (f *fakeWorkflow) Snapshot(_ context.Context, sessionID string) (workflow.Instance, error) {
	if sessionID != "S1" {
		return workflow.Instance{}, workflow.ErrSnapshotNotFound
	}
	return workflow.Instance{SessionID: "S1", State: workflow.StateProposalReady}, nil
}

func (f *fakeWorkflow) closedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

type staticDirectory map[string]string

func (d staticDirectory) Snapshot(context.Context) (map[string]string, error) { return d, nil }

type wireEvent struct {
	Type      protocol.EventType `json:"type"`
	SessionID string             `json:"sessionId"`
	Data      json.RawMessage    `json:"data"`
}

func setup(t *testing.T, opts ...Option) (*httptest.Server, *fakeWorkflow, *relay.Relay) {
	t.Helper()
	rl := relay.New()
	wf := &fakeWorkflow{relay: rl}
	opts = append([]Option{
		WithSessionIDs(func() string { return "S1" }),
		WithDirectory(staticDirectory{"strategy_agent": "agent1qabc"}),
	}, opts...)
	srv := httptest.NewServer(NewServer(":0", wf, rl, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, wf, rl
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func next(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev wireEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWebsocketQueryFlow(t *testing.T) {
	srv, wf, rl := setup(t)
	conn := dial(t, srv)

	ev := next(t, conn)
	assert.Equal(t, protocol.EventSession, ev.Type)
	assert.Equal(t, "S1", ev.SessionID)
	assert.True(t, rl.Attached("S1"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("stake my SOL")))
	ack := next(t, conn)
	assert.Equal(t, protocol.EventAck, ack.Type)
	var payload protocol.Ack
	require.NoError(t, json.Unmarshal(ack.Data, &payload))
	assert.NotEmpty(t, payload.MessageID)

	status := next(t, conn)
	assert.Equal(t, protocol.EventStatusUpdate, status.Type)
	var sm protocol.StatusMessage
	require.NoError(t, json.Unmarshal(status.Data, &sm))
	assert.Equal(t, "analyzing", sm.Step)

	wf.mu.Lock()
	require.Len(t, wf.commands, 1)
	assert.Equal(t, protocol.QueryCommand{Query: "stake my SOL"}, wf.commands[0])
	wf.mu.Unlock()

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool {
		return !rl.Attached("S1") && len(wf.closedSessions()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketRejectsInvalidCommand(t *testing.T) {
	srv, wf, _ := setup(t)
	conn := dial(t, srv)
	next(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"withdraw_all"}`)))
	assert.Equal(t, protocol.EventAck, next(t, conn).Type)

	ev := next(t, conn)
	require.Equal(t, protocol.EventAgentResponse, ev.Type)
	var resp protocol.AgentResponse
	require.NoError(t, json.Unmarshal(ev.Data, &resp))
	assert.Equal(t, protocol.ResponseError, resp.Type)
	assert.Equal(t, string(protocol.CodeInvalidCommand), resp.Code)
	assert.NotContains(t, resp.Message, "withdraw_all")

	wf.mu.Lock()
	assert.Empty(t, wf.commands)
	wf.mu.Unlock()
}

func TestWebsocketRateLimit(t *testing.T) {
	srv, _, _ := setup(t, WithLimits(Limits{RatePerSecond: 0.001, Burst: 1}))
	conn := dial(t, srv)
	next(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("first")))
	assert.Equal(t, protocol.EventAck, next(t, conn).Type)
	assert.Equal(t, protocol.EventStatusUpdate, next(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("second")))
	assert.Equal(t, protocol.EventAck, next(t, conn).Type)
	ev := next(t, conn)
	var resp protocol.AgentResponse
	require.NoError(t, json.Unmarshal(ev.Data, &resp))
	assert.Equal(t, string(CodeRateLimited), resp.Code)
}

func TestRESTEndpoints(t *testing.T) {
	srv, _, _ := setup(t)

	get := func(path string) (*http.Response, map[string]any) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return resp, body
	}

	resp, body := get("/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = get("/api/v1/directory")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "agent1qabc", body["strategy_agent"])

	resp, body = get("/api/v1/sessions/S1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(workflow.StateProposalReady), body["state"])

	resp, body = get("/api/v1/sessions/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])

	resp, _ = get("/api/v1/sessions/")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
