package ingress_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/agentsync/hub/internal/auth"
	"github.com/agentsync/hub/internal/db"
	"github.com/agentsync/hub/internal/fanout"
	"github.com/agentsync/hub/internal/ingress"
	"github.com/agentsync/hub/internal/machinecache"
	"github.com/agentsync/hub/internal/messagelog"
	"github.com/agentsync/hub/internal/notifier"
	"github.com/agentsync/hub/internal/permission"
	"github.com/agentsync/hub/internal/sessioncache"
	"github.com/agentsync/hub/internal/store"
	"github.com/agentsync/hub/internal/syncevents"
	"github.com/agentsync/hub/internal/transport"
)

func withTestUser(namespace string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := &auth.UserInfo{ID: "u-" + namespace, Namespace: namespace, Username: "tester"}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), u)))
	})
}

type testServer struct {
	*httptest.Server
	store       *store.Store
	permissions *permission.Broker
	pub         *syncevents.Publisher
	fan         *fanout.Fanout
	conns       *transport.Registry
}

func newTestIngressServer(t *testing.T, namespace string) *testServer {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	st := store.New(sqlDB)
	pub := syncevents.NewPublisher()
	messages := messagelog.New(st, pub)
	sessions := sessioncache.New(st, pub, messages, time.Minute, time.Hour)
	machines := machinecache.New(st, pub, time.Minute, time.Hour)
	permissions := permission.New(pub, time.Hour, sessions)
	fan := fanout.New(pub, time.Hour)
	conns := transport.NewRegistry()
	notify := notifier.New(st, conns)

	api := &ingress.API{
		Store: st, Sessions: sessions, Machines: machines, Messages: messages,
		Permissions: permissions, Fanout: fan, Conns: conns, Notifier: notify,
	}
	mux := http.NewServeMux()
	api.Register(mux)

	srv := httptest.NewServer(withTestUser(namespace, mux))
	t.Cleanup(func() {
		fan.Close()
		srv.Close()
	})
	return &testServer{Server: srv, store: st, permissions: permissions, pub: pub, fan: fan, conns: conns}
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func dialStream(t *testing.T, srv *testServer) *websocket.Conn {
	t.Helper()
	url := strings.Replace(srv.URL, "http://", "ws://", 1) + "/cli/stream"
	ws, _, err := websocket.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, f transport.Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, ws, f))
}

func readFrame(t *testing.T, ws *websocket.Conn) transport.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var f transport.Frame
	require.NoError(t, wsjson.Read(ctx, ws, &f))
	return f
}

func handshake(t *testing.T, ws *websocket.Conn, machineID string) {
	t.Helper()
	sendFrame(t, ws, transport.Frame{Type: "register", Payload: mustJSON(t, map[string]string{"machineId": machineID})})
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestPostMachine_RegistersAndGetMachineReturnsIt(t *testing.T) {
	srv := newTestIngressServer(t, "default")

	resp := doJSON(t, http.MethodPost, srv.URL+"/cli/machines", map[string]any{"id": "m1", "metadata": map[string]any{"host": "laptop"}})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	get := doJSON(t, http.MethodGet, srv.URL+"/cli/machines/m1", nil)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)

	var body struct {
		Machine *store.Machine `json:"machine"`
	}
	decodeJSON(t, get, &body)
	require.Equal(t, "m1", body.Machine.ID)
	require.True(t, body.Machine.Active)
}

func TestGetMachine_CrossNamespaceIsForbidden(t *testing.T) {
	srvA := newTestIngressServer(t, "team-a")
	resp := doJSON(t, http.MethodPost, srvA.URL+"/cli/machines", map[string]any{"id": "m1", "metadata": nil})
	resp.Body.Close()

	srvB := wireSharedIngress(t, srvA.store, "team-b")
	get := doJSON(t, http.MethodGet, srvB.URL+"/cli/machines/m1", nil)
	defer get.Body.Close()
	require.Equal(t, http.StatusForbidden, get.StatusCode)
}

func wireSharedIngress(t *testing.T, st *store.Store, namespace string) *testServer {
	t.Helper()
	pub := syncevents.NewPublisher()
	messages := messagelog.New(st, pub)
	sessions := sessioncache.New(st, pub, messages, time.Minute, time.Hour)
	machines := machinecache.New(st, pub, time.Minute, time.Hour)
	permissions := permission.New(pub, time.Hour, sessions)
	fan := fanout.New(pub, time.Hour)
	conns := transport.NewRegistry()
	notify := notifier.New(st, conns)

	api := &ingress.API{
		Store: st, Sessions: sessions, Machines: machines, Messages: messages,
		Permissions: permissions, Fanout: fan, Conns: conns, Notifier: notify,
	}
	mux := http.NewServeMux()
	api.Register(mux)
	srv := httptest.NewServer(withTestUser(namespace, mux))
	t.Cleanup(func() {
		fan.Close()
		srv.Close()
	})
	return &testServer{Server: srv, store: st, permissions: permissions, pub: pub, fan: fan, conns: conns}
}

func TestPostSession_CreatesSession(t *testing.T) {
	srv := newTestIngressServer(t, "default")

	resp := doJSON(t, http.MethodPost, srv.URL+"/cli/sessions", map[string]any{"metadata": map[string]any{"cwd": "/tmp"}})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Session *store.Session `json:"session"`
	}
	decodeJSON(t, resp, &body)
	require.NotEmpty(t, body.Session.ID)
}

func TestGetMessages_CrossNamespaceYieldsEmptyPage(t *testing.T) {
	srvA := newTestIngressServer(t, "team-a")
	sess, err := srvA.store.CreateSession(context.Background(), "team-a", nil, nil, nil)
	require.NoError(t, err)
	_, err = srvA.store.AddMessage(context.Background(), "team-a", sess.ID, json.RawMessage(`{"secret":true}`), nil)
	require.NoError(t, err)

	srvB := wireSharedIngress(t, srvA.store, "team-b")
	page := doJSON(t, http.MethodGet, srvB.URL+"/cli/sessions/"+sess.ID+"/messages", nil)
	defer page.Body.Close()
	require.Equal(t, http.StatusOK, page.StatusCode)

	var body struct {
		Messages []*store.Message `json:"messages"`
	}
	decodeJSON(t, page, &body)
	require.Empty(t, body.Messages)
}

func TestStream_HandshakeThenAppendFrameStoresMessage(t *testing.T) {
	srv := newTestIngressServer(t, "default")
	sess, err := srv.store.CreateSession(context.Background(), "default", nil, nil, nil)
	require.NoError(t, err)

	ws := dialStream(t, srv)
	defer ws.Close(websocket.StatusNormalClosure, "done")
	handshake(t, ws, "m1")

	sendFrame(t, ws, transport.Frame{Type: "append", Payload: mustJSON(t, map[string]any{
		"sid":     sess.ID,
		"message": map[string]any{"role": "assistant", "text": "on it"},
	})})

	require.Eventually(t, func() bool {
		msgs, err := srv.store.GetMessages(context.Background(), "default", sess.ID, 10, nil)
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 20*time.Millisecond, "append frame must land as a stored message")
}

func TestStream_SessionAliveMarksSessionActive(t *testing.T) {
	srv := newTestIngressServer(t, "default")
	sess, err := srv.store.CreateSession(context.Background(), "default", nil, nil, nil)
	require.NoError(t, err)

	ws := dialStream(t, srv)
	defer ws.Close(websocket.StatusNormalClosure, "done")
	handshake(t, ws, "m1")

	sendFrame(t, ws, transport.Frame{Type: "session-alive", Payload: mustJSON(t, map[string]any{"sid": sess.ID})})

	require.Eventually(t, func() bool {
		got, err := srv.store.GetSession(context.Background(), "default", sess.ID)
		return err == nil && got.Active
	}, 2*time.Second, 20*time.Millisecond, "session-alive frame must mark the session active")
}

func TestStream_UpdateTodosAppliesAndRefreshesSnapshot(t *testing.T) {
	srv := newTestIngressServer(t, "default")
	sess, err := srv.store.CreateSession(context.Background(), "default", nil, nil, nil)
	require.NoError(t, err)

	ws := dialStream(t, srv)
	defer ws.Close(websocket.StatusNormalClosure, "done")
	handshake(t, ws, "m1")

	sendFrame(t, ws, transport.Frame{Type: "update-todos", Payload: mustJSON(t, map[string]any{
		"sid":       sess.ID,
		"todos":     []map[string]any{{"id": "1", "status": "pending"}},
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	})})

	require.Eventually(t, func() bool {
		got, err := srv.store.GetSession(context.Background(), "default", sess.ID)
		return err == nil && len(got.Todos) > 0
	}, 2*time.Second, 20*time.Millisecond, "update-todos frame must apply the todo list")
}

func TestStream_PermissionRequestDeliversDecisionOverSameConnection(t *testing.T) {
	srv := newTestIngressServer(t, "default")
	sess, err := srv.store.CreateSession(context.Background(), "default", nil, nil, nil)
	require.NoError(t, err)

	sink := make(chan syncevents.Event, 8)
	defer srv.pub.Subscribe(sink)()

	ws := dialStream(t, srv)
	defer ws.Close(websocket.StatusNormalClosure, "done")
	handshake(t, ws, "m1")

	sendFrame(t, ws, transport.Frame{Type: "permission-request", Payload: mustJSON(t, map[string]any{
		"sid":     sess.ID,
		"request": map[string]any{"tool": "bash"},
		"options": []map[string]string{
			{"id": "opt-allow", "kind": "allow_once"},
			{"id": "opt-deny", "kind": "reject_once"},
		},
	})})

	var requestID string
	select {
	case evt := <-sink:
		require.Equal(t, syncevents.KindPermissionRequestAdded, evt.Kind)
		requestID = evt.PermissionRequest.RequestID
	case <-time.After(2 * time.Second):
		t.Fatal("permission-request frame must open a broker request")
	}
	require.NotEmpty(t, requestID)

	require.NoError(t, srv.permissions.Decide(context.Background(), requestID, permission.DecisionApproved, "", nil, nil))

	frame := readFrame(t, ws)
	require.Equal(t, "permission-decision", frame.Type)
	var decision struct {
		RequestID string                    `json:"requestId"`
		Status    string                    `json:"status"`
		Option    *permission.RequestOption `json:"option"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload, &decision))
	require.Equal(t, requestID, decision.RequestID)
	require.Equal(t, string(permission.StatusApproved), decision.Status)
	require.Equal(t, "opt-allow", decision.Option.ID)
}

func TestStream_PermissionDecisionQueuedWhileOfflineFlushesOnReconnect(t *testing.T) {
	srv := newTestIngressServer(t, "default")
	sess, err := srv.store.CreateSession(context.Background(), "default", nil, nil, nil)
	require.NoError(t, err)

	sink := make(chan syncevents.Event, 8)
	defer srv.pub.Subscribe(sink)()

	ws1 := dialStream(t, srv)
	handshake(t, ws1, "m1")

	sendFrame(t, ws1, transport.Frame{Type: "permission-request", Payload: mustJSON(t, map[string]any{
		"sid":     sess.ID,
		"request": map[string]any{"tool": "bash"},
		"options": []map[string]string{{"id": "opt-allow", "kind": "allow_once"}},
	})})

	var requestID string
	select {
	case evt := <-sink:
		requestID = evt.PermissionRequest.RequestID
	case <-time.After(2 * time.Second):
		t.Fatal("permission-request frame must open a broker request")
	}

	// Disconnect before the decision lands; the pending decision must
	// fall back to the durable queue instead of being dropped.
	ws1.Close(websocket.StatusNormalClosure, "going offline")
	require.Eventually(t, func() bool {
		return !srv.conns.IsOnline("m1")
	}, 2*time.Second, 20*time.Millisecond, "server must notice the closed connection")

	require.NoError(t, srv.permissions.Decide(context.Background(), requestID, permission.DecisionDenied, "", nil, nil))

	ws2 := dialStream(t, srv)
	defer ws2.Close(websocket.StatusNormalClosure, "done")
	handshake(t, ws2, "m1")

	frame := readFrame(t, ws2)
	require.Equal(t, "permission-decision", frame.Type)
	var decision struct {
		RequestID string `json:"requestId"`
		Status    string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload, &decision))
	require.Equal(t, requestID, decision.RequestID)
	require.Equal(t, string(permission.StatusDenied), decision.Status)
}
