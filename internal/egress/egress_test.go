package egress_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentsync/hub/internal/auth"
	"github.com/agentsync/hub/internal/db"
	"github.com/agentsync/hub/internal/egress"
	"github.com/agentsync/hub/internal/fanout"
	"github.com/agentsync/hub/internal/machinecache"
	"github.com/agentsync/hub/internal/messagelog"
	"github.com/agentsync/hub/internal/permission"
	"github.com/agentsync/hub/internal/sessioncache"
	"github.com/agentsync/hub/internal/store"
	"github.com/agentsync/hub/internal/syncevents"
	"github.com/agentsync/hub/internal/transport"
)

// withTestUser staples a fixed user in namespace onto every request
// against a test server, a test-only middleware standing in for the
// bearer-token middleware hub/server.go normally installs in front of
// these handlers.
func withTestUser(namespace string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := &auth.UserInfo{ID: "u-" + namespace, Namespace: namespace, Username: "tester"}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), u)))
	})
}

type testServer struct {
	*httptest.Server
	store    *store.Store
	sessions *sessioncache.Cache
}

func newTestEgressServer(t *testing.T, namespace string) *testServer {
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

	api := &egress.API{
		Store:       st,
		Sessions:    sessions,
		Machines:    machines,
		Messages:    messages,
		Permissions: permissions,
		Fanout:      fan,
		Conns:       conns,
	}
	mux := http.NewServeMux()
	api.Register(mux)

	srv := httptest.NewServer(withTestUser(namespace, mux))
	t.Cleanup(func() {
		fan.Close()
		srv.Close()
	})
	return &testServer{Server: srv, store: st, sessions: sessions}
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

// createSession goes through the session cache rather than the store
// directly so it publishes session-added, matching how a real session
// comes into being via ingress.postSession.
func createSession(t *testing.T, srv *testServer, namespace string) *store.Session {
	t.Helper()
	sess, _, err := srv.sessions.GetOrCreateSession(context.Background(), namespace, nil, nil, nil)
	require.NoError(t, err)
	return sess
}

func TestGetSession_NotFound(t *testing.T) {
	srv := newTestEgressServer(t, "default")
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/sessions/does-not-exist", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetSession_CrossNamespaceIsForbidden(t *testing.T) {
	srv := newTestEgressServer(t, "team-b")
	sess := createSession(t, srv, "team-a")

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/sessions/"+sess.ID, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode, "a session from another namespace must 403, not 404")
}

func TestPostMessage_AppendsAndListsInPage(t *testing.T) {
	srv := newTestEgressServer(t, "default")
	sess := createSession(t, srv, "default")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/"+sess.ID+"/messages", map[string]any{"text": "hello there"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	page := doJSON(t, http.MethodGet, srv.URL+"/api/sessions/"+sess.ID+"/messages", nil)
	defer page.Body.Close()
	require.Equal(t, http.StatusOK, page.StatusCode)

	var body struct {
		Messages []*store.Message `json:"messages"`
	}
	decodeJSON(t, page, &body)
	require.Len(t, body.Messages, 1)
	require.Contains(t, string(body.Messages[0].Content), "hello there")
}

func TestPostMessage_RejectsEmptyText(t *testing.T) {
	srv := newTestEgressServer(t, "default")
	sess := createSession(t, srv, "default")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/"+sess.ID+"/messages", map[string]any{"text": ""})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetMessages_CrossNamespaceYieldsEmptyPageNotTheOtherTenantsMessages(t *testing.T) {
	srvA := newTestEgressServer(t, "team-a")
	sessA := createSession(t, srvA, "team-a")
	postResp := doJSON(t, http.MethodPost, srvA.URL+"/api/sessions/"+sessA.ID+"/messages", map[string]any{"text": "secret"})
	postResp.Body.Close()

	srvB := wireSharedStoreServer(t, srvA.store, "team-b")

	page := doJSON(t, http.MethodGet, srvB.URL+"/api/sessions/"+sessA.ID+"/messages", nil)
	defer page.Body.Close()
	require.Equal(t, http.StatusOK, page.StatusCode)

	var body struct {
		Messages []*store.Message `json:"messages"`
	}
	decodeJSON(t, page, &body)
	require.Empty(t, body.Messages, "paging another namespace's session must not leak its messages")
}

// wireSharedStoreServer builds a second egress server bound to an
// existing store (so two namespaces can be exercised against the same
// data) rather than a fresh in-memory database.
func wireSharedStoreServer(t *testing.T, st *store.Store, namespace string) *testServer {
	t.Helper()
	pub := syncevents.NewPublisher()
	messages := messagelog.New(st, pub)
	sessions := sessioncache.New(st, pub, messages, time.Minute, time.Hour)
	machines := machinecache.New(st, pub, time.Minute, time.Hour)
	permissions := permission.New(pub, time.Hour, sessions)
	fan := fanout.New(pub, time.Hour)
	conns := transport.NewRegistry()

	api := &egress.API{
		Store: st, Sessions: sessions, Machines: machines, Messages: messages,
		Permissions: permissions, Fanout: fan, Conns: conns,
	}
	mux := http.NewServeMux()
	api.Register(mux)
	srv := httptest.NewServer(withTestUser(namespace, mux))
	t.Cleanup(func() {
		fan.Close()
		srv.Close()
	})
	return &testServer{Server: srv, store: st, sessions: sessions}
}

func TestSetVisibility_UnknownSubscriptionIsNotFound(t *testing.T) {
	srv := newTestEgressServer(t, "default")
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/visibility", map[string]any{"subscriptionId": 999, "visible": true})
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSEEvents_SubscribedHandshakeAndVisibilityToggle(t *testing.T) {
	srv := newTestEgressServer(t, "default")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?all=true", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	subLine := requireLineContains(t, lines, "event: subscribed")
	dataLine := requireLineContains(t, lines, "data:")
	var handshake struct {
		SubscriptionID int64 `json:"subscriptionId"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &handshake))
	require.NotEmpty(t, subLine)
	require.Greater(t, handshake.SubscriptionID, int64(-1))

	// A session created after the subscription starts must show up as a
	// session-added event on the stream.
	createSession(t, srv, "default")
	evtLine := requireLineContains(t, lines, `"kind":"session-added"`)
	require.Contains(t, evtLine, "\"kind\":\"session-added\"")

	toggle := doJSON(t, http.MethodPost, srv.URL+"/api/visibility", map[string]any{"subscriptionId": handshake.SubscriptionID, "visible": false})
	defer toggle.Body.Close()
	require.Equal(t, http.StatusOK, toggle.StatusCode)
}

func requireLineContains(t *testing.T, lines <-chan string, substr string) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case line := <-lines:
			if strings.Contains(line, substr) {
				return line
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a line containing %q", substr)
			return ""
		}
	}
}

func TestApprove_UnknownRequestDoesNotError(t *testing.T) {
	srv := newTestEgressServer(t, "default")
	sess := createSession(t, srv, "default")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/"+sess.ID+"/permissions/does-not-exist/approve", map[string]any{})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "deciding an unknown/already-resolved request is a no-op, not an error")
}

func TestDeny_RequiresAuthentication(t *testing.T) {
	// A bare mux with no test-user middleware in front exercises the
	// unauthenticated path directly, matching namespaceOf's reliance on
	// auth.MustGetUser.
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	defer sqlDB.Close()
	require.NoError(t, db.Migrate(sqlDB))
	st := store.New(sqlDB)
	pub := syncevents.NewPublisher()
	messages := messagelog.New(st, pub)
	sessions := sessioncache.New(st, pub, messages, time.Minute, time.Hour)
	machines := machinecache.New(st, pub, time.Minute, time.Hour)
	permissions := permission.New(pub, time.Hour, sessions)
	fan := fanout.New(pub, time.Hour)
	defer fan.Close()
	conns := transport.NewRegistry()

	api := &egress.API{Store: st, Sessions: sessions, Machines: machines, Messages: messages, Permissions: permissions, Fanout: fan, Conns: conns}
	mux := http.NewServeMux()
	api.Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/sessions/s1/permissions/r1/deny", map[string]any{})
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
