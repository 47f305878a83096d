// Package egress implements the hub's client-facing HTTP, SSE, and
// WebSocket surface: session/machine CRUD, message history and
// posting, permission decisions, and the live event subscription.
package egress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/agentsync/hub/internal/apperr"
	"github.com/agentsync/hub/internal/auth"
	"github.com/agentsync/hub/internal/fanout"
	"github.com/agentsync/hub/internal/httpapi"
	"github.com/agentsync/hub/internal/machinecache"
	"github.com/agentsync/hub/internal/messagelog"
	"github.com/agentsync/hub/internal/metrics"
	"github.com/agentsync/hub/internal/permission"
	"github.com/agentsync/hub/internal/sessioncache"
	"github.com/agentsync/hub/internal/store"
	"github.com/agentsync/hub/internal/transport"
)

// API wires the egress HTTP/SSE/WebSocket handlers to the hub's
// components.
type API struct {
	Store       *store.Store
	Sessions    *sessioncache.Cache
	Machines    *machinecache.Cache
	Messages    *messagelog.Log
	Permissions *permission.Broker
	Fanout      *fanout.Fanout
	Conns       *transport.Registry
}

// Register mounts egress routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/login", a.login)

	mux.HandleFunc("GET /api/sessions", a.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", a.getSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", a.renameSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", a.deleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/abort", a.abortSession)
	mux.HandleFunc("POST /api/sessions/{id}/permission-mode", a.setPermissionMode)
	mux.HandleFunc("POST /api/sessions/{id}/model", a.setModelMode)
	mux.HandleFunc("GET /api/sessions/{id}/messages", a.getMessages)
	mux.HandleFunc("POST /api/sessions/{id}/messages", a.postMessage)
	mux.HandleFunc("POST /api/sessions/{id}/permissions/{requestId}/approve", a.approve)
	mux.HandleFunc("POST /api/sessions/{id}/permissions/{requestId}/deny", a.deny)

	mux.HandleFunc("GET /api/machines", a.listMachines)
	mux.HandleFunc("POST /api/machines/{id}/spawn", a.spawnMachine)
	mux.HandleFunc("POST /api/machines/{id}/paths/exists", a.pathExists)

	mux.HandleFunc("GET /api/events", a.sseEvents)
	mux.HandleFunc("/webapp", a.wsEvents)

	mux.HandleFunc("POST /api/visibility", a.setVisibility)
}

func namespaceOf(r *http.Request) (string, error) {
	u, err := auth.MustGetUser(r.Context())
	if err != nil {
		return "", err
	}
	return u.Namespace, nil
}

type loginReq struct {
	Namespace string `json:"namespace"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginReq
	if err := httpapi.ReadJSON(r, &req); err != nil {
		httpapi.WriteError(w, apperr.Validation("malformed login body"))
		return
	}
	token, user, err := auth.Login(r.Context(), a.Store, req.Namespace, req.Username, req.Password)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"token": token, "user": user})
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	ns, err := namespaceOf(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	sessions, err := a.Store.ListSessions(r.Context(), ns)
	if err != nil {
		httpapi.WriteError(w, apperr.Transient("list sessions", err))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	ns, err := namespaceOf(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	sess, err := a.Store.GetSession(r.Context(), ns, r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, mapStoreErr(err))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"session": sess})
}

type renameReq struct {
	Tag *string `json:"tag"`
}

func (a *API) renameSession(w http.ResponseWriter, r *http.Request) {
	ns, err := namespaceOf(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	var req renameReq
	if err := httpapi.ReadJSON(r, &req); err != nil {
		httpapi.WriteError(w, apperr.Validation("malformed rename body"))
		return
	}
	if err := a.Sessions.RenameSession(r.Context(), ns, r.PathValue("id"), req.Tag); err != nil {
		httpapi.WriteError(w, mapStoreErr(err))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, nil)
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request) {
	ns, err := namespaceOf(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	id := r.PathValue("id")
	a.Permissions.CancelAll(r.Context(), id)
	if err := a.Sessions.DeleteSession(r.Context(), ns, id); err != nil {
		httpapi.WriteError(w, apperr.Transient("delete session", err))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, nil)
}

func (a *API) abortSession(w http.ResponseWriter, r *http.Request) {
	ns, err := namespaceOf(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	id := r.PathValue("id")
	a.Permissions.CancelAll(r.Context(), id)

	conn := a.machineConnForSession(r, ns, id)
	if conn != nil {
		_ = conn.Send(r.Context(), transport.Frame{Type: "abort", Payload: mustMarshal(map[string]string{"sid": id})})
	}
	if err := a.Sessions.HandleSessionEnd(r.Context(), ns, id); err != nil {
		httpapi.WriteError(w, mapStoreErr(err))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, nil)
}

// machineConnForSession has no direct session->machine link in the
// data model; abort is delivered via the fanout channel instead of a
// point-to-point push, since any machine running the session is
// already subscribed to its session-scoped events.
func (a *API) machineConnForSession(r *http.Request, ns, sessionID string) *transport.Conn {
	return nil
}

type configReq struct {
	Mode string `json:"mode"`
}

func (a *API) setPermissionMode(w http.ResponseWriter, r *http.Request) {
	ns, err := namespaceOf(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	var req configReq
	if err := httpapi.ReadJSON(r, &req); err != nil {
		httpapi.WriteError(w, apperr.Validation("malformed config body"))
		return
	}
	if err := a.Sessions.ApplySessionConfig(r.Context(), ns, r.PathValue("id"), &req.Mode, nil); err != nil {
		httpapi.WriteError(w, mapStoreErr(err))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, nil)
}

func (a *API) setModelMode(w http.ResponseWriter, r *http.Request) {
	ns, err := namespaceOf(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	var req configReq
	if err := httpapi.ReadJSON(r, &req); err != nil {
		httpapi.WriteError(w, apperr.Validation("malformed config body"))
		return
	}
	if err := a.Sessions.ApplySessionConfig(r.Context(), ns, r.PathValue("id"), nil, &req.Mode); err != nil {
		httpapi.WriteError(w, mapStoreErr(err))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, nil)
}

type pagedMessagesResp struct {
	Messages    []*store.Message `json:"messages"`
	Page        pageInfo         `json:"page"`
	Permissions []any            `json:"permissions"`
}

type pageInfo struct {
	Limit         int    `json:"limit"`
	BeforeSeq     *int64 `json:"beforeSeq,omitempty"`
	NextBeforeSeq *int64 `json:"nextBeforeSeq,omitempty"`
	HasMore       bool   `json:"hasMore"`
}

func (a *API) getMessages(w http.ResponseWriter, r *http.Request) {
	ns, err := namespaceOf(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	sessionID := r.PathValue("id")

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	var beforeSeq *int64
	if s := r.URL.Query().Get("beforeSeq"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			beforeSeq = &n
		}
	}

	msgs, err := a.Messages.Page(r.Context(), ns, sessionID, beforeSeq, limit)
	if err != nil {
		httpapi.WriteError(w, mapStoreErr(err))
		return
	}

	resp := pagedMessagesResp{Messages: msgs, Page: pageInfo{Limit: limit, BeforeSeq: beforeSeq}, Permissions: []any{}}
	if len(msgs) > 0 {
		oldest := msgs[0].Seq
		resp.Page.NextBeforeSeq = &oldest
		resp.Page.HasMore = len(msgs) == limit
	}

	if len(msgs) > 0 {
		oldestCreated := msgs[0].CreatedAt
		resp.Permissions = a.permissionsSince(r.Context(), ns, sessionID, oldestCreated)
	}

	httpapi.WriteJSON(w, http.StatusOK, resp)
}

// permissionsSince reads the session's durable permission mirror
// (session.agentState.requests / .completedRequests, kept current by
// sessioncache.MirrorPermissionRequest/CompletePermissionRequest) and
// returns every request created or resolved since the oldest message
// on the page, so a client resuming a page load sees the permission
// history alongside the messages it overlaps.
func (a *API) permissionsSince(ctx context.Context, ns, sessionID string, since time.Time) []any {
	sess, err := a.Store.GetSession(ctx, ns, sessionID)
	if err != nil || len(sess.AgentState) == 0 {
		return []any{}
	}
	var state struct {
		Requests          map[string]json.RawMessage `json:"requests"`
		CompletedRequests map[string]json.RawMessage `json:"completedRequests"`
	}
	if err := json.Unmarshal(sess.AgentState, &state); err != nil {
		return []any{}
	}

	out := []any{}
	for id, raw := range state.Requests {
		var entry struct {
			CreatedAt string `json:"createdAt"`
		}
		_ = json.Unmarshal(raw, &entry)
		if !timestampBefore(entry.CreatedAt, since) {
			out = append(out, withRequestID(id, raw))
		}
	}
	for id, raw := range state.CompletedRequests {
		var entry struct {
			CompletedAt string `json:"completedAt"`
		}
		_ = json.Unmarshal(raw, &entry)
		if !timestampBefore(entry.CompletedAt, since) {
			out = append(out, withRequestID(id, raw))
		}
	}
	return out
}

func timestampBefore(s string, since time.Time) bool {
	t, err := time.Parse(time.RFC3339Nano, s)
	return err == nil && t.Before(since)
}

func withRequestID(requestID string, raw json.RawMessage) map[string]any {
	m := map[string]any{}
	_ = json.Unmarshal(raw, &m)
	m["requestId"] = requestID
	return m
}

type postMessageReq struct {
	Text        string          `json:"text"`
	LocalID     *string         `json:"localId,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
}

func (a *API) postMessage(w http.ResponseWriter, r *http.Request) {
	ns, err := namespaceOf(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	sessionID := r.PathValue("id")
	var req postMessageReq
	if err := httpapi.ReadJSON(r, &req); err != nil {
		httpapi.WriteError(w, apperr.Validation("malformed message body"))
		return
	}
	if req.Text == "" {
		httpapi.WriteError(w, apperr.Validation("text is required"))
		return
	}

	content, err := json.Marshal(map[string]any{
		"role":        "user",
		"text":        req.Text,
		"attachments": req.Attachments,
	})
	if err != nil {
		httpapi.WriteError(w, fmt.Errorf("encode message: %w", err))
		return
	}

	msg, err := a.Messages.Append(r.Context(), ns, sessionID, content, req.LocalID)
	if err != nil {
		httpapi.WriteError(w, mapStoreErr(err))
		return
	}
	metrics.MessagesAppendedTotal.Inc()
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"message": msg})
}

type decisionReq struct {
	Mode       string          `json:"mode,omitempty"`
	AllowTools []string        `json:"allowTools,omitempty"`
	Decision   string          `json:"decision,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Answers    json.RawMessage `json:"answers,omitempty"`
}

func (a *API) approve(w http.ResponseWriter, r *http.Request) {
	a.decide(w, r, approveDecision)
}

func (a *API) deny(w http.ResponseWriter, r *http.Request) {
	a.decide(w, r, func(decisionReq) permission.Decision { return permission.DecisionDenied })
}

func approveDecision(req decisionReq) permission.Decision {
	if req.Decision == "abort" {
		return permission.DecisionAbort
	}
	if req.Mode == "session" {
		return permission.DecisionApprovedForSession
	}
	return permission.DecisionApproved
}

func (a *API) decide(w http.ResponseWriter, r *http.Request, resolve func(decisionReq) permission.Decision) {
	if _, err := namespaceOf(r); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	var req decisionReq
	_ = httpapi.ReadJSON(r, &req)

	requestID := r.PathValue("requestId")
	decision := resolve(req)
	if err := a.Permissions.Decide(r.Context(), requestID, decision, req.Reason, req.AllowTools, req.Answers); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, nil)
}

func (a *API) listMachines(w http.ResponseWriter, r *http.Request) {
	ns, err := namespaceOf(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	machines, err := a.Store.ListMachines(r.Context(), ns)
	if err != nil {
		httpapi.WriteError(w, apperr.Transient("list machines", err))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"machines": machines})
}

type spawnReq struct {
	Metadata json.RawMessage `json:"metadata"`
}

func (a *API) spawnMachine(w http.ResponseWriter, r *http.Request) {
	if _, err := namespaceOf(r); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	machineID := r.PathValue("id")
	conn := a.Conns.Get(machineID)
	if conn == nil {
		httpapi.WriteError(w, apperr.New(apperr.KindAgentTransportGone, "machine not connected"))
		return
	}
	var req spawnReq
	_ = httpapi.ReadJSON(r, &req)
	if err := conn.Send(r.Context(), transport.Frame{Type: "spawn", Payload: req.Metadata}); err != nil {
		httpapi.WriteError(w, apperr.New(apperr.KindAgentTransportGone, "send spawn frame failed"))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, nil)
}

type pathExistsReq struct {
	Path string `json:"path"`
}

func (a *API) pathExists(w http.ResponseWriter, r *http.Request) {
	if _, err := namespaceOf(r); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	machineID := r.PathValue("id")
	conn := a.Conns.Get(machineID)
	if conn == nil {
		httpapi.WriteError(w, apperr.New(apperr.KindAgentTransportGone, "machine not connected"))
		return
	}
	var req pathExistsReq
	if err := httpapi.ReadJSON(r, &req); err != nil {
		httpapi.WriteError(w, apperr.Validation("malformed path-exists body"))
		return
	}
	if err := conn.Send(r.Context(), transport.Frame{Type: "path-exists", Payload: mustMarshal(req)}); err != nil {
		httpapi.WriteError(w, apperr.New(apperr.KindAgentTransportGone, "send path-exists frame failed"))
		return
	}
	httpapi.WriteJSON(w, http.StatusAccepted, nil)
}

func parseScope(namespace string, q func(string) string) fanout.Scope {
	scope := fanout.Scope{Namespace: namespace}
	if q("all") == "true" || q("all") == "1" {
		scope.All = true
	}
	scope.SessionID = q("sessionId")
	scope.MachineID = q("machineId")
	if !scope.All && scope.SessionID == "" && scope.MachineID == "" {
		scope.All = true
	}
	return scope
}

// initialVisibility parses the visibility query/frame value a client
// opens a subscription with. "hidden" starts the subscription
// backgrounded; anything else (including absent) starts it visible,
// since a client that doesn't mention visibility is assumed
// foregrounded until it says otherwise via POST /api/visibility.
func initialVisibility(visibility string) bool {
	return visibility != "hidden"
}

func (a *API) sseEvents(w http.ResponseWriter, r *http.Request) {
	ns, err := namespaceOf(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpapi.WriteError(w, errors.New("streaming unsupported"))
		return
	}

	scope := parseScope(ns, r.URL.Query().Get)
	visible := initialVisibility(r.URL.Query().Get("visibility"))
	sub := a.Fanout.Subscribe(scope, visible, nil)
	defer a.Fanout.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: subscribed\ndata: {\"subscriptionId\":%d}\n\n", sub.ID)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Closed:
			return
		case evt, ok := <-sub.Events:
			if !ok {
				return
			}
			b, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}

type subscribeFrame struct {
	All        bool   `json:"all,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	MachineID  string `json:"machineId,omitempty"`
	Visibility string `json:"visibility,omitempty"`
}

func (a *API) wsEvents(w http.ResponseWriter, r *http.Request) {
	ns, err := namespaceOf(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close(websocket.StatusInternalError, "closing")
	conn := transport.NewConn("webapp", ws)

	ctx := r.Context()
	f, err := conn.Receive(ctx)
	if err != nil || f.Type != "subscribe" {
		ws.Close(websocket.StatusPolicyViolation, "expected subscribe frame")
		return
	}
	var sf subscribeFrame
	if err := json.Unmarshal(f.Payload, &sf); err != nil {
		ws.Close(websocket.StatusPolicyViolation, "malformed subscribe frame")
		return
	}

	scope := fanout.Scope{Namespace: ns, All: sf.All, SessionID: sf.SessionID, MachineID: sf.MachineID}
	if !scope.All && scope.SessionID == "" && scope.MachineID == "" {
		scope.All = true
	}
	sub := a.Fanout.Subscribe(scope, initialVisibility(sf.Visibility), nil)
	defer a.Fanout.Unsubscribe(sub.ID)

	if err := conn.Send(ctx, transport.Frame{Type: "subscribed", Payload: mustMarshal(map[string]int64{"subscriptionId": sub.ID})}); err != nil {
		return
	}

	go func() {
		for {
			if _, err := conn.Receive(ctx); err != nil {
				ws.Close(websocket.StatusNormalClosure, "bye")
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Closed:
			return
		case evt, ok := <-sub.Events:
			if !ok {
				return
			}
			b, _ := json.Marshal(evt)
			if err := conn.Send(ctx, transport.Frame{Type: "event", Payload: b}); err != nil {
				return
			}
		}
	}
}

type visibilityReq struct {
	SubscriptionID int64 `json:"subscriptionId"`
	Visible        bool  `json:"visible"`
}

// setVisibility toggles the visibility flag of a subscription opened
// earlier over SSE or WebSocket, gating whether toast events continue
// reaching it. The subscription id comes from the "subscribed" frame
// each of those handlers sends back right after accepting the
// connection.
func (a *API) setVisibility(w http.ResponseWriter, r *http.Request) {
	if _, err := namespaceOf(r); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	var req visibilityReq
	if err := httpapi.ReadJSON(r, &req); err != nil {
		httpapi.WriteError(w, apperr.Validation("malformed visibility body"))
		return
	}
	if !a.Fanout.SetVisibility(req.SubscriptionID, req.Visible) {
		httpapi.WriteError(w, apperr.NotFound("subscription not found"))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, nil)
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

func mapStoreErr(err error) error {
	switch err {
	case store.ErrNotFound:
		return apperr.NotFound(err.Error())
	case store.ErrWrongNamespace:
		return apperr.AccessDenied("session not accessible in this namespace")
	}
	return err
}
