// Package ingress implements the hub's CLI-runner-facing HTTP and
// WebSocket surface: machine/session registration, message appends,
// and the duplex stream carrying heartbeats and hub-to-runner pushes.
package ingress

import (
	"context"
	"encoding/json"
	"log/slog"
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
	"github.com/agentsync/hub/internal/notifier"
	"github.com/agentsync/hub/internal/permission"
	"github.com/agentsync/hub/internal/sessioncache"
	"github.com/agentsync/hub/internal/store"
	"github.com/agentsync/hub/internal/syncevents"
	"github.com/agentsync/hub/internal/transport"
)

// API wires the ingress HTTP handlers to the hub's components.
type API struct {
	Store       *store.Store
	Sessions    *sessioncache.Cache
	Machines    *machinecache.Cache
	Messages    *messagelog.Log
	Permissions *permission.Broker
	Fanout      *fanout.Fanout
	Conns       *transport.Registry
	Notifier    *notifier.Notifier
}

// Register mounts ingress routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /cli/machines", a.postMachine)
	mux.HandleFunc("GET /cli/machines/{id}", a.getMachine)
	mux.HandleFunc("POST /cli/sessions", a.postSession)
	mux.HandleFunc("GET /cli/sessions/{id}", a.getSession)
	mux.HandleFunc("GET /cli/sessions/{id}/messages", a.getMessages)
	mux.HandleFunc("/cli/stream", a.stream)
}

func namespaceOf(r *http.Request) (string, error) {
	u, err := auth.MustGetUser(r.Context())
	if err != nil {
		return "", err
	}
	return u.Namespace, nil
}

type machineReq struct {
	ID          string          `json:"id"`
	Metadata    json.RawMessage `json:"metadata"`
	RunnerState json.RawMessage `json:"runnerState,omitempty"`
}

func (a *API) postMachine(w http.ResponseWriter, r *http.Request) {
	ns, err := namespaceOf(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	var req machineReq
	if err := httpapi.ReadJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	m, err := a.Machines.RegisterOrTouch(r.Context(), ns, req.ID, req.Metadata)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"machine": m})
}

func (a *API) getMachine(w http.ResponseWriter, r *http.Request) {
	ns, err := namespaceOf(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	m, err := a.Store.GetMachine(r.Context(), ns, r.PathValue("id"))
	if err != nil {
		httpapi.WriteError(w, mapStoreErr(err))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"machine": m})
}

type sessionReq struct {
	Tag        *string         `json:"tag,omitempty"`
	Metadata   json.RawMessage `json:"metadata"`
	AgentState json.RawMessage `json:"agentState,omitempty"`
}

func (a *API) postSession(w http.ResponseWriter, r *http.Request) {
	ns, err := namespaceOf(r)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	var req sessionReq
	if err := httpapi.ReadJSON(r, &req); err != nil {
		httpapi.WriteError(w, err)
		return
	}
	sess, _, err := a.Sessions.GetOrCreateSession(r.Context(), ns, req.Tag, req.Metadata, req.AgentState)
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"session": sess})
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
	afterSeq := int64(0)
	if s := r.URL.Query().Get("afterSeq"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			afterSeq = n
		}
	}
	msgs, err := a.Messages.Tail(r.Context(), ns, sessionID, afterSeq, limit)
	if err != nil {
		httpapi.WriteError(w, mapStoreErr(err))
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// stream upgrades to a duplex WebSocket channel for a single machine:
// inbound session-alive/session-end/machine-alive/append frames,
// outbound new-message/new-permission-request/session-config pushes.
func (a *API) stream(w http.ResponseWriter, r *http.Request) {
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

	conn := transport.NewConn("", ws)
	ctx := r.Context()

	machineID, ok := a.handshake(ctx, ws, conn)
	if !ok {
		return
	}
	conn.MachineID = machineID
	a.Conns.Register(conn)
	defer a.cleanupMachine(ns, machineID, conn)

	if err := a.Notifier.ProcessPending(ctx, machineID); err != nil {
		slog.Warn("flush pending deliveries", "machine", machineID, "error", err)
	}

	sub := a.Fanout.Subscribe(fanout.Scope{Namespace: ns, MachineID: machineID}, true, nil)
	defer a.Fanout.Unsubscribe(sub.ID)

	go a.pushLoop(ctx, conn, sub)
	a.readLoop(ctx, ns, conn)
}

func (a *API) cleanupMachine(ns, machineID string, conn *transport.Conn) {
	if a.Conns.Unregister(machineID, conn) {
		if err := a.Machines.ExpireInactive(context.Background(), ns); err != nil {
			slog.Warn("expire machine on disconnect", "machine", machineID, "error", err)
		}
	}
}

// handshake waits for the first frame, which must be a register
// carrying the machine id.
func (a *API) handshake(ctx context.Context, ws *websocket.Conn, conn *transport.Conn) (string, bool) {
	f, err := conn.Receive(ctx)
	if err != nil || f.Type != "register" {
		return "", false
	}
	var reg struct {
		MachineID string `json:"machineId"`
	}
	if err := json.Unmarshal(f.Payload, &reg); err != nil || reg.MachineID == "" {
		return "", false
	}
	return reg.MachineID, true
}

func (a *API) pushLoop(ctx context.Context, conn *transport.Conn, sub *fanout.Subscription) {
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
			frameType, payload := eventToFrame(evt)
			if frameType == "" {
				continue
			}
			if err := conn.Send(ctx, transport.Frame{Type: frameType, Payload: payload}); err != nil {
				return
			}
		}
	}
}

func eventToFrame(evt syncevents.Event) (string, json.RawMessage) {
	switch evt.Kind {
	case syncevents.KindMessageReceived:
		b, _ := json.Marshal(evt.Message)
		return "new-message", b
	case syncevents.KindPermissionRequestAdded:
		b, _ := json.Marshal(evt.PermissionRequest)
		return "new-permission-request", b
	case syncevents.KindSessionUpdated:
		b, _ := json.Marshal(evt.SessionUpdated)
		return "session-config", b
	default:
		return "", nil
	}
}

type aliveFrame struct {
	SessionID string `json:"sid,omitempty"`
	MachineID string `json:"machineId,omitempty"`
	At        string `json:"at,omitempty"`
	Thinking  bool   `json:"thinking,omitempty"`
}

type appendFrame struct {
	SessionID string          `json:"sid"`
	Message   json.RawMessage `json:"message"`
	LocalID   *string         `json:"localId,omitempty"`
}

func (a *API) readLoop(ctx context.Context, ns string, conn *transport.Conn) {
	for {
		f, err := conn.Receive(ctx)
		if err != nil {
			return
		}
		if err := a.handleFrame(ctx, ns, conn, f); err != nil {
			slog.Warn("handle ingress frame", "type", f.Type, "error", err)
		}
	}
}

type permissionOptionFrame struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Label string `json:"label,omitempty"`
}

type permissionRequestFrame struct {
	SessionID string                  `json:"sid"`
	Request   json.RawMessage         `json:"request"`
	Options   []permissionOptionFrame `json:"options,omitempty"`
}

type permissionDecisionFrame struct {
	RequestID string                    `json:"requestId"`
	SessionID string                    `json:"sid"`
	Status    string                    `json:"status"`
	Option    *permission.RequestOption `json:"option,omitempty"`
}

// awaitPermissionDecision blocks until req resolves and pushes the
// outcome back to the machine that opened it as a permission-decision
// frame — the suspended half of the duplex call the agent made when it
// opened the request. Runs in its own goroutine per request so one
// session's pending approval never blocks reads for the rest of the
// connection. Delivery goes through the Notifier rather than the
// captured conn directly, since the agent may have reconnected under a
// fresh connection (or gone offline) by the time the decision lands.
func (a *API) awaitPermissionDecision(ctx context.Context, machineID string, req *permission.Request) {
	opt, status, err := permission.Wait(ctx, req)
	if err != nil {
		return
	}
	payload, err := json.Marshal(permissionDecisionFrame{
		RequestID: req.ID,
		SessionID: req.SessionID,
		Status:    string(status),
		Option:    opt,
	})
	if err != nil {
		slog.Warn("encode permission decision", "request", req.ID, "error", err)
		return
	}
	if err := a.Notifier.SendOrQueue(ctx, req.Namespace, machineID, req.SessionID, "permission-decision", payload); err != nil {
		slog.Warn("send permission decision", "request", req.ID, "error", err)
	}
}

func (a *API) handleFrame(ctx context.Context, ns string, conn *transport.Conn, f transport.Frame) error {
	switch f.Type {
	case "session-alive":
		var af aliveFrame
		if err := json.Unmarshal(f.Payload, &af); err != nil {
			return err
		}
		at := parseTimeOrNow(af.At)
		return a.Sessions.HandleSessionAlive(ctx, ns, af.SessionID, at, af.Thinking)
	case "session-end":
		var af aliveFrame
		if err := json.Unmarshal(f.Payload, &af); err != nil {
			return err
		}
		a.Permissions.CancelAll(ctx, af.SessionID)
		return a.Sessions.HandleSessionEnd(ctx, ns, af.SessionID)
	case "machine-alive":
		var af aliveFrame
		if err := json.Unmarshal(f.Payload, &af); err != nil {
			return err
		}
		at := parseTimeOrNow(af.At)
		return a.Machines.HandleMachineAlive(ctx, ns, af.MachineID, at)
	case "append":
		var af appendFrame
		if err := json.Unmarshal(f.Payload, &af); err != nil {
			return err
		}
		_, err := a.Messages.Append(ctx, ns, af.SessionID, af.Message, af.LocalID)
		if err == nil {
			metrics.MessagesAppendedTotal.Inc()
		}
		return err
	case "update-metadata":
		var uf updateFrame
		if err := json.Unmarshal(f.Payload, &uf); err != nil {
			return err
		}
		status, _, err := a.Store.UpdateSessionMetadata(ctx, ns, uf.SessionID, uf.Value, uf.ExpectedVersion, true)
		if err != nil {
			return err
		}
		if status == store.UpdateSuccess {
			return a.Sessions.RefreshSession(ctx, ns, uf.SessionID)
		}
		return nil
	case "update-agent-state":
		var uf updateFrame
		if err := json.Unmarshal(f.Payload, &uf); err != nil {
			return err
		}
		status, _, err := a.Store.UpdateSessionAgentState(ctx, ns, uf.SessionID, uf.Value, uf.ExpectedVersion)
		if err != nil {
			return err
		}
		if status == store.UpdateSuccess {
			return a.Sessions.RefreshSession(ctx, ns, uf.SessionID)
		}
		return nil
	case "update-todos":
		var tf todosFrame
		if err := json.Unmarshal(f.Payload, &tf); err != nil {
			return err
		}
		applied, err := a.Store.SetSessionTodos(ctx, ns, tf.SessionID, tf.Todos, parseTimeOrNow(tf.UpdatedAt))
		if err != nil {
			return err
		}
		if applied {
			return a.Sessions.RefreshSession(ctx, ns, tf.SessionID)
		}
		return nil
	case "update-machine-metadata":
		var uf updateFrame
		if err := json.Unmarshal(f.Payload, &uf); err != nil {
			return err
		}
		_, err := a.Machines.UpdateMetadata(ctx, ns, uf.SessionID, uf.Value, uf.ExpectedVersion)
		return err
	case "update-runner-state":
		var uf updateFrame
		if err := json.Unmarshal(f.Payload, &uf); err != nil {
			return err
		}
		_, err := a.Machines.UpdateRunnerState(ctx, ns, uf.SessionID, uf.Value, uf.ExpectedVersion)
		return err
	case "permission-request":
		var pf permissionRequestFrame
		if err := json.Unmarshal(f.Payload, &pf); err != nil {
			return err
		}
		options := make([]permission.RequestOption, len(pf.Options))
		for i, o := range pf.Options {
			options[i] = permission.RequestOption{ID: o.ID, Kind: permission.OptionKind(o.Kind), Label: o.Label}
		}
		req := a.Permissions.Open(ctx, ns, pf.SessionID, pf.Request, options)
		// Detached from ctx deliberately: this connection may close
		// long before the request resolves, but the decision still
		// needs delivering (live or queued) once it does.
		go a.awaitPermissionDecision(context.Background(), conn.MachineID, req)
		return nil
	default:
		return nil
	}
}

type updateFrame struct {
	SessionID       string          `json:"id"`
	Value           json.RawMessage `json:"value"`
	ExpectedVersion int64           `json:"expectedVersion"`
}

type todosFrame struct {
	SessionID string          `json:"sid"`
	Todos     json.RawMessage `json:"todos"`
	UpdatedAt string          `json:"updatedAt"`
}


func parseTimeOrNow(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t
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
