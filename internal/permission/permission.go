// Package permission brokers permission requests a runner raises
// mid-session (e.g. "allow this tool call?") and the decisions clients
// send back, with timeout and cancellation, grounded directly on the
// teacher's pending-request map for worker jobs.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentsync/hub/internal/id"
	"github.com/agentsync/hub/internal/metrics"
	"github.com/agentsync/hub/internal/syncevents"
)

// OptionKind classifies a named option a pending request offers. The
// agent declares options when it opens the request; the broker never
// invents one, it only picks among what's offered.
type OptionKind string

const (
	OptionKindAllowOnce    OptionKind = "allow_once"
	OptionKindAllowAlways  OptionKind = "allow_always"
	OptionKindRejectOnce   OptionKind = "reject_once"
	OptionKindRejectAlways OptionKind = "reject_always"
)

// RequestOption is one named outcome a pending request can resolve
// to, e.g. {id: "opt-1", kind: "allow_once"}.
type RequestOption struct {
	ID    string     `json:"id"`
	Kind  OptionKind `json:"kind"`
	Label string     `json:"label,omitempty"`
}

// Decision is the coarse answer a client sends back for a request.
// The broker maps it onto one of the request's declared Options.
type Decision string

const (
	DecisionApproved           Decision = "approved"
	DecisionApprovedForSession Decision = "approved_for_session"
	DecisionDenied             Decision = "denied"
	DecisionAbort              Decision = "abort"
)

// Status is the terminal bucket a request lands in once resolved.
type Status string

const (
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusCanceled Status = "canceled"
)

// Outcome is the terminal record handed to a SessionMirror once a
// request resolves, for mirroring into agentState.completedRequests.
type Outcome struct {
	Status      Status
	Decision    Decision
	Option      *RequestOption
	Reason      string
	AllowTools  []string
	Answers     json.RawMessage
	CompletedAt time.Time
}

// SessionMirror reflects a request's lifecycle into the owning
// session's agentState (requests while pending, completedRequests once
// resolved) so any client reading session snapshots sees the full
// history without subscribing to the broker directly. Implemented by
// sessioncache.Cache.
type SessionMirror interface {
	MirrorPermissionRequest(ctx context.Context, namespace, sessionID, requestID string, payload json.RawMessage, options []RequestOption, createdAt time.Time) error
	CompletePermissionRequest(ctx context.Context, namespace, sessionID, requestID string, outcome Outcome) error
}

// Request is a single outstanding permission request.
type Request struct {
	ID        string
	Namespace string
	SessionID string
	Payload   json.RawMessage
	Options   []RequestOption
	CreatedAt time.Time

	done chan struct{}
	once sync.Once

	option   *RequestOption
	decision Decision
	status   Status
}

// Done is closed once the request reaches a terminal state.
func (r *Request) Done() <-chan struct{} { return r.done }

// Result returns the resolved option (nil for an aborted request with
// no matching option) and its terminal status. Only meaningful after
// Done is closed.
func (r *Request) Result() (*RequestOption, Status) { return r.option, r.status }

// Broker tracks pending permission requests per session and resolves
// them from client decisions, timeouts, or session-end cancellation.
type Broker struct {
	pub     *syncevents.Publisher
	timeout time.Duration
	mirror  SessionMirror

	mu      sync.Mutex
	pending map[string]*Request // requestID -> request
	bySess  map[string][]string // sessionID -> requestIDs
}

// New constructs a Broker. timeout is the age at which a pending
// request is auto-cancelled by the alive monitor. mirror may be nil —
// tests that don't care about agentState mirroring can skip it — in
// which case the broker still resolves requests correctly, it just
// doesn't reflect them into any session row.
func New(pub *syncevents.Publisher, timeout time.Duration, mirror SessionMirror) *Broker {
	return &Broker{
		pub:     pub,
		timeout: timeout,
		mirror:  mirror,
		pending: make(map[string]*Request),
		bySess:  make(map[string][]string),
	}
}

// Open registers a new pending request, mirrors it into
// session.agentState.requests, and publishes permission-request-added.
func (b *Broker) Open(ctx context.Context, namespace, sessionID string, payload json.RawMessage, options []RequestOption) *Request {
	req := &Request{
		ID:        id.Generate(),
		Namespace: namespace,
		SessionID: sessionID,
		Payload:   payload,
		Options:   options,
		CreatedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	b.pending[req.ID] = req
	b.bySess[sessionID] = append(b.bySess[sessionID], req.ID)
	pendingCount := len(b.pending)
	b.mu.Unlock()

	metrics.PermissionRequestsPending.Set(float64(pendingCount))

	if b.mirror != nil {
		if err := b.mirror.MirrorPermissionRequest(ctx, namespace, sessionID, req.ID, payload, options, req.CreatedAt); err != nil {
			slog.Warn("mirror permission request", "request", req.ID, "session", sessionID, "error", err)
		}
	}

	b.pub.Publish(syncevents.Event{
		Kind:      syncevents.KindPermissionRequestAdded,
		Namespace: namespace,
		SessionID: sessionID,
		PermissionRequest: &syncevents.PermissionRequestPayload{
			RequestID: req.ID,
			SessionID: sessionID,
			Request:   payload,
		},
	})
	return req
}

// Decide resolves a pending request per decision, mapping it onto one
// of the request's declared Options:
//
//   - approved_for_session prefers allow_always, falling back to allow_once.
//   - approved prefers allow_once, falling back to allow_always.
//   - denied prefers reject_once, falling back to reject_always.
//   - abort resolves this request canceled and cancels every other
//     pending request for the same session.
//
// If requestID is no longer pending, Decide is a no-op rather than an
// error — a client retrying a decision the broker already resolved
// (by timeout, or a racing abort) must not see a failure.
func (b *Broker) Decide(ctx context.Context, requestID string, decision Decision, reason string, allowTools []string, answers json.RawMessage) error {
	req, ok := b.take(requestID)
	if !ok {
		return nil
	}

	if decision == DecisionAbort {
		b.resolve(ctx, req, nil, decision, StatusCanceled, reason, allowTools, answers)
		b.CancelAll(ctx, req.SessionID)
		return nil
	}

	status := StatusApproved
	if decision == DecisionDenied {
		status = StatusDenied
	}
	b.resolve(ctx, req, chooseOption(req.Options, decision), decision, status, reason, allowTools, answers)
	return nil
}

// chooseOption maps decision onto one of options per the fallback
// table, or nil if options declares none of the kinds decision cares
// about (the agent offered no matching choice).
func chooseOption(options []RequestOption, decision Decision) *RequestOption {
	var preferred, fallback OptionKind
	switch decision {
	case DecisionApprovedForSession:
		preferred, fallback = OptionKindAllowAlways, OptionKindAllowOnce
	case DecisionApproved:
		preferred, fallback = OptionKindAllowOnce, OptionKindAllowAlways
	case DecisionDenied:
		preferred, fallback = OptionKindRejectOnce, OptionKindRejectAlways
	default:
		return nil
	}
	if opt := findOptionKind(options, preferred); opt != nil {
		return opt
	}
	return findOptionKind(options, fallback)
}

func findOptionKind(options []RequestOption, kind OptionKind) *RequestOption {
	for i := range options {
		if options[i].Kind == kind {
			return &options[i]
		}
	}
	return nil
}

// CancelAll cancels every pending request for a session, used when a
// session ends or a client aborts while requests are still
// outstanding.
//
// Cancelling the agent's current prompt over the transport is the
// caller's responsibility — the broker only owns the pending-request
// map, not the transport; see egress.machineConnForSession.
func (b *Broker) CancelAll(ctx context.Context, sessionID string) {
	b.mu.Lock()
	ids := append([]string(nil), b.bySess[sessionID]...)
	b.mu.Unlock()

	for _, reqID := range ids {
		if req, ok := b.take(reqID); ok {
			b.resolve(ctx, req, nil, DecisionAbort, StatusCanceled, "user aborted", nil, nil)
		}
	}
}

// CancelExpired resolves every pending request older than the
// broker's timeout as canceled. Called by the alive monitor's
// periodic sweep.
func (b *Broker) CancelExpired(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-b.timeout)

	b.mu.Lock()
	var expired []*Request
	for _, req := range b.pending {
		if req.CreatedAt.Before(cutoff) {
			expired = append(expired, req)
		}
	}
	b.mu.Unlock()

	for _, req := range expired {
		if taken, ok := b.take(req.ID); ok {
			b.resolve(ctx, taken, nil, DecisionAbort, StatusCanceled, "timeout", nil, nil)
		}
	}
}

// Pending returns the number of currently outstanding requests for a
// session.
func (b *Broker) Pending(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bySess[sessionID])
}

func (b *Broker) take(requestID string) (*Request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, ok := b.pending[requestID]
	if !ok {
		return nil, false
	}
	delete(b.pending, requestID)

	ids := b.bySess[req.SessionID]
	for i, id := range ids {
		if id == requestID {
			b.bySess[req.SessionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(b.bySess[req.SessionID]) == 0 {
		delete(b.bySess, req.SessionID)
	}

	metrics.PermissionRequestsPending.Set(float64(len(b.pending)))
	return req, true
}

func (b *Broker) resolve(ctx context.Context, req *Request, opt *RequestOption, decision Decision, status Status, reason string, allowTools []string, answers json.RawMessage) {
	req.once.Do(func() {
		req.option = opt
		req.decision = decision
		req.status = status
		close(req.done)
	})

	metrics.PermissionRequestsResolvedTotal.WithLabelValues(string(status)).Inc()

	if b.mirror != nil {
		outcome := Outcome{
			Status:      status,
			Decision:    decision,
			Option:      opt,
			Reason:      reason,
			AllowTools:  allowTools,
			Answers:     answers,
			CompletedAt: time.Now().UTC(),
		}
		if err := b.mirror.CompletePermissionRequest(ctx, req.Namespace, req.SessionID, req.ID, outcome); err != nil {
			slog.Warn("complete permission request mirror", "request", req.ID, "session", req.SessionID, "error", err)
		}
	}

	b.pub.Publish(syncevents.Event{
		Kind:      syncevents.KindPermissionRequestClosed,
		Namespace: req.Namespace,
		SessionID: req.SessionID,
		PermissionRequest: &syncevents.PermissionRequestPayload{
			RequestID: req.ID,
			SessionID: req.SessionID,
			Decision:  string(decision),
		},
	})
}

// Wait blocks until req resolves or ctx is cancelled, returning the
// resolved option (nil if none applied) and terminal status. This is
// the suspension point IngressAPI holds an agent-transport call open
// on while awaiting a decision.
func Wait(ctx context.Context, req *Request) (*RequestOption, Status, error) {
	select {
	case <-req.Done():
		opt, status := req.Result()
		return opt, status, nil
	case <-ctx.Done():
		return nil, "", fmt.Errorf("wait for permission decision: %w", ctx.Err())
	}
}
