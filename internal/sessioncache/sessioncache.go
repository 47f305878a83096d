// Package sessioncache holds the hub's in-memory view of sessions on
// top of the durable store: per-session locking, heartbeat
// coalescing, clock-skew clamping, and liveness expiry, generalized
// from the teacher's connection manager to this domain's session
// model.
package sessioncache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentsync/hub/internal/messagelog"
	"github.com/agentsync/hub/internal/permission"
	"github.com/agentsync/hub/internal/store"
	"github.com/agentsync/hub/internal/syncevents"
	"github.com/agentsync/hub/internal/timeutil"
)

// entry is the cache's per-session bookkeeping, guarded by its own
// mutex so unrelated sessions never contend on each other's updates.
type entry struct {
	mu                     sync.Mutex
	lastHeartbeat          time.Time
	lastBroadcast          time.Time
	todoBackfillAttempted  bool
}

// Cache is the in-memory coordination layer over the session store.
// All mutation methods are safe for concurrent use across sessions;
// within one session they serialize via that session's entry lock.
type Cache struct {
	store    *store.Store
	pub      *syncevents.Publisher
	messages *messagelog.Log

	livenessWindow    time.Duration
	heartbeatCoalesce time.Duration

	mu      sync.RWMutex
	entries map[string]*entry // sessionID -> entry
}

// New constructs a Cache. livenessWindow is the max age of activeAt
// before a session is considered dead by the alive monitor.
// heartbeatCoalesce is the minimum gap between heartbeat-driven
// session-updated broadcasts for the same session. messages backs the
// one-shot todo-backfill scan RefreshSession triggers for a session
// whose todos are still null.
func New(st *store.Store, pub *syncevents.Publisher, messages *messagelog.Log, livenessWindow, heartbeatCoalesce time.Duration) *Cache {
	return &Cache{
		store:             st,
		pub:               pub,
		messages:          messages,
		livenessWindow:    livenessWindow,
		heartbeatCoalesce: heartbeatCoalesce,
		entries:           make(map[string]*entry),
	}
}

func (c *Cache) entryFor(sessionID string) *entry {
	c.mu.RLock()
	e, ok := c.entries[sessionID]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[sessionID]; ok {
		return e
	}
	e = &entry{}
	c.entries[sessionID] = e
	return e
}

func toSnapshot(s *store.Session) *syncevents.SessionSnapshot {
	return &syncevents.SessionSnapshot{
		ID:                s.ID,
		Namespace:         s.Namespace,
		Tag:               s.Tag,
		Seq:               s.Seq,
		CreatedAt:         timeutil.Format(s.CreatedAt),
		UpdatedAt:         timeutil.Format(s.UpdatedAt),
		Active:            s.Active,
		Thinking:          s.Thinking,
		Metadata:          s.Metadata,
		MetadataVersion:   s.MetadataVersion,
		AgentState:        s.AgentState,
		AgentStateVersion: s.AgentStateVersion,
		Todos:             s.Todos,
		PermissionMode:    s.PermissionMode,
		ModelMode:         s.ModelMode,
	}
}

// GetOrCreateSession returns the existing session for tag if one
// exists in the namespace, otherwise creates a new one and publishes
// session-added.
func (c *Cache) GetOrCreateSession(ctx context.Context, namespace string, tag *string, metadata, agentState json.RawMessage) (*store.Session, bool, error) {
	if tag != nil {
		if existing, err := c.store.GetSessionByTag(ctx, namespace, *tag); err == nil {
			return existing, false, nil
		} else if err != store.ErrNotFound {
			return nil, false, err
		}
	}

	sess, err := c.store.CreateSession(ctx, namespace, tag, metadata, agentState)
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}

	c.pub.Publish(syncevents.Event{
		Kind:      syncevents.KindSessionAdded,
		Namespace: namespace,
		SessionID: sess.ID,
		Session:   toSnapshot(sess),
	})
	return sess, true, nil
}

// HandleSessionAlive records a heartbeat for a session, clamping
// implausible reported timestamps to the local clock, and broadcasts
// a delta session-updated event at most once per heartbeatCoalesce
// window so a fast heartbeat cadence doesn't flood subscribers.
func (c *Cache) HandleSessionAlive(ctx context.Context, namespace, sessionID string, reportedAt time.Time, thinking bool) error {
	e := c.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	at := timeutil.ClampSkew(reportedAt, now, 5*time.Minute)

	touchUpdatedAt := e.lastBroadcast.IsZero() || now.Sub(e.lastBroadcast) >= c.heartbeatCoalesce
	if err := c.store.SetSessionActive(ctx, namespace, sessionID, true, at, touchUpdatedAt); err != nil {
		return fmt.Errorf("set session active: %w", err)
	}
	if err := c.store.SetSessionThinking(ctx, namespace, sessionID, thinking, at); err != nil {
		return fmt.Errorf("set session thinking: %w", err)
	}
	e.lastHeartbeat = at

	if !touchUpdatedAt {
		return nil
	}
	e.lastBroadcast = now

	activeTrue := true
	thinkingCopy := thinking
	updatedAt := timeutil.Format(at)
	c.pub.Publish(syncevents.Event{
		Kind:      syncevents.KindSessionUpdated,
		Namespace: namespace,
		SessionID: sessionID,
		SessionUpdated: &syncevents.SessionUpdatedPayload{
			Delta: &syncevents.SessionDelta{
				ID:        sessionID,
				Active:    &activeTrue,
				Thinking:  &thinkingCopy,
				UpdatedAt: &updatedAt,
			},
		},
	})
	return nil
}

// HandleSessionEnd marks a session inactive immediately, bypassing
// heartbeat coalescing since an explicit end is never noisy.
func (c *Cache) HandleSessionEnd(ctx context.Context, namespace, sessionID string) error {
	e := c.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	if err := c.store.SetSessionActive(ctx, namespace, sessionID, false, now, true); err != nil {
		return fmt.Errorf("set session inactive: %w", err)
	}
	e.lastBroadcast = now

	activeFalse := false
	updatedAt := timeutil.Format(now)
	c.pub.Publish(syncevents.Event{
		Kind:      syncevents.KindSessionUpdated,
		Namespace: namespace,
		SessionID: sessionID,
		SessionUpdated: &syncevents.SessionUpdatedPayload{
			Delta: &syncevents.SessionDelta{
				ID:        sessionID,
				Active:    &activeFalse,
				UpdatedAt: &updatedAt,
			},
		},
	})
	return nil
}

// ExpireInactive demotes sessions whose activeAt has fallen outside
// the liveness window. Called periodically by the alive monitor; does
// no store I/O for sessions that are already inactive.
func (c *Cache) ExpireInactive(ctx context.Context, namespace string) error {
	sessions, err := c.store.ListSessions(ctx, namespace)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	now := time.Now().UTC()
	for _, sess := range sessions {
		if !sess.Active || sess.ActiveAt == nil {
			continue
		}
		if now.Sub(*sess.ActiveAt) < c.livenessWindow {
			continue
		}
		if err := c.HandleSessionEnd(ctx, namespace, sess.ID); err != nil {
			return fmt.Errorf("expire session %s: %w", sess.ID, err)
		}
	}
	return nil
}

// RefreshSession republishes a full session-updated snapshot, used
// after a metadata/agent-state/todos write so subscribers see the
// entire row rather than a narrow delta. Also triggers the one-shot
// todo backfill scan when the session still has no todos.
func (c *Cache) RefreshSession(ctx context.Context, namespace, sessionID string) error {
	sess, err := c.store.GetSession(ctx, namespace, sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	c.pub.Publish(syncevents.Event{
		Kind:      syncevents.KindSessionUpdated,
		Namespace: namespace,
		SessionID: sessionID,
		SessionUpdated: &syncevents.SessionUpdatedPayload{
			Full: toSnapshot(sess),
		},
	})
	c.maybeBackfillTodos(namespace, sessionID, sess.Todos)
	return nil
}

// maybeBackfillTodos schedules an asynchronous scan of a session's
// recent messages for a TodoWrite call when its todos are still null,
// so a client that missed the original update-todos frame (e.g. it
// connected after the agent already wrote them) still converges on the
// current list. Attempted at most once per session per cache lifetime,
// tracked on that session's entry so it's cleared along with the rest
// of the entry's state on delete or merge.
func (c *Cache) maybeBackfillTodos(namespace, sessionID string, todos json.RawMessage) {
	if len(todos) > 0 || c.messages == nil {
		return
	}
	e := c.entryFor(sessionID)
	e.mu.Lock()
	already := e.todoBackfillAttempted
	e.todoBackfillAttempted = true
	e.mu.Unlock()
	if already {
		return
	}
	go c.backfillTodos(namespace, sessionID)
}

func (c *Cache) backfillTodos(namespace, sessionID string) {
	ctx := context.Background()
	todos, found, err := c.messages.ScanForTodos(ctx, namespace, sessionID)
	if err != nil {
		slog.Warn("scan for todo backfill", "session", sessionID, "error", err)
		return
	}
	if !found {
		return
	}
	if _, err := c.store.SetSessionTodos(ctx, namespace, sessionID, todos, time.Now().UTC()); err != nil {
		slog.Warn("apply todo backfill", "session", sessionID, "error", err)
		return
	}
	if err := c.RefreshSession(ctx, namespace, sessionID); err != nil {
		slog.Warn("refresh session after todo backfill", "session", sessionID, "error", err)
	}
}

// ApplySessionConfig updates permission/model mode and republishes the
// full session.
func (c *Cache) ApplySessionConfig(ctx context.Context, namespace, sessionID string, permissionMode, modelMode *string) error {
	if err := c.store.SetSessionConfig(ctx, namespace, sessionID, permissionMode, modelMode); err != nil {
		return fmt.Errorf("set session config: %w", err)
	}
	return c.RefreshSession(ctx, namespace, sessionID)
}

// RenameSession changes a session's tag and republishes the full
// session.
func (c *Cache) RenameSession(ctx context.Context, namespace, sessionID string, tag *string) error {
	if err := c.store.RenameSession(ctx, namespace, sessionID, tag); err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	return c.RefreshSession(ctx, namespace, sessionID)
}

// DeleteSession removes a session and publishes session-removed. It
// also drops the session's cache entry.
func (c *Cache) DeleteSession(ctx context.Context, namespace, sessionID string) error {
	deleted, err := c.store.DeleteSession(ctx, namespace, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	c.mu.Lock()
	delete(c.entries, sessionID)
	c.mu.Unlock()

	if deleted {
		c.pub.Publish(syncevents.Event{
			Kind:             syncevents.KindSessionRemoved,
			Namespace:        namespace,
			SessionID:        sessionID,
			SessionRemovedID: sessionID,
		})
	}
	return nil
}

// MergeSessions folds src into dst: dst's value wins for any metadata
// or agentState key both sides carry, src's value fills in whatever
// dst lacks, except summary, where whichever side's summary.updatedAt
// is greater wins the whole object regardless of which side is dst.
//
// src's todos replace dst's only if strictly newer. dst's tag is kept;
// src's messages are renumbered onto dst's sequence, oldest first.
// This is the reconciliation path for when a client discovers two
// sessions actually represent one continuous run (e.g. a reconnect
// raced session creation before the tag match landed).
func (c *Cache) MergeSessions(ctx context.Context, namespace, dstID, srcID string) error {
	dst, err := c.store.GetSession(ctx, namespace, dstID)
	if err != nil {
		return fmt.Errorf("get dst session: %w", err)
	}
	src, err := c.store.GetSession(ctx, namespace, srcID)
	if err != nil {
		return fmt.Errorf("get src session: %w", err)
	}

	mergedMeta, err := mergeMetadata(dst.Metadata, src.Metadata)
	if err != nil {
		return fmt.Errorf("merge metadata: %w", err)
	}
	mergedState, err := mergeMetadata(dst.AgentState, src.AgentState)
	if err != nil {
		return fmt.Errorf("merge agent state: %w", err)
	}

	if _, _, err := c.store.UpdateSessionMetadata(ctx, namespace, dstID, mergedMeta, dst.MetadataVersion, false); err != nil {
		return fmt.Errorf("apply merged metadata: %w", err)
	}
	if _, _, err := c.store.UpdateSessionAgentState(ctx, namespace, dstID, mergedState, dst.AgentStateVersion); err != nil {
		return fmt.Errorf("apply merged agent state: %w", err)
	}
	if src.Todos != nil && (dst.TodosUpdatedAt == nil || (src.TodosUpdatedAt != nil && src.TodosUpdatedAt.After(*dst.TodosUpdatedAt))) {
		if _, err := c.store.SetSessionTodos(ctx, namespace, dstID, src.Todos, *src.TodosUpdatedAt); err != nil {
			return fmt.Errorf("apply merged todos: %w", err)
		}
	}

	if err := c.store.MergeSessionMessages(ctx, namespace, dstID, srcID); err != nil {
		return fmt.Errorf("merge messages: %w", err)
	}

	c.mu.Lock()
	delete(c.entries, srcID)
	c.mu.Unlock()

	c.pub.Publish(syncevents.Event{Kind: syncevents.KindSessionRemoved, Namespace: namespace, SessionID: srcID, SessionRemovedID: srcID})
	return c.RefreshSession(ctx, namespace, dstID)
}

// mergeMetadata folds two metadata/agentState JSON objects together:
// old wins on any key both carry, incoming fills in whatever old
// lacks, except summary, which is resolved by pickNewerSummary
// regardless of which side holds the newer one.
func mergeMetadata(old, incoming json.RawMessage) (json.RawMessage, error) {
	if len(incoming) == 0 {
		return old, nil
	}
	if len(old) == 0 {
		return incoming, nil
	}

	var oldMap, incomingMap map[string]json.RawMessage
	if err := json.Unmarshal(old, &oldMap); err != nil {
		return old, nil
	}
	if err := json.Unmarshal(incoming, &incomingMap); err != nil {
		return old, nil
	}

	merged := make(map[string]json.RawMessage, len(oldMap)+len(incomingMap))
	for k, v := range incomingMap {
		merged[k] = v
	}
	for k, v := range oldMap {
		merged[k] = v
	}
	if _, hasEither := merged["summary"]; hasEither {
		merged["summary"] = pickNewerSummary(oldMap["summary"], incomingMap["summary"])
	}
	return json.Marshal(merged)
}

// pickNewerSummary compares summary.updatedAt on both sides and
// returns the summary object with the greater timestamp, falling back
// to whichever side is present if the other is absent or unparsable.
func pickNewerSummary(old, incoming json.RawMessage) json.RawMessage {
	if len(incoming) == 0 {
		return old
	}
	if len(old) == 0 {
		return incoming
	}
	var oldMeta, incomingMeta struct {
		UpdatedAt time.Time `json:"updatedAt"`
	}
	if json.Unmarshal(old, &oldMeta) != nil {
		return incoming
	}
	if json.Unmarshal(incoming, &incomingMeta) != nil {
		return old
	}
	if oldMeta.UpdatedAt.After(incomingMeta.UpdatedAt) {
		return old
	}
	return incoming
}

const maxAgentStateMutateAttempts = 5

// mutateAgentState decodes a session's agentState into a field map,
// lets mutate edit it in place, and writes it back with an
// optimistic-concurrency retry loop: if another writer bumped
// agentStateVersion between the read and the write, it re-reads and
// re-applies mutate rather than failing outright. Held under the
// session's entry lock so two permission-lifecycle mutations for the
// same session serialize instead of racing each other's retries.
func (c *Cache) mutateAgentState(ctx context.Context, namespace, sessionID string, mutate func(map[string]json.RawMessage) error) error {
	e := c.entryFor(sessionID)
	e.mu.Lock()
	defer e.mu.Unlock()

	for attempt := 0; attempt < maxAgentStateMutateAttempts; attempt++ {
		sess, err := c.store.GetSession(ctx, namespace, sessionID)
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}

		state := map[string]json.RawMessage{}
		if len(sess.AgentState) > 0 {
			if err := json.Unmarshal(sess.AgentState, &state); err != nil {
				return fmt.Errorf("decode agent state: %w", err)
			}
		}
		if err := mutate(state); err != nil {
			return err
		}
		encoded, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encode agent state: %w", err)
		}

		status, _, err := c.store.UpdateSessionAgentState(ctx, namespace, sessionID, encoded, sess.AgentStateVersion)
		if err != nil {
			return fmt.Errorf("update agent state: %w", err)
		}
		if status == store.UpdateSuccess {
			return nil
		}
	}
	return fmt.Errorf("mutate agent state: exhausted retries for session %s", sessionID)
}

// MirrorPermissionRequest adds requestID to session.agentState.requests
// and republishes the session, satisfying permission.SessionMirror.
func (c *Cache) MirrorPermissionRequest(ctx context.Context, namespace, sessionID, requestID string, payload json.RawMessage, options []permission.RequestOption, createdAt time.Time) error {
	entry, err := json.Marshal(struct {
		Tool      json.RawMessage         `json:"tool,omitempty"`
		Request   json.RawMessage         `json:"request"`
		Options   []permission.RequestOption `json:"options,omitempty"`
		CreatedAt string                  `json:"createdAt"`
	}{Request: payload, Options: options, CreatedAt: timeutil.Format(createdAt)})
	if err != nil {
		return fmt.Errorf("encode pending request: %w", err)
	}

	err = c.mutateAgentState(ctx, namespace, sessionID, func(state map[string]json.RawMessage) error {
		requests := map[string]json.RawMessage{}
		if raw, ok := state["requests"]; ok {
			_ = json.Unmarshal(raw, &requests)
		}
		requests[requestID] = entry
		encoded, err := json.Marshal(requests)
		if err != nil {
			return err
		}
		state["requests"] = encoded
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror permission request: %w", err)
	}
	return c.RefreshSession(ctx, namespace, sessionID)
}

// CompletePermissionRequest moves requestID from
// session.agentState.requests to agentState.completedRequests and
// republishes the session, satisfying permission.SessionMirror.
func (c *Cache) CompletePermissionRequest(ctx context.Context, namespace, sessionID, requestID string, outcome permission.Outcome) error {
	completedEntry := struct {
		Status      permission.Status   `json:"status"`
		Decision    permission.Decision `json:"decision"`
		OptionID    string              `json:"optionId,omitempty"`
		Reason      string              `json:"reason,omitempty"`
		AllowTools  []string            `json:"allowTools,omitempty"`
		Answers     json.RawMessage     `json:"answers,omitempty"`
		CompletedAt string              `json:"completedAt"`
	}{
		Status:      outcome.Status,
		Decision:    outcome.Decision,
		Reason:      outcome.Reason,
		AllowTools:  outcome.AllowTools,
		Answers:     outcome.Answers,
		CompletedAt: timeutil.Format(outcome.CompletedAt),
	}
	if outcome.Option != nil {
		completedEntry.OptionID = outcome.Option.ID
	}
	encodedEntry, err := json.Marshal(completedEntry)
	if err != nil {
		return fmt.Errorf("encode completed request: %w", err)
	}

	err = c.mutateAgentState(ctx, namespace, sessionID, func(state map[string]json.RawMessage) error {
		requests := map[string]json.RawMessage{}
		if raw, ok := state["requests"]; ok {
			_ = json.Unmarshal(raw, &requests)
		}
		delete(requests, requestID)
		if encoded, err := json.Marshal(requests); err == nil {
			state["requests"] = encoded
		}

		completed := map[string]json.RawMessage{}
		if raw, ok := state["completedRequests"]; ok {
			_ = json.Unmarshal(raw, &completed)
		}
		completed[requestID] = encodedEntry
		encoded, err := json.Marshal(completed)
		if err != nil {
			return err
		}
		state["completedRequests"] = encoded
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete permission request: %w", err)
	}
	return c.RefreshSession(ctx, namespace, sessionID)
}
