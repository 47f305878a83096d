// Package messagelog is the façade over store message operations:
// append, page, and tail, plus usage extraction and the
// message-received event each append fires.
package messagelog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentsync/hub/internal/store"
	"github.com/agentsync/hub/internal/syncevents"
)

const defaultPageSize = 100

// Log appends to and reads from a single session's message history,
// publishing message-received events as a side effect of Append.
type Log struct {
	store *store.Store
	pub   *syncevents.Publisher
}

// New constructs a Log backed by the given store and publisher.
func New(st *store.Store, pub *syncevents.Publisher) *Log {
	return &Log{store: st, pub: pub}
}

// Append stores content under sessionID within namespace, assigning
// the next seq, and publishes a message-received event scoped to that
// namespace. If localID is non-empty and a message with that local id
// already exists, the existing message is returned and no new event
// fires — this is the idempotent-retry path for a runner that
// re-sends after a dropped ack. Returns store.ErrNotFound or
// store.ErrWrongNamespace if sessionID isn't in namespace.
func (l *Log) Append(ctx context.Context, namespace, sessionID string, content json.RawMessage, localID *string) (*store.Message, error) {
	msg, err := l.store.AddMessage(ctx, namespace, sessionID, content, localID)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	l.pub.Publish(syncevents.Event{
		Kind:      syncevents.KindMessageReceived,
		Namespace: namespace,
		SessionID: sessionID,
		Message: &syncevents.MessagePayload{
			ID:        msg.ID,
			SessionID: msg.SessionID,
			Seq:       msg.Seq,
			CreatedAt: msg.CreatedAt.UTC().Format(time.RFC3339Nano),
			Content:   msg.Content,
		},
	})

	return msg, nil
}

// Page returns a backward page of history ending before beforeSeq
// (nil for the most recent page), newest page first but messages
// within it oldest-to-newest, scoped to namespace.
func (l *Log) Page(ctx context.Context, namespace, sessionID string, beforeSeq *int64, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	return l.store.GetMessages(ctx, namespace, sessionID, limit, beforeSeq)
}

// Tail returns messages strictly after afterSeq, used to catch a
// reconnecting subscriber up to the current state, scoped to namespace.
func (l *Log) Tail(ctx context.Context, namespace, sessionID string, afterSeq int64, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	return l.store.GetMessagesAfter(ctx, namespace, sessionID, afterSeq, limit)
}

const todoBackfillScanLimit = 200

// ScanForTodos scans up to the most recent todoBackfillScanLimit
// messages of a session, newest first, and returns the todos from the
// most recent TodoWrite call found within that window.
func (l *Log) ScanForTodos(ctx context.Context, namespace, sessionID string) (json.RawMessage, bool, error) {
	msgs, err := l.store.GetMessages(ctx, namespace, sessionID, todoBackfillScanLimit, nil)
	if err != nil {
		return nil, false, fmt.Errorf("scan messages for todos: %w", err)
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if todos, ok := ExtractTodos(msgs[i].Content); ok {
			return todos, true, nil
		}
	}
	return nil, false, nil
}

// usageOuter and usageInner model the two shapes a message's content
// may carry token-usage accounting in: directly at the top level, or
// nested under a "message" field (mirroring provider SDKs that wrap a
// chat completion inside an envelope). ExtractUsage checks the outer
// shape first since it's the more common and cheaper case.
type usageOuter struct {
	Usage json.RawMessage `json:"usage"`
}

type usageInner struct {
	Message struct {
		Usage json.RawMessage `json:"usage"`
	} `json:"message"`
}

// ExtractUsage pulls a usage sub-record out of message content if
// present, checking the outer encoding before the nested one. Returns
// nil with no error if neither shape carries usage.
func ExtractUsage(content json.RawMessage) (json.RawMessage, error) {
	var outer usageOuter
	if err := json.Unmarshal(content, &outer); err == nil && len(outer.Usage) > 0 {
		return outer.Usage, nil
	}

	var inner usageInner
	if err := json.Unmarshal(content, &inner); err != nil {
		return nil, fmt.Errorf("extract usage: %w", err)
	}
	if len(inner.Message.Usage) > 0 {
		return inner.Message.Usage, nil
	}
	return nil, nil
}

// toolCallShape models a message whose content carries a single
// tool-call envelope directly: {"name":"...","input":{"todos":[...]}}.
type toolCallShape struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// contentBlockShape models the multi-block assistant message shape
// (a "content" array of typed blocks, one of which may be a tool
// call), the same envelope ExtractUsage's nested case guards against
// but one level deeper.
type contentBlockShape struct {
	Content []toolCallShape `json:"content"`
}

type todoInput struct {
	Todos json.RawMessage `json:"todos"`
}

// ExtractTodos pulls the todos array out of a TodoWrite tool call
// inside message content, checking a bare tool-call envelope before
// the content-block-array shape. Returns nil, false if content carries
// no TodoWrite call.
func ExtractTodos(content json.RawMessage) (json.RawMessage, bool) {
	var bare toolCallShape
	if err := json.Unmarshal(content, &bare); err == nil && isTodoWrite(bare.Name) {
		if todos, ok := todosFromInput(bare.Input); ok {
			return todos, true
		}
	}

	var blocks contentBlockShape
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil, false
	}
	for _, b := range blocks.Content {
		if !isTodoWrite(b.Name) {
			continue
		}
		if todos, ok := todosFromInput(b.Input); ok {
			return todos, true
		}
	}
	return nil, false
}

func isTodoWrite(name string) bool {
	return strings.EqualFold(name, "todowrite") || strings.EqualFold(name, "todo_write")
}

func todosFromInput(input json.RawMessage) (json.RawMessage, bool) {
	var parsed todoInput
	if err := json.Unmarshal(input, &parsed); err != nil || len(parsed.Todos) == 0 {
		return nil, false
	}
	return parsed.Todos, true
}
