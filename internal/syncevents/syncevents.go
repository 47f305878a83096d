// Package syncevents defines the tagged-variant events the hub emits
// to subscribers as sessions, machines, and messages change, and the
// in-process publisher that fans them out.
package syncevents

import "encoding/json"

// Kind identifies which variant an Event carries.
type Kind string

const (
	KindSessionAdded            Kind = "session-added"
	KindSessionUpdated          Kind = "session-updated"
	KindSessionRemoved          Kind = "session-removed"
	KindMessageReceived         Kind = "message-received"
	KindMachineUpdated          Kind = "machine-updated"
	KindConnectionChanged       Kind = "connection-changed"
	KindSessionSortPrefUpdated  Kind = "session-sort-preference-updated"
	KindToast                   Kind = "toast"
	KindPermissionRequestAdded  Kind = "permission-request-added"
	KindPermissionRequestClosed Kind = "permission-request-closed"
)

// SessionSnapshot is the full session view sent to subscribers,
// analogous to the row in store.Session but JSON-shaped for clients.
type SessionSnapshot struct {
	ID                string          `json:"id"`
	Namespace         string          `json:"namespace"`
	Tag               *string         `json:"tag,omitempty"`
	Seq               int64           `json:"seq"`
	CreatedAt         string          `json:"createdAt"`
	UpdatedAt         string          `json:"updatedAt"`
	Active            bool            `json:"active"`
	Thinking          bool            `json:"thinking"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	MetadataVersion   int64           `json:"metadataVersion"`
	AgentState        json.RawMessage `json:"agentState,omitempty"`
	AgentStateVersion int64           `json:"agentStateVersion"`
	Todos             json.RawMessage `json:"todos,omitempty"`
	PermissionMode    string          `json:"permissionMode,omitempty"`
	ModelMode         string          `json:"modelMode,omitempty"`
}

// SessionDelta is a partial update to an existing session, used
// instead of a full snapshot when only a few fields changed (e.g. a
// heartbeat only touches active/activeAt).
type SessionDelta struct {
	ID         string  `json:"id"`
	Active     *bool   `json:"active,omitempty"`
	Thinking   *bool   `json:"thinking,omitempty"`
	UpdatedAt  *string `json:"updatedAt,omitempty"`
}

// SessionUpdatedPayload carries either a full snapshot or a delta for
// a session-updated event, never both. Representing both cases as
// optional fields on one struct (rather than two separate event
// kinds) keeps a single Kind to switch on while still letting callers
// avoid re-sending an entire session for a heartbeat-only change.
type SessionUpdatedPayload struct {
	Full  *SessionSnapshot `json:"full,omitempty"`
	Delta *SessionDelta    `json:"delta,omitempty"`
}

// MachineSnapshot is the full machine view sent to subscribers.
type MachineSnapshot struct {
	ID                 string          `json:"id"`
	Namespace          string          `json:"namespace"`
	CreatedAt          string          `json:"createdAt"`
	UpdatedAt          string          `json:"updatedAt"`
	Active             bool            `json:"active"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	MetadataVersion    int64           `json:"metadataVersion"`
	RunnerState        json.RawMessage `json:"runnerState,omitempty"`
	RunnerStateVersion int64           `json:"runnerStateVersion"`
}

// MessagePayload accompanies a message-received event.
type MessagePayload struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	CreatedAt string          `json:"createdAt"`
	Content   json.RawMessage `json:"content"`
}

// ToastPayload is an ephemeral, non-persisted notification shown to a
// subset of subscribers (e.g. "permission needed" on the machine that
// owns the session, not every connected client).
type ToastPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	MachineID string `json:"machineId,omitempty"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
	Severity  string `json:"severity,omitempty"`
}

// ConnectionChangedPayload reports ingress transport connect/disconnect
// for a machine, independent of the slower liveness sweep.
type ConnectionChangedPayload struct {
	MachineID string `json:"machineId"`
	Connected bool   `json:"connected"`
}

// SortPreferencePayload mirrors a user's updated session-list sort
// preference back to their other connected clients.
type SortPreferencePayload struct {
	UserID         string `json:"userId"`
	SortPreference string `json:"sortPreference"`
}

// PermissionRequestPayload accompanies permission-request-added and
// permission-request-closed events.
type PermissionRequestPayload struct {
	RequestID string          `json:"requestId"`
	SessionID string          `json:"sessionId"`
	Request   json.RawMessage `json:"request,omitempty"`
	Decision  string          `json:"decision,omitempty"`
}

// Event is the envelope delivered to subscribers. Exactly one of the
// payload fields is populated, selected by Kind.
type Event struct {
	Kind Kind `json:"kind"`

	Session           *SessionSnapshot          `json:"session,omitempty"`
	SessionUpdated    *SessionUpdatedPayload    `json:"sessionUpdated,omitempty"`
	SessionRemovedID  string                    `json:"sessionRemovedId,omitempty"`
	Machine           *MachineSnapshot          `json:"machine,omitempty"`
	Message           *MessagePayload           `json:"message,omitempty"`
	Toast             *ToastPayload             `json:"toast,omitempty"`
	ConnectionChanged *ConnectionChangedPayload `json:"connectionChanged,omitempty"`
	SortPreference    *SortPreferencePayload    `json:"sortPreference,omitempty"`
	PermissionRequest *PermissionRequestPayload `json:"permissionRequest,omitempty"`

	// SessionID and MachineID scope the event for fanout filtering,
	// even when the full payload doesn't carry them directly.
	SessionID string `json:"-"`
	MachineID string `json:"-"`

	// Namespace scopes the event to a tenant for fanout filtering.
	// Every event kind except connection-changed and
	// session-sort-preference-updated carries one; a subscription
	// never receives an event whose namespace doesn't match its own.
	Namespace string `json:"-"`
}
