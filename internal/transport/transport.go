// Package transport is the hub's duplex connection to a CLI runner:
// one JSON-framed WebSocket per machine, registered in a Registry the
// rest of the hub uses to push frames out and look up whether a
// machine is currently reachable. Grounded on the teacher's worker
// connection manager, generalized from a protobuf bidi stream to
// plain JSON frames over github.com/coder/websocket.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/agentsync/hub/internal/metrics"
)

// Frame is the envelope for every message exchanged on the ingress
// stream, in either direction.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Conn is a single machine's ingress connection. Writes are
// serialized through a mutex, matching the teacher's rationale:
// concurrent writers on the same HTTP/2 (or WebSocket) stream corrupt
// frames.
type Conn struct {
	MachineID string
	ws        *websocket.Conn
	sendFn    func(context.Context, Frame) error // overridable for tests
	mu        sync.Mutex
}

// NewConn wraps an accepted WebSocket connection for a machine.
func NewConn(machineID string, ws *websocket.Conn) *Conn {
	return &Conn{MachineID: machineID, ws: ws}
}

// Send writes a frame to the machine's connection.
func (c *Conn) Send(ctx context.Context, f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendFn != nil {
		return c.sendFn(ctx, f)
	}
	if c.ws == nil {
		return fmt.Errorf("transport: connection is nil")
	}
	return wsjson.Write(ctx, c.ws, f)
}

// Receive blocks for the next frame from the machine.
func (c *Conn) Receive(ctx context.Context) (Frame, error) {
	var f Frame
	if c.ws == nil {
		return f, fmt.Errorf("transport: connection is nil")
	}
	err := wsjson.Read(ctx, c.ws, &f)
	return f, err
}

// Close closes the underlying connection with the given code/reason.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	if c.ws == nil {
		return nil
	}
	return c.ws.Close(code, reason)
}

// Registry tracks connected machines. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn // machineID -> Conn
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register adds or replaces a machine's connection.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	_, existed := r.conns[c.MachineID]
	r.conns[c.MachineID] = c
	count := len(r.conns)
	r.mu.Unlock()

	if !existed {
		metrics.WSConnectionsActive.Set(float64(count))
	}
}

// Unregister removes conn only if it is still the registered
// connection for machineID, preventing a stale connection's deferred
// cleanup from evicting a newer replacement. Reports whether it
// removed anything.
func (r *Registry) Unregister(machineID string, conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[machineID] == conn {
		delete(r.conns, machineID)
		metrics.WSConnectionsActive.Set(float64(len(r.conns)))
		return true
	}
	return false
}

// Get returns a machine's connection, or nil if it isn't connected.
func (r *Registry) Get(machineID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[machineID]
}

// IsOnline reports whether a machine currently has a live connection.
func (r *Registry) IsOnline(machineID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[machineID]
	return ok
}
