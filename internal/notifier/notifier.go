// Package notifier delivers a one-off frame to a specific machine's
// ingress connection if it's currently online, falling back to a
// durable queue flushed the next time that machine connects.
// Grounded on the teacher's internal/hub/notifier.Notifier
// (SendOrQueue/ProcessPendingNotifications), generalized from worker
// deregistration/workspace-termination notifications to the sync
// hub's permission-decision pushes.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/agentsync/hub/internal/store"
	"github.com/agentsync/hub/internal/transport"
)

// Notifier is safe for concurrent use.
type Notifier struct {
	store *store.Store
	conns *transport.Registry
}

// New constructs a Notifier.
func New(st *store.Store, conns *transport.Registry) *Notifier {
	return &Notifier{store: st, conns: conns}
}

// SendOrQueue attempts an immediate delivery to machineID. If the
// machine isn't connected, or the send fails, the frame is persisted
// to pending_deliveries instead of being dropped.
func (n *Notifier) SendOrQueue(ctx context.Context, namespace, machineID, sessionID, kind string, payload json.RawMessage) error {
	if conn := n.conns.Get(machineID); conn != nil {
		if err := conn.Send(ctx, transport.Frame{Type: kind, Payload: payload}); err == nil {
			return nil
		} else {
			slog.Warn("deliver frame, queueing", "machine", machineID, "kind", kind, "error", err)
		}
	}
	return n.store.CreatePendingDelivery(ctx, namespace, machineID, sessionID, kind, payload)
}

// ProcessPending flushes every queued delivery for machineID, called
// right after it (re)registers an ingress connection. Deliveries that
// fail are left in place up to their max attempts, after which
// they're marked delivered without having been sent, so they're
// dropped rather than retried forever.
func (n *Notifier) ProcessPending(ctx context.Context, machineID string) error {
	conn := n.conns.Get(machineID)
	if conn == nil {
		return fmt.Errorf("notifier: machine %s not connected", machineID)
	}

	pending, err := n.store.ListUndeliveredForMachine(ctx, machineID)
	if err != nil {
		return fmt.Errorf("list pending deliveries: %w", err)
	}

	for _, d := range pending {
		_ = n.store.IncrementDeliveryAttempts(ctx, d.ID)

		if err := conn.Send(ctx, transport.Frame{Type: d.Kind, Payload: d.Payload}); err != nil {
			slog.Warn("flush pending delivery", "delivery", d.ID, "machine", machineID, "error", err)
			if d.Attempts+1 >= d.MaxAttempts {
				if err := n.store.MarkDeliveryDelivered(ctx, d.ID); err != nil {
					slog.Warn("give up on pending delivery", "delivery", d.ID, "error", err)
				}
			}
			continue
		}
		if err := n.store.MarkDeliveryDelivered(ctx, d.ID); err != nil {
			slog.Warn("mark delivery delivered", "delivery", d.ID, "error", err)
		}
	}
	return nil
}
