// Package alive runs the hub's single periodic liveness sweep:
// expiring sessions and machines whose heartbeats have gone stale, and
// cancelling permission requests nobody answered in time.
package alive

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentsync/hub/internal/machinecache"
	"github.com/agentsync/hub/internal/permission"
	"github.com/agentsync/hub/internal/sessioncache"
)

// Monitor owns the background sweep goroutine.
type Monitor struct {
	sessions    *sessioncache.Cache
	machines    *machinecache.Cache
	permissions *permission.Broker
	interval    time.Duration
	namespaces  func() []string
}

// New constructs a Monitor. namespaces lists the namespaces to sweep
// each tick — the hub has no global session/machine index, only
// per-namespace ones, so the sweep must enumerate namespaces itself.
func New(sessions *sessioncache.Cache, machines *machinecache.Cache, permissions *permission.Broker, interval time.Duration, namespaces func() []string) *Monitor {
	return &Monitor{
		sessions:    sessions,
		machines:    machines,
		permissions: permissions,
		interval:    interval,
		namespaces:  namespaces,
	}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	m.permissions.CancelExpired(ctx)

	for _, ns := range m.namespaces() {
		if err := m.sessions.ExpireInactive(ctx, ns); err != nil {
			slog.Error("expire inactive sessions", "namespace", ns, "error", err)
		}
		if err := m.machines.ExpireInactive(ctx, ns); err != nil {
			slog.Error("expire inactive machines", "namespace", ns, "error", err)
		}
	}
}
