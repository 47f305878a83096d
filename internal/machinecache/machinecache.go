// Package machinecache mirrors sessioncache for machines: the
// in-memory liveness and update-broadcast layer over the machine
// store rows.
package machinecache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentsync/hub/internal/store"
	"github.com/agentsync/hub/internal/syncevents"
	"github.com/agentsync/hub/internal/timeutil"
)

type entry struct {
	mu            sync.Mutex
	lastBroadcast time.Time
}

// Cache is the in-memory coordination layer over the machine store.
type Cache struct {
	store *store.Store
	pub   *syncevents.Publisher

	livenessWindow    time.Duration
	heartbeatCoalesce time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
}

// New constructs a Cache.
func New(st *store.Store, pub *syncevents.Publisher, livenessWindow, heartbeatCoalesce time.Duration) *Cache {
	return &Cache{
		store:             st,
		pub:               pub,
		livenessWindow:    livenessWindow,
		heartbeatCoalesce: heartbeatCoalesce,
		entries:           make(map[string]*entry),
	}
}

func (c *Cache) entryFor(machineID string) *entry {
	c.mu.RLock()
	e, ok := c.entries[machineID]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[machineID]; ok {
		return e
	}
	e = &entry{}
	c.entries[machineID] = e
	return e
}

func toSnapshot(m *store.Machine) *syncevents.MachineSnapshot {
	return &syncevents.MachineSnapshot{
		ID:                 m.ID,
		Namespace:          m.Namespace,
		CreatedAt:          timeutil.Format(m.CreatedAt),
		UpdatedAt:          timeutil.Format(m.UpdatedAt),
		Active:             m.Active,
		Metadata:           m.Metadata,
		MetadataVersion:    m.MetadataVersion,
		RunnerState:        m.RunnerState,
		RunnerStateVersion: m.RunnerStateVersion,
	}
}

// RegisterOrTouch upserts a machine row for the given id, marking it
// active, and publishes machine-updated.
func (c *Cache) RegisterOrTouch(ctx context.Context, namespace, machineID string, metadata json.RawMessage) (*store.Machine, error) {
	m, err := c.store.UpsertMachine(ctx, namespace, machineID, metadata)
	if err != nil {
		return nil, fmt.Errorf("upsert machine: %w", err)
	}
	c.pub.Publish(syncevents.Event{
		Kind:      syncevents.KindMachineUpdated,
		Namespace: namespace,
		MachineID: m.ID,
		Machine:   toSnapshot(m),
	})
	return m, nil
}

// HandleMachineAlive records a heartbeat, coalescing broadcasts the
// same way sessioncache does for sessions.
func (c *Cache) HandleMachineAlive(ctx context.Context, namespace, machineID string, reportedAt time.Time) error {
	e := c.entryFor(machineID)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	at := timeutil.ClampSkew(reportedAt, now, 5*time.Minute)

	if err := c.store.SetMachineActive(ctx, namespace, machineID, true, at); err != nil {
		return fmt.Errorf("set machine active: %w", err)
	}

	if !e.lastBroadcast.IsZero() && now.Sub(e.lastBroadcast) < c.heartbeatCoalesce {
		return nil
	}
	e.lastBroadcast = now

	m, err := c.store.GetMachine(ctx, namespace, machineID)
	if err != nil {
		return fmt.Errorf("get machine: %w", err)
	}
	c.pub.Publish(syncevents.Event{
		Kind:      syncevents.KindMachineUpdated,
		Namespace: namespace,
		MachineID: machineID,
		Machine:   toSnapshot(m),
	})
	return nil
}

// ExpireInactive demotes machines whose activeAt has fallen outside
// the liveness window.
func (c *Cache) ExpireInactive(ctx context.Context, namespace string) error {
	machines, err := c.store.ListMachines(ctx, namespace)
	if err != nil {
		return fmt.Errorf("list machines: %w", err)
	}

	now := time.Now().UTC()
	for _, m := range machines {
		if !m.Active || m.ActiveAt == nil {
			continue
		}
		if now.Sub(*m.ActiveAt) < c.livenessWindow {
			continue
		}
		if err := c.store.SetMachineActive(ctx, namespace, m.ID, false, now); err != nil {
			return fmt.Errorf("expire machine %s: %w", m.ID, err)
		}
		fresh, err := c.store.GetMachine(ctx, namespace, m.ID)
		if err != nil {
			return fmt.Errorf("get machine %s: %w", m.ID, err)
		}
		c.pub.Publish(syncevents.Event{
			Kind:      syncevents.KindMachineUpdated,
			Namespace: namespace,
			MachineID: m.ID,
			Machine:   toSnapshot(fresh),
		})
	}
	return nil
}

// UpdateMetadata applies a version-checked metadata replace and
// republishes the full machine.
func (c *Cache) UpdateMetadata(ctx context.Context, namespace, machineID string, metadata json.RawMessage, expectedVersion int64) (store.UpdateStatus, error) {
	status, m, err := c.store.UpdateMachineMetadata(ctx, namespace, machineID, metadata, expectedVersion)
	if err != nil {
		return status, fmt.Errorf("update machine metadata: %w", err)
	}
	if status == store.UpdateSuccess {
		c.pub.Publish(syncevents.Event{Kind: syncevents.KindMachineUpdated, Namespace: namespace, MachineID: machineID, Machine: toSnapshot(m)})
	}
	return status, nil
}

// UpdateRunnerState applies a version-checked runner-state replace and
// republishes the full machine.
func (c *Cache) UpdateRunnerState(ctx context.Context, namespace, machineID string, state json.RawMessage, expectedVersion int64) (store.UpdateStatus, error) {
	status, m, err := c.store.UpdateMachineRunnerState(ctx, namespace, machineID, state, expectedVersion)
	if err != nil {
		return status, fmt.Errorf("update machine runner state: %w", err)
	}
	if status == store.UpdateSuccess {
		c.pub.Publish(syncevents.Event{Kind: syncevents.KindMachineUpdated, Namespace: namespace, MachineID: machineID, Machine: toSnapshot(m)})
	}
	return status, nil
}
