package machinecache_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentsync/hub/internal/db"
	"github.com/agentsync/hub/internal/machinecache"
	"github.com/agentsync/hub/internal/store"
	"github.com/agentsync/hub/internal/syncevents"
)

func newTestCache(t *testing.T, liveness, coalesce time.Duration) (*machinecache.Cache, *store.Store) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	st := store.New(sqlDB)
	pub := syncevents.NewPublisher()
	return machinecache.New(st, pub, liveness, coalesce), st
}

func TestRegisterOrTouch_Upserts(t *testing.T) {
	c, st := newTestCache(t, time.Minute, time.Hour)
	ctx := context.Background()

	m1, err := c.RegisterOrTouch(ctx, "default", "mach-1", json.RawMessage(`{"host":"a"}`))
	require.NoError(t, err)

	m2, err := c.RegisterOrTouch(ctx, "default", "mach-1", json.RawMessage(`{"host":"a"}`))
	require.NoError(t, err)
	require.Equal(t, m1.ID, m2.ID)

	got, err := st.GetMachine(ctx, "default", "mach-1")
	require.NoError(t, err)
	require.True(t, got.Active)
}

func TestUpdateMetadata_VersionMismatch(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, time.Hour)
	ctx := context.Background()

	m, err := c.RegisterOrTouch(ctx, "default", "mach-1", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)

	status, err := c.UpdateMetadata(ctx, "default", "mach-1", json.RawMessage(`{"v":2}`), m.MetadataVersion+99)
	require.NoError(t, err)
	require.Equal(t, store.UpdateVersionMismatch, status)

	status, err = c.UpdateMetadata(ctx, "default", "mach-1", json.RawMessage(`{"v":2}`), m.MetadataVersion)
	require.NoError(t, err)
	require.Equal(t, store.UpdateSuccess, status)
}

func TestExpireInactive(t *testing.T) {
	c, st := newTestCache(t, 10*time.Millisecond, time.Hour)
	ctx := context.Background()

	_, err := c.RegisterOrTouch(ctx, "default", "mach-1", nil)
	require.NoError(t, err)

	stale := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.SetMachineActive(ctx, "default", "mach-1", true, stale))

	require.NoError(t, c.ExpireInactive(ctx, "default"))

	got, err := st.GetMachine(ctx, "default", "mach-1")
	require.NoError(t, err)
	require.False(t, got.Active)
}
