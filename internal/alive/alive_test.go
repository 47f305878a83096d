package alive_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentsync/hub/internal/alive"
	"github.com/agentsync/hub/internal/db"
	"github.com/agentsync/hub/internal/machinecache"
	"github.com/agentsync/hub/internal/messagelog"
	"github.com/agentsync/hub/internal/permission"
	"github.com/agentsync/hub/internal/sessioncache"
	"github.com/agentsync/hub/internal/store"
	"github.com/agentsync/hub/internal/syncevents"
)

func TestMonitor_SweepsExpiredSessionsAndPermissions(t *testing.T) {
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	st := store.New(sqlDB)
	pub := syncevents.NewPublisher()
	ctx := context.Background()

	messages := messagelog.New(st, pub)
	sessions := sessioncache.New(st, pub, messages, 10*time.Millisecond, time.Hour)
	machines := machinecache.New(st, pub, 10*time.Millisecond, time.Hour)
	permissions := permission.New(pub, 10*time.Millisecond, sessions)

	sess, _, err := sessions.GetOrCreateSession(ctx, "default", nil, nil, nil)
	require.NoError(t, err)
	stale := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.SetSessionActive(ctx, "default", sess.ID, true, stale, true))

	req := permissions.Open(ctx, "default", sess.ID, nil, nil)

	monitor := alive.New(sessions, machines, permissions, 5*time.Millisecond, func() []string {
		ns, err := st.ListNamespaces(ctx)
		require.NoError(t, err)
		return ns
	})

	runCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	monitor.Run(runCtx)

	got, err := st.GetSession(ctx, "default", sess.ID)
	require.NoError(t, err)
	require.False(t, got.Active, "stale session must be expired by the sweep")

	select {
	case <-req.Done():
	default:
		t.Fatal("expired permission request must be resolved by the sweep")
	}
}
