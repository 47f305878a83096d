package sessioncache_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentsync/hub/internal/db"
	"github.com/agentsync/hub/internal/messagelog"
	"github.com/agentsync/hub/internal/sessioncache"
	"github.com/agentsync/hub/internal/store"
	"github.com/agentsync/hub/internal/syncevents"
)

func newTestCache(t *testing.T, liveness, coalesce time.Duration) (*sessioncache.Cache, *store.Store, *syncevents.Publisher) {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	st := store.New(sqlDB)
	pub := syncevents.NewPublisher()
	messages := messagelog.New(st, pub)
	return sessioncache.New(st, pub, messages, liveness, coalesce), st, pub
}

func TestGetOrCreateSession_PublishesAdded(t *testing.T) {
	c, _, pub := newTestCache(t, time.Minute, time.Second)
	sink := make(chan syncevents.Event, 4)
	defer pub.Subscribe(sink)()

	sess, created, err := c.GetOrCreateSession(context.Background(), "default", nil, nil, nil)
	require.NoError(t, err)
	require.True(t, created)

	select {
	case evt := <-sink:
		require.Equal(t, syncevents.KindSessionAdded, evt.Kind)
		require.Equal(t, sess.ID, evt.Session.ID)
	case <-time.After(time.Second):
		t.Fatal("expected session-added event")
	}
}

func TestGetOrCreateSession_TagReconnectDoesNotRecreate(t *testing.T) {
	c, _, _ := newTestCache(t, time.Minute, time.Second)
	tag := "laptop-1"
	ctx := context.Background()

	first, created, err := c.GetOrCreateSession(ctx, "default", &tag, nil, nil)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := c.GetOrCreateSession(ctx, "default", &tag, nil, nil)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
}

func TestHandleSessionAlive_CoalescesBroadcasts(t *testing.T) {
	c, st, pub := newTestCache(t, time.Minute, time.Hour)
	ctx := context.Background()

	sess, _, err := c.GetOrCreateSession(ctx, "default", nil, nil, nil)
	require.NoError(t, err)

	sink := make(chan syncevents.Event, 8)
	defer pub.Subscribe(sink)()

	require.NoError(t, c.HandleSessionAlive(ctx, "default", sess.ID, time.Now().UTC(), false))
	select {
	case evt := <-sink:
		require.Equal(t, syncevents.KindSessionUpdated, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("first heartbeat must broadcast")
	}

	require.NoError(t, c.HandleSessionAlive(ctx, "default", sess.ID, time.Now().UTC(), false))
	select {
	case <-sink:
		t.Fatal("a heartbeat within the coalesce window must not broadcast again")
	case <-time.After(50 * time.Millisecond):
	}

	got, err := st.GetSession(ctx, "default", sess.ID)
	require.NoError(t, err)
	require.True(t, got.Active, "the store must still record activity even when the broadcast is coalesced")
}

func TestHandleSessionEnd_AlwaysBroadcasts(t *testing.T) {
	c, _, pub := newTestCache(t, time.Minute, time.Hour)
	ctx := context.Background()

	sess, _, err := c.GetOrCreateSession(ctx, "default", nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.HandleSessionAlive(ctx, "default", sess.ID, time.Now().UTC(), false))

	sink := make(chan syncevents.Event, 8)
	defer pub.Subscribe(sink)()

	require.NoError(t, c.HandleSessionEnd(ctx, "default", sess.ID))
	select {
	case evt := <-sink:
		require.Equal(t, syncevents.KindSessionUpdated, evt.Kind)
		require.False(t, *evt.SessionUpdated.Delta.Active)
	case <-time.After(time.Second):
		t.Fatal("session end must broadcast even right after a coalesced heartbeat")
	}
}

func TestExpireInactive(t *testing.T) {
	c, st, _ := newTestCache(t, 10*time.Millisecond, time.Hour)
	ctx := context.Background()

	sess, _, err := c.GetOrCreateSession(ctx, "default", nil, nil, nil)
	require.NoError(t, err)
	stale := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.SetSessionActive(ctx, "default", sess.ID, true, stale, true))

	require.NoError(t, c.ExpireInactive(ctx, "default"))

	got, err := st.GetSession(ctx, "default", sess.ID)
	require.NoError(t, err)
	require.False(t, got.Active)
}

func TestMergeSessions_MetadataPrefersDestination(t *testing.T) {
	c, st, _ := newTestCache(t, time.Minute, time.Hour)
	ctx := context.Background()

	dst, _, err := c.GetOrCreateSession(ctx, "default", nil, json.RawMessage(`{"shared":"dst","only_dst":1}`), nil)
	require.NoError(t, err)
	src, _, err := c.GetOrCreateSession(ctx, "default", nil, json.RawMessage(`{"shared":"src","only_src":2}`), nil)
	require.NoError(t, err)

	_, err = st.AddMessage(ctx, "default", src.ID, json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	require.NoError(t, c.MergeSessions(ctx, "default", dst.ID, src.ID))

	merged, err := st.GetSession(ctx, "default", dst.ID)
	require.NoError(t, err)
	require.JSONEq(t, `{"shared":"dst","only_dst":1,"only_src":2}`, string(merged.Metadata))

	_, err = st.GetSession(ctx, "default", src.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	msgs, err := st.GetMessages(ctx, "default", dst.ID, 10, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestRefreshSession_BackfillsTodosFromRecentMessages(t *testing.T) {
	c, st, _ := newTestCache(t, time.Minute, time.Hour)
	ctx := context.Background()

	sess, _, err := c.GetOrCreateSession(ctx, "default", nil, nil, nil)
	require.NoError(t, err)
	require.Nil(t, sess.Todos)

	_, err = st.AddMessage(ctx, "default", sess.ID, json.RawMessage(`{"text":"working"}`), nil)
	require.NoError(t, err)
	_, err = st.AddMessage(ctx, "default", sess.ID, json.RawMessage(`{"name":"TodoWrite","input":{"todos":[{"id":"1","status":"pending"}]}}`), nil)
	require.NoError(t, err)

	require.NoError(t, c.RefreshSession(ctx, "default", sess.ID))

	require.Eventually(t, func() bool {
		got, err := st.GetSession(ctx, "default", sess.ID)
		return err == nil && len(got.Todos) > 0
	}, time.Second, 10*time.Millisecond, "todo backfill must apply the scanned TodoWrite call")

	got, err := st.GetSession(ctx, "default", sess.ID)
	require.NoError(t, err)
	require.JSONEq(t, `[{"id":"1","status":"pending"}]`, string(got.Todos))
}

func TestRefreshSession_BackfillOnlyAttemptedOnce(t *testing.T) {
	c, st, _ := newTestCache(t, time.Minute, time.Hour)
	ctx := context.Background()

	sess, _, err := c.GetOrCreateSession(ctx, "default", nil, nil, nil)
	require.NoError(t, err)

	// No TodoWrite message exists yet, so the first refresh's scan finds
	// nothing; the attempted flag must still be set so a later message
	// doesn't retrigger a scan this cache instance already gave up on.
	require.NoError(t, c.RefreshSession(ctx, "default", sess.ID))
	time.Sleep(50 * time.Millisecond)

	_, err = st.AddMessage(ctx, "default", sess.ID, json.RawMessage(`{"name":"TodoWrite","input":{"todos":[{"id":"1","status":"pending"}]}}`), nil)
	require.NoError(t, err)
	require.NoError(t, c.RefreshSession(ctx, "default", sess.ID))
	time.Sleep(50 * time.Millisecond)

	got, err := st.GetSession(ctx, "default", sess.ID)
	require.NoError(t, err)
	require.Nil(t, got.Todos, "a session already marked attempted must not be rescanned")
}
