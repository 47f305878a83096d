package fanout_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentsync/hub/internal/fanout"
	"github.com/agentsync/hub/internal/syncevents"
)

func recvWithin(t *testing.T, ch <-chan syncevents.Event, d time.Duration) (syncevents.Event, bool) {
	t.Helper()
	select {
	case evt := <-ch:
		return evt, true
	case <-time.After(d):
		return syncevents.Event{}, false
	}
}

func TestFanout_ScopeMatchesSession(t *testing.T) {
	pub := syncevents.NewPublisher()
	f := fanout.New(pub, time.Hour)
	defer f.Close()

	sessSub := f.Subscribe(fanout.Scope{SessionID: "s1"}, true, nil)
	defer f.Unsubscribe(sessSub.ID)
	otherSub := f.Subscribe(fanout.Scope{SessionID: "s2"}, true, nil)
	defer f.Unsubscribe(otherSub.ID)

	pub.Publish(syncevents.Event{Kind: syncevents.KindMessageReceived, SessionID: "s1"})

	_, ok := recvWithin(t, sessSub.Events, time.Second)
	require.True(t, ok, "subscriber scoped to s1 must receive the event")

	_, ok = recvWithin(t, otherSub.Events, 50*time.Millisecond)
	require.False(t, ok, "subscriber scoped to s2 must not receive an s1 event")
}

func TestFanout_ScopeAllReceivesEverything(t *testing.T) {
	pub := syncevents.NewPublisher()
	f := fanout.New(pub, time.Hour)
	defer f.Close()

	sub := f.Subscribe(fanout.Scope{All: true}, true, nil)
	defer f.Unsubscribe(sub.ID)

	pub.Publish(syncevents.Event{Kind: syncevents.KindMachineUpdated, MachineID: "m1"})

	_, ok := recvWithin(t, sub.Events, time.Second)
	require.True(t, ok)
}

func TestFanout_VisibilityFilter(t *testing.T) {
	pub := syncevents.NewPublisher()
	f := fanout.New(pub, time.Hour)
	defer f.Close()

	sub := f.Subscribe(fanout.Scope{SessionID: "s1"}, true, func(evt syncevents.Event) bool {
		return evt.Kind != syncevents.KindMessageReceived
	})
	defer f.Unsubscribe(sub.ID)

	pub.Publish(syncevents.Event{Kind: syncevents.KindMessageReceived, SessionID: "s1"})
	_, ok := recvWithin(t, sub.Events, 50*time.Millisecond)
	require.False(t, ok, "the filter must suppress matching events")

	pub.Publish(syncevents.Event{Kind: syncevents.KindToast, SessionID: "s1"})
	_, ok = recvWithin(t, sub.Events, time.Second)
	require.True(t, ok, "the filter must still admit events it doesn't name")
}

func TestFanout_ToastGatedByVisibility(t *testing.T) {
	pub := syncevents.NewPublisher()
	f := fanout.New(pub, time.Hour)
	defer f.Close()

	sub := f.Subscribe(fanout.Scope{SessionID: "s1"}, false, nil)
	defer f.Unsubscribe(sub.ID)

	pub.Publish(syncevents.Event{Kind: syncevents.KindToast, SessionID: "s1"})
	_, ok := recvWithin(t, sub.Events, 50*time.Millisecond)
	require.False(t, ok, "a hidden subscription must not receive toast events")

	pub.Publish(syncevents.Event{Kind: syncevents.KindMessageReceived, SessionID: "s1"})
	_, ok = recvWithin(t, sub.Events, time.Second)
	require.True(t, ok, "non-toast events must still reach a hidden subscription")

	require.True(t, f.SetVisibility(sub.ID, true))
	pub.Publish(syncevents.Event{Kind: syncevents.KindToast, SessionID: "s1"})
	_, ok = recvWithin(t, sub.Events, time.Second)
	require.True(t, ok, "toggling visibility to true must let toast events through")

	require.False(t, f.SetVisibility(9999, true), "SetVisibility on an unknown id must report false")
}

func TestFanout_OverflowClosesSubscription(t *testing.T) {
	pub := syncevents.NewPublisher()
	f := fanout.New(pub, time.Hour)
	defer f.Close()

	sub := f.Subscribe(fanout.Scope{All: true}, true, nil)

	// Flood well past the outbound queue size without ever draining
	// sub.Events, forcing an overflow close.
	for i := 0; i < 200; i++ {
		pub.Publish(syncevents.Event{Kind: syncevents.KindMessageReceived, SessionID: "flood"})
	}

	select {
	case <-sub.Closed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was never force-closed on overflow")
	}
}

func TestFanout_HeartbeatReachesScopedSubscribers(t *testing.T) {
	pub := syncevents.NewPublisher()
	f := fanout.New(pub, 20*time.Millisecond)
	defer f.Close()

	sub := f.Subscribe(fanout.Scope{SessionID: "s1"}, true, nil)
	defer f.Unsubscribe(sub.ID)

	evt, ok := recvWithin(t, sub.Events, time.Second)
	require.True(t, ok, "a session-scoped subscriber must still receive heartbeats")
	require.Equal(t, "heartbeat", string(evt.Kind))
}

func TestFanout_UnsubscribeStopsDelivery(t *testing.T) {
	pub := syncevents.NewPublisher()
	f := fanout.New(pub, time.Hour)
	defer f.Close()

	sub := f.Subscribe(fanout.Scope{All: true}, true, nil)
	f.Unsubscribe(sub.ID)

	select {
	case <-sub.Closed:
	case <-time.After(time.Second):
		t.Fatal("Closed channel must be closed after Unsubscribe")
	}

	pub.Publish(syncevents.Event{Kind: syncevents.KindMessageReceived})
	_, ok := recvWithin(t, sub.Events, 50*time.Millisecond)
	require.False(t, ok, "an unsubscribed subscription must not receive further events")
}
