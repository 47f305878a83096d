package syncevents_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentsync/hub/internal/syncevents"
)

func TestPublisher_FanOutToMultipleSubscribers(t *testing.T) {
	pub := syncevents.NewPublisher()

	a := make(chan syncevents.Event, 1)
	b := make(chan syncevents.Event, 1)
	defer pub.Subscribe(a)()
	defer pub.Subscribe(b)()

	pub.Publish(syncevents.Event{Kind: syncevents.KindToast})

	for _, ch := range []chan syncevents.Event{a, b} {
		select {
		case evt := <-ch:
			require.Equal(t, syncevents.KindToast, evt.Kind)
		case <-time.After(time.Second):
			t.Fatal("every subscriber must receive the published event")
		}
	}
}

func TestPublisher_DropsWhenSinkFull(t *testing.T) {
	pub := syncevents.NewPublisher()

	full := make(chan syncevents.Event) // unbuffered, nothing reading
	unsub := pub.Subscribe(full)
	defer unsub()

	// Publish must not block even though no one drains full.
	done := make(chan struct{})
	go func() {
		pub.Publish(syncevents.Event{Kind: syncevents.KindToast})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish must not block on a full/unread subscriber channel")
	}
}

func TestPublisher_UnsubscribeStopsDelivery(t *testing.T) {
	pub := syncevents.NewPublisher()

	ch := make(chan syncevents.Event, 1)
	unsub := pub.Subscribe(ch)
	unsub()

	pub.Publish(syncevents.Event{Kind: syncevents.KindToast})

	select {
	case <-ch:
		t.Fatal("an unsubscribed channel must not receive further events")
	case <-time.After(50 * time.Millisecond):
	}
}
