package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chirp/internal/api"
)

func TestFeedDispatcherBroadcastsToAllSubscribers(t *testing.T) {
	dispatcher := NewFeedDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, cleanupFirst := dispatcher.Subscribe(ctx)
	defer cleanupFirst()
	second, cleanupSecond := dispatcher.Subscribe(ctx)
	defer cleanupSecond()

	dispatcher.Publish(api.FeedEvent{
		Type:      api.EventPostCreated,
		PostID:    "post-1",
		AuthorID:  "user-1",
		Timestamp: time.Now().UTC(),
	})

	for index, stream := range []<-chan api.FeedEvent{first, second} {
		select {
		case received := <-stream:
			if received.Type != api.EventPostCreated || received.PostID != "post-1" {
				t.Fatalf("subscriber %d: unexpected event %+v", index, received)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("subscriber %d: expected event within deadline", index)
		}
	}
}

func TestFeedDispatcherDropsUntypedEvents(t *testing.T) {
	dispatcher := NewFeedDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Publish(api.FeedEvent{PostID: "post-1"})

	select {
	case event := <-stream:
		t.Fatalf("did not expect event, got %+v", event)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFeedDispatcherUnsubscribesOnContextCancel(t *testing.T) {
	dispatcher := NewFeedDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()
	if dispatcher.SubscriberCount() != 1 {
		t.Fatalf("expected one subscriber, got %d", dispatcher.SubscriberCount())
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected subscriber to be removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFeedDispatcherDoesNotBlockOnSlowSubscriber(t *testing.T) {
	dispatcher := NewFeedDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	done := make(chan struct{})
	go func() {
		for i := 0; i < feedSubscriberBuffer*2; i++ {
			dispatcher.Publish(api.FeedEvent{Type: api.EventPostCreated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
}
