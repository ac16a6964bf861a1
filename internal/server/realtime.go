package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/chirp/internal/api"
)

const (
	feedEventHeartbeat   = "heartbeat"
	feedSubscriberBuffer = 16
)

// FeedDispatcher fans feed events out to every connected subscriber. Slow subscribers miss
// events rather than block publishers.
type FeedDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
}

type feedSubscriber struct {
	id     int64
	stream chan api.FeedEvent
}

func NewFeedDispatcher() *FeedDispatcher {
	return &FeedDispatcher{
		subscribers: make(map[int64]*feedSubscriber),
		bufferSize:  feedSubscriberBuffer,
	}
}

func (d *FeedDispatcher) Subscribe(ctx context.Context) (<-chan api.FeedEvent, func()) {
	subscriber := &feedSubscriber{
		id:     d.nextSequence(),
		stream: make(chan api.FeedEvent, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	cleanup := func() {
		d.unregisterSubscriber(subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *FeedDispatcher) Publish(event api.FeedEvent) {
	if event.Type == "" {
		return
	}
	d.mu.RLock()
	if len(d.subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*feedSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of connected subscribers.
func (d *FeedDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *FeedDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *FeedDispatcher) registerSubscriber(subscriber *feedSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[subscriber.id] = subscriber
}

func (d *FeedDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
