package querycache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/chirp/internal/rpc"
	"golang.org/x/sync/errgroup"
)

// Prefetcher executes calls ahead of a page render and collects their results into a
// Snapshot. One Prefetcher serves one render.
type Prefetcher struct {
	invoker rpc.Invoker
	clock   func() time.Time

	mu      sync.Mutex
	order   []rpc.Key
	flights map[rpc.Key]*prefetchFlight
}

type prefetchFlight struct {
	done      chan struct{}
	value     json.RawMessage
	err       error
	resolved  bool
	updatedAt time.Time
}

// NewPrefetcher constructs a Prefetcher for one render. clock may be nil.
func NewPrefetcher(invoker rpc.Invoker, clock func() time.Time) (*Prefetcher, error) {
	if invoker == nil {
		return nil, ErrMissingInvoker
	}
	if clock == nil {
		clock = time.Now
	}
	return &Prefetcher{
		invoker: invoker,
		clock:   clock,
		flights: make(map[rpc.Key]*prefetchFlight),
	}, nil
}

// Prefetch executes call once per render. Repeated or concurrent prefetches of the same key
// share the first flight and its outcome.
func (p *Prefetcher) Prefetch(ctx context.Context, call rpc.Call) (json.RawMessage, error) {
	key := call.Key()

	p.mu.Lock()
	if flight, ok := p.flights[key]; ok {
		p.mu.Unlock()
		select {
		case <-flight.done:
			return flight.value, flight.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	flight := &prefetchFlight{done: make(chan struct{})}
	p.flights[key] = flight
	p.order = append(p.order, key)
	p.mu.Unlock()

	value, err := p.invoker.Invoke(ctx, call)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	p.mu.Lock()
	if err != nil {
		flight.err = err
	} else {
		flight.value = value
		flight.resolved = true
		flight.updatedAt = p.clock()
	}
	close(flight.done)
	p.mu.Unlock()
	return flight.value, flight.err
}

// PrefetchAll runs distinct calls concurrently and fails fast: the first failure cancels the
// remaining prefetches and is returned.
func (p *Prefetcher) PrefetchAll(ctx context.Context, calls ...rpc.Call) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, call := range calls {
		group.Go(func() error {
			_, err := p.Prefetch(groupCtx, call)
			return err
		})
	}
	return group.Wait()
}

// Dehydrate returns the resolved prefetches in request order. Failed, cancelled and
// unfinished prefetches are omitted.
func (p *Prefetcher) Dehydrate() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := Snapshot{Entries: make([]SnapshotEntry, 0, len(p.order))}
	for _, key := range p.order {
		flight := p.flights[key]
		if flight == nil || !flight.resolved {
			continue
		}
		snapshot.Entries = append(snapshot.Entries, SnapshotEntry{
			Procedure: key.Procedure,
			Input:     json.RawMessage(key.Input),
			Value:     flight.value,
			UpdatedAt: flight.updatedAt,
		})
	}
	return snapshot
}

// PrefetchQuery runs a typed call through the prefetcher.
func PrefetchQuery[In, Out any](ctx context.Context, prefetcher *Prefetcher, descriptor rpc.Descriptor[In, Out], input In) (Out, error) {
	var zero Out
	call, err := descriptor.Call(input)
	if err != nil {
		return zero, err
	}
	payload, err := prefetcher.Prefetch(ctx, call)
	if err != nil {
		return zero, err
	}
	return descriptor.DecodeOutput(payload)
}

// IsAbandoned reports whether err comes from a cancelled render.
func IsAbandoned(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
