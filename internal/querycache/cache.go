// Package querycache holds procedure results keyed by call: a per-session Cache that is
// hydrated from pre-render snapshots and refreshed after writes, and a per-render Prefetcher
// that produces those snapshots.
package querycache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/chirp/internal/rpc"
	"go.uber.org/zap"
)

// State is the lifecycle position of a cache entry.
type State int

const (
	StateAbsent State = iota
	StatePending
	StateResolved
	StateStale
	StateErrored
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateStale:
		return "stale"
	case StateErrored:
		return "errored"
	default:
		return "absent"
	}
}

var (
	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("querycache: cache closed")
	// ErrMissingInvoker indicates the cache was constructed without an invoker.
	ErrMissingInvoker = errors.New("querycache: invoker required")
)

// Filter selects cache keys for invalidation.
type Filter func(rpc.Key) bool

// MatchProcedure selects every entry of procedure regardless of input.
func MatchProcedure(procedure rpc.Procedure) Filter {
	return func(key rpc.Key) bool {
		return key.Procedure == procedure
	}
}

// MatchCall selects the single entry of call.
func MatchCall(call rpc.Call) Filter {
	target := call.Key()
	return func(key rpc.Key) bool {
		return key == target
	}
}

type Config struct {
	Invoker rpc.Invoker
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Cache is the client-side store of one session. Reads of resolved keys never reach the
// invoker; invalidated keys are refetched in the background on the cache's own lifetime.
type Cache struct {
	invoker rpc.Invoker
	clock   func() time.Time
	logger  *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	flights sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	active  int
	idle    chan struct{}
	entries map[rpc.Key]*entry
}

type entry struct {
	key       rpc.Key
	state     State
	value     json.RawMessage
	err       error
	updatedAt time.Time
	inflight  bool
	queued    bool
	// settled is closed once the entry leaves pending/stale.
	settled chan struct{}
}

// New constructs an empty cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Invoker == nil {
		return nil, ErrMissingInvoker
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		invoker: cfg.Invoker,
		clock:   clock,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[rpc.Key]*entry),
	}, nil
}

// Fetch returns the result of call. A resolved entry is returned without a call; an absent
// entry is fetched; a pending or stale entry waits for its in-flight fetch; an errored entry
// returns the stored error until Refetch.
func (c *Cache) Fetch(ctx context.Context, call rpc.Call) (json.RawMessage, error) {
	key := call.Key()
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		current := c.entries[key]
		if current == nil {
			current = &entry{key: key}
			c.entries[key] = current
			c.startFlightLocked(current)
		}
		switch current.state {
		case StateResolved:
			value := current.value
			c.mu.Unlock()
			return value, nil
		case StateErrored:
			err := current.err
			c.mu.Unlock()
			return nil, err
		}
		settled := current.settled
		c.mu.Unlock()

		select {
		case <-settled:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Peek returns the cached value of call without issuing a fetch.
func (c *Cache) Peek(call rpc.Call) (json.RawMessage, State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.entries[call.Key()]
	if current == nil {
		return nil, StateAbsent
	}
	return current.value, current.state
}

// State reports the lifecycle position of key.
func (c *Cache) State(key rpc.Key) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.entries[key]
	if current == nil {
		return StateAbsent
	}
	return current.state
}

// Refetch re-issues call even when it is resolved or errored, then waits for the result.
func (c *Cache) Refetch(ctx context.Context, call rpc.Call) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if current := c.entries[call.Key()]; current != nil && !current.inflight {
		current.state = StateStale
		c.startFlightLocked(current)
	}
	c.mu.Unlock()
	return c.Fetch(ctx, call)
}

// Invalidate marks every matching entry stale and schedules one refetch per key. An entry
// whose fetch is in flight gets a single follow-up fetch queued behind it; further
// invalidations before that follow-up starts coalesce into it. Errored entries are left for
// Refetch. It returns the number of entries invalidated.
func (c *Cache) Invalidate(filter Filter) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || filter == nil {
		return 0
	}

	invalidated := 0
	for key, current := range c.entries {
		if !filter(key) || current.state == StateErrored {
			continue
		}
		invalidated++
		current.state = StateStale
		if current.inflight {
			current.queued = true
			continue
		}
		c.startFlightLocked(current)
	}
	return invalidated
}

// Hydrate loads a snapshot into the cache, marking every included key resolved. An entry that
// is in flight or was updated after the snapshot entry is kept.
func (c *Cache) Hydrate(snapshot Snapshot) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}

	hydrated := 0
	for _, item := range snapshot.Entries {
		key := item.Key()
		current := c.entries[key]
		if current != nil {
			if current.inflight || current.updatedAt.After(item.UpdatedAt) {
				continue
			}
		} else {
			current = &entry{key: key, settled: make(chan struct{})}
			close(current.settled)
			c.entries[key] = current
		}
		current.state = StateResolved
		current.value = append(json.RawMessage(nil), item.Value...)
		current.err = nil
		current.updatedAt = item.UpdatedAt
		hydrated++
	}
	return hydrated
}

// Settle waits until no fetch is running, including refetches queued by Invalidate.
func (c *Cache) Settle(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.active == 0 {
			c.mu.Unlock()
			return nil
		}
		idle := c.idle
		c.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close cancels outstanding fetches and waits for them to stop.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.flights.Wait()
}

func (c *Cache) startFlightLocked(current *entry) {
	current.inflight = true
	current.queued = false
	if current.settled == nil || isClosed(current.settled) {
		current.settled = make(chan struct{})
	}
	if c.active == 0 {
		c.idle = make(chan struct{})
	}
	c.active++
	c.flights.Add(1)
	go c.runFlight(current)
}

func (c *Cache) runFlight(current *entry) {
	defer c.flights.Done()
	for {
		c.mu.Lock()
		current.state = StatePending
		call := current.key.Call()
		c.mu.Unlock()

		value, err := c.invoker.Invoke(c.ctx, call)

		c.mu.Lock()
		if current.queued && c.ctx.Err() == nil {
			// Invalidated mid-flight: the result may predate the write, fetch again.
			current.queued = false
			c.mu.Unlock()
			continue
		}
		current.inflight = false
		current.queued = false
		if err != nil {
			current.state = StateErrored
			current.err = err
			c.logger.Warn("query fetch failed",
				zap.String("procedure", string(call.Procedure)),
				zap.Error(err))
		} else {
			current.state = StateResolved
			current.value = value
			current.err = nil
			current.updatedAt = c.clock()
		}
		close(current.settled)
		c.active--
		if c.active == 0 {
			close(c.idle)
		}
		c.mu.Unlock()
		return
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Query runs a typed call through the cache.
func Query[In, Out any](ctx context.Context, cache *Cache, descriptor rpc.Descriptor[In, Out], input In) (Out, error) {
	var zero Out
	call, err := descriptor.Call(input)
	if err != nil {
		return zero, err
	}
	payload, err := cache.Fetch(ctx, call)
	if err != nil {
		return zero, err
	}
	return descriptor.DecodeOutput(payload)
}
