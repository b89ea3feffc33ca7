// Package cache deduplicates concurrent loads per key and applies optimistic mutations against cached values.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrRemoteMutationFailed indicates that the remote half of a mutation failed and the cached value was rolled back.
var ErrRemoteMutationFailed = errors.New("cache: remote mutation failed")

// RemoteMutationFailedError reports the key and cause of a rolled back mutation. It is retryable.
type RemoteMutationFailedError struct {
	Key string
	Err error
}

func (e *RemoteMutationFailedError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrRemoteMutationFailed, e.Key, e.Err)
}

// Unwrap exposes both the sentinel and the remote cause to errors.Is.
func (e *RemoteMutationFailedError) Unwrap() []error {
	return []error{ErrRemoteMutationFailed, e.Err}
}

// EventKind classifies subscriber notifications.
type EventKind string

const (
	EventUpdated     EventKind = "updated"
	EventInvalidated EventKind = "invalidated"
	EventRolledBack  EventKind = "rolled_back"
)

// Event is delivered to the subscribers of a key.
type Event[V any] struct {
	Key      string
	Kind     EventKind
	Value    V
	HasValue bool
}

// Stats counts cache activity since construction.
type Stats struct {
	Loads          int64
	Hits           int64
	StaleDiscarded int64
	Rollbacks      int64
}

// DefaultIdleTTL is how long a value nobody subscribes to is kept after its last use.
const DefaultIdleTTL = 5 * time.Minute

// Config describes the dependencies of a Cache.
type Config struct {
	IdleTTL time.Duration
	Clock   func() time.Time
	Logger  *zap.Logger
}

type entry[V any] struct {
	value       V
	hasValue    bool
	stale       bool
	generation  uint64
	pending     int
	loading     int
	idleSince   time.Time
	subscribers map[int]func(Event[V])
	mutation    sync.Mutex
}

func (e *entry[V]) idle() bool {
	return len(e.subscribers) == 0 && e.pending == 0 && e.loading == 0
}

// Cache holds the last known good value per key.
type Cache[V any] struct {
	mu             sync.Mutex
	entries        map[string]*entry[V]
	group          singleflight.Group
	nextSubscriber int
	idleTTL        time.Duration
	clock          func() time.Time
	lastSweep      time.Time
	logger         *zap.Logger

	loads          atomic.Int64
	hits           atomic.Int64
	staleDiscarded atomic.Int64
	rollbacks      atomic.Int64
}

// New returns an empty cache.
func New[V any](cfg Config) *Cache[V] {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Cache[V]{entries: make(map[string]*entry[V]), idleTTL: idleTTL, clock: clock, logger: logger}
}

func (c *Cache[V]) entryLocked(key string) *entry[V] {
	e, ok := c.entries[key]
	if !ok {
		e = &entry[V]{subscribers: make(map[int]func(Event[V]))}
		c.entries[key] = e
	}
	e.idleSince = time.Time{}
	return e
}

// releaseLocked runs after a subscriber, load or mutation lets go of e. An idle entry without a value is dropped at
// once; one with a value starts its idle period.
func (c *Cache[V]) releaseLocked(key string, e *entry[V]) {
	if !e.idle() || c.entries[key] != e {
		return
	}
	if !e.hasValue {
		delete(c.entries, key)
		return
	}
	e.idleSince = c.clock()
}

// sweepLocked drops entries idle for longer than the idle TTL, at most a few times per TTL.
func (c *Cache[V]) sweepLocked(now time.Time) int {
	if now.Sub(c.lastSweep) < c.idleTTL/4 {
		return 0
	}
	return c.collectLocked(now)
}

func (c *Cache[V]) collectLocked(now time.Time) int {
	c.lastSweep = now
	collected := 0
	for key, e := range c.entries {
		if !e.idle() || e.idleSince.IsZero() || now.Sub(e.idleSince) < c.idleTTL {
			continue
		}
		delete(c.entries, key)
		collected++
	}
	return collected
}

// Collect drops every entry that has been idle for the idle TTL and returns how many were dropped. Fetch and Mutate
// also collect as they go.
func (c *Cache[V]) Collect() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collectLocked(c.clock())
}

// Fetch returns the cached value for key or loads it. Concurrent callers for the same key share one load. While a
// mutation of the key is pending the optimistic value is returned without loading.
func (c *Cache[V]) Fetch(ctx context.Context, key string, loader func(context.Context) (V, error)) (V, error) {
	c.mu.Lock()
	c.sweepLocked(c.clock())
	e := c.entryLocked(key)
	if e.hasValue && (!e.stale || e.pending > 0) {
		value := e.value
		c.releaseLocked(key, e)
		c.mu.Unlock()
		c.hits.Add(1)
		return value, nil
	}
	generation := e.generation
	e.loading++
	c.mu.Unlock()

	flightKey := fmt.Sprintf("%s#%d", key, generation)
	result, err, _ := c.group.Do(flightKey, func() (any, error) {
		c.loads.Add(1)
		loaded, loadErr := loader(ctx)
		if loadErr != nil {
			return nil, loadErr
		}
		return c.storeLoaded(key, generation, loaded), nil
	})

	c.mu.Lock()
	e.loading--
	c.releaseLocked(key, e)
	c.mu.Unlock()
	if err != nil {
		var zero V
		return zero, err
	}
	return result.(V), nil
}

// storeLoaded keeps a loaded value only if nothing invalidated or mutated the key while it was loading.
func (c *Cache[V]) storeLoaded(key string, generation uint64, loaded V) V {
	c.mu.Lock()
	e := c.entryLocked(key)
	if e.generation != generation || e.pending > 0 {
		current, hasCurrent := e.value, e.hasValue
		c.mu.Unlock()
		c.staleDiscarded.Add(1)
		c.logger.Debug("stale fetch discarded", zap.String("key", key), zap.Uint64("generation", generation))
		if hasCurrent {
			return current
		}
		return loaded
	}
	e.value = loaded
	e.hasValue = true
	e.stale = false
	subscribers := subscriberList(e)
	c.mu.Unlock()
	deliver(subscribers, Event[V]{Key: key, Kind: EventUpdated, Value: loaded, HasValue: true})
	return loaded
}

// Mutate applies update to the cached value at once, then runs remote. On success the authoritative result replaces
// the optimistic value; on failure the pre-mutation value is restored and a *RemoteMutationFailedError returned.
// Mutations of one key are serialized. update must return a new value rather than modify current in place.
func (c *Cache[V]) Mutate(ctx context.Context, key string, update func(current V, ok bool) V, remote func(ctx context.Context, optimistic V) (V, error)) (V, error) {
	c.mu.Lock()
	c.sweepLocked(c.clock())
	e := c.entryLocked(key)
	e.pending++
	c.mu.Unlock()

	e.mutation.Lock()
	defer e.mutation.Unlock()

	c.mu.Lock()
	previous, hadPrevious, wasStale := e.value, e.hasValue, e.stale
	optimistic := update(e.value, e.hasValue)
	e.value = optimistic
	e.hasValue = true
	e.generation++
	optimisticGeneration := e.generation
	subscribers := subscriberList(e)
	c.mu.Unlock()
	deliver(subscribers, Event[V]{Key: key, Kind: EventUpdated, Value: optimistic, HasValue: true})

	authoritative, err := remote(ctx, optimistic)

	c.mu.Lock()
	e.pending--
	invalidatedMeanwhile := e.generation != optimisticGeneration
	e.generation++
	if err != nil {
		e.value, e.hasValue, e.stale = previous, hadPrevious, wasStale
		if invalidatedMeanwhile {
			var zero V
			e.value, e.hasValue, e.stale = zero, false, true
		}
		subscribers = subscriberList(e)
		c.releaseLocked(key, e)
		c.mu.Unlock()
		c.rollbacks.Add(1)
		c.logger.Warn("optimistic mutation rolled back", zap.String("key", key), zap.Error(err))
		deliver(subscribers, Event[V]{Key: key, Kind: EventRolledBack, Value: previous, HasValue: hadPrevious})
		var zero V
		return zero, &RemoteMutationFailedError{Key: key, Err: err}
	}
	e.value = authoritative
	e.hasValue = true
	e.stale = false
	subscribers = subscriberList(e)
	c.releaseLocked(key, e)
	c.mu.Unlock()
	deliver(subscribers, Event[V]{Key: key, Kind: EventUpdated, Value: authoritative, HasValue: true})
	return authoritative, nil
}

// Invalidate drops the cached value of key. A key with a pending mutation keeps its optimistic value and is only
// marked stale, so an invalidation never exposes data older than the optimistic update.
func (c *Cache[V]) Invalidate(key string) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	event := c.invalidateLocked(key, e)
	subscribers := subscriberList(e)
	c.releaseLocked(key, e)
	c.mu.Unlock()
	deliver(subscribers, event)
	return true
}

// InvalidatePrefix invalidates every key starting with prefix and returns how many were touched.
func (c *Cache[V]) InvalidatePrefix(prefix string) int {
	type delivery struct {
		subscribers []func(Event[V])
		event       Event[V]
	}
	c.mu.Lock()
	var deliveries []delivery
	for key, e := range c.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		deliveries = append(deliveries, delivery{subscribers: subscriberList(e), event: c.invalidateLocked(key, e)})
		c.releaseLocked(key, e)
	}
	c.mu.Unlock()
	for _, d := range deliveries {
		deliver(d.subscribers, d.event)
	}
	return len(deliveries)
}

func (c *Cache[V]) invalidateLocked(key string, e *entry[V]) Event[V] {
	e.generation++
	e.stale = true
	if e.pending == 0 {
		var zero V
		e.value = zero
		e.hasValue = false
	}
	return Event[V]{Key: key, Kind: EventInvalidated, Value: e.value, HasValue: e.hasValue}
}

// Subscribe registers fn for events on key. The returned function unsubscribes; an entry left without subscribers,
// loads or mutations is dropped at once when it holds no value and after the idle TTL otherwise.
func (c *Cache[V]) Subscribe(key string, fn func(Event[V])) func() {
	c.mu.Lock()
	e := c.entryLocked(key)
	c.nextSubscriber++
	subscriberID := c.nextSubscriber
	e.subscribers[subscriberID] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(e.subscribers, subscriberID)
			c.releaseLocked(key, e)
		})
	}
}

// Peek returns the cached value without loading.
func (c *Cache[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.hasValue {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Len returns the number of tracked keys.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a copy of the counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Loads:          c.loads.Load(),
		Hits:           c.hits.Load(),
		StaleDiscarded: c.staleDiscarded.Load(),
		Rollbacks:      c.rollbacks.Load(),
	}
}

func subscriberList[V any](e *entry[V]) []func(Event[V]) {
	ids := make([]int, 0, len(e.subscribers))
	for id := range e.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	list := make([]func(Event[V]), 0, len(ids))
	for _, id := range ids {
		list = append(list, e.subscribers[id])
	}
	return list
}

func deliver[V any](subscribers []func(Event[V]), event Event[V]) {
	for _, subscriber := range subscribers {
		subscriber(event)
	}
}
