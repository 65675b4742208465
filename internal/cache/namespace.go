package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/maypok86/otter/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Status is the freshness of a cache entry.
type Status int

const (
	StatusFresh Status = iota + 1
	StatusStale
	StatusFetching
)

func (s Status) String() string {
	switch s {
	case StatusFresh:
		return "fresh"
	case StatusStale:
		return "stale"
	case StatusFetching:
		return "fetching"
	default:
		return "unknown"
	}
}

// Fetcher loads the value for a key from the server.
type Fetcher[T any] func(ctx context.Context) (T, error)

type entry struct {
	key       Key
	value     any
	hasValue  bool
	status    Status
	fetchedAt time.Time

	// generation changes every time the entry is invalidated. A fetch only
	// publishes a fresh value if the generation it started under is still
	// current.
	generation uint64
}

// Namespace is the read-through cache of server-derived data. Entries are
// created by Read, staled by Invalidate or by age, and removed only by Reset
// (or by size-bound eviction).
type Namespace struct {
	mu         sync.Mutex
	entries    *otter.Cache[string, *entry]
	flight     singleflight.Group
	ttl        time.Duration
	clock      clockwork.Clock
	generation uint64
}

// New creates a namespace whose entries stay fresh for ttl, holding at most
// maxSize entries.
func New(ttl time.Duration, maxSize int, clk clockwork.Clock) (*Namespace, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}

	entries, err := otter.New(&otter.Options[string, *entry]{
		MaximumSize: maxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("creating cache table: %w", err)
	}

	initMetrics()

	return &Namespace{
		entries: entries,
		ttl:     ttl,
		clock:   clk,
	}, nil
}

// Read returns the value cached under key, calling fetch when the entry is
// absent or stale. Concurrent reads of the same key share one fetch. A failed
// fetch is returned to every waiter and never cached.
func Read[T any](ctx context.Context, ns *Namespace, key Key, fetch Fetcher[T]) (T, error) {
	var zero T

	v, err := ns.read(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	})
	if err != nil {
		return zero, err
	}

	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache entry %s holds %T, not %T", key, v, zero)
	}

	return typed, nil
}

func (ns *Namespace) read(ctx context.Context, key Key, fetch func(context.Context) (any, error)) (any, error) {
	id := key.String()

	ns.mu.Lock()
	e, ok := ns.lookup(id)
	if ok && ns.isFresh(e) {
		v := e.value
		ns.mu.Unlock()

		ns.recordOperation(ctx, "read", "hit")
		return v, nil
	}

	if !ok {
		e = &entry{key: key, status: StatusStale, generation: ns.nextGeneration()}
		ns.entries.Set(id, e)
	}
	e.status = StatusFetching
	generation := e.generation
	flightKey := id + "#" + strconv.FormatUint(generation, 10)

	// The shared fetch outlives any single waiter: a caller that gives up
	// does not cancel the fetch for the others. Joining happens under mu so
	// that a fetch cannot complete between the status check and the join.
	fetchCtx := context.WithoutCancel(ctx)
	ch := ns.flight.DoChan(flightKey, func() (any, error) {
		start := ns.clock.Now()
		v, err := fetch(fetchCtx)
		ns.recordFetch(fetchCtx, ns.clock.Now().Sub(start), err)
		ns.complete(id, generation, v, err)
		return v, err
	})
	ns.mu.Unlock()

	ns.recordOperation(ctx, "read", "miss")

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete records the outcome of a fetch started under generation.
func (ns *Namespace) complete(id string, generation uint64, v any, err error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	e, ok := ns.lookup(id)
	if !ok {
		// removed by Reset or evicted while fetching: the result belongs to a
		// previous session and is dropped
		return
	}

	if e.generation != generation {
		// invalidated while fetching; the entry stays stale so the next read
		// fetches again
		return
	}

	if err != nil {
		// a reader arriving before the flight is forgotten must not join it
		e.status = StatusStale
		e.generation = ns.nextGeneration()
		log.Debug().Err(err).Str("key", id).Msg("cache fetch failed, entry left stale")
		return
	}

	e.value = v
	e.hasValue = true
	e.status = StatusFresh
	e.fetchedAt = ns.clock.Now()
}

// Invalidate marks every entry at or below prefix as stale and returns how
// many entries were affected. Fetches in progress for those entries will not
// publish their result as fresh.
func (ns *Namespace) Invalidate(ctx context.Context, prefix Key) int {
	ns.mu.Lock()
	n := 0
	for _, e := range ns.entries.All() {
		if !e.key.HasPrefix(prefix) {
			continue
		}
		e.status = StatusStale
		e.generation = ns.nextGeneration()
		n++
	}
	ns.mu.Unlock()

	log.Debug().Str("prefix", prefix.String()).Int("entries", n).Msg("cache invalidated")
	ns.recordOperation(ctx, "invalidate", "success")

	return n
}

// Reset removes every entry. Fetches in progress complete for their waiters
// but are not stored.
func (ns *Namespace) Reset(ctx context.Context) {
	ns.mu.Lock()
	ns.entries.InvalidateAll()
	ns.mu.Unlock()

	log.Debug().Msg("cache reset")
	ns.recordOperation(ctx, "reset", "success")
}

// Snapshot describes an entry without touching its state.
type Snapshot struct {
	Status    Status
	HasValue  bool
	FetchedAt time.Time
}

// Peek reports the state of the entry under key, if one exists. Entries past
// their time-to-live report as stale.
func (ns *Namespace) Peek(key Key) (Snapshot, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	e, ok := ns.lookup(key.String())
	if !ok {
		return Snapshot{}, false
	}

	status := e.status
	if status == StatusFresh && !ns.isFresh(e) {
		status = StatusStale
	}

	return Snapshot{
		Status:    status,
		HasValue:  e.hasValue,
		FetchedAt: e.fetchedAt,
	}, true
}

// Len returns the number of entries held.
func (ns *Namespace) Len() int {
	return ns.entries.EstimatedSize()
}

func (ns *Namespace) lookup(id string) (*entry, bool) {
	e, ok := ns.entries.GetEntry(id)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

func (ns *Namespace) isFresh(e *entry) bool {
	return e.status == StatusFresh && ns.clock.Now().Sub(e.fetchedAt) < ns.ttl
}

// nextGeneration must be called with mu held.
func (ns *Namespace) nextGeneration() uint64 {
	ns.generation++
	return ns.generation
}
