package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"costwatch-go/internal/metrics"
)

// Disposition classifies how a query result was served.
type Disposition string

const (
	// DispositionFresh means a live entry younger than the stale time.
	DispositionFresh Disposition = "fresh"
	// DispositionStale means a live entry that is due for a refresh.
	DispositionStale Disposition = "stale"
	// DispositionMiss means no live entry existed and the fetcher ran inline.
	DispositionMiss Disposition = "miss"
)

// Fetcher computes the value for a key when the cache cannot serve it.
type Fetcher func(ctx context.Context) ([]byte, error)

// Options control caching behavior for one Run call.
type Options struct {
	// Kind tags the cache entry for kind-scoped invalidation and metrics.
	Kind string

	// TTL is the entry lifetime. After TTL the entry is a miss.
	TTL time.Duration

	// StaleTime is the age beyond which an entry is served but refreshed
	// in the background. Zero means entries are never considered stale.
	StaleTime time.Duration

	// BackgroundRefresh enables the stale-while-revalidate path.
	BackgroundRefresh bool
}

// Result is what a Run call hands back to the caller.
type Result struct {
	Data        []byte
	FromCache   bool
	Disposition Disposition
	Age         time.Duration
}

// KeyState is an observable snapshot of a key's orchestration state.
type KeyState struct {
	// IsLoading is true while a blocking fetch is in flight (no data yet).
	IsLoading bool
	// IsFetching is true while any fetch is in flight, including a
	// background refresh behind served-stale data.
	IsFetching bool
	// LastError holds the most recent fetch failure, cleared on success.
	LastError error
	// LastFetched is when the key last completed a successful fetch.
	LastFetched time.Time
}

// keyState is the internal mutable state per key.
type keyState struct {
	loading     bool
	fetching    bool
	lastErr     error
	lastFetched time.Time

	// gen invalidates in-flight background refreshes: a refresh captures
	// the generation at start and only commits if it has not moved.
	gen uint64
}

// Runner orchestrates cached queries: collapse concurrent fetches for a key
// into one upstream call, serve stale entries while revalidating in the
// background, and expose per-key state for the API layer.
type Runner struct {
	cache  *Cache
	logger *slog.Logger
	group  singleflight.Group

	mu     sync.Mutex
	states map[string]*keyState
}

// NewRunner creates a query runner on top of an aggregation cache.
func NewRunner(cache *Cache, logger *slog.Logger) *Runner {
	return &Runner{
		cache:  cache,
		logger: logger,
		states: make(map[string]*keyState),
	}
}

// state returns the state record for a key, creating it if needed.
// Caller must hold r.mu.
func (r *Runner) state(key string) *keyState {
	st, ok := r.states[key]
	if !ok {
		st = &keyState{}
		r.states[key] = st
	}
	return st
}

// Run serves the value for a key. A fresh entry returns immediately with no
// upstream call. A stale entry returns immediately and schedules at most one
// background refresh. A miss blocks on the fetcher, with concurrent callers
// for the same key collapsed into a single upstream call.
func (r *Runner) Run(ctx context.Context, key string, opts Options, fetch Fetcher) (Result, error) {
	if entry, ok := r.cache.GetEntry(ctx, key); ok {
		age := entry.Age(r.cache.now())

		if opts.StaleTime > 0 && age >= opts.StaleTime {
			if opts.BackgroundRefresh {
				r.maybeRefresh(ctx, key, opts, fetch)
			}
			return Result{Data: entry.Value, FromCache: true, Disposition: DispositionStale, Age: age}, nil
		}
		return Result{Data: entry.Value, FromCache: true, Disposition: DispositionFresh, Age: age}, nil
	}

	data, err := r.blockingFetch(ctx, key, opts, fetch, "miss")
	if err != nil {
		return Result{}, err
	}
	return Result{Data: data, Disposition: DispositionMiss}, nil
}

// Refetch bypasses the cache, runs the fetcher and stores the result.
// Concurrent refetches for the same key still collapse into one call.
func (r *Runner) Refetch(ctx context.Context, key string, opts Options, fetch Fetcher) (Result, error) {
	r.mu.Lock()
	r.state(key).gen++
	r.mu.Unlock()

	data, err := r.blockingFetch(ctx, key, opts, fetch, "refetch")
	if err != nil {
		return Result{}, err
	}
	return Result{Data: data, Disposition: DispositionMiss}, nil
}

// blockingFetch runs the fetcher under single-flight, marking the key as
// loading for the duration and persisting the result on success.
func (r *Runner) blockingFetch(ctx context.Context, key string, opts Options, fetch Fetcher, trigger string) ([]byte, error) {
	r.mu.Lock()
	st := r.state(key)
	st.loading = true
	st.fetching = true
	gen := st.gen
	r.mu.Unlock()

	value, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.doFetch(ctx, key, opts, fetch, trigger)
	})

	r.mu.Lock()
	st = r.state(key)
	st.loading = false
	st.fetching = false
	if err != nil {
		st.lastErr = err
	} else if st.gen == gen {
		st.lastErr = nil
		st.lastFetched = r.cache.now()
	}
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return value.([]byte), nil
}

// maybeRefresh starts a background refresh for a stale key unless one is
// already in flight. The refresh detaches from the request context so it
// survives the response being written.
func (r *Runner) maybeRefresh(ctx context.Context, key string, opts Options, fetch Fetcher) {
	r.mu.Lock()
	st := r.state(key)
	if st.fetching {
		r.mu.Unlock()
		return
	}
	st.fetching = true
	gen := st.gen
	r.mu.Unlock()

	metrics.BackgroundRefreshesTotal.WithLabelValues(opts.Kind).Inc()
	bgCtx := context.WithoutCancel(ctx)

	go func() {
		_, err, _ := r.group.Do(key, func() (interface{}, error) {
			return r.doFetch(bgCtx, key, opts, fetch, "background")
		})

		r.mu.Lock()
		defer r.mu.Unlock()
		st := r.state(key)
		st.fetching = false
		if err != nil {
			// Stale data keeps being served; the failure is recorded
			// and the next stale read tries again.
			st.lastErr = err
			r.logger.Warn("background refresh failed", "key", key, "error", err)
			return
		}
		if st.gen == gen {
			st.lastErr = nil
			st.lastFetched = r.cache.now()
		}
	}()
}

// doFetch executes the fetcher, records metrics and writes the cache entry.
func (r *Runner) doFetch(ctx context.Context, key string, opts Options, fetch Fetcher, trigger string) ([]byte, error) {
	start := time.Now()
	data, err := fetch(ctx)
	metrics.QueryFetchLatency.WithLabelValues(opts.Kind).Observe(time.Since(start).Seconds())
	metrics.QueryFetchesTotal.WithLabelValues(opts.Kind, trigger).Inc()

	if err != nil {
		metrics.QueryFetchErrorsTotal.WithLabelValues(opts.Kind).Inc()
		return nil, fmt.Errorf("fetch for %s failed: %w", key, err)
	}

	if cacheErr := r.cache.Set(ctx, key, opts.Kind, data, opts.TTL); cacheErr != nil {
		// The computed result is still good; losing the cache write
		// only costs the next caller a recomputation.
		r.logger.Warn("failed to cache fetch result", "key", key, "error", cacheErr)
	}
	return data, nil
}

// Invalidate removes the cached entry and bumps the key generation so any
// in-flight background refresh cannot resurrect pre-invalidation state.
func (r *Runner) Invalidate(ctx context.Context, key string) error {
	r.mu.Lock()
	r.state(key).gen++
	r.mu.Unlock()

	return r.cache.Invalidate(ctx, key)
}

// Forget drops all orchestration state for a key. The cache entry, if any,
// is left alone.
func (r *Runner) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, key)
}

// State returns an observable snapshot for a key. Unknown keys report the
// zero state.
func (r *Runner) State(key string) KeyState {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[key]
	if !ok {
		return KeyState{}
	}
	return KeyState{
		IsLoading:   st.loading,
		IsFetching:  st.fetching,
		LastError:   st.lastErr,
		LastFetched: st.lastFetched,
	}
}
