// Package stash keeps the SDK databases in memory and loads them on demand.
package stash

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/grafana/symbolserver/pkg/memdb"
	"github.com/grafana/symbolserver/pkg/sdk"
)

// Source provides the databases of the SDKs.
type Source interface {
	Loader
	List(ctx context.Context) ([]sdk.Info, error)
}

type entry struct {
	db         *memdb.DB
	lastAccess time.Time
}

// flight is a load in progress. The load runs detached from the callers
// and is canceled once the last of them stops waiting.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Stash is the registry of the SDK databases held in memory.
//
// Databases are immutable and shared by all holders. Dropping a database from
// the stash only releases the stash's reference: callers that acquired it
// before keep using it until they are done with it.
type Stash struct {
	service services.Service

	config  Config
	logger  log.Logger
	source  Source
	metrics *metrics
	health  *healthState

	mu      sync.Mutex
	entries *lru.Cache[string, *entry]
	size    uint64
	flights map[string]*flight
	group   singleflight.Group

	inFlight atomic.Int64
	now      func() time.Time
}

func New(config Config, source Source, logger log.Logger, reg prometheus.Registerer) (*Stash, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Stash{
		config:  config,
		logger:  log.With(logger, "component", "stash"),
		source:  source,
		metrics: newMetrics(reg),
		health:  newHealthState(config.HealthFailureThreshold),
		flights: make(map[string]*flight),
		now:     time.Now,
	}
	entries, err := lru.NewWithEvict(config.MaxDatabases, s.onEvict)
	if err != nil {
		return nil, err
	}
	s.entries = entries
	s.service = services.NewTimerService(config.SweepInterval, nil, s.sweep, s.stopping)
	return s, nil
}

// Service returns the service that drops idle databases.
func (s *Stash) Service() services.Service { return s.service }

// Acquire returns the database of the SDK, loading it if needed. Concurrent
// callers asking for the same SDK share a single load.
//
// The returned error is ErrUnknownSdk if the SDK has no database, a
// *LoadError if the load failed, or the context error if ctx is done before
// the load completes.
func (s *Stash) Acquire(ctx context.Context, sdkID string) (*memdb.DB, error) {
	info, err := sdk.Parse(sdkID)
	if err != nil {
		s.metrics.loads.WithLabelValues(loadUnknown).Inc()
		return nil, errors.Wrapf(ErrUnknownSdk, "%q", sdkID)
	}
	key := info.ID()

	s.mu.Lock()
	if e, ok := s.entries.Get(key); ok {
		e.lastAccess = s.now()
		s.mu.Unlock()
		s.metrics.hits.Inc()
		return e.db, nil
	}
	f, ok := s.flights[key]
	if !ok {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.LoadTimeout)
		f = &flight{ctx: fctx, cancel: cancel}
		s.flights[key] = f
	}
	f.waiters++
	// The group call and the flight are created and dropped together under
	// the mutex, so every caller joining the call shares f.
	ch := s.group.DoChan(key, func() (interface{}, error) {
		return s.load(f, info)
	})
	s.mu.Unlock()
	s.metrics.misses.Inc()

	select {
	case r := <-ch:
		s.leave(key, f)
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*memdb.DB), nil
	case <-ctx.Done():
		s.leave(key, f)
		return nil, ctx.Err()
	}
}

// leave abandons the flight once nobody waits for it anymore.
func (s *Stash) leave(key string, f *flight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.waiters--
	if f.waiters > 0 || s.flights[key] != f {
		return
	}
	delete(s.flights, key)
	s.group.Forget(key)
	f.cancel()
}

func (s *Stash) load(f *flight, info sdk.Info) (*memdb.DB, error) {
	key := info.ID()
	s.inFlight.Inc()
	s.metrics.loadsInFlight.Inc()
	start := s.now()
	defer func() {
		f.cancel()
		s.inFlight.Dec()
		s.metrics.loadsInFlight.Dec()
	}()

	db, err := s.source.Load(f.ctx, info)
	if err == nil {
		s.metrics.loadDuration.Observe(s.now().Sub(start).Seconds())
	}

	s.mu.Lock()
	current := s.flights[key] == f
	if current {
		delete(s.flights, key)
		s.group.Forget(key)
	}
	switch {
	case err == nil && current:
		s.insert(key, db)
	case err == nil:
		// Abandoned by every waiter while completing.
		err = context.Canceled
	}
	s.mu.Unlock()

	switch {
	case err == nil:
		s.metrics.loads.WithLabelValues(loadSuccess).Inc()
		s.health.success(s.now())
		level.Info(s.logger).Log("msg", "sdk database loaded", "sdk", key,
			"images", len(db.Images()), "size", db.Size(), "duration", s.now().Sub(start))
		return db, nil

	case errors.Is(err, ErrUnknownSdk):
		s.metrics.loads.WithLabelValues(loadUnknown).Inc()
		return nil, errors.Wrapf(ErrUnknownSdk, "%q", key)

	case errors.Is(err, context.Canceled):
		s.metrics.loads.WithLabelValues(loadCanceled).Inc()
		level.Debug(s.logger).Log("msg", "sdk database load canceled", "sdk", key)
		return nil, err
	}

	s.metrics.loads.WithLabelValues(loadFailure).Inc()
	s.health.failure(err)
	level.Error(s.logger).Log("msg", "failed to load sdk database", "sdk", key, "err", err)
	return nil, &LoadError{SdkID: key, Err: err}
}

// insert adds the database and drops the least recently used ones while the
// size bound is exceeded. The database just added is always kept.
// Must be called with the mutex held.
func (s *Stash) insert(key string, db *memdb.DB) {
	if evicted := s.entries.Add(key, &entry{db: db, lastAccess: s.now()}); evicted {
		s.metrics.evictions.WithLabelValues(evictCapacity).Inc()
	}
	s.size += uint64(db.Size())
	if s.config.MaxBytes > 0 {
		for s.size > s.config.MaxBytes && s.entries.Len() > 1 {
			s.entries.RemoveOldest()
			s.metrics.evictions.WithLabelValues(evictBytes).Inc()
		}
	}
	s.metrics.residentBytes.Set(float64(s.size))
	s.metrics.residentDatabases.Set(float64(s.entries.Len()))
}

// onEvict is called by the LRU for every entry leaving it, with the mutex
// held.
func (s *Stash) onEvict(key string, e *entry) {
	s.size -= uint64(e.db.Size())
	s.metrics.residentBytes.Set(float64(s.size))
	s.metrics.residentDatabases.Set(float64(s.entries.Len()))
	level.Debug(s.logger).Log("msg", "sdk database dropped", "sdk", key)
}

func (s *Stash) sweep(context.Context) error {
	s.metrics.residentDatabases.Set(float64(s.entries.Len()))
	if s.config.IdleTimeout <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := s.now().Add(-s.config.IdleTimeout)
	for _, key := range s.entries.Keys() {
		e, ok := s.entries.Peek(key)
		if ok && e.lastAccess.Before(deadline) {
			s.entries.Remove(key)
			s.metrics.evictions.WithLabelValues(evictIdle).Inc()
		}
	}
	return nil
}

func (s *Stash) stopping(error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, f := range s.flights {
		f.cancel()
		delete(s.flights, key)
		s.group.Forget(key)
	}
	s.entries.Purge()
	return nil
}

// List returns the SDKs that have a database, sorted by name and version.
func (s *Stash) List(ctx context.Context) ([]sdk.Info, error) {
	return s.source.List(ctx)
}

// Cached returns the identifiers of the databases held in memory, from the
// least to the most recently used.
func (s *Stash) Cached() []string {
	return s.entries.Keys()
}
