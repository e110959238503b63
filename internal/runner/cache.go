package runner

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"github.com/seantiz/crucible/internal/model"
)

// LoadFunc produces a ready program for a on device.
type LoadFunc func(ctx context.Context, a *model.Algorithm, device string) (Program, error)

// Key identifies a cached instance.
type Key struct {
	AlgorithmID string
	Device      string
}

func (k Key) String() string { return k.AlgorithmID + "/" + k.Device }

// Instance is a loaded program held by the cache. Callers receive one from
// Acquire and must hand it back with Release.
type Instance struct {
	key       Key
	algorithm *model.Algorithm
	program   Program
	loadedAt  time.Time
	lastUsed  time.Time
	refs      int
	stale     bool
}

func (i *Instance) Key() Key                    { return i.key }
func (i *Instance) Algorithm() *model.Algorithm { return i.algorithm }
func (i *Instance) Program() Program            { return i.program }

// CacheStats is a point-in-time view of the cache.
type CacheStats struct {
	Capacity     int    `json:"capacity"`
	Loaded       int    `json:"loaded"`
	InUse        int    `json:"in_use"`
	Idle         int    `json:"idle"`
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Loads        uint64 `json:"loads"`
	LoadFailures uint64 `json:"load_failures"`
	Evictions    uint64 `json:"evictions"`
}

// Cache keeps at most one loaded instance per (algorithm, device). Loads
// for the same key are coalesced, failed loads are not remembered, and when
// more than capacity instances are loaded the least recently released idle
// instances are closed.
type Cache struct {
	capacity int
	load     LoadFunc
	logger   *slog.Logger
	now      func() time.Time
	group    singleflight.Group

	mu      sync.Mutex
	entries map[Key]*Instance
	idle    *simplelru.LRU[Key, *Instance]
	stats   CacheStats
	// gens counts invalidations per algorithm and epoch counts Close calls.
	// A load started by an Acquire that predates either change is not cached.
	gens  map[string]uint64
	epoch uint64
}

// NewCache creates a cache holding up to capacity instances.
func NewCache(capacity int, load LoadFunc, logger *slog.Logger) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	// Eviction is driven by the total instance count, so the idle list is
	// never allowed to evict on its own.
	idle, _ := simplelru.NewLRU[Key, *Instance](capacity+1, nil)
	return &Cache{
		capacity: capacity,
		load:     load,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[Key]*Instance),
		idle:     idle,
		gens:     make(map[string]uint64),
	}
}

// Acquire returns the instance for (a, device), loading it if needed. The
// returned instance is pinned until Release.
func (c *Cache) Acquire(ctx context.Context, a *model.Algorithm, device string) (*Instance, error) {
	key := Key{AlgorithmID: a.ID, Device: device}
	gen := c.snapshot(a.ID)

	for {
		if inst := c.take(key); inst != nil {
			cacheLookupsTotal.WithLabelValues("hit").Inc()
			return inst, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// The closure only runs for the caller that performs the load; that
		// caller receives the instance with its reference already taken.
		var leader bool
		v, err, _ := c.group.Do(key.String(), func() (any, error) {
			if inst := c.take(key); inst != nil {
				leader = true
				return inst, nil
			}
			leader = true
			return c.loadEntry(ctx, a, key, gen)
		})
		if err != nil {
			return nil, err
		}
		if leader {
			return v.(*Instance), nil
		}
		if inst := c.takeShared(v.(*Instance)); inst != nil {
			cacheLookupsTotal.WithLabelValues("hit").Inc()
			return inst, nil
		}
		// Evicted or invalidated before we could pin it; try again.
	}
}

// take pins the cached instance for key if there is a usable one.
func (c *Cache) take(key Key) *Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.entries[key]
	if !ok {
		return nil
	}
	c.pinLocked(inst)
	return inst
}

// takeShared pins an instance produced by another caller's load. A stale
// instance can still be shared while its loader holds it.
func (c *Cache) takeShared(inst *Instance) *Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst.stale {
		if inst.refs == 0 {
			return nil
		}
		inst.refs++
		c.stats.Hits++
		return inst
	}
	if c.entries[inst.key] != inst {
		return nil
	}
	c.pinLocked(inst)
	return inst
}

func (c *Cache) pinLocked(inst *Instance) {
	c.idle.Remove(inst.key)
	inst.refs++
	c.stats.Hits++
	c.updateGaugesLocked()
}

// generation identifies the invalidation state of algorithmID.
type generation struct{ gen, epoch uint64 }

func (c *Cache) snapshot(algorithmID string) generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return generation{c.gens[algorithmID], c.epoch}
}

// loadEntry loads key. The instance is cached only if nothing invalidated
// the algorithm since gen was taken.
func (c *Cache) loadEntry(ctx context.Context, a *model.Algorithm, key Key, gen generation) (*Instance, error) {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
	cacheLookupsTotal.WithLabelValues("miss").Inc()

	// Other callers may be waiting on this load; one caller giving up must
	// not fail it for the rest.
	start := c.now()
	program, err := c.load(context.WithoutCancel(ctx), a, key.Device)
	instanceLoadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.mu.Lock()
		c.stats.LoadFailures++
		c.mu.Unlock()
		instanceLoadsTotal.WithLabelValues("failure").Inc()
		c.logger.Warn("instance load failed", "algorithm", a.Key(), "device", key.Device, "error", err)
		return nil, &model.LoadError{Key: a.Key() + "/" + key.Device, Err: err}
	}
	instanceLoadsTotal.WithLabelValues("success").Inc()

	now := c.now()
	inst := &Instance{
		key:       key,
		algorithm: a,
		program:   program,
		loadedAt:  now,
		lastUsed:  now,
		refs:      1,
	}

	c.mu.Lock()
	c.stats.Loads++
	if (generation{c.gens[a.ID], c.epoch}) != gen {
		// Invalidated mid-load: the caller may use it, the last release closes it.
		inst.stale = true
		c.mu.Unlock()
		c.logger.Info("instance invalidated during load, not caching", "algorithm", a.Key(), "device", key.Device)
		return inst, nil
	}
	c.entries[key] = inst
	victims := c.evictLocked()
	c.updateGaugesLocked()
	c.mu.Unlock()

	c.closeAll(victims)
	return inst, nil
}

// Release unpins inst. The last release of an invalidated or broken
// instance closes it; otherwise it becomes idle and may be evicted.
func (c *Cache) Release(inst *Instance) {
	c.mu.Lock()
	inst.refs--
	inst.lastUsed = c.now()

	var victims []*Instance
	if inst.refs <= 0 {
		inst.refs = 0
		switch {
		case inst.stale:
			victims = append(victims, inst)
		case isBroken(inst.program):
			if c.entries[inst.key] == inst {
				delete(c.entries, inst.key)
			}
			victims = append(victims, inst)
		default:
			c.idle.Add(inst.key, inst)
			victims = c.evictLocked()
		}
	}
	c.updateGaugesLocked()
	c.mu.Unlock()

	c.closeAll(victims)
}

// evictLocked removes least recently used idle instances while the cache
// is over capacity. In-use instances are never evicted.
func (c *Cache) evictLocked() []*Instance {
	var victims []*Instance
	for len(c.entries) > c.capacity {
		key, inst, ok := c.idle.RemoveOldest()
		if !ok {
			break
		}
		delete(c.entries, key)
		c.stats.Evictions++
		instanceEvictionsTotal.Inc()
		victims = append(victims, inst)
	}
	return victims
}

// Invalidate drops every instance of algorithmID. Idle instances are closed
// now; in-use ones are closed when their last user releases them.
func (c *Cache) Invalidate(algorithmID string) {
	c.mu.Lock()
	c.gens[algorithmID]++
	var victims []*Instance
	for key, inst := range c.entries {
		if key.AlgorithmID != algorithmID {
			continue
		}
		delete(c.entries, key)
		c.idle.Remove(key)
		if inst.refs == 0 {
			victims = append(victims, inst)
			c.stats.Evictions++
			instanceEvictionsTotal.Inc()
		} else {
			inst.stale = true
		}
	}
	c.updateGaugesLocked()
	c.mu.Unlock()

	c.closeAll(victims)
}

// Close drops every instance, as Invalidate does for a single algorithm.
func (c *Cache) Close() {
	c.mu.Lock()
	c.epoch++
	var victims []*Instance
	for key, inst := range c.entries {
		delete(c.entries, key)
		if inst.refs == 0 {
			victims = append(victims, inst)
		} else {
			inst.stale = true
		}
	}
	c.idle.Purge()
	c.updateGaugesLocked()
	c.mu.Unlock()

	c.closeAll(victims)
}

// Stats returns current counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Capacity = c.capacity
	s.Loaded = len(c.entries)
	s.Idle = c.idle.Len()
	s.InUse = s.Loaded - s.Idle
	return s
}

func (c *Cache) updateGaugesLocked() {
	idle := c.idle.Len()
	instancesLoaded.WithLabelValues("idle").Set(float64(idle))
	instancesLoaded.WithLabelValues("in_use").Set(float64(len(c.entries) - idle))
}

func (c *Cache) closeAll(victims []*Instance) {
	for _, inst := range victims {
		if cl, ok := inst.program.(io.Closer); ok {
			if err := cl.Close(); err != nil {
				c.logger.Warn("close instance", "key", inst.key.String(), "error", err)
			}
		}
		c.logger.Debug("instance closed", "key", inst.key.String(), "age", c.now().Sub(inst.loadedAt))
	}
}

func isBroken(p Program) bool {
	b, ok := p.(brokenReporter)
	return ok && b.Broken()
}
