// Package cache is the content-addressed result store. Entries are keyed by
// fingerprint; a fingerprint has at most one entry or one outstanding
// reservation at a time, so concurrent requests for the same work coalesce
// onto a single owner.
package cache

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/gyaneshwarpardhi/nodegraph/internal/fingerprint"
	"github.com/gyaneshwarpardhi/nodegraph/internal/kernel"
	"github.com/gyaneshwarpardhi/nodegraph/internal/metrics"
)

// Status is the outcome of LookupOrReserve.
type Status int

const (
	// Hit: a completed entry exists.
	Hit Status = iota
	// Reserved: the caller now owns the computation and must call Complete or Fail.
	Reserved
	// Joined: another caller owns it; wait on the Future.
	Joined
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "hit"
	case Reserved:
		return "reserved"
	case Joined:
		return "joined"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Lookup is the answer to LookupOrReserve.
type Lookup struct {
	Status Status
	Result kernel.Result // set on Hit
	Future *Future       // set on Reserved and Joined
}

// Entry is a completed result.
type Entry struct {
	Fingerprint fingerprint.Fingerprint
	Result      kernel.Result
	Size        int64
	Epoch       uint64 // scheduler epoch that produced it
	Generation  uint64 // cache-wide insertion counter
	LastAccess  time.Time

	pins int
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries   int
	Pinned    int
	Inflight  int
	Bytes     int64
	Budget    int64
	Hits      uint64
	Misses    uint64
	Joins     uint64
	Evictions uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for eviction diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithClock replaces time.Now for access stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache holds completed results under a byte budget. Unpinned entries live in
// an LRU list; pinned entries are kept aside and never evicted.
type Cache struct {
	mu       sync.Mutex
	budget   int64
	used     int64
	lru      *simplelru.LRU // fingerprint → *Entry, unpinned only
	pinned   map[fingerprint.Fingerprint]*Entry
	inflight map[fingerprint.Fingerprint]*Future
	gen      uint64
	stats    Stats
	log      *slog.Logger
	now      func() time.Time
}

// New creates a Cache bounded by budget bytes of payload. A budget <= 0
// disables eviction.
func New(budget int64, opts ...Option) *Cache {
	lru, err := simplelru.NewLRU(math.MaxInt32, nil)
	if err != nil {
		panic(fmt.Sprintf("cache: %v", err))
	}
	c := &Cache{
		budget:   budget,
		lru:      lru,
		pinned:   make(map[fingerprint.Fingerprint]*Entry),
		inflight: make(map[fingerprint.Fingerprint]*Future),
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// LookupOrReserve returns the completed entry for fp, joins an in-flight
// computation, or reserves fp for the caller. The three cases are decided
// atomically.
func (c *Cache) LookupOrReserve(fp fingerprint.Fingerprint) Lookup {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.get(fp); ok {
		c.stats.Hits++
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return Lookup{Status: Hit, Result: e.Result}
	}
	if f, ok := c.inflight[fp]; ok {
		c.stats.Joins++
		metrics.CacheLookups.WithLabelValues("joined").Inc()
		return Lookup{Status: Joined, Future: f}
	}
	f := newFuture(fp)
	c.inflight[fp] = f
	c.stats.Misses++
	metrics.CacheLookups.WithLabelValues("reserved").Inc()
	return Lookup{Status: Reserved, Future: f}
}

// Complete stores the owner's result and resolves every joined waiter. A
// result larger than the whole budget is delivered to waiters but not kept.
func (c *Cache) Complete(fp fingerprint.Fingerprint, res kernel.Result, epoch uint64) {
	res = kernel.Sized(res)

	c.mu.Lock()
	f := c.inflight[fp]
	delete(c.inflight, fp)
	if c.budget > 0 && res.Size > c.budget {
		metrics.CacheRejected.Inc()
		c.log.Warn("result exceeds cache budget, not retained",
			"fingerprint", fp.Short(), "size", res.Size, "budget", c.budget)
	} else {
		c.store(fp, res, epoch)
		c.evict()
	}
	c.publishGauges()
	c.mu.Unlock()

	if f != nil {
		f.resolve(res, nil)
	}
}

// Fail drops the reservation for fp and resolves waiters with err. The next
// lookup may reserve again.
func (c *Cache) Fail(fp fingerprint.Fingerprint, err error) {
	c.mu.Lock()
	f := c.inflight[fp]
	delete(c.inflight, fp)
	c.mu.Unlock()

	if f != nil {
		f.resolve(kernel.Result{}, err)
	}
}

// Get peeks at a completed entry without touching its recency.
func (c *Cache) Get(fp fingerprint.Fingerprint) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.pinned[fp]; ok {
		return *e, true
	}
	if v, ok := c.lru.Peek(fp); ok {
		return *v.(*Entry), true
	}
	return Entry{}, false
}

// Pin protects a completed entry from eviction until a matching Unpin.
// It reports whether the entry exists.
func (c *Cache) Pin(fp fingerprint.Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.pinned[fp]; ok {
		e.pins++
		return true
	}
	v, ok := c.lru.Peek(fp)
	if !ok {
		return false
	}
	c.lru.Remove(fp)
	e := v.(*Entry)
	e.pins = 1
	c.pinned[fp] = e
	return true
}

// Unpin releases one pin. The last release makes the entry the most recently
// used and may trigger eviction of older entries.
func (c *Cache) Unpin(fp fingerprint.Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pinned[fp]
	if !ok {
		return
	}
	e.pins--
	if e.pins > 0 {
		return
	}
	delete(c.pinned, fp)
	c.lru.Add(fp, e)
	c.evict()
	c.publishGauges()
}

// Invalidate removes the entry for fp, pinned or not.
func (c *Cache) Invalidate(fp fingerprint.Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.pinned[fp]; ok {
		delete(c.pinned, fp)
		c.used -= e.Size
		c.publishGauges()
		return true
	}
	if v, ok := c.lru.Peek(fp); ok {
		c.lru.Remove(fp)
		c.used -= v.(*Entry).Size
		c.publishGauges()
		return true
	}
	return false
}

// Purge drops every unpinned entry. Reservations are unaffected.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.lru.Keys() {
		if v, ok := c.lru.Peek(k); ok {
			c.used -= v.(*Entry).Size
		}
	}
	c.lru.Purge()
	c.publishGauges()
}

// SetBudget changes the byte budget and evicts down to it.
func (c *Cache) SetBudget(budget int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.budget = budget
	c.evict()
	c.publishGauges()
}

// Len returns the number of completed entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len() + len(c.pinned)
}

// Stats returns counters and sizes.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.lru.Len() + len(c.pinned)
	s.Pinned = len(c.pinned)
	s.Inflight = len(c.inflight)
	s.Bytes = c.used
	s.Budget = c.budget
	return s
}

func (c *Cache) get(fp fingerprint.Fingerprint) (*Entry, bool) {
	if e, ok := c.pinned[fp]; ok {
		e.LastAccess = c.now()
		return e, true
	}
	v, ok := c.lru.Get(fp)
	if !ok {
		return nil, false
	}
	e := v.(*Entry)
	e.LastAccess = c.now()
	return e, true
}

func (c *Cache) store(fp fingerprint.Fingerprint, res kernel.Result, epoch uint64) {
	c.gen++
	e := &Entry{
		Fingerprint: fp,
		Result:      res,
		Size:        res.Size,
		Epoch:       epoch,
		Generation:  c.gen,
		LastAccess:  c.now(),
	}
	if old, ok := c.pinned[fp]; ok {
		c.used -= old.Size
		e.pins = old.pins
		c.pinned[fp] = e
	} else {
		if v, ok := c.lru.Peek(fp); ok {
			c.used -= v.(*Entry).Size
		}
		c.lru.Add(fp, e)
	}
	c.used += e.Size
}

// evict drops least recently used unpinned entries until the budget holds or
// only pinned entries remain.
func (c *Cache) evict() {
	if c.budget <= 0 {
		return
	}
	for c.used > c.budget {
		_, v, ok := c.lru.RemoveOldest()
		if !ok {
			return
		}
		e := v.(*Entry)
		c.used -= e.Size
		c.stats.Evictions++
		metrics.CacheEvictions.Inc()
		c.log.Debug("cache evicted", "fingerprint", e.Fingerprint.Short(), "size", e.Size)
	}
}

func (c *Cache) publishGauges() {
	metrics.CacheBytes.Set(float64(c.used))
	metrics.CacheEntries.Set(float64(c.lru.Len() + len(c.pinned)))
}
