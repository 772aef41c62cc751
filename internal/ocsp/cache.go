package ocsp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is a cached revocation-status proof.
type Entry struct {
	SubjectKey string
	Response   []byte
	ThisUpdate time.Time
	NextUpdate time.Time
}

// Usable reports whether the entry may be handed out at now.
func (e *Entry) Usable(now time.Time) bool {
	return !e.NextUpdate.IsZero() && now.Before(e.NextUpdate)
}

// Cache is a concurrent map of OCSP proofs keyed by subject key. Expired
// entries are never returned by Get and are dropped by the sweep.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
	logger  *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewCache creates an empty cache. A nil clock means time.Now.
func NewCache(now func() time.Time, logger *slog.Logger) *Cache {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries: make(map[string]*Entry),
		now:     now,
		logger:  logger,
	}
}

// Put stores e and returns the entry it replaced, if any.
func (c *Cache) Put(e *Entry) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.entries[e.SubjectKey]
	c.entries[e.SubjectKey] = e
	return prev
}

// Get returns the entry for key, or nil when it is absent or expired.
func (c *Cache) Get(key string) *Entry {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || !e.Usable(c.now()) {
		return nil
	}
	return e
}

// Len returns the number of entries held, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Evict removes expired entries and returns how many were dropped.
func (c *Cache) Evict() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for k, e := range c.entries {
		if !e.Usable(now) {
			delete(c.entries, k)
			evicted++
		}
	}
	return evicted
}

// Start runs the eviction sweep every interval until ctx is done or Stop is
// called.
func (c *Cache) Start(ctx context.Context, interval time.Duration) {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				if n := c.Evict(); n > 0 {
					c.logger.Debug("evicted expired OCSP responses", slog.Int("count", n))
				}
			}
		}
	}()
}

// Stop ends the sweep started by Start and waits for it to exit.
func (c *Cache) Stop() {
	if c.stop == nil {
		return
	}
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}
