package ocsp

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCachePutReturnsPrevious(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cache := NewCache(clock.Now, nil)

	first := &Entry{SubjectKey: "abc", Response: []byte{1}, NextUpdate: clock.now.Add(time.Hour)}
	if prev := cache.Put(first); prev != nil {
		t.Errorf("Expected no previous entry, got %+v", prev)
	}

	second := &Entry{SubjectKey: "abc", Response: []byte{2}, NextUpdate: clock.now.Add(time.Hour)}
	if prev := cache.Put(second); prev != first {
		t.Errorf("Expected previous entry to be returned")
	}

	if got := cache.Get("abc"); got != second {
		t.Errorf("Expected latest entry, got %+v", got)
	}
}

func TestCacheExpiresTransparently(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cache := NewCache(clock.Now, nil)

	cache.Put(&Entry{SubjectKey: "abc", NextUpdate: clock.now.Add(time.Minute)})
	if cache.Get("abc") == nil {
		t.Fatal("Expected entry before nextUpdate")
	}

	clock.Advance(time.Minute)
	if cache.Get("abc") != nil {
		t.Error("Expected nil at now == nextUpdate")
	}
	if cache.Len() != 1 {
		t.Errorf("Expected expired entry to stay until evicted, got len %d", cache.Len())
	}

	if n := cache.Evict(); n != 1 {
		t.Errorf("Expected 1 eviction, got %d", n)
	}
	if cache.Len() != 0 {
		t.Errorf("Expected empty cache, got len %d", cache.Len())
	}
}

func TestCacheGetMissing(t *testing.T) {
	cache := NewCache(nil, nil)
	if cache.Get("missing") != nil {
		t.Error("Expected nil for absent key")
	}
}

func TestCacheSweep(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	cache := NewCache(clock.Now, nil)
	cache.Put(&Entry{SubjectKey: "old", NextUpdate: clock.now.Add(-time.Second)})
	cache.Put(&Entry{SubjectKey: "new", NextUpdate: clock.now.Add(time.Hour)})

	cache.Start(context.Background(), 5*time.Millisecond)
	defer cache.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for cache.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected sweep to evict expired entry, len %d", cache.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if cache.Get("new") == nil {
		t.Error("Expected fresh entry to survive the sweep")
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	cache := NewCache(nil, nil)
	next := time.Now().Add(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := string(rune('a' + (i+j)%4))
				cache.Put(&Entry{SubjectKey: key, NextUpdate: next})
				cache.Get(key)
			}
		}(i)
	}
	wg.Wait()

	if cache.Len() != 4 {
		t.Errorf("Expected 4 keys, got %d", cache.Len())
	}
}
