package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T) (*Sharded[string], *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)}
	c := New[string](4)
	c.SetClock(clk.Now)
	return c, clk
}

func TestSetGetExpire(t *testing.T) {
	c, clk := newTestCache(t)
	c.Set("tab-1", "patch", time.Hour)

	if got, ok := c.Get("tab-1"); !ok || got != "patch" {
		t.Fatalf("Get = %q, %v, want patch, true", got, ok)
	}
	clk.Advance(59 * time.Minute)
	if _, ok := c.Get("tab-1"); !ok {
		t.Fatal("entry expired early")
	}
	clk.Advance(time.Minute)
	if _, ok := c.Get("tab-1"); ok {
		t.Fatal("entry still live at its deadline")
	}
}

func TestSet_NonPositiveTTLDeletes(t *testing.T) {
	c, _ := newTestCache(t)
	c.Set("k", "v", time.Minute)
	c.Set("k", "v", 0)
	if _, ok := c.Get("k"); ok {
		t.Fatal("zero ttl should delete")
	}
}

func TestPurge(t *testing.T) {
	c, clk := newTestCache(t)
	for i := 0; i < 10; i++ {
		ttl := time.Minute
		if i%2 == 0 {
			ttl = time.Hour
		}
		c.Set(fmt.Sprintf("k%d", i), "v", ttl)
	}
	clk.Advance(2 * time.Minute)
	if removed := c.Purge(); removed != 5 {
		t.Fatalf("Purge = %d, want 5", removed)
	}
	if c.Len() != 5 {
		t.Fatalf("Len = %d, want 5", c.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int](8)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("w%d-%d", w, i%10)
				c.Set(key, i, time.Minute)
				c.Get(key)
			}
		}(w)
	}
	wg.Wait()
	if c.Len() != 80 {
		t.Fatalf("Len = %d, want 80", c.Len())
	}
}
