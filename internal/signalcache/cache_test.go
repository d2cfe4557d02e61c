package signalcache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestCacheSetGet(t *testing.T) {
	c := NewCache(10, 0)
	defer c.Stop()

	c.Set("ip", "k1", "v1", time.Minute)
	v, ok := c.Get("ip", "k1")
	if !ok || v.(string) != "v1" {
		t.Fatalf("get = %v, %v", v, ok)
	}

	if _, ok := c.Get("ip", "missing"); ok {
		t.Error("missing key reported as hit")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(10, 0)
	defer c.Stop()

	c.Set("ip", "k1", "v1", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get("ip", "k1"); ok {
		t.Error("expired entry served")
	}
}

func TestCacheLRUEviction(t *testing.T) {
	c := NewCache(3, 0)
	defer c.Stop()

	c.Set("ip", "a", 1, time.Minute)
	c.Set("ip", "b", 2, time.Minute)
	c.Set("ip", "c", 3, time.Minute)

	// Touch "a" so "b" becomes the eviction candidate.
	c.Get("ip", "a")
	c.Set("ip", "d", 4, time.Minute)

	if _, ok := c.Get("ip", "b"); ok {
		t.Error("LRU entry survived eviction")
	}
	if _, ok := c.Get("ip", "a"); !ok {
		t.Error("recently used entry evicted")
	}
	if c.Len() != 3 {
		t.Errorf("len = %d, want 3", c.Len())
	}
}

func TestCacheOverwriteRefreshes(t *testing.T) {
	c := NewCache(10, 0)
	defer c.Stop()

	c.Set("ip", "k", "old", 10*time.Millisecond)
	c.Set("ip", "k", "new", time.Minute)
	time.Sleep(30 * time.Millisecond)

	v, ok := c.Get("ip", "k")
	if !ok || v.(string) != "new" {
		t.Errorf("overwritten entry = %v, %v", v, ok)
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := NewCache(1000, 0)
	defer c.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k-%d-%d", n, j)
				c.Set("ip", key, j, time.Minute)
				c.Get("ip", key)
			}
		}(i)
	}
	wg.Wait()
}

func TestCacheConcurrentRefreshSharedKey(t *testing.T) {
	c := NewCache(100, 0)
	defer c.Stop()
	c.Set("ip", "shared", 0, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Set("ip", "shared", n*1000+j, time.Millisecond)
			}
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if v, ok := c.Get("ip", "shared"); ok {
					if _, isInt := v.(int); !isInt {
						t.Errorf("unexpected value type %T", v)
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestVelocityCountWindow(t *testing.T) {
	v := NewVelocityTracker(time.Hour, 0)
	defer v.Stop()

	for i := 0; i < 5; i++ {
		v.Incr("card:c1:411111")
	}
	v.Incr("card:c2:520000")

	if got := v.Count("card:c1:411111", 5*time.Minute); got != 5 {
		t.Errorf("count = %d, want 5", got)
	}
	if got := v.Count("card:c2:520000", 5*time.Minute); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}
	if got := v.Count("card:unknown", 5*time.Minute); got != 0 {
		t.Errorf("count for unknown key = %d, want 0", got)
	}
}

func TestVelocityWindowTruncatedToMax(t *testing.T) {
	v := NewVelocityTracker(time.Minute, 0)
	defer v.Stop()

	v.Incr("k")
	if got := v.Count("k", time.Hour); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}
}

func TestVelocityConcurrentIncr(t *testing.T) {
	v := NewVelocityTracker(time.Hour, 0)
	defer v.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v.Incr("shared")
			}
		}()
	}
	wg.Wait()

	if got := v.Count("shared", time.Minute); got != 1000 {
		t.Errorf("count = %d, want 1000", got)
	}
}
