// Kestrel - Real-Time Feature Aggregation and Recommendation Serving
// Copyright 2026 Kestrel Labs
// SPDX-License-Identifier: Apache-2.0
// https://github.com/kestrellabs/kestrel

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestTTLCache_BasicOperations(t *testing.T) {
	c := NewTTLCache[string](3, time.Minute)

	c.Set("a", "1")
	c.Set("b", "2")
	c.Set("c", "3")

	if v, found := c.Get("a"); !found || v != "1" {
		t.Errorf("Get(a) = %q, %v, want \"1\", true", v, found)
	}
	if _, found := c.Get("b"); !found {
		t.Error("Expected to find key 'b'")
	}
	if c.Len() != 3 {
		t.Errorf("Expected len 3, got %d", c.Len())
	}
}

func TestTTLCache_Eviction(t *testing.T) {
	c := NewTTLCache[int](3, time.Minute)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Access 'a' to make it most recently used.
	c.Get("a")

	// Adding a fourth entry evicts 'b', the least recently used.
	c.Set("d", 4)

	if _, found := c.Get("b"); found {
		t.Error("Expected 'b' to be evicted")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, found := c.Get(key); !found {
			t.Errorf("Expected %q to be present", key)
		}
	}
}

func TestTTLCache_Expiration(t *testing.T) {
	c := NewTTLCache[int](10, 50*time.Millisecond)

	c.Set("a", 1)
	if _, found := c.Get("a"); !found {
		t.Error("Expected to find key 'a' immediately")
	}

	time.Sleep(60 * time.Millisecond)

	if _, found := c.Get("a"); found {
		t.Error("Expected key 'a' to be expired")
	}
}

func TestTTLCache_SetWithTTL(t *testing.T) {
	c := NewTTLCache[int](10, time.Minute)

	c.SetWithTTL("short", 1, 50*time.Millisecond)
	c.Set("long", 2)

	time.Sleep(60 * time.Millisecond)

	if _, found := c.Get("short"); found {
		t.Error("Expected 'short' to be expired")
	}
	if _, found := c.Get("long"); !found {
		t.Error("Expected 'long' to survive")
	}
}

func TestTTLCache_Update(t *testing.T) {
	c := NewTTLCache[int](2, time.Minute)

	c.Set("a", 1)
	c.Set("a", 2)

	if v, _ := c.Get("a"); v != 2 {
		t.Errorf("Expected updated value 2, got %d", v)
	}
	if c.Len() != 1 {
		t.Errorf("Expected len 1 after update, got %d", c.Len())
	}
}

func TestTTLCache_Remove(t *testing.T) {
	c := NewTTLCache[int](10, time.Minute)

	c.Set("a", 1)
	if !c.Remove("a") {
		t.Error("Expected Remove to report presence")
	}
	if c.Remove("a") {
		t.Error("Expected second Remove to report absence")
	}
	if _, found := c.Get("a"); found {
		t.Error("Expected 'a' to be gone")
	}
}

func TestTTLCache_CleanupExpired(t *testing.T) {
	c := NewTTLCache[int](10, 30*time.Millisecond)

	c.Set("a", 1)
	c.Set("b", 2)
	c.SetWithTTL("c", 3, time.Minute)

	time.Sleep(40 * time.Millisecond)

	if removed := c.CleanupExpired(); removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}
	if c.Len() != 1 {
		t.Errorf("Expected len 1 after cleanup, got %d", c.Len())
	}
}

func TestTTLCache_ConcurrentAccess(t *testing.T) {
	c := NewTTLCache[int](100, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("key-%d-%d", n, j%10)
				c.Set(key, j)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()
}

func TestDedupCache_IsDuplicate(t *testing.T) {
	d := NewDedupCache(100, time.Minute)

	if d.IsDuplicate("evt-1") {
		t.Error("First sighting should not be a duplicate")
	}
	if !d.IsDuplicate("evt-1") {
		t.Error("Second sighting should be a duplicate")
	}
	if d.IsDuplicate("evt-2") {
		t.Error("Different key should not be a duplicate")
	}
}

func TestDedupCache_WindowExpiry(t *testing.T) {
	d := NewDedupCache(100, 40*time.Millisecond)

	d.Record("evt-1")
	if !d.Contains("evt-1") {
		t.Error("Expected key within window")
	}

	time.Sleep(50 * time.Millisecond)

	if d.Contains("evt-1") {
		t.Error("Expected key to fall out of window")
	}
}
