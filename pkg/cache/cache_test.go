package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestCache_SetAndGet(t *testing.T) {
	c := New(time.Second)
	defer c.Stop()

	c.Set("key", "value")

	got, ok := c.Get("key")
	if !ok {
		t.Fatal("Expected key to be present")
	}
	if got != "value" {
		t.Errorf("Expected %q, got: %v", "value", got)
	}
}

func TestCache_MissingKey(t *testing.T) {
	c := New(time.Second)
	defer c.Stop()

	if _, ok := c.Get("missing"); ok {
		t.Error("Expected miss for absent key")
	}
}

func TestCache_ExpiredEntryInvisible(t *testing.T) {
	c := New(time.Second)
	defer c.Stop()

	c.SetWithTTL("key", "value", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("key"); ok {
		t.Error("Expected expired entry to be invisible")
	}
	if c.Size() != 0 {
		t.Errorf("Expected size 0, got: %d", c.Size())
	}
}

func TestCache_UpdateReceivesCurrentValue(t *testing.T) {
	c := New(time.Second)
	defer c.Stop()

	c.Set("counter", 1)
	c.Update("counter", func(current interface{}) interface{} {
		return current.(int) + 1
	})

	got, _ := c.Get("counter")
	if got != 2 {
		t.Errorf("Expected 2, got: %v", got)
	}
}

func TestCache_UpdateOnAbsentKeyGetsNil(t *testing.T) {
	c := New(time.Second)
	defer c.Stop()

	c.Update("counter", func(current interface{}) interface{} {
		if current != nil {
			t.Errorf("Expected nil current value, got: %v", current)
		}
		return 1
	})

	got, ok := c.Get("counter")
	if !ok || got != 1 {
		t.Errorf("Expected 1, got: %v (present=%v)", got, ok)
	}
}

func TestCache_Delete(t *testing.T) {
	c := New(time.Second)
	defer c.Stop()

	c.Set("key", "value")
	c.Delete("key")

	if _, ok := c.Get("key"); ok {
		t.Error("Expected key to be deleted")
	}
}

func TestCache_DeletePrefix(t *testing.T) {
	c := New(time.Second)
	defer c.Stop()

	c.Set("meeting:m1:alice", 1)
	c.Set("meeting:m1:bob", 2)
	c.Set("meeting:m2:carol", 3)

	c.DeletePrefix("meeting:m1:")

	if _, ok := c.Get("meeting:m1:alice"); ok {
		t.Error("Expected m1 entries to be deleted")
	}
	if _, ok := c.Get("meeting:m2:carol"); !ok {
		t.Error("Expected m2 entry to survive")
	}
}

func TestCache_BackgroundSweepReclaimsExpired(t *testing.T) {
	c := New(20 * time.Millisecond)
	defer c.Stop()

	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("key-%d", i), i)
	}

	time.Sleep(60 * time.Millisecond)

	c.mu.RLock()
	stored := len(c.items)
	c.mu.RUnlock()
	if stored != 0 {
		t.Errorf("Expected sweep to reclaim all entries, %d remain", stored)
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New(time.Second)
	defer c.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", n%3)
			for j := 0; j < 100; j++ {
				c.Set(key, j)
				c.Get(key)
				c.Update(key, func(current interface{}) interface{} { return j })
			}
		}(i)
	}
	wg.Wait()
}
