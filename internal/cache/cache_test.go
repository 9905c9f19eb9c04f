package cache

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestCache_GetSet(t *testing.T) {
	c := New(5 * time.Second)

	doc := json.RawMessage(`{"guild_id":"g1"}`)
	c.Set("role_mappings", "all", doc)

	got, ok := c.Get("role_mappings", "all")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(got) != `{"guild_id":"g1"}` {
		t.Errorf("unexpected document: %s", got)
	}
}

func TestCache_Miss(t *testing.T) {
	c := New(5 * time.Second)

	if _, ok := c.Get("polls", "all"); ok {
		t.Error("expected cache miss for unknown key")
	}
}

func TestCache_TTLExpiration(t *testing.T) {
	c := New(50 * time.Millisecond)

	c.Set("polls", "all", json.RawMessage(`{}`))

	if _, ok := c.Get("polls", "all"); !ok {
		t.Fatal("expected cache hit before expiry")
	}

	time.Sleep(60 * time.Millisecond)

	if _, ok := c.Get("polls", "all"); ok {
		t.Error("expected cache miss after TTL")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be dropped lazily, len=%d", c.Len())
	}
}

func TestCache_InvalidateCollection(t *testing.T) {
	c := New(time.Minute)

	c.Set("polls", "all", json.RawMessage(`{}`))
	c.Set("polls", "key=p1", json.RawMessage(`{}`))
	c.Set("role_mappings", "all", json.RawMessage(`{}`))

	c.InvalidateCollection("polls")

	if _, ok := c.Get("polls", "all"); ok {
		t.Error("polls entries should be invalidated")
	}
	if _, ok := c.Get("polls", "key=p1"); ok {
		t.Error("polls entries should be invalidated")
	}
	if _, ok := c.Get("role_mappings", "all"); !ok {
		t.Error("other collections should be untouched")
	}
}

func TestCache_Sweep(t *testing.T) {
	c := New(10 * time.Millisecond)

	c.Set("polls", "all", json.RawMessage(`{}`))
	c.Set("core_credit", "user=u1", json.RawMessage(`{}`))

	time.Sleep(20 * time.Millisecond)
	c.Sweep()

	if c.Len() != 0 {
		t.Errorf("expected empty cache after sweep, len=%d", c.Len())
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set("polls", "all", json.RawMessage(`{}`))
				c.Get("polls", "all")
				c.InvalidateCollection("polls")
			}
		}()
	}
	wg.Wait()
}
