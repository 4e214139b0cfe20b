// ABOUTME: Tests for the trade-event dedupe cache
// ABOUTME: Covers duplicate detection, TTL expiry, and capacity eviction

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestCheckAndMark(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	if c.CheckAndMark("100234:closed") {
		t.Error("first CheckAndMark should return false")
	}
	if !c.CheckAndMark("100234:closed") {
		t.Error("second CheckAndMark should return true")
	}
	if c.CheckAndMark("100235:closed") {
		t.Error("different key should return false")
	}
}

func TestCheckAndMark_Expiry(t *testing.T) {
	c := New(20*time.Millisecond, 100)
	defer c.Close()

	c.CheckAndMark("100234:closed")
	time.Sleep(40 * time.Millisecond)

	if c.CheckAndMark("100234:closed") {
		t.Error("expired key should be treated as new")
	}
}

func TestCapacityEviction(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	for i := 0; i < 3; i++ {
		c.CheckAndMark(fmt.Sprintf("ticket-%d:closed", i))
	}
	// Fourth insert evicts the oldest
	c.CheckAndMark("ticket-3:closed")

	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
	if c.CheckAndMark("ticket-0:closed") {
		t.Error("evicted key should be treated as new")
	}
}

func TestCheckAndMark_Concurrent(t *testing.T) {
	c := New(time.Minute, 1000)
	defer c.Close()

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.CheckAndMark("shared:closed") {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if firsts != 1 {
		t.Errorf("exactly one goroutine should observe the key as new, got %d", firsts)
	}
}
