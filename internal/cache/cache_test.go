package cache

import (
	"sync"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache() (*Cache, *clock) {
	clk := &clock{t: time.Date(2025, 1, 23, 19, 17, 21, 0, time.UTC)}
	c := New(DefaultMaxAge)
	c.Now = clk.now
	return c, clk
}

func TestShouldEmit_Sequence(t *testing.T) {
	c, clk := newTestCache()

	if !c.ShouldEmit("gps.satellites", 8) {
		t.Fatalf("first value must emit")
	}
	clk.advance(time.Second)
	if c.ShouldEmit("gps.satellites", 8) {
		t.Fatalf("repeat within max age must be suppressed")
	}
	clk.advance(time.Second)
	if !c.ShouldEmit("gps.satellites", 9) {
		t.Fatalf("changed value must emit")
	}
	clk.advance(61 * time.Second)
	if !c.ShouldEmit("gps.satellites", 9) {
		t.Fatalf("stale value must be refreshed after max age")
	}
	clk.advance(time.Second)
	if c.ShouldEmit("gps.satellites", 9) {
		t.Fatalf("refresh must reset the age")
	}
}

func TestShouldEmit_SuppressedDoesNotResetAge(t *testing.T) {
	c, clk := newTestCache()

	c.ShouldEmit("gps.altitude", -4.7)
	for i := 0; i < 6; i++ {
		clk.advance(10 * time.Second)
		if c.ShouldEmit("gps.altitude", -4.7) {
			t.Fatalf("emitted early at step %d", i)
		}
	}
	clk.advance(time.Second)
	if !c.ShouldEmit("gps.altitude", -4.7) {
		t.Fatalf("expected refresh 61s after last emission")
	}
}

func TestShouldEmit_IdsAreIndependent(t *testing.T) {
	c, _ := newTestCache()

	if !c.ShouldEmit("gps.hdop", 0.7) || !c.ShouldEmit("gps.pdop", 0.7) {
		t.Fatalf("distinct ids must both emit")
	}
	if len(c.entries) != 2 {
		t.Fatalf("entries=%d want 2", len(c.entries))
	}
}

func TestShouldEmit_TypeSensitive(t *testing.T) {
	c, _ := newTestCache()

	c.ShouldEmit("info.connection", true)
	if !c.ShouldEmit("info.connection", "true") {
		t.Fatalf("string value must not equal bool value")
	}
	if c.ShouldEmit("info.connection", "true") {
		t.Fatalf("same string must be suppressed")
	}
}

func TestShouldEmit_Concurrent(t *testing.T) {
	c := New(time.Hour)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		emitted int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.ShouldEmit("gps.fix", 2) {
				mu.Lock()
				emitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if emitted != 1 {
		t.Fatalf("emitted=%d want exactly 1", emitted)
	}
}
