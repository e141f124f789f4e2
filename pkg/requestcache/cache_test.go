package requestcache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/uhyunpark/hypermarket/pkg/util"
)

func newCache() (*Cache, *util.ManualClock) {
	clk := util.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(clk, nil), clk
}

func TestTimeoutFiresOnce(t *testing.T) {
	c, clk := newCache()
	fired := 0
	key := Key{"ping", c.NextID("ping")}
	if err := c.Add(key, time.Second, "peer", func(p any) {
		if p.(string) != "peer" {
			t.Errorf("payload = %v", p)
		}
		fired++
	}); err != nil {
		t.Fatal(err)
	}

	clk.Advance(500 * time.Millisecond)
	if fired != 0 || !c.Has(key) {
		t.Fatal("fired before deadline")
	}
	clk.Advance(time.Second)
	clk.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired %d times, want 1", fired)
	}
	if _, ok := c.Pop(key); ok {
		t.Fatal("pop after timeout succeeded")
	}
	if c.Len() != 0 {
		t.Fatalf("len = %d", c.Len())
	}
}

func TestPopPreemptsTimeout(t *testing.T) {
	c, clk := newCache()
	fired := false
	key := Key{"proposed-trade", 1}
	c.Add(key, time.Second, 7, func(any) { fired = true })

	p, ok := c.Pop(key)
	if !ok || p.(int) != 7 {
		t.Fatalf("pop = %v, %v", p, ok)
	}
	clk.Advance(time.Minute)
	if fired {
		t.Fatal("timeout ran after pop")
	}
	if clk.Pending() != 0 {
		t.Fatalf("timer not stopped, %d pending", clk.Pending())
	}
}

func TestDuplicateRejected(t *testing.T) {
	c, _ := newCache()
	key := Key{"match", 3}
	if err := c.Add(key, time.Second, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.Add(key, time.Second, nil, nil); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
	// same id in another namespace is a different request
	if err := c.Add(Key{"ping", 3}, time.Second, nil, nil); err != nil {
		t.Fatal(err)
	}
}

func TestExpireNow(t *testing.T) {
	c, _ := newCache()
	fired := 0
	key := Key{"ping", 1}
	c.Add(key, time.Hour, nil, func(any) { fired++ })
	if !c.Expire(key) {
		t.Fatal("expire returned false")
	}
	if c.Expire(key) {
		t.Fatal("second expire returned true")
	}
	if fired != 1 {
		t.Fatalf("fired = %d", fired)
	}
}

func TestDispatchIsUsed(t *testing.T) {
	clk := util.NewManualClock(time.Unix(0, 0))
	var queued []func()
	c := New(clk, func(f func()) { queued = append(queued, f) })
	fired := false
	c.Add(Key{"ping", 1}, time.Second, nil, func(any) { fired = true })

	clk.Advance(time.Second)
	if fired || len(queued) != 1 {
		t.Fatalf("fired=%v queued=%d, want deferred", fired, len(queued))
	}
	queued[0]()
	if !fired {
		t.Fatal("queued handler did not fire")
	}
}

// A response that lands while the timeout handler is queued must win.
func TestPopWhileTimeoutQueued(t *testing.T) {
	clk := util.NewManualClock(time.Unix(0, 0))
	var queued []func()
	c := New(clk, func(f func()) { queued = append(queued, f) })
	fired := false
	key := Key{"ping", 1}
	c.Add(key, time.Second, nil, func(any) { fired = true })

	clk.Advance(time.Second)
	if _, ok := c.Pop(key); !ok {
		t.Fatal("pop lost to a queued timeout")
	}
	queued[0]()
	if fired {
		t.Fatal("timeout ran after pop")
	}
}

func TestConcurrentPopAndTimeout(t *testing.T) {
	for i := 0; i < 200; i++ {
		c := New(util.RealClock{}, nil)
		var mu sync.Mutex
		wins := 0
		key := Key{"ping", 1}
		c.Add(key, time.Microsecond, nil, func(any) {
			mu.Lock()
			wins++
			mu.Unlock()
		})
		if _, ok := c.Pop(key); ok {
			mu.Lock()
			wins++
			mu.Unlock()
		}
		deadline := time.Now().Add(time.Second)
		for {
			mu.Lock()
			w := wins
			mu.Unlock()
			if w > 0 || time.Now().After(deadline) {
				break
			}
			time.Sleep(10 * time.Microsecond)
		}
		time.Sleep(100 * time.Microsecond)
		mu.Lock()
		if wins != 1 {
			t.Fatalf("iteration %d: %d winners", i, wins)
		}
		mu.Unlock()
	}
}

func TestKeysAndShutdown(t *testing.T) {
	c, clk := newCache()
	fired := false
	for i := 0; i < 3; i++ {
		c.Add(Key{"match", c.NextID("match")}, time.Second, nil, func(any) { fired = true })
	}
	c.Add(Key{"ping", 1}, time.Second, nil, nil)

	keys := c.Keys("match")
	if len(keys) != 3 || keys[0].ID != 1 || keys[2].ID != 3 {
		t.Fatalf("keys = %v", keys)
	}
	c.Shutdown()
	clk.Advance(time.Minute)
	if fired || c.Len() != 0 {
		t.Fatal("shutdown left live requests")
	}
	if err := c.Add(Key{"ping", 2}, time.Second, nil, nil); err == nil {
		t.Fatal("add after shutdown succeeded")
	}
}
