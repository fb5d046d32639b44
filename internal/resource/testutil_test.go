package resource

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"scribed/internal/coord"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeHost struct {
	mu  sync.Mutex
	pct float64
	err error
}

func (h *fakeHost) Sample() (HostMemory, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HostMemory{TotalMB: 32000, AvailableMB: 16000, UsedPercent: h.pct}, h.err
}

func (h *fakeHost) Set(pct float64, err error) {
	h.mu.Lock()
	h.pct, h.err = pct, err
	h.mu.Unlock()
}

func newTestClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	c := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// newTestCoordinator builds a registered coordinator; mutate cfg before use
// via the optional func.
func newTestCoordinator(t *testing.T, mr *miniredis.Miniredis, clk *fakeClock, host *fakeHost, id string, mut func(*Config)) *Coordinator {
	t.Helper()
	cfg := Config{
		Client:     newTestClient(t, mr),
		Keys:       coord.Keys{Prefix: "test"},
		WorkerID:   id,
		HostMemory: host.Sample,
		Now:        clk.Now,
	}
	if mut != nil {
		mut(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := c.Register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	return c
}

func mustUsage(t *testing.T, c *Coordinator) Usage {
	t.Helper()
	u, err := c.Usage(context.Background())
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	return u
}

func mustReserve(t *testing.T, c *Coordinator, model string, onAcc bool) Decision {
	t.Helper()
	d, err := c.Reserve(context.Background(), model, onAcc)
	if err != nil {
		t.Fatalf("reserve %s: %v", model, err)
	}
	return d
}
