package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"scribed/internal/coord"
	"scribed/internal/model"
	"scribed/internal/registry"
)

// Defaults applied when corresponding Config fields are unset.
const (
	DefaultMaxVRAMMB        = 16000
	DefaultMaxRAMMB         = 8000
	DefaultAuxVRAMMB        = 1500
	DefaultHostMemThreshold = 85.0
	DefaultLivenessWindow   = 300 * time.Second
	defaultReserveAttempts  = 16
)

// Config encapsulates all tunables for Coordinator construction.
type Config struct {
	Client   *redis.Client
	Keys     coord.Keys
	Catalog  *registry.Catalog
	WorkerID string
	// Pool ceilings in MB.
	MaxVRAMMB int
	MaxRAMMB  int
	// AuxVRAMMB is added to every device claim for the co-resident
	// diarization pipeline. Zero selects the default, negative disables it.
	AuxVRAMMB int
	// HostMemThreshold refuses admission above this host memory percentage.
	HostMemThreshold float64
	LivenessWindow   time.Duration
	// MaxReserveAttempts bounds optimistic transaction retries.
	MaxReserveAttempts int
	// HostMemory samples local memory; defaults to SampleHostMemory.
	HostMemory func() (HostMemory, error)
	Now        func() time.Time
	Logger     *zerolog.Logger
}

// Coordinator performs admission control and lease accounting for one
// worker process against the shared coordination store.
type Coordinator struct {
	// mu serializes this process's own coordinator calls only.
	mu sync.Mutex

	rdb       *redis.Client
	keys      coord.Keys
	catalog   *registry.Catalog
	workerID  string
	pid       int
	maxVRAM   int
	maxRAM    int
	auxVRAM   int
	hostLimit float64
	liveness  time.Duration
	attempts  int
	hostMem   func() (HostMemory, error)
	now       func() time.Time
	log       zerolog.Logger

	// registered is set by Register or a first Reserve. Coordinators used
	// only for reads and reclaim never appear in the workers hash.
	registered bool
}

// registration is the JSON stored per worker in the workers hash.
type registration struct {
	PID           int       `json:"pid"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Lease is one worker's recorded claim for one model.
type Lease struct {
	Model         string    `json:"model_name"`
	OnAccelerator bool      `json:"on_accelerator"`
	VRAMMB        int       `json:"vram_mb"`
	RAMMB         int       `json:"ram_mb"`
	ReservedAt    time.Time `json:"reserved_at"`
}

// Usage is the aggregate of every live lease.
type Usage struct {
	VRAMMB int
	RAMMB  int
}

// New constructs a Coordinator from Config.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("resource: nil store client")
	}
	c := &Coordinator{
		rdb:      cfg.Client,
		keys:     cfg.Keys,
		catalog:  cfg.Catalog,
		workerID: cfg.WorkerID,
		pid:      os.Getpid(),
		maxVRAM:  cfg.MaxVRAMMB,
		maxRAM:   cfg.MaxRAMMB,
		auxVRAM:  cfg.AuxVRAMMB,
		hostMem:  cfg.HostMemory,
		now:      cfg.Now,
	}
	// Apply defaults if unset
	if c.catalog == nil {
		c.catalog = registry.Builtin()
	}
	if c.workerID == "" {
		c.workerID = model.NewWorkerID()
	}
	if c.maxVRAM <= 0 {
		c.maxVRAM = DefaultMaxVRAMMB
	}
	if c.maxRAM <= 0 {
		c.maxRAM = DefaultMaxRAMMB
	}
	switch {
	case c.auxVRAM == 0:
		c.auxVRAM = DefaultAuxVRAMMB
	case c.auxVRAM < 0:
		c.auxVRAM = 0
	}
	c.hostLimit = cfg.HostMemThreshold
	if c.hostLimit <= 0 {
		c.hostLimit = DefaultHostMemThreshold
	}
	c.liveness = cfg.LivenessWindow
	if c.liveness <= 0 {
		c.liveness = DefaultLivenessWindow
	}
	c.attempts = cfg.MaxReserveAttempts
	if c.attempts <= 0 {
		c.attempts = defaultReserveAttempts
	}
	if c.hostMem == nil {
		c.hostMem = SampleHostMemory
	}
	if c.now == nil {
		c.now = time.Now
	}
	if cfg.Logger != nil {
		c.log = cfg.Logger.With().Str("component", "resource").Str("worker_id", c.workerID).Logger()
	} else {
		c.log = zerolog.Nop()
	}
	return c, nil
}

// WorkerID returns the identity this coordinator registers under.
func (c *Coordinator) WorkerID() string { return c.workerID }

// Limits returns the configured pool ceilings in MB.
func (c *Coordinator) Limits() (vramMB, ramMB int) { return c.maxVRAM, c.maxRAM }

// Register records this worker with a fresh heartbeat. Re-registering keeps
// the original registration time.
func (c *Coordinator) Register(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registerLocked(ctx)
}

func (c *Coordinator) registerLocked(ctx context.Context) error {
	now := c.now()
	reg := registration{PID: c.pid, RegisteredAt: now, LastHeartbeat: now}
	if raw, err := c.rdb.HGet(ctx, c.keys.Workers(), c.workerID).Result(); err == nil {
		var prev registration
		if json.Unmarshal([]byte(raw), &prev) == nil && !prev.RegisteredAt.IsZero() {
			reg.RegisteredAt = prev.RegisteredAt
		}
	} else if !errors.Is(err, redis.Nil) {
		return coord.Unavailable("register", err)
	}
	b, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	_, err = c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, c.keys.Workers(), c.workerID, b)
		p.SAdd(ctx, c.keys.LeaseOwners(), c.workerID)
		return nil
	})
	if err != nil {
		return coord.Unavailable("register", err)
	}
	c.registered = true
	return nil
}

// Heartbeat refreshes this worker's liveness, re-registering it if the
// registration vanished or is corrupt.
func (c *Coordinator) Heartbeat(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeatLocked(ctx)
}

func (c *Coordinator) heartbeatLocked(ctx context.Context) error {
	raw, err := c.rdb.HGet(ctx, c.keys.Workers(), c.workerID).Result()
	if errors.Is(err, redis.Nil) {
		c.log.Info().Str("event", "reregister").Msg("worker registration missing; registering again")
		return c.registerLocked(ctx)
	}
	if err != nil {
		return coord.Unavailable("heartbeat", err)
	}
	var reg registration
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		return c.registerLocked(ctx)
	}
	reg.LastHeartbeat = c.now()
	b, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	if err := c.rdb.HSet(ctx, c.keys.Workers(), c.workerID, b).Err(); err != nil {
		return coord.Unavailable("heartbeat", err)
	}
	return nil
}

// touch runs the implicit heartbeat and stale sweep that precede every
// public call. Both are best effort.
func (c *Coordinator) touch(ctx context.Context) {
	c.heartbeatIfRegistered(ctx)
	if _, err := c.reclaimLocked(ctx); err != nil {
		c.log.Warn().Err(err).Str("event", "reclaim_failed").Msg("stale worker sweep failed")
	}
}

func (c *Coordinator) heartbeatIfRegistered(ctx context.Context) {
	if !c.registered {
		return
	}
	if err := c.heartbeatLocked(ctx); err != nil {
		c.log.Warn().Err(err).Str("event", "heartbeat_failed").Msg("heartbeat failed")
	}
}

// Usage reads the aggregate counters.
func (c *Coordinator) Usage(ctx context.Context) (Usage, error) {
	return readUsage(ctx, c.rdb, c.keys.Usage())
}

// Leases returns the leases currently recorded for this worker.
func (c *Coordinator) Leases(ctx context.Context) (map[string]Lease, error) {
	all, err := c.rdb.HGetAll(ctx, c.keys.Leases(c.workerID)).Result()
	if err != nil {
		return nil, coord.Unavailable("leases", err)
	}
	out := make(map[string]Lease, len(all))
	for name, raw := range all {
		var l Lease
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			continue
		}
		out[name] = l
	}
	return out, nil
}

// Cleanup releases every lease this worker holds and unregisters it. Used at
// process shutdown.
func (c *Coordinator) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.dropWorker(ctx, c.workerID, false)
	if err != nil {
		return err
	}
	c.registered = false
	c.log.Info().Str("event", "cleanup").Msg("worker unregistered")
	return nil
}

func readUsage(ctx context.Context, r redis.Cmdable, key string) (Usage, error) {
	vals, err := r.HMGet(ctx, key, "vram_mb", "ram_mb").Result()
	if err != nil {
		return Usage{}, coord.Unavailable("read usage", err)
	}
	u := Usage{VRAMMB: atoiField(vals[0]), RAMMB: atoiField(vals[1])}
	observeUsage(u)
	return u, nil
}

func atoiField(v any) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
