// Package modelcache keeps speech models resident across jobs in a worker.
//
// Two tiers: an in-memory LRU of loaded handles and a disk directory of
// artifacts. Every Get is admitted by the resource coordinator, so a memory
// hit still holds a lease for the model.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"scribed/internal/registry"
	"scribed/internal/resource"
)

// DefaultMaxEntries bounds the memory tier when Config.MaxEntries is unset.
const DefaultMaxEntries = 4

// ErrNotCached is returned when a placement change targets a handle that is
// no longer resident.
var ErrNotCached = errors.New("model not resident in cache")

// ErrCacheFull is returned when every resident handle is in use and a new
// model cannot be loaded without evicting one of them.
var ErrCacheFull = errors.New("model cache full of in-use models")

// Coordinator is the subset of the resource coordinator the cache needs.
type Coordinator interface {
	Admit(ctx context.Context, model string, onAccelerator bool) resource.Decision
	Reserve(ctx context.Context, model string, onAccelerator bool) (resource.Decision, error)
	Release(ctx context.Context, model string) error
}

// Model is a loaded model. Close releases whatever the loader allocated.
type Model interface {
	Close() error
}

// Loader turns an on-disk artifact into a loaded Model.
type Loader interface {
	Load(ctx context.Context, name, path string) (Model, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, name, path string) (Model, error)

func (f LoaderFunc) Load(ctx context.Context, name, path string) (Model, error) {
	return f(ctx, name, path)
}

// artifactModel is the default loaded form: the path is handed to the
// external engine, nothing is held in process.
type artifactModel struct{}

func (artifactModel) Close() error { return nil }

var pathLoader = LoaderFunc(func(context.Context, string, string) (Model, error) { return artifactModel{}, nil })

// Placement reports which device a handle is placed on.
type Placement string

const (
	PlacementHost   Placement = "host"
	PlacementDevice Placement = "device"
)

// Handle is a resident model. Fields are read-only for callers; placement
// changes go through the Cache.
type Handle struct {
	Name      string
	Path      string
	Model     Model
	placement Placement
	lastUsed  time.Time
	refs      int
	// deviceRefs counts Acquire holders that asked for the accelerator.
	deviceRefs int
}

// Placement returns where the handle currently lives.
func (h *Handle) Placement() Placement { return h.placement }

// Config configures a Cache.
type Config struct {
	Coordinator Coordinator
	Catalog     *registry.Catalog
	// Dir is the disk tier. Required.
	Dir string
	// Fs defaults to the OS filesystem.
	Fs         afero.Fs
	Source     Source
	Loader     Loader
	MaxEntries int
	Publisher  EventPublisher
	Now        func() time.Time
	Logger     *zerolog.Logger
}

// Cache is safe for concurrent use; operations are serialized.
type Cache struct {
	mu       sync.Mutex
	coord    Coordinator
	catalog  *registry.Catalog
	dir      string
	fs       afero.Fs
	source   Source
	loader   Loader
	mem      *lru.LRU[string, *Handle]
	capacity int
	evicted  []*Handle
	diskMeta map[string]diskRecord
	pub      EventPublisher
	now      func() time.Time
	log      zerolog.Logger
}

// New builds a cache and loads the disk metadata index if present.
func New(cfg Config) (*Cache, error) {
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("modelcache: coordinator is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("modelcache: catalog is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("modelcache: dir is required")
	}
	c := &Cache{
		coord:    cfg.Coordinator,
		catalog:  cfg.Catalog,
		dir:      cfg.Dir,
		fs:       cfg.Fs,
		source:   cfg.Source,
		loader:   cfg.Loader,
		diskMeta: map[string]diskRecord{},
		pub:      cfg.Publisher,
		now:      cfg.Now,
	}
	if c.fs == nil {
		c.fs = afero.NewOsFs()
	}
	if c.loader == nil {
		c.loader = pathLoader
	}
	if c.pub == nil {
		c.pub = noopPublisher{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if cfg.Logger != nil {
		c.log = cfg.Logger.With().Str("component", "modelcache").Logger()
	} else {
		c.log = zerolog.Nop()
	}
	size := cfg.MaxEntries
	if size <= 0 {
		size = DefaultMaxEntries
	}
	mem, err := lru.NewLRU[string, *Handle](size, func(_ string, h *Handle) {
		c.evicted = append(c.evicted, h)
	})
	if err != nil {
		return nil, err
	}
	c.mem = mem
	c.capacity = size
	// A read-only dir is allowed; artifacts already there remain usable.
	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		c.log.Warn().Err(err).Str("dir", c.dir).Msg("model cache dir not creatable")
	}
	c.loadDiskMetadata()
	return c, nil
}

// Get returns a resident handle for name, loading it through the disk tier
// if needed, and reserves it on the host pool (or on the device pool when
// the handle is already placed there). On refusal the least recently used
// idle handle is evicted and admission retried once.
func (c *Cache) Get(ctx context.Context, name string) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(ctx, name)
}

func (c *Cache) getLocked(ctx context.Context, name string) (*Handle, error) {
	defer c.drainEvictedLocked(ctx)
	spec, ok := c.catalog.Lookup(name)
	if !ok {
		return nil, resource.ErrModelNotFound(name)
	}
	onDevice := false
	if h, ok := c.mem.Peek(name); ok {
		onDevice = h.placement == PlacementDevice
	}
	dec := c.coord.Admit(ctx, name, onDevice)
	if !dec.Admitted && !dec.UnknownModel && c.evictOneLocked(name) {
		c.drainEvictedLocked(ctx)
		dec = c.coord.Admit(ctx, name, onDevice)
	}
	if !dec.Admitted {
		return nil, c.refuse(name, dec)
	}

	h, hit := c.mem.Get(name)
	inserted := false
	if hit {
		lookupsTotal.WithLabelValues("memory").Inc()
		c.pub.Publish(Event{Name: EventHit, Model: name})
	} else {
		path, err := c.ensureDisk(ctx, spec)
		if err != nil {
			return nil, err
		}
		m, err := c.loader.Load(ctx, name, path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		h = &Handle{Name: name, Path: path, Model: m, placement: PlacementHost}
		if !c.makeRoomLocked() {
			_ = m.Close()
			return nil, fmt.Errorf("load %s: %w", name, ErrCacheFull)
		}
		c.mem.Add(name, h)
		inserted = true
		c.log.Info().Str("event", "load").Str("model", name).Str("path", path).Msg("model loaded")
		c.pub.Publish(Event{Name: EventLoad, Model: name})
	}
	h.lastUsed = c.now()

	dec, err := c.coord.Reserve(ctx, name, h.placement == PlacementDevice)
	if err == nil && !dec.Admitted {
		err = c.refuse(name, dec)
	}
	if err != nil {
		if inserted {
			c.mem.Remove(name)
		}
		return nil, err
	}
	return h, nil
}

func (c *Cache) refuse(name string, dec resource.Decision) error {
	if dec.UnknownModel {
		return resource.ErrModelNotFound(name)
	}
	refusalsTotal.WithLabelValues(string(dec.Pool)).Inc()
	c.log.Warn().Str("event", "refused").Str("model", name).Str("pool", string(dec.Pool)).
		Str("reason", dec.Reason).Msg("model admission refused")
	c.pub.Publish(Event{Name: EventRefused, Model: name, Fields: map[string]any{"pool": string(dec.Pool), "reason": dec.Reason}})
	return dec.Err(name)
}

// evictOneLocked removes the least recently used idle handle other than
// keep. It reports whether anything was evicted.
func (c *Cache) evictOneLocked(keep string) bool {
	for _, k := range c.mem.Keys() {
		if k == keep {
			continue
		}
		h, ok := c.mem.Peek(k)
		if !ok || h.refs > 0 {
			continue
		}
		c.mem.Remove(k)
		return true
	}
	return false
}

// makeRoomLocked evicts idle handles so one more entry fits without the LRU
// silently dropping a handle that is in use.
func (c *Cache) makeRoomLocked() bool {
	for c.mem.Len() >= c.capacity {
		if !c.evictOneLocked("") {
			return false
		}
	}
	return true
}

// drainEvictedLocked releases the leases of handles dropped from the LRU and
// closes them.
func (c *Cache) drainEvictedLocked(ctx context.Context) error {
	var first error
	for _, h := range c.evicted {
		if err := c.coord.Release(context.WithoutCancel(ctx), h.Name); err != nil {
			c.log.Warn().Err(err).Str("model", h.Name).Msg("lease release failed")
			if first == nil {
				first = err
			}
		}
		if h.Model != nil {
			if err := h.Model.Close(); err != nil {
				c.log.Warn().Err(err).Str("model", h.Name).Msg("model close failed")
			}
		}
		evictionsTotal.Inc()
		c.log.Info().Str("event", "evict").Str("model", h.Name).Msg("model evicted")
		c.pub.Publish(Event{Name: EventEvict, Model: h.Name})
	}
	c.evicted = c.evicted[:0]
	return first
}

// Release drops name from the memory tier and returns its lease. Releasing a
// model that is not resident is a no-op.
func (c *Cache) Release(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem.Remove(name)
	return c.drainEvictedLocked(ctx)
}

// Close evicts every handle and returns all leases held by the cache.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem.Purge()
	return c.drainEvictedLocked(ctx)
}

// MemoryEntry describes one resident handle.
type MemoryEntry struct {
	Name      string    `json:"name"`
	Placement Placement `json:"placement"`
	LastUsed  time.Time `json:"last_used"`
	InUse     bool      `json:"in_use"`
}

// Info is a snapshot of both tiers.
type Info struct {
	Dir       string        `json:"dir"`
	Memory    []MemoryEntry `json:"memory"`
	Disk      []DiskEntry   `json:"disk"`
	DiskBytes int64         `json:"disk_bytes"`
}

// Info reports resident handles (oldest first) and disk artifacts.
func (c *Cache) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{Dir: c.dir}
	for _, k := range c.mem.Keys() {
		h, ok := c.mem.Peek(k)
		if !ok {
			continue
		}
		info.Memory = append(info.Memory, MemoryEntry{Name: h.Name, Placement: h.placement, LastUsed: h.lastUsed, InUse: h.refs > 0})
	}
	info.Disk, info.DiskBytes = c.diskEntries()
	return info
}
