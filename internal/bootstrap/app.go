// Package bootstrap constructs the coordinator, cache, queue, result
// repository and worker from one Config and owns their lifecycle.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"scribed/internal/common/fsutil"
	"scribed/internal/config"
	"scribed/internal/coord"
	"scribed/internal/inference"
	"scribed/internal/modelcache"
	"scribed/internal/registry"
	"scribed/internal/resource"
	"scribed/internal/results"
	"scribed/internal/store"
	"scribed/internal/taskqueue"
	"scribed/internal/worker"
)

// Options carries the configuration plus optional overrides. Zero-value
// overrides are built from Config.
type Options struct {
	Config config.Config
	Logger *zerolog.Logger

	Client      *redis.Client
	Queue       taskqueue.JobQueue
	Store       store.Store
	Fs          afero.Fs
	Source      modelcache.Source
	Transcriber inference.Transcriber
	HostMemory  func() (resource.HostMemory, error)
	WorkerID    string
	Now         func() time.Time
}

// App is the assembled service. Fields are exported for the CLI.
type App struct {
	Config    config.Config
	Catalog   *registry.Catalog
	Coord     *resource.Coordinator
	Cache     *modelcache.Cache
	Results   *results.Repository
	Tasks     *taskqueue.Adapter
	Queue     taskqueue.JobQueue
	Processor *worker.Processor

	rdb     *redis.Client
	store   store.Store
	closers []func() error
	log     zerolog.Logger
}

// New wires every component. On error everything opened so far is closed.
func New(ctx context.Context, opts Options) (app *App, err error) {
	cfg := opts.Config
	a := &App{Config: cfg, log: zerolog.Nop()}
	if opts.Logger != nil {
		a.log = opts.Logger.With().Str("component", "bootstrap").Logger()
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.rdb = opts.Client
	if a.rdb == nil {
		if a.rdb, err = coord.Open(ctx, cfg.RedisURL); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.rdb.Close)
	}
	keys := coord.Keys{Prefix: cfg.KeyPrefix}

	if a.Catalog, err = LoadCatalog(cfg); err != nil {
		return nil, err
	}

	a.Coord, err = resource.New(resource.Config{
		Client:           a.rdb,
		Keys:             keys,
		Catalog:          a.Catalog,
		WorkerID:         opts.WorkerID,
		MaxVRAMMB:        cfg.MaxVRAMMB,
		MaxRAMMB:         cfg.MaxRAMMB,
		AuxVRAMMB:        cfg.AuxVRAMMB,
		HostMemThreshold: cfg.HostMemThresholdPct,
		LivenessWindow:   cfg.LivenessWindow(),
		HostMemory:       opts.HostMemory,
		Now:              opts.Now,
		Logger:           opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	dir, err := fsutil.ExpandHome(cfg.ModelCacheDir)
	if err != nil {
		return nil, err
	}
	src := opts.Source
	if src == nil && cfg.ModelSourceURL != "" {
		src = modelcache.HTTPSource{BaseURL: cfg.ModelSourceURL}
	}
	a.Cache, err = modelcache.New(modelcache.Config{
		Coordinator: a.Coord,
		Catalog:     a.Catalog,
		Dir:         dir,
		Fs:          opts.Fs,
		Source:      src,
		MaxEntries:  cfg.MaxCachedModels,
		Now:         opts.Now,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	a.store = opts.Store
	if a.store == nil {
		path, err := fsutil.ExpandHome(cfg.DatabasePath)
		if err != nil {
			return nil, err
		}
		s, err := store.NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	}
	a.Results, err = results.New(results.Config{
		Client:      a.rdb,
		Keys:        keys,
		Store:       a.store,
		CacheTTL:    cfg.CacheTTL(),
		MaxPageSize: cfg.MaxPageSize,
		Now:         opts.Now,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	a.Queue = opts.Queue
	if a.Queue == nil {
		if a.Queue, err = newJobQueue(cfg); err != nil {
			return nil, err
		}
		if q, ok := a.Queue.(*taskqueue.AsynqQueue); ok {
			a.closers = append(a.closers, q.Close)
		}
	}
	a.Tasks, err = taskqueue.New(taskqueue.Config{
		Client:      a.rdb,
		Keys:        keys,
		Queue:       a.Queue,
		MetadataTTL: cfg.TaskMetadataTTL(),
		JobTimeout:  cfg.JobTimeout(),
		ResultTTL:   cfg.ResultTTL(),
		Now:         opts.Now,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	tr := opts.Transcriber
	if tr == nil {
		tr = newTranscriber(cfg, opts.Logger)
	}
	a.Processor, err = worker.New(worker.Config{
		Tasks:             a.Tasks,
		Results:           a.Results,
		Models:            a.Cache,
		Planner:           a.Coord,
		Transcriber:       tr,
		DefaultModel:      cfg.DefaultModel,
		UseAccelerator:    cfg.UseAccelerator,
		CooperativeCancel: cfg.CooperativeCancel,
		RemoveInput:       cfg.RemoveInput,
		Fs:                opts.Fs,
		Now:               opts.Now,
		Logger:            opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// LoadCatalog reads cfg.CatalogPath, or returns the built-in catalog, and
// checks that the default model is in it.
func LoadCatalog(cfg config.Config) (*registry.Catalog, error) {
	cat := registry.Builtin()
	if cfg.CatalogPath != "" {
		var err error
		if cat, err = registry.LoadFile(cfg.CatalogPath); err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
	}
	if _, ok := cat.Lookup(cfg.DefaultModel); !ok {
		return nil, fmt.Errorf("default model %q: %w", cfg.DefaultModel, resource.ErrModelNotFound(cfg.DefaultModel))
	}
	return cat, nil
}

func newJobQueue(cfg config.Config) (taskqueue.JobQueue, error) {
	switch cfg.QueueBackend {
	case "memory":
		return taskqueue.NewMemoryQueue(), nil
	case "asynq", "":
		opt, err := taskqueue.RedisOpt(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return taskqueue.NewAsynqQueue(opt, cfg.QueueName), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

func newTranscriber(cfg config.Config, l *zerolog.Logger) inference.Transcriber {
	if cfg.TranscriberCommand == "" {
		return inference.Unavailable{}
	}
	return inference.Command{Path: cfg.TranscriberCommand, Args: cfg.TranscriberArgs, Logger: l}
}

// Close releases what New opened, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
