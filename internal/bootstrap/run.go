package bootstrap

import (
	"context"
	"fmt"
	"time"

	"scribed/internal/taskqueue"
)

const minHeartbeatInterval = time.Second

// RunWorker registers this process with the coordinator and consumes jobs
// until ctx is done. On return the cache is closed and every lease this
// worker held is released.
func (a *App) RunWorker(ctx context.Context) error {
	if err := a.Coord.Register(ctx); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	a.log.Info().Str("event", "worker_started").Str("worker_id", a.Coord.WorkerID()).Msg("worker registered")
	defer a.stopWorker()

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go a.heartbeat(hbCtx)

	h := a.Processor.Handler()
	switch q := a.Queue.(type) {
	case *taskqueue.MemoryQueue:
		q.Run(ctx, h)
		return nil
	case *taskqueue.AsynqQueue:
		opt, err := taskqueue.RedisOpt(a.Config.RedisURL)
		if err != nil {
			return err
		}
		l := a.log
		srv := taskqueue.NewAsynqServer(opt, taskqueue.ServerConfig{
			Queue:           a.Config.QueueName,
			ShutdownTimeout: 30 * time.Second,
			Logger:          &l,
		})
		if err := srv.Start(taskqueue.NewServeMux(h)); err != nil {
			return fmt.Errorf("start queue server: %w", err)
		}
		<-ctx.Done()
		srv.Shutdown()
		return nil
	default:
		return fmt.Errorf("job queue %T cannot be consumed in-process", a.Queue)
	}
}

func (a *App) heartbeat(ctx context.Context) {
	every := a.Config.LivenessWindow() / 5
	if every < minHeartbeatInterval {
		every = minHeartbeatInterval
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := a.Coord.Heartbeat(ctx); err != nil {
				a.log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// stopWorker runs on a fresh context so shutdown cleanup still reaches
// the store after the run context is canceled.
func (a *App) stopWorker() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Cache.Close(ctx); err != nil {
		a.log.Warn().Err(err).Msg("model cache close failed")
	}
	if err := a.Coord.Cleanup(ctx); err != nil {
		a.log.Warn().Err(err).Msg("worker cleanup failed")
	}
	a.log.Info().Str("event", "worker_stopped").Str("worker_id", a.Coord.WorkerID()).Msg("worker deregistered")
}

// Maintain prunes old task metadata and reclaims stale workers' leases.
// The CLI schedules it with cron.
func (a *App) Maintain(ctx context.Context) {
	if n, err := a.Tasks.CleanupOldTasks(ctx, a.Config.TaskMaxAge()); err != nil {
		a.log.Warn().Err(err).Msg("task metadata cleanup failed")
	} else if n > 0 {
		a.log.Info().Str("event", "tasks_pruned").Int("count", n).Msg("old task metadata removed")
	}
	if n, err := a.Coord.ReclaimStale(ctx); err != nil {
		a.log.Warn().Err(err).Msg("stale worker reclaim failed")
	} else if n > 0 {
		a.log.Info().Str("event", "workers_reclaimed").Int("count", n).Msg("stale workers reclaimed")
	}
}
