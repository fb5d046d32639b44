package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"scribed/internal/coord"
)

// ReclaimStale force-releases the leases of every worker whose heartbeat is
// older than the liveness window, whose registration is corrupt, or which
// owns leases without any registration, and removes those registrations.
// It returns the number of workers reclaimed. Concurrent callers never
// double-release: each worker is dropped in its own optimistic transaction.
func (c *Coordinator) ReclaimStale(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeatIfRegistered(ctx)
	return c.reclaimLocked(ctx)
}

func (c *Coordinator) reclaimLocked(ctx context.Context) (int, error) {
	workers, err := c.rdb.HGetAll(ctx, c.keys.Workers()).Result()
	if err != nil {
		return 0, coord.Unavailable("list workers", err)
	}
	owners, err := c.rdb.SMembers(ctx, c.keys.LeaseOwners()).Result()
	if err != nil {
		return 0, coord.Unavailable("list lease owners", err)
	}
	candidates := make(map[string]struct{})
	for id, raw := range workers {
		if id == c.workerID {
			continue
		}
		if _, alive := c.alive(raw); !alive {
			candidates[id] = struct{}{}
		}
	}
	for _, id := range owners {
		if id == c.workerID {
			continue
		}
		if _, registered := workers[id]; !registered {
			candidates[id] = struct{}{}
		}
	}
	n := 0
	for id := range candidates {
		dropped, err := c.dropWorker(ctx, id, true)
		if err != nil {
			return n, err
		}
		if dropped {
			n++
			reclaimedWorkersTotal.Inc()
		}
	}
	return n, nil
}

// alive decodes a registration and reports whether it is within the
// liveness window.
func (c *Coordinator) alive(raw string) (registration, bool) {
	var reg registration
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		return reg, false
	}
	return reg, c.now().Sub(reg.LastHeartbeat) <= c.liveness
}

// dropWorker releases all of id's leases and removes its registration. With
// onlyIfStale the registration is re-checked inside the transaction and a
// worker that heartbeated in the meantime is left alone.
func (c *Coordinator) dropWorker(ctx context.Context, id string, onlyIfStale bool) (bool, error) {
	workersKey := c.keys.Workers()
	leaseKey := c.keys.Leases(id)
	usageKey := c.keys.Usage()
	var dropped bool
	txf := func(tx *redis.Tx) error {
		dropped = false
		raw, err := tx.HGet(ctx, workersKey, id).Result()
		registered := err == nil
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if onlyIfStale && registered {
			if _, alive := c.alive(raw); alive {
				return nil
			}
		}
		leases, err := tx.HGetAll(ctx, leaseKey).Result()
		if err != nil {
			return err
		}
		var vram, ram int64
		for name, raw := range leases {
			var l Lease
			if err := json.Unmarshal([]byte(raw), &l); err != nil {
				c.log.Warn().Err(err).Str("worker", id).Str("model", name).Msg("skipping corrupt lease")
				continue
			}
			vram += int64(l.VRAMMB)
			ram += int64(l.RAMMB)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if vram != 0 {
				p.HIncrBy(ctx, usageKey, "vram_mb", -vram)
			}
			if ram != 0 {
				p.HIncrBy(ctx, usageKey, "ram_mb", -ram)
			}
			if vram != 0 || ram != 0 {
				p.HSet(ctx, usageKey, "updated_at", c.now().Unix())
			}
			p.Del(ctx, leaseKey)
			p.HDel(ctx, workersKey, id)
			p.SRem(ctx, c.keys.LeaseOwners(), id)
			return nil
		})
		if err == nil {
			dropped = registered || len(leases) > 0
			c.log.Info().Str("event", "reclaim").Str("worker", id).Int64("vram_mb", vram).Int64("ram_mb", ram).
				Int("leases", len(leases)).Msg("released worker resources")
		}
		return err
	}
	for attempt := 0; attempt < c.attempts; attempt++ {
		err := c.rdb.Watch(ctx, txf, workersKey, leaseKey)
		if err == nil {
			return dropped, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return false, coord.Unavailable("drop worker "+id, err)
	}
	return false, fmt.Errorf("drop worker %s: %w", id, ErrContention)
}
