package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"scribed/internal/coord"
)

// Reserve re-validates admission and, if admitted, records a lease for
// (worker, model) and increments the aggregate counters in one optimistic
// transaction, so concurrent reserves from other workers cannot over-admit.
// Reserving a model this worker already holds replaces the lease and applies
// only the difference. A claim that shrinks the existing lease is always
// admitted. A refusal is reported in the Decision with a nil error; store
// failures are returned wrapped in coord.ErrUnavailable.
func (c *Coordinator) Reserve(ctx context.Context, model string, onAccelerator bool) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.registered {
		// A lease owner without a registration is reclaimed as an orphan.
		if err := c.registerLocked(ctx); err != nil {
			return Decision{}, err
		}
	}
	c.touch(ctx)

	spec, ok := c.catalog.Lookup(model)
	if !ok {
		reservationsTotal.WithLabelValues("unknown").Inc()
		return Decision{UnknownModel: true, Reason: "Unknown model: " + model}, nil
	}
	vram, ram := c.claimFor(spec, onAccelerator)
	claim := Lease{Model: model, OnAccelerator: onAccelerator, VRAMMB: vram, RAMMB: ram}
	usageKey := c.keys.Usage()
	leaseKey := c.keys.Leases(c.workerID)

	var dec Decision
	txf := func(tx *redis.Tx) error {
		usage, err := readUsage(ctx, tx, usageKey)
		if err != nil {
			return err
		}
		held, err := c.heldLease(ctx, tx, model)
		if err != nil {
			return err
		}
		var dVRAM, dRAM int
		if held != nil {
			dVRAM, dRAM = claim.VRAMMB-held.VRAMMB, claim.RAMMB-held.RAMMB
		} else {
			dVRAM, dRAM = claim.VRAMMB, claim.RAMMB
		}
		if held != nil && dVRAM <= 0 && dRAM <= 0 {
			dec = Decision{Admitted: true, Reason: "OK", RequestedMB: claim.VRAMMB + claim.RAMMB}
		} else {
			host, hostErr := c.hostMem()
			dec = c.evaluate(spec, onAccelerator, usage, held, host, hostErr)
			if !dec.Admitted {
				return nil
			}
		}
		now := c.now()
		claim.ReservedAt = now
		b, err := json.Marshal(claim)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if dVRAM != 0 {
				p.HIncrBy(ctx, usageKey, "vram_mb", int64(dVRAM))
			}
			if dRAM != 0 {
				p.HIncrBy(ctx, usageKey, "ram_mb", int64(dRAM))
			}
			p.HSet(ctx, usageKey, "updated_at", now.Unix())
			p.HSet(ctx, leaseKey, model, b)
			p.SAdd(ctx, c.keys.LeaseOwners(), c.workerID)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < c.attempts; attempt++ {
		err := c.rdb.Watch(ctx, txf, usageKey, leaseKey)
		if err == nil {
			if dec.Admitted {
				reservationsTotal.WithLabelValues("admitted").Inc()
				c.log.Info().Str("event", "reserve").Str("model", model).Bool("on_accelerator", onAccelerator).
					Int("vram_mb", claim.VRAMMB).Int("ram_mb", claim.RAMMB).Msg("reserved")
			} else {
				reservationsTotal.WithLabelValues("refused").Inc()
				c.log.Info().Str("event", "reserve_refused").Str("model", model).Str("reason", dec.Reason).Msg("reservation refused")
			}
			return dec, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		reservationsTotal.WithLabelValues("error").Inc()
		return Decision{}, coord.Unavailable("reserve "+model, err)
	}
	reservationsTotal.WithLabelValues("error").Inc()
	return Decision{}, fmt.Errorf("reserve %s: %w", model, ErrContention)
}

// Release decrements the counters by exactly what the lease recorded and
// deletes it. Releasing a model with no lease is a no-op.
func (c *Coordinator) Release(ctx context.Context, model string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch(ctx)

	usageKey := c.keys.Usage()
	leaseKey := c.keys.Leases(c.workerID)
	var released *Lease
	txf := func(tx *redis.Tx) error {
		released = nil
		raw, err := tx.HGet(ctx, leaseKey, model).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var l Lease
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			c.log.Warn().Err(err).Str("model", model).Msg("dropping corrupt lease")
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if l.VRAMMB != 0 {
				p.HIncrBy(ctx, usageKey, "vram_mb", -int64(l.VRAMMB))
			}
			if l.RAMMB != 0 {
				p.HIncrBy(ctx, usageKey, "ram_mb", -int64(l.RAMMB))
			}
			p.HSet(ctx, usageKey, "updated_at", c.now().Unix())
			p.HDel(ctx, leaseKey, model)
			return nil
		})
		if err == nil {
			released = &l
		}
		return err
	}
	for attempt := 0; attempt < c.attempts; attempt++ {
		err := c.rdb.Watch(ctx, txf, leaseKey)
		if err == nil {
			if released != nil {
				releasesTotal.Inc()
				c.log.Info().Str("event", "release").Str("model", model).
					Int("vram_mb", released.VRAMMB).Int("ram_mb", released.RAMMB).Msg("released")
			}
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return coord.Unavailable("release "+model, err)
	}
	return fmt.Errorf("release %s: %w", model, ErrContention)
}
