package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"scribed/pkg/types"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Admitted bool
	Reason   string
	// UnknownModel is set when the model is missing from the catalog.
	UnknownModel bool
	// Pool that refused admission, empty when admitted.
	Pool        Pool
	RequestedMB int
	AvailableMB int
}

// Err converts a refusal into an error for model; nil when admitted.
func (d Decision) Err(model string) error {
	if d.Admitted {
		return nil
	}
	if d.UnknownModel {
		return ErrModelNotFound(model)
	}
	return &ExhaustedError{Pool: d.Pool, Model: model, RequestedMB: d.RequestedMB, AvailableMB: d.AvailableMB, Reason: d.Reason}
}

// Admit checks whether model fits the pools. The accelerator pool is only
// checked when onAccelerator is set; host memory always is. A lease this
// worker already holds for the same model is credited back first. Store read
// failures degrade to zero usage.
func (c *Coordinator) Admit(ctx context.Context, model string, onAccelerator bool) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch(ctx)
	return c.admitLocked(ctx, model, onAccelerator)
}

// CanAdmit is Admit reduced to (admitted, reason).
func (c *Coordinator) CanAdmit(ctx context.Context, model string, onAccelerator bool) (bool, string) {
	d := c.Admit(ctx, model, onAccelerator)
	return d.Admitted, d.Reason
}

func (c *Coordinator) admitLocked(ctx context.Context, model string, onAccelerator bool) Decision {
	spec, ok := c.catalog.Lookup(model)
	if !ok {
		return Decision{UnknownModel: true, Reason: "Unknown model: " + model}
	}
	usage, err := c.Usage(ctx)
	if err != nil {
		c.log.Warn().Err(err).Str("event", "usage_read_failed").Msg("assuming zero usage")
		usage = Usage{}
	}
	held, err := c.heldLease(ctx, c.rdb, model)
	if err != nil {
		held = nil
	}
	host, hostErr := c.hostMem()
	return c.evaluate(spec, onAccelerator, usage, held, host, hostErr)
}

// claimFor returns the amounts a lease for spec records.
func (c *Coordinator) claimFor(spec types.ModelSpec, onAccelerator bool) (vram, ram int) {
	if onAccelerator {
		vram = spec.VRAMMB + c.auxVRAM
	}
	return vram, spec.RAMMB
}

// evaluate is the pure admission rule. Exact equality with a ceiling admits.
func (c *Coordinator) evaluate(spec types.ModelSpec, onAccelerator bool, usage Usage, held *Lease, host HostMemory, hostErr error) Decision {
	reqVRAM, reqRAM := c.claimFor(spec, onAccelerator)
	curVRAM, curRAM := usage.VRAMMB, usage.RAMMB
	if held != nil {
		curVRAM = max(0, curVRAM-held.VRAMMB)
		curRAM = max(0, curRAM-held.RAMMB)
	}
	if onAccelerator && curVRAM+reqVRAM > c.maxVRAM {
		return Decision{
			Reason:      fmt.Sprintf("VRAM limit exceeded: %dMB > %dMB", curVRAM+reqVRAM, c.maxVRAM),
			Pool:        PoolDevice,
			RequestedMB: reqVRAM,
			AvailableMB: max(0, c.maxVRAM-curVRAM),
		}
	}
	if curRAM+reqRAM > c.maxRAM {
		return Decision{
			Reason:      fmt.Sprintf("RAM limit exceeded: %dMB > %dMB", curRAM+reqRAM, c.maxRAM),
			Pool:        PoolHost,
			RequestedMB: reqRAM,
			AvailableMB: max(0, c.maxRAM-curRAM),
		}
	}
	if hostErr == nil && host.UsedPercent > c.hostLimit {
		return Decision{
			Reason:      fmt.Sprintf("System RAM too high: %.1f%%", host.UsedPercent),
			Pool:        PoolHostMemory,
			RequestedMB: reqRAM,
			AvailableMB: host.AvailableMB,
		}
	}
	return Decision{Admitted: true, Reason: "OK", RequestedMB: reqRAM + reqVRAM}
}

// heldLease reads this worker's lease for model; nil when absent or corrupt.
func (c *Coordinator) heldLease(ctx context.Context, r redis.Cmdable, model string) (*Lease, error) {
	raw, err := r.HGet(ctx, c.keys.Leases(c.workerID), model).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var l Lease
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		c.log.Warn().Err(err).Str("model", model).Msg("ignoring corrupt lease")
		return nil, nil
	}
	return &l, nil
}
