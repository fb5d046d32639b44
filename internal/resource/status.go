package resource

import (
	"context"
	"encoding/json"
	"math"
	"sort"

	"scribed/internal/coord"
	"scribed/pkg/types"
)

// Status reports limits, aggregate usage, local host memory and the
// registered workers.
func (c *Coordinator) Status(ctx context.Context) (types.ResourceStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Read-only callers such as the API must not register themselves as
	// workers, so only the stale sweep runs here.
	if _, err := c.reclaimLocked(ctx); err != nil {
		c.log.Warn().Err(err).Str("event", "reclaim_failed").Msg("stale worker sweep failed")
	}

	usage, err := c.Usage(ctx)
	if err != nil {
		return types.ResourceStatus{}, err
	}
	out := types.ResourceStatus{
		Limits: types.ResourceLimits{MaxVRAMMB: c.maxVRAM, MaxRAMMB: c.maxRAM},
		Usage: types.ResourceUsage{
			VRAMMB:      usage.VRAMMB,
			RAMMB:       usage.RAMMB,
			VRAMPercent: percent(usage.VRAMMB, c.maxVRAM),
			RAMPercent:  percent(usage.RAMMB, c.maxRAM),
		},
		Workers: []types.WorkerInfo{},
	}
	if host, err := c.hostMem(); err == nil {
		out.System = &types.SystemMemory{
			TotalRAMMB:     host.TotalMB,
			UsedRAMPercent: host.UsedPercent,
			AvailableRAMMB: host.AvailableMB,
		}
	}
	workers, err := c.rdb.HGetAll(ctx, c.keys.Workers()).Result()
	if err != nil {
		return types.ResourceStatus{}, coord.Unavailable("list workers", err)
	}
	for id, raw := range workers {
		var reg registration
		if err := json.Unmarshal([]byte(raw), &reg); err != nil {
			continue
		}
		n, err := c.rdb.HLen(ctx, c.keys.Leases(id)).Result()
		if err != nil {
			return types.ResourceStatus{}, coord.Unavailable("count leases", err)
		}
		out.Workers = append(out.Workers, types.WorkerInfo{
			WorkerID:      id,
			PID:           reg.PID,
			RegisteredAt:  reg.RegisteredAt,
			LastHeartbeat: reg.LastHeartbeat,
			Leases:        int(n),
		})
	}
	sort.Slice(out.Workers, func(i, j int) bool { return out.Workers[i].WorkerID < out.Workers[j].WorkerID })
	out.ActiveWorkers = len(out.Workers)
	return out, nil
}

func percent(used, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return math.Round(float64(used)/float64(limit)*1000) / 10
}
