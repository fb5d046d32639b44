package modelcache

import (
	"context"
	"sync"
)

// MoveToDevice places h on the accelerator, reserving its device claim. A
// handle already on the device is left alone.
func (c *Cache) MoveToDevice(ctx context.Context, h *Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moveToDeviceLocked(ctx, h)
}

func (c *Cache) moveToDeviceLocked(ctx context.Context, h *Handle) error {
	if !c.residentLocked(h) {
		return ErrNotCached
	}
	if h.placement == PlacementDevice {
		return nil
	}
	dec, err := c.coord.Reserve(ctx, h.Name, true)
	if err != nil {
		return err
	}
	if !dec.Admitted {
		return c.refuse(h.Name, dec)
	}
	h.placement = PlacementDevice
	c.log.Debug().Str("event", "place").Str("model", h.Name).Str("placement", string(h.placement)).Msg("moved to device")
	c.pub.Publish(Event{Name: EventPlace, Model: h.Name, Fields: map[string]any{"placement": string(PlacementDevice)}})
	return nil
}

// ReleaseFromDevice moves h back to host memory and shrinks its lease to the
// host claim. Shrinking is always admitted.
func (c *Cache) ReleaseFromDevice(ctx context.Context, h *Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseFromDeviceLocked(ctx, h)
}

func (c *Cache) releaseFromDeviceLocked(ctx context.Context, h *Handle) error {
	if h.placement != PlacementDevice {
		return nil
	}
	if !c.residentLocked(h) {
		// Already evicted and its lease returned.
		h.placement = PlacementHost
		return nil
	}
	if _, err := c.coord.Reserve(ctx, h.Name, false); err != nil {
		return err
	}
	h.placement = PlacementHost
	c.pub.Publish(Event{Name: EventPlace, Model: h.Name, Fields: map[string]any{"placement": string(PlacementHost)}})
	return nil
}

func (c *Cache) residentLocked(h *Handle) bool {
	cur, ok := c.mem.Peek(h.Name)
	return ok && cur == h
}

// Acquire gets name and, when onAccelerator is set, places it on the device.
// The handle is pinned against eviction until release is called; release
// moves it back to host memory once no other holder still needs the device,
// and is safe to call more than once.
func (c *Cache) Acquire(ctx context.Context, name string, onAccelerator bool) (*Handle, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, err := c.getLocked(ctx, name)
	if err != nil {
		return nil, func() {}, err
	}
	if onAccelerator {
		if err := c.moveToDeviceLocked(ctx, h); err != nil {
			return nil, func() {}, err
		}
	}
	h.refs++
	if onAccelerator {
		h.deviceRefs++
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			h.refs--
			if onAccelerator {
				h.deviceRefs--
			}
			if h.deviceRefs > 0 {
				return
			}
			if err := c.releaseFromDeviceLocked(context.WithoutCancel(ctx), h); err != nil {
				c.log.Warn().Err(err).Str("model", h.Name).Msg("release from device failed")
			}
		})
	}
	return h, release, nil
}
