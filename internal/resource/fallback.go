package resource

import "context"

// SuggestFallback returns requested if it is admissible, otherwise the first
// admissible model in precedence order, otherwise the smallest catalog entry.
func (c *Coordinator) SuggestFallback(ctx context.Context, requested string, onAccelerator bool) (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch(ctx)

	first := c.admitLocked(ctx, requested, onAccelerator)
	if first.Admitted {
		return requested, "Requested model available"
	}
	for _, name := range c.catalog.Precedence() {
		if name == requested {
			continue
		}
		if c.admitLocked(ctx, name, onAccelerator).Admitted {
			return name, "Suggested smaller model due to: " + first.Reason
		}
	}
	smallest := c.catalog.Smallest().Name
	return smallest, "Only " + smallest + " model fits due to: " + first.Reason
}
