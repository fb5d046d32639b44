package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Defaults applied to the store client when the URL does not set them.
const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// ErrUnavailable marks a failed round-trip to the coordination store.
var ErrUnavailable = errors.New("coordination store unavailable")

// Open parses a redis:// URL, dials the store and verifies it with PING.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("empty redis url")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opt.DialTimeout == 0 {
		opt.DialTimeout = defaultDialTimeout
	}
	if opt.ReadTimeout == 0 {
		opt.ReadTimeout = defaultReadTimeout
	}
	if opt.WriteTimeout == 0 {
		opt.WriteTimeout = defaultWriteTimeout
	}
	c := redis.NewClient(opt)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, Unavailable("ping", err)
	}
	return c, nil
}

// Unavailable wraps a client error so callers can match ErrUnavailable.
// redis.Nil is a miss, not an outage, and is returned unchanged.
func Unavailable(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// IsUnavailable reports whether err came from a failed store round-trip.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }
