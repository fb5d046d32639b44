package coord

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestOpenPingsStore(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := Open(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	if err := c.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
}

func TestOpenErrors(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatalf("expected error on empty url")
	}
	if _, err := Open(context.Background(), "not a url"); err == nil {
		t.Fatalf("expected parse error")
	}
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := Open(context.Background(), "redis://"+addr)
	if !IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestUnavailableWrapping(t *testing.T) {
	if Unavailable("get", nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	if err := Unavailable("get", redis.Nil); !errors.Is(err, redis.Nil) || IsUnavailable(err) {
		t.Fatalf("redis.Nil must pass through: %v", err)
	}
	base := errors.New("dial tcp: refused")
	err := Unavailable("hincrby", base)
	if !IsUnavailable(err) || !errors.Is(err, base) {
		t.Fatalf("expected both sentinel and cause: %v", err)
	}
	if again := Unavailable("outer", err); again != err {
		t.Fatalf("double wrap: %v", again)
	}
}

func TestKeys(t *testing.T) {
	k := Keys{}
	if k.Usage() != "scribed:usage" {
		t.Fatalf("usage=%s", k.Usage())
	}
	k = Keys{Prefix: "t1"}
	if k.Leases("w") != "t1:leases:w" || k.TaskMeta("x") != "t1:task:x" {
		t.Fatalf("unexpected keys: %s %s", k.Leases("w"), k.TaskMeta("x"))
	}
	if id := k.TaskIDFromMeta(k.TaskMeta("abc")); id != "abc" {
		t.Fatalf("id=%s", id)
	}
}
