package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var windowIncrScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// Result reports the outcome of a Window check.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Window is a fixed-window request counter used to throttle whole endpoints per client.
type Window struct {
	client redis.UniversalClient
	prefix string
	nowFn  func() time.Time
}

// NewWindow constructs a Window whose keys are namespaced by prefix.
func NewWindow(client redis.UniversalClient, prefix string) *Window {
	return &Window{
		client: client,
		prefix: strings.TrimSpace(prefix),
		nowFn:  time.Now,
	}
}

// Allow counts one hit for key in the current window. A non-positive limit or window disables the check.
func (w *Window) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	if w == nil || w.client == nil || limit <= 0 || window <= 0 || key == "" {
		return Result{Allowed: true}, nil
	}

	now := w.nowFn()
	slot := now.UnixMilli() / window.Milliseconds()
	reset := time.UnixMilli((slot + 1) * window.Milliseconds()).UTC()

	count, err := windowIncrScript.Run(ctx, w.client, []string{w.buildKey(key, slot)}, window.Milliseconds()).Int64()
	if err != nil {
		return Result{}, err
	}
	if count > int64(limit) {
		return Result{Allowed: false, Remaining: 0, Reset: reset}, nil
	}
	return Result{Allowed: true, Remaining: limit - int(count), Reset: reset}, nil
}

func (w *Window) buildKey(key string, slot int64) string {
	slotStr := strconv.FormatInt(slot, 10)
	if w.prefix == "" {
		return key + ":" + slotStr
	}
	return w.prefix + ":" + key + ":" + slotStr
}
