package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hongminglow/venue-auth/internal/apperr"
	"github.com/redis/go-redis/v9"
)

const (
	MsgCooldown = "OTP already sent. Please wait."
	MsgDailyCap = "You have exceeded the OTP request limit for today. Please try again tomorrow."
	MsgIPCap    = "Too many OTP requests from your IP. Please wait and try again later."
)

// ErrRedisUnavailable wraps Redis failures seen by the limiter.
var ErrRedisUnavailable = errors.New("rate limit redis unavailable")

// Policy is the OTP issuance policy. A non-positive limit or cooldown turns that tier off.
type Policy struct {
	Cooldown    time.Duration
	DailyLimit  int
	DailyWindow time.Duration
	IPLimit     int
	IPWindow    time.Duration
}

// DefaultPolicy is the strict policy: one OTP per minute, three per day, five per IP per ten minutes.
func DefaultPolicy() Policy {
	return Policy{
		Cooldown:    60 * time.Second,
		DailyLimit:  3,
		DailyWindow: 24 * time.Hour,
		IPLimit:     5,
		IPWindow:    10 * time.Minute,
	}
}

const (
	statusReserved int64 = 0
	statusCooldown int64 = 1
	statusDailyCap int64 = 2
	statusIPCap    int64 = 3
)

// reserveScript checks the three tiers in order and, only when all pass, records the issuance.
// KEYS[1] = cooldown key, KEYS[2] = identifier day counter, KEYS[3] = ip counter
// ARGV[1] = cooldown ms, ARGV[2] = daily limit, ARGV[3] = daily window ms,
// ARGV[4] = ip limit, ARGV[5] = ip window ms, ARGV[6] = "1" when the ip tier applies, ARGV[7] = now ms,
// ARGV[8] = "1" when the daily tier applies
// Returns {status, cooldown pttl ms}.
var reserveScript = redis.NewScript(`
local cooldown_ttl = redis.call("PTTL", KEYS[1])
if cooldown_ttl > 0 then
  return {1, cooldown_ttl}
end

local check_daily = ARGV[8] == "1"
if check_daily then
  local daily = tonumber(redis.call("GET", KEYS[2]) or "0")
  if daily >= tonumber(ARGV[2]) then
    return {2, 0}
  end
end

local check_ip = ARGV[6] == "1"
if check_ip then
  local ip_count = tonumber(redis.call("GET", KEYS[3]) or "0")
  if ip_count >= tonumber(ARGV[4]) then
    return {3, 0}
  end
end

if tonumber(ARGV[1]) > 0 then
  redis.call("SET", KEYS[1], ARGV[7], "PX", ARGV[1])
end
if check_daily then
  if redis.call("INCR", KEYS[2]) == 1 then
    redis.call("PEXPIRE", KEYS[2], ARGV[3])
  end
end
if check_ip then
  if redis.call("INCR", KEYS[3]) == 1 then
    redis.call("PEXPIRE", KEYS[3], ARGV[5])
  end
end
return {0, 0}
`)

// Limiter enforces the OTP issuance policy against Redis. All tiers are evaluated and recorded
// inside one script so concurrent requests for the same identifier cannot both pass.
type Limiter struct {
	redis  redis.UniversalClient
	policy Policy
	nowFn  func() time.Time
}

// New creates a Limiter backed by redisClient.
func New(redisClient redis.UniversalClient, policy Policy) *Limiter {
	return &Limiter{redis: redisClient, policy: policy, nowFn: time.Now}
}

// CheckAndReserve admits one OTP issuance for identifier from ip, or returns an *apperr.Error of
// kind RateLimit. An empty ip skips the IP tier, as does a disabled tier. Redis failures come back as
// KindDependency.
func (l *Limiter) CheckAndReserve(ctx context.Context, identifier, ip string) error {
	identifier = strings.TrimSpace(identifier)
	ip = strings.TrimSpace(ip)
	checkIP := flag(ip != "" && l.policy.IPLimit > 0 && l.policy.IPWindow > 0)
	checkDaily := flag(l.policy.DailyLimit > 0 && l.policy.DailyWindow > 0)

	keys := []string{cooldownKey(identifier), dailyKey(identifier), ipKey(ip)}
	args := []any{
		l.policy.Cooldown.Milliseconds(),
		l.policy.DailyLimit,
		l.policy.DailyWindow.Milliseconds(),
		l.policy.IPLimit,
		l.policy.IPWindow.Milliseconds(),
		checkIP,
		l.nowFn().UnixMilli(),
		checkDaily,
	}

	res, err := reserveScript.Run(ctx, l.redis, keys, args...).Int64Slice()
	if err != nil {
		return apperr.Dependency("otp rate limit", fmt.Errorf("%w: %v", ErrRedisUnavailable, err))
	}
	if len(res) != 2 {
		return apperr.Dependency("otp rate limit", fmt.Errorf("%w: unexpected reply %v", ErrRedisUnavailable, res))
	}

	switch res[0] {
	case statusReserved:
		return nil
	case statusCooldown:
		return apperr.RateLimited(MsgCooldown, time.Duration(res[1])*time.Millisecond)
	case statusDailyCap:
		return apperr.RateLimited(MsgDailyCap, 0)
	case statusIPCap:
		return apperr.RateLimited(MsgIPCap, 0)
	default:
		return apperr.Dependency("otp rate limit", fmt.Errorf("%w: unknown status %d", ErrRedisUnavailable, res[0]))
	}
}

func flag(on bool) string {
	if on {
		return "1"
	}
	return "0"
}

func cooldownKey(identifier string) string {
	return "otp:limit:" + identifier + ":last_sent"
}

func dailyKey(identifier string) string {
	return "otp:limit:" + identifier + ":count"
}

func ipKey(ip string) string {
	return "otp:ip:" + ip
}
