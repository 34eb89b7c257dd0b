// Package cache holds the short-lived state kept in Redis: provisional signup payloads and the
// session deny-list. Nothing stored here is durable; a missing key always means "no state".
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hongminglow/venue-auth/internal/models"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// ErrUnavailable wraps Redis transport failures.
var ErrUnavailable = errors.New("cache unavailable")

const (
	signupEmailPrefix = "otp:"
	signupPhonePrefix = "otp:phone:"
	revokedPrefix     = "session:revoked:"
)

// Cache is a thin typed layer over a Redis client.
type Cache struct {
	client redis.UniversalClient
}

// New wraps an existing client. The caller owns the client's lifecycle.
func New(client redis.UniversalClient) *Cache {
	return &Cache{client: client}
}

// Connect parses a redis:// URL, opens a client and pings it.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return client, nil
}

// Ping checks connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// SignupEmailKey is the key holding a signup payload addressed by email.
func SignupEmailKey(email string) string {
	return signupEmailPrefix + strings.ToLower(email)
}

// SignupPhoneKey is the key holding a signup payload addressed by phone.
func SignupPhoneKey(phone string) string {
	return signupPhonePrefix + phone
}

// SaveSignupPayload stores payload under its email key, and under its phone key when a phone is set.
func (c *Cache) SaveSignupPayload(ctx context.Context, payload models.SignupPayload, ttl time.Duration) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode signup payload: %w", err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, SignupEmailKey(payload.Email), encoded, ttl)
		if payload.Phone != "" {
			pipe.Set(ctx, SignupPhoneKey(payload.Phone), encoded, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// LoadSignupPayload reads the payload stored under key. A payload that does not decode is treated
// as a miss so a corrupt entry forces the caller to restart signup.
func (c *Cache) LoadSignupPayload(ctx context.Context, key string) (models.SignupPayload, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.SignupPayload{}, ErrMiss
		}
		return models.SignupPayload{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var payload models.SignupPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Email == "" {
		return models.SignupPayload{}, ErrMiss
	}
	return payload, nil
}

// DeleteSignupPayload removes every key the payload was stored under.
func (c *Cache) DeleteSignupPayload(ctx context.Context, payload models.SignupPayload) error {
	keys := []string{SignupEmailKey(payload.Email)}
	if payload.Phone != "" {
		keys = append(keys, SignupPhoneKey(payload.Phone))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Revoke deny-lists a session token id until ttl elapses. Non-positive ttls are ignored since the
// token has already expired.
func (c *Cache) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if tokenID == "" || ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, revokedPrefix+tokenID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// IsRevoked reports whether tokenID is on the deny-list.
func (c *Cache) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	if tokenID == "" {
		return false, nil
	}
	n, err := c.client.Exists(ctx, revokedPrefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}
