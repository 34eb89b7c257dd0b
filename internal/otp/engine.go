// Package otp issues and redeems one-time passcodes. It never dispatches codes; callers hand the
// returned code to a sender.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"time"

	"github.com/hongminglow/venue-auth/internal/models"
	"github.com/hongminglow/venue-auth/internal/storage"
)

const (
	// CodeLength is the number of digits in every code.
	CodeLength = 6
	// DefaultTTL is how long an issued code stays redeemable.
	DefaultTTL = 10 * time.Minute

	codeMin = 100000
	codeMax = 999999
)

// ErrInvalidPurpose is returned for an unknown purpose.
var ErrInvalidPurpose = errors.New("invalid otp purpose")

// Engine generates codes and persists them through an OTPStore.
type Engine struct {
	store  storage.OTPStore
	nowFn  func() time.Time
	random io.Reader
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.nowFn = now }
}

// NewEngine builds an Engine over store.
func NewEngine(store storage.OTPStore, opts ...Option) *Engine {
	e := &Engine{store: store, nowFn: time.Now, random: rand.Reader}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Issue supersedes any unverified code for (identifier, purpose) with a fresh one valid for ttl.
func (e *Engine) Issue(ctx context.Context, identifier string, purpose models.Purpose, ttl time.Duration) (string, error) {
	if !purpose.Valid() {
		return "", ErrInvalidPurpose
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	code, err := e.generate()
	if err != nil {
		return "", err
	}
	now := e.nowFn()
	rec := models.OTPRecord{
		Identifier: identifier,
		Code:       code,
		Purpose:    purpose,
		ExpiresAt:  now.Add(ttl),
	}
	if err := e.store.ReplaceOTP(ctx, rec); err != nil {
		return "", fmt.Errorf("store otp: %w", err)
	}
	return code, nil
}

// Validate reports whether code is live for (identifier, purpose). Unknown, expired, already
// verified and mismatched codes all yield false without an error.
func (e *Engine) Validate(ctx context.Context, identifier, code string, purpose models.Purpose) (bool, error) {
	if !wellFormed(code) || !purpose.Valid() {
		return false, nil
	}
	ok, err := e.store.HasLiveOTP(ctx, identifier, code, purpose, e.nowFn())
	if err != nil {
		return false, fmt.Errorf("lookup otp: %w", err)
	}
	return ok, nil
}

// MarkVerified consumes code using the same match rule as Validate. The result is false when no
// live record matched, including when a concurrent caller consumed it first.
func (e *Engine) MarkVerified(ctx context.Context, identifier, code string, purpose models.Purpose) (bool, error) {
	if !wellFormed(code) || !purpose.Valid() {
		return false, nil
	}
	ok, err := e.store.MarkOTPVerified(ctx, identifier, code, purpose, e.nowFn())
	if err != nil {
		return false, fmt.Errorf("verify otp: %w", err)
	}
	return ok, nil
}

// ConsumeVerified redeems a completed OTP check for (identifier, purpose). A check counts only until
// its code would have expired, and only once.
func (e *Engine) ConsumeVerified(ctx context.Context, identifier string, purpose models.Purpose) (bool, error) {
	if !purpose.Valid() {
		return false, ErrInvalidPurpose
	}
	ok, err := e.store.ConsumeVerifiedOTP(ctx, identifier, purpose, e.nowFn())
	if err != nil {
		return false, fmt.Errorf("consume verified otp: %w", err)
	}
	return ok, nil
}

func (e *Engine) generate() (string, error) {
	n, err := rand.Int(e.random, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return strconv.FormatInt(n.Int64()+codeMin, 10), nil
}

func wellFormed(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
