package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hongminglow/venue-auth/internal/models"
)

// ErrNotFound indicates a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists indicates a uniqueness conflict.
var ErrAlreadyExists = errors.New("record already exists")

// UserStore captures persistence operations on accounts.
type UserStore interface {
	CreateUser(ctx context.Context, user models.User) (models.User, error)
	FindByEmail(ctx context.Context, email string) (models.User, error)
	FindByPhone(ctx context.Context, phone string) (models.User, error)
	// SetInitialPassword creates the account for email, or sets the password on an existing
	// account that has none. It returns ErrAlreadyExists when a password is already set.
	SetInitialPassword(ctx context.Context, email, passwordHash, phone string) (models.User, error)
	UpdatePasswordHash(ctx context.Context, email, passwordHash string) error
	// FindOrCreateFederated returns the account for a provider-verified email, creating a verified
	// account with fullName and role when none exists.
	FindOrCreateFederated(ctx context.Context, email, fullName, role string) (models.User, error)
}

// OTPStore captures persistence operations on one-time passcodes.
//
// Every predicate takes now from the caller so the engine owns the clock.
type OTPStore interface {
	// ReplaceOTP removes unverified records for (identifier, purpose) and inserts rec, atomically.
	ReplaceOTP(ctx context.Context, rec models.OTPRecord) error
	// HasLiveOTP reports whether an unverified, unexpired record matches all three keys.
	HasLiveOTP(ctx context.Context, identifier, code string, purpose models.Purpose, now time.Time) (bool, error)
	// MarkOTPVerified flips the matching live record and reports whether one was updated.
	MarkOTPVerified(ctx context.Context, identifier, code string, purpose models.Purpose, now time.Time) (bool, error)
	// ConsumeVerifiedOTP deletes verified records for (identifier, purpose) that have not expired at
	// now and reports whether any were removed.
	ConsumeVerifiedOTP(ctx context.Context, identifier string, purpose models.Purpose, now time.Time) (bool, error)
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
