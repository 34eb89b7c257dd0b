// Package memory provides an in-process implementation of the storage interfaces for local
// development and tests. It keeps the same uniqueness and supersedence rules as the Postgres store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hongminglow/venue-auth/internal/models"
	"github.com/hongminglow/venue-auth/internal/storage"
)

var (
	_ storage.UserStore = (*Store)(nil)
	_ storage.OTPStore  = (*Store)(nil)
	_ storage.Pinger    = (*Store)(nil)
)

// Store keeps users and OTP records in maps guarded by a single mutex.
type Store struct {
	mu     sync.Mutex
	users  map[string]models.User
	otps   []models.OTPRecord
	nextID int64
	now    func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users: make(map[string]models.User),
		now:   time.Now,
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// CreateUser inserts user, enforcing unique email and phone.
func (s *Store) CreateUser(_ context.Context, user models.User) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conflictLocked(user.Email, user.Phone, "") {
		return models.User{}, storage.ErrAlreadyExists
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.Role == "" {
		user.Role = models.DefaultRole
	}
	user.CreatedAt = s.now()
	s.users[user.ID] = user
	return user, nil
}

// FindByEmail fetches a user by email address.
func (s *Store) FindByEmail(_ context.Context, email string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(func(u models.User) bool { return email != "" && u.Email == email })
}

// FindByPhone fetches a user by phone number.
func (s *Store) FindByPhone(_ context.Context, phone string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(func(u models.User) bool { return phone != "" && u.Phone == phone })
}

// SetInitialPassword creates or completes the account for email.
func (s *Store) SetInitialPassword(_ context.Context, email, passwordHash, phone string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.findLocked(func(u models.User) bool { return u.Email == email })
	if err != nil {
		if s.conflictLocked("", phone, "") {
			return models.User{}, storage.ErrAlreadyExists
		}
		user := models.User{
			ID:           uuid.NewString(),
			Email:        email,
			Phone:        phone,
			PasswordHash: passwordHash,
			Role:         models.DefaultRole,
			IsVerified:   true,
			CreatedAt:    s.now(),
		}
		s.users[user.ID] = user
		return user, nil
	}

	if existing.HasPassword() {
		return models.User{}, storage.ErrAlreadyExists
	}
	if phone != "" && phone != existing.Phone {
		if s.conflictLocked("", phone, existing.ID) {
			return models.User{}, storage.ErrAlreadyExists
		}
		existing.Phone = phone
	}
	existing.PasswordHash = passwordHash
	existing.IsVerified = true
	s.users[existing.ID] = existing
	return existing, nil
}

// UpdatePasswordHash replaces the password hash for email.
func (s *Store) UpdatePasswordHash(_ context.Context, email, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.findLocked(func(u models.User) bool { return u.Email == email })
	if err != nil {
		return err
	}
	user.PasswordHash = passwordHash
	s.users[user.ID] = user
	return nil
}

// FindOrCreateFederated returns the account for email, creating it when missing.
func (s *Store) FindOrCreateFederated(_ context.Context, email, fullName, role string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user, err := s.findLocked(func(u models.User) bool { return u.Email == email }); err == nil {
		return user, nil
	}
	user := models.User{
		ID:         uuid.NewString(),
		Email:      email,
		FullName:   fullName,
		Role:       role,
		IsVerified: true,
		CreatedAt:  s.now(),
	}
	s.users[user.ID] = user
	return user, nil
}

// ReplaceOTP drops unverified records for the pair and appends rec.
func (s *Store) ReplaceOTP(_ context.Context, rec models.OTPRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.otps[:0]
	for _, r := range s.otps {
		if r.Identifier == rec.Identifier && r.Purpose == rec.Purpose && !r.Verified {
			continue
		}
		kept = append(kept, r)
	}
	s.nextID++
	rec.ID = s.nextID
	rec.Verified = false
	rec.CreatedAt = s.now()
	s.otps = append(kept, rec)
	return nil
}

// HasLiveOTP reports whether a live record matches exactly.
func (s *Store) HasLiveOTP(_ context.Context, identifier, code string, purpose models.Purpose, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveIndexLocked(identifier, code, purpose, now) >= 0, nil
}

// MarkOTPVerified flips the matching live record.
func (s *Store) MarkOTPVerified(_ context.Context, identifier, code string, purpose models.Purpose, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.liveIndexLocked(identifier, code, purpose, now)
	if i < 0 {
		return false, nil
	}
	s.otps[i].Verified = true
	return true, nil
}

// ConsumeVerifiedOTP drops unexpired verified records for the pair.
func (s *Store) ConsumeVerifiedOTP(_ context.Context, identifier string, purpose models.Purpose, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.otps[:0]
	consumed := false
	for _, r := range s.otps {
		if r.Identifier == identifier && r.Purpose == purpose && r.Verified && !now.After(r.ExpiresAt) {
			consumed = true
			continue
		}
		kept = append(kept, r)
	}
	s.otps = kept
	return consumed, nil
}

// OTPRecords returns a copy of the records for (identifier, purpose).
func (s *Store) OTPRecords(identifier string, purpose models.Purpose) []models.OTPRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.OTPRecord
	for _, r := range s.otps {
		if r.Identifier == identifier && r.Purpose == purpose {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) liveIndexLocked(identifier, code string, purpose models.Purpose, now time.Time) int {
	for i, r := range s.otps {
		if r.Identifier == identifier && r.Code == code && r.Purpose == purpose && r.Live(now) {
			return i
		}
	}
	return -1
}

func (s *Store) findLocked(match func(models.User) bool) (models.User, error) {
	for _, u := range s.users {
		if match(u) {
			return u, nil
		}
	}
	return models.User{}, storage.ErrNotFound
}

func (s *Store) conflictLocked(email, phone, skipID string) bool {
	for id, u := range s.users {
		if id == skipID {
			continue
		}
		if email != "" && u.Email == email {
			return true
		}
		if phone != "" && u.Phone == phone {
			return true
		}
	}
	return false
}
