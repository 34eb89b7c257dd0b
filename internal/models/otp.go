package models

import "time"

// Purpose scopes an OTP so a code issued for one flow cannot be replayed in another.
type Purpose string

const (
	PurposeSignup Purpose = "signup"
	PurposeReset  Purpose = "reset"
	PurposeLogin  Purpose = "login"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeSignup, PurposeReset, PurposeLogin:
		return true
	}
	return false
}

// OTPRecord is one issued passcode for an (identifier, purpose) pair.
type OTPRecord struct {
	ID         int64
	Identifier string
	Code       string
	Purpose    Purpose
	ExpiresAt  time.Time
	Verified   bool
	CreatedAt  time.Time
}

// Live reports whether the record can still be redeemed at now.
func (r OTPRecord) Live(now time.Time) bool {
	return !r.Verified && !now.After(r.ExpiresAt)
}

// SignupPayload is the provisional account data held in the cache until the signup OTP is verified.
type SignupPayload struct {
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash,omitempty"`
	Phone        string `json:"phone,omitempty"`
	FullName     string `json:"full_name,omitempty"`
}
