package models

import "time"

// User captures application-facing fields for an authenticated identity.
// Email and Phone are empty when the account was created without them.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	PasswordHash string    `json:"-"`
	FullName     string    `json:"full_name,omitempty"`
	Role         string    `json:"role"`
	IsVerified   bool      `json:"is_verified"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasPassword reports whether a password has been set for the account.
func (u User) HasPassword() bool {
	return u.PasswordHash != ""
}
