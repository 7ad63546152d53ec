package model

import (
	"time"

	"github.com/google/uuid"
)

// User represents a registered user
type User struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
	PhoneNumber  string
	CreatedAt    time.Time
}

// NewUser holds the fields needed to persist a user
type NewUser struct {
	Username     string
	PasswordHash string
	PhoneNumber  string
}

// RegistrationData is the payload of a registration process.
// The password is hashed before it is attached to the process.
type RegistrationData struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
	PhoneNumber  string `json:"phone_number"`
}

// Destination returns the phone number the verification code is sent to
func (d RegistrationData) Destination() string { return d.PhoneNumber }

// NewUser converts the registration payload into a user to persist
func (d RegistrationData) NewUser() NewUser {
	return NewUser{
		Username:     d.Username,
		PasswordHash: d.PasswordHash,
		PhoneNumber:  d.PhoneNumber,
	}
}

// LoginData is the payload of a login process, stored once the credentials matched
type LoginData struct {
	UserID      uuid.UUID `json:"user_id"`
	Username    string    `json:"username"`
	PhoneNumber string    `json:"phone_number"`
}

// Destination returns the phone number the verification code is sent to
func (d LoginData) Destination() string { return d.PhoneNumber }
