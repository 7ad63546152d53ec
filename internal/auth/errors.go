package auth

import "errors"

var (
	// ErrUserDataInvalid wraps validation failures of submitted user data
	ErrUserDataInvalid = errors.New("user data invalid")
	// ErrUsernameTaken is returned when the requested username is already registered
	ErrUsernameTaken = errors.New("username taken")
	// ErrPhoneNumberInUse is returned when the phone number belongs to another user
	ErrPhoneNumberInUse = errors.New("phone number in use")
	// ErrNoSuchUser is returned by login when the username is unknown
	ErrNoSuchUser = errors.New("no such user")
	// ErrWrongPassword is returned by login when the password does not match
	ErrWrongPassword = errors.New("wrong password")
)
