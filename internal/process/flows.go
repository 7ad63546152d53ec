package process

import "github.com/connectme/enrollment/internal/model"

// Registration admits a new user once the phone number is verified
type Registration = Process[model.RegistrationData]

// Login re-admits an existing user once the phone number is verified
type Login = Process[model.LoginData]

// NewRegistration creates a registration in state CREATED
func NewRegistration(deps Deps) *Registration {
	return New[model.RegistrationData](KindRegistration, deps)
}

// NewLogin creates a login in state CREATED
func NewLogin(deps Deps) *Login {
	return New[model.LoginData](KindLogin, deps)
}

// RestoreRegistration rebuilds a registration from its snapshot
func RestoreRegistration(s Snapshot, deps Deps) (*Registration, error) {
	return Restore[model.RegistrationData](KindRegistration, s, deps)
}

// RestoreLogin rebuilds a login from its snapshot
func RestoreLogin(s Snapshot, deps Deps) (*Login, error) {
	return Restore[model.LoginData](KindLogin, s, deps)
}
