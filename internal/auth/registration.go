package auth

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/connectme/enrollment/internal/model"
	"github.com/connectme/enrollment/internal/process"
	"github.com/connectme/enrollment/internal/repo"
	"github.com/connectme/enrollment/internal/session"
	"github.com/connectme/enrollment/internal/sms"
)

// RegistrationService drives registration processes stored per session
type RegistrationService struct {
	flow   flow[model.RegistrationData]
	users  repo.UserRepo
	hasher PasswordHasher
	tokens *JWTService
}

// NewRegistrationService creates a new registration service
func NewRegistrationService(
	store session.Store,
	deps process.Deps,
	users repo.UserRepo,
	hasher PasswordHasher,
	tokens *JWTService,
) *RegistrationService {
	return &RegistrationService{
		flow: flow[model.RegistrationData]{
			kind:    process.KindRegistration,
			store:   store,
			deps:    deps,
			key:     session.RegistrationKey,
			restore: process.RestoreRegistration,
		},
		users:  users,
		hasher: hasher,
		tokens: tokens,
	}
}

// Init resets the session's registration to CREATED
func (s *RegistrationService) Init(ctx context.Context, sid string) (Status, error) {
	return s.flow.reset(ctx, sid)
}

// SubmitUserData validates the input, checks that username and phone number
// are free and attaches the data to the registration.
func (s *RegistrationService) SubmitUserData(ctx context.Context, sid string, in RegistrationInput) (Status, error) {
	in.normalize()
	return s.flow.run(ctx, sid, func(p *process.Registration) (bool, error) {
		if err := requireState(p, process.EventSubmitData); err != nil {
			return false, err
		}
		if err := validateInput(in); err != nil {
			return false, err
		}

		available, err := s.users.IsUsernameAvailable(ctx, in.Username)
		if err != nil {
			return false, fmt.Errorf("check username availability: %w", err)
		}
		if !available {
			return false, ErrUsernameTaken
		}
		inUse, err := s.users.ExistsByPhone(ctx, in.PhoneNumber)
		if err != nil {
			return false, fmt.Errorf("check phone number: %w", err)
		}
		if inUse {
			return false, ErrPhoneNumberInUse
		}

		hash, err := s.hasher.Hash(in.Password)
		if err != nil {
			return false, err
		}
		return false, p.SetPayload(model.RegistrationData{
			Username:     in.Username,
			PasswordHash: hash,
			PhoneNumber:  in.PhoneNumber,
		})
	})
}

// StartVerification issues a code to the registration's phone number
func (s *RegistrationService) StartVerification(ctx context.Context, sid string) (Status, error) {
	return s.flow.startVerification(ctx, sid)
}

// CheckCode checks the code and, on a match, creates the user and issues an
// access token. When the username was taken in the meantime the registration
// is reset; any other repo failure ends it.
func (s *RegistrationService) CheckCode(ctx context.Context, sid, code string) (Admission, Status, error) {
	var adm Admission
	status, err := s.flow.run(ctx, sid, func(p *process.Registration) (bool, error) {
		if err := p.CheckVerificationCode(code); err != nil {
			return false, err
		}

		data, _ := p.Payload()
		user, err := s.users.Create(ctx, data.NewUser())
		if err != nil {
			if errors.Is(err, repo.ErrAlreadyExists) {
				if rerr := p.Reset(); rerr != nil {
					log.Printf("[registration] reset after late conflict failed: %v", rerr)
				}
				return false, ErrUsernameTaken
			}
			return true, fmt.Errorf("create user: %w", err)
		}

		token, err := s.tokens.SignAccessToken(user)
		if err != nil {
			return true, err
		}
		log.Printf("[registration] user %s registered with phone %s", user.ID, sms.MaskPhone(user.PhoneNumber))
		adm = Admission{User: user, AccessToken: token}
		return true, nil
	})
	return adm, status, err
}

// State reports the session's registration state
func (s *RegistrationService) State(ctx context.Context, sid string) (Status, error) {
	return s.flow.status(ctx, sid)
}
