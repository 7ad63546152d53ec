package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/connectme/enrollment/internal/model"
	"github.com/connectme/enrollment/internal/process"
	"github.com/connectme/enrollment/internal/repo"
	"github.com/connectme/enrollment/internal/session"
)

// LoginService drives login processes stored per session
type LoginService struct {
	flow   flow[model.LoginData]
	users  repo.UserRepo
	hasher PasswordHasher
	tokens *JWTService

	dummyOnce sync.Once
	dummy     string
}

// NewLoginService creates a new login service
func NewLoginService(
	store session.Store,
	deps process.Deps,
	users repo.UserRepo,
	hasher PasswordHasher,
	tokens *JWTService,
) *LoginService {
	return &LoginService{
		flow: flow[model.LoginData]{
			kind:    process.KindLogin,
			store:   store,
			deps:    deps,
			key:     session.LoginKey,
			restore: process.RestoreLogin,
		},
		users:  users,
		hasher: hasher,
		tokens: tokens,
	}
}

// Init resets the session's login to CREATED
func (s *LoginService) Init(ctx context.Context, sid string) (Status, error) {
	return s.flow.reset(ctx, sid)
}

// SubmitCredentials looks the user up, checks the password and attaches the
// user to the login.
func (s *LoginService) SubmitCredentials(ctx context.Context, sid string, in LoginInput) (Status, error) {
	in.normalize()
	return s.flow.run(ctx, sid, func(p *process.Login) (bool, error) {
		if err := requireState(p, process.EventSubmitData); err != nil {
			return false, err
		}
		if err := validateInput(in); err != nil {
			return false, err
		}

		user, err := s.users.GetByUsername(ctx, in.Username)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				// unknown usernames pay the same hashing cost as known ones
				_ = s.hasher.Compare(s.dummyHash(), in.Password)
				return false, ErrNoSuchUser
			}
			return false, fmt.Errorf("fetch user: %w", err)
		}
		if err := s.hasher.Compare(user.PasswordHash, in.Password); err != nil {
			return false, err
		}

		return false, p.SetPayload(model.LoginData{
			UserID:      user.ID,
			Username:    user.Username,
			PhoneNumber: user.PhoneNumber,
		})
	})
}

// StartVerification issues a code to the user's phone number
func (s *LoginService) StartVerification(ctx context.Context, sid string) (Status, error) {
	return s.flow.startVerification(ctx, sid)
}

// CheckCode checks the code and, on a match, issues an access token. A repo
// failure after the match ends the login, so the session starts over.
func (s *LoginService) CheckCode(ctx context.Context, sid, code string) (Admission, Status, error) {
	var adm Admission
	status, err := s.flow.run(ctx, sid, func(p *process.Login) (bool, error) {
		if err := p.CheckVerificationCode(code); err != nil {
			return false, err
		}

		data, _ := p.Payload()
		user, err := s.users.GetByID(ctx, data.UserID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return true, ErrNoSuchUser
			}
			return true, fmt.Errorf("fetch user: %w", err)
		}

		token, err := s.tokens.SignAccessToken(user)
		if err != nil {
			return true, err
		}
		log.Printf("[login] user %s logged in", user.ID)
		adm = Admission{User: user, AccessToken: token}
		return true, nil
	})
	return adm, status, err
}

func (s *LoginService) dummyHash() string {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash("dummy password for unknown users")
		if err != nil {
			log.Printf("[login] failed to prepare dummy hash: %v", err)
			return
		}
		s.dummy = hash
	})
	return s.dummy
}

// State reports the session's login state
func (s *LoginService) State(ctx context.Context, sid string) (Status, error) {
	return s.flow.status(ctx, sid)
}
