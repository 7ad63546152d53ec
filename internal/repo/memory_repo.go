package repo

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/connectme/enrollment/internal/model"
)

type memUserRepo struct {
	mu         sync.RWMutex
	users      map[uuid.UUID]model.User
	byUsername map[string]uuid.UUID
	byPhone    map[string]uuid.UUID
}

// NewMemUserRepo creates a UserRepo kept in process memory, used when no
// DATABASE_URL is configured and in tests.
func NewMemUserRepo() UserRepo {
	return &memUserRepo{
		users:      make(map[uuid.UUID]model.User),
		byUsername: make(map[string]uuid.UUID),
		byPhone:    make(map[string]uuid.UUID),
	}
}

func (r *memUserRepo) IsUsernameAvailable(_ context.Context, username string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, taken := r.byUsername[username]
	return !taken, nil
}

func (r *memUserRepo) ExistsByPhone(_ context.Context, phone string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byPhone[phone]
	return ok, nil
}

func (r *memUserRepo) Create(_ context.Context, u model.NewUser) (model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byUsername[u.Username]; ok {
		return model.User{}, ErrAlreadyExists
	}
	if _, ok := r.byPhone[u.PhoneNumber]; ok {
		return model.User{}, ErrAlreadyExists
	}
	user := model.User{
		ID:           uuid.New(),
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		PhoneNumber:  u.PhoneNumber,
		CreatedAt:    time.Now().UTC(),
	}
	r.users[user.ID] = user
	r.byUsername[user.Username] = user.ID
	r.byPhone[user.PhoneNumber] = user.ID
	return user, nil
}

func (r *memUserRepo) GetByUsername(_ context.Context, username string) (model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUsername[username]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return r.users[id], nil
}

func (r *memUserRepo) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return u, nil
}
