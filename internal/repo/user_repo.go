package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/connectme/enrollment/internal/model"
)

var (
	// ErrNotFound is returned when no user matches the lookup
	ErrNotFound = errors.New("user not found")
	// ErrAlreadyExists is returned when a unique column (username or phone) is taken
	ErrAlreadyExists = errors.New("user already exists")
)

// pgUniqueViolation is the Postgres SQLSTATE for unique_violation
const pgUniqueViolation = "23505"

// UserRepo defines the interface for user repository operations
type UserRepo interface {
	IsUsernameAvailable(ctx context.Context, username string) (bool, error)
	ExistsByPhone(ctx context.Context, phone string) (bool, error)
	Create(ctx context.Context, u model.NewUser) (model.User, error)
	GetByUsername(ctx context.Context, username string) (model.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
}

type userRepo struct {
	db *sql.DB
}

// NewUserRepo creates a Postgres backed UserRepo
func NewUserRepo(db *sql.DB) UserRepo {
	return &userRepo{db: db}
}

// IsUsernameAvailable reports whether no user holds username
func (r *userRepo) IsUsernameAvailable(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`,
		username,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return !exists, nil
}

// ExistsByPhone reports whether a user is registered with phone
func (r *userRepo) ExistsByPhone(ctx context.Context, phone string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE phone_number = $1)`,
		phone,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check phone number: %w", err)
	}
	return exists, nil
}

// Create inserts a user; a unique violation yields ErrAlreadyExists
func (r *userRepo) Create(ctx context.Context, u model.NewUser) (model.User, error) {
	query := `
		INSERT INTO users (username, password_hash, phone_number)
		VALUES ($1, $2, $3)
		RETURNING id, username, password_hash, phone_number, created_at
	`
	row := r.db.QueryRowContext(ctx, query, u.Username, u.PasswordHash, u.PhoneNumber)
	user, err := scanUser(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return model.User{}, fmt.Errorf("%w: %s", ErrAlreadyExists, pqErr.Constraint)
		}
		return model.User{}, fmt.Errorf("failed to insert user: %w", err)
	}
	return user, nil
}

// GetByUsername retrieves a user by username
func (r *userRepo) GetByUsername(ctx context.Context, username string) (model.User, error) {
	query := `
		SELECT id, username, password_hash, phone_number, created_at
		FROM users
		WHERE username = $1
	`
	return r.getOne(ctx, query, username)
}

// GetByID retrieves a user by ID
func (r *userRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	query := `
		SELECT id, username, password_hash, phone_number, created_at
		FROM users
		WHERE id = $1
	`
	return r.getOne(ctx, query, id.String())
}

func (r *userRepo) getOne(ctx context.Context, query string, arg any) (model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNotFound
		}
		return model.User{}, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

func scanUser(row *sql.Row) (model.User, error) {
	var user model.User
	var idStr string
	err := row.Scan(
		&idStr,
		&user.Username,
		&user.PasswordHash,
		&user.PhoneNumber,
		&user.CreatedAt,
	)
	if err != nil {
		return model.User{}, err
	}
	user.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.User{}, fmt.Errorf("failed to parse user ID: %w", err)
	}
	return user, nil
}
