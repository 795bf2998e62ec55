// Package authpw is the credential-verification boundary: register an
// account, verify an email/password pair, and report approved/pending plus
// the account's role. Session management lives with the caller.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"lookboard/api/internal/rbac"
	"lookboard/api/internal/store"
)

// UserStore is the slice of the repository the auth boundary needs.
type UserStore interface {
	User(ctx context.Context, email string) (store.User, error)
	SaveUser(ctx context.Context, user store.User) error
	AddPendingUser(ctx context.Context, email string) error
}

type Service struct {
	store UserStore
}

func NewService(s UserStore) *Service {
	return &Service{store: s}
}

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
)

type RegisterRequest struct {
	Email    string
	Username string
	Password string
}

// Register creates a pending account. Pending accounts cannot sign in until
// an admin approves them.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	email := store.CanonicalEmail(req.Email)
	if email == "" || req.Username == "" || req.Password == "" {
		return store.User{}, errors.New("email, username, and password are required")
	}
	if len(req.Password) < 8 {
		return store.User{}, errors.New("password must be at least 8 characters")
	}

	if _, err := s.store.User(ctx, email); err == nil {
		return store.User{}, ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		Email:        email,
		Username:     req.Username,
		PasswordHash: string(hash),
		Role:         string(rbac.RoleStylist),
		Status:       store.UserStatusPending,
		CreatedAt:    time.Now().UnixMilli(),
	}
	if err := s.store.SaveUser(ctx, user); err != nil {
		return store.User{}, err
	}
	if err := s.store.AddPendingUser(ctx, email); err != nil {
		return store.User{}, err
	}
	return user, nil
}

type LoginResult struct {
	Email    string
	Username string
	Role     string
	Status   string
}

// Login verifies credentials and reports the account's status and role. A
// pending account still verifies; the caller decides what a pending login is
// allowed to do.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	email = store.CanonicalEmail(email)
	if email == "" || password == "" {
		return LoginResult{}, errors.New("email and password are required")
	}

	user, err := s.store.User(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	return LoginResult{
		Email:    user.Email,
		Username: user.Username,
		Role:     string(rbac.Normalize(user.Role)),
		Status:   user.Status,
	}, nil
}
