package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"scriptforge/backend/internal/repository"
	"scriptforge/backend/pkg/models"
)

// UserService maps authenticated identities to users, provisioning them on
// first sight.
type UserService struct {
	store repository.UserStore
}

// NewUserService creates a new UserService.
func NewUserService(store repository.UserStore) *UserService {
	return &UserService{store: store}
}

// Resolve returns the user registered under email, creating it if needed.
func (s *UserService) Resolve(ctx context.Context, email, name string) (*models.User, error) {
	const op = "resolve user"
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, Unauthenticated(op)
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, Internal(op, err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	user = &models.User{
		ID:        uuid.NewString(),
		Email:     email,
		Name:      strings.TrimSpace(name),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// provisioned concurrently by another request
			if existing, getErr := s.store.GetUserByEmail(ctx, email); getErr == nil {
				return existing, nil
			}
		}
		return nil, Internal(op, err)
	}
	return user, nil
}
