package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/credman/credman/pkg/crypto"
	"github.com/credman/credman/pkg/store"
)

// dummyPassword feeds the burn comparison for unknown users so the
// response time does not reveal whether a username exists.
const dummyPassword = "credman-dummy-comparison"

// Service answers authentication and authorization questions against
// the user and permission tables.
type Service struct {
	store     store.Store
	dummyHash []byte
}

// NewService creates the auth service. The dummy hash is computed once
// so failed lookups cost the same bcrypt comparison as real ones.
func NewService(st store.Store) (*Service, error) {
	_, hash, err := crypto.HashPassword(dummyPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}
	return &Service{store: st, dummyHash: hash}, nil
}

// Authenticate verifies a username/password pair. It returns false for
// a missing user or a wrong password without distinguishing the two;
// a non-nil error means the backend failed, not that the credentials
// were bad. Unknown users still burn a bcrypt comparison so the two
// failure modes have the same timing distribution.
func (s *Service) Authenticate(ctx context.Context, username, password string) (bool, error) {
	u, err := s.store.FetchUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		crypto.CheckPassword(s.dummyHash, password)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("authenticate: %w", err)
	}
	return crypto.CheckPassword(u.PasswordHash, password), nil
}

// Authorize reports whether the user may read the credential with the
// given label. A missing user and a missing label both come back as a
// plain false; callers cannot tell which half was absent.
func (s *Service) Authorize(ctx context.Context, username, label string) (bool, error) {
	u, err := s.store.FetchUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("authorize: %w", err)
	}

	c, err := s.store.FetchCredential(ctx, label)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("authorize: %w", err)
	}

	ok, err := s.store.HasPermission(ctx, u.UID, c.CrID)
	if err != nil {
		return false, fmt.Errorf("authorize: %w", err)
	}
	return ok, nil
}
