// Package services contains the registry business logic. This file
// implements UserService: identity resolution (by name and by bearer
// token), login-style creation, and the grant operations.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/npmvault/npmvault/internal/common"
	"github.com/npmvault/npmvault/internal/cryptox"
	"github.com/npmvault/npmvault/internal/server/auth"
	"github.com/npmvault/npmvault/internal/server/models"
	"github.com/npmvault/npmvault/internal/server/repositories/repomanager"
)

type UserService struct {
	db    *sql.DB
	repos repomanager.RepositoryManager
	codec *cryptox.Codec
}

func NewUserService(db *sql.DB, repos repomanager.RepositoryManager, codec *cryptox.Codec) *UserService {
	return &UserService{db: db, repos: repos, codec: codec}
}

// GetByName resolves an identity, failing with common.ErrorNotFound when absent.
func (s *UserService) GetByName(ctx context.Context, name string) (*models.User, error) {
	return s.repos.Users(s.db).Get(ctx, name)
}

// GetByToken resolves the identity a bearer token names and verifies that
// the embedded digest still matches the stored credential. A token naming an
// absent user, or carrying a stale digest, fails with common.ErrInvalidToken:
// changing a password invalidates every token minted before the change.
func (s *UserService) GetByToken(ctx context.Context, authorization string) (*models.User, error) {
	claims, err := auth.ParseToken(s.codec, authorization)
	if err != nil {
		return nil, err
	}

	user, err := s.repos.Users(s.db).Get(ctx, claims.Name)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, fmt.Errorf("%w: unknown user", common.ErrInvalidToken)
		}
		return nil, err
	}

	if user.Password != claims.Digest {
		return nil, fmt.Errorf("%w: stale credential digest", common.ErrInvalidToken)
	}

	return user, nil
}

// Create registers a new identity. The plaintext password is run through the
// credential codec before it is persisted; expire defaults to "never". A name
// collision fails with common.ErrorAlreadyExists.
func (s *UserService) Create(ctx context.Context, name, password, email, expire string) (*models.User, error) {
	if expire == "" {
		expire = models.ExpireNever
	}

	user := &models.User{
		Name:       name,
		Password:   s.codec.EncryptString(password),
		Email:      email,
		Expire:     expire,
		Permission: []string{},
		Access:     []string{},
		Owner:      []string{},
	}

	return s.repos.Users(s.db).Create(ctx, user)
}

// MatchPassword reports whether the candidate encodes to the stored digest.
// Plaintext is never compared directly.
func (s *UserService) MatchPassword(user *models.User, password string) bool {
	return s.codec.EncryptString(password) == user.Password
}

// IssueToken mints a bearer token bound to the user's current credential digest.
func (s *UserService) IssueToken(user *models.User) string {
	return auth.IssueToken(s.codec, user.Name, user.Password, time.Now())
}

// GrantRead adds pkg to the user's access list unless already readable, then
// persists. Idempotent.
func (s *UserService) GrantRead(ctx context.Context, user *models.User, pkg string) error {
	if !user.CanRead(pkg) {
		user.Access = append(user.Access, pkg)
	}
	_, err := s.repos.Users(s.db).Update(ctx, user)
	return err
}

// GrantPermission adds a global action (such as models.ActionPublish) to the
// user's permission list, then persists. Idempotent.
func (s *UserService) GrantPermission(ctx context.Context, user *models.User, action string) error {
	if !slices.Contains(user.Permission, action) {
		user.Permission = append(user.Permission, action)
	}
	_, err := s.repos.Users(s.db).Update(ctx, user)
	return err
}

// GrantWrite adds pkg to the user's owner list unless already writable, then
// persists. Idempotent. Read access follows from ownership, so no access-list
// entry is made.
func (s *UserService) GrantWrite(ctx context.Context, user *models.User, pkg string) error {
	if !user.CanWrite(pkg) && !slices.Contains(user.Owner, pkg) {
		user.Owner = append(user.Owner, pkg)
	}
	_, err := s.repos.Users(s.db).Update(ctx, user)
	return err
}
