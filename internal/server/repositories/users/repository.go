// Package users persists registry identities in the users table.
package users

import (
	"context"

	"github.com/npmvault/npmvault/internal/server/models"
)

// Repository is the identity table contract. Get fails with
// common.ErrorNotFound for absent names, Create with common.ErrorAlreadyExists
// on a name collision, and Update overwrites every mutable field.
type Repository interface {
	Get(ctx context.Context, name string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	Update(ctx context.Context, user *models.User) (*models.User, error)
}
