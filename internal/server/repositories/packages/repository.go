// Package packages persists package manifests in the packages table.
package packages

import (
	"context"

	"github.com/npmvault/npmvault/internal/server/models"
)

// Repository is the package table contract.
//
// GetByName fails with common.ErrorNotFound for absent names; a malformed
// stored manifest decodes to an empty document rather than failing.
// GetByNames pages through matches sequentially and, on a page error,
// returns what has accumulated so far with no error. Callers of the batch
// surface rely on that partial-success behavior.
// Put replaces the stored manifest wholesale; Update overwrites it for an
// existing row; Delete removes the record.
type Repository interface {
	GetByName(ctx context.Context, name string) (*models.Package, error)
	GetByNames(ctx context.Context, names []string) []*models.Package
	Put(ctx context.Context, pkg *models.Package) (*models.Package, error)
	Update(ctx context.Context, pkg *models.Package) (*models.Package, error)
	Delete(ctx context.Context, name string) error
}
