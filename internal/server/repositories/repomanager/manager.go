// Package repomanager vends repository implementations bound to a database
// handle, so services can run the same repository against *sql.DB or an
// open transaction.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/npmvault/npmvault/internal/dbx"
	"github.com/npmvault/npmvault/internal/server/repositories/packages"
	"github.com/npmvault/npmvault/internal/server/repositories/users"
)

type RepositoryManager interface {
	Users(db dbx.DBTX) users.Repository
	Packages(db dbx.DBTX) packages.Repository
	RunMigrations(ctx context.Context, db *sql.DB) error
}
