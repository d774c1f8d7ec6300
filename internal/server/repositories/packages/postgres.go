package packages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/npmvault/npmvault/internal/common"
	"github.com/npmvault/npmvault/internal/dbx"
	"github.com/npmvault/npmvault/internal/server/models"
)

// batchPageSize bounds one page of a GetByNames scan.
const batchPageSize = 25

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetByName(ctx context.Context, name string) (*models.Package, error) {
	query :=
		`SELECT name, info FROM packages
		 WHERE name = $1
		 `

	pkg := &models.Package{}
	var info string
	err := r.db.QueryRowContext(ctx, query, name).Scan(&pkg.Name, &info)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("%w: %s", common.ErrorStore, err)
	}

	pkg.Info = models.DecodeManifest(info)
	return pkg, nil
}

// GetByNames fetches the named packages in keyset-paginated pages ordered by
// name. Pages are inherently sequential: each one starts after the last key
// of the previous page. A failed page ends the scan and whatever has been
// accumulated is returned.
func (r *PostgresRepository) GetByNames(ctx context.Context, names []string) []*models.Package {
	result := []*models.Package{}
	if len(names) == 0 {
		return result
	}

	placeholders := make([]string, len(names))
	args := make([]any, len(names), len(names)+1)
	for i, name := range names {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = name
	}

	query := fmt.Sprintf(
		`SELECT name, info FROM packages
		 WHERE name IN (%s) AND name > $%d
		 ORDER BY name
		 LIMIT %d
		 `, strings.Join(placeholders, ", "), len(names)+1, batchPageSize)

	after := ""
	for {
		page, err := r.fetchPage(ctx, query, append(args[:len(names):len(names)], after))
		if err != nil {
			return result
		}

		result = append(result, page...)

		if len(page) < batchPageSize {
			return result
		}
		after = page[len(page)-1].Name
	}
}

func (r *PostgresRepository) fetchPage(ctx context.Context, query string, args []any) ([]*models.Package, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []*models.Package
	for rows.Next() {
		pkg := &models.Package{}
		var info string
		if err := rows.Scan(&pkg.Name, &info); err != nil {
			return nil, err
		}
		pkg.Info = models.DecodeManifest(info)
		page = append(page, pkg)
	}
	return page, rows.Err()
}

func (r *PostgresRepository) Put(ctx context.Context, pkg *models.Package) (*models.Package, error) {
	info, err := pkg.Info.Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrorBadRequest, err)
	}

	query :=
		`INSERT INTO packages (name, info)
		 VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET info = EXCLUDED.info
		 `

	if _, err := r.db.ExecContext(ctx, query, pkg.Name, info); err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrorStore, err)
	}

	return pkg, nil
}

func (r *PostgresRepository) Update(ctx context.Context, pkg *models.Package) (*models.Package, error) {
	info, err := pkg.Info.Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrorBadRequest, err)
	}

	query :=
		`UPDATE packages SET info = $2
		 WHERE name = $1
		 `

	if _, err := r.db.ExecContext(ctx, query, pkg.Name, info); err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrorStore, err)
	}

	return pkg, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, name string) error {
	query :=
		`DELETE FROM packages
		 WHERE name = $1
		 `

	if _, err := r.db.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("%w: %s", common.ErrorStore, err)
	}
	return nil
}
