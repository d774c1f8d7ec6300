package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/npmvault/npmvault/internal/common"
	"github.com/npmvault/npmvault/internal/dbx"
	"github.com/npmvault/npmvault/internal/server/models"
)

const uniqueViolation = "23505"

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, name string) (*models.User, error) {
	query :=
		`SELECT name, password, email, expire, permission, access, owner FROM users
		 WHERE name = $1
		 `

	user := &models.User{}
	var permission, access, owner []byte
	err := r.db.QueryRowContext(ctx, query, name).
		Scan(&user.Name, &user.Password, &user.Email, &user.Expire, &permission, &access, &owner)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("%w: %s", common.ErrorStore, err)
	}

	user.Permission = decodeList(permission)
	user.Access = decodeList(access)
	user.Owner = decodeList(owner)

	return user, nil
}

func (r *PostgresRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	query :=
		`INSERT INTO users (name, password, email, expire, permission, access, owner)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 `

	_, err := r.db.ExecContext(ctx, query,
		user.Name, user.Password, user.Email, user.Expire,
		encodeList(user.Permission), encodeList(user.Access), encodeList(user.Owner))

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, common.ErrorAlreadyExists
		}
		return nil, fmt.Errorf("%w: %s", common.ErrorStore, err)
	}

	return user, nil
}

func (r *PostgresRepository) Update(ctx context.Context, user *models.User) (*models.User, error) {
	query :=
		`UPDATE users SET password = $2, expire = $3, permission = $4, access = $5, owner = $6
		 WHERE name = $1
		 `

	_, err := r.db.ExecContext(ctx, query,
		user.Name, user.Password, user.Expire,
		encodeList(user.Permission), encodeList(user.Access), encodeList(user.Owner))

	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrorStore, err)
	}

	return user, nil
}

// The three permission lists travel as JSON arrays in jsonb columns.
// Reads are lenient: a malformed list decodes to empty.
func decodeList(raw []byte) []string {
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return []string{}
	}
	if out == nil {
		return []string{}
	}
	return out
}

func encodeList(list []string) []byte {
	if list == nil {
		list = []string{}
	}
	b, _ := json.Marshal(list)
	return b
}
