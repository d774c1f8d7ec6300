// Command regctl is the registry operator tool. It talks to the database
// directly, bypassing the HTTP surface.
//
// Usage:
//
//	regctl adduser [-d dsn] [-s secret]   register an identity interactively
//	regctl token   [-d dsn] [-s secret]   mint a bearer token for a user
package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/term"

	"github.com/npmvault/npmvault/internal/cryptox"
	"github.com/npmvault/npmvault/internal/server/config"
	"github.com/npmvault/npmvault/internal/server/models"
	"github.com/npmvault/npmvault/internal/server/repositories/repomanager"
	"github.com/npmvault/npmvault/internal/server/services"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.LoadConfig()

	ctx := context.Background()
	users, db, err := newUserService(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer db.Close()

	switch os.Args[1] {
	case "adduser":
		err = addUser(ctx, users)
	case "token":
		err = mintToken(ctx, users)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: regctl <adduser|token> [-d dsn] [-s secret]")
}

func newUserService(ctx context.Context, cfg *config.Config) (*services.UserService, *sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, nil, err
	}

	repos := repomanager.NewPostgresRepositoryManager()
	if err := repos.RunMigrations(ctx, db); err != nil {
		return nil, nil, err
	}

	return services.NewUserService(db, repos, cryptox.NewCodec(cfg.SecretKey)), db, nil
}

func addUser(ctx context.Context, users *services.UserService) error {
	reader := bufio.NewReader(os.Stdin)

	name, err := prompt(reader, "User name")
	if err != nil {
		return err
	}
	email, err := prompt(reader, "Email")
	if err != nil {
		return err
	}
	password, err := promptPassword()
	if err != nil {
		return err
	}

	user, err := users.Create(ctx, name, string(password), email, "")
	if err != nil {
		return err
	}

	publish, err := prompt(reader, "Grant publish permission? (y/N)")
	if err != nil {
		return err
	}
	if strings.EqualFold(publish, "y") {
		if err := users.GrantPermission(ctx, user, models.ActionPublish); err != nil {
			return err
		}
	}

	fmt.Printf("User '%s' created.\n", user.Name)
	return nil
}

func mintToken(ctx context.Context, users *services.UserService) error {
	reader := bufio.NewReader(os.Stdin)

	name, err := prompt(reader, "User name")
	if err != nil {
		return err
	}
	password, err := promptPassword()
	if err != nil {
		return err
	}

	user, err := users.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if !users.MatchPassword(user, string(password)) {
		return fmt.Errorf("password mismatch for user '%s'", name)
	}

	fmt.Println(users.IssueToken(user))
	return nil
}

func prompt(reader *bufio.Reader, text string) (string, error) {
	fmt.Print(text + "\n> ")
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func promptPassword() ([]byte, error) {
	fmt.Print("Enter password: ")
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return nil, err
	}
	return pw, nil
}
