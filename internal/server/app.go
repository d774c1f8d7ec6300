// Package server wires the registry together: configuration, database,
// object storage, services, the dispatch table, and the HTTP edge. It also
// owns startup, signal handling, and graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/npmvault/npmvault/internal/cryptox"
	"github.com/npmvault/npmvault/internal/logging"
	"github.com/npmvault/npmvault/internal/server/blobstore"
	"github.com/npmvault/npmvault/internal/server/config"
	"github.com/npmvault/npmvault/internal/server/httpapi"
	"github.com/npmvault/npmvault/internal/server/registry"
	"github.com/npmvault/npmvault/internal/server/repositories/repomanager"
	"github.com/npmvault/npmvault/internal/server/services"
)

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB
	http   *httpapi.Server
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := openDatabase(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	repos := repomanager.NewPostgresRepositoryManager()
	if err := repos.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	codec := cryptox.NewCodec(c.SecretKey)
	blobs := blobstore.NewS3Store(c.S3Bucket, c.S3Region, c.S3BaseEndpoint,
		c.S3RootUser, c.S3RootPassword, c.DownloadURLTTL)

	userService := services.NewUserService(db, repos, codec)
	packageService := services.NewPackageService(db, repos, userService, blobs)

	dispatcher := registry.NewDispatcher(userService, packageService, logger)
	httpServer := httpapi.NewServer(dispatcher, logger)

	return &App{config: c, logger: logger, db: db, http: httpServer}, nil
}

// openDatabase opens the pgx pool and waits for the backend to answer a
// ping, backing off exponentially. Containerized postgres is often still
// starting when the server comes up.
func openDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	backoff := retry.WithMaxRetries(5, retry.NewExponential(1*time.Second))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return db, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run serves until the context is cancelled or the listener fails, then
// drains in-flight requests and closes the database.
func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "addr", app.config.EndpointAddr)

	app.initSignalHandler(cancelFunc)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.http.Start(app.config.EndpointAddr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			app.logger.Error(ctx, "http server failed", "error", err.Error())
		}
	case <-ctx.Done():
		app.logger.Info(ctx, "Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := app.http.Shutdown(shutdownCtx); err != nil {
			app.logger.Error(ctx, "shutdown error", "error", err.Error())
		}
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err.Error())
	}
}
