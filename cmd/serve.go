package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stockroom/auth"
	"stockroom/backup"
	"stockroom/db"
	"stockroom/handlers"
	"stockroom/notify"
	"stockroom/users"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the JSON API until interrupted.

On first start the admin and owner accounts are created without passwords.
Finish their setup with 'stockroom setup <username>' or through the
/api/v1/setup endpoint.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.GeneratedKey {
		logger.Warn(ctx, "no session key configured, using a generated one; sessions and tokens end at restart")
	}

	store := users.New(cfg.UsersFile,
		users.WithOwnerUsername(cfg.OwnerUsername),
		users.WithLogger(logger),
	)
	if err := store.Load(); err != nil {
		// The store is bootstrapped; keep serving so setup stays reachable.
		logger.Error(ctx, "loading user data", "path", cfg.UsersFile, "err", err)
	}
	for _, name := range store.SetupPending() {
		logger.Warn(ctx, "first-time setup pending", "username", name)
	}

	conn, err := db.Open(cfg.InventoryDB)
	if err != nil {
		return err
	}
	defer conn.Close()

	srv, err := buildServer(ctx, store, db.NewInventoryStore(conn))
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "listening", "addr", httpSrv.Addr, "app", cfg.AppName)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info(context.Background(), "shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = httpSrv.Shutdown(shutdownCtx)
	srv.Wait()
	return err
}

func buildServer(ctx context.Context, store *users.Store, inventory *db.InventoryStore) (*handlers.Server, error) {
	sessions, err := auth.NewSessionManager(cfg.SessionKey, cfg.SecureCookies)
	if err != nil {
		return nil, err
	}
	ttl, err := cfg.TokenLifetime()
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokenIssuer(cfg.SessionKey, ttl)
	if err != nil {
		return nil, err
	}

	deps := handlers.Deps{
		Config:    cfg,
		Users:     store,
		Inventory: inventory,
		Sessions:  sessions,
		Tokens:    tokens,
		Mailer:    notify.New(cfg.SMTP, cfg.AppName, logger),
		Logger:    logger,
	}
	if cfg.Backup.S3Enabled() {
		sink, err := backup.NewS3Sink(ctx, cfg.Backup)
		if err != nil {
			return nil, err
		}
		deps.Offsite = sink
		logger.Info(ctx, "offsite backups enabled", "bucket", sink.Bucket())
	}
	return handlers.NewServer(deps)
}
