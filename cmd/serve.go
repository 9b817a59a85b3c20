package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"storefront/app"
)

var (
	serveMigrate bool
	serveConsume bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin HTTP API",
	Long: `Run the admin HTTP API on $PORT.

Examples:
  storefront serve                     # MySQL storage, schema managed separately
  storefront serve --migrate           # apply the schema first
  STORAGE_DRIVER=memory storefront serve
  storefront serve --consume           # also process order events from RabbitMQ`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "Apply the database schema before serving")
	serveCmd.Flags().BoolVar(&serveConsume, "consume", false, "Consume order events and post status notices to order chats")
}

func runServe(parent context.Context) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET (or JWT_SECRET_FILE) is required to serve the admin API")
	}

	a, err := app.New(ctx, cfg, logger, app.Options{Migrate: serveMigrate})
	if err != nil {
		logger.Error("Startup failed", zap.Error(err))
		return err
	}
	defer a.Close()

	if serveConsume {
		if err := a.StartConsumer(ctx); err != nil {
			return err
		}
	}
	return a.Serve(ctx)
}
