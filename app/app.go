// Package app wires configuration, storage, messaging and HTTP into a
// runnable storefront service.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"storefront/config"
	"storefront/consumers"
	"storefront/controllers"
	"storefront/database"
	"storefront/middlewares"
	"storefront/rabbitmq"
	"storefront/repository"
	"storefront/services"
)

type App struct {
	Cfg    *config.Config
	Logger *zap.Logger
	Store  repository.Store
	Admin  *services.Admin
	MQ     *rabbitmq.RabbitMQ

	db *sql.DB
}

type Options struct {
	// Migrate applies the schema before serving.
	Migrate bool
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	a := &App{Cfg: cfg, Logger: logger}

	switch cfg.StorageDriver {
	case config.DriverMemory:
		logger.Warn("Using in-memory storage; data is lost on restart")
		a.Store = repository.NewMemoryStore()
	default:
		db, err := database.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if opts.Migrate {
			if err := database.Migrate(ctx, db); err != nil {
				db.Close()
				return nil, err
			}
			logger.Info("Database schema applied")
		}
		a.db = db
		a.Store = repository.NewMySQLStore(db)
	}

	adminOpts := services.Options{
		CourierCapacity: cfg.CourierCapacity,
		ChatMaxBody:     cfg.ChatMaxBody,
	}
	if cfg.RabbitMQURL != "" {
		mq, err := rabbitmq.NewRabbitMQ(cfg, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := mq.SetupQueues(); err != nil {
			mq.Close()
			a.Close()
			return nil, fmt.Errorf("setup rabbitmq queues: %w", err)
		}
		a.MQ = mq
		adminOpts.Events = mq
	} else {
		logger.Info("RABBITMQ_URL not set; order events are not published")
	}

	a.Admin = services.NewAdmin(a.Store, logger, adminOpts)
	return a, nil
}

// StartConsumer starts the order event consumer when a broker is configured.
func (a *App) StartConsumer(ctx context.Context) error {
	if a.MQ == nil {
		return nil
	}
	return consumers.NewOrderConsumer(a.Admin, a.Logger).Start(ctx, a.MQ.Channel, a.Cfg)
}

// Router builds the HTTP handler: /health and /metrics are public, the admin
// API under /api/admin requires an admin token.
func (a *App) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middlewares.RequestID())
	r.Use(middlewares.Logger(a.Logger))
	r.Use(middlewares.PrometheusMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", a.health)

	api := r.Group("/api/admin")
	api.Use(middlewares.AdminAuth(a.Cfg.JWTSecret, a.Admin, a.Logger))
	controllers.NewController(a.Admin, a.Logger).Register(api)
	return r
}

func (a *App) health(c *gin.Context) {
	status := gin.H{"status": "ok", "storage": a.Cfg.StorageDriver}
	code := http.StatusOK
	if a.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := a.db.PingContext(ctx); err != nil {
			status["status"], status["database"] = "degraded", "unreachable"
			code = http.StatusServiceUnavailable
		}
	}
	if a.MQ != nil {
		status["rabbitmq"] = "healthy"
		if !a.MQ.Healthy() {
			status["status"], status["rabbitmq"] = "degraded", "closed"
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, status)
}

// Serve runs the HTTP server until ctx is cancelled, then shuts it down.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + a.Cfg.Port,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("Storefront listening", zap.String("port", a.Cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.Logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (a *App) Close() {
	if a.MQ != nil {
		a.MQ.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn("Failed to close store", zap.Error(err))
		}
	} else if a.db != nil {
		a.db.Close()
	}
}
