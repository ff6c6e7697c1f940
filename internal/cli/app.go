package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"medchat/internal/attachment"
	"medchat/internal/config"
	"medchat/internal/gateway"
	"medchat/internal/logging"
	"medchat/internal/redis"
	"medchat/internal/session"
	"medchat/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// App holds the components shared by every command.
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Attachments *attachment.Manager
	Session     *session.Manager
	Redis       *redis.Client

	db       *sql.DB
	notifier *session.RedisNotifier
}

// NewApp opens the attachment registry, builds the gateway and starts the
// session loop. Redis is only dialled when enabled.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	driver, dbCfg, err := cfg.Database()
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(driver, dbCfg)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Logger: logger, db: db}

	if err := storage.Migrate(db, driver); err != nil {
		app.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	app.Attachments, err = attachment.NewManager(db, attachment.Options{
		BaseDir:  cfg.Attachments.BaseDir,
		MaxBytes: cfg.Attachments.MaxBytes,
		TTL:      cfg.AttachmentTTL(),
		Logger:   logger.Named("attachments"),
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	gw, err := gateway.New(ctx, cfg)
	if err != nil {
		app.Close()
		return nil, err
	}

	var notifiers []session.Notifier
	if cfg.Redis.Enabled {
		app.Redis, err = redis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		app.notifier = session.NewRedisNotifier(app.Redis, logger.Named("redis"))
		notifiers = append(notifiers, app.notifier)
	}

	app.Session = session.NewManager(gw, app.Attachments, session.Options{
		SignalDuration: cfg.SignalDuration(),
		RequestTimeout: cfg.GatewayTimeout(),
		Logger:         logger.Named("session"),
		Notifiers:      notifiers,
	})
	logger.Debug("medchat initialised",
		zap.String("gateway", cfg.Gateway.Mode),
		zap.String("database", driver),
		zap.Bool("redis", cfg.Redis.Enabled),
	)
	return app, nil
}

// Close stops the session and revokes every attachment reference before
// closing the stores.
func (a *App) Close() error {
	var errs []error
	if a.Session != nil {
		a.Session.Close()
	}
	if a.Attachments != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.Attachments.ReleaseAll(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if a.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.notifier.Clear(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
