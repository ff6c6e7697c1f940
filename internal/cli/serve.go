package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"medchat/internal/api"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat session over HTTP",
		Long: `Starts the session manager and exposes it over a local HTTP API,
including an SSE stream of state changes for a presentation layer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = opts.cfg.BasicConfig.ServerAddress
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to basic_config.server_address)")
	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, addr string) error {
	app, err := NewApp(ctx, opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if !opts.verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	handler := api.NewHandler(app.Session, app.Attachments, opts.cfg.Attachments.MaxBytes, app.Logger.Named("api"))
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.Logger.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// SSE streams only end when the session closes
		app.Session.Close()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return app.Attachments.Sweep(gctx, opts.cfg.SweepInterval())
	})
	return g.Wait()
}
