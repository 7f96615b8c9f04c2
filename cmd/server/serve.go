package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nylta/bulk-filing/api"
	"github.com/nylta/bulk-filing/config"
)

const shutdownTimeout = 30 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		log := zap.L()
		handler := api.NewHandler(env.Checkout, env.Store, env.Recorder, log.Named("api"))
		router := api.NewRouter(handler, api.RouterOptions{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			RequestTimeout: config.Seconds(cfg.Server.RequestTimeoutSecs),
			AdminToken:     cfg.Server.AdminToken,
		})

		scheduler := api.NewScheduler(log,
			api.ReloadPricingJob(env.Provider, reloadInterval()),
			api.ReconcileJob(env.Checkout, config.Seconds(cfg.Reconcile.IntervalSecs), log.Named("reconcile")),
		)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			log.Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		g.Go(func() error {
			return scheduler.Run(gctx)
		})

		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			log.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return eris.Wrap(err, "server shutdown")
			}
			return nil
		})

		err = g.Wait()
		// Background CRM syncs outlive their requests.
		env.Checkout.Wait()
		log.Info("server stopped")
		return err
	},
}

// reloadInterval disables the pricing job when there is no remote source.
func reloadInterval() time.Duration {
	if cfg.Pricing.SourceURL == "" {
		return 0
	}
	return config.Seconds(cfg.Pricing.ReloadIntervalSecs)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.Flags().AddFlagSet(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
}
