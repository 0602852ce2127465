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

	"github.com/sells-group/lead-dedupe/internal/api"
	"github.com/sells-group/lead-dedupe/internal/auth"
	"github.com/sells-group/lead-dedupe/internal/events"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dedupe HTTP API (and the job consumer when Kafka is configured)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initDedupe(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newAPIServer(env),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		if cfg.Kafka.Enabled() {
			consumer := events.NewJobConsumer(events.ConsumerConfig{
				Brokers:       cfg.Kafka.Brokers,
				Topic:         cfg.Kafka.JobsTopic,
				ConsumerGroup: cfg.Kafka.ConsumerGroup,
			}, jobHandler(env.Orchestrator))
			g.Go(func() error {
				defer consumer.Close() //nolint:errcheck
				return consumer.Run(gctx)
			})
		}

		return g.Wait()
	},
}

// newAPIServer wires the HTTP API to env.
func newAPIServer(env *dedupeEnv) *api.Server {
	return api.NewServer(api.Config{
		Runner:         env.Orchestrator,
		Merger:         env.Engine,
		Store:          env.Store,
		Authenticator:  initAuthenticator(),
		Authorizer:     auth.NewRoleAuthorizer(env.Store, cfg.Auth.AdminRole),
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second,
	})
}

// initAuthenticator prefers the hosted auth API and falls back to the static
// token table for local runs.
func initAuthenticator() auth.Authenticator {
	if cfg.Auth.BaseURL != "" {
		return auth.NewHTTPAuthenticator(cfg.Auth.BaseURL, cfg.Auth.APIKey,
			auth.WithRateLimit(cfg.Auth.RequestsPerSec),
		)
	}
	zap.L().Warn("auth.base_url not set, using static tokens")
	return auth.StaticAuthenticator(cfg.Auth.StaticTokens)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
