package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/webstreamer/webstreamer/internal/admin"
	"github.com/webstreamer/webstreamer/internal/config"
	"github.com/webstreamer/webstreamer/internal/metrics"
	"github.com/webstreamer/webstreamer/internal/server"
	"github.com/webstreamer/webstreamer/internal/stream"
	"golang.org/x/sync/errgroup"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the streaming gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			stopLoki := setupLoki(cfg)
			defer stopLoki()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				select {
				case <-sigChan:
					log.Info().Msg("shutting down...")
					cancel()
				case <-ctx.Done():
				}
			}()

			return runServe(ctx, cfg, nil)
		},
	}
}

// runServe runs the gateway until ctx is canceled. When ready is non-nil it
// receives the bound address once the listener is up.
func runServe(ctx context.Context, cfg *config.Config, ready chan<- net.Addr) error {
	workers, err := buildWorkers(cfg)
	if err != nil {
		return err
	}

	m := metrics.New(nil)
	pool, err := stream.NewPool(m, workers...)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, pool, m, Version)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Listen, err)
	}

	httpServer := &http.Server{
		Handler:           srv,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		// No WriteTimeout: streams run as long as the client keeps reading.
	}

	var adminServer *admin.AdminServer
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		adminServer = admin.NewAdminServer()
		if err := adminServer.Start(cfg.Metrics.Listen); err != nil {
			_ = ln.Close()
			return fmt.Errorf("start admin server: %w", err)
		}
	}

	log.Info().
		Str("listen", ln.Addr().String()).
		Str("base_url", cfg.BaseURL).
		Str("primary_worker", pool.Primary().ID()).
		Int("workers", pool.Len()).
		Str("chunk_size", cfg.ChunkSize.String()).
		Str("version", Version).
		Msg("Gateway started")

	if ready != nil {
		ready <- ln.Addr()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Gateway shutdown did not complete cleanly")
		}
		if adminServer != nil {
			if err := adminServer.Stop(); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown did not complete cleanly")
			}
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Gateway stopped")
	return err
}
