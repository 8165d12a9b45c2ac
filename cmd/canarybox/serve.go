package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"canarybox/internal/server"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var serveFlags struct {
	host string
	port int
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only status API",
	Long: `Start an HTTP server exposing /health, /status/{site} and /metrics.

The server never triggers deployments; it reports the same state as
'canarybox status' for every configured site.`,
	Args: exactArgs(0),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.host, "host", getEnvOrDefault("CANARYBOX_HOST", "127.0.0.1"), "Host to bind to")
	serveCmd.Flags().IntVarP(&serveFlags.port, "port", "p", getEnvOrDefaultInt("CANARYBOX_PORT", 5000), "Port to listen on")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hist, err := app.openHistory(ctx)
	if err != nil {
		return err
	}

	if app.registry.Count() == 0 {
		app.logger.Warn("No sites configured; /status will answer 404 for every site")
	}

	srv := server.NewServer(app.registry, hist, app.logger, false)
	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("Starting HTTP server", "host", serveFlags.host, "port", serveFlags.port, "sites", app.registry.Count())
		errCh <- srv.Start(serveFlags.host, serveFlags.port)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	app.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return <-errCh
}
