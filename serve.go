package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// shutdownGrace is how long in-flight requests get to finish on shutdown.
const shutdownGrace = 10 * time.Second

// newServeCmd returns the serve command: the HTTP API plus, when no redis
// queue is configured, an in-process worker pool consuming the same queue.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: "Runs the HTTP API. Without a configured redis queue, transfer jobs\n" +
			"are executed by an in-process worker pool (single binary mode).",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	// Single binary mode: the serve process also consumes the queue.
	if a.cfg.RedisURL == "" {
		go func() {
			if err := a.consumer.Run(ctx, a.cfg.Transfers.Workers, a.handler()); err != nil &&
				!errors.Is(err, context.Canceled) {
				a.logger.Error("serve: in-process workers stopped", slog.String("error", err.Error()))
			}
		}()
	}

	srv := a.httpServer()

	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("serve: listening", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("serve: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
