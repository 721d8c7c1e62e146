package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newWorkerCmd returns the worker command: a standalone process consuming
// transfer jobs from the shared redis queue. Requires redis_url.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a transfer worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := requireRedis(a.cfg); err != nil {
		return err
	}

	if err := a.consumer.Run(ctx, a.cfg.Transfers.Workers, a.handler()); err != nil &&
		!errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
