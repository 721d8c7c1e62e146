package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"courserelay/internal/config"
	"courserelay/internal/dest"
	"courserelay/internal/httpapi"
	"courserelay/internal/lti"
	"courserelay/internal/queue"
	"courserelay/internal/relay"
	"courserelay/internal/source"
	"courserelay/internal/store"
	"courserelay/internal/token"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
)

// httpClientTimeout bounds control-plane requests (token exchanges, JWKS
// fetches, listing calls). File streams use a separate client without a
// whole-request timeout.
const httpClientTimeout = 30 * time.Second

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "courserelay",
		Short:   "Course file relay service",
		Long:    "Relays course files from an LMS content API into object storage.",
		Version: version,
		// Cobra's default error/usage printing is handled in main.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())

	return cmd
}

// app holds the assembled service components shared by the serve and worker
// commands.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	store        *store.Store
	tokens       *token.Manager
	source       *source.Client
	storage      *dest.Storage
	engine       *relay.Engine
	orchestrator *relay.Orchestrator
	dispatcher   queue.Dispatcher
	consumer     queue.Consumer
}

// buildApp loads configuration and assembles the component graph bottom-up:
// store, credential manager, source client, destination storage, stream
// relay, orchestrator, queue, engine.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	st, err := store.Open(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	controlClient := &http.Client{Timeout: httpClientTimeout}

	tokens := token.NewManager(st, controlClient, logger)
	src := source.NewClient(nil, logger)

	storage, err := dest.NewStorage(ctx, cfg.Storage, cfg.Transfers.ChunkSize(),
		cfg.Transfers.UploadConcurrency, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		tokens:       tokens,
		source:       src,
		storage:      storage,
		orchestrator: relay.NewOrchestrator(st, tokens, relay.NewStreamRelay(src, storage, logger), logger),
	}

	if cfg.RedisURL != "" {
		rq, err := queue.NewRedis(cfg.RedisURL, "", logger)
		if err != nil {
			return nil, err
		}

		a.dispatcher, a.consumer = rq, rq
	} else {
		mq := queue.NewMemory(0, logger)
		a.dispatcher, a.consumer = mq, mq
	}

	a.engine = relay.NewEngine(st, a.dispatcher, logger)

	return a, nil
}

// handler returns the queue handler executing jobs through the
// orchestrator. Job failures are already persisted by the orchestrator, so
// the handler only logs them.
func (a *app) handler() queue.Handler {
	return func(ctx context.Context, jobID string) {
		if err := a.orchestrator.Run(ctx, jobID); err != nil {
			a.logger.Error("worker: job execution failed",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// httpServer builds the API server over the assembled components.
func (a *app) httpServer() *http.Server {
	api := httpapi.NewServer(a.cfg, a.store, lti.NewValidator(&http.Client{Timeout: httpClientTimeout}, a.logger),
		a.tokens, a.source, a.engine, a.logger)

	return &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// close releases the app's long-lived resources.
func (a *app) close() {
	if c, ok := a.dispatcher.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("closing queue", slog.String("error", err.Error()))
		}
	}

	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", slog.String("error", err.Error()))
	}
}

// newLogger builds the process logger from config, with --verbose forcing
// debug level.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo

	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// requireRedis guards commands that only make sense against a shared queue.
func requireRedis(cfg *config.Config) error {
	if cfg.RedisURL == "" {
		return fmt.Errorf("redis_url must be configured for this command")
	}

	return nil
}
