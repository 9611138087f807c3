package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/prepender/internal/errreport"
	"github.com/wehubfusion/prepender/internal/logging"
	"github.com/wehubfusion/prepender/pkg/client"
	"github.com/wehubfusion/prepender/pkg/concurrency"
	"github.com/wehubfusion/prepender/pkg/config"
	"github.com/wehubfusion/prepender/pkg/expression"
	"github.com/wehubfusion/prepender/pkg/message"
	"github.com/wehubfusion/prepender/pkg/processor"
	"github.com/wehubfusion/prepender/pkg/processors/all"
	"github.com/wehubfusion/prepender/pkg/runner"
	"github.com/wehubfusion/prepender/pkg/storage"
)

const sentryFlushTimeout = 2 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume records from JetStream and publish prepended results",
		Long: `Runs the configured processor against a JetStream pull consumer until
SIGINT or SIGTERM. Settings come from --config and PREPENDER_* variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = root.logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Logging.Format = root.logFormat
			}

			logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			undo := concurrency.InitializeForKubernetes(logger)
			defer undo()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger, connectNATS(cfg, logger))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	return cmd
}

type connectFunc func(ctx context.Context) (*client.Client, error)

func connectNATS(cfg *config.Config, logger *zap.Logger) connectFunc {
	return func(ctx context.Context) (*client.Client, error) {
		c := client.NewClientWithConfig(cfg.ConnectionConfig())
		c.SetLogger(logger)
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// serve wires the processor, blob store and error reporter around a
// connected client and runs until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger, connect connectFunc) error {
	blobStore, err := newBlobStore(cfg.Blob, logger)
	if err != nil {
		return err
	}

	evaluator, closeEvaluator, err := newEvaluator(cfg)
	if err != nil {
		return err
	}
	defer closeEvaluator()

	proc, err := all.NewRegistry().Create(cfg.Processor.Type, processor.Config{
		ID:         cfg.Processor.ID,
		Properties: cfg.Processor.Properties,
		Evaluator:  evaluator,
		Logger:     logger.Named("processor"),
	})
	if err != nil {
		return err
	}

	reporter, err := errreport.New(cfg.ErrorReportConfig(), logger.Named("errreport"))
	if err != nil {
		return err
	}
	defer reporter.Flush(sentryFlushTimeout)

	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("Failed to close NATS connection", zap.Error(err))
		}
	}()
	if blobStore != nil {
		c.SetBlobStorage(blobStore)
	}

	var opts []runner.Option
	if reporter.Enabled() {
		opts = append(opts, runner.WithErrorReporter(reporter))
	}
	r, err := runner.NewRunner(c, proc, cfg.RunnerConfig(), logger.Named("runner"), opts...)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	logger.Info("Serving",
		zap.String("processor", proc.Type()),
		zap.String("stream", cfg.Runner.Stream),
		zap.String("consumer", cfg.Runner.Consumer),
		zap.String("result_subject", cfg.NATS.ResultSubject),
		zap.Int("workers", cfg.Runner.NumWorkers))

	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newBlobStore(cfg config.BlobConfig, logger *zap.Logger) (message.BlobStorage, error) {
	switch cfg.Provider {
	case config.BlobProviderNone:
		return nil, nil
	case config.BlobProviderMemory:
		return storage.NewMemoryStore(cfg.Container), nil
	case config.BlobProviderAzure:
		azure, err := storage.NewAzureBlobClient(cfg.ConnectionString, cfg.Container, logger.Named("blob"))
		if err != nil {
			return nil, err
		}
		return azure, nil
	default:
		return nil, fmt.Errorf("unknown blob provider %q", cfg.Provider)
	}
}

func newEvaluator(cfg *config.Config) (expression.Evaluator, func(), error) {
	if !cfg.Processor.Expression.Enabled {
		return expression.Literal{}, func() {}, nil
	}
	js, err := expression.NewJSEvaluator(cfg.JSOptions())
	if err != nil {
		return nil, nil, err
	}
	return js, func() { _ = js.Close() }, nil
}
