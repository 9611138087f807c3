package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/prepender/internal/logging"
)

type rootOptions struct {
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "prepender",
		Short: "Prepend random letters to records",
		Long: `prepender adds a string of random uppercase letters to the front of
each record it processes.

Available subcommands:
  prepend    - Transform a single file or stdin
  serve      - Consume records from NATS JetStream and publish results
  processors - List the registered processors and their properties`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", logging.FormatConsole, "log format (json or console)")

	cmd.AddCommand(
		newPrependCmd(opts),
		newServeCmd(opts),
		newProcessorsCmd(),
	)
	return cmd
}

func (o *rootOptions) logger() (*zap.Logger, error) {
	return logging.New(o.logLevel, o.logFormat)
}
