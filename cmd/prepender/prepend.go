package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/prepender/pkg/expression"
	"github.com/wehubfusion/prepender/pkg/prepend"
	"github.com/wehubfusion/prepender/pkg/processor"
	"github.com/wehubfusion/prepender/pkg/processors/prependrandom"
	"github.com/wehubfusion/prepender/pkg/random"
	"github.com/wehubfusion/prepender/pkg/record"
)

type prependOptions struct {
	input   string
	output  string
	length  string
	attrs   []string
	seed    uint64
	crypto  bool
	timeout time.Duration
}

func newPrependCmd(root *rootOptions) *cobra.Command {
	opts := &prependOptions{}
	cmd := &cobra.Command{
		Use:   "prepend [file]",
		Short: "Prepend random letters to a file or stdin",
		Long: `Reads content from a file (or stdin), prepends --length random uppercase
letters and writes the result to --output (or stdout).

--length may be an expression such as '${size * 2}'. Expressions are
evaluated against the attributes given with --attr.`,
		Example: `  prepender prepend --length 8 data.bin
  echo hello | prepender prepend --length '${n}' --attr n=4`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if opts.input != "" && opts.input != args[0] {
					return fmt.Errorf("input given both as argument and --input")
				}
				opts.input = args[0]
			}
			logger, err := root.logger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return runPrepend(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), opts, logger)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.input, "input", "i", "", "input file (default stdin)")
	f.StringVarP(&opts.output, "output", "o", "", "output file (default stdout)")
	f.StringVarP(&opts.length, "length", "n", prepend.DefaultLengthValue, "number of letters, or an expression")
	f.StringArrayVarP(&opts.attrs, "attr", "a", nil, "record attribute as key=value (repeatable)")
	f.Uint64Var(&opts.seed, "seed", 0, "seed for reproducible output (0 means unseeded)")
	f.BoolVar(&opts.crypto, "crypto", false, "draw letters from crypto/rand")
	f.DurationVar(&opts.timeout, "expression-timeout", expression.DefaultTimeout, "bound on a single expression evaluation")
	cmd.MarkFlagsMutuallyExclusive("seed", "crypto")
	return cmd
}

func (o *prependOptions) generator() random.Generator {
	switch {
	case o.seed != 0:
		return random.NewSeeded(o.seed)
	case o.crypto:
		return random.NewCrypto()
	default:
		return random.Default()
	}
}

func parseAttributes(pairs []string) (map[string]string, error) {
	attrs := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("attribute %q must be key=value", pair)
		}
		attrs[strings.TrimSpace(key)] = value
	}
	return attrs, nil
}

func runPrepend(ctx context.Context, stdin io.Reader, stdout io.Writer, opts *prependOptions, logger *zap.Logger) (err error) {
	attrs, err := parseAttributes(opts.attrs)
	if err != nil {
		return err
	}

	src := stdin
	if opts.input != "" && opts.input != "-" {
		f, err := os.Open(opts.input)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		src = f
	}

	dst := stdout
	if opts.output != "" && opts.output != "-" {
		out, cerr := os.Create(opts.output)
		if cerr != nil {
			return fmt.Errorf("create output: %w", cerr)
		}
		defer func() {
			if cerr := out.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close output: %w", cerr)
			}
		}()
		dst = out
	}

	// A literal length streams the content through without buffering it.
	if !expression.IsExpression(opts.length) {
		length, err := prepend.ParseLength(opts.length)
		if err != nil {
			return err
		}
		n, err := prepend.Prepend(dst, src, length, opts.generator())
		if err != nil {
			return err
		}
		logger.Debug("Prepended content", zap.Int("length", length), zap.Int64("bytes_written", n))
		return nil
	}

	return prependWithExpression(ctx, src, dst, attrs, opts, logger)
}

func prependWithExpression(ctx context.Context, src io.Reader, dst io.Writer, attrs map[string]string, opts *prependOptions, logger *zap.Logger) error {
	evaluator, err := expression.NewJSEvaluator(expression.JSOptions{
		Timeout: opts.timeout,
		Pool:    expression.PoolConfig{MinSize: 1, MaxSize: 1},
	})
	if err != nil {
		return err
	}
	defer evaluator.Close()

	p, err := prependrandom.New(processor.Config{
		ID:         "cli",
		Properties: map[string]string{prependrandom.RandomStringLength.Name: opts.length},
		Evaluator:  evaluator,
		Logger:     logger,
	}, prependrandom.WithGenerator(opts.generator()))
	if err != nil {
		return err
	}

	content, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	result, err := p.Process(ctx, record.New(content, attrs))
	if err != nil {
		return err
	}
	if _, err := dst.Write(result.Record.Content); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
