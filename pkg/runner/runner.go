// Package runner pulls records from a JetStream consumer, runs them through
// a processor on a pool of workers and reports each outcome on the result
// stream.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	internaltracing "github.com/wehubfusion/prepender/internal/tracing"
	"github.com/wehubfusion/prepender/pkg/client"
	"github.com/wehubfusion/prepender/pkg/concurrency"
	apperrors "github.com/wehubfusion/prepender/pkg/errors"
	"github.com/wehubfusion/prepender/pkg/message"
	"github.com/wehubfusion/prepender/pkg/processor"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	initialBackoff      = 100 * time.Millisecond
	maxBackoff          = 5 * time.Second
	reportTimeout       = 5 * time.Second
)

// Config controls how the runner consumes its input.
type Config struct {
	// Stream and Consumer name the durable pull consumer records arrive on.
	Stream   string
	Consumer string

	// Subjects captured by Stream when it has to be created. Defaults to "<Stream>.>".
	Subjects []string

	BatchSize      int
	NumWorkers     int
	ProcessTimeout time.Duration

	// MaxConcurrent bounds in-flight Process calls. Defaults to NumWorkers.
	MaxConcurrent int

	// PollInterval is the wait after an empty pull. Defaults to 500ms.
	PollInterval time.Duration

	// Tracing is optional. When set, an OTLP exporter is installed and shut down by Close.
	Tracing *TracingConfig
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Stream == "":
		return errors.New("stream name cannot be empty")
	case c.Consumer == "":
		return errors.New("consumer name cannot be empty")
	case c.BatchSize <= 0:
		return errors.New("batchSize must be greater than 0")
	case c.NumWorkers <= 0:
		return errors.New("numWorkers must be greater than 0")
	case c.ProcessTimeout <= 0:
		return errors.New("processTimeout must be greater than 0")
	case c.MaxConcurrent < 0:
		return errors.New("maxConcurrent cannot be negative")
	}
	return nil
}

// ErrorReporter receives every processing failure, in addition to the
// failure report published on the result stream.
type ErrorReporter interface {
	ReportError(ctx context.Context, msg *message.Message, err error)
}

// Option customizes a Runner.
type Option func(*Runner)

// WithErrorReporter forwards processing failures to reporter.
func WithErrorReporter(reporter ErrorReporter) Option {
	return func(r *Runner) { r.errorReporter = reporter }
}

// WithLimiter replaces the default concurrency limiter.
func WithLimiter(l *concurrency.Limiter) Option {
	return func(r *Runner) {
		if l != nil {
			r.limiter = l
		}
	}
}

// WithMiddleware appends handler middleware, innermost last.
func WithMiddleware(mw ...message.Middleware) Option {
	return func(r *Runner) { r.middleware = append(r.middleware, mw...) }
}

// Runner manages concurrent record processing from a JetStream consumer.
type Runner struct {
	client          *client.Client
	processor       processor.Processor
	config          Config
	logger          *zap.Logger
	tracer          trace.Tracer
	tracingShutdown func(context.Context) error
	limiter         *concurrency.Limiter
	errorReporter   ErrorReporter
	middleware      []message.Middleware
	handler         message.Handler
}

// NewRunner creates a Runner bound to a client whose message service is
// ready (connected, or built with NewClientWithJSContext). The input stream
// and durable consumer are created if missing.
func NewRunner(c *client.Client, p processor.Processor, cfg Config, logger *zap.Logger, opts ...Option) (*Runner, error) {
	if c == nil {
		return nil, errors.New("client cannot be nil")
	}
	if c.Messages == nil {
		return nil, errors.New("client has no message service, call Connect first")
	}
	if p == nil {
		return nil, errors.New("processor cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = cfg.NumWorkers
	}

	if err := c.Messages.EnsureStream(cfg.Stream, cfg.Subjects...); err != nil {
		return nil, fmt.Errorf("failed to ensure stream '%s' exists: %w", cfg.Stream, err)
	}
	if err := c.Messages.EnsureConsumer(cfg.Stream, cfg.Consumer); err != nil {
		return nil, fmt.Errorf("failed to ensure consumer '%s' exists: %w", cfg.Consumer, err)
	}

	r := &Runner{
		client:    c,
		processor: p,
		config:    cfg,
		logger:    logger,
		tracer:    otel.Tracer("prepender/runner"),
		// Only transient failures say anything about downstream health.
		limiter: concurrency.NewLimiter(cfg.MaxConcurrent,
			concurrency.WithFailureClassifier(apperrors.IsRetryable)),
	}
	for _, opt := range opts {
		opt(r)
	}

	if cfg.Tracing != nil {
		shutdown, err := internaltracing.SetupTracing(context.Background(), cfg.Tracing.toInternalConfig(), logger)
		if err != nil {
			logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			r.tracingShutdown = shutdown
			r.tracer = otel.Tracer("prepender/runner")
		}
	}

	chain := append([]message.Middleware{
		message.RecoveryMiddleware(),
		message.ValidationMiddleware(),
		r.tracingMiddleware(),
		message.LoggingMiddleware(logger),
	}, r.middleware...)
	r.handler = message.Chain(chain...)(r.handle)

	return r, nil
}

// Limiter returns the limiter guarding Process calls.
func (r *Runner) Limiter() *concurrency.Limiter {
	return r.limiter
}

// Close shuts down tracing if the runner installed it.
func (r *Runner) Close() error {
	if r.tracingShutdown == nil {
		return nil
	}
	err := internaltracing.ShutdownTracing(r.tracingShutdown, r.logger)
	r.tracingShutdown = nil
	return err
}

// Run pulls and processes records until ctx is cancelled. It returns
// ctx.Err() after every worker has finished its current record.
func (r *Runner) Run(ctx context.Context) error {
	messageChan := make(chan *message.Message, r.config.BatchSize)

	var wg sync.WaitGroup
	for i := range r.config.NumWorkers {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID, messageChan)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(messageChan)
		r.pull(ctx, messageChan)
	}()

	wg.Wait()
	r.logger.Info("Runner stopped", zap.Error(ctx.Err()))
	return ctx.Err()
}

func (r *Runner) pull(ctx context.Context, out chan<- *message.Message) {
	backoff := initialBackoff

	for ctx.Err() == nil {
		messages, err := r.client.Messages.PullMessages(ctx, r.config.Stream, r.config.Consumer, r.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("Error pulling messages", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = initialBackoff

		if len(messages) == 0 {
			if !sleep(ctx, r.config.PollInterval) {
				return
			}
			continue
		}

		for i, msg := range messages {
			select {
			case out <- msg:
			case <-ctx.Done():
				// Hand undispatched messages back for redelivery.
				for _, rest := range messages[i:] {
					_ = rest.Nak()
				}
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Runner) worker(ctx context.Context, workerID int, messageChan <-chan *message.Message) {
	r.logger.Debug("Worker started", zap.Int("workerID", workerID))
	defer r.logger.Debug("Worker stopped", zap.Int("workerID", workerID))

	for msg := range messageChan {
		if ctx.Err() != nil {
			_ = msg.Nak()
			continue
		}
		r.processMessage(ctx, workerID, msg)
	}
}

type resultKey struct{}

// processMessage runs the handler chain and settles msg through the result
// stream. Reporting uses a context detached from ctx so that a shutdown does
// not lose the outcome of a record that was already processed.
func (r *Runner) processMessage(ctx context.Context, workerID int, msg *message.Message) {
	var result processor.Result
	ctx = context.WithValue(ctx, resultKey{}, &result)

	start := time.Now()
	err := r.handler(ctx, msg)
	elapsed := time.Since(start)

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	if err != nil {
		if r.errorReporter != nil {
			r.errorReporter.ReportError(reportCtx, msg, err)
		}
		if reportErr := r.client.Messages.ReportError(reportCtx, msg, err); reportErr != nil {
			r.logger.Error("Error reporting failure",
				zap.Int("workerID", workerID),
				zap.String("message_id", msg.Identifier()),
				zap.Error(reportErr))
		}
		return
	}

	if reportErr := r.client.Messages.ReportSuccess(reportCtx, msg, result, elapsed); reportErr != nil {
		r.logger.Error("Error reporting success",
			zap.Int("workerID", workerID),
			zap.String("message_id", msg.Identifier()),
			zap.Error(reportErr))
	}
}

// handle resolves the record, runs the processor under the limiter and
// stores the result for processMessage.
func (r *Runner) handle(ctx context.Context, msg *message.Message) error {
	content, err := r.client.Messages.ResolveContent(ctx, msg)
	if err != nil {
		return err
	}
	rec := msg.ToRecord()
	rec.Content = content

	processCtx, cancel := context.WithTimeout(ctx, r.config.ProcessTimeout)
	defer cancel()

	var result processor.Result
	err = r.limiter.Do(processCtx, func(ctx context.Context) error {
		ctx, span := r.tracer.Start(ctx, "processor.Process", trace.WithAttributes(
			attribute.String("record.id", rec.ID),
			attribute.Int("record.content_size", len(rec.Content))))
		defer span.End()

		var processErr error
		result, processErr = r.processor.Process(ctx, rec)
		if processErr != nil {
			span.RecordError(processErr)
			span.SetStatus(codes.Error, processErr.Error())
		} else if result.Record != nil {
			span.SetAttributes(
				attribute.String("relationship", result.Relationship.Name),
				attribute.Int("result.content_size", len(result.Record.Content)))
		}
		return processErr
	})
	if err != nil {
		if errors.Is(err, concurrency.ErrCircuitOpen) {
			return apperrors.NewInternalError("", "processing suspended while circuit breaker is open", "CIRCUIT_OPEN", err)
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return apperrors.NewInternalError("", "processing timed out", "PROCESS_TIMEOUT",
				errors.Join(apperrors.ErrTimeout, err))
		}
		return err
	}

	if out, ok := ctx.Value(resultKey{}).(*processor.Result); ok {
		*out = result
	}
	return nil
}

// tracingMiddleware opens a span per message, continuing any trace context
// carried in the message metadata.
func (r *Runner) tracingMiddleware() message.Middleware {
	return func(next message.Handler) message.Handler {
		return func(ctx context.Context, msg *message.Message) error {
			if msg != nil && len(msg.Metadata) > 0 {
				ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Metadata))
			}

			attrs := []attribute.KeyValue{
				attribute.String("stream", r.config.Stream),
				attribute.String("consumer", r.config.Consumer),
				attribute.String("processor.type", r.processor.Type()),
			}
			if msg != nil {
				if msg.Workflow != nil {
					attrs = append(attrs,
						attribute.String("workflow.id", msg.Workflow.WorkflowID),
						attribute.String("workflow.run_id", msg.Workflow.RunID))
				}
				if msg.Payload != nil {
					attrs = append(attrs, attribute.String("record.id", msg.Payload.RecordID))
				}
			}

			ctx, span := r.tracer.Start(ctx, "runner.processMessage", trace.WithAttributes(attrs...))
			defer span.End()

			err := next(ctx, msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				span.SetAttributes(attribute.Bool("error.retryable", apperrors.IsRetryable(err)))
				return err
			}
			span.SetStatus(codes.Ok, "processed")
			return nil
		}
	}
}
