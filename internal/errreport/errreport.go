// Package errreport forwards record processing failures to Sentry.
package errreport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	apperrors "github.com/wehubfusion/prepender/pkg/errors"
	"github.com/wehubfusion/prepender/pkg/message"
)

// Config configures the Sentry client. An empty DSN disables reporting.
type Config struct {
	DSN         string
	Environment string
	Release     string
	SampleRate  float64
	Debug       bool
}

// Reporter sends processing failures to Sentry with the message's workflow
// and error classification as tags. A nil or disabled Reporter is a no-op.
type Reporter struct {
	hub    *sentry.Hub
	logger *zap.Logger
}

// New creates a Reporter. It never reaches the network until an error is reported.
func New(cfg Config, logger *zap.Logger) (*Reporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DSN == "" {
		logger.Debug("Sentry DSN not configured, error reporting disabled")
		return &Reporter{logger: logger}, nil
	}
	if cfg.SampleRate < 0 || cfg.SampleRate > 1 {
		return nil, fmt.Errorf("sentry sample rate must be within [0, 1], got %v", cfg.SampleRate)
	}

	return newWithOptions(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		SampleRate:  cfg.SampleRate,
		Debug:       cfg.Debug,
	}, logger)
}

func newWithOptions(opts sentry.ClientOptions, logger *zap.Logger) (*Reporter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	logger.Info("Sentry error reporting enabled", zap.String("environment", opts.Environment))
	return &Reporter{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: logger,
	}, nil
}

// Enabled reports whether events are sent anywhere.
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// ReportError captures err for the record carried by msg.
func (r *Reporter) ReportError(ctx context.Context, msg *message.Message, err error) {
	if !r.Enabled() || err == nil {
		return
	}

	code := "INTERNAL_ERROR"
	errType := apperrors.Internal.String()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
		errType = appErr.Type.String()
	}

	hub := r.hub.Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_code", code)
		scope.SetTag("error_type", errType)
		scope.SetTag("retryable", fmt.Sprintf("%t", apperrors.IsRetryable(err)))
		scope.SetFingerprint([]string{"{{ default }}", code})
		if msg != nil {
			scope.SetTag("message_id", msg.Identifier())
			if msg.Workflow != nil {
				scope.SetTag("workflow_id", msg.Workflow.WorkflowID)
				scope.SetTag("run_id", msg.Workflow.RunID)
			}
			if msg.Node != nil {
				scope.SetTag("node_id", msg.Node.NodeID)
				scope.SetTag("processor_type", msg.Node.ProcessorType)
			}
			if msg.Payload != nil {
				scope.SetContext("record", sentry.Context{
					"record_id":      msg.Payload.RecordID,
					"content_size":   len(msg.Payload.Content),
					"blob_reference": msg.Payload.HasBlobReference(),
				})
			}
		}
		if id := hub.CaptureException(err); id != nil {
			r.logger.Debug("Reported error to Sentry",
				zap.String("event_id", string(*id)),
				zap.String("error_code", code))
		}
	})
}

// Flush waits up to timeout for queued events to be sent.
func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.Enabled() {
		return true
	}
	return r.hub.Flush(timeout)
}
