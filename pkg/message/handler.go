package message

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/wehubfusion/prepender/pkg/errors"
)

// Handler processes one pulled message. Handlers do not acknowledge; the
// caller reports the returned error and acks or naks accordingly.
type Handler func(ctx context.Context, msg *Message) error

// Middleware is a function that wraps a handler to add additional functionality
type Middleware func(Handler) Handler

// Chain chains multiple middlewares together. The first middleware is the
// outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(h Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// RecoveryMiddleware turns a panic in the handler into an internal error
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = apperrors.NewInternalError("", fmt.Sprintf("panic recovered: %v", r), "PANIC", nil)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// LoggingMiddleware logs message processing using structured logging
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			fields := []zap.Field{zap.String("message_id", msg.Identifier())}
			if msg != nil && msg.Workflow != nil {
				fields = append(fields,
					zap.String("workflow_id", msg.Workflow.WorkflowID),
					zap.String("run_id", msg.Workflow.RunID))
			}
			if msg != nil && msg.Node != nil {
				fields = append(fields, zap.String("node_id", msg.Node.NodeID))
			}

			logger.Debug("Processing message", fields...)
			err := next(ctx, msg)
			if err != nil {
				logger.Error("Error processing message", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("Successfully processed message", fields...)
			}
			return err
		}
	}
}

// ValidationMiddleware rejects messages without a payload
func ValidationMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			if msg == nil {
				return apperrors.NewBadRequestError("message is nil", "INVALID_MESSAGE", apperrors.ErrInvalidMessage)
			}
			if msg.Payload == nil {
				return apperrors.NewBadRequestError("message has no payload", "INVALID_MESSAGE", apperrors.ErrInvalidMessage)
			}
			return next(ctx, msg)
		}
	}
}
