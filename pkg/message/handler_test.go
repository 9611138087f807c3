package message

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	apperrors "github.com/wehubfusion/prepender/pkg/errors"
)

func codeOf(t *testing.T, err error) string {
	t.Helper()
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	return appErr.Code
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, msg *Message) error {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}

	h := Chain(mw("outer"), mw("inner"))(func(context.Context, *Message) error {
		order = append(order, "handler")
		return nil
	})
	require.NoError(t, h(context.Background(), NewMessage()))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestNilMessageThroughMiddleware(t *testing.T) {
	called := false
	handler := func(context.Context, *Message) error {
		called = true
		return nil
	}

	tests := []struct {
		name  string
		chain []Middleware
	}{
		{"validation before logging", []Middleware{RecoveryMiddleware(), ValidationMiddleware(), LoggingMiddleware(zap.NewNop())}},
		{"logging before validation", []Middleware{RecoveryMiddleware(), LoggingMiddleware(zap.NewNop()), ValidationMiddleware()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Chain(tt.chain...)(handler)(context.Background(), nil)
			require.Error(t, err)
			assert.Equal(t, "INVALID_MESSAGE", codeOf(t, err))
			assert.ErrorIs(t, err, apperrors.ErrInvalidMessage)
		})
	}
	assert.False(t, called)
}

func TestRecoveryMiddleware(t *testing.T) {
	err := RecoveryMiddleware()(func(context.Context, *Message) error {
		panic("boom")
	})(context.Background(), NewMessage())
	require.Error(t, err)
	assert.Equal(t, "PANIC", codeOf(t, err))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cause := errors.New("failed")

	h := LoggingMiddleware(zap.New(core))(func(context.Context, *Message) error { return cause })
	msg := NewWorkflowMessage("wf", "run").WithCorrelationID("c-1").WithNode("n-1", "t")
	assert.ErrorIs(t, h(context.Background(), msg), cause)

	entries := logs.FilterMessage("Error processing message").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "correlation:c-1", fields["message_id"])
	assert.Equal(t, "wf", fields["workflow_id"])
	assert.Equal(t, "n-1", fields["node_id"])
}

func TestIdentifierNilMessage(t *testing.T) {
	var msg *Message
	assert.Equal(t, "nil", msg.Identifier())
}
