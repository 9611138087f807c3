package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/wehubfusion/prepender/pkg/errors"
	"github.com/wehubfusion/prepender/pkg/expression"
	"github.com/wehubfusion/prepender/pkg/record"
)

var lengthProperty = PropertyDescriptor{
	Name:               "length",
	DisplayName:        "Length",
	Description:        "Length of something",
	Required:           true,
	DefaultValue:       "32",
	ExpressionLanguage: true,
	Validator:          NonEmptyValidator,
}

var modeProperty = PropertyDescriptor{
	Name:         "mode",
	DisplayName:  "Mode",
	DefaultValue: "fast",
}

func TestValidators(t *testing.T) {
	assert.NoError(t, NonEmptyValidator("p", "x"))
	assert.True(t, apperrors.IsInvalidConfiguration(NonEmptyValidator("p", "  ")))

	assert.NoError(t, NonNegativeIntegerValidator("p", "0"))
	assert.NoError(t, NonNegativeIntegerValidator("p", " 12 "))
	assert.True(t, apperrors.IsInvalidConfiguration(NonNegativeIntegerValidator("p", "-1")))
	assert.True(t, apperrors.IsInvalidConfiguration(NonNegativeIntegerValidator("p", "x")))
}

func TestPropertyContext(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]string
		want    string
		wantErr bool
	}{
		{"default", nil, "32", false},
		{"by name", map[string]string{"length": "10"}, "10", false},
		{"by display name", map[string]string{"Length": "12"}, "12", false},
		{"unknown property", map[string]string{"bogus": "1"}, "", true},
		{"both name and alias", map[string]string{"length": "1", "Length": "2"}, "", true},
		{"empty required", map[string]string{"length": ""}, "", true},
		{"blank fails validator", map[string]string{"length": "  "}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc, err := NewPropertyContext([]PropertyDescriptor{lengthProperty, modeProperty}, tt.values, nil)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsInvalidConfiguration(err))
				return
			}
			require.NoError(t, err)

			v, err := pc.Resolve(context.Background(), "length", nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
			assert.Equal(t, "fast", pc.Raw("mode"))
		})
	}
}

func TestPropertyContextExpressions(t *testing.T) {
	eval := expression.EvaluatorFunc(func(_ context.Context, expr string, attrs map[string]string) (string, error) {
		if expr == "${len}" {
			return attrs["len"], nil
		}
		return expr, nil
	})

	pc, err := NewPropertyContext([]PropertyDescriptor{lengthProperty}, map[string]string{"length": "${len}"}, eval)
	require.NoError(t, err)

	v, err := pc.Resolve(context.Background(), "length", map[string]string{"len": "7"})
	require.NoError(t, err)
	assert.Equal(t, "7", v)

	// Missing attribute evaluates to empty, which the validator rejects.
	_, err = pc.Resolve(context.Background(), "length", nil)
	assert.True(t, apperrors.IsInvalidConfiguration(err))

	_, err = pc.Resolve(context.Background(), "nope", nil)
	assert.True(t, apperrors.IsInvalidConfiguration(err))
}

func TestPropertyContextEvaluatorFailure(t *testing.T) {
	cause := errors.New("boom")
	eval := expression.EvaluatorFunc(func(context.Context, string, map[string]string) (string, error) {
		return "", cause
	})

	pc, err := NewPropertyContext([]PropertyDescriptor{lengthProperty}, map[string]string{"length": "${x}"}, eval)
	require.NoError(t, err)

	_, err = pc.Resolve(context.Background(), "length", nil)
	assert.True(t, apperrors.IsInvalidConfiguration(err))
	assert.ErrorIs(t, err, cause)
}

func TestPropertyContextIgnoresExpressionsForNonELProperties(t *testing.T) {
	pc, err := NewPropertyContext([]PropertyDescriptor{modeProperty}, map[string]string{"mode": "${x}"}, nil)
	require.NoError(t, err)

	v, err := pc.Resolve(context.Background(), "mode", map[string]string{"x": "y"})
	require.NoError(t, err)
	assert.Equal(t, "${x}", v)
}

type echoProcessor struct {
	Base
}

func (p *echoProcessor) Type() string { return "echo" }
func (p *echoProcessor) Description() string { return "Echoes records" }
func (p *echoProcessor) Tags() []string { return []string{"test"} }
func (p *echoProcessor) Properties() []PropertyDescriptor { return []PropertyDescriptor{modeProperty} }
func (p *echoProcessor) Relationships() []Relationship { return []Relationship{Success} }

func (p *echoProcessor) Process(_ context.Context, rec *record.Record) (Result, error) {
	return Result{Relationship: Success, Record: rec.Clone()}, nil
}

func newEcho(cfg Config) (Processor, error) {
	base, err := NewBase("echo", cfg, []PropertyDescriptor{modeProperty})
	if err != nil {
		return nil, err
	}
	return &echoProcessor{Base: base}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", newEcho)
	r.Register("alpha", newEcho)

	assert.True(t, r.Has("echo"))
	assert.False(t, r.Has("missing"))
	assert.Equal(t, []string{"alpha", "echo"}, r.RegisteredTypes())

	p, err := r.Create("echo", Config{ID: "n1"})
	require.NoError(t, err)
	assert.Equal(t, "echo", p.Type())
	assert.Equal(t, "n1", p.(*echoProcessor).ID())
	assert.NotNil(t, p.(*echoProcessor).Logger())

	_, err = r.Create("missing", Config{})
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.NotFound, appErr.Type)

	_, err = r.Create("echo", Config{Properties: map[string]string{"bad": "1"}})
	assert.True(t, apperrors.IsInvalidConfiguration(err))
}

func TestRegistryReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", func(Config) (Processor, error) { return nil, errors.New("first") })
	r.Register("echo", newEcho)

	_, err := r.Create("echo", Config{})
	assert.NoError(t, err)
	assert.Len(t, r.RegisteredTypes(), 1)
}

func TestMetricsCollector(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordProcessed(10, 42, 2*time.Millisecond)
	m.RecordProcessed(0, 32, 4*time.Millisecond)
	m.RecordError()

	s := m.Snapshot()
	assert.Equal(t, int64(2), s.Processed)
	assert.Equal(t, int64(1), s.Errors)
	assert.Equal(t, int64(10), s.BytesIn)
	assert.Equal(t, int64(74), s.BytesOut)
	assert.Equal(t, 3*time.Millisecond, s.AverageProcessingTime())
	assert.InDelta(t, 33.33, s.ErrorRate(), 0.01)

	m.Reset()
	assert.Equal(t, Metrics{}, m.Snapshot())
	assert.Zero(t, Metrics{}.AverageProcessingTime())
	assert.Zero(t, Metrics{}.ErrorRate())
}
