package prependrandom

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	apperrors "github.com/wehubfusion/prepender/pkg/errors"
	"github.com/wehubfusion/prepender/pkg/expression"
	"github.com/wehubfusion/prepender/pkg/processor"
	"github.com/wehubfusion/prepender/pkg/random"
	"github.com/wehubfusion/prepender/pkg/record"
)

func newProcessor(t *testing.T, props map[string]string, opts ...Option) *Processor {
	t.Helper()
	p, err := New(processor.Config{ID: "node-1", Properties: props}, opts...)
	require.NoError(t, err)
	return p
}

func assertPrepended(t *testing.T, res processor.Result, in *record.Record, length int) {
	t.Helper()
	assert.Equal(t, processor.Success, res.Relationship)
	require.NotNil(t, res.Record)
	out := res.Record.Content
	require.Len(t, out, length+len(in.Content))
	assert.Equal(t, string(in.Content), string(out[length:]))
	for i, c := range out[:length] {
		assert.Truef(t, c >= 'A' && c <= 'Z', "prefix byte %d = %#x outside A-Z", i, c)
	}
}

func TestDescriptors(t *testing.T) {
	p := newProcessor(t, nil)

	assert.Equal(t, "prepend-random-string", p.Type())
	assert.Equal(t, "Prepend a random string to provided records", p.Description())
	assert.Equal(t, []string{"prepend", "random"}, p.Tags())
	assert.Equal(t, []processor.Relationship{processor.Success}, p.Relationships())

	require.Len(t, p.Properties(), 1)
	prop := p.Properties()[0]
	assert.Equal(t, "randomStringLength", prop.Name)
	assert.Equal(t, "Random String Length", prop.DisplayName)
	assert.Equal(t, "32", prop.DefaultValue)
	assert.True(t, prop.Required)
	assert.True(t, prop.ExpressionLanguage)
}

func TestProcessInputContent(t *testing.T) {
	p := newProcessor(t, map[string]string{"Random String Length": "10"})
	in := record.New([]byte("Input Content"), nil)

	res, err := p.Process(context.Background(), in)
	require.NoError(t, err)

	out := res.Record.Content
	assert.True(t, bytes.HasSuffix(out, []byte("Input Content")))
	assert.Len(t, out, len("Input Content")+10)
}

func TestProcess(t *testing.T) {
	tests := []struct {
		name    string
		props   map[string]string
		content []byte
		length  int
	}{
		{"default length", nil, []byte("hello"), 32},
		{"configured length", map[string]string{"randomStringLength": "5"}, []byte("hello"), 5},
		{"zero length is identity", map[string]string{"randomStringLength": "0"}, []byte("hello"), 0},
		{"empty content", map[string]string{"randomStringLength": "8"}, nil, 8},
		{"padded value", map[string]string{"randomStringLength": " 3 "}, []byte{0x00, 0x01}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProcessor(t, tt.props)
			in := record.New(tt.content, map[string]string{"filename": "x"})

			res, err := p.Process(context.Background(), in)
			require.NoError(t, err)
			assertPrepended(t, res, in, tt.length)
			assert.Equal(t, in.ID, res.Record.ID)
			assert.Equal(t, in.Attributes, res.Record.Attributes)
		})
	}
}

func TestProcessDoesNotModifyInput(t *testing.T) {
	p := newProcessor(t, map[string]string{"randomStringLength": "4"})
	in := record.New([]byte("data"), map[string]string{"k": "v"})
	snapshot := in.Clone()

	res, err := p.Process(context.Background(), in)
	require.NoError(t, err)
	res.Record.Attributes["k"] = "changed"
	res.Record.Content[len(res.Record.Content)-1] = '!'

	assert.Equal(t, snapshot, in)
}

func TestConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		props map[string]string
	}{
		{"empty", map[string]string{"randomStringLength": ""}},
		{"unknown property", map[string]string{"length": "5"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(processor.Config{Properties: tt.props})
			require.Error(t, err)
			assert.True(t, apperrors.IsInvalidConfiguration(err))
		})
	}
}

func TestProcessInvalidLength(t *testing.T) {
	tests := []string{"-1", "abc", "1.5", "99999999999999999999"}

	for _, value := range tests {
		t.Run(value, func(t *testing.T) {
			p := newProcessor(t, map[string]string{"randomStringLength": value})

			_, err := p.Process(context.Background(), record.New([]byte("x"), nil))
			require.Error(t, err)
			assert.True(t, apperrors.IsInvalidConfiguration(err))
			assert.False(t, apperrors.IsRetryable(err))
			assert.Equal(t, int64(1), p.Metrics().Errors)
		})
	}
}

func TestProcessNilRecord(t *testing.T) {
	p := newProcessor(t, nil)

	res, err := p.Process(context.Background(), nil)
	require.Error(t, err)
	assert.Nil(t, res.Record)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.BadRequest, appErr.Type)
	assert.Equal(t, "INVALID_RECORD", appErr.Code)
	assert.False(t, apperrors.IsRetryable(err))
	assert.Equal(t, int64(1), p.Metrics().Errors)
}

func TestProcessExpressionLength(t *testing.T) {
	eval, err := expression.NewJSEvaluator(expression.JSOptions{})
	require.NoError(t, err)
	defer eval.Close()

	p, err := New(processor.Config{
		Properties: map[string]string{"randomStringLength": "${Number(size) + 2}"},
		Evaluator:  eval,
	})
	require.NoError(t, err)

	in := record.New([]byte("abc"), map[string]string{"size": "3"})
	res, err := p.Process(context.Background(), in)
	require.NoError(t, err)
	assertPrepended(t, res, in, 5)

	// The length follows each record's attributes.
	in = record.New([]byte("abc"), map[string]string{"size": "0"})
	res, err = p.Process(context.Background(), in)
	require.NoError(t, err)
	assertPrepended(t, res, in, 2)
}

func TestProcessMissingAttribute(t *testing.T) {
	eval, err := expression.NewJSEvaluator(expression.JSOptions{})
	require.NoError(t, err)
	defer eval.Close()

	p, err := New(processor.Config{
		Properties: map[string]string{"randomStringLength": "${size}"},
		Evaluator:  eval,
	})
	require.NoError(t, err)

	_, err = p.Process(context.Background(), record.New([]byte("abc"), nil))
	assert.True(t, apperrors.IsInvalidConfiguration(err))
}

func TestProcessWithSeededGenerator(t *testing.T) {
	props := map[string]string{"randomStringLength": "12"}
	in := record.New([]byte("tail"), nil)

	a, err := newProcessor(t, props, WithGenerator(random.NewSeeded(5))).Process(context.Background(), in)
	require.NoError(t, err)
	b, err := newProcessor(t, props, WithGenerator(random.NewSeeded(5))).Process(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, a.Record.Content, b.Record.Content)
}

func TestProcessConcurrent(t *testing.T) {
	p := newProcessor(t, map[string]string{"randomStringLength": "16"})

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := record.New([]byte(strings.Repeat("z", i)), nil)
			res, err := p.Process(context.Background(), in)
			assert.NoError(t, err)
			assertPrepended(t, res, in, 16)
		}(i)
	}
	wg.Wait()

	m := p.Metrics()
	assert.Equal(t, int64(64), m.Processed)
	assert.Equal(t, int64(0), m.Errors)
	assert.Equal(t, m.BytesIn+64*16, m.BytesOut)
}

func TestProcessLogsAtDebug(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	p, err := New(processor.Config{ID: "node-7", Logger: zap.New(core)})
	require.NoError(t, err)

	_, err = p.Process(context.Background(), record.New([]byte("x"), nil))
	require.NoError(t, err)

	entries := logs.FilterMessage("Prepended random string").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "node-7", fields["processorID"])
	assert.Equal(t, int64(32), fields["length"])
}

func TestRegister(t *testing.T) {
	r := processor.NewRegistry()
	Register(r)

	p, err := r.Create(Type, processor.Config{})
	require.NoError(t, err)
	assert.Equal(t, Type, p.Type())
}
