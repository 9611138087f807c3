package prepend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/wehubfusion/prepender/pkg/errors"
	"github.com/wehubfusion/prepender/pkg/random"
)

func assertPrefix(t *testing.T, out []byte, length int, content []byte) {
	t.Helper()
	require.Len(t, out, length+len(content))
	assert.Equal(t, string(content), string(out[length:]))
	for i, c := range out[:length] {
		assert.Truef(t, c >= 'A' && c <= 'Z', "prefix byte %d = %#x outside A-Z", i, c)
	}
}

func TestBytes(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		length  int
	}{
		{"default length", []byte("hello"), DefaultLength},
		{"zero length", []byte("hello"), 0},
		{"empty content", []byte{}, 8},
		{"nil content", nil, 5},
		{"binary content", []byte{0x00, 0xff, 0x10, '\n'}, 3},
		{"both empty", []byte{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Bytes(tt.content, tt.length, nil)
			require.NoError(t, err)
			assertPrefix(t, out, tt.length, tt.content)
		})
	}
}

func TestBytesInputContent(t *testing.T) {
	input := []byte("Input Content")

	out, err := Bytes(input, 10, random.Default())
	require.NoError(t, err)

	assert.True(t, bytes.HasSuffix(out, input))
	assert.Len(t, out, len(input)+10)
}

func TestBytesDoesNotMutateInput(t *testing.T) {
	input := make([]byte, 4, 64)
	copy(input, "data")
	orig := append([]byte(nil), input...)

	out, err := Bytes(input, 6, nil)
	require.NoError(t, err)

	assert.Equal(t, orig, input)
	out[len(out)-1] = 'X'
	assert.Equal(t, orig, input)
}

func TestBytesZeroLengthReturnsCopy(t *testing.T) {
	input := []byte("abc")
	out, err := Bytes(input, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, input, out)

	out[0] = 'z'
	assert.Equal(t, []byte("abc"), input)
}

func TestBytesRejectsBadLength(t *testing.T) {
	_, err := Bytes([]byte("x"), -1, nil)
	assert.True(t, apperrors.IsInvalidConfiguration(err))

}

func TestBytesLargeLength(t *testing.T) {
	const length = 1<<20 + 1
	out, err := Bytes([]byte("x"), length, random.NewSeeded(5))
	require.NoError(t, err)
	assertPrefix(t, out, length, []byte("x"))
}

func TestGeneratorFailureIsRetryable(t *testing.T) {
	cause := errors.New("entropy unavailable")
	gen := random.GeneratorFunc(func(int) ([]byte, error) { return nil, cause })

	_, err := Bytes([]byte("x"), 4, gen)
	require.Error(t, err)
	assert.True(t, apperrors.IsIOFailure(err))
	assert.False(t, apperrors.IsInvalidConfiguration(err))
	assert.True(t, apperrors.IsRetryable(err))
	assert.ErrorIs(t, err, cause)

	var dst bytes.Buffer
	_, err = Prepend(&dst, strings.NewReader("x"), 4, gen)
	assert.True(t, apperrors.IsIOFailure(err))
	assert.Zero(t, dst.Len())
}

func TestPrepend(t *testing.T) {
	content := strings.Repeat("stream me ", 1000)
	var dst bytes.Buffer

	n, err := Prepend(&dst, strings.NewReader(content), 16, random.NewSeeded(9))
	require.NoError(t, err)
	assert.Equal(t, int64(16+len(content)), n)
	assertPrefix(t, dst.Bytes(), 16, []byte(content))
}

func TestPrependIsNotDeterministicByDefault(t *testing.T) {
	a, err := Bytes(nil, 32, nil)
	require.NoError(t, err)
	b, err := Bytes(nil, 32, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

type failingWriter struct {
	err     error
	allowed int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.allowed <= 0 {
		return 0, w.err
	}
	w.allowed--
	return len(p), nil
}

type shortWriter struct{}

func (shortWriter) Write(p []byte) (int, error) { return len(p) / 2, nil }

func TestPrependIOFailure(t *testing.T) {
	cause := errors.New("disk gone")

	t.Run("read failure", func(t *testing.T) {
		var dst bytes.Buffer
		_, err := Prepend(&dst, failingReader{err: cause}, 4, nil)
		require.Error(t, err)
		assert.True(t, apperrors.IsIOFailure(err))
		assert.ErrorIs(t, err, cause)
	})

	t.Run("prefix write failure", func(t *testing.T) {
		w := &failingWriter{err: cause}
		n, err := Prepend(w, strings.NewReader("abc"), 4, nil)
		assert.Equal(t, int64(0), n)
		assert.True(t, apperrors.IsIOFailure(err))
		assert.ErrorIs(t, err, cause)
	})

	t.Run("content write failure", func(t *testing.T) {
		w := &failingWriter{err: cause, allowed: 1}
		n, err := Prepend(w, strings.NewReader("abc"), 4, nil)
		assert.Equal(t, int64(4), n)
		assert.True(t, apperrors.IsIOFailure(err))
		assert.ErrorIs(t, err, cause)
	})

	t.Run("short write", func(t *testing.T) {
		_, err := Prepend(shortWriter{}, strings.NewReader("abc"), 4, nil)
		assert.True(t, apperrors.IsIOFailure(err))
		assert.ErrorIs(t, err, io.ErrShortWrite)
	})
}

func TestParseLength(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{"32", 32, false},
		{" 10 ", 10, false},
		{"0", 0, false},
		{"1048577", 1048577, false},
		{"2000000", 2000000, false},
		{"", 0, true},
		{"   ", 0, true},
		{"abc", 0, true},
		{"1.5", 0, true},
		{"-1", 0, true},
		{"99999999999999999999", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseLength(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsInvalidConfiguration(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultLengthValueParses(t *testing.T) {
	n, err := ParseLength(DefaultLengthValue)
	require.NoError(t, err)
	assert.Equal(t, DefaultLength, n)
}

func TestString(t *testing.T) {
	out, err := String("tail", 3, nil)
	require.NoError(t, err)
	assert.Len(t, out, 7)
	assert.True(t, strings.HasSuffix(out, "tail"))
}

func TestTransformer(t *testing.T) {
	tr := NewTransformer(5, random.NewSeeded(1))

	out, err := tr.Transform(context.Background(), []byte("body"))
	require.NoError(t, err)
	assertPrefix(t, out, 5, []byte("body"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Transform(ctx, []byte("body"))
	assert.ErrorIs(t, err, context.Canceled)
}
