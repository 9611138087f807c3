// Package prepend implements the content transform: a run of random
// uppercase letters written ahead of the original bytes.
package prepend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	apperrors "github.com/wehubfusion/prepender/pkg/errors"
	"github.com/wehubfusion/prepender/pkg/random"
)

const (
	// DefaultLength is the prefix length used when none is configured.
	DefaultLength = 32

	// DefaultLengthValue is DefaultLength in its configured string form.
	DefaultLengthValue = "32"
)

// ParseLength converts a resolved property value to a prefix length.
func ParseLength(raw string) (int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, apperrors.InvalidConfiguration("randomStringLength", "value is empty", nil)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, apperrors.InvalidConfiguration("randomStringLength",
			fmt.Sprintf("%q is not an integer", s), err)
	}
	if n < 0 {
		return 0, apperrors.InvalidConfiguration("randomStringLength",
			fmt.Sprintf("must not be negative, got %d", n), nil)
	}
	return n, nil
}

func validateLength(length int) error {
	if length < 0 {
		return apperrors.InvalidConfiguration("randomStringLength",
			fmt.Sprintf("must not be negative, got %d", length), nil)
	}
	return nil
}

func prefix(length int, gen random.Generator) ([]byte, error) {
	if err := validateLength(length); err != nil {
		return nil, err
	}
	if gen == nil {
		gen = random.Default()
	}
	p, err := gen.Letters(length)
	if err != nil {
		return nil, apperrors.IOFailure("generate prefix", err)
	}
	return p, nil
}

// Prepend writes length random letters to dst followed by everything read
// from src. It returns the total number of bytes written. A nil gen uses
// random.Default.
func Prepend(dst io.Writer, src io.Reader, length int, gen random.Generator) (int64, error) {
	p, err := prefix(length, gen)
	if err != nil {
		return 0, err
	}

	n, err := dst.Write(p)
	written := int64(n)
	if err != nil {
		return written, apperrors.IOFailure("write prefix", err)
	}
	if n != len(p) {
		return written, apperrors.IOFailure("write prefix", io.ErrShortWrite)
	}

	copied, err := io.Copy(dst, src)
	written += copied
	if err != nil {
		return written, apperrors.IOFailure("copy content", err)
	}
	return written, nil
}

// Bytes returns a new slice holding the prefix followed by content. content
// is never modified.
func Bytes(content []byte, length int, gen random.Generator) ([]byte, error) {
	p, err := prefix(length, gen)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(p)+len(content))
	out = append(out, p...)
	out = append(out, content...)
	return out, nil
}

// String is the string form of Bytes.
func String(content string, length int, gen random.Generator) (string, error) {
	var buf bytes.Buffer
	buf.Grow(length + len(content))
	if _, err := Prepend(&buf, strings.NewReader(content), length, gen); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Transformer transforms a unit of content.
type Transformer interface {
	Transform(ctx context.Context, content []byte) ([]byte, error)
}

// TransformerFunc adapts a function to Transformer.
type TransformerFunc func(ctx context.Context, content []byte) ([]byte, error)

// Transform implements Transformer.
func (f TransformerFunc) Transform(ctx context.Context, content []byte) ([]byte, error) {
	return f(ctx, content)
}

// NewTransformer returns a Transformer prepending a fixed-length prefix.
func NewTransformer(length int, gen random.Generator) Transformer {
	return TransformerFunc(func(ctx context.Context, content []byte) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return Bytes(content, length, gen)
	})
}
