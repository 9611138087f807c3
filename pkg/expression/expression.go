// Package expression resolves processor property values against record
// attributes. Values may embed ${...} expressions; everything outside them
// is copied through unchanged.
package expression

import (
	"context"
	"strings"

	apperrors "github.com/wehubfusion/prepender/pkg/errors"
)

// Evaluator resolves a configured value for one record.
type Evaluator interface {
	Evaluate(ctx context.Context, expr string, attrs map[string]string) (string, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, expr string, attrs map[string]string) (string, error)

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(ctx context.Context, expr string, attrs map[string]string) (string, error) {
	return f(ctx, expr, attrs)
}

// Literal returns every value verbatim.
type Literal struct{}

// Evaluate implements Evaluator.
func (Literal) Evaluate(_ context.Context, expr string, _ map[string]string) (string, error) {
	return expr, nil
}

// IsExpression reports whether value contains an expression to evaluate.
func IsExpression(value string) bool {
	return strings.Contains(value, "${")
}

type segment struct {
	text string
	expr bool
}

// parse splits a value into literal text and expression bodies.
func parse(value string) ([]segment, error) {
	var segments []segment
	rest := value
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			if rest != "" {
				segments = append(segments, segment{text: rest})
			}
			return segments, nil
		}
		if start > 0 {
			segments = append(segments, segment{text: rest[:start]})
		}
		body := rest[start+2:]
		end := closingBrace(body)
		if end < 0 {
			return nil, apperrors.InvalidConfiguration("", "unterminated expression in "+quote(value), nil)
		}
		expr := strings.TrimSpace(body[:end])
		if expr == "" {
			return nil, apperrors.InvalidConfiguration("", "empty expression in "+quote(value), nil)
		}
		segments = append(segments, segment{text: expr, expr: true})
		rest = body[end+1:]
	}
}

// closingBrace finds the brace closing an expression body, skipping nested
// braces and string literals.
func closingBrace(s string) int {
	depth := 0
	var quoteChar byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quoteChar != 0 {
			switch c {
			case '\\':
				i++
			case quoteChar:
				quoteChar = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quoteChar = c
		case '{':
			depth++
		case '}':
			if depth == 0 {
				return i
			}
			depth--
		}
	}
	return -1
}

func quote(s string) string {
	return "\"" + s + "\""
}

// isIdentifier reports whether s can be used as a JavaScript global name.
func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '$':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return !reserved[s]
}

var reserved = map[string]bool{
	"break": true, "case": true, "catch": true, "class": true, "const": true,
	"continue": true, "debugger": true, "default": true, "delete": true,
	"do": true, "else": true, "export": true, "extends": true, "false": true,
	"finally": true, "for": true, "function": true, "if": true, "import": true,
	"in": true, "instanceof": true, "let": true, "new": true, "null": true,
	"return": true, "super": true, "switch": true, "this": true, "throw": true,
	"true": true, "try": true, "typeof": true, "var": true, "void": true,
	"while": true, "with": true, "yield": true, "undefined": true,
	"attributes": true,
}
