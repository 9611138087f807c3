package expression

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	apperrors "github.com/wehubfusion/prepender/pkg/errors"
)

// DefaultTimeout bounds a single expression evaluation.
const DefaultTimeout = 100 * time.Millisecond

// JSOptions configures a JSEvaluator.
type JSOptions struct {
	// Timeout bounds each ${...} evaluation; zero selects DefaultTimeout
	Timeout time.Duration

	// Pool sizes the runtime pool; zero values select defaults
	Pool PoolConfig
}

// JSEvaluator evaluates ${...} bodies as JavaScript expressions. Attributes
// are visible as the attributes object and, when the name is a valid
// identifier, as globals. A bare ${name} for an absent attribute resolves to
// the empty string.
type JSEvaluator struct {
	pool    *runtimePool
	timeout time.Duration
}

// NewJSEvaluator creates an evaluator backed by a pool of sandboxed runtimes.
func NewJSEvaluator(opts JSOptions) (*JSEvaluator, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	pool, err := newRuntimePool(opts.Pool)
	if err != nil {
		return nil, err
	}
	return &JSEvaluator{pool: pool, timeout: opts.Timeout}, nil
}

// Evaluate implements Evaluator.
func (e *JSEvaluator) Evaluate(ctx context.Context, expr string, attrs map[string]string) (string, error) {
	if !IsExpression(expr) {
		return expr, nil
	}
	segments, err := parse(expr)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, seg := range segments {
		if !seg.expr {
			b.WriteString(seg.text)
			continue
		}
		// A bare attribute reference needs no runtime.
		if isIdentifier(seg.text) {
			b.WriteString(attrs[seg.text])
			continue
		}
		v, err := e.run(ctx, seg.text, attrs)
		if err != nil {
			return "", err
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

func (e *JSEvaluator) run(ctx context.Context, body string, attrs map[string]string) (result string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	rt, err := e.pool.acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to acquire runtime: %w", err)
	}
	healthy := true
	defer func() {
		e.pool.release(rt, healthy)
	}()

	defer func() {
		if r := recover(); r != nil {
			healthy = false
			err = apperrors.InvalidConfiguration("", fmt.Sprintf("expression %q panicked: %v", body, r), nil)
		}
	}()

	vm := rt.vm
	attrObj := vm.NewObject()
	for k, v := range attrs {
		if err := attrObj.Set(k, v); err != nil {
			return "", fmt.Errorf("failed to expose attribute %s: %w", k, err)
		}
	}
	if err := vm.Set("attributes", attrObj); err != nil {
		return "", fmt.Errorf("failed to expose attributes: %w", err)
	}
	for k, v := range attrs {
		if !isIdentifier(k) || rt.isBaseline(k) {
			continue
		}
		if err := vm.Set(k, v); err != nil {
			return "", fmt.Errorf("failed to expose attribute %s: %w", k, err)
		}
	}

	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt(apperrors.ErrTimeout)
	})
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	val, runErr := vm.RunString("(" + body + ")")
	close(done)
	<-exited
	if !timer.Stop() {
		healthy = false
	}

	if runErr != nil {
		var interrupted *goja.InterruptedError
		if errors.As(runErr, &interrupted) {
			healthy = false
			if cause, ok := interrupted.Value().(error); ok && cause != apperrors.ErrTimeout {
				return "", cause
			}
			return "", apperrors.InvalidConfiguration("",
				fmt.Sprintf("expression %q exceeded %s", body, e.timeout), apperrors.ErrTimeout)
		}
		return "", apperrors.InvalidConfiguration("", fmt.Sprintf("expression %q failed", body), runErr)
	}

	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return "", nil
	}
	return val.String(), nil
}

// Stats returns runtime pool statistics.
func (e *JSEvaluator) Stats() PoolStats {
	return e.pool.stats()
}

// Close releases all pooled runtimes.
func (e *JSEvaluator) Close() error {
	e.pool.close()
	return nil
}

func (rt *pooledRuntime) isBaseline(name string) bool {
	if _, ok := rt.baseline[name]; ok {
		return true
	}
	v := rt.vm.Get(name)
	return v != nil && !goja.IsUndefined(v)
}
