// Package prependrandom provides the processor that prepends a random
// uppercase string to every record's content.
package prependrandom

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/wehubfusion/prepender/pkg/errors"
	"github.com/wehubfusion/prepender/pkg/prepend"
	"github.com/wehubfusion/prepender/pkg/processor"
	"github.com/wehubfusion/prepender/pkg/random"
	"github.com/wehubfusion/prepender/pkg/record"
)

// Type is the registered processor type.
const Type = "prepend-random-string"

// RandomStringLength sets how many letters are prepended. It is evaluated
// against each record's attributes.
var RandomStringLength = processor.PropertyDescriptor{
	Name:               "randomStringLength",
	DisplayName:        "Random String Length",
	Description:        "Length of the random string",
	Required:           true,
	DefaultValue:       prepend.DefaultLengthValue,
	ExpressionLanguage: true,
	Validator:          processor.NonEmptyValidator,
}

var properties = []processor.PropertyDescriptor{RandomStringLength}

var relationships = []processor.Relationship{processor.Success}

// Processor prepends random letters to record content.
type Processor struct {
	processor.Base
	gen random.Generator
}

// Option customizes a Processor.
type Option func(*Processor)

// WithGenerator replaces the process-wide letter generator.
func WithGenerator(gen random.Generator) Option {
	return func(p *Processor) {
		p.gen = gen
	}
}

// New creates a processor from configuration.
func New(cfg processor.Config, opts ...Option) (*Processor, error) {
	base, err := processor.NewBase(Type, cfg, properties)
	if err != nil {
		return nil, err
	}
	p := &Processor{Base: base, gen: random.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Factory adapts New to processor.Factory.
func Factory(cfg processor.Config) (processor.Processor, error) {
	return New(cfg)
}

// Register adds the processor to a registry.
func Register(r *processor.Registry) {
	r.Register(Type, Factory)
}

// Type implements processor.Processor.
func (p *Processor) Type() string { return Type }

// Description implements processor.Processor.
func (p *Processor) Description() string { return "Prepend a random string to provided records" }

// Tags implements processor.Processor.
func (p *Processor) Tags() []string { return []string{"prepend", "random"} }

// Properties implements processor.Processor.
func (p *Processor) Properties() []processor.PropertyDescriptor { return properties }

// Relationships implements processor.Processor.
func (p *Processor) Relationships() []processor.Relationship { return relationships }

// Process resolves the length for rec, prepends that many letters and
// routes the result to success. rec is left untouched.
func (p *Processor) Process(ctx context.Context, rec *record.Record) (processor.Result, error) {
	if rec == nil {
		p.MetricsCollector().RecordError()
		return processor.Result{}, apperrors.NewBadRequestError("record is nil", "INVALID_RECORD", nil)
	}
	start := time.Now()

	length, err := p.resolveLength(ctx, rec)
	if err != nil {
		p.MetricsCollector().RecordError()
		return processor.Result{}, err
	}

	out, err := prepend.Bytes(rec.Content, length, p.gen)
	if err != nil {
		p.MetricsCollector().RecordError()
		return processor.Result{}, err
	}

	elapsed := time.Since(start)
	p.MetricsCollector().RecordProcessed(len(rec.Content), len(out), elapsed)
	p.Logger().Debug("Prepended random string",
		zap.String("recordID", rec.ID),
		zap.Int("length", length),
		zap.Int("contentSize", len(rec.Content)),
		zap.Duration("elapsed", elapsed))

	return processor.Result{
		Relationship: processor.Success,
		Record:       rec.WithContent(out),
	}, nil
}

func (p *Processor) resolveLength(ctx context.Context, rec *record.Record) (int, error) {
	raw, err := p.PropertyContext().Resolve(ctx, RandomStringLength.Name, rec.Attributes)
	if err != nil {
		return 0, err
	}
	length, err := prepend.ParseLength(raw)
	if err != nil {
		return 0, err
	}
	return length, nil
}
