// Package processor provides the core types and interfaces for record
// processors: the property contract, outlet routing and the registry that
// builds processors from configuration.
package processor

import (
	"context"

	"go.uber.org/zap"

	"github.com/wehubfusion/prepender/pkg/expression"
	"github.com/wehubfusion/prepender/pkg/record"
)

// Processor transforms a record and names the outlet it goes to.
type Processor interface {
	// Type returns the registered type name of this processor.
	Type() string

	// Description is a one-line summary shown in listings.
	Description() string

	// Tags are free-form keywords for discovery.
	Tags() []string

	// Properties lists the supported configuration properties.
	Properties() []PropertyDescriptor

	// Relationships lists the outlets Process may route to.
	Relationships() []Relationship

	// Process transforms one record. The input is never modified.
	Process(ctx context.Context, rec *record.Record) (Result, error)
}

// Relationship is a named outlet.
type Relationship struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Success is the outlet for records that were processed.
var Success = Relationship{
	Name:        "success",
	Description: "All records are routed to success",
}

// Result is the outcome of processing one record.
type Result struct {
	Relationship Relationship
	Record       *record.Record
}

// Config is what a Factory receives.
type Config struct {
	// ID identifies the processor instance in logs and errors
	ID string

	// Properties holds configured values keyed by property name or display name
	Properties map[string]string

	// Evaluator resolves expression-language values per record. Nil means
	// values are used literally.
	Evaluator expression.Evaluator

	// Logger defaults to a no-op logger
	Logger *zap.Logger
}

// Factory creates a processor from configuration.
type Factory func(cfg Config) (Processor, error)
