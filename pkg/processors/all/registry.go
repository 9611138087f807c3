// Package all wires every built-in processor into a registry.
package all

import (
	"github.com/wehubfusion/prepender/pkg/processor"
	"github.com/wehubfusion/prepender/pkg/processors/prependrandom"
)

// NewRegistry creates a registry with all built-in processors registered
func NewRegistry() *processor.Registry {
	registry := processor.NewRegistry()

	prependrandom.Register(registry)

	return registry
}
