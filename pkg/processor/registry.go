package processor

import (
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/wehubfusion/prepender/pkg/errors"
)

// Registry maps processor types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for a type. Registering a type again replaces
// the previous factory.
func (r *Registry) Register(processorType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[processorType] = factory
}

// Has checks if a factory exists for a type.
func (r *Registry) Has(processorType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[processorType]
	return ok
}

// RegisteredTypes returns all registered types in sorted order.
func (r *Registry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Create builds a processor of the given type.
func (r *Registry) Create(processorType string, cfg Config) (Processor, error) {
	r.mu.RLock()
	factory, ok := r.factories[processorType]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewNotFoundError(
			fmt.Sprintf("no processor registered for type: %s", processorType),
			"PROCESSOR_NOT_FOUND", nil)
	}

	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s processor: %w", processorType, err)
	}
	return p, nil
}
