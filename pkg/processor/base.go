package processor

import (
	"go.uber.org/zap"
)

// Base provides common functionality for processors. Embed it in processor
// implementations.
type Base struct {
	id      string
	props   *PropertyContext
	logger  *zap.Logger
	metrics *MetricsCollector
}

// NewBase validates cfg against descriptors and builds the shared state.
func NewBase(processorType string, cfg Config, descriptors []PropertyDescriptor) (Base, error) {
	props, err := NewPropertyContext(descriptors, cfg.Properties, cfg.Evaluator)
	if err != nil {
		return Base{}, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(
		zap.String("processorType", processorType),
		zap.String("processorID", cfg.ID),
	)

	return Base{
		id:      cfg.ID,
		props:   props,
		logger:  logger,
		metrics: NewMetricsCollector(),
	}, nil
}

// ID returns the processor instance id.
func (b *Base) ID() string {
	return b.id
}

// PropertyContext returns the configured properties.
func (b *Base) PropertyContext() *PropertyContext {
	return b.props
}

// Logger returns the processor's logger.
func (b *Base) Logger() *zap.Logger {
	return b.logger
}

// MetricsCollector returns the processor's counters.
func (b *Base) MetricsCollector() *MetricsCollector {
	return b.metrics
}

// Metrics implements MetricsReporter.
func (b *Base) Metrics() Metrics {
	return b.metrics.Snapshot()
}
