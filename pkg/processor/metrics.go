package processor

import (
	"sync/atomic"
	"time"
)

// Metrics holds processing metrics for observability.
type Metrics struct {
	// Processed is the count of records routed to an outlet
	Processed int64 `json:"processed"`
	// Errors is the count of failed records
	Errors int64 `json:"errors"`
	// BytesIn is the total content size received
	BytesIn int64 `json:"bytesIn"`
	// BytesOut is the total content size produced
	BytesOut int64 `json:"bytesOut"`
	// ProcessingTime is the cumulative time spent in Process
	ProcessingTime time.Duration `json:"processingTime"`
}

// AverageProcessingTime returns the mean time per processed record.
func (m Metrics) AverageProcessingTime() time.Duration {
	if m.Processed == 0 {
		return 0
	}
	return m.ProcessingTime / time.Duration(m.Processed)
}

// ErrorRate returns the error rate as a percentage.
func (m Metrics) ErrorRate() float64 {
	total := m.Processed + m.Errors
	if total == 0 {
		return 0
	}
	return float64(m.Errors) / float64(total) * 100
}

// MetricsCollector is a lock-free counter set safe for concurrent use.
type MetricsCollector struct {
	processed        atomic.Int64
	errors           atomic.Int64
	bytesIn          atomic.Int64
	bytesOut         atomic.Int64
	totalProcessTime atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordProcessed records a successfully processed record.
func (m *MetricsCollector) RecordProcessed(bytesIn, bytesOut int, d time.Duration) {
	m.processed.Add(1)
	m.bytesIn.Add(int64(bytesIn))
	m.bytesOut.Add(int64(bytesOut))
	m.totalProcessTime.Add(int64(d))
}

// RecordError records a processing error.
func (m *MetricsCollector) RecordError() {
	m.errors.Add(1)
}

// Snapshot returns the current metrics.
func (m *MetricsCollector) Snapshot() Metrics {
	return Metrics{
		Processed:      m.processed.Load(),
		Errors:         m.errors.Load(),
		BytesIn:        m.bytesIn.Load(),
		BytesOut:       m.bytesOut.Load(),
		ProcessingTime: time.Duration(m.totalProcessTime.Load()),
	}
}

// Reset resets all metrics.
func (m *MetricsCollector) Reset() {
	m.processed.Store(0)
	m.errors.Store(0)
	m.bytesIn.Store(0)
	m.bytesOut.Store(0)
	m.totalProcessTime.Store(0)
}

// MetricsReporter is implemented by processors that expose metrics.
type MetricsReporter interface {
	Metrics() Metrics
}
