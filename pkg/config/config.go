// Package config loads prepender service configuration from a YAML file and
// PREPENDER_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/prepender/internal/errreport"
	"github.com/wehubfusion/prepender/internal/nats"
	"github.com/wehubfusion/prepender/pkg/concurrency"
	apperrors "github.com/wehubfusion/prepender/pkg/errors"
	"github.com/wehubfusion/prepender/pkg/expression"
	"github.com/wehubfusion/prepender/pkg/processors/prependrandom"
	"github.com/wehubfusion/prepender/pkg/runner"
)

// Blob storage providers.
const (
	BlobProviderNone   = ""
	BlobProviderAzure  = "azure"
	BlobProviderMemory = "memory"
)

// Config is the complete service configuration.
type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	Runner    RunnerConfig    `yaml:"runner"`
	Processor ProcessorConfig `yaml:"processor"`
	Blob      BlobConfig      `yaml:"blob"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Sentry    SentryConfig    `yaml:"sentry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// NATSConfig configures the connection and result publishing.
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Name              string        `yaml:"name"`
	Token             string        `yaml:"token"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectWait     time.Duration `yaml:"reconnect_wait"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxDeliver        int           `yaml:"max_deliver"`
	PublishMaxRetries int           `yaml:"publish_max_retries"`
	ResultStream      string        `yaml:"result_stream"`
	ResultSubject     string        `yaml:"result_subject"`
}

// RunnerConfig configures the input consumer and worker pool.
type RunnerConfig struct {
	Stream         string        `yaml:"stream"`
	Consumer       string        `yaml:"consumer"`
	Subjects       []string      `yaml:"subjects"`
	BatchSize      int           `yaml:"batch_size"`
	NumWorkers     int           `yaml:"num_workers"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// ProcessorConfig selects the processor and its properties.
type ProcessorConfig struct {
	Type       string            `yaml:"type"`
	ID         string            `yaml:"id"`
	Properties map[string]string `yaml:"properties"`
	Expression ExpressionConfig  `yaml:"expression"`
}

// ExpressionConfig configures the evaluator used for ${...} property values.
type ExpressionConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Timeout       time.Duration `yaml:"timeout"`
	PoolMinSize   int           `yaml:"pool_min_size"`
	PoolMaxSize   int           `yaml:"pool_max_size"`
	MaxReuseCount int           `yaml:"max_reuse_count"`
}

// BlobConfig configures offload of content above the inline limit.
type BlobConfig struct {
	Provider         string `yaml:"provider"`
	ConnectionString string `yaml:"connection_string"`
	Container        string `yaml:"container"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Environment    string  `yaml:"environment"`
	Endpoint       string  `yaml:"endpoint"`
	SampleRatio    float64 `yaml:"sample_ratio"`
	Insecure       bool    `yaml:"insecure"`
}

// SentryConfig configures error reporting. An empty DSN disables it.
type SentryConfig struct {
	DSN         string  `yaml:"dsn"`
	Environment string  `yaml:"environment"`
	Release     string  `yaml:"release"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration that runs the prepend processor against a
// local NATS server. Worker counts come from concurrency.LoadConfig.
func Default() *Config {
	conn := nats.DefaultConnectionConfig("nats://127.0.0.1:4222")
	cc := concurrency.LoadConfig()
	tc := runner.DefaultTracingConfig("prepender")
	pool := expression.DefaultPoolConfig()

	return &Config{
		NATS: NATSConfig{
			URL:               conn.URL,
			Name:              conn.Name,
			MaxReconnects:     conn.MaxReconnects,
			ReconnectWait:     conn.ReconnectWait,
			Timeout:           conn.Timeout,
			MaxDeliver:        conn.MaxDeliver,
			PublishMaxRetries: conn.PublishMaxRetries,
			ResultStream:      conn.ResultStream,
			ResultSubject:     conn.ResultSubject,
		},
		Runner: RunnerConfig{
			Stream:         "PREPENDER_INPUT",
			Consumer:       "prepender",
			Subjects:       []string{"prepender.input.>"},
			BatchSize:      10,
			NumWorkers:     cc.RunnerWorkers,
			MaxConcurrent:  cc.MaxConcurrent,
			ProcessTimeout: 30 * time.Second,
			PollInterval:   500 * time.Millisecond,
		},
		Processor: ProcessorConfig{
			Type:       prependrandom.Type,
			ID:         "prepender",
			Properties: map[string]string{prependrandom.RandomStringLength.Name: prependrandom.RandomStringLength.DefaultValue},
			Expression: ExpressionConfig{
				Enabled:       true,
				Timeout:       expression.DefaultTimeout,
				PoolMinSize:   pool.MinSize,
				PoolMaxSize:   pool.MaxSize,
				MaxReuseCount: pool.MaxReuseCount,
			},
		},
		Blob: BlobConfig{Container: "prepender"},
		Tracing: TracingConfig{
			ServiceName:    tc.ServiceName,
			ServiceVersion: tc.ServiceVersion,
			Environment:    tc.Environment,
			Endpoint:       tc.OTLPEndpoint,
			SampleRatio:    tc.SampleRatio,
			Insecure:       tc.Insecure,
		},
		Sentry:  SentryConfig{SampleRate: 1.0},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (if not empty) over Default, applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.InvalidConfiguration("config", fmt.Sprintf("cannot read %s", path), err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.InvalidConfiguration("config", "malformed YAML", err)
	}
	return nil
}

// ApplyEnv overrides fields from PREPENDER_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return apperrors.InvalidConfiguration(key, "must be an integer", err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return apperrors.InvalidConfiguration(key, "must be a duration", err)
		}
		*dst = d
		return nil
	}

	str("PREPENDER_NATS_URL", &c.NATS.URL)
	str("PREPENDER_NATS_TOKEN", &c.NATS.Token)
	str("PREPENDER_NATS_USERNAME", &c.NATS.Username)
	str("PREPENDER_NATS_PASSWORD", &c.NATS.Password)
	str("PREPENDER_RESULT_STREAM", &c.NATS.ResultStream)
	str("PREPENDER_RESULT_SUBJECT", &c.NATS.ResultSubject)
	str("PREPENDER_STREAM", &c.Runner.Stream)
	str("PREPENDER_CONSUMER", &c.Runner.Consumer)
	str("PREPENDER_PROCESSOR_TYPE", &c.Processor.Type)
	str("PREPENDER_BLOB_PROVIDER", &c.Blob.Provider)
	str("PREPENDER_BLOB_CONNECTION_STRING", &c.Blob.ConnectionString)
	str("PREPENDER_BLOB_CONTAINER", &c.Blob.Container)
	str("PREPENDER_SENTRY_DSN", &c.Sentry.DSN)
	str("PREPENDER_SENTRY_ENVIRONMENT", &c.Sentry.Environment)
	str("PREPENDER_LOG_LEVEL", &c.Logging.Level)
	str("PREPENDER_LOG_FORMAT", &c.Logging.Format)

	if v, ok := lookup("PREPENDER_RANDOM_STRING_LENGTH"); ok && v != "" {
		if c.Processor.Properties == nil {
			c.Processor.Properties = make(map[string]string)
		}
		delete(c.Processor.Properties, prependrandom.RandomStringLength.DisplayName)
		c.Processor.Properties[prependrandom.RandomStringLength.Name] = v
	}
	if v, ok := lookup("PREPENDER_TRACING_ENDPOINT"); ok && v != "" {
		c.Tracing.Enabled = true
		c.Tracing.Endpoint = v
	}

	for _, f := range []func() error{
		func() error { return num("PREPENDER_MAX_DELIVER", &c.NATS.MaxDeliver) },
		func() error { return num("PREPENDER_BATCH_SIZE", &c.Runner.BatchSize) },
		func() error { return num(concurrency.EnvRunnerWorkers, &c.Runner.NumWorkers) },
		func() error { return num(concurrency.EnvMaxConcurrent, &c.Runner.MaxConcurrent) },
		func() error { return dur("PREPENDER_PROCESS_TIMEOUT", &c.Runner.ProcessTimeout) },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

// Validate reports the first field that cannot be used.
func (c *Config) Validate() error {
	invalid := func(field, msg string) error {
		return apperrors.InvalidConfiguration(field, msg, nil)
	}

	switch {
	case c.NATS.URL == "":
		return invalid("nats.url", "is required")
	case c.NATS.ResultSubject == "":
		return invalid("nats.result_subject", "is required")
	case c.NATS.MaxDeliver == 0 || c.NATS.MaxDeliver < -1:
		return invalid("nats.max_deliver", "must be positive or -1")
	case c.Runner.Stream == "":
		return invalid("runner.stream", "is required")
	case c.Runner.Consumer == "":
		return invalid("runner.consumer", "is required")
	case c.Runner.BatchSize <= 0:
		return invalid("runner.batch_size", "must be positive")
	case c.Runner.NumWorkers <= 0:
		return invalid("runner.num_workers", "must be positive")
	case c.Runner.MaxConcurrent < 0:
		return invalid("runner.max_concurrent", "cannot be negative")
	case c.Runner.ProcessTimeout <= 0:
		return invalid("runner.process_timeout", "must be positive")
	case c.Processor.Type == "":
		return invalid("processor.type", "is required")
	}

	switch c.Blob.Provider {
	case BlobProviderNone, BlobProviderMemory:
	case BlobProviderAzure:
		if c.Blob.ConnectionString == "" {
			return invalid("blob.connection_string", "is required for the azure provider")
		}
		if c.Blob.Container == "" {
			return invalid("blob.container", "is required for the azure provider")
		}
	default:
		return invalid("blob.provider", fmt.Sprintf("unknown provider %q", c.Blob.Provider))
	}

	if c.Tracing.Enabled {
		if err := c.RunnerTracing().Validate(); err != nil {
			return apperrors.InvalidConfiguration("tracing", "invalid tracing settings", err)
		}
	}
	if c.Sentry.SampleRate < 0 || c.Sentry.SampleRate > 1 {
		return invalid("sentry.sample_rate", "must be within [0, 1]")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		return invalid("logging.format", fmt.Sprintf("unknown format %q", c.Logging.Format))
	}
	return nil
}

// ConnectionConfig returns the NATS connection settings.
func (c *Config) ConnectionConfig() *nats.ConnectionConfig {
	return &nats.ConnectionConfig{
		URL:               c.NATS.URL,
		Name:              c.NATS.Name,
		MaxReconnects:     c.NATS.MaxReconnects,
		ReconnectWait:     c.NATS.ReconnectWait,
		Timeout:           c.NATS.Timeout,
		Token:             c.NATS.Token,
		Username:          c.NATS.Username,
		Password:          c.NATS.Password,
		MaxDeliver:        c.NATS.MaxDeliver,
		PublishMaxRetries: c.NATS.PublishMaxRetries,
		ResultStream:      c.NATS.ResultStream,
		ResultSubject:     c.NATS.ResultSubject,
	}
}

// RunnerConfig returns the runner settings, with tracing when enabled.
func (c *Config) RunnerConfig() runner.Config {
	rc := runner.Config{
		Stream:         c.Runner.Stream,
		Consumer:       c.Runner.Consumer,
		Subjects:       c.Runner.Subjects,
		BatchSize:      c.Runner.BatchSize,
		NumWorkers:     c.Runner.NumWorkers,
		MaxConcurrent:  c.Runner.MaxConcurrent,
		ProcessTimeout: c.Runner.ProcessTimeout,
		PollInterval:   c.Runner.PollInterval,
	}
	if c.Tracing.Enabled {
		tc := c.RunnerTracing()
		rc.Tracing = &tc
	}
	return rc
}

// RunnerTracing returns the tracing settings in runner form.
func (c *Config) RunnerTracing() runner.TracingConfig {
	return runner.TracingConfig{
		ServiceName:    c.Tracing.ServiceName,
		ServiceVersion: c.Tracing.ServiceVersion,
		Environment:    c.Tracing.Environment,
		OTLPEndpoint:   c.Tracing.Endpoint,
		SampleRatio:    c.Tracing.SampleRatio,
		Insecure:       c.Tracing.Insecure,
	}
}

// JSOptions returns the expression evaluator settings.
func (c *Config) JSOptions() expression.JSOptions {
	e := c.Processor.Expression
	return expression.JSOptions{
		Timeout: e.Timeout,
		Pool: expression.PoolConfig{
			MinSize:       e.PoolMinSize,
			MaxSize:       e.PoolMaxSize,
			MaxReuseCount: e.MaxReuseCount,
		},
	}
}

// ErrorReportConfig returns the Sentry settings.
func (c *Config) ErrorReportConfig() errreport.Config {
	return errreport.Config{
		DSN:         c.Sentry.DSN,
		Environment: c.Sentry.Environment,
		Release:     c.Sentry.Release,
		SampleRate:  c.Sentry.SampleRate,
	}
}
