package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// Environment variables read by LoadConfig.
const (
	EnvMaxConcurrent         = "PREPENDER_MAX_CONCURRENT"
	EnvConcurrencyMultiplier = "PREPENDER_CONCURRENCY_MULTIPLIER"
	EnvRunnerWorkers         = "PREPENDER_RUNNER_WORKERS"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config holds concurrency configuration parameters
type Config struct {
	MaxConcurrent int
	RunnerWorkers int
	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads concurrency configuration with priority: env vars > auto-detection
func LoadConfig() *Config {
	return loadConfig(os.Getenv, runtime.GOMAXPROCS(0))
}

func loadConfig(getenv func(string) string, cpus int) *Config {
	config := &Config{
		IsKubernetes:  getenv("KUBERNETES_SERVICE_HOST") != "",
		EffectiveCPUs: max(cpus, 1),
	}

	if n := envInt(getenv, EnvMaxConcurrent); n > 0 {
		config.MaxConcurrent = n
		config.Source = ConfigSourceEnvVar
	} else if multiplier := envInt(getenv, EnvConcurrencyMultiplier); multiplier > 0 {
		config.MaxConcurrent = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.MaxConcurrent = defaultMaxConcurrent(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}

	if workers := envInt(getenv, EnvRunnerWorkers); workers > 0 {
		config.RunnerWorkers = workers
	} else {
		config.RunnerWorkers = defaultRunnerWorkers(config.IsKubernetes, config.EffectiveCPUs)
	}

	return config
}

// Prepending is CPU-bound and short, so Kubernetes pods stay close to their quota.
func defaultMaxConcurrent(isK8s bool, cpus int) int {
	if isK8s {
		return cpus * 2
	}
	return cpus * 4
}

func defaultRunnerWorkers(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 4)
	}
	return max(cpus*2, 8)
}

func envInt(getenv func(string) string, key string) int {
	if value := getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return 0
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxConcurrent: %d, RunnerWorkers: %d, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxConcurrent,
		c.RunnerWorkers,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
