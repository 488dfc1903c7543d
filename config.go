package xdispatch

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from "100ms"-style strings in
// YAML and environment variables.
type Duration time.Duration

// Std converts back to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("xdispatch: invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("xdispatch: invalid duration %q: %w", string(b), err)
	}
	*d = Duration(parsed)
	return nil
}

// RetrySettings is the file/env shape of the retry stage configuration.
type RetrySettings struct {
	Enabled     bool     `yaml:"enabled" env:"ENABLED"`
	MaxAttempts int      `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay   Duration `yaml:"base_delay" env:"BASE_DELAY"`
	JitterMax   Duration `yaml:"jitter_max" env:"JITTER_MAX"`
}

func (s RetrySettings) toRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: s.MaxAttempts,
		BaseDelay:   s.BaseDelay.Std(),
		JitterMax:   s.JitterMax.Std(),
	}
}

// BreakerSettings is the file/env shape of the circuit breaker defaults.
type BreakerSettings struct {
	Enabled          bool     `yaml:"enabled" env:"ENABLED"`
	FailureThreshold uint32   `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	SuccessThreshold uint32   `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
}

func (s BreakerSettings) toBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: s.FailureThreshold,
		RecoveryTimeout:  s.RecoveryTimeout.Std(),
		SuccessThreshold: s.SuccessThreshold,
	}
}

// IdempotencySettings is the file/env shape of the idempotency stage
// configuration.
type IdempotencySettings struct {
	Enabled        bool     `yaml:"enabled" env:"ENABLED"`
	TTL            Duration `yaml:"ttl" env:"TTL"`
	RejectInFlight bool     `yaml:"reject_in_flight" env:"REJECT_IN_FLIGHT"`
}

func (s IdempotencySettings) toIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		TTL:            s.TTL.Std(),
		RejectInFlight: s.RejectInFlight,
	}
}

// Config is the deployment-facing configuration surface, loadable from a
// YAML file with environment overrides. Feed it to BusBuilder.WithConfig.
type Config struct {
	Retry       RetrySettings       `yaml:"retry" envPrefix:"XDISPATCH_RETRY_"`
	Breaker     BreakerSettings     `yaml:"circuit_breaker" envPrefix:"XDISPATCH_BREAKER_"`
	Idempotency IdempotencySettings `yaml:"idempotency" envPrefix:"XDISPATCH_IDEMPOTENCY_"`
}

// DefaultConfig returns the shipped defaults with every stage enabled.
func DefaultConfig() Config {
	return Config{
		Retry: RetrySettings{
			Enabled:     true,
			MaxAttempts: 3,
			BaseDelay:   Duration(100 * time.Millisecond),
			JitterMax:   Duration(50 * time.Millisecond),
		},
		Breaker: BreakerSettings{
			Enabled:          true,
			FailureThreshold: 5,
			RecoveryTimeout:  Duration(30 * time.Second),
			SuccessThreshold: 2,
		},
		Idempotency: IdempotencySettings{
			Enabled: true,
			TTL:     Duration(time.Minute),
		},
	}
}

// LoadConfig reads a YAML config file and applies environment overrides on
// top. An empty path skips the file and uses defaults plus environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("xdispatch: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("xdispatch: parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("xdispatch: env config: %w", err)
	}
	return cfg, nil
}
