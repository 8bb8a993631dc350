package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var validBalancers = map[string]bool{"pick_first": true, "round_robin": true}
var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Scenario is the YAML-driven configuration for the demo binary: which
// balancing policy to exercise, what addresses to simulate as backends, the
// retry/hedge policy, and the requests to send through the executor. It
// plays the role cmd/agent's config.Config plays for the original agent: a
// single validated struct the composition root wires every component from.
type Scenario struct {
	LogLevel    string         `yaml:"log_level"`
	DebugAddr   string         `yaml:"debug_addr"`
	MetricsAddr string         `yaml:"metrics_addr"`
	Balancer    string         `yaml:"balancer"`
	Addresses   []string       `yaml:"addresses"`
	Retry       RetryConfig    `yaml:"retry"`
	Backoff     BackoffConfig  `yaml:"backoff"`
	Requests    []string       `yaml:"requests"`
}

// RetryConfig configures both the executor.Policy and the throttle.Throttle
// the demo builds.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	HedgeDelay  time.Duration `yaml:"hedge_delay"`
	MaxTokens   float64       `yaml:"max_tokens"`
	TokenRatio  float64       `yaml:"token_ratio"`
}

// BackoffConfig configures every subchannel's backoff.Config.
type BackoffConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// loadScenario reads and validates a Scenario from path, filling in defaults
// for anything left unset.
func loadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario file: %w", err)
	}
	s.applyDefaults()

	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func (s *Scenario) applyDefaults() {
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.DebugAddr == "" {
		s.DebugAddr = ":8080"
	}
	if s.MetricsAddr == "" {
		s.MetricsAddr = ":9090"
	}
	if s.Balancer == "" {
		s.Balancer = "round_robin"
	}
	if s.Retry.MaxAttempts == 0 {
		s.Retry.MaxAttempts = 3
	}
	if s.Retry.MaxTokens == 0 {
		s.Retry.MaxTokens = 10
	}
	if s.Retry.TokenRatio == 0 {
		s.Retry.TokenRatio = 0.1
	}
	if s.Backoff.BaseDelay == 0 {
		s.Backoff.BaseDelay = 200 * time.Millisecond
	}
	if s.Backoff.Multiplier == 0 {
		s.Backoff.Multiplier = 1.6
	}
	if s.Backoff.MaxDelay == 0 {
		s.Backoff.MaxDelay = 5 * time.Second
	}
}

func (s *Scenario) validate() error {
	if !validLogLevels[s.LogLevel] {
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", s.LogLevel)
	}
	if !validBalancers[s.Balancer] {
		return fmt.Errorf("balancer %q must be one of pick_first, round_robin", s.Balancer)
	}
	if len(s.Addresses) == 0 {
		return fmt.Errorf("addresses must list at least one backend")
	}
	if s.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if len(s.Requests) == 0 {
		return fmt.Errorf("requests must list at least one request to send")
	}
	return nil
}
