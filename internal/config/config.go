/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config is the daemon-level configuration surface for
// clockcontrold: the peer list plus the tunables of every pipeline stage,
// loaded from YAML and validated before the pipeline starts.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/fb-ntp/clockcontrol/internal/kalman"
	"github.com/fb-ntp/clockcontrol/internal/pollcontrol"
	"github.com/fb-ntp/clockcontrol/internal/selector"
	"github.com/fb-ntp/clockcontrol/internal/steerer"
)

// PeerConfig describes one configured time source.
type PeerConfig struct {
	Address string `yaml:"address"`
	// PreferredPollExponent is recorded in the poll controller for the
	// peer at startup and is replaced there by the PeerFilter's own
	// desired exponent after the peer's first measurement. The
	// PeerFilter's exponent starts at 0 and does not take this value.
	PreferredPollExponent int `yaml:"preferred_poll_exponent"`
}

// Config is the top-level daemon configuration.
type Config struct {
	Peers []PeerConfig `yaml:"peers"`

	PeerFilter kalman.Config             `yaml:"peer_filter"`
	Selector   selector.Config           `yaml:"selector"`
	Steerer    steerer.Config            `yaml:"steerer"`
	Backoff    pollcontrol.BackoffConfig `yaml:"backoff"`

	StateFile           string        `yaml:"state_file"`
	MetricsAddr         string        `yaml:"metrics_addr"`
	JSONStatsAddr       string        `yaml:"json_stats_addr"`
	ProcessSamplePeriod time.Duration `yaml:"process_sample_period"`
}

// DefaultConfig returns a Config populated with every stage's defaults.
func DefaultConfig() *Config {
	return &Config{
		PeerFilter:          kalman.DefaultConfig(),
		Selector:            selector.DefaultConfig(),
		Steerer:             steerer.DefaultConfig(),
		Backoff:             pollcontrol.DefaultBackoffConfig(),
		StateFile:           "/var/lib/clockcontrold/steering-state.json",
		MetricsAddr:         ":9090",
		JSONStatsAddr:       ":9091",
		ProcessSamplePeriod: 30 * time.Second,
	}
}

// ReadConfig loads and validates a Config from path, layered over the
// defaults so an operator's file only needs to name what it overrides.
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config from %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config from %q: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validating config from %q: %w", path, err)
	}
	return c, nil
}

// Validate checks the whole configuration tree is internally consistent.
func (c *Config) Validate() error {
	if len(c.Peers) == 0 {
		return fmt.Errorf("at least one peer must be configured")
	}
	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.Address == "" {
			return fmt.Errorf("peer address must not be empty")
		}
		if seen[p.Address] {
			return fmt.Errorf("duplicate peer address %q", p.Address)
		}
		seen[p.Address] = true
	}
	if err := c.PeerFilter.Validate(); err != nil {
		return fmt.Errorf("peer_filter: %w", err)
	}
	if err := c.Backoff.Validate(); err != nil {
		return fmt.Errorf("backoff: %w", err)
	}
	if c.StateFile == "" {
		return fmt.Errorf("state_file must not be empty")
	}
	if c.Steerer.StepLimit <= 0 {
		return fmt.Errorf("steerer.step_limit must be positive")
	}
	if c.Steerer.AccumulatedStepLimit < c.Steerer.StepLimit {
		return fmt.Errorf("steerer.accumulated_step_limit must be at least step_limit")
	}
	if c.ProcessSamplePeriod <= 0 {
		return fmt.Errorf("process_sample_period must be positive")
	}
	return nil
}
