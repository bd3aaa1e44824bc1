// ABOUTME: YAML configuration file with defaults and validation
// ABOUTME: Flags override file values which override the built-in defaults
package config

import (
	"fmt"
	"os"

	"github.com/h4r1z1b4mx/AudSync/pkg/protocol"
	"gopkg.in/yaml.v3"
)

// JitterConfig bounds the jitter buffer's playout delay.
type JitterConfig struct {
	MinMs    float64 `yaml:"min_ms"`
	TargetMs float64 `yaml:"target_ms"`
	MaxMs    float64 `yaml:"max_ms"`
}

// Config is the on-disk configuration shared by both binaries.
type Config struct {
	Host            string       `yaml:"host"`
	Port            int          `yaml:"port"`
	SampleRate      int32        `yaml:"sample_rate"`
	Channels        int32        `yaml:"channels"`
	FramesPerBuffer int32        `yaml:"frames_per_buffer"`
	InputDevice     int          `yaml:"input_device"`
	OutputDevice    int          `yaml:"output_device"`
	DSPEnabled      bool         `yaml:"dsp_enabled"`
	Jitter          JitterConfig `yaml:"jitter"`
	MonitorPort     int          `yaml:"monitor_port"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            8080,
		SampleRate:      44100,
		Channels:        1,
		FramesPerBuffer: 256,
		InputDevice:     -1,
		OutputDevice:    -1,
		Jitter:          JitterConfig{MinMs: 20, TargetMs: 60, MaxMs: 200},
	}
}

// Load reads path over the defaults. A missing file is not an error when
// path is empty; an explicit path must exist.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the audio triple, the relay port range, and the jitter
// bounds.
func (c Config) Validate() error {
	if err := c.Audio().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.Jitter.MinMs < 0 || c.Jitter.TargetMs < c.Jitter.MinMs || c.Jitter.MaxMs < c.Jitter.TargetMs {
		return fmt.Errorf("config: jitter bounds must satisfy min <= target <= max")
	}
	return nil
}

// Audio returns the wire-format audio config.
func (c Config) Audio() protocol.AudioConfig {
	return protocol.AudioConfig{
		SampleRate:      c.SampleRate,
		Channels:        c.Channels,
		FramesPerBuffer: c.FramesPerBuffer,
	}
}
