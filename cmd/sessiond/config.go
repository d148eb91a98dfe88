package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine kinds accepted by engine.kind.
const (
	engineClaude    = "claude"
	engineAnthropic = "anthropic"
	engineBedrock   = "bedrock"
	engineEcho      = "echo"
)

type (
	// config is the sessiond configuration. Values come from the defaults,
	// then the YAML file, then the environment, then the command line.
	config struct {
		HTTP    httpConfig    `yaml:"http"`
		Engine  engineConfig  `yaml:"engine"`
		Stream  streamConfig  `yaml:"stream"`
		Cleanup cleanupConfig `yaml:"cleanup"`
	}

	httpConfig struct {
		Addr  string `yaml:"addr"`
		Debug bool   `yaml:"debug"`
	}

	engineConfig struct {
		Kind      string          `yaml:"kind"`
		Claude    claudeConfig    `yaml:"claude"`
		Anthropic anthropicConfig `yaml:"anthropic"`
		Bedrock   bedrockConfig   `yaml:"bedrock"`
	}

	claudeConfig struct {
		Binary    string        `yaml:"binary"`
		ExtraArgs []string      `yaml:"extra_args"`
		StopGrace time.Duration `yaml:"stop_grace"`
	}

	anthropicConfig struct {
		APIKey    string `yaml:"api_key"`
		Model     string `yaml:"model"`
		MaxTokens int64  `yaml:"max_tokens"`
	}

	bedrockConfig struct {
		Region    string `yaml:"region"`
		Model     string `yaml:"model"`
		MaxTokens int32  `yaml:"max_tokens"`
	}

	// streamConfig enables Pulse fan-out when RedisURL is set.
	streamConfig struct {
		RedisURL      string `yaml:"redis_url"`
		RedisPassword string `yaml:"redis_password"`
		MaxLen        int    `yaml:"max_len"`
	}

	cleanupConfig struct {
		Interval time.Duration `yaml:"interval"`
		MaxAge   time.Duration `yaml:"max_age"`
	}
)

func defaultConfig() config {
	return config{
		HTTP: httpConfig{Addr: ":8000"},
		Engine: engineConfig{
			Kind:      engineClaude,
			Claude:    claudeConfig{Binary: "claude", StopGrace: 5 * time.Second},
			Anthropic: anthropicConfig{Model: "claude-sonnet-4-5", MaxTokens: 4096},
			Bedrock:   bedrockConfig{Region: "us-east-1", Model: "us.anthropic.claude-sonnet-4-20250514-v1:0", MaxTokens: 4096},
		},
		Stream:  streamConfig{MaxLen: 1000},
		Cleanup: cleanupConfig{Interval: time.Hour, MaxAge: 24 * time.Hour},
	}
}

// loadConfig builds the configuration from the defaults, the optional YAML
// file at path and the environment.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides cfg with the SESSIOND_* and provider environment
// variables.
func (c *config) applyEnv() {
	c.HTTP.Addr = envOr("SESSIOND_ADDR", c.HTTP.Addr)
	c.HTTP.Debug = envBoolOr("SESSIOND_DEBUG", c.HTTP.Debug)
	c.Engine.Kind = envOr("SESSIOND_ENGINE", c.Engine.Kind)
	c.Engine.Claude.Binary = envOr("CLAUDE_BINARY", c.Engine.Claude.Binary)
	c.Engine.Anthropic.APIKey = envOr("ANTHROPIC_API_KEY", c.Engine.Anthropic.APIKey)
	c.Engine.Anthropic.Model = envOr("ANTHROPIC_MODEL", c.Engine.Anthropic.Model)
	c.Engine.Anthropic.MaxTokens = int64(envIntOr("ANTHROPIC_MAX_TOKENS", int(c.Engine.Anthropic.MaxTokens)))
	c.Engine.Bedrock.Region = envOr("AWS_REGION", c.Engine.Bedrock.Region)
	c.Engine.Bedrock.Model = envOr("BEDROCK_MODEL", c.Engine.Bedrock.Model)
	c.Engine.Bedrock.MaxTokens = int32(envIntOr("BEDROCK_MAX_TOKENS", int(c.Engine.Bedrock.MaxTokens))) //nolint:gosec // token limits are small
	c.Stream.RedisURL = envOr("REDIS_URL", c.Stream.RedisURL)
	c.Stream.RedisPassword = envOr("REDIS_PASSWORD", c.Stream.RedisPassword)
	c.Stream.MaxLen = envIntOr("STREAM_MAX_LEN", c.Stream.MaxLen)
	c.Cleanup.Interval = envDurationOr("CLEANUP_INTERVAL", c.Cleanup.Interval)
	c.Cleanup.MaxAge = envDurationOr("CLEANUP_MAX_AGE", c.Cleanup.MaxAge)
}

func (c config) validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	switch c.Engine.Kind {
	case engineClaude:
		if c.Engine.Claude.Binary == "" {
			errs = append(errs, errors.New("engine.claude.binary is required"))
		}
	case engineAnthropic:
		if c.Engine.Anthropic.APIKey == "" {
			errs = append(errs, errors.New("engine.anthropic.api_key (or ANTHROPIC_API_KEY) is required"))
		}
		if c.Engine.Anthropic.MaxTokens < 0 {
			errs = append(errs, errors.New("engine.anthropic.max_tokens must not be negative"))
		}
	case engineBedrock:
		if c.Engine.Bedrock.Region == "" {
			errs = append(errs, errors.New("engine.bedrock.region (or AWS_REGION) is required"))
		}
		if c.Engine.Bedrock.Model == "" {
			errs = append(errs, errors.New("engine.bedrock.model is required"))
		}
	case engineEcho:
	default:
		errs = append(errs, fmt.Errorf("engine.kind %q is not one of claude, anthropic, bedrock or echo", c.Engine.Kind))
	}
	if c.Stream.MaxLen < 0 {
		errs = append(errs, errors.New("stream.max_len must not be negative"))
	}
	if c.Cleanup.Interval <= 0 {
		errs = append(errs, errors.New("cleanup.interval must be positive"))
	}
	if c.Cleanup.MaxAge < 0 {
		errs = append(errs, errors.New("cleanup.max_age must not be negative"))
	}
	return errors.Join(errs...)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envBoolOr(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDurationOr(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
