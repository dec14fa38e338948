// Package config reads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is read once at startup.
type Config struct {
	StateTable     string `env:"STATE_TABLE,required"`
	ParamPrefix    string `env:"PARAM_PREFIX,required"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`
	LogFormat      string `env:"LOG_FORMAT,default=json"`
	MaxDreamLength int    `env:"MAX_DREAM_LENGTH,default=4000,strict"`
	UpgradeURL     string `env:"UPGRADE_URL,default=/subscription"`

	OpenAIBaseURL   string        `env:"OPENAI_BASE_URL"`
	OpenAITimeout   time.Duration `env:"OPENAI_TIMEOUT,default=60s,strict"`
	OpenAIRateLimit float64       `env:"OPENAI_RATE_LIMIT,default=5,strict"`
	OpenAIRateBurst int           `env:"OPENAI_RATE_BURST,default=10,strict"`
}

// Load reads an optional .env file, then decodes and validates the
// environment. Variables already set take precedence over the file.
func Load() (Config, error) {
	_ = godotenv.Load() // allow .env for local runs
	return FromEnv()
}

// FromEnv decodes the current environment without consulting .env.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode environment: %w", err)
	}
	cfg.ParamPrefix = strings.TrimRight(strings.TrimSpace(cfg.ParamPrefix), "/")
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if strings.TrimSpace(c.StateTable) == "" {
		errs = append(errs, errors.New("STATE_TABLE must not be empty"))
	}
	if c.ParamPrefix == "" {
		errs = append(errs, errors.New("PARAM_PREFIX must not be empty"))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	if c.MaxDreamLength <= 0 {
		errs = append(errs, errors.New("MAX_DREAM_LENGTH must be positive"))
	}
	if c.OpenAITimeout <= 0 {
		errs = append(errs, errors.New("OPENAI_TIMEOUT must be positive"))
	}
	if c.OpenAIRateLimit <= 0 || c.OpenAIRateBurst <= 0 {
		errs = append(errs, errors.New("OPENAI_RATE_LIMIT and OPENAI_RATE_BURST must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
