package utils

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/paychan/types"
)

var validate = validator.New()

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	return validate
}

// configJSON is the on-disk form of types.Config with human durations.
type configJSON struct {
	CloseDuration string `json:"closeDuration"`
	Scheme        string `json:"scheme"`
	Timeout       string `json:"timeout"`
	LogLevel      string `json:"logLevel"`
	EnableMetrics bool   `json:"enableMetrics"`
}

// ParseConfig parses and validates a channel Config from JSON. Durations use
// time.ParseDuration syntax, e.g. "72h".
func ParseConfig(data []byte) (*types.Config, error) {
	var raw configJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, types.WrapError(types.ErrInvalidConfig, "failed to parse config", err)
	}

	cfg := types.Config{
		Scheme:        types.SchemeName(raw.Scheme),
		LogLevel:      raw.LogLevel,
		EnableMetrics: raw.EnableMetrics,
	}

	var err error
	if raw.CloseDuration != "" {
		if cfg.CloseDuration, err = time.ParseDuration(raw.CloseDuration); err != nil {
			return nil, types.WrapError(types.ErrInvalidConfig, "invalid closeDuration", err)
		}
	}
	if raw.Timeout != "" {
		if cfg.Timeout, err = time.ParseDuration(raw.Timeout); err != nil {
			return nil, types.WrapError(types.ErrInvalidConfig, "invalid timeout", err)
		}
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateConfig runs struct tag validation followed by Config.Validate.
func ValidateConfig(cfg *types.Config) error {
	if err := validate.Struct(cfg); err != nil {
		return types.WrapError(types.ErrInvalidConfig, "validation failed", err)
	}
	return cfg.Validate()
}

// SerializeConfig converts a Config to its JSON form.
func SerializeConfig(cfg *types.Config) ([]byte, error) {
	raw := configJSON{
		CloseDuration: cfg.CloseDuration.String(),
		Scheme:        string(cfg.Scheme),
		LogLevel:      cfg.LogLevel,
		EnableMetrics: cfg.EnableMetrics,
	}
	if cfg.Timeout > 0 {
		raw.Timeout = cfg.Timeout.String()
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serializing config: %w", err)
	}
	return b, nil
}
