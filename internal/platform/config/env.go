package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads configuration from environment variables into the tagged
// struct. The error names the struct so that a misconfigured deployment
// reports which component rejected its settings.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env for %T: %w", target, err)
	}
	return nil
}
