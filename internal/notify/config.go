package notify

import (
	"errors"
	"fmt"
	"slices"
)

var priorities = []string{"min", "low", "default", "high", "urgent"}

// Config is the notify section of the client config.
type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	Server   string `mapstructure:"server"`   // ntfy server URL
	Topic    string `mapstructure:"topic"`    // required when enabled
	Priority string `mapstructure:"priority"` // min, low, default, high, urgent
	Tags     string `mapstructure:"tags"`     // comma-separated emoji tags
	Token    string `mapstructure:"token"`    // for private topics
}

// Validate only checks an enabled config.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Topic == "" {
		return errors.New("topic is required when notifications are enabled")
	}
	if !slices.Contains(priorities, c.Priority) {
		return fmt.Errorf("invalid priority %q (valid: min, low, default, high, urgent)", c.Priority)
	}
	return nil
}
