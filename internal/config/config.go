package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dgnsrekt/gridsync/internal/api"
	"github.com/dgnsrekt/gridsync/internal/channel"
	"github.com/dgnsrekt/gridsync/internal/failover"
	"github.com/dgnsrekt/gridsync/internal/notify"
)

type Config struct {
	Server  EndpointConfig `mapstructure:"server"`
	Poll    PollConfig     `mapstructure:"poll"`
	Backoff BackoffConfig  `mapstructure:"backoff"`
	Channel ChannelConfig  `mapstructure:"channel"`
	Logging LoggingConfig  `mapstructure:"logging"`
	Notify  notify.Config  `mapstructure:"notify"`
}

type EndpointConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	SocketURL string `mapstructure:"socket_url"`
	Token     string `mapstructure:"token"`
}

type PollConfig struct {
	Budget          time.Duration `mapstructure:"budget"`
	FixedInterval   time.Duration `mapstructure:"fixed_interval"`
	SnapshotTimeout time.Duration `mapstructure:"snapshot_timeout"`
	RatePerSecond   int           `mapstructure:"rate_per_second"`
}

type BackoffConfig struct {
	Min        time.Duration `mapstructure:"min"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
}

type ChannelConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Vsn               string        `mapstructure:"vsn"`
	JoinTimeout       time.Duration `mapstructure:"join_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SnapshotEvents    []string      `mapstructure:"snapshot_events"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.socket_url", "")
	v.SetDefault("server.token", "")
	v.SetDefault("poll.budget", failover.DefaultPollBudget)
	v.SetDefault("poll.fixed_interval", failover.DefaultFixedInterval)
	v.SetDefault("poll.snapshot_timeout", 15*time.Second)
	v.SetDefault("poll.rate_per_second", 4)
	v.SetDefault("backoff.min", time.Second)
	v.SetDefault("backoff.max", 30*time.Second)
	v.SetDefault("backoff.multiplier", 2.0)
	v.SetDefault("channel.enabled", true)
	v.SetDefault("channel.vsn", channel.DefaultVsn)
	v.SetDefault("channel.join_timeout", channel.DefaultJoinTimeout)
	v.SetDefault("channel.heartbeat_interval", channel.DefaultHeartbeatInterval)
	v.SetDefault("channel.snapshot_events", failover.DefaultSnapshotEvents)
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server", "https://ntfy.sh")
	v.SetDefault("notify.topic", "")
	v.SetDefault("notify.priority", "default")
	v.SetDefault("notify.tags", "game_die")
	v.SetDefault("notify.token", "")

	// Environment variable support
	v.SetEnvPrefix("GRIDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Shorter names for the values people set most
	_ = v.BindEnv("server.token", "GRIDSYNC_TOKEN", "GRIDSYNC_SERVER_TOKEN")
	_ = v.BindEnv("server.base_url", "GRIDSYNC_URL", "GRIDSYNC_SERVER_BASE_URL")
	for _, key := range []string{"enabled", "server", "topic", "priority", "tags", "token"} {
		_ = v.BindEnv("notify."+key, "GRIDSYNC_NOTIFY_"+strings.ToUpper(key), "NTFY_"+strings.ToUpper(key))
	}

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("gridsync")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	if c.Server.BaseURL == "" {
		errs.add("server.base_url", "is required (set GRIDSYNC_URL)")
	} else if err := checkURL(c.Server.BaseURL, "http", "https"); err != nil {
		errs.add("server.base_url", err.Error())
	}
	if c.Channel.Enabled && c.Server.SocketURL != "" {
		if err := checkURL(c.Server.SocketURL, "ws", "wss", "http", "https"); err != nil {
			errs.add("server.socket_url", err.Error())
		}
	}

	if c.Poll.Budget < time.Second {
		errs.add("poll.budget", "must be at least 1s")
	}
	if c.Poll.FixedInterval <= 0 {
		errs.add("poll.fixed_interval", "must be positive")
	}
	if c.Poll.RatePerSecond < 0 {
		errs.add("poll.rate_per_second", "must be >= 0 (0 disables the limit)")
	}

	if c.Backoff.Min <= 0 {
		errs.add("backoff.min", "must be positive")
	}
	if c.Backoff.Max < c.Backoff.Min {
		errs.add("backoff.max", fmt.Sprintf("must be >= backoff.min (%s)", c.Backoff.Min))
	}
	if c.Backoff.Multiplier < 1 {
		errs.add("backoff.multiplier", "must be >= 1")
	}

	if c.Channel.Enabled {
		if c.Channel.JoinTimeout <= 0 {
			errs.add("channel.join_timeout", "must be positive")
		}
		if c.Channel.HeartbeatInterval <= 0 {
			errs.add("channel.heartbeat_interval", "must be positive")
		}
	}

	if c.Logging.Level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(c.Logging.Level)); err != nil {
			errs.add("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
		}
	}

	if err := c.Notify.Validate(); err != nil {
		errs.add("notify", err.Error())
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// SocketURL is the configured socket URL, or one derived from the base URL.
func (c *Config) SocketURL() string {
	if c.Server.SocketURL != "" {
		return c.Server.SocketURL
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket/websocket"
	return u.String()
}

// FailoverConfig maps the poll and backoff sections onto the controller.
func (c *Config) FailoverConfig() failover.Config {
	return failover.Config{
		PollBudget:        c.Poll.Budget,
		FixedInterval:     c.Poll.FixedInterval,
		BackoffMin:        c.Backoff.Min,
		BackoffMax:        c.Backoff.Max,
		BackoffMultiplier: c.Backoff.Multiplier,
		SnapshotEvents:    c.Channel.SnapshotEvents,
	}
}

// ChannelFor builds the channel client config for one topic.
func (c *Config) ChannelFor(topic string) channel.Config {
	return channel.Config{
		URL:               c.SocketURL(),
		Token:             c.Server.Token,
		Topic:             topic,
		Vsn:               c.Channel.Vsn,
		JoinTimeout:       c.Channel.JoinTimeout,
		HeartbeatInterval: c.Channel.HeartbeatInterval,
	}
}

// NewPoller builds the HTTP poller for the configured server.
func (c *Config) NewPoller(logger *zap.Logger) *api.HTTPClient {
	return api.NewClient(c.Server.BaseURL, c.Server.Token, c.Poll.RatePerSecond, c.Poll.SnapshotTimeout, logger)
}

// NewController wires the poller and, when enabled, the push channel.
func (c *Config) NewController(logger *zap.Logger) *failover.Controller {
	var channels failover.ChannelFactory
	if c.Channel.Enabled {
		channels = func(topic string) failover.ChannelClient {
			return channel.NewClient(c.ChannelFor(topic), logger)
		}
	}
	return failover.New(c.NewPoller(logger), channels, nil, c.FailoverConfig(), logger)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("url %q has no host", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("url %q must use one of: %s", raw, strings.Join(schemes, ", "))
}
