package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all configuration settings for the application
type Config struct {
	Environment string         `mapstructure:"environment"`
	LogLevel    string         `mapstructure:"log_level"`
	Broker      BrokerConfig   `mapstructure:"broker"`
	Presence    PresenceConfig `mapstructure:"presence"`
	Retry       RetryConfig    `mapstructure:"retry"`
}

// BrokerConfig holds message broker connection settings
type BrokerConfig struct {
	Addr          string        `mapstructure:"addr"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	ChannelPrefix string        `mapstructure:"channel_prefix"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
}

// PresenceConfig holds presence registry settings
type PresenceConfig struct {
	Path string `mapstructure:"path"`
}

// RetryConfig holds pending-delivery retry settings
type RetryConfig struct {
	Schedule      string `mapstructure:"schedule"`
	MaxConcurrent int    `mapstructure:"max_concurrent"`
}

// Load reads the configuration file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default configuration values
	setDefaults(v)

	// Read the config file
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, will rely on defaults and env vars
	}

	// Override with environment variables
	v.SetEnvPrefix("DOODLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Parse the configuration
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options
func setDefaults(v *viper.Viper) {
	// General defaults
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	// Broker defaults
	v.SetDefault("broker.addr", "localhost:6379")
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.db", 0)
	v.SetDefault("broker.channel_prefix", "doodle_queue")
	v.SetDefault("broker.send_timeout", "5s")

	// Presence defaults
	v.SetDefault("presence.path", "data/available_users")

	// Retry defaults
	v.SetDefault("retry.schedule", "@every 30s")
	v.SetDefault("retry.max_concurrent", 4)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateBroker(); err != nil {
		return fmt.Errorf("broker config: %w", err)
	}

	if err := c.validatePresence(); err != nil {
		return fmt.Errorf("presence config: %w", err)
	}

	if err := c.validateRetry(); err != nil {
		return fmt.Errorf("retry config: %w", err)
	}

	return nil
}

func (c *Config) validateBroker() error {
	if c.Broker.Addr == "" {
		return fmt.Errorf("broker address cannot be empty")
	}
	if c.Broker.ChannelPrefix == "" {
		return fmt.Errorf("channel_prefix cannot be empty")
	}
	if strings.Contains(c.Broker.ChannelPrefix, "*") {
		return fmt.Errorf("channel_prefix must not contain pattern characters")
	}
	if c.Broker.SendTimeout <= 0 {
		return fmt.Errorf("send_timeout must be positive")
	}
	return nil
}

func (c *Config) validatePresence() error {
	if c.Presence.Path == "" {
		return fmt.Errorf("presence path cannot be empty")
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.Schedule == "" {
		return fmt.Errorf("retry schedule cannot be empty")
	}
	if _, err := cron.ParseStandard(c.Retry.Schedule); err != nil {
		return fmt.Errorf("invalid retry schedule: %w", err)
	}
	if c.Retry.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	return nil
}

// GetLogLevel returns a zap log level based on the configured string
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}
