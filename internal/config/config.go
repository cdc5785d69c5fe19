package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Cloud    CloudConfig    `yaml:"cloud"`
	Polling  PollingConfig  `yaml:"polling"`
	Schema   SchemaConfig   `yaml:"schema"`
	NATS     NATSConfig     `yaml:"nats"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Database DatabaseConfig `yaml:"database"`
	JWT      JWTConfig      `yaml:"jwt"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig represents server identity configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents the diagnostics REST API configuration
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Operator login for the diagnostics API. PasswordHash is a bcrypt hash.
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// CloudConfig represents the vendor cloud account and endpoint configuration
type CloudConfig struct {
	BaseURL    string        `yaml:"base_url"`
	CompanyKey string        `yaml:"company_key"`
	Email      string        `yaml:"email"`
	Password   string        `yaml:"password"`
	Source     string        `yaml:"source"`
	I18n       string        `yaml:"i18n"`
	Timeout    time.Duration `yaml:"timeout"`
	// SessionMargin is how long before token expiry a renewal is forced.
	SessionMargin time.Duration `yaml:"session_margin"`
}

// PollingConfig represents the polling coordinator configuration
type PollingConfig struct {
	Interval          time.Duration `yaml:"interval"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	MaxInFlight       int           `yaml:"max_in_flight"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	RateLimitDelay    time.Duration `yaml:"rate_limit_delay"`
	// DisabledDevices lists datalogger PNs excluded from polling.
	DisabledDevices []string `yaml:"disabled_devices"`
}

// SchemaConfig represents the device schema registry configuration
type SchemaConfig struct {
	// OverlayFile is an optional YAML file with additional devcode descriptors.
	OverlayFile string `yaml:"overlay_file"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents the optional MQTT output configuration
type MQTTConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BrokerURL    string `yaml:"broker_url"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	TopicPattern string `yaml:"topic_pattern"`
	QoS          byte   `yaml:"qos"`
	TLS          bool   `yaml:"tls"`
}

// DatabaseConfig represents the optional snapshot store configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// JWTConfig represents JWT configuration for the diagnostics API
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if email := os.Getenv("DESS_EMAIL"); email != "" {
		c.Cloud.Email = email
	}

	if password := os.Getenv("DESS_PASSWORD"); password != "" {
		c.Cloud.Password = password
	}

	if baseURL := os.Getenv("DESS_BASE_URL"); baseURL != "" {
		c.Cloud.BaseURL = baseURL
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}

// setDefaults fills in defaults for values the file left unset
func (c *Config) setDefaults() {
	if c.Cloud.BaseURL == "" {
		c.Cloud.BaseURL = "https://web.dessmonitor.com"
	}
	if c.Cloud.CompanyKey == "" {
		c.Cloud.CompanyKey = "bnrl_frRFjEz8Mkn"
	}
	if c.Cloud.Source == "" {
		c.Cloud.Source = "1"
	}
	if c.Cloud.I18n == "" {
		c.Cloud.I18n = "en_US"
	}
	if c.Cloud.Timeout == 0 {
		c.Cloud.Timeout = 30 * time.Second
	}
	if c.Cloud.SessionMargin == 0 {
		c.Cloud.SessionMargin = 10 * time.Minute
	}

	if c.Polling.Interval == 0 {
		c.Polling.Interval = 60 * time.Second
	}
	if c.Polling.DiscoveryInterval == 0 {
		c.Polling.DiscoveryInterval = 30 * time.Minute
	}
	if c.Polling.MaxInFlight == 0 {
		c.Polling.MaxInFlight = 4
	}
	if c.Polling.BackoffBase == 0 {
		c.Polling.BackoffBase = c.Polling.Interval
	}
	if c.Polling.BackoffMax == 0 {
		c.Polling.BackoffMax = 30 * time.Minute
	}
	if c.Polling.RateLimitDelay == 0 {
		c.Polling.RateLimitDelay = 5 * time.Minute
	}

	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "dess"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 5 * time.Second
	}

	if c.MQTT.TopicPattern == "" {
		c.MQTT.TopicPattern = "dess/{plant}/{pn}/measurements"
	}

	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 24 * time.Hour
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// validate checks settings no component can run without
func (c *Config) validate() error {
	if c.Cloud.Email == "" || c.Cloud.Password == "" {
		return fmt.Errorf("missing cloud credentials: set cloud.email/cloud.password or DESS_EMAIL/DESS_PASSWORD")
	}

	if c.Polling.Interval < time.Second {
		return fmt.Errorf("polling interval too short: %s", c.Polling.Interval)
	}

	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt enabled but broker_url not set")
	}

	return nil
}

// DeviceDisabled reports whether a datalogger PN is excluded from polling
func (c *PollingConfig) DeviceDisabled(pn string) bool {
	for _, disabled := range c.DisabledDevices {
		if disabled == pn {
			return true
		}
	}
	return false
}
