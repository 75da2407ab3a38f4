// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Security   SecurityConfig   `mapstructure:"security"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Serial     SerialConfig     `mapstructure:"serial"`
	Scanner    ScannerConfig    `mapstructure:"scanner"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	Mirror     MirrorConfig     `mapstructure:"mirror"`
	Database   DatabaseConfig   `mapstructure:"database"`
	App        AppConfig        `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	TLS          TLSConfig     `mapstructure:"tls"`
}

// TLSConfig represents TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// SerialConfig represents the serial line settings used for the device link
type SerialConfig struct {
	BaudRate      int           `mapstructure:"baud_rate"`
	DataBits      int           `mapstructure:"data_bits"`
	StopBits      int           `mapstructure:"stop_bits"`
	Parity        string        `mapstructure:"parity"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	MaxLineLength int           `mapstructure:"max_line_length"`
}

// ScannerConfig represents port scanning and handshake configuration
type ScannerConfig struct {
	MinConfidence    int           `mapstructure:"min_confidence"`
	ProbeLine        string        `mapstructure:"probe_line"`
	Markers          []string      `mapstructure:"markers"`
	BootDelay        time.Duration `mapstructure:"boot_delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	ExtraPatterns    []string      `mapstructure:"extra_patterns"`
}

// SupervisorConfig represents connection lifecycle configuration
type SupervisorConfig struct {
	MinBackoff   time.Duration `mapstructure:"min_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	Watchdog     time.Duration `mapstructure:"watchdog"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Hotplug      bool          `mapstructure:"hotplug"`
	HotplugDir   string        `mapstructure:"hotplug_dir"`
}

// GatewayConfig represents command dispatch configuration
type GatewayConfig struct {
	QueueSize     int           `mapstructure:"queue_size"`
	AckTimeout    time.Duration `mapstructure:"ack_timeout"`
	TimeoutStreak int           `mapstructure:"timeout_streak"`
	TimeoutWindow time.Duration `mapstructure:"timeout_window"`
	FeedRunTime   time.Duration `mapstructure:"feed_run_time"`
	OutcomeBuffer int           `mapstructure:"outcome_buffer"`
}

// TelemetryConfig represents sensor normalization configuration
type TelemetryConfig struct {
	TickInterval     time.Duration            `mapstructure:"tick_interval"`
	DefaultFreshness time.Duration            `mapstructure:"default_freshness"`
	Freshness        map[string]time.Duration `mapstructure:"freshness"`
	MissLimit        int                      `mapstructure:"miss_limit"`
	DeltaBuffer      int                      `mapstructure:"delta_buffer"`
}

// PublisherConfig represents fan-out configuration
type PublisherConfig struct {
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// MirrorConfig represents cloud mirror configuration
type MirrorConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Migrate      bool          `mapstructure:"migrate"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	DBName       string        `mapstructure:"dbname"`
	SSLMode      string        `mapstructure:"sslmode"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from the default search paths and environment variables
func Load() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("/etc/feeder-gateway")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return decode(v)
}

// LoadFile loads configuration from an explicit file path
func LoadFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()

	// Environment variable support
	v.SetEnvPrefix("FEEDER_GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8090")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Serial line defaults (Arduino Mega at 115200 8N1)
	v.SetDefault("serial.baud_rate", 115200)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "none")
	v.SetDefault("serial.read_timeout", "50ms")
	v.SetDefault("serial.max_line_length", 1024)

	// Scanner defaults
	v.SetDefault("scanner.min_confidence", 30)
	v.SetDefault("scanner.probe_line", "STATUS")
	v.SetDefault("scanner.markers", []string{
		"[DATA]", "[ACK]", "[SEND]", "\"sensors\":", "Fish Feeder", "Arduino", "Mega", "Ready",
	})
	v.SetDefault("scanner.boot_delay", "1500ms")
	v.SetDefault("scanner.handshake_timeout", "5s")
	v.SetDefault("scanner.poll_interval", "20ms")
	v.SetDefault("scanner.extra_patterns", []string{})

	// Supervisor defaults
	v.SetDefault("supervisor.min_backoff", "1s")
	v.SetDefault("supervisor.max_backoff", "30s")
	v.SetDefault("supervisor.watchdog", "15s")
	v.SetDefault("supervisor.poll_interval", "20ms")
	v.SetDefault("supervisor.hotplug", true)
	v.SetDefault("supervisor.hotplug_dir", "/dev")

	// Command gateway defaults
	v.SetDefault("gateway.queue_size", 32)
	v.SetDefault("gateway.ack_timeout", "3s")
	v.SetDefault("gateway.timeout_streak", 3)
	v.SetDefault("gateway.timeout_window", "60s")
	v.SetDefault("gateway.feed_run_time", "20s")
	v.SetDefault("gateway.outcome_buffer", 64)

	// Telemetry defaults
	v.SetDefault("telemetry.tick_interval", "1s")
	v.SetDefault("telemetry.default_freshness", "10s")
	v.SetDefault("telemetry.miss_limit", 5)
	v.SetDefault("telemetry.delta_buffer", 16)

	// Publisher defaults
	v.SetDefault("publisher.subscriber_buffer", 8)

	// Mirror defaults
	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.write_timeout", "2s")
	v.SetDefault("mirror.migrate", true)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "feeder_gateway")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_lifetime", "5m")

	// App defaults
	v.SetDefault("app.name", "feeder-gateway")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}

	if !oneOf(config.App.Environment, "development", "staging", "production", "test") {
		return fmt.Errorf("app.environment must be one of: %v", []string{"development", "staging", "production", "test"})
	}
	if !oneOf(config.Logging.Level, "debug", "info", "warn", "error", "fatal") {
		return fmt.Errorf("logging.level must be one of: %v", []string{"debug", "info", "warn", "error", "fatal"})
	}

	if config.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be positive")
	}
	if config.Serial.MaxLineLength < 16 {
		return fmt.Errorf("serial.max_line_length must be at least 16")
	}

	if config.Supervisor.MinBackoff <= 0 || config.Supervisor.MaxBackoff <= 0 {
		return fmt.Errorf("supervisor backoff durations must be positive")
	}
	if config.Supervisor.MinBackoff > config.Supervisor.MaxBackoff {
		return fmt.Errorf("supervisor.min_backoff (%s) exceeds supervisor.max_backoff (%s)",
			config.Supervisor.MinBackoff, config.Supervisor.MaxBackoff)
	}
	if config.Supervisor.Watchdog <= 0 {
		return fmt.Errorf("supervisor.watchdog must be positive")
	}

	if config.Gateway.QueueSize < 1 {
		return fmt.Errorf("gateway.queue_size must be at least 1")
	}
	if config.Gateway.AckTimeout <= 0 {
		return fmt.Errorf("gateway.ack_timeout must be positive")
	}
	if config.Gateway.TimeoutStreak < 1 {
		return fmt.Errorf("gateway.timeout_streak must be at least 1")
	}

	if config.Telemetry.TickInterval <= 0 || config.Telemetry.DefaultFreshness <= 0 {
		return fmt.Errorf("telemetry durations must be positive")
	}
	if config.Telemetry.MissLimit < 1 {
		return fmt.Errorf("telemetry.miss_limit must be at least 1")
	}
	for name, d := range config.Telemetry.Freshness {
		if d <= 0 {
			return fmt.Errorf("telemetry.freshness.%s must be positive", name)
		}
	}

	if config.Publisher.SubscriberBuffer < 1 {
		return fmt.Errorf("publisher.subscriber_buffer must be at least 1")
	}

	return nil
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// DSN returns the lib/pq connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return c.Database.DSN()
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
