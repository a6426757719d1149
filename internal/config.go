package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DarajaSandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	DarajaProductionBaseURL = "https://api.safaricom.co.ke"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server"`
	Daraja        DarajaConfig        `mapstructure:"daraja"`
	Notify        NotifyConfig        `mapstructure:"notify"`
	Store         StoreConfig         `mapstructure:"store"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BaseURL           string        `mapstructure:"base_url"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

// DarajaConfig holds the Safaricom Daraja API credentials and environment.
type DarajaConfig struct {
	ConsumerKey     string        `mapstructure:"consumer_key"`
	ConsumerSecret  string        `mapstructure:"consumer_secret"`
	Shortcode       string        `mapstructure:"shortcode"`
	Passkey         string        `mapstructure:"passkey"`
	Environment     string        `mapstructure:"environment"`
	CallbackBaseURL string        `mapstructure:"callback_base_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// NotifyConfig describes the downstream system of record that receives
// normalized payment outcomes.
type NotifyConfig struct {
	URL     string        `mapstructure:"url"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StoreConfig selects and tunes the correlation store backend.
type StoreConfig struct {
	Backend       string        `mapstructure:"backend"`
	RedisURL      string        `mapstructure:"redis_url"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// DatabaseConfig is the delivery-log database. Optional: with an empty
// source the service runs without a persistent delivery log.
type DatabaseConfig struct {
	Source          string        `mapstructure:"source"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ----------------- ENV LOADING -----------------

// LoadConfigFromEnv builds the configuration purely from environment
// variables for container deployments.
func LoadConfigFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              getEnvAsInt("PORT", 5000),
			BaseURL:           getEnv("BASE_URL", ""),
			ReadHeaderTimeout: getEnvAsDuration("READ_HEADER_TIMEOUT", 5*time.Second),
			ReadTimeout:       getEnvAsDuration("READ_TIMEOUT", 15*time.Second),
			IdleTimeout:       getEnvAsDuration("IDLE_TIMEOUT", 60*time.Second),
			WriteTimeout:      getEnvAsDuration("WRITE_TIMEOUT", 15*time.Second),
		},
		Daraja: DarajaConfig{
			ConsumerKey:     getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret:  getEnv("MPESA_CONSUMER_SECRET", ""),
			Shortcode:       getEnv("MPESA_SHORTCODE", ""),
			Passkey:         getEnv("MPESA_PASSKEY", ""),
			Environment:     getEnv("MPESA_ENV", "sandbox"),
			CallbackBaseURL: getEnv("CALLBACK_BASE_URL", ""),
			RequestTimeout:  getEnvAsDuration("MPESA_REQUEST_TIMEOUT", 30*time.Second),
		},
		Notify: NotifyConfig{
			URL:     getEnv("BACKEND_NOTIFY_URL", ""),
			Secret:  getEnv("NOTIFY_SECRET", ""),
			Timeout: getEnvAsDuration("NOTIFY_TIMEOUT", 10*time.Second),
		},
		Store: StoreConfig{
			Backend:       getEnv("STORE_BACKEND", "memory"),
			RedisURL:      getEnv("REDIS_URL", ""),
			Retention:     getEnvAsDuration("BINDING_RETENTION", time.Hour),
			SweepInterval: getEnvAsDuration("SWEEP_INTERVAL", 5*time.Minute),
		},
		Database: DatabaseConfig{
			Source:          getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
		},
	}
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Daraja.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("daraja config: %v", err))
	}

	if err := c.Notify.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("notify config: %v", err))
	}

	if err := c.Store.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("store config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DarajaConfig) Validate() error {
	if c.ConsumerKey == "" || c.ConsumerSecret == "" {
		return errors.New("consumer_key and consumer_secret are required")
	}
	if c.Shortcode == "" {
		return errors.New("shortcode is required")
	}
	if c.Passkey == "" {
		return errors.New("passkey is required")
	}
	if c.Environment != "sandbox" && c.Environment != "production" {
		return fmt.Errorf("environment must be sandbox or production, got %q", c.Environment)
	}
	if c.CallbackBaseURL == "" {
		return errors.New("callback_base_url is required")
	}
	if _, err := url.Parse(c.CallbackBaseURL); err != nil {
		return fmt.Errorf("invalid callback_base_url: %w", err)
	}
	return nil
}

// BaseURL returns the Daraja API base for the configured environment.
func (c *DarajaConfig) BaseURL() string {
	if c.Environment == "production" {
		return DarajaProductionBaseURL
	}
	return DarajaSandboxBaseURL
}

// CallbackURL is the externally reachable URL the provider delivers
// STK callbacks to.
func (c *DarajaConfig) CallbackURL() string {
	return strings.TrimRight(c.CallbackBaseURL, "/") + "/mpesa/callback"
}

func (c *NotifyConfig) Validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return fmt.Errorf("invalid notify url: %w", err)
	}
	if c.Secret == "" {
		return errors.New("secret is required")
	}
	return nil
}

// OrdersBaseURL derives the order-lookup base from the notify URL by
// stripping the notification path, mirroring how the downstream exposes
// its endpoints.
func (c *NotifyConfig) OrdersBaseURL() string {
	return strings.TrimSuffix(c.URL, "/payments/confirm")
}

func (c *StoreConfig) Validate() error {
	switch c.Backend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("store backend must be memory or redis, got %q", c.Backend)
	}
	if c.Retention <= 0 {
		return errors.New("retention must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep_interval must be positive")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}
