package internal

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	MpesaSandboxURL    = "https://sandbox.safaricom.co.ke"
	MpesaProductionURL = "https://api.safaricom.co.ke"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"http_server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Security   SecurityConfig   `mapstructure:"security"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Mpesa      MpesaConfig      `mapstructure:"mpesa"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port" validate:"min=1,max=65535"`
	BaseURL           string        `mapstructure:"base_url"`
	OpenAPIPath       string        `mapstructure:"openapi_path"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"required,min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"required,min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"required,min=1m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"required,min=1m"`
	Source          string        `mapstructure:"source" validate:"required"`
}

type SecurityConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

type LoggingConfig struct {
	Env    string `mapstructure:"env"`
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// MpesaConfig holds the Daraja credentials and STK push defaults.
type MpesaConfig struct {
	Environment        string        `mapstructure:"environment" validate:"oneof=sandbox production"`
	BaseURL            string        `mapstructure:"base_url" validate:"omitempty,url"`
	ConsumerKey        string        `mapstructure:"consumer_key" validate:"required"`
	ConsumerSecret     string        `mapstructure:"consumer_secret" validate:"required"`
	ShortCode          string        `mapstructure:"shortcode" validate:"required,numeric"`
	PassKey            string        `mapstructure:"passkey" validate:"required"`
	CallbackURL        string        `mapstructure:"callback_url" validate:"required,url"`
	TransactionType    string        `mapstructure:"transaction_type" validate:"oneof=CustomerPayBillOnline CustomerBuyGoodsOnline"`
	Currency           string        `mapstructure:"currency" validate:"len=3"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	TokenTimeout       time.Duration `mapstructure:"token_timeout"`
	CacheToken         bool          `mapstructure:"cache_token"`
	TokenRefreshMargin time.Duration `mapstructure:"token_refresh_margin"`
}

// WebhookConfig hardens the inbound callback endpoint. Empty values accept
// every callback.
type WebhookConfig struct {
	SharedSecret string   `mapstructure:"shared_secret"`
	AllowedIPs   []string `mapstructure:"allowed_ips"`
}

type ReconcilerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	MaxPendingAge time.Duration `mapstructure:"max_pending_age"`
	MaxWorkers    int           `mapstructure:"max_workers"`
	BatchSize     int           `mapstructure:"batch_size"`
}

// GatewayBaseURL resolves the Daraja host, preferring an explicit override.
func (c *MpesaConfig) GatewayBaseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if c.Environment == "production" {
		return MpesaProductionURL
	}
	return MpesaSandboxURL
}

// ApplyDefaults fills every zero value that has a sensible default.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.OpenAPIPath == "" {
		c.Server.OpenAPIPath = "./api/openapi.yml"
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 45 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Database.ConnMaxIdleTime == 0 {
		c.Database.ConnMaxIdleTime = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Mpesa.Environment == "" {
		c.Mpesa.Environment = "sandbox"
	}
	if c.Mpesa.TransactionType == "" {
		c.Mpesa.TransactionType = "CustomerPayBillOnline"
	}
	if c.Mpesa.Currency == "" {
		c.Mpesa.Currency = "KES"
	}
	if c.Mpesa.RequestTimeout == 0 {
		c.Mpesa.RequestTimeout = 30 * time.Second
	}
	if c.Mpesa.TokenTimeout == 0 {
		c.Mpesa.TokenTimeout = 30 * time.Second
	}
	if c.Mpesa.TokenRefreshMargin == 0 {
		c.Mpesa.TokenRefreshMargin = 60 * time.Second
	}

	if c.Reconciler.Interval == 0 {
		c.Reconciler.Interval = time.Minute
	}
	if c.Reconciler.StaleAfter == 0 {
		c.Reconciler.StaleAfter = 2 * time.Minute
	}
	if c.Reconciler.MaxPendingAge == 0 {
		c.Reconciler.MaxPendingAge = 30 * time.Minute
	}
	if c.Reconciler.MaxWorkers == 0 {
		c.Reconciler.MaxWorkers = 4
	}
	if c.Reconciler.BatchSize == 0 {
		c.Reconciler.BatchSize = 50
	}
}

// LoadConfigFromEnv builds the configuration for container deployments where
// no config.yml is mounted.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnvAsInt("HTTP_PORT", 8080),
			BaseURL:      getEnv("BASE_URL", ""),
			OpenAPIPath:  getEnv("OPENAPI_PATH", "./api/openapi.yml"),
			ReadTimeout:  getEnvAsDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("HTTP_WRITE_TIMEOUT", 45*time.Second),
			IdleTimeout:  getEnvAsDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			Source:       getEnv("DATABASE_URL", ""),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		},
		Security: SecurityConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			JWTIssuer: getEnv("JWT_ISSUER", ""),
		},
		Logging: LoggingConfig{
			Env:    getEnv("APP_ENV", "production"),
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Mpesa: MpesaConfig{
			Environment:     getEnv("MPESA_ENVIRONMENT", "sandbox"),
			BaseURL:         getEnv("MPESA_BASE_URL", ""),
			ConsumerKey:     getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret:  getEnv("MPESA_CONSUMER_SECRET", ""),
			ShortCode:       getEnv("MPESA_SHORTCODE", ""),
			PassKey:         getEnv("MPESA_PASSKEY", ""),
			CallbackURL:     getEnv("MPESA_CALLBACK_URL", ""),
			TransactionType: getEnv("MPESA_TRANSACTION_TYPE", "CustomerPayBillOnline"),
			Currency:        getEnv("MPESA_CURRENCY", "KES"),
			RequestTimeout:  getEnvAsDuration("MPESA_REQUEST_TIMEOUT", 30*time.Second),
			TokenTimeout:    getEnvAsDuration("MPESA_TOKEN_TIMEOUT", 30*time.Second),
			CacheToken:      getEnvAsBool("MPESA_CACHE_TOKEN", false),
		},
		Webhook: WebhookConfig{
			SharedSecret: getEnv("WEBHOOK_SHARED_SECRET", ""),
			AllowedIPs:   getEnvAsList("WEBHOOK_ALLOWED_IPS"),
		},
		Reconciler: ReconcilerConfig{
			Enabled:       getEnvAsBool("RECONCILER_ENABLED", false),
			Interval:      getEnvAsDuration("RECONCILER_INTERVAL", time.Minute),
			StaleAfter:    getEnvAsDuration("RECONCILER_STALE_AFTER", 2*time.Minute),
			MaxPendingAge: getEnvAsDuration("RECONCILER_MAX_PENDING_AGE", 30*time.Minute),
			MaxWorkers:    getEnvAsInt("RECONCILER_MAX_WORKERS", 4),
			BatchSize:     getEnvAsInt("RECONCILER_BATCH_SIZE", 50),
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ----------------- HELPERS -----------------

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

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := validator.New().Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				errs = append(errs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Webhook.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("webhook config: %v", err))
	}

	if err := c.Reconciler.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("reconciler config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *WebhookConfig) Validate() error {
	for _, entry := range c.AllowedIPs {
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("invalid allowed_ips entry %q: %w", entry, err)
			}
			continue
		}
		if net.ParseIP(entry) == nil {
			return fmt.Errorf("invalid allowed_ips entry %q", entry)
		}
	}
	return nil
}

func (c *ReconcilerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.StaleAfter <= 0 {
		return errors.New("stale_after must be positive")
	}
	if c.MaxPendingAge < c.StaleAfter {
		return errors.New("max_pending_age must not be shorter than stale_after")
	}
	if c.MaxWorkers < 1 {
		return errors.New("max_workers must be at least 1")
	}
	if c.BatchSize < 1 {
		return errors.New("batch_size must be at least 1")
	}
	return nil
}
