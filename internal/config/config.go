// Package config loads service configuration from the environment, with an
// optional .env file and an optional YAML file for catalog settings.
package config

import (
	"fmt"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string `env:"SERVER_HOST,default=0.0.0.0"`
	Port            int    `env:"SERVER_PORT,default=8501"`
	ShutdownTimeout int    `env:"SERVER_SHUTDOWN_TIMEOUT,default=10"`
	AllowedOrigins  string `env:"CORS_ALLOWED_ORIGINS,default=*"` // comma separated
	RateLimitRPS    int    `env:"RATE_LIMIT_RPS,default=20"`
	RateLimitBurst  int    `env:"RATE_LIMIT_BURST,default=40"`
}

// DatabaseConfig configures the MySQL connection shared by the warehouse
// schemas. Read-only credentials take precedence for the catalog browser.
type DatabaseConfig struct {
	Host     string `env:"MYSQL_HOST,default=db"`
	Port     int    `env:"MYSQL_PORT,default=3306"`
	User     string `env:"MYSQL_USER"`
	Password string `env:"MYSQL_PASSWORD"`
	Database string `env:"MYSQL_DATABASE,default=mercado_livre"`

	ReadOnlyUser     string `env:"CATALOG_RO_USER"`
	ReadOnlyPassword string `env:"CATALOG_RO_PASSWORD"`

	MaxOpenConns    int `env:"MYSQL_MAX_OPEN_CONNS,default=10"`
	MaxIdleConns    int `env:"MYSQL_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime int `env:"MYSQL_CONN_MAX_LIFETIME,default=1800"` // seconds
}

// DSN builds a go-sql-driver DSN with utf8mb4 and time parsing enabled.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// ReadOnlyDSN prefers the dedicated read-only account and falls back to the
// primary credentials. The catalog layer is a read surface; running it with
// minimal grants limits the blast radius of a bad query.
func (c DatabaseConfig) ReadOnlyDSN() string {
	user, pass := c.ReadOnlyUser, c.ReadOnlyPassword
	if user == "" {
		user, pass = c.User, c.Password
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/information_schema?charset=utf8mb4&parseTime=true&loc=UTC",
		user, pass, c.Host, c.Port)
}

// MeliConfig configures the Mercado Livre integration.
type MeliConfig struct {
	ClientID     string `env:"MELI_CLIENT_ID"`
	ClientSecret string `env:"MELI_CLIENT_SECRET"`
	RedirectURI  string `env:"MELI_REDIRECT_URI"`
	Scope        string `env:"MELI_SCOPE,default=offline_access read write"`
	AuthURL      string `env:"MELI_AUTH_URL,default=https://auth.mercadolivre.com.br/authorization"`
	APIBase      string `env:"MELI_API_BASE,default=https://api.mercadolibre.com"`

	SellerID    string `env:"MELI_SELLER_ID"`
	InternalKey string `env:"MELI_INTERNAL_KEY"`

	StateTTLMinutes  int `env:"MELI_STATE_TTL_MINUTES,default=10"`
	TokenSkewSeconds int `env:"MELI_TOKEN_SKEW_SECONDS,default=60"`

	EnableBillingFallback bool `env:"MELI_ENABLE_BILLING_FALLBACK,default=true"`
}

// BillingConfig configures the billing report pipeline.
type BillingConfig struct {
	Group        string `env:"MELI_BILLING_GROUP,default=ML"`
	DocumentType string `env:"MELI_BILLING_DOCUMENT_TYPE,default=BILL"`
	ReportFormat string `env:"MELI_BILLING_REPORT_FORMAT,default=CSV"`
	OutputDir    string `env:"MELI_REPORT_OUT_DIR,default=/tmp"`
}

// WordPressConfig configures the source WooCommerce database for the
// consolidation ETL.
type WordPressConfig struct {
	Host     string `env:"WP_HOST"`
	Port     int    `env:"WP_PORT,default=3306"`
	User     string `env:"WP_USER"`
	Password string `env:"WP_PASS"`
	Database string `env:"WP_DB_NAME"`
}

// Enabled reports whether the WordPress ETL has a source configured.
func (c WordPressConfig) Enabled() bool { return c.Host != "" && c.User != "" }

// DSN builds the source DSN.
func (c WordPressConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig configures the optional catalog page cache.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,default=0"`
	TTL      int    `env:"CATALOG_CACHE_TTL,default=30"` // seconds
}

// ScheduleConfig holds cron specs for the background jobs. An empty spec
// disables the job, except orders sync which falls back to an hourly
// interval runner.
type ScheduleConfig struct {
	OrdersSync   string `env:"SCHEDULE_ORDERS_SYNC,default=@every 1h"`
	SalesReport  string `env:"SCHEDULE_SALES_REPORT"`
	WordPressETL string `env:"SCHEDULE_WORDPRESS_ETL"`
	StateCleanup string `env:"SCHEDULE_STATE_CLEANUP,default=@daily"`
}

// LoggingConfig configures pkg/logger.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=text"`
	Output string `env:"LOG_OUTPUT,default=stdout"`
}

// Config is the root configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Meli      MeliConfig
	Billing   BillingConfig
	WordPress WordPressConfig
	Redis     RedisConfig
	Schedules ScheduleConfig
	Logging   LoggingConfig

	CatalogFile string `env:"CATALOG_CONFIG_FILE"`
}

// Load reads .env (when present), decodes the environment and validates it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the cross-field rules the service depends on.
func (c *Config) Validate() error {
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("MYSQL_PORT out of range: %d", c.Database.Port)
	}
	if c.Database.User == "" || c.Database.Password == "" {
		return fmt.Errorf("database credentials not configured: set MYSQL_USER and MYSQL_PASSWORD")
	}

	seller := digitsOnly(c.Meli.SellerID)
	if c.Meli.SellerID != "" && seller == "" {
		return fmt.Errorf("MELI_SELLER_ID has no digits: %q", c.Meli.SellerID)
	}
	c.Meli.SellerID = seller

	// OAuth endpoints are only served when the app credentials are complete.
	if c.Meli.ClientID != "" {
		if c.Meli.ClientSecret == "" {
			return fmt.Errorf("MELI_CLIENT_SECRET is required when MELI_CLIENT_ID is set")
		}
		if c.Meli.RedirectURI == "" {
			return fmt.Errorf("MELI_REDIRECT_URI is required when MELI_CLIENT_ID is set")
		}
		if c.Meli.InternalKey == "" {
			return fmt.Errorf("MELI_INTERNAL_KEY is required when MELI_CLIENT_ID is set")
		}
		if !isHTTPURL(c.Meli.AuthURL) {
			return fmt.Errorf("MELI_AUTH_URL must start with http:// or https://: %q", c.Meli.AuthURL)
		}
	}

	for name, v := range map[string]string{
		"MELI_BILLING_GROUP":         c.Billing.Group,
		"MELI_BILLING_DOCUMENT_TYPE": c.Billing.DocumentType,
		"MELI_BILLING_REPORT_FORMAT": c.Billing.ReportFormat,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s cannot be empty", name)
		}
	}
	c.Billing.Group = strings.ToUpper(strings.TrimSpace(c.Billing.Group))
	c.Billing.DocumentType = strings.ToUpper(strings.TrimSpace(c.Billing.DocumentType))
	c.Billing.ReportFormat = strings.ToUpper(strings.TrimSpace(c.Billing.ReportFormat))

	return nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
