package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8501
	cfg.Database.Port = 3306
	cfg.Database.User = "etl"
	cfg.Database.Password = "pw"
	cfg.Database.Database = "mercado_livre"
	cfg.Meli.ClientID = "123"
	cfg.Meli.ClientSecret = "secret"
	cfg.Meli.RedirectURI = "https://example.com/callback"
	cfg.Meli.AuthURL = "https://auth.mercadolivre.com.br/authorization"
	cfg.Meli.APIBase = "https://api.mercadolibre.com"
	cfg.Meli.SellerID = "123456789"
	cfg.Meli.InternalKey = "s3cret"
	cfg.Billing.Group = "ml"
	cfg.Billing.DocumentType = "bill"
	cfg.Billing.ReportFormat = "csv"
	return cfg
}

func TestValidateAccepts(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Billing.Group != "ML" || cfg.Billing.DocumentType != "BILL" {
		t.Fatalf("billing fields not upper-cased: %+v", cfg.Billing)
	}
}

func TestValidateStripsSellerFormatting(t *testing.T) {
	cfg := validConfig()
	cfg.Meli.SellerID = "123.456.789"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Meli.SellerID != "123456789" {
		t.Fatalf("seller id = %q, want 123456789", cfg.Meli.SellerID)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad db port", func(c *Config) { c.Database.Port = 0 }, "MYSQL_PORT"},
		{"no db user", func(c *Config) { c.Database.User = "" }, "MYSQL_USER"},
		{"seller without digits", func(c *Config) { c.Meli.SellerID = "abc" }, "MELI_SELLER_ID"},
		{"oauth missing secret", func(c *Config) { c.Meli.ClientSecret = "" }, "MELI_CLIENT_SECRET"},
		{"oauth missing redirect", func(c *Config) { c.Meli.RedirectURI = "" }, "MELI_REDIRECT_URI"},
		{"oauth missing internal key", func(c *Config) { c.Meli.InternalKey = "" }, "MELI_INTERNAL_KEY"},
		{"bad auth url", func(c *Config) { c.Meli.AuthURL = "ftp://x" }, "MELI_AUTH_URL"},
		{"empty billing group", func(c *Config) { c.Billing.Group = "" }, "MELI_BILLING_GROUP"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate should fail")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestDSNShapes(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Host = "db"
	cfg.Database.Port = 3306

	dsn := cfg.Database.DSN()
	for _, want := range []string{"etl:pw@tcp(db:3306)/mercado_livre", "charset=utf8mb4", "parseTime=true"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("DSN %q missing %q", dsn, want)
		}
	}

	// Without a dedicated read-only account the primary credentials serve.
	ro := cfg.Database.ReadOnlyDSN()
	if !strings.Contains(ro, "etl:pw@") || !strings.Contains(ro, "/information_schema") {
		t.Fatalf("ReadOnlyDSN fallback = %q", ro)
	}

	cfg.Database.ReadOnlyUser = "viewer"
	cfg.Database.ReadOnlyPassword = "vpw"
	if ro := cfg.Database.ReadOnlyDSN(); !strings.Contains(ro, "viewer:vpw@") {
		t.Fatalf("ReadOnlyDSN = %q, want viewer credentials", ro)
	}
}

func TestWordPressEnabled(t *testing.T) {
	var wp WordPressConfig
	if wp.Enabled() {
		t.Fatal("empty config should be disabled")
	}
	wp.Host = "wp-db"
	wp.User = "wp"
	if !wp.Enabled() {
		t.Fatal("host+user should enable the ETL source")
	}
}
