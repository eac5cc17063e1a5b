package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CatalogConfig controls which warehouse schemas the data browser may touch
// and how it paginates.
type CatalogConfig struct {
	AllowedSchemas  []string `yaml:"allowed_schemas"`
	DefaultSchema   string   `yaml:"default_schema"`
	DefaultPageSize int      `yaml:"default_page_size"`
	MaxPageSize     int      `yaml:"max_page_size"`
}

// LoadCatalogConfig reads a catalog configuration from a YAML file.
func LoadCatalogConfig(path string) (*CatalogConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog config: %w", err)
	}

	var cfg CatalogConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse catalog config: %w", err)
	}
	if len(cfg.AllowedSchemas) == 0 {
		return nil, fmt.Errorf("catalog config %s: allowed_schemas cannot be empty", path)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadCatalogConfigOrDefault loads the file when a path is given and falls
// back to the built-in schema whitelist otherwise.
func LoadCatalogConfigOrDefault(path string) (*CatalogConfig, error) {
	if path == "" {
		return DefaultCatalogConfig(), nil
	}
	return LoadCatalogConfig(path)
}

// DefaultCatalogConfig returns the built-in schema whitelist.
func DefaultCatalogConfig() *CatalogConfig {
	cfg := &CatalogConfig{
		AllowedSchemas: []string{"staging", "core", "wordpress", "active_campaign"},
		DefaultSchema:  "wordpress",
	}
	cfg.applyDefaults()
	return cfg
}

func (c *CatalogConfig) applyDefaults() {
	if c.DefaultSchema == "" && len(c.AllowedSchemas) > 0 {
		c.DefaultSchema = c.AllowedSchemas[0]
	}
	if c.DefaultPageSize <= 0 {
		c.DefaultPageSize = 50
	}
	if c.MaxPageSize <= 0 {
		c.MaxPageSize = 5000
	}
}

// Allows reports whether schema is on the whitelist.
func (c *CatalogConfig) Allows(schema string) bool {
	for _, s := range c.AllowedSchemas {
		if s == schema {
			return true
		}
	}
	return false
}
