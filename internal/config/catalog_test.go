package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCatalogFixture(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestLoadCatalogConfig(t *testing.T) {
	path := writeCatalogFixture(t, `
allowed_schemas:
  - staging
  - core
default_schema: staging
default_page_size: 100
max_page_size: 1000
`)

	cfg, err := LoadCatalogConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"staging", "core"}, cfg.AllowedSchemas)
	assert.Equal(t, "staging", cfg.DefaultSchema)
	assert.Equal(t, 100, cfg.DefaultPageSize)
	assert.Equal(t, 1000, cfg.MaxPageSize)
	assert.True(t, cfg.Allows("core"))
	assert.False(t, cfg.Allows("mysql"))
}

func TestLoadCatalogConfigDefaults(t *testing.T) {
	path := writeCatalogFixture(t, "allowed_schemas: [wordpress]\n")

	cfg, err := LoadCatalogConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "wordpress", cfg.DefaultSchema, "default schema falls back to first allowed")
	assert.Equal(t, 50, cfg.DefaultPageSize)
	assert.Equal(t, 5000, cfg.MaxPageSize)
}

func TestLoadCatalogConfigRejectsEmpty(t *testing.T) {
	path := writeCatalogFixture(t, "allowed_schemas: []\n")

	_, err := LoadCatalogConfig(path)
	assert.Error(t, err)
}

func TestLoadCatalogConfigOrDefault(t *testing.T) {
	cfg, err := LoadCatalogConfigOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, []string{"staging", "core", "wordpress", "active_campaign"}, cfg.AllowedSchemas)
	assert.Equal(t, "wordpress", cfg.DefaultSchema)
}
