package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644))
	return dir
}

func TestLoadConfig(t *testing.T) {
	dir := writeConfig(t, `
server:
  mode: debug
  request_timeout: 2s
database:
  driver: mysql
jwt:
  secret: local-secret
  expire_hours: 24
cors:
  allowed_origins:
    - http://localhost:5173
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 24*time.Hour, cfg.JWT.ExpireTime)
	assert.Equal(t, "LinkupToken", cfg.JWT.CookieName)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.CORS.AllowedOrigins)

	// 未配置的项走默认值
	assert.Equal(t, 2000, cfg.Chat.MaxMessageLength)
	assert.Equal(t, 5*time.Second, cfg.Chat.PublishTimeout)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)
	assert.Equal(t, 100, cfg.Log.MaxSizeMB)
}

func TestLoadConfigCreatesSQLiteFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "linkup.db")
	dir := writeConfig(t, `
database:
  driver: sqlite
  path: `+dbPath+`
jwt:
  secret: local-secret
`)

	_, err := LoadConfig(dir)
	require.NoError(t, err)
	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:   ServerConfig{Mode: "debug"},
			Database: DatabaseConfig{Driver: "mysql"},
			JWT:      JWTConfig{Secret: "local-secret"},
			Chat:     ChatConfig{MaxMessageLength: 2000},
		}
	}

	assert.NoError(t, base().Validate())

	cfg := base()
	cfg.Server.Mode = "release"
	assert.Error(t, cfg.Validate(), "short secret in release mode")

	cfg = base()
	cfg.JWT.Secret = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Database.Driver = "postgres"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Chat.MaxMessageLength = 0
	assert.Error(t, cfg.Validate())
}
