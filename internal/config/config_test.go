package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirForTest mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdirForTest(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	chdirForTest(t, t.TempDir())
	t.Setenv("STORAGE_DRIVER", "SQLITE3")
	t.Setenv("JWT_SECRET", strings.Repeat("s", 32))
	t.Setenv("PROPAGATION_DEPTH", "ancestors")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.StorageDriver)
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "ancestors", cfg.PropagationDepth)
	assert.Equal(t, 5, cfg.RateLimit)
	assert.Equal(t, 15*time.Minute, cfg.RateWindow)
	assert.Equal(t, 5, cfg.WSRateLimit)
	assert.Equal(t, time.Second, cfg.WSRateWindow)
	assert.Nil(t, cfg.AllowedOrigins)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_AllowedOriginsAndWSLimit(t *testing.T) {
	chdirForTest(t, t.TempDir())
	t.Setenv("ALLOWED_ORIGINS", " https://a.example, ,https://b.example")
	t.Setenv("WS_RATE_LIMIT", "20")
	t.Setenv("WS_RATE_WINDOW", "10s")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 20, cfg.WSRateLimit)
	assert.Equal(t, 10*time.Second, cfg.WSRateWindow)
	assert.Equal(t, 5, cfg.RateLimit, "login budget is separate")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			StorageDriver:    "postgres",
			PostgresUser:     "u",
			PostgresPassword: "p",
			PostgresDB:       "db",
			PostgresHost:     "localhost",
			PostgresPort:     "5432",
			ServerPort:       "8080",
			JWTSecret:        strings.Repeat("x", 32),
			RateLimit:        5,
			RateWindow:       time.Minute,
			WSRateLimit:      5,
			WSRateWindow:     time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid postgres", func(c *Config) {}, ""},
		{"missing postgres password", func(c *Config) { c.PostgresPassword = "" }, "POSTGRES_PASSWORD"},
		{"short secret", func(c *Config) { c.JWTSecret = "short" }, "JWT_SECRET"},
		{"unknown driver", func(c *Config) { c.StorageDriver = "mysql" }, "STORAGE_DRIVER"},
		{"neo4j needs password", func(c *Config) { c.StorageDriver = "neo4j"; c.Neo4jURI = "neo4j://x"; c.Neo4jUser = "neo4j" }, "NEO4J_PASSWORD"},
		{"bad rate limit", func(c *Config) { c.RateLimit = 0 }, "RATE_LIMIT"},
		{"bad ws rate window", func(c *Config) { c.WSRateWindow = 0 }, "WS_RATE_WINDOW"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateStorage_IgnoresServerSettings(t *testing.T) {
	cfg := &Config{StorageDriver: "sqlite3", SQLiteDSN: "file::memory:"}
	assert.NoError(t, cfg.ValidateStorage())
	assert.Error(t, cfg.Validate(), "serve still needs a port and a secret")
}

func TestPostgresDSN(t *testing.T) {
	cfg := &Config{PostgresHost: "db", PostgresUser: "u", PostgresPassword: "p", PostgresDB: "tasks", PostgresPort: "5432"}
	assert.Equal(t, "host=db user=u password=p dbname=tasks port=5432 sslmode=disable", cfg.PostgresDSN())
}
