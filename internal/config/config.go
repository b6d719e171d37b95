// Package config loads service settings from the environment, an optional
// .env file and command line flags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	StorageDriver string

	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresHost     string
	PostgresPort     string
	SQLiteDSN        string

	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	ServerPort       string
	JWTSecret        string
	LogLevel         string
	LogFormat        string
	PropagationDepth string
	RateLimit        int
	RateWindow       time.Duration
	WSRateLimit      int
	WSRateWindow     time.Duration
	AllowedOrigins   []string
}

const minJWTSecretLen = 32

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("STORAGE_DRIVER", "postgres")
	v.SetDefault("POSTGRES_HOST", "localhost")
	v.SetDefault("POSTGRES_PORT", "5432")
	v.SetDefault("SQLITE_DSN", "file:tasks.db?_busy_timeout=5000")
	v.SetDefault("NEO4J_URI", "neo4j://localhost:7687")
	v.SetDefault("NEO4J_USER", "neo4j")
	v.SetDefault("SERVER_PORT_TASKS", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("PROPAGATION_DEPTH", "parent")
	// allow max 5 login attempts per 15 minutes from the same IP
	v.SetDefault("RATE_LIMIT", 5)
	v.SetDefault("RATE_WINDOW", 15*time.Minute)
	// websocket connects have their own budget: 5 per second per IP
	v.SetDefault("WS_RATE_LIMIT", 5)
	v.SetDefault("WS_RATE_WINDOW", time.Second)
	v.SetDefault("ALLOWED_ORIGINS", "")
}

// Load reads .env (when present) into the process environment and then
// resolves every key through v, so flags bound to v take precedence.
func Load(v *viper.Viper) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	SetDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		StorageDriver:    strings.ToLower(v.GetString("STORAGE_DRIVER")),
		PostgresUser:     v.GetString("POSTGRES_USER"),
		PostgresPassword: v.GetString("POSTGRES_PASSWORD"),
		PostgresDB:       v.GetString("POSTGRES_DB"),
		PostgresHost:     v.GetString("POSTGRES_HOST"),
		PostgresPort:     v.GetString("POSTGRES_PORT"),
		SQLiteDSN:        v.GetString("SQLITE_DSN"),
		Neo4jURI:         v.GetString("NEO4J_URI"),
		Neo4jUser:        v.GetString("NEO4J_USER"),
		Neo4jPassword:    v.GetString("NEO4J_PASSWORD"),
		ServerPort:       v.GetString("SERVER_PORT_TASKS"),
		JWTSecret:        v.GetString("JWT_SECRET"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		LogFormat:        v.GetString("LOG_FORMAT"),
		PropagationDepth: v.GetString("PROPAGATION_DEPTH"),
		RateLimit:        v.GetInt("RATE_LIMIT"),
		RateWindow:       v.GetDuration("RATE_WINDOW"),
		WSRateLimit:      v.GetInt("WS_RATE_LIMIT"),
		WSRateWindow:     v.GetDuration("WS_RATE_WINDOW"),
		AllowedOrigins:   splitList(v.GetString("ALLOWED_ORIGINS")),
	}
	return cfg, nil
}

// Validate checks everything serve needs.
func (c *Config) Validate() error {
	if err := c.ValidateStorage(); err != nil {
		return err
	}
	if c.ServerPort == "" {
		return fmt.Errorf("environment variable SERVER_PORT_TASKS must be set")
	}
	if len(c.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLen)
	}
	if c.RateLimit <= 0 || c.RateWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT and RATE_WINDOW must be positive")
	}
	if c.WSRateLimit <= 0 || c.WSRateWindow <= 0 {
		return fmt.Errorf("WS_RATE_LIMIT and WS_RATE_WINDOW must be positive")
	}
	return nil
}

// ValidateStorage checks that the settings needed by the chosen storage driver
// are present. The maintenance commands only need this part.
func (c *Config) ValidateStorage() error {
	var required map[string]string
	switch c.StorageDriver {
	case "postgres":
		required = map[string]string{
			"POSTGRES_USER":     c.PostgresUser,
			"POSTGRES_PASSWORD": c.PostgresPassword,
			"POSTGRES_DB":       c.PostgresDB,
			"POSTGRES_HOST":     c.PostgresHost,
			"POSTGRES_PORT":     c.PostgresPort,
		}
	case "sqlite3":
		required = map[string]string{"SQLITE_DSN": c.SQLiteDSN}
	case "neo4j":
		required = map[string]string{
			"NEO4J_URI":      c.Neo4jURI,
			"NEO4J_USER":     c.Neo4jUser,
			"NEO4J_PASSWORD": c.Neo4jPassword,
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be one of postgres, sqlite3, neo4j (got %q)", c.StorageDriver)
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("environment variable %s must be set", name)
		}
	}
	return nil
}

// PostgresDSN builds a lib/pq connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		c.PostgresHost, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresPort)
}

// splitList turns "a, b,,c" into [a b c]. An empty string gives nil.
func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
