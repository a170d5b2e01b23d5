package config

import (
	"fmt"
	"time"
)

// DatabaseConfig holds persistence configuration. The engine is selected
// at startup: "postgres" for the networked engine, "sqlite" for the
// embedded single-file engine. Engine-specific behavior (row-skip
// locking, advisory locks) degrades gracefully on sqlite.
type DatabaseConfig struct {
	Engine   string // "postgres" or "sqlite"
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Path is the sqlite database file. Ignored for postgres.
	Path string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadDatabaseConfig reads database settings from the environment.
func LoadDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Engine:          getEnvOrDefault("DB_ENGINE", "sqlite"),
		Host:            getEnvOrDefault("DB_HOST", "localhost"),
		Port:            getEnvInt("DB_PORT", 5432),
		User:            getEnvOrDefault("DB_USER", "conveyor"),
		Password:        getEnvOrDefault("DB_PASSWORD", ""),
		Database:        getEnvOrDefault("DB_NAME", "conveyor"),
		SSLMode:         getEnvOrDefault("DB_SSLMODE", "disable"),
		Path:            getEnvOrDefault("DB_PATH", "conveyor.db"),
		MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// DSN returns the postgres connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// IsPostgres reports whether the networked engine is configured.
func (c *DatabaseConfig) IsPostgres() bool {
	return c.Engine == "postgres"
}
