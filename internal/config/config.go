package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Config holds process configuration, read from the environment with an
// optional .env file.
type Config struct {
	DatabaseURL string
	HTTPAddr    string
	JWTSecret   string
	LogLevel    string
}

// Load reads configuration from a .env file (if present) and the
// environment. DATABASE_URL and JWT_SECRET are required.
func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
