// Package config loads application settings from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the runtime settings for the server and worker.
type Config struct {
	Port               string
	GinMode            string
	CORSAllowedOrigins string

	// DataDir holds the uploads/ and output/ subdirectories.
	DataDir     string
	MaxFileSize int64

	GhostscriptPath  string
	TransformTimeout time.Duration
}

// Load reads settings from the environment, honoring an optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:               getEnv("PORT", "8000"),
		GinMode:            getEnv("GIN_MODE", "debug"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		DataDir:            getEnv("DATA_DIR", ".data"),
		MaxFileSize:        getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB
		GhostscriptPath:    getEnv("GHOSTSCRIPT_PATH", "gs"),
		TransformTimeout:   time.Duration(getEnvAsInt("TRANSFORM_TIMEOUT_SECONDS", 0)) * time.Second,
	}
}

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
