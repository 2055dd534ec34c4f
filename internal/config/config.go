package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the capture engine.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// Hook definitions
	HooksDir   string
	WatchHooks bool

	// Capture buffering
	MaxCaptures int

	// Streaming storage settings
	DataDir       string
	Streaming     bool
	BufferSize    int
	MaxFileSizeMB int

	// HTTP API
	APIPort int

	// Logging
	LogDir string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:    getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:       getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		HooksDir:      getEnvOrDefault("NETLENS_HOOKS_DIR", "./hooks"),
		WatchHooks:    getEnvBoolOrDefault("NETLENS_WATCH_HOOKS", true),
		MaxCaptures:   getEnvIntOrDefault("NETLENS_MAX_CAPTURES", 1000),
		DataDir:       getEnvOrDefault("NETLENS_DATA_DIR", "./capture_data"),
		Streaming:     getEnvBoolOrDefault("NETLENS_STREAMING", false),
		BufferSize:    getEnvIntOrDefault("NETLENS_BUFFER_SIZE", 1000),
		MaxFileSizeMB: getEnvIntOrDefault("NETLENS_MAX_FILE_SIZE_MB", 200),
		APIPort:       getEnvIntOrDefault("NETLENS_API_PORT", 8090),
		LogDir:        getEnvOrDefault("NETLENS_LOG_DIR", "./logs"),
	}

	return cfg, nil
}

// GetCDPURL returns the CDP HTTP endpoint used to resolve the browser
// websocket and by the chromedp remote allocator.
func (c *Config) GetCDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
