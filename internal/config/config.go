package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	ConfigDir      string
	DebugTrace     bool
	DebugTraceAddr string
	LogLevel       string
	LogFormat      string
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	configDir := getEnv("DRIFTCODE_CONFIG_DIR", "")
	if configDir == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			dir = "."
		}
		configDir = filepath.Join(dir, "driftcode")
	}

	cfg := &Config{
		ConfigDir:      configDir,
		DebugTrace:     getEnvAsBool("DRIFTCODE_DEBUG_TRACE", false),
		DebugTraceAddr: getEnv("DRIFTCODE_DEBUG_TRACE_ADDR", "127.0.0.1:0"),
		LogLevel:       getEnv("DRIFTCODE_LOG_LEVEL", "info"),
		LogFormat:      getEnv("DRIFTCODE_LOG_FORMAT", "json"),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := strings.ToLower(getEnv(key, ""))
	switch valueStr {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}
