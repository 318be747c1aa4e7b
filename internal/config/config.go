// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir string // Base directory for all databases (always absolute)

	Port     int
	DevMode  bool
	LogLevel string

	// ServiceToken is the pre-shared bearer used for service-to-service
	// calls (coordinator callbacks, the stale sweeper, agent completions).
	ServiceToken string

	// AgentBaseURL is where agent functions are invoked, one endpoint per
	// function name: {AgentBaseURL}/{functionName}.
	AgentBaseURL string

	// Alpaca endpoints. Per-user API keys come from user settings; these
	// select the environment.
	AlpacaPaperBaseURL string
	AlpacaLiveBaseURL  string

	// Stale-analysis sweeper tuning.
	StaleThreshold  time.Duration
	MaxReactivation int

	Backup *BackupConfig
}

// BackupConfig holds S3-compatible backup settings. Disabled when the bucket
// is empty.
type BackupConfig struct {
	Bucket          string
	Endpoint        string // custom endpoint for S3-compatible stores, empty for AWS
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	RetainDays      int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("TRADEPILOT_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:            absDataDir,
		Port:               getEnvAsInt("PORT", 8090),
		DevMode:            getEnvAsBool("DEV_MODE", false),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		ServiceToken:       getEnv("SERVICE_TOKEN", ""),
		AgentBaseURL:       getEnv("AGENT_BASE_URL", "http://localhost:8091/agents"),
		AlpacaPaperBaseURL: getEnv("ALPACA_PAPER_BASE_URL", "https://paper-api.alpaca.markets"),
		AlpacaLiveBaseURL:  getEnv("ALPACA_LIVE_BASE_URL", "https://api.alpaca.markets"),
		StaleThreshold:     time.Duration(getEnvAsInt("STALE_THRESHOLD_SECONDS", 210)) * time.Second,
		MaxReactivation:    getEnvAsInt("MAX_REACTIVATION_ATTEMPTS", 3),
		Backup:             loadBackupConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.ServiceToken == "" && !c.DevMode {
		return fmt.Errorf("SERVICE_TOKEN is required outside dev mode")
	}
	return nil
}

func loadBackupConfig() *BackupConfig {
	return &BackupConfig{
		Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
		Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
		Region:          getEnv("BACKUP_S3_REGION", "auto"),
		AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
		RetainDays:      getEnvAsInt("BACKUP_RETAIN_DAYS", 14),
	}
}

// Enabled reports whether backups are configured.
func (b *BackupConfig) Enabled() bool {
	return b != nil && b.Bucket != ""
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
