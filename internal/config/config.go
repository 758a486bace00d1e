package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the full application configuration surface.
type Config struct {
	Server    ServerConfig
	FHIR      FHIRConfig
	Reporting ReportingConfig
	MongoDB   MongoDBConfig
	Sheets    SheetsConfig
}

// ServerConfig holds HTTP server related options.
type ServerConfig struct {
	Port string
}

// FHIRConfig contains the remote FHIR store endpoint and the tag this
// application stamps on every resource it creates there.
type FHIRConfig struct {
	BaseURL        string
	TagSystem      string
	TagCode        string
	DefaultSubject string
	Timeout        time.Duration
}

// ReportingConfig holds the inventory snapshot schedule.
type ReportingConfig struct {
	CronSchedule string
}

// MongoDBConfig holds settings for the snapshot archive. Optional; an empty
// URI disables the sink.
type MongoDBConfig struct {
	URI    string
	DBName string
}

// SheetsConfig contains configuration for the Google Sheets snapshot export.
// Optional; an empty spreadsheet id disables the sink.
type SheetsConfig struct {
	CredentialsPath string
	SpreadsheetID   string
}

// Load reads environment variables (optionally from the provided file) and
// materializes a Config instance.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed loading env file %s: %w", envFile, err)
			}
		}
	} else {
		// Ignore the returned error here; missing .env files are acceptable when
		// configuration comes from the environment directly.
		_ = godotenv.Load()
	}

	timeout, err := time.ParseDuration(getenvWithDefault("FHIR_TIMEOUT", "15s"))
	if err != nil {
		return nil, fmt.Errorf("invalid FHIR_TIMEOUT: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: getenvWithDefault("APP_PORT", "8080"),
		},
		FHIR: FHIRConfig{
			BaseURL:        os.Getenv("FHIR_BASE_URL"),
			TagSystem:      getenvWithDefault("FHIR_TAG_SYSTEM", "https://medscan.dev/fhir/tags"),
			TagCode:        getenvWithDefault("FHIR_TAG_CODE", "medscan"),
			DefaultSubject: getenvWithDefault("FHIR_DEFAULT_SUBJECT", "Patient/anonymous"),
			Timeout:        timeout,
		},
		Reporting: ReportingConfig{
			CronSchedule: getenvWithDefault("SNAPSHOT_CRON_SCHEDULE", "0 6 * * *"),
		},
		MongoDB: MongoDBConfig{
			URI:    os.Getenv("MONGODB_URI"),
			DBName: getenvWithDefault("MONGODB_DB_NAME", "medscan"),
		},
		Sheets: SheetsConfig{
			CredentialsPath: os.Getenv("GOOGLE_SHEETS_CREDENTIALS_PATH"),
			SpreadsheetID:   os.Getenv("GOOGLE_SHEET_DATABASE_ID"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate ensures that required configuration fields are populated. The
// snapshot sinks are optional and skipped when unset.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if c.Server.Port == "" {
		return errors.New("APP_PORT must be provided")
	}

	switch {
	case c.FHIR.BaseURL == "":
		return errors.New("FHIR_BASE_URL must be provided")
	case c.FHIR.TagSystem == "":
		return errors.New("FHIR_TAG_SYSTEM must not be empty")
	case c.FHIR.TagCode == "":
		return errors.New("FHIR_TAG_CODE must not be empty")
	}

	if c.Reporting.CronSchedule == "" {
		return errors.New("SNAPSHOT_CRON_SCHEDULE must be provided")
	}

	if c.Sheets.SpreadsheetID != "" && c.Sheets.CredentialsPath == "" {
		return errors.New("GOOGLE_SHEETS_CREDENTIALS_PATH must be provided when a spreadsheet is configured")
	}

	return nil
}

func getenvWithDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
