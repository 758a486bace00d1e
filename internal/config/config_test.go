package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		FHIR: FHIRConfig{
			BaseURL:        "https://hapi.fhir.org/baseR4",
			TagSystem:      "https://medscan.dev/fhir/tags",
			TagCode:        "medscan",
			DefaultSubject: "Patient/anonymous",
			Timeout:        15 * time.Second,
		},
		Reporting: ReportingConfig{CronSchedule: "0 6 * * *"},
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing base url", func(c *Config) { c.FHIR.BaseURL = "" }},
		{"missing tag system", func(c *Config) { c.FHIR.TagSystem = "" }},
		{"missing tag code", func(c *Config) { c.FHIR.TagCode = "" }},
		{"missing port", func(c *Config) { c.Server.Port = "" }},
		{"missing cron schedule", func(c *Config) { c.Reporting.CronSchedule = "" }},
		{"sheet without credentials", func(c *Config) { c.Sheets.SpreadsheetID = "sheet-1" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidate_SinksAreOptional(t *testing.T) {
	cfg := validConfig()
	cfg.MongoDB = MongoDBConfig{}
	cfg.Sheets = SheetsConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unset sinks must be accepted: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("FHIR_BASE_URL", "https://store.example.org/fhir")
	t.Setenv("APP_PORT", "")
	t.Setenv("FHIR_TAG_CODE", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("port default = %q", cfg.Server.Port)
	}
	if cfg.FHIR.TagCode != "medscan" {
		t.Errorf("tag code default = %q", cfg.FHIR.TagCode)
	}
	if cfg.FHIR.Timeout != 15*time.Second {
		t.Errorf("timeout default = %v", cfg.FHIR.Timeout)
	}
}
