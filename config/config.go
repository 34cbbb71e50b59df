/*
Package config loads engine configuration.

PURPOSE:
  Immutable deployment configuration (paths, entities, listen address)
  comes from the environment at startup; the mutable engine settings
  (tolerances, auto-run schedule) start from environment defaults and
  can be changed at runtime through the settings endpoint, persisted in
  the store.

ENVIRONMENT:
  RECON_INPUT_ROOT     root folder containing per-entity input folders
  RECON_OUTPUT_DIR     folder for generated xlsx reports
  RECON_DB_PATH        sqlite database path
  RECON_ADDR           HTTP listen address (default :8000)
  RECON_AUTO_ENABLED   1/0
  RECON_AUTO_TIME_ET   HH:MM Eastern time (default 02:30)
  RECON_LOOKBACK_BDAYS business days the auto-run walks back (default 3)
  RECON_AMOUNT_TOL     absolute tolerance in dollars (default 1.00)
  RECON_PCT_TOL        percentage tolerance (default 0.25)
  RECON_LAG_BDAYS      settlement lag in business days (default 2)
  RECON_DATE_WINDOW    counterpart search window in days (default 0)
  RECON_RUN_TIMEOUT    per-run timeout (default 10m)
  RECON_LOG_LEVEL      logrus level (default info)

  A .env file in the working directory is loaded first when present.
*/
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/yomali/recon-engine/recon"
)

// EntityConfig describes one entity's input layout under InputRoot.
type EntityConfig struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	CRMFolder        string   `json:"crm_folder"`
	ProcessorFolders []string `json:"processor_folders"`
}

// Settings is the mutable engine configuration. It starts from
// environment defaults, persists in the store, and changes through
// PATCH /settings.
type Settings struct {
	ToleranceAbsDollars  float64         `json:"tolerance_abs"`
	TolerancePct         float64         `json:"tolerance_pct"`
	SettlementLagDays    int             `json:"settlement_lag_days"`
	DateWindowDays       int             `json:"date_window_days"`
	AutoEnabled          bool            `json:"auto_enabled"`
	AutoTimeET           string          `json:"auto_time_et"` // HH:MM Eastern
	LookbackBusinessDays int             `json:"lookback_business_days"`
	DedupeRefs           bool            `json:"dedupe_refs"`
	FeesNetted           map[string]bool `json:"fees_netted,omitempty"`

	// Path overrides. Empty means the environment-configured path.
	InputRoot string `json:"input_root,omitempty"`
	OutputDir string `json:"output_dir,omitempty"`
}

// ToleranceAbs returns the absolute tolerance in cents.
func (s Settings) ToleranceAbs() recon.Cents {
	return recon.CentsFromDecimal(decimal.NewFromFloat(s.ToleranceAbsDollars))
}

// Validate rejects settings no run could execute with.
func (s Settings) Validate() error {
	if s.ToleranceAbsDollars < 0 {
		return &recon.ValidationError{Field: "tolerance_abs", Message: "must be >= 0"}
	}
	if s.TolerancePct < 0 {
		return &recon.ValidationError{Field: "tolerance_pct", Message: "must be >= 0"}
	}
	if s.SettlementLagDays < 0 {
		return &recon.ValidationError{Field: "settlement_lag_days", Message: "must be >= 0"}
	}
	if s.DateWindowDays < 0 {
		return &recon.ValidationError{Field: "date_window_days", Message: "must be >= 0"}
	}
	if s.LookbackBusinessDays < 1 {
		return &recon.ValidationError{Field: "lookback_business_days", Message: "must be >= 1"}
	}
	if _, err := time.Parse("15:04", s.AutoTimeET); err != nil {
		return &recon.ValidationError{Field: "auto_time_et", Message: "must be HH:MM"}
	}
	return nil
}

// JSON is the canonical persisted form; Settings round-trips through
// the store's settings row unchanged.
func (s Settings) JSON() string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Config is the full engine configuration.
type Config struct {
	InputRoot  string
	OutputDir  string
	DBPath     string
	Addr       string
	RunTimeout time.Duration
	LogLevel   string

	Entities map[string]EntityConfig
	Settings Settings
}

// Entity looks up an entity by id.
func (c *Config) Entity(id string) (EntityConfig, bool) {
	e, ok := c.Entities[id]
	return e, ok
}

// Load reads configuration from the environment, loading a .env file
// first when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		InputRoot:  envStr("RECON_INPUT_ROOT", "./data/input"),
		OutputDir:  envStr("RECON_OUTPUT_DIR", "./data/output"),
		DBPath:     envStr("RECON_DB_PATH", "./data/recon.db"),
		Addr:       envStr("RECON_ADDR", ":8000"),
		LogLevel:   envStr("RECON_LOG_LEVEL", "info"),
		RunTimeout: envDuration("RECON_RUN_TIMEOUT", 10*time.Minute),
		Settings:   DefaultSettings(),
		Entities:   defaultEntities(),
	}

	if err := cfg.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings from environment: %w", err)
	}
	return cfg, nil
}

// DefaultSettings builds the mutable settings from environment defaults.
func DefaultSettings() Settings {
	return Settings{
		ToleranceAbsDollars:  envFloat("RECON_AMOUNT_TOL", 1.00),
		TolerancePct:         envFloat("RECON_PCT_TOL", 0.25),
		SettlementLagDays:    envInt("RECON_LAG_BDAYS", 2),
		DateWindowDays:       envInt("RECON_DATE_WINDOW", 0),
		AutoEnabled:          envBool("RECON_AUTO_ENABLED", true),
		AutoTimeET:           envStr("RECON_AUTO_TIME_ET", "02:30"),
		LookbackBusinessDays: envInt("RECON_LOOKBACK_BDAYS", 3),
	}
}

// defaultEntities is the built-in entity set. Deployments with more
// entities override via RECON_ENTITIES_JSON.
func defaultEntities() map[string]EntityConfig {
	if raw := os.Getenv("RECON_ENTITIES_JSON"); raw != "" {
		var entities map[string]EntityConfig
		if err := json.Unmarshal([]byte(raw), &entities); err == nil && len(entities) > 0 {
			return entities
		}
	}
	return map[string]EntityConfig{
		"helpgrid": {
			ID:               "helpgrid",
			Name:             "Helpgrid",
			CRMFolder:        "HG NAV Reports",
			ProcessorFolders: []string{"Braintree", "Stripe", "NMI"},
		},
	}
}

// =============================================================================
// ENV HELPERS
// =============================================================================

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || v == "true"
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
