package config

import (
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// GIVEN a clean environment
	// WHEN configuration loads
	// THEN every value takes its documented default
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Addr)
	assert.Equal(t, 1.00, cfg.Settings.ToleranceAbsDollars)
	assert.Equal(t, 0.25, cfg.Settings.TolerancePct)
	assert.Equal(t, 2, cfg.Settings.SettlementLagDays)
	assert.Equal(t, 0, cfg.Settings.DateWindowDays)
	assert.True(t, cfg.Settings.AutoEnabled)
	assert.Equal(t, "02:30", cfg.Settings.AutoTimeET)
	assert.Equal(t, 3, cfg.Settings.LookbackBusinessDays)

	entity, ok := cfg.Entity("helpgrid")
	require.True(t, ok)
	assert.Equal(t, "Helpgrid", entity.Name)
	assert.Equal(t, "HG NAV Reports", entity.CRMFolder)
	assert.Equal(t, []string{"Braintree", "Stripe", "NMI"}, entity.ProcessorFolders)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RECON_ADDR", ":9100")
	t.Setenv("RECON_AMOUNT_TOL", "2.50")
	t.Setenv("RECON_AUTO_ENABLED", "0")
	t.Setenv("RECON_LOOKBACK_BDAYS", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Addr)
	assert.Equal(t, 2.50, cfg.Settings.ToleranceAbsDollars)
	assert.False(t, cfg.Settings.AutoEnabled)
	assert.Equal(t, 5, cfg.Settings.LookbackBusinessDays)
}

func TestLoadEntitiesFromJSON(t *testing.T) {
	t.Setenv("RECON_ENTITIES_JSON", `{"acme":{"id":"acme","name":"Acme","crm_folder":"Acme NAV","processor_folders":["Stripe"]}}`)

	cfg, err := Load()
	require.NoError(t, err)

	entity, ok := cfg.Entity("acme")
	require.True(t, ok)
	assert.Equal(t, "Acme NAV", entity.CRMFolder)
	_, ok = cfg.Entity("helpgrid")
	assert.False(t, ok)
}

func TestSettingsToleranceAbsCents(t *testing.T) {
	s := Settings{ToleranceAbsDollars: 1.00}
	assert.EqualValues(t, 100, s.ToleranceAbs())

	s.ToleranceAbsDollars = 0.015
	// Half cents round to the nearest cent.
	assert.EqualValues(t, 2, s.ToleranceAbs())
}

func TestSettingsValidate(t *testing.T) {
	valid := DefaultSettings()
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"negative tolerance", func(s *Settings) { s.ToleranceAbsDollars = -1 }},
		{"negative pct", func(s *Settings) { s.TolerancePct = -0.1 }},
		{"negative lag", func(s *Settings) { s.SettlementLagDays = -1 }},
		{"zero lookback", func(s *Settings) { s.LookbackBusinessDays = 0 }},
		{"bad auto time", func(s *Settings) { s.AutoTimeET = "25:99" }},
		{"free-text auto time", func(s *Settings) { s.AutoTimeET = "early" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := DefaultSettings()
			tc.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestSettingsJSONRoundTrip(t *testing.T) {
	s := DefaultSettings()
	s.FeesNetted = map[string]bool{"braintree": true}

	var got Settings
	require.NoError(t, json.Unmarshal([]byte(s.JSON()), &got))
	assert.Equal(t, s, got)
}

func TestNewLogger(t *testing.T) {
	log := NewLogger("debug")
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	log = NewLogger("not-a-level")
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}
