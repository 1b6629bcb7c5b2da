package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dontskiphq/dontskip/pkg/credit"
)

func writeConfigFile(test *testing.T, contents string) string {
	test.Helper()
	path := filepath.Join(test.TempDir(), "dontskip.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		test.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadWithoutFileUsesDefaults(test *testing.T) {
	cfg, err := Load("")
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != defaultDatabasePath {
		test.Fatalf("unexpected database url %q", cfg.DatabaseURL)
	}
	if cfg.MaxDailyMinutes != defaultMaxDailyMinutes || cfg.GraceMinutes != defaultGraceMinutes {
		test.Fatalf("unexpected limits %d/%d", cfg.MaxDailyMinutes, cfg.GraceMinutes)
	}
	if cfg.RemoteConfig().Timeout != defaultBackendTimeoutSec*time.Second {
		test.Fatalf("unexpected backend timeout %s", cfg.RemoteConfig().Timeout)
	}
}

func TestLoadMergesWorkoutOverrides(test *testing.T) {
	path := writeConfigFile(test, `
backend_url: https://api.dontskip.example
backend_token: tok-123
max_daily_minutes: 240
grace_minutes: 20
expiry_days: 3
workouts:
  strength:
    multiplier_minutes: 12
    minimum_duration_minutes: 25
`)

	cfg, err := Load(path)
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	if cfg.BackendURL != "https://api.dontskip.example" || cfg.BackendToken != "tok-123" {
		test.Fatalf("backend settings not loaded: %+v", cfg)
	}
	if cfg.MaxDailyMinutes != 240 || cfg.GraceMinutes != 20 {
		test.Fatalf("limits not loaded: %d/%d", cfg.MaxDailyMinutes, cfg.GraceMinutes)
	}

	rules := cfg.ConversionRules()
	if rules.ExpiryDays != 3 {
		test.Fatalf("expiry override not applied: %d", rules.ExpiryDays)
	}
	strength := rules.Categories[credit.CategoryStrength]
	if strength.MultiplierMinutes != 12 || strength.MinimumDurationMinutes != 25 {
		test.Fatalf("strength override not applied: %+v", strength)
	}
	// Untouched categories keep the stock payout.
	if rules.Categories[credit.CategoryWalking].MultiplierMinutes != 5 {
		test.Fatalf("walking payout clobbered: %+v", rules.Categories[credit.CategoryWalking])
	}
}

func TestEnvironmentOverridesFile(test *testing.T) {
	path := writeConfigFile(test, "max_daily_minutes: 240\n")
	test.Setenv("DONTSKIP_MAX_DAILY_MINUTES", "90")

	cfg, err := Load(path)
	if err != nil {
		test.Fatalf("load: %v", err)
	}
	if cfg.MaxDailyMinutes != 90 {
		test.Fatalf("environment did not win: %d", cfg.MaxDailyMinutes)
	}
}

func TestLoadRejectsBadWorkoutRule(test *testing.T) {
	path := writeConfigFile(test, `
workouts:
  cardio:
    multiplier_minutes: 0
`)
	if _, err := Load(path); err == nil {
		test.Fatalf("expected rejection of zero multiplier")
	}
}
