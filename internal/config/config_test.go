package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"HTTP_ADDR", "DB_DRIVER", "AUTOSAVE_DELAY", "ENABLE_EXPIRY_SWEEP", "SHORT_TEXT_NORMALIZE", "CORS_ORIGINS"} {
		t.Setenv(k, "")
	}
	c := FromEnv()
	if c.HTTPAddr != ":8080" || c.DBDriver != "sqlite" || c.AutosaveDelay != 2*time.Second || c.TickInterval != time.Second {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if !c.EnableExpirySweep || c.ShortTextNormalize || c.SweepSchedule != "@every 30s" {
		t.Fatalf("unexpected engine defaults: %+v", c)
	}
	if !reflect.DeepEqual(c.CORSOrigins, []string{"http://localhost:3000"}) {
		t.Fatalf("unexpected origins: %v", c.CORSOrigins)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("AUTOSAVE_DELAY", "500ms")
	t.Setenv("TICK_INTERVAL", "nonsense")
	t.Setenv("ENABLE_EXPIRY_SWEEP", "no")
	t.Setenv("SHORT_TEXT_NORMALIZE", "1")
	t.Setenv("CORS_ORIGINS", " https://a.example , ,https://b.example")
	c := FromEnv()
	if c.DBDriver != "postgres" || c.AutosaveDelay != 500*time.Millisecond || c.TickInterval != time.Second {
		t.Fatalf("unexpected config: %+v", c)
	}
	if c.EnableExpirySweep || !c.ShortTextNormalize {
		t.Fatalf("unexpected flags: %+v", c)
	}
	if !reflect.DeepEqual(c.CORSOrigins, []string{"https://a.example", "https://b.example"}) {
		t.Fatalf("unexpected origins: %v", c.CORSOrigins)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SWEEP_SCHEDULE=@every 5m\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)
	t.Setenv("SWEEP_SCHEDULE", "")
	os.Unsetenv("SWEEP_SCHEDULE")

	if c := Load(); c.SweepSchedule != "@every 5m" {
		t.Fatalf("want schedule from .env, got %q", c.SweepSchedule)
	}
}
