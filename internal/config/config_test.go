package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.MaxAttempts != 4 {
		t.Errorf("MaxAttempts = %d, want 4", cfg.MaxAttempts)
	}
	if cfg.CacheTTL.Std() != 30*time.Minute {
		t.Errorf("CacheTTL = %v, want 30m", cfg.CacheTTL.Std())
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoadParsesFile(t *testing.T) {
	path := writeConfig(t, `{
		"workers": 8,
		"base_delay": "250ms",
		"cache_ttl": "1h",
		"platforms": {"youtube": "https://yt.example.com/api"},
		"topics": ["go concurrency"]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Workers)
	}
	if cfg.BaseDelay.Std() != 250*time.Millisecond {
		t.Errorf("BaseDelay = %v, want 250ms", cfg.BaseDelay.Std())
	}
	if cfg.CacheTTL.Std() != time.Hour {
		t.Errorf("CacheTTL = %v, want 1h", cfg.CacheTTL.Std())
	}
	if got := cfg.Platforms["youtube"]; got != "https://yt.example.com/api" {
		t.Errorf("Platforms[youtube] = %q", got)
	}
	if len(cfg.Topics) != 1 || cfg.Topics[0] != "go concurrency" {
		t.Errorf("Topics = %v", cfg.Topics)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `{"gemini_api_key": "from-file", "workers": 2}`)
	t.Setenv("GEMINI_API_KEY", "from-env")
	t.Setenv("WORKERS", "6")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.GeminiAPIKey != "from-env" {
		t.Errorf("GeminiAPIKey = %q, want from-env", cfg.GeminiAPIKey)
	}
	if cfg.Workers != 6 {
		t.Errorf("Workers = %d, want 6", cfg.Workers)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad duration", `{"base_delay": "soon"}`},
		{"bad log level", `{"log_level": "loud"}`},
		{"workers out of range", `{"workers": 999}`},
		{"base exceeds max", `{"base_delay": "1m", "max_delay": "1s"}`},
		{"degraded above unavailable", `{"degraded_after": 9, "unavailable_after": 3}`},
		{"bad platform url", `{"platforms": {"youtube": "not a url"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			if _, err := Load(path); err == nil {
				t.Errorf("Load() accepted invalid config %s", tt.content)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Load() on missing file should fail")
	}
}

func TestDurationRoundTrip(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"1m30s"`)); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if d.Std() != 90*time.Second {
		t.Errorf("d = %v, want 90s", d.Std())
	}
	out, err := d.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if string(out) != `"1m30s"` {
		t.Errorf("MarshalJSON = %s", out)
	}

	// Bare nanosecond numbers are accepted too.
	if err := d.UnmarshalJSON([]byte(`1000000000`)); err != nil {
		t.Fatalf("UnmarshalJSON number: %v", err)
	}
	if d.Std() != time.Second {
		t.Errorf("d = %v, want 1s", d.Std())
	}
}
