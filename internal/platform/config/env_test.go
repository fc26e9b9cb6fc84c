package config

import "testing"

type testConfig struct {
	Addr  string `env:"EVENTFORGE_TEST_ADDR" envDefault:"localhost:8080"`
	Limit int    `env:"EVENTFORGE_TEST_LIMIT" envDefault:"100"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg testConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != "localhost:8080" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.Limit != 100 {
		t.Fatalf("expected default limit, got %d", cfg.Limit)
	}
}

func TestParseEnvOverride(t *testing.T) {
	t.Setenv("EVENTFORGE_TEST_ADDR", "0.0.0.0:9000")
	t.Setenv("EVENTFORGE_TEST_LIMIT", "7")

	var cfg testConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Addr != "0.0.0.0:9000" {
		t.Fatalf("expected override addr, got %q", cfg.Addr)
	}
	if cfg.Limit != 7 {
		t.Fatalf("expected override limit, got %d", cfg.Limit)
	}
}
