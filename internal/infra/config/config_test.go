package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ensemble.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
providers:
  - name: bedrock
    type: bedrock
    model: claude-3
    region: us-east-1
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logger.Level != "info" || cfg.Logger.Format != "text" {
		t.Errorf("logger defaults = %+v", cfg.Logger)
	}
	if cfg.Router.ConfidenceThreshold != 0.4 {
		t.Errorf("confidence default = %v", cfg.Router.ConfidenceThreshold)
	}
	if cfg.Coordinator.MaxGroupRounds != 3 || cfg.Coordinator.TerminationSignal != "[DONE]" {
		t.Errorf("coordinator defaults = %+v", cfg.Coordinator)
	}
	if cfg.Resilience.MaxFailures != 5 || cfg.Resilience.RetryBackoff != 250*time.Millisecond {
		t.Errorf("resilience defaults = %+v", cfg.Resilience)
	}
	if cfg.Cost.BufferSize != 1024 || cfg.Cost.Encoding != "cl100k_base" {
		t.Errorf("cost defaults = %+v", cfg.Cost)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_ENSEMBLE_KEY", "sk-secret")
	cfg, err := Load(writeConfig(t, `
providers:
  - name: openai
    type: openai
    model: gpt-4o
    api_key: ${TEST_ENSEMBLE_KEY}
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers[0].APIKey != "sk-secret" {
		t.Errorf("api_key = %q, want env expansion", cfg.Providers[0].APIKey)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"no providers", "logger:\n  level: debug\n", "at least one provider"},
		{
			"unnamed provider",
			"providers:\n  - type: openai\n    model: m\n",
			"has no name",
		},
		{
			"duplicate provider",
			minimalConfig + "  - name: bedrock\n    type: bedrock\n    model: m\n",
			"duplicate provider",
		},
		{
			"unknown provider type",
			"providers:\n  - name: x\n    type: carrier-pigeon\n    model: m\n",
			"unknown type",
		},
		{
			"confidence out of range",
			minimalConfig + "router:\n  confidence_threshold: 1.5\n",
			"confidence_threshold",
		},
		{
			"rounds out of range",
			minimalConfig + "coordinator:\n  max_group_rounds: 50\n",
			"max_group_rounds",
		},
		{
			"unknown safety action",
			minimalConfig + "safety:\n  policies:\n    - name: p\n      pattern: x\n      action: explode\n",
			"unknown action",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("missing file must fail")
	}
}
