package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestInitConfig_Success(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	configPath, err := InitConfig(false)
	if err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	for _, section := range []string{
		"# DittoVFS Configuration File",
		"logging:",
		"metrics:",
		"service:",
		"providers:",
	} {
		if !strings.Contains(string(content), section) {
			t.Errorf("Config file missing section: %s", section)
		}
	}
}

func TestInitConfig_AlreadyExists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if _, err := InitConfig(false); err != nil {
		t.Fatalf("First InitConfig failed: %v", err)
	}
	_, err := InitConfig(false)
	if err == nil {
		t.Fatal("Expected error when config already exists")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("Expected 'already exists' error, got: %v", err)
	}
}

func TestInitConfigToPath_ForceOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := InitConfigToPath(path, true); err != nil {
		t.Fatalf("InitConfigToPath with force failed: %v", err)
	}
	content, _ := os.ReadFile(path)
	if string(content) == "old" {
		t.Error("Config file was not overwritten")
	}
}

func TestGenerateYAMLWithComments_ValidYAML(t *testing.T) {
	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		t.Fatalf("generateYAMLWithComments failed: %v", err)
	}

	var parsed map[string]any
	if err := yaml.Unmarshal([]byte(content), &parsed); err != nil {
		t.Fatalf("Generated YAML is invalid: %v", err)
	}
	if _, ok := parsed["providers"]; !ok {
		t.Error("Generated YAML has no providers")
	}
}

func TestGeneratedConfigIsLoadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := InitConfigToPath(path, false); err != nil {
		t.Fatalf("InitConfigToPath failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Generated config failed to load: %v", err)
	}

	want := GetDefaultConfig()
	if len(cfg.Providers) != len(want.Providers) {
		t.Fatalf("Expected %d providers, got %d", len(want.Providers), len(cfg.Providers))
	}
	for i := range want.Providers {
		if cfg.Providers[i].Scheme != want.Providers[i].Scheme || cfg.Providers[i].Type != want.Providers[i].Type {
			t.Errorf("providers[%d]: expected %s/%s, got %s/%s", i,
				want.Providers[i].Scheme, want.Providers[i].Type,
				cfg.Providers[i].Scheme, cfg.Providers[i].Type)
		}
	}
	if cfg.Service.StreamChunkSize != want.Service.StreamChunkSize {
		t.Errorf("Expected stream_chunk_size %d, got %d", want.Service.StreamChunkSize, cfg.Service.StreamChunkSize)
	}
}

func TestSchemaJSON(t *testing.T) {
	out, err := SchemaJSON()
	if err != nil {
		t.Fatalf("SchemaJSON failed: %v", err)
	}

	var schema map[string]any
	if err := json.Unmarshal(out, &schema); err != nil {
		t.Fatalf("Schema is not valid JSON: %v", err)
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("Schema has no properties: %s", out)
	}
	for _, key := range []string{"logging", "metrics", "service", "providers"} {
		if _, ok := props[key]; !ok {
			t.Errorf("Schema missing property %q", key)
		}
	}
}
