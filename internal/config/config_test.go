package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/aryankumar/testfleet/internal/util"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), ".testfleet.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func loadConfig(t *testing.T, content string) *Manager {
	t.Helper()
	manager := NewManager(writeConfig(t, content))
	if _, err := manager.Load(); err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return manager
}

func TestManager_Load(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErr       bool
		wantProviders int
		wantTimeout   time.Duration
		wantParallel  int
		wantBatchSize int
		wantFormat    string
	}{
		{
			name: "valid config with providers",
			configContent: `
providers:
  race:
    goFlags: ["-race"]
  integration:
    env: ["DB_URL=postgres://localhost/test"]
    command: /usr/local/go/bin/go
affinity:
  - pattern: "*/integration"
    provider: integration
defaults:
  timeout: 60s
  parallel: 10
  outputFormat: json
  batchSize: 20
`,
			wantProviders: 2,
			wantTimeout:   60 * time.Second,
			wantParallel:  10,
			wantBatchSize: 20,
			wantFormat:    "json",
		},
		{
			name: "minimal config with defaults",
			configContent: `
providers:
  race:
    goFlags: ["-race"]
`,
			wantProviders: 1,
			wantTimeout:   10 * time.Minute,
			wantParallel:  4,
			wantBatchSize: 50,
			wantFormat:    "table",
		},
		{
			name:          "empty config",
			configContent: "",
			wantProviders: 0,
			wantTimeout:   10 * time.Minute,
			wantParallel:  4,
			wantBatchSize: 50,
			wantFormat:    "table",
		},
		{
			name: "unknown output format",
			configContent: `
defaults:
  outputFormat: xml
`,
			wantErr: true,
		},
		{
			name: "affinity to unknown provider",
			configContent: `
affinity:
  - pattern: "./pkg/*"
    provider: missing
`,
			wantErr: true,
		},
		{
			name: "malformed provider env",
			configContent: `
providers:
  broken:
    env: ["NOEQUALS"]
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewManager(writeConfig(t, tt.configContent))
			config, err := manager.Load()

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !errors.Is(err, util.ErrInvalidConfig) {
					t.Errorf("expected an invalid configuration error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if len(config.Providers) != tt.wantProviders {
				t.Errorf("got %d providers, want %d", len(config.Providers), tt.wantProviders)
			}
			if config.Defaults.Timeout != tt.wantTimeout {
				t.Errorf("got timeout %v, want %v", config.Defaults.Timeout, tt.wantTimeout)
			}
			if config.Defaults.Parallel != tt.wantParallel {
				t.Errorf("got parallel %d, want %d", config.Defaults.Parallel, tt.wantParallel)
			}
			if config.Defaults.BatchSize != tt.wantBatchSize {
				t.Errorf("got batch size %d, want %d", config.Defaults.BatchSize, tt.wantBatchSize)
			}
			if config.Defaults.OutputFormat != tt.wantFormat {
				t.Errorf("got output format %q, want %q", config.Defaults.OutputFormat, tt.wantFormat)
			}
		})
	}
}

func TestManager_LoadMissingFileUsesDefaults(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.yaml"))
	config, err := manager.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.Defaults.Parallel != DefaultParallel {
		t.Errorf("got parallel %d, want %d", config.Defaults.Parallel, DefaultParallel)
	}
}

func TestManager_EnvironmentOverrides(t *testing.T) {
	t.Setenv("TESTFLEET_DEFAULTS_PARALLEL", "7")
	t.Setenv("TESTFLEET_DEFAULTS_TELEMETRY", "true")

	manager := loadConfig(t, `
defaults:
  parallel: 2
`)
	config := manager.GetConfig()

	if config.Defaults.Parallel != 7 {
		t.Errorf("got parallel %d, want 7 from the environment", config.Defaults.Parallel)
	}
	if !config.Defaults.Telemetry {
		t.Error("expected telemetry enabled from the environment")
	}
}

func TestManager_GetProvider(t *testing.T) {
	manager := loadConfig(t, `
providers:
  race:
    goFlags: ["-race", "-count=1"]
    env: ["GORACE=halt_on_error=1"]
`)

	tests := []struct {
		name     string
		provider string
		wantOK   bool
		want     ProviderConfig
	}{
		{
			name:     "existing provider",
			provider: "race",
			wantOK:   true,
			want: ProviderConfig{
				GoFlags: []string{"-race", "-count=1"},
				Env:     []string{"GORACE=halt_on_error=1"},
			},
		},
		{
			name:     "missing provider",
			provider: "missing",
			wantOK:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := manager.GetProvider(tt.provider)
			if ok != tt.wantOK {
				t.Fatalf("got ok=%v, want %v", ok, tt.wantOK)
			}
			if ok && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestManager_SetAndRemoveProvider(t *testing.T) {
	manager := loadConfig(t, `
providers:
  race:
    goFlags: ["-race"]
affinity:
  - pattern: "race*"
    provider: race
  - pattern: "*"
    provider: race
`)

	manager.SetProvider("short", ProviderConfig{GoFlags: []string{"-short"}})
	if got := manager.ProviderNames(); !reflect.DeepEqual(got, []string{"race", "short"}) {
		t.Errorf("got providers %v", got)
	}

	manager.RemoveProvider("race")
	if got := manager.ProviderNames(); !reflect.DeepEqual(got, []string{"short"}) {
		t.Errorf("got providers %v after remove", got)
	}
	if len(manager.GetConfig().Affinity) != 0 {
		t.Errorf("expected affinity rules of the removed provider to be dropped, got %v", manager.GetConfig().Affinity)
	}
	if err := manager.Validate(); err != nil {
		t.Errorf("config should stay valid after remove: %v", err)
	}
}

func TestManager_ProviderFor(t *testing.T) {
	manager := loadConfig(t, `
providers:
  integration:
    env: ["DB=1"]
  race:
    goFlags: ["-race"]
affinity:
  - pattern: "pkg/db/*"
    provider: integration
  - pattern: "*_race"
    provider: race
`)

	tests := []struct {
		source string
		want   string
	}{
		{source: "pkg/db/postgres", want: "integration"},
		{source: "./pkg/db/mysql", want: "integration"},
		{source: "pkg/db", want: ""},
		{source: "internal/cache_race", want: "race"},
		{source: "cache_race", want: "race"},
		{source: "internal/cache", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			if got := manager.ProviderFor(tt.source); got != tt.want {
				t.Errorf("ProviderFor(%q) = %q, want %q", tt.source, got, tt.want)
			}
		})
	}

	got := manager.Affinities([]string{"pkg/db/postgres", "internal/cache"})
	if !reflect.DeepEqual(got, map[string]string{"pkg/db/postgres": "integration"}) {
		t.Errorf("unexpected affinities %v", got)
	}
}

func TestManager_Save(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "config.yaml")

	manager := NewManager(configPath)
	if _, err := manager.Load(); err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	manager.SetProvider("race", ProviderConfig{GoFlags: []string{"-race"}})

	if err := manager.Save(); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	reloaded := NewManager(configPath)
	config, err := reloaded.Load()
	if err != nil {
		t.Fatalf("failed to reload config: %v", err)
	}
	p, ok := config.Providers["race"]
	if !ok {
		t.Fatal("saved provider missing after reload")
	}
	if !reflect.DeepEqual(p.GoFlags, []string{"-race"}) {
		t.Errorf("got go flags %v, want [-race]", p.GoFlags)
	}
}

func TestManager_AddAffinity(t *testing.T) {
	manager := loadConfig(t, `
providers:
  race:
    goFlags: ["-race"]
  short:
    goFlags: ["-short"]
`)

	if err := manager.AddAffinity(AffinityRule{Pattern: "pkg/*", Provider: "race"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := manager.AddAffinity(AffinityRule{Pattern: "pkg/*", Provider: "short"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []AffinityRule{{Pattern: "pkg/*", Provider: "short"}}
	if got := manager.GetConfig().Affinity; !reflect.DeepEqual(got, want) {
		t.Errorf("got rules %v, want %v", got, want)
	}
	if got := manager.ProviderFor("pkg/cache"); got != "short" {
		t.Errorf("ProviderFor() = %q, want short", got)
	}

	tests := []struct {
		name string
		rule AffinityRule
	}{
		{name: "unknown provider", rule: AffinityRule{Pattern: "x/*", Provider: "missing"}},
		{name: "bad pattern", rule: AffinityRule{Pattern: "[", Provider: "race"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := manager.AddAffinity(tt.rule)
			if !errors.Is(err, util.ErrInvalidConfig) {
				t.Errorf("expected an invalid configuration error, got %v", err)
			}
		})
	}
}
