package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/aryankumar/testfleet/internal/util"
)

const (
	defaultConfigName = ".testfleet"
	defaultConfigDir  = ".testfleet"
	envPrefix         = "TESTFLEET"

	// DefaultTimeout bounds a whole operation when nothing else is set
	DefaultTimeout = 10 * time.Minute

	// DefaultParallel is the default number of concurrent test hosts
	DefaultParallel = 4

	// DefaultBatchSize is the default discovery batch size
	DefaultBatchSize = 50

	// DefaultOutputFormat is the default output format
	DefaultOutputFormat = "table"
)

// envKeys are the settings that can be overridden with TESTFLEET_* variables
var envKeys = []string{
	"defaults.timeout",
	"defaults.parallel",
	"defaults.outputFormat",
	"defaults.noColor",
	"defaults.batchSize",
	"defaults.telemetry",
}

// Manager handles testfleet configuration
type Manager struct {
	configPath string
	config     *TestfleetConfig
	viper      *viper.Viper
}

// NewManager creates a new configuration manager
func NewManager(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
		viper:      viper.New(),
		config:     &TestfleetConfig{},
	}
}

// Load loads the testfleet configuration from file
func (m *Manager) Load() (*TestfleetConfig, error) {
	if m.configPath != "" {
		m.viper.SetConfigFile(m.configPath)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		// Check ~/.testfleet/.testfleet.yaml, then ~/.testfleet.yaml
		m.viper.AddConfigPath(filepath.Join(home, defaultConfigDir))
		m.viper.AddConfigPath(home)
		m.viper.SetConfigName(defaultConfigName)
		m.viper.SetConfigType("yaml")
	}

	// TESTFLEET_DEFAULTS_PARALLEL overrides defaults.parallel
	m.viper.SetEnvPrefix(envPrefix)
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.viper.AutomaticEnv()
	for _, key := range envKeys {
		if err := m.viper.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	m.config = &TestfleetConfig{}

	if err := m.viper.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := m.viper.Unmarshal(m.config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	m.applyDefaults()

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m.config, nil
}

// Save saves the current configuration to file
func (m *Manager) Save() error {
	if m.configPath == "" {
		m.configPath = m.viper.ConfigFileUsed()
	}
	if m.configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		m.configPath = filepath.Join(home, defaultConfigName+".yaml")
	}

	dir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := m.viper.WriteConfigAs(m.configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfig returns the current configuration
func (m *Manager) GetConfig() *TestfleetConfig {
	return m.config
}

// Viper exposes the underlying viper instance so flags can be bound to it
func (m *Manager) Viper() *viper.Viper {
	return m.viper
}

// GetProvider returns configuration for a specific provider
func (m *Manager) GetProvider(name string) (ProviderConfig, bool) {
	p, ok := m.config.Providers[name]
	return p, ok
}

// SetProvider sets or updates configuration for a provider
func (m *Manager) SetProvider(name string, p ProviderConfig) {
	if m.config.Providers == nil {
		m.config.Providers = make(map[string]ProviderConfig)
	}
	m.config.Providers[name] = p
	m.viper.Set("providers", m.config.Providers)
}

// RemoveProvider removes a provider and every affinity rule pointing at it
func (m *Manager) RemoveProvider(name string) {
	delete(m.config.Providers, name)

	rules := m.config.Affinity[:0]
	for _, r := range m.config.Affinity {
		if r.Provider != name {
			rules = append(rules, r)
		}
	}
	m.config.Affinity = rules

	m.viper.Set("providers", m.config.Providers)
	m.viper.Set("affinity", m.config.Affinity)
}

// AddAffinity pins sources matching pattern to provider. A rule for the
// same pattern is replaced.
func (m *Manager) AddAffinity(rule AffinityRule) error {
	if _, err := path.Match(rule.Pattern, ""); err != nil {
		return util.NewValidationError("pattern", rule.Pattern, "is not a valid pattern")
	}
	if _, ok := m.config.Providers[rule.Provider]; !ok {
		return util.NewValidationError("provider", rule.Provider, "names an unknown provider")
	}

	for i, r := range m.config.Affinity {
		if r.Pattern == rule.Pattern {
			m.config.Affinity[i] = rule
			m.viper.Set("affinity", m.config.Affinity)
			return nil
		}
	}
	m.config.Affinity = append(m.config.Affinity, rule)
	m.viper.Set("affinity", m.config.Affinity)
	return nil
}

// ProviderNames returns the configured provider names, sorted
func (m *Manager) ProviderNames() []string {
	names := make([]string, 0, len(m.config.Providers))
	for name := range m.config.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderFor returns the provider a source is pinned to, or "" if no
// affinity rule matches
func (m *Manager) ProviderFor(source string) string {
	clean := filepath.ToSlash(filepath.Clean(source))
	for _, r := range m.config.Affinity {
		if matchesPattern(r.Pattern, clean) {
			return r.Provider
		}
	}
	return ""
}

// Affinities maps every source that matches an affinity rule to its provider
func (m *Manager) Affinities(sources []string) map[string]string {
	out := make(map[string]string)
	for _, s := range sources {
		if p := m.ProviderFor(s); p != "" {
			out[s] = p
		}
	}
	return out
}

// Validate checks the loaded configuration
func (m *Manager) Validate() error {
	d := m.config.Defaults
	if d.Parallel < 1 {
		return util.NewValidationError("defaults.parallel", d.Parallel, "must be at least 1")
	}
	if d.Timeout < 0 {
		return util.NewValidationError("defaults.timeout", d.Timeout, "must not be negative")
	}
	if d.BatchSize < 1 {
		return util.NewValidationError("defaults.batchSize", d.BatchSize, "must be at least 1")
	}
	switch d.OutputFormat {
	case "table", "json", "yaml":
	default:
		return util.NewValidationError("defaults.outputFormat", d.OutputFormat, "must be one of table, json, yaml")
	}

	for i, r := range m.config.Affinity {
		field := fmt.Sprintf("affinity[%d]", i)
		if _, err := path.Match(r.Pattern, ""); err != nil {
			return util.NewValidationError(field+".pattern", r.Pattern, "is not a valid pattern")
		}
		if _, ok := m.config.Providers[r.Provider]; !ok {
			return util.NewValidationError(field+".provider", r.Provider, "names an unknown provider")
		}
	}

	for name, p := range m.config.Providers {
		for _, kv := range p.Env {
			if !strings.Contains(kv, "=") {
				return util.NewValidationError("providers."+name+".env", kv, "must be KEY=VALUE")
			}
		}
	}
	return nil
}

// applyDefaults sets default values for configuration
func (m *Manager) applyDefaults() {
	if m.config == nil {
		return
	}

	if m.config.Defaults.Timeout == 0 {
		m.config.Defaults.Timeout = DefaultTimeout
	}
	if m.config.Defaults.Parallel == 0 {
		m.config.Defaults.Parallel = DefaultParallel
	}
	if m.config.Defaults.OutputFormat == "" {
		m.config.Defaults.OutputFormat = DefaultOutputFormat
	}
	if m.config.Defaults.BatchSize == 0 {
		m.config.Defaults.BatchSize = DefaultBatchSize
	}
}

// matchesPattern matches a slash-separated source against pattern. A
// pattern without a slash matches the last path element.
func matchesPattern(pattern, source string) bool {
	if ok, _ := path.Match(pattern, source); ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(source))
		return ok
	}
	return false
}
