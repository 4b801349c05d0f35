package config

import "time"

// TestfleetConfig represents the testfleet configuration file structure
type TestfleetConfig struct {
	// Defaults contains default settings for operations
	Defaults DefaultsConfig `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// Providers is a map of provider names to their configurations
	Providers map[string]ProviderConfig `yaml:"providers,omitempty" json:"providers,omitempty"`

	// Affinity pins sources to providers. The first matching rule wins.
	Affinity []AffinityRule `yaml:"affinity,omitempty" json:"affinity,omitempty"`
}

// ProviderConfig describes how a provider's test hosts run go test
type ProviderConfig struct {
	// GoFlags are added to every go test invocation
	GoFlags []string `yaml:"goFlags,omitempty" json:"goFlags,omitempty"`

	// Env entries (KEY=VALUE) are added to the test process environment
	Env []string `yaml:"env,omitempty" json:"env,omitempty"`

	// Command is the go binary to run (defaults to "go")
	Command string `yaml:"command,omitempty" json:"command,omitempty"`
}

// AffinityRule maps sources matching a path.Match pattern to a provider
type AffinityRule struct {
	Pattern  string `yaml:"pattern" json:"pattern"`
	Provider string `yaml:"provider" json:"provider"`
}

// DefaultsConfig contains default configuration values
type DefaultsConfig struct {
	// Timeout bounds a whole discovery or test run
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Parallel is the maximum number of concurrent test hosts
	Parallel int `yaml:"parallel,omitempty" json:"parallel,omitempty"`

	// OutputFormat is the default output format (table, json, yaml)
	OutputFormat string `yaml:"outputFormat,omitempty" json:"outputFormat,omitempty"`

	// NoColor disables colored output
	NoColor bool `yaml:"noColor,omitempty" json:"noColor,omitempty"`

	// BatchSize is how many discovered tests a host reports per event
	BatchSize int `yaml:"batchSize,omitempty" json:"batchSize,omitempty"`

	// GoFlags are added to every go test invocation unless default
	// adapters are skipped
	GoFlags []string `yaml:"goFlags,omitempty" json:"goFlags,omitempty"`

	// Telemetry enables per-adapter metrics in completions
	Telemetry bool `yaml:"telemetry,omitempty" json:"telemetry,omitempty"`
}
