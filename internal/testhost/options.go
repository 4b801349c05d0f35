package testhost

import (
	"log/slog"
	"time"

	"github.com/aryankumar/testfleet/internal/protocol"
)

const (
	// SettingsEnv carries the run settings into the test process
	SettingsEnv = "TESTFLEET_SETTINGS"

	// DefaultCommand is the go binary used when a provider names none
	DefaultCommand = "go"

	// DefaultGracePeriod is how long a stopped test process gets to exit
	// before it is killed
	DefaultGracePeriod = 5 * time.Second

	// DefaultResultBatchSize is how many results an execution worker
	// reports per progress event
	DefaultResultBatchSize = 10

	executorURIBase = "executor://go-test"
)

// Provider is a named test host flavour
type Provider struct {
	Name    string
	GoFlags []string
	Env     []string
	Command string
}

// ExecutorURI returns the URI reported with tests handled by p
func (p Provider) ExecutorURI() string {
	if p.Name == "" {
		return executorURIBase
	}
	return executorURIBase + "/" + p.Name
}

func (p Provider) command() string {
	if p.Command == "" {
		return DefaultCommand
	}
	return p.Command
}

// Options configure the workers a Factory creates
type Options struct {
	// Providers by name. A worker for an unknown provider uses the
	// default go command with no extra flags.
	Providers map[string]Provider

	// DefaultGoFlags are added to every go test invocation unless the
	// worker is initialized with skipDefaultAdapters
	DefaultGoFlags []string

	GracePeriod     time.Duration
	ResultBatchSize int
	Logger          *slog.Logger
}

// Factory creates local test host workers
type Factory struct {
	opts Options
}

// NewFactory creates a factory, filling in defaults
func NewFactory(opts Options) *Factory {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.ResultBatchSize <= 0 {
		opts.ResultBatchSize = DefaultResultBatchSize
	}
	return &Factory{opts: opts}
}

// NewDiscoveryWorker creates a discovery worker for provider
func (f *Factory) NewDiscoveryWorker(provider string) protocol.DiscoveryWorker {
	h := &DiscoveryHost{}
	h.setup(f.opts, f.provider(provider))
	return h
}

// NewExecutionWorker creates an execution worker for provider
func (f *Factory) NewExecutionWorker(provider string) protocol.ExecutionWorker {
	h := &ExecutionHost{}
	h.setup(f.opts, f.provider(provider))
	return h
}

func (f *Factory) provider(name string) Provider {
	if p, ok := f.opts.Providers[name]; ok {
		p.Name = name
		return p
	}
	if name != "" {
		f.opts.Logger.Warn("unknown provider, using defaults", "provider", name)
	}
	return Provider{Name: name}
}
