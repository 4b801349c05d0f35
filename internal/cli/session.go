package cli

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aryankumar/testfleet/internal/config"
	"github.com/aryankumar/testfleet/internal/output"
	"github.com/aryankumar/testfleet/internal/testhost"
	"github.com/aryankumar/testfleet/internal/util"
)

// stopGrace bounds how long a stopped operation may take to deliver its
// final completion
const stopGrace = 30 * time.Second

// session holds what one discover or run invocation needs
type session struct {
	manager   *config.Manager
	defaults  config.DefaultsConfig
	factory   *testhost.Factory
	formatter output.Formatter
	settings  string
	logger    *slog.Logger
	out       io.Writer
}

func (o *rootOptions) newSession(cmd *cobra.Command, wide, noHeaders bool) (*session, error) {
	cfg := o.manager.GetConfig()

	format, ok := output.ParseFormat(cfg.Defaults.OutputFormat)
	if !ok {
		return nil, util.NewValidationError("output", cfg.Defaults.OutputFormat, "must be one of table, json, yaml")
	}

	var settings string
	if path, _ := cmd.Flags().GetString("settings"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read run settings: %w", err)
		}
		settings = string(data)
	}

	providers := make(map[string]testhost.Provider, len(cfg.Providers))
	for name, p := range cfg.Providers {
		providers[name] = testhost.Provider{
			Name:    name,
			GoFlags: p.GoFlags,
			Env:     p.Env,
			Command: p.Command,
		}
	}

	return &session{
		manager:  o.manager,
		defaults: cfg.Defaults,
		factory: testhost.NewFactory(testhost.Options{
			Providers:      providers,
			DefaultGoFlags: cfg.Defaults.GoFlags,
			Logger:         o.logger,
		}),
		formatter: output.NewFormatter(format,
			output.WithNoColor(cfg.Defaults.NoColor),
			output.WithNoHeaders(noHeaders),
			output.WithWide(wide),
		),
		settings: settings,
		logger:   o.logger,
		out:      cmd.OutOrStdout(),
	}, nil
}

// stopper stops an operation that is still running
type stopper struct {
	abort  func(ctx context.Context)
	cancel func(ctx context.Context)
}

// awaitCompletion waits for done. If opCtx ends first the operation is
// cancelled when parent was interrupted and aborted when it timed out.
func awaitCompletion(parent, opCtx context.Context, done <-chan struct{}, s stopper, logger *slog.Logger) error {
	select {
	case <-done:
		return nil
	case <-opCtx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()

	if parent.Err() != nil {
		logger.Warn("operation interrupted, cancelling")
		s.cancel(stopCtx)
	} else {
		logger.Warn("operation timed out, aborting")
		s.abort(stopCtx)
	}

	select {
	case <-done:
		return nil
	case <-stopCtx.Done():
		return fmt.Errorf("%w: operation did not stop within %s", util.ErrTimeout, stopGrace)
	}
}

// resolveSources turns package arguments into test source directories.
// A trailing "/..." selects every directory below the root that holds
// test files.
func resolveSources(args []string) ([]string, error) {
	if len(args) == 0 {
		args = []string{"."}
	}

	seen := make(map[string]bool)
	var sources []string
	add := func(dir string) {
		if !seen[dir] {
			seen[dir] = true
			sources = append(sources, dir)
		}
	}

	for _, arg := range args {
		if root, ok := strings.CutSuffix(arg, "..."); ok {
			root = filepath.Clean(strings.TrimSuffix(root, "/"))
			dirs, err := testDirs(root)
			if err != nil {
				return nil, err
			}
			for _, d := range dirs {
				add(d)
			}
			continue
		}

		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("package %s: %w", arg, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("package %s: not a directory", arg)
		}
		add(filepath.Clean(arg))
	}

	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: no packages with test files match %s", util.ErrNoSources, strings.Join(args, " "))
	}
	return sources, nil
}

// testDirs walks root and returns every directory that holds a _test.go
// file, skipping the directories the go command ignores
func testDirs(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (name == "testdata" || name == "vendor" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), "_test.go") {
			dir := filepath.Dir(path)
			if len(dirs) == 0 || dirs[len(dirs)-1] != dir {
				dirs = append(dirs, dir)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return dirs, nil
}
