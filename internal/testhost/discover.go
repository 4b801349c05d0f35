package testhost

import (
	"context"
	"fmt"
	"go/ast"
	"go/build"
	"go/parser"
	"go/token"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/aryankumar/testfleet/internal/metrics"
	"github.com/aryankumar/testfleet/internal/protocol"
)

// ParseSource returns the top-level tests declared in the _test.go files
// of the package in dir, in file and declaration order. Files excluded by
// build constraints are skipped. A non-nil filter keeps only matching
// test names.
func ParseSource(dir string, filter *regexp.Regexp, executorURI string) ([]protocol.TestCase, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*_test.go"))
	if err != nil {
		return nil, fmt.Errorf("failed to list test files in %s: %w", dir, err)
	}

	fset := token.NewFileSet()
	var tests []protocol.TestCase
	for _, path := range files {
		match, err := build.Default.MatchFile(dir, filepath.Base(path))
		if err != nil {
			return nil, fmt.Errorf("failed to read build constraints of %s: %w", path, err)
		}
		if !match {
			continue
		}

		file, err := parser.ParseFile(fset, path, nil, parser.SkipObjectResolution)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}

		for _, decl := range file.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || !isTestFunc(fn) {
				continue
			}
			name := fn.Name.Name
			if filter != nil && !filter.MatchString(name) {
				continue
			}
			tests = append(tests, protocol.TestCase{
				FullyQualifiedName: qualifiedName(dir, name),
				DisplayName:        name,
				Source:             dir,
				ExecutorURI:        executorURI,
			})
		}
	}
	return tests, nil
}

// isTestFunc reports whether fn has the shape go test runs:
// func TestXxx(t *testing.T)
func isTestFunc(fn *ast.FuncDecl) bool {
	if fn.Recv != nil || fn.Type.TypeParams != nil || fn.Type.Results != nil {
		return false
	}

	name := fn.Name.Name
	if !strings.HasPrefix(name, "Test") || name == "TestMain" {
		return false
	}
	if rest := name[len("Test"):]; rest != "" {
		if r, _ := utf8.DecodeRuneInString(rest); unicode.IsLower(r) {
			return false
		}
	}

	params := fn.Type.Params.List
	if len(params) != 1 || len(params[0].Names) > 1 {
		return false
	}
	star, ok := params[0].Type.(*ast.StarExpr)
	if !ok {
		return false
	}
	sel, ok := star.X.(*ast.SelectorExpr)
	return ok && sel.Sel.Name == "T"
}

func qualifiedName(source, test string) string {
	return source + "." + test
}

// testName returns the name go test knows tc by
func testName(tc protocol.TestCase) string {
	if name, ok := strings.CutPrefix(tc.FullyQualifiedName, tc.Source+"."); ok {
		return name
	}
	return tc.Name()
}

// DiscoveryHost discovers tests by parsing package sources
type DiscoveryHost struct {
	host
}

// Initialize marks the host ready
func (h *DiscoveryHost) Initialize(ctx context.Context, skipDefaultAdapters bool) error {
	return h.initialize(skipDefaultAdapters, nil)
}

// Discover parses criteria's sources on its own goroutine, streaming tests
// in batches of criteria.BatchSize
func (h *DiscoveryHost) Discover(ctx context.Context, criteria protocol.DiscoveryCriteria, handler protocol.DiscoveryEventsHandler) error {
	var filter *regexp.Regexp
	if criteria.TestCaseFilter != "" {
		re, err := regexp.Compile(criteria.TestCaseFilter)
		if err != nil {
			return fmt.Errorf("invalid test case filter %q: %w", criteria.TestCaseFilter, err)
		}
		filter = re
	}

	runCtx, err := h.begin()
	if err != nil {
		return err
	}

	go h.discover(runCtx, criteria, filter, handler)
	return nil
}

func (h *DiscoveryHost) discover(ctx context.Context, criteria protocol.DiscoveryCriteria, filter *regexp.Regexp, handler protocol.DiscoveryEventsHandler) {
	started := time.Now()
	uri := h.provider.ExecutorURI()
	batchSize := max(criteria.BatchSize, 1)

	var pending []protocol.TestCase
	var total int64
	for _, source := range criteria.Sources {
		if ctx.Err() != nil {
			break
		}

		tests, err := ParseSource(source, filter, uri)
		if err != nil {
			h.logger.Warn("discovery failed", "source", source, "error", err)
			notify(handler, protocol.LevelWarning, fmt.Sprintf("Discovery failed for %s: %v", source, err))
			continue
		}
		if len(tests) == 0 {
			notify(handler, protocol.LevelInformational, fmt.Sprintf("No tests found in %s", source))
			continue
		}

		total += int64(len(tests))
		pending = append(pending, tests...)
		for len(pending) > batchSize {
			batch := pending[:batchSize:batchSize]
			pending = pending[batchSize:]
			sendRaw(handler, protocol.MessageTestCasesFound, batch)
			handler.HandleDiscoveredTests(batch)
		}
	}

	state := h.end()
	elapsed := time.Since(started).Seconds()

	args := protocol.DiscoveryCompleteArgs{
		TotalCount: total,
		IsAborted:  state.stopped(),
		Metrics: map[string]any{
			metrics.DiscoveryTestsByAdapter + uri: total,
			metrics.DiscoveryAdapterTime + uri:    elapsed,
			metrics.DiscoveryTotalAdapterTime:     elapsed,
			metrics.DiscoveryState:                metrics.StateOf(state.aborted, state.canceled),
		},
	}
	if args.IsAborted {
		args.TotalCount = -1
	}

	h.logger.Debug("discovery finished", "tests", total, "aborted", args.IsAborted)

	sendRaw(handler, protocol.MessageDiscoveryComplete, protocol.DiscoveryCompletePayload{
		TotalTests:          args.TotalCount,
		IsAborted:           args.IsAborted,
		LastDiscoveredTests: pending,
		Metrics:             args.Metrics,
	})
	handler.HandleDiscoveryComplete(args, pending)
}

// Abort stops a running discovery. It is a no-op when nothing runs.
func (h *DiscoveryHost) Abort(ctx context.Context, handler protocol.DiscoveryEventsHandler) error {
	h.requestStop(false)
	return nil
}

// Cancel stops a running discovery. It is a no-op when nothing runs.
func (h *DiscoveryHost) Cancel(ctx context.Context, handler protocol.DiscoveryEventsHandler) error {
	h.requestStop(true)
	return nil
}
