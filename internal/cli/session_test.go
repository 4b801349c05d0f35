package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryankumar/testfleet/internal/report"
	"github.com/aryankumar/testfleet/internal/util"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("package p\n"), 0o644))
}

func TestResolveSources(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "a", "a_test.go"))
	touch(t, filepath.Join(root, "a", "b", "b_test.go"))
	touch(t, filepath.Join(root, "a", "z_test.go"))
	touch(t, filepath.Join(root, "c", "c.go"))
	touch(t, filepath.Join(root, "testdata", "x_test.go"))
	touch(t, filepath.Join(root, ".hidden", "x_test.go"))
	touch(t, filepath.Join(root, "_skip", "x_test.go"))
	touch(t, filepath.Join(root, "vendor", "v", "x_test.go"))

	tests := []struct {
		name    string
		args    []string
		want    []string
		wantErr error
	}{
		{
			name: "recursive pattern",
			args: []string{root + "/..."},
			want: []string{filepath.Join(root, "a"), filepath.Join(root, "a", "b")},
		},
		{
			name: "plain directories are deduplicated",
			args: []string{filepath.Join(root, "c"), filepath.Join(root, "c") + "/"},
			want: []string{filepath.Join(root, "c")},
		},
		{
			name: "pattern and directory overlap",
			args: []string{filepath.Join(root, "a", "b"), root + "/..."},
			want: []string{filepath.Join(root, "a", "b"), filepath.Join(root, "a")},
		},
		{
			name:    "pattern without test files",
			args:    []string{filepath.Join(root, "c") + "/..."},
			wantErr: util.ErrNoSources,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveSources(tt.args)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveSources_Errors(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file.go")
	touch(t, file)

	_, err := resolveSources([]string{file})
	assert.ErrorContains(t, err, "not a directory")

	_, err = resolveSources([]string{filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestAwaitCompletion(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("completes before the deadline", func(t *testing.T) {
		done := make(chan struct{})
		close(done)
		err := awaitCompletion(context.Background(), context.Background(), done, stopper{}, quiet)
		assert.NoError(t, err)
	})

	t.Run("timeout aborts", func(t *testing.T) {
		done := make(chan struct{})
		opCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		var aborted, cancelled bool
		err := awaitCompletion(context.Background(), opCtx, done, stopper{
			abort:  func(context.Context) { aborted = true; close(done) },
			cancel: func(context.Context) { cancelled = true; close(done) },
		}, quiet)
		assert.NoError(t, err)
		assert.True(t, aborted)
		assert.False(t, cancelled)
	})

	t.Run("interrupt cancels", func(t *testing.T) {
		done := make(chan struct{})
		parent, interrupt := context.WithCancel(context.Background())
		opCtx, cancel := context.WithTimeout(parent, time.Minute)
		defer cancel()
		interrupt()

		var aborted, cancelled bool
		err := awaitCompletion(parent, opCtx, done, stopper{
			abort:  func(context.Context) { aborted = true; close(done) },
			cancel: func(context.Context) { cancelled = true; close(done) },
		}, quiet)
		assert.NoError(t, err)
		assert.False(t, aborted)
		assert.True(t, cancelled)
	})
}

func TestRunFailure(t *testing.T) {
	tests := []struct {
		name     string
		report   report.RunReport
		wantIs   error
		contains string
	}{
		{name: "canceled", report: report.RunReport{Completed: true, IsCanceled: true}, wantIs: util.ErrCancelled},
		{name: "aborted", report: report.RunReport{Completed: true, IsAborted: true}, wantIs: util.ErrWorkerAborted},
		{name: "host error", report: report.RunReport{Completed: true, Error: "build failed"}, contains: "build failed"},
		{name: "failed tests", report: report.RunReport{Completed: true, Executed: 3, Failed: 2}, contains: "2 of 3 tests failed"},
		{name: "incomplete", report: report.RunReport{}, contains: "did not complete"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runFailure(tt.report)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
			if tt.contains != "" {
				assert.ErrorContains(t, err, tt.contains)
			}
		})
	}
}
