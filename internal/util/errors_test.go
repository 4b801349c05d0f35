package util

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestWorkerError(t *testing.T) {
	baseErr := errors.New("host crashed")
	workerErr := WrapWorkerError("w-1", "pkg/a", baseErr)

	if workerErr == nil {
		t.Fatal("expected error, got nil")
	}

	expectedMsg := "worker w-1 (pkg/a): host crashed"
	if workerErr.Error() != expectedMsg {
		t.Errorf("expected %q, got %q", expectedMsg, workerErr.Error())
	}

	if !errors.Is(workerErr, baseErr) {
		t.Error("expected worker error to wrap base error")
	}

	noSource := WrapWorkerError("w-2", "", baseErr)
	if noSource.Error() != "worker w-2: host crashed" {
		t.Errorf("unexpected message without source: %q", noSource.Error())
	}

	if WrapWorkerError("w", "s", nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestAggregateError(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		m := &AggregateError{}
		if m.ErrorOrNil() != nil {
			t.Error("expected nil for empty aggregate error")
		}
	})

	t.Run("single error", func(t *testing.T) {
		err := errors.New("test error")
		m := NewAggregateError([]error{err})

		if m.Error() != "test error" {
			t.Errorf("expected %q, got %q", "test error", m.Error())
		}
	})

	t.Run("preserves arrival order", func(t *testing.T) {
		m := &AggregateError{}
		m.Add(errors.New("first"))
		m.Add(nil)
		m.Add(errors.New("second"))

		if m.Len() != 2 {
			t.Fatalf("expected 2 errors, got %d", m.Len())
		}
		msg := m.Error()
		if !strings.Contains(msg, "2 errors occurred") {
			t.Errorf("unexpected message %q", msg)
		}
		if strings.Index(msg, "first") > strings.Index(msg, "second") {
			t.Errorf("expected first before second in %q", msg)
		}
	})

	t.Run("truncates long lists", func(t *testing.T) {
		m := &AggregateError{}
		for i := 0; i < 15; i++ {
			m.Add(fmt.Errorf("error %d", i))
		}
		if !strings.Contains(m.Error(), "and 5 more errors") {
			t.Errorf("expected truncation, got %q", m.Error())
		}
	})

	t.Run("unwrap", func(t *testing.T) {
		target := errors.New("target")
		m := NewAggregateError([]error{errors.New("other"), WrapWorkerError("w", "", target)})
		if !errors.Is(m, target) {
			t.Error("expected errors.Is to find wrapped error")
		}
		var workerErr *WorkerError
		if !errors.As(m, &workerErr) {
			t.Error("expected errors.As to find WorkerError")
		}
	})
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("parallel", -1, "must be positive")
	expected := `validation failed for field "parallel" (value: -1): must be positive`
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Error("validation errors should match ErrInvalidConfig")
	}

	noValue := NewValidationError("outputFormat", nil, "required")
	if noValue.Error() != `validation failed for field "outputFormat": required` {
		t.Errorf("unexpected message %q", noValue.Error())
	}
}

func TestErrorCheckers(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		checker func(error) bool
		want    bool
	}{
		{"timeout", fmt.Errorf("run: %w", ErrTimeout), IsTimeout, true},
		{"not timeout", errors.New("other"), IsTimeout, false},
		{"cancelled", fmt.Errorf("run: %w", ErrCancelled), IsCancelled, true},
		{"worker aborted", WrapWorkerError("w", "s", ErrWorkerAborted), IsWorkerAborted, true},
		{"nil", nil, IsWorkerAborted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.checker(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFriendlyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		contains string
	}{
		{"nil", nil, ""},
		{"timeout", ErrTimeout, "timed out"},
		{"cancelled", ErrCancelled, "cancelled"},
		{"no sources", ErrNoSources, "No test sources"},
		{"host", ErrHostNotFound, "provider command"},
		{"config", NewValidationError("x", nil, "bad"), "Invalid configuration"},
		{"unknown", errors.New("boom"), "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FriendlyError(tt.err)
			if !strings.Contains(got, tt.contains) {
				t.Errorf("expected %q to contain %q", got, tt.contains)
			}
		})
	}
}

func TestWrapErrorf(t *testing.T) {
	base := errors.New("base")
	err := WrapErrorf(base, "starting worker %d", 3)
	if err.Error() != "starting worker 3: base" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, base) {
		t.Error("expected wrapped error")
	}
	if WrapErrorf(nil, "x") != nil {
		t.Error("expected nil for nil error")
	}
}

func TestPanicError(t *testing.T) {
	base := errors.New("boom")
	if err := PanicError(base); !errors.Is(err, base) {
		t.Errorf("expected panic error to wrap %v, got %v", base, err)
	}
	if err := PanicError("text"); err.Error() != "panic: text" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
