package protocol

import (
	"context"
	"log/slog"
)

// LogLevel is the severity of a message reported to a caller
type LogLevel int

const (
	LevelInformational LogLevel = iota
	LevelWarning
	LevelError
)

// String implements fmt.Stringer
func (l LogLevel) String() string {
	switch l {
	case LevelWarning:
		return "Warning"
	case LevelError:
		return "Error"
	default:
		return "Informational"
	}
}

// SlogLevel maps the level onto log/slog
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LevelWarning:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MessageLogger receives diagnostic messages
type MessageLogger interface {
	HandleLogMessage(level LogLevel, message string)
}

// RawMessageHandler receives serialized protocol messages
type RawMessageHandler interface {
	HandleRawMessage(raw string)
}

// DiscoveryEventsHandler receives discovery events
type DiscoveryEventsHandler interface {
	MessageLogger
	RawMessageHandler

	HandleDiscoveredTests(tests []TestCase)
	HandleDiscoveryComplete(args DiscoveryCompleteArgs, lastChunk []TestCase)
}

// RunEventsHandler receives execution events
type RunEventsHandler interface {
	MessageLogger
	RawMessageHandler

	HandleTestRunStatsChange(args RunChangedArgs)
	HandleTestRunComplete(args RunCompleteArgs, lastChunk *RunChangedArgs, runContextAttachments []AttachmentSet, executorURIs []string)
}

// DiscoveryWorker is a handle to one test host able to discover tests.
//
// Initialize may be called more than once and must be a no-op after the
// first success. Discover returns once discovery was dispatched; completion
// is reported through the handler. Abort, Cancel and Close must be safe to
// call repeatedly and on a worker that already finished.
type DiscoveryWorker interface {
	Initialize(ctx context.Context, skipDefaultAdapters bool) error
	Discover(ctx context.Context, criteria DiscoveryCriteria, handler DiscoveryEventsHandler) error
	Abort(ctx context.Context, handler DiscoveryEventsHandler) error
	Cancel(ctx context.Context, handler DiscoveryEventsHandler) error
	Close() error
}

// ExecutionWorker is a handle to one test host able to run tests.
// It follows the same contract as DiscoveryWorker.
type ExecutionWorker interface {
	Initialize(ctx context.Context, skipDefaultAdapters bool) error
	StartTestRun(ctx context.Context, criteria RunCriteria, handler RunEventsHandler) error
	Abort(ctx context.Context, handler RunEventsHandler) error
	Cancel(ctx context.Context, handler RunEventsHandler) error
	Close() error
}
