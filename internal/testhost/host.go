package testhost

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aryankumar/testfleet/internal/protocol"
)

// stopState records why a run was stopped
type stopState struct {
	aborted  bool
	canceled bool
}

func (s stopState) stopped() bool {
	return s.aborted || s.canceled
}

// host holds the lifecycle shared by both worker kinds. One run is active
// at a time.
type host struct {
	id       string
	provider Provider
	opts     Options
	logger   *slog.Logger

	mu                  sync.Mutex
	initialized         bool
	skipDefaultAdapters bool
	closed              bool
	cancelRun           context.CancelFunc
	stop                stopState
	runDone             chan struct{}
}

func (h *host) setup(opts Options, provider Provider) {
	h.id = uuid.NewString()
	h.provider = provider
	h.opts = opts
	h.logger = opts.Logger.With("host", h.id, "provider", provider.Name)
}

func (h *host) String() string {
	return fmt.Sprintf("go-test host %s", h.id)
}

// initialize marks the host ready. Later calls are no-ops.
func (h *host) initialize(skipDefaultAdapters bool, check func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("%s: closed", h)
	}
	if h.initialized {
		return nil
	}
	if check != nil {
		if err := check(); err != nil {
			return err
		}
	}
	h.initialized = true
	h.skipDefaultAdapters = skipDefaultAdapters
	h.logger.Debug("host initialized", "skip_default_adapters", skipDefaultAdapters)
	return nil
}

// begin starts a run and returns the context that is canceled when the
// run is stopped
func (h *host) begin() (context.Context, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fmt.Errorf("%s: closed", h)
	}
	if h.cancelRun != nil {
		return nil, fmt.Errorf("%s: a run is already active", h)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancelRun = cancel
	h.stop = stopState{}
	h.runDone = make(chan struct{})
	return ctx, nil
}

// end finishes the active run and returns how it was stopped, if at all
func (h *host) end() stopState {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancelRun != nil {
		h.cancelRun()
		h.cancelRun = nil
	}
	if h.runDone != nil {
		close(h.runDone)
		h.runDone = nil
	}
	return h.stop
}

// requestStop stops the active run. It is a no-op when nothing runs.
func (h *host) requestStop(cancel bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancelRun == nil {
		return
	}
	if cancel {
		h.stop.canceled = true
	} else {
		h.stop.aborted = true
	}
	h.cancelRun()
}

// stopped returns the stop state of the active run
func (h *host) stopped() stopState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stop
}

// Close aborts any active run and waits up to the grace period for it to
// wind down
func (h *host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	done := h.runDone
	h.mu.Unlock()

	h.requestStop(false)
	if done != nil {
		select {
		case <-done:
		case <-time.After(h.opts.GracePeriod):
			h.logger.Warn("run did not finish before close")
		}
	}
	return nil
}

func (h *host) goFlags() []string {
	h.mu.Lock()
	skip := h.skipDefaultAdapters
	h.mu.Unlock()

	var flags []string
	if !skip {
		flags = append(flags, h.opts.DefaultGoFlags...)
	}
	return append(flags, h.provider.GoFlags...)
}

// notify sends a message through both the structured and the raw channel
func notify(handler interface {
	protocol.MessageLogger
	protocol.RawMessageHandler
}, level protocol.LogLevel, message string) {
	sendRaw(handler, protocol.MessageTestMessage, protocol.TestMessagePayload{
		MessageLevel: level,
		Message:      message,
	})
	handler.HandleLogMessage(level, message)
}

func sendRaw(handler protocol.RawMessageHandler, messageType string, payload any) {
	raw, err := protocol.NewRawMessage(messageType, payload)
	if err != nil {
		slog.Warn("failed to encode raw message", "type", messageType, "error", err)
		return
	}
	handler.HandleRawMessage(raw)
}
