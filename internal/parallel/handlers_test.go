package parallel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryankumar/testfleet/internal/protocol"
	"github.com/aryankumar/testfleet/internal/testhost/fakehost"
)

// rawRecorder records the raw messages and logs it receives
type rawRecorder struct {
	raws []string
	logs []string
}

func (r *rawRecorder) HandleRawMessage(raw string) { r.raws = append(r.raws, raw) }

func (r *rawRecorder) HandleLogMessage(level protocol.LogLevel, message string) {
	r.logs = append(r.logs, level.String()+": "+message)
}

func (r *rawRecorder) HandleDiscoveredTests([]protocol.TestCase) {}

func (r *rawRecorder) HandleDiscoveryComplete(protocol.DiscoveryCompleteArgs, []protocol.TestCase) {}

func (r *rawRecorder) HandleTestRunStatsChange(protocol.RunChangedArgs) {}

func (r *rawRecorder) HandleTestRunComplete(protocol.RunCompleteArgs, *protocol.RunChangedArgs, []protocol.AttachmentSet, []string) {
}

func mustRaw(t *testing.T, messageType string, payload any) string {
	t.Helper()
	raw, err := protocol.NewRawMessage(messageType, payload)
	require.NoError(t, err)
	return raw
}

func TestHandlers_RawMessageRouting(t *testing.T) {
	fleet := fakehost.NewFleet(fakehost.Behavior{})

	tests := []struct {
		name      string
		raw       string
		forwarded bool
	}{
		{name: "discovery completion", raw: mustRaw(t, protocol.MessageDiscoveryComplete, protocol.DiscoveryCompletePayload{TotalTests: 3}), forwarded: false},
		{name: "execution completion", raw: mustRaw(t, protocol.MessageExecutionComplete, protocol.RunCompletePayload{}), forwarded: false},
		{name: "session message", raw: mustRaw(t, protocol.MessageTestMessage, protocol.TestMessagePayload{Message: "hello"}), forwarded: true},
		{name: "tests found", raw: mustRaw(t, protocol.MessageTestCasesFound, []protocol.TestCase{{Source: "a"}}), forwarded: true},
		{name: "stats change", raw: mustRaw(t, protocol.MessageTestRunStatsChange, protocol.RunChangedArgs{}), forwarded: true},
		{name: "undecodable", raw: "not json at all", forwarded: true},
		{name: "no message type", raw: `{"Payload":1}`, forwarded: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := &rawRecorder{}

			dm := NewDiscoveryManager(1, fleet.NewDiscoveryHost, nil, testLogger())
			dh := newDiscoveryHandler(dm, nil, caller)
			dh.HandleRawMessage(tt.raw)

			em := NewExecutionManager(1, fleet.NewExecutionHost, nil, testLogger())
			eh := newExecutionHandler(em, nil, caller)
			eh.HandleRawMessage(tt.raw)

			if tt.forwarded {
				assert.Equal(t, []string{tt.raw, tt.raw}, caller.raws, "forwarded unchanged")
			} else {
				assert.Empty(t, caller.raws)
			}
		})
	}
}

func TestHandlers_LogMessagesForwarded(t *testing.T) {
	fleet := fakehost.NewFleet(fakehost.Behavior{})
	caller := &rawRecorder{}

	dm := NewDiscoveryManager(1, fleet.NewDiscoveryHost, nil, testLogger())
	newDiscoveryHandler(dm, nil, caller).HandleLogMessage(protocol.LevelWarning, "slow host")

	em := NewExecutionManager(1, fleet.NewExecutionHost, nil, testLogger())
	newExecutionHandler(em, nil, caller).HandleLogMessage(protocol.LevelError, "crashed")

	assert.Equal(t, []string{"Warning: slow host", "Error: crashed"}, caller.logs)
}
