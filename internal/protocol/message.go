package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types carried in the raw envelope
const (
	MessageTestCasesFound     = "TestDiscovery.TestFound"
	MessageDiscoveryComplete  = "TestDiscovery.Completed"
	MessageTestRunStatsChange = "TestExecution.StatsChange"
	MessageExecutionComplete  = "TestExecution.Completed"
	MessageTestMessage        = "TestSession.Message"
)

// Message is the envelope of every raw protocol message
type Message struct {
	MessageType string          `json:"MessageType"`
	Version     int             `json:"Version,omitempty"`
	Payload     json.RawMessage `json:"Payload,omitempty"`
}

// TestMessagePayload is the payload of a TestSession.Message
type TestMessagePayload struct {
	MessageLevel LogLevel `json:"MessageLevel"`
	Message      string   `json:"Message"`
}

// DiscoveryCompletePayload is the payload of a TestDiscovery.Completed message
type DiscoveryCompletePayload struct {
	TotalTests                 int64          `json:"TotalTests"`
	IsAborted                  bool           `json:"IsAborted"`
	LastDiscoveredTests        []TestCase     `json:"LastDiscoveredTests,omitempty"`
	FullyDiscoveredSources     []string       `json:"FullyDiscoveredSources,omitempty"`
	PartiallyDiscoveredSources []string       `json:"PartiallyDiscoveredSources,omitempty"`
	NotDiscoveredSources       []string       `json:"NotDiscoveredSources,omitempty"`
	Metrics                    map[string]any `json:"Metrics,omitempty"`
}

// RunCompletePayload is the payload of a TestExecution.Completed message
type RunCompletePayload struct {
	Stats                 *RunStats       `json:"Stats,omitempty"`
	IsCanceled            bool            `json:"IsCanceled"`
	IsAborted             bool            `json:"IsAborted"`
	Error                 string          `json:"Error,omitempty"`
	ElapsedTime           time.Duration   `json:"ElapsedTime"`
	Attachments           []AttachmentSet `json:"Attachments,omitempty"`
	RunContextAttachments []AttachmentSet `json:"RunContextAttachments,omitempty"`
	ExecutorURIs          []string        `json:"ExecutorUris,omitempty"`
	LastRunTests          *RunChangedArgs `json:"LastRunTests,omitempty"`
	Metrics               map[string]any  `json:"Metrics,omitempty"`
}

// NewRawMessage serializes payload into a raw envelope
func NewRawMessage(messageType string, payload any) (string, error) {
	msg := Message{MessageType: messageType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal %s payload: %w", messageType, err)
		}
		msg.Payload = data
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s message: %w", messageType, err)
	}
	return string(data), nil
}

// DecodeRawMessage parses the envelope without decoding the payload
func DecodeRawMessage(raw string) (*Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("failed to decode raw message: %w", err)
	}
	if msg.MessageType == "" {
		return nil, fmt.Errorf("raw message has no message type")
	}
	return &msg, nil
}

// MessageTypeOf returns the message type of a raw message
func MessageTypeOf(raw string) (string, error) {
	msg, err := DecodeRawMessage(raw)
	if err != nil {
		return "", err
	}
	return msg.MessageType, nil
}
