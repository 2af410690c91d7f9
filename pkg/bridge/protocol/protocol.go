// Package protocol encodes and decodes the live AI backend wire messages.
//
// The backend speaks sparse JSON envelopes: each message carries exactly one
// populated top-level key naming its variant. Outbound messages are modeled as
// the Outbound sum type and inbound messages as the Inbound sum type; Decode is
// the single entry point that inspects key presence.
package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vango-go/vai-home/pkg/core"
)

// Violation codes carried on decode errors.
const (
	CodeInvalidJSON          = "invalid_json"
	CodeMissingDiscriminator = "missing_discriminator"
	CodeAmbiguousEnvelope    = "ambiguous_envelope"
	CodeMalformedPayload     = "malformed_payload"
)

// Inbound envelope keys.
const (
	KeySetupComplete        = "setupComplete"
	KeyServerContent        = "serverContent"
	KeyToolCall             = "toolCall"
	KeyToolCallCancellation = "toolCallCancellation"
	KeyGoAway               = "goAway"
)

var discriminatorKeys = []string{
	KeySetupComplete,
	KeyServerContent,
	KeyToolCall,
	KeyToolCallCancellation,
	KeyGoAway,
}

func violation(code, message, param string) *core.Error {
	err := core.NewProtocolViolation(code, message)
	err.Param = param
	return err
}

// Outbound is a message sent to the AI backend. Exactly one of Setup,
// MediaChunk, ToolResult and TextTurn.
type Outbound interface {
	outbound()
}

// ToolDeclaration is a callable tool advertised to the AI backend. Parameters
// is an opaque JSON schema passed through unchanged.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Setup opens a live session. It must be the first message on a connection.
type Setup struct {
	Model             string
	Voice             string
	SystemInstruction string
	Tools             []ToolDeclaration
	// Transcribe enables input and output audio transcription.
	Transcribe bool
	// Temperature is optional; zero leaves the backend default.
	Temperature float32
}

// MediaChunk is one realtime audio or video frame.
type MediaChunk struct {
	MIMEType string
	Data     []byte
}

// ToolResult answers a tool call request by id.
type ToolResult struct {
	CallID  string
	Name    string
	Payload map[string]any
}

// TextTurn injects a complete conversational turn.
type TextTurn struct {
	Role string
	Text string
}

func (Setup) outbound()      {}
func (MediaChunk) outbound() {}
func (ToolResult) outbound() {}
func (TextTurn) outbound()   {}

// Inbound is a message received from the AI backend. Exactly one of SetupAck,
// Content, ToolCallRequest, ToolCallCancel and GoAway.
type Inbound interface {
	inbound()
}

// SetupAck acknowledges Setup; the session may start streaming.
type SetupAck struct {
	SessionID string
}

// Part is one piece of model output.
type Part interface {
	part()
}

type TextPart struct {
	Text string
}

type AudioPart struct {
	MIMEType string
	Data     []byte
}

func (TextPart) part()  {}
func (AudioPart) part() {}

// Content is an incremental model output delta.
type Content struct {
	Parts              []Part
	TurnComplete       bool
	Interrupted        bool
	GenerationComplete bool
	InputTranscript    string
	OutputTranscript   string
}

// FunctionCall is a single tool invocation requested by the model.
type FunctionCall struct {
	ID   string
	Name string
	Args map[string]any
}

type ToolCallRequest struct {
	Calls []FunctionCall
}

// ToolCallCancel withdraws previously requested calls by id.
type ToolCallCancel struct {
	IDs []string
}

// GoAway announces that the backend will close the connection soon.
type GoAway struct {
	TimeLeft time.Duration
}

func (SetupAck) inbound()        {}
func (Content) inbound()         {}
func (ToolCallRequest) inbound() {}
func (ToolCallCancel) inbound()  {}
func (GoAway) inbound()          {}

// KindOf returns a short, stable name for a message variant, for logs and metrics.
func KindOf(msg any) string {
	switch msg.(type) {
	case Setup, *Setup:
		return "setup"
	case MediaChunk, *MediaChunk:
		return "media_chunk"
	case ToolResult, *ToolResult:
		return "tool_result"
	case TextTurn, *TextTurn:
		return "text_turn"
	case SetupAck:
		return "setup_ack"
	case Content:
		return "content"
	case ToolCallRequest:
		return "tool_call"
	case ToolCallCancel:
		return "tool_call_cancel"
	case GoAway:
		return "go_away"
	default:
		return fmt.Sprintf("%T", msg)
	}
}

func presentKeys(env map[string]json.RawMessage) []string {
	keys := make([]string, 0, 1)
	for _, k := range discriminatorKeys {
		raw, ok := env[k]
		if !ok {
			continue
		}
		if strings.TrimSpace(string(raw)) == "null" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
