package protocol

import (
	"encoding/json"
	"strings"

	"google.golang.org/genai"
)

// Decode parses one inbound envelope. Envelopes with zero or several
// discriminator keys and payloads that do not match their variant are
// rejected with a protocol_violation *core.Error.
func Decode(data []byte) (Inbound, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, violation(CodeInvalidJSON, "message is not a JSON object", "")
	}

	keys := presentKeys(env)
	switch len(keys) {
	case 0:
		return nil, violation(CodeMissingDiscriminator, "envelope has no known message key", "")
	case 1:
	default:
		return nil, violation(CodeAmbiguousEnvelope, "envelope has more than one message key", strings.Join(keys, ","))
	}

	key := keys[0]
	raw := env[key]
	switch key {
	case KeySetupComplete:
		var ack genai.LiveServerSetupComplete
		if err := json.Unmarshal(raw, &ack); err != nil {
			return nil, malformed(key)
		}
		return SetupAck{SessionID: ack.SessionID}, nil
	case KeyServerContent:
		var sc genai.LiveServerContent
		if err := json.Unmarshal(raw, &sc); err != nil {
			return nil, malformed(key)
		}
		return contentFromWire(&sc), nil
	case KeyToolCall:
		var tc genai.LiveServerToolCall
		if err := json.Unmarshal(raw, &tc); err != nil {
			return nil, malformed(key)
		}
		return toolCallFromWire(&tc)
	case KeyToolCallCancellation:
		var cancel genai.LiveServerToolCallCancellation
		if err := json.Unmarshal(raw, &cancel); err != nil {
			return nil, malformed(key)
		}
		if len(cancel.IDs) == 0 {
			return nil, violation(CodeMalformedPayload, "cancellation carries no ids", key)
		}
		return ToolCallCancel{IDs: append([]string(nil), cancel.IDs...)}, nil
	case KeyGoAway:
		var goAway genai.LiveServerGoAway
		if err := json.Unmarshal(raw, &goAway); err != nil {
			return nil, malformed(key)
		}
		return GoAway{TimeLeft: goAway.TimeLeft}, nil
	}
	return nil, violation(CodeMissingDiscriminator, "envelope has no known message key", key)
}

func malformed(key string) error {
	return violation(CodeMalformedPayload, "payload does not match message type", key)
}

func contentFromWire(sc *genai.LiveServerContent) Content {
	out := Content{
		TurnComplete:       sc.TurnComplete,
		Interrupted:        sc.Interrupted,
		GenerationComplete: sc.GenerationComplete,
	}
	if sc.InputTranscription != nil {
		out.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		out.OutputTranscript = sc.OutputTranscription.Text
	}
	if sc.ModelTurn == nil {
		return out
	}
	for _, p := range sc.ModelTurn.Parts {
		if p == nil || p.Thought {
			continue
		}
		if p.InlineData != nil && len(p.InlineData.Data) > 0 {
			out.Parts = append(out.Parts, AudioPart{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data})
			continue
		}
		if p.Text != "" {
			out.Parts = append(out.Parts, TextPart{Text: p.Text})
		}
	}
	return out
}

func toolCallFromWire(tc *genai.LiveServerToolCall) (Inbound, error) {
	if len(tc.FunctionCalls) == 0 {
		return nil, violation(CodeMalformedPayload, "tool call carries no function calls", KeyToolCall)
	}
	calls := make([]FunctionCall, 0, len(tc.FunctionCalls))
	for _, fc := range tc.FunctionCalls {
		if fc == nil {
			return nil, violation(CodeMalformedPayload, "tool call entry is null", KeyToolCall)
		}
		if strings.TrimSpace(fc.ID) == "" {
			return nil, violation(CodeMalformedPayload, "function call id is required", "toolCall.functionCalls.id")
		}
		if strings.TrimSpace(fc.Name) == "" {
			return nil, violation(CodeMalformedPayload, "function call name is required", "toolCall.functionCalls.name")
		}
		args := fc.Args
		if args == nil {
			args = map[string]any{}
		}
		calls = append(calls, FunctionCall{ID: fc.ID, Name: fc.Name, Args: args})
	}
	return ToolCallRequest{Calls: calls}, nil
}
