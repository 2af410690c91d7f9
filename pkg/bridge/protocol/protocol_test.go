package protocol

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/vango-go/vai-home/pkg/core"
)

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read fixture %s: %v", name, err)
	}
	return data
}

func decodeFixture(t *testing.T, name string) Inbound {
	t.Helper()
	msg, err := Decode(loadFixture(t, name))
	if err != nil {
		t.Fatalf("Decode(%s) err=%v", name, err)
	}
	return msg
}

func requireViolation(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected protocol violation %q", code)
	}
	coreErr, ok := core.AsError(err)
	if !ok {
		t.Fatalf("err=%T, want *core.Error", err)
	}
	if coreErr.Type != core.ErrProtocolViolation {
		t.Fatalf("type=%q, want %q", coreErr.Type, core.ErrProtocolViolation)
	}
	if coreErr.Code != code {
		t.Fatalf("code=%q, want %q", coreErr.Code, code)
	}
}

func TestDecode_SetupComplete(t *testing.T) {
	msg := decodeFixture(t, "setup_complete.json")
	if _, ok := msg.(SetupAck); !ok {
		t.Fatalf("msg=%T, want SetupAck", msg)
	}
}

func TestDecode_ServerContentAudioAndText(t *testing.T) {
	msg := decodeFixture(t, "server_content_audio.json")
	content, ok := msg.(Content)
	if !ok {
		t.Fatalf("msg=%T, want Content", msg)
	}
	want := Content{
		Parts: []Part{
			AudioPart{MIMEType: "audio/pcm;rate=24000", Data: []byte{0, 1, 2}},
			TextPart{Text: "Turning on the kitchen lights."},
		},
		OutputTranscript: "Turning on the kitchen lights.",
	}
	if !reflect.DeepEqual(content, want) {
		t.Fatalf("content=%+v, want %+v", content, want)
	}
}

func TestDecode_InterruptedIsDistinctFromTurnComplete(t *testing.T) {
	msg := decodeFixture(t, "server_content_interrupted.json")
	content, ok := msg.(Content)
	if !ok {
		t.Fatalf("msg=%T, want Content", msg)
	}
	if !content.Interrupted {
		t.Fatalf("interrupted=false")
	}
	if content.TurnComplete {
		t.Fatalf("turnComplete=true, want false")
	}
	if len(content.Parts) != 0 {
		t.Fatalf("parts=%d, want 0", len(content.Parts))
	}
}

func TestDecode_TurnCompleteWithInputTranscript(t *testing.T) {
	msg := decodeFixture(t, "server_content_turn_complete.json")
	content := msg.(Content)
	want := Content{TurnComplete: true, GenerationComplete: true, InputTranscript: "lights on"}
	if !reflect.DeepEqual(content, want) {
		t.Fatalf("content=%+v, want %+v", content, want)
	}
}

func TestDecode_ToolCall(t *testing.T) {
	msg := decodeFixture(t, "tool_call.json")
	req, ok := msg.(ToolCallRequest)
	if !ok {
		t.Fatalf("msg=%T, want ToolCallRequest", msg)
	}
	want := ToolCallRequest{Calls: []FunctionCall{
		{ID: "call-1", Name: "HassTurnOn", Args: map[string]any{"name": "kitchen light", "domain": []any{"light"}}},
		{ID: "call-2", Name: "end_conversation", Args: map[string]any{}},
	}}
	if !reflect.DeepEqual(req, want) {
		t.Fatalf("request=%+v, want %+v", req, want)
	}
}

func TestDecode_ToolCallCancellation(t *testing.T) {
	msg := decodeFixture(t, "tool_call_cancellation.json")
	cancel, ok := msg.(ToolCallCancel)
	if !ok {
		t.Fatalf("msg=%T, want ToolCallCancel", msg)
	}
	if !reflect.DeepEqual(cancel.IDs, []string{"call-1", "call-3"}) {
		t.Fatalf("ids=%v", cancel.IDs)
	}
}

func TestDecode_GoAway(t *testing.T) {
	msg := decodeFixture(t, "go_away.json")
	goAway, ok := msg.(GoAway)
	if !ok {
		t.Fatalf("msg=%T, want GoAway", msg)
	}
	if goAway.TimeLeft != 30*time.Second {
		t.Fatalf("timeLeft=%v, want 30s", goAway.TimeLeft)
	}
}

func TestDecode_RejectsAmbiguousEnvelope(t *testing.T) {
	_, err := Decode(loadFixture(t, "ambiguous.json"))
	requireViolation(t, err, CodeAmbiguousEnvelope)
	coreErr, _ := core.AsError(err)
	if coreErr.Param != "serverContent,toolCall" {
		t.Fatalf("param=%q", coreErr.Param)
	}
}

func TestDecode_RejectsMissingDiscriminator(t *testing.T) {
	_, err := Decode([]byte(`{"usageMetadata":{"totalTokenCount":1}}`))
	requireViolation(t, err, CodeMissingDiscriminator)

	_, err = Decode([]byte(`{}`))
	requireViolation(t, err, CodeMissingDiscriminator)
}

func TestDecode_NullKeyCountsAsAbsent(t *testing.T) {
	msg, err := Decode([]byte(`{"setupComplete":{},"toolCall":null}`))
	if err != nil {
		t.Fatalf("Decode err=%v", err)
	}
	if _, ok := msg.(SetupAck); !ok {
		t.Fatalf("msg=%T, want SetupAck", msg)
	}
}

func TestDecode_RejectsInvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`{"serverContent":`))
	requireViolation(t, err, CodeInvalidJSON)

	_, err = Decode([]byte(`["serverContent"]`))
	requireViolation(t, err, CodeInvalidJSON)
}

func TestDecode_RejectsMalformedPayloads(t *testing.T) {
	cases := map[string]string{
		"content not object":  `{"serverContent":"yes"}`,
		"tool call no id":     `{"toolCall":{"functionCalls":[{"name":"x"}]}}`,
		"tool call no name":   `{"toolCall":{"functionCalls":[{"id":"1"}]}}`,
		"tool call empty":     `{"toolCall":{}}`,
		"cancel without ids":  `{"toolCallCancellation":{"ids":[]}}`,
		"go away bad payload": `{"goAway":{"timeLeft":"soon"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			requireViolation(t, err, CodeMalformedPayload)
		})
	}
}

func decodeEnvelope(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var env map[string]any
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(env) != 1 {
		t.Fatalf("envelope keys=%d, want 1: %s", len(env), data)
	}
	return env
}

func TestEncode_Setup(t *testing.T) {
	data, err := Encode(Setup{
		Model:             "gemini-live-2.5-flash-preview",
		Voice:             "Puck",
		SystemInstruction: "<base_instructions>\nBe brief.\n</base_instructions>",
		Tools: []ToolDeclaration{
			{Name: "HassTurnOn", Description: "Turn on a device", Parameters: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}}}`)},
			{Name: "end_conversation", Description: "End the call"},
		},
		Transcribe: true,
	})
	if err != nil {
		t.Fatalf("Encode err=%v", err)
	}
	env := decodeEnvelope(t, data)
	setup := env["setup"].(map[string]any)
	if setup["model"] != "models/gemini-live-2.5-flash-preview" {
		t.Fatalf("model=%v", setup["model"])
	}
	gen := setup["generationConfig"].(map[string]any)
	if !reflect.DeepEqual(gen["responseModalities"], []any{"AUDIO"}) {
		t.Fatalf("responseModalities=%v", gen["responseModalities"])
	}
	voice := gen["speechConfig"].(map[string]any)["voiceConfig"].(map[string]any)["prebuiltVoiceConfig"].(map[string]any)["voiceName"]
	if voice != "Puck" {
		t.Fatalf("voiceName=%v", voice)
	}
	if _, ok := gen["temperature"]; ok {
		t.Fatalf("temperature should be omitted")
	}
	decls := setup["tools"].([]any)[0].(map[string]any)["functionDeclarations"].([]any)
	if len(decls) != 2 {
		t.Fatalf("declarations=%d, want 2", len(decls))
	}
	first := decls[0].(map[string]any)
	if first["parametersJsonSchema"].(map[string]any)["type"] != "object" {
		t.Fatalf("schema=%v", first["parametersJsonSchema"])
	}
	if _, ok := decls[1].(map[string]any)["parametersJsonSchema"]; ok {
		t.Fatalf("empty schema should be omitted")
	}
	if _, ok := setup["inputAudioTranscription"]; !ok {
		t.Fatalf("inputAudioTranscription missing")
	}
}

func TestEncode_SetupKeepsQualifiedModel(t *testing.T) {
	data, err := Encode(Setup{Model: "models/custom"})
	if err != nil {
		t.Fatalf("Encode err=%v", err)
	}
	setup := decodeEnvelope(t, data)["setup"].(map[string]any)
	if setup["model"] != "models/custom" {
		t.Fatalf("model=%v", setup["model"])
	}
	if _, ok := setup["systemInstruction"]; ok {
		t.Fatalf("blank instruction should be omitted")
	}
	if _, ok := setup["tools"]; ok {
		t.Fatalf("empty tools should be omitted")
	}
}

func TestEncode_MediaChunkRoutesByMIMEType(t *testing.T) {
	data, err := Encode(MediaChunk{MIMEType: "audio/pcm;rate=16000", Data: []byte{0, 1, 2}})
	if err != nil {
		t.Fatalf("Encode err=%v", err)
	}
	input := decodeEnvelope(t, data)["realtimeInput"].(map[string]any)
	audio := input["audio"].(map[string]any)
	if audio["mimeType"] != "audio/pcm;rate=16000" || audio["data"] != "AAEC" {
		t.Fatalf("audio=%v", audio)
	}
	if _, ok := input["video"]; ok {
		t.Fatalf("video should be omitted")
	}

	data, err = Encode(MediaChunk{MIMEType: "image/jpeg", Data: []byte{0xff, 0xd8}})
	if err != nil {
		t.Fatalf("Encode err=%v", err)
	}
	input = decodeEnvelope(t, data)["realtimeInput"].(map[string]any)
	if _, ok := input["video"]; !ok {
		t.Fatalf("video missing: %v", input)
	}

	if _, err := Encode(MediaChunk{MIMEType: "text/plain", Data: []byte("x")}); err == nil {
		t.Fatalf("expected error for unsupported media type")
	}
	if _, err := Encode(MediaChunk{MIMEType: "audio/pcm"}); err == nil {
		t.Fatalf("expected error for empty chunk")
	}
}

func TestEncode_ToolResult(t *testing.T) {
	data, err := Encode(ToolResult{CallID: "call-1", Name: "HassTurnOn", Payload: map[string]any{"output": "ok"}})
	if err != nil {
		t.Fatalf("Encode err=%v", err)
	}
	resp := decodeEnvelope(t, data)["toolResponse"].(map[string]any)
	fr := resp["functionResponses"].([]any)[0].(map[string]any)
	if fr["id"] != "call-1" || fr["name"] != "HassTurnOn" {
		t.Fatalf("functionResponse=%v", fr)
	}
	if fr["response"].(map[string]any)["output"] != "ok" {
		t.Fatalf("response=%v", fr["response"])
	}

	if _, err := Encode(ToolResult{Name: "x"}); err == nil {
		t.Fatalf("expected error for missing call id")
	}
}

func TestEncode_TextTurn(t *testing.T) {
	data, err := Encode(TextTurn{Text: "turn off the fan"})
	if err != nil {
		t.Fatalf("Encode err=%v", err)
	}
	content := decodeEnvelope(t, data)["clientContent"].(map[string]any)
	if content["turnComplete"] != true {
		t.Fatalf("turnComplete=%v", content["turnComplete"])
	}
	turn := content["turns"].([]any)[0].(map[string]any)
	if turn["role"] != "user" {
		t.Fatalf("role=%v", turn["role"])
	}
	if turn["parts"].([]any)[0].(map[string]any)["text"] != "turn off the fan" {
		t.Fatalf("parts=%v", turn["parts"])
	}
}

func TestEncode_RejectsUnknownVariant(t *testing.T) {
	if _, err := Encode(nil); err == nil {
		t.Fatalf("expected error for nil message")
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(ToolCallCancel{}); got != "tool_call_cancel" {
		t.Fatalf("KindOf=%q", got)
	}
	if got := KindOf(MediaChunk{}); got != "media_chunk" {
		t.Fatalf("KindOf=%q", got)
	}
}
