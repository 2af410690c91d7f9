package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const modelPrefix = "models/"

type clientEnvelope struct {
	Setup         *genai.LiveClientSetup        `json:"setup,omitempty"`
	ClientContent *genai.LiveClientContent      `json:"clientContent,omitempty"`
	RealtimeInput *realtimeInput                `json:"realtimeInput,omitempty"`
	ToolResponse  *genai.LiveClientToolResponse `json:"toolResponse,omitempty"`
}

// realtimeInput carries one media stream per message. genai's
// LiveClientRealtimeInput only models the deprecated mediaChunks list.
type realtimeInput struct {
	Audio *genai.Blob `json:"audio,omitempty"`
	Video *genai.Blob `json:"video,omitempty"`
}

// Encode renders msg as a single JSON envelope.
func Encode(msg Outbound) ([]byte, error) {
	var env clientEnvelope
	switch m := msg.(type) {
	case Setup:
		setup, err := buildSetup(m)
		if err != nil {
			return nil, err
		}
		env.Setup = setup
	case *Setup:
		if m == nil {
			return nil, errors.New("protocol: nil setup")
		}
		return Encode(*m)
	case MediaChunk:
		input, err := buildRealtimeInput(m)
		if err != nil {
			return nil, err
		}
		env.RealtimeInput = input
	case ToolResult:
		resp, err := buildToolResponse(m)
		if err != nil {
			return nil, err
		}
		env.ToolResponse = resp
	case TextTurn:
		content, err := buildClientContent(m)
		if err != nil {
			return nil, err
		}
		env.ClientContent = content
	case nil:
		return nil, errors.New("protocol: nil outbound message")
	default:
		return nil, fmt.Errorf("protocol: unsupported outbound message %T", msg)
	}
	return json.Marshal(env)
}

// NormalizeModel returns the backend's fully qualified model name.
func NormalizeModel(model string) string {
	model = strings.TrimSpace(model)
	if model == "" || strings.HasPrefix(model, modelPrefix) {
		return model
	}
	return modelPrefix + model
}

func buildSetup(m Setup) (*genai.LiveClientSetup, error) {
	model := NormalizeModel(m.Model)
	if model == "" {
		return nil, errors.New("protocol: setup model is required")
	}

	gen := &genai.GenerationConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if voice := strings.TrimSpace(m.Voice); voice != "" {
		gen.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}
	if m.Temperature > 0 {
		temp := m.Temperature
		gen.Temperature = &temp
	}

	setup := &genai.LiveClientSetup{
		Model:            model,
		GenerationConfig: gen,
	}
	if strings.TrimSpace(m.SystemInstruction) != "" {
		setup.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: m.SystemInstruction}},
		}
	}
	if len(m.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(m.Tools))
		for _, tool := range m.Tools {
			if strings.TrimSpace(tool.Name) == "" {
				return nil, errors.New("protocol: tool declaration name is required")
			}
			decl := &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
			}
			if schema := tool.Parameters; len(schema) > 0 && string(schema) != "null" {
				if !json.Valid(schema) {
					return nil, fmt.Errorf("protocol: tool %q has invalid parameter schema", tool.Name)
				}
				decl.ParametersJsonSchema = schema
			}
			decls = append(decls, decl)
		}
		setup.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if m.Transcribe {
		setup.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
		setup.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return setup, nil
}

func buildRealtimeInput(m MediaChunk) (*realtimeInput, error) {
	if len(m.Data) == 0 {
		return nil, errors.New("protocol: empty media chunk")
	}
	mime := strings.ToLower(strings.TrimSpace(m.MIMEType))
	blob := &genai.Blob{MIMEType: m.MIMEType, Data: m.Data}
	switch {
	case strings.HasPrefix(mime, "audio/"):
		return &realtimeInput{Audio: blob}, nil
	case strings.HasPrefix(mime, "image/"), strings.HasPrefix(mime, "video/"):
		return &realtimeInput{Video: blob}, nil
	default:
		return nil, fmt.Errorf("protocol: unsupported media type %q", m.MIMEType)
	}
}

func buildToolResponse(m ToolResult) (*genai.LiveClientToolResponse, error) {
	if strings.TrimSpace(m.CallID) == "" {
		return nil, errors.New("protocol: tool result call id is required")
	}
	payload := m.Payload
	if len(payload) == 0 {
		payload = map[string]any{"output": ""}
	}
	return &genai.LiveClientToolResponse{
		FunctionResponses: []*genai.FunctionResponse{{
			ID:       m.CallID,
			Name:     m.Name,
			Response: payload,
		}},
	}, nil
}

func buildClientContent(m TextTurn) (*genai.LiveClientContent, error) {
	if strings.TrimSpace(m.Text) == "" {
		return nil, errors.New("protocol: text turn is empty")
	}
	role := m.Role
	if role == "" {
		role = genai.RoleUser
	}
	return &genai.LiveClientContent{
		Turns: []*genai.Content{{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Text}},
		}},
		TurnComplete: true,
	}, nil
}
