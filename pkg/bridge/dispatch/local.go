package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/vai-home/pkg/core"
)

const (
	ToolEndConversation = "end_conversation"
	ToolSwitchCamera    = "switch_camera"
)

// EndConversationTool lets the model hang up. The session engine ends the
// session after this tool's result has been sent.
func EndConversationTool() LocalTool {
	return LocalTool{
		Name:            ToolEndConversation,
		Description:     "End the current conversation when the user says goodbye or has nothing else to ask.",
		ParameterSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		Handler: HandlerFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"status": "ending"}, nil
		}),
	}
}

// CameraSwitcher changes the active video source. facing is "front",
// "back" or empty to toggle; it returns the camera now in use.
type CameraSwitcher interface {
	SwitchCamera(ctx context.Context, facing string) (string, error)
}

func SwitchCameraTool(sw CameraSwitcher) LocalTool {
	return LocalTool{
		Name:            ToolSwitchCamera,
		Description:     "Switch the camera that streams video to you between the front and back camera.",
		ParameterSchema: json.RawMessage(`{"type":"object","properties":{"camera":{"type":"string","enum":["front","back"],"description":"Camera to use. Omit to toggle."}}}`),
		Handler: HandlerFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
			facing := ""
			if raw, ok := args["camera"]; ok && raw != nil {
				s, ok := raw.(string)
				if !ok {
					return nil, core.NewToolDispatchError("invalid_arguments", "camera must be a string")
				}
				facing = strings.ToLower(strings.TrimSpace(s))
			}
			if facing != "" && facing != "front" && facing != "back" {
				return nil, core.NewToolDispatchError("invalid_arguments", fmt.Sprintf("unknown camera %q", facing))
			}
			active, err := sw.SwitchCamera(ctx, facing)
			if err != nil {
				return nil, err
			}
			return map[string]any{"camera": active}, nil
		}),
	}
}
