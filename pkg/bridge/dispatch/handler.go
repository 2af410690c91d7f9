package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vango-go/vai-home/pkg/bridge/toolbridge"
	"github.com/vango-go/vai-home/pkg/core"
)

// Handler executes one tool call. A returned *core.Error keeps its code in
// the error payload; any other error is reported as handler_error.
type Handler interface {
	Handle(ctx context.Context, args map[string]any) (map[string]any, error)
}

// HandlerFunc adapts an in-process function to Handler.
type HandlerFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, args map[string]any) (map[string]any, error) {
	return f(ctx, args)
}

// RemoteCaller is the subset of the tool bridge used for remote tools.
type RemoteCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (toolbridge.Result, error)
}

// RemoteHandler forwards a call to the tool backend under its own name.
type RemoteHandler struct {
	Name   string
	Caller RemoteCaller
}

func (h RemoteHandler) Handle(ctx context.Context, args map[string]any) (map[string]any, error) {
	if h.Caller == nil {
		return nil, core.NewToolDispatchError("bridge_unavailable", "tool backend is not connected")
	}
	res, err := h.Caller.CallTool(ctx, h.Name, args)
	if err != nil {
		if coreErr, ok := core.AsError(err); ok && coreErr.Type == core.ErrToolDispatch {
			return nil, coreErr
		}
		if errors.Is(err, toolbridge.ErrNotConnected) || errors.Is(err, toolbridge.ErrClosed) || core.IsType(err, core.ErrConnection) {
			return nil, &core.Error{Type: core.ErrToolDispatch, Code: "bridge_unavailable", Message: err.Error(), Cause: err}
		}
		return nil, &core.Error{Type: core.ErrToolDispatch, Code: "backend_error", Message: err.Error(), Cause: err}
	}
	if res.IsError {
		msg := strings.TrimSpace(res.Text)
		if msg == "" {
			msg = fmt.Sprintf("tool %q failed", h.Name)
		}
		return nil, core.NewToolDispatchError("backend_error", msg)
	}
	if res.Structured != nil {
		return map[string]any{"output": res.Structured}, nil
	}
	return map[string]any{"output": res.Text}, nil
}

// LocalTool is an in-process tool advertised to the AI backend.
type LocalTool struct {
	Name            string
	Description     string
	ParameterSchema json.RawMessage
	Handler         Handler
}
