package toolbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/vango-go/vai-home/pkg/core"
)

const (
	templatePath     = "/api/template"
	maxTemplateBytes = 1 << 20
)

// RenderError is returned when the backend rejects a template.
type RenderError struct {
	StatusCode int
	Message    string
}

func (e *RenderError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("template render failed (status %d): %s", e.StatusCode, e.Message)
}

// RESTClient issues stateless calls to the tool backend.
type RESTClient struct {
	opts   Options
	logger *slog.Logger
}

func NewRESTClient(opts Options) *RESTClient {
	opts = opts.withDefaults()
	return &RESTClient{opts: opts, logger: opts.Logger}
}

// RenderTemplate renders text with the backend's template engine.
func (r *RESTClient) RenderTemplate(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(map[string]string{"template": text})
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.BaseURL+templatePath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range r.opts.authHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		return "", core.NewConnectionError("render template", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxTemplateBytes))
	if err != nil {
		return "", core.NewConnectionError("read template response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &RenderError{StatusCode: resp.StatusCode, Message: backendMessage(data)}
	}
	return string(data), nil
}

// InvokeTool calls one named tool through a short-lived streamable HTTP
// MCP session.
func (r *RESTClient) InvokeTool(ctx context.Context, name string, args map[string]any) (Result, error) {
	cli, err := mcpclient.NewStreamableHttpClient(
		r.opts.BaseURL+r.opts.HTTPPath,
		transport.WithHTTPHeaders(r.opts.authHeaders()),
		transport.WithHTTPBasicClient(r.opts.HTTPClient),
		transport.WithHTTPTimeout(r.opts.CallTimeout),
	)
	if err != nil {
		return Result{}, core.NewConnectionError("create tool backend client", err)
	}
	defer cli.Close()

	connectCtx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()
	if err := cli.Start(connectCtx); err != nil {
		return Result{}, core.NewConnectionError("start tool backend session", err)
	}
	if _, err := cli.Initialize(connectCtx, initializeRequest(r.opts.ClientVersion)); err != nil {
		return Result{}, core.NewConnectionError("initialize tool backend session", err)
	}
	return callTool(ctx, cli, r.opts.CallTimeout, name, args)
}

func backendMessage(data []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return "empty response"
	}
	return msg
}
