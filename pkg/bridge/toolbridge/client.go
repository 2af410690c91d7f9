// Package toolbridge talks to the home-automation tool backend.
//
// Client holds one persistent MCP session over an SSE event stream and is
// created fresh for every live session. RESTClient covers the stateless
// endpoints used during preparation.
package toolbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/vango-go/vai-home/pkg/core"
)

const (
	DefaultSSEPath        = "/mcp_server/sse"
	DefaultHTTPPath       = "/api/mcp"
	DefaultCallTimeout    = 10 * time.Second
	DefaultConnectTimeout = 10 * time.Second

	clientName = "vai-home"
)

var (
	ErrNotConnected = errors.New("toolbridge: client is not connected")
	ErrClosed       = errors.New("toolbridge: client is closed")
	ErrToolTimeout  = errors.New("toolbridge: tool call timed out")
)

// ToolDescriptor is one entry of the backend tool catalog.
type ToolDescriptor struct {
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	ParameterSchema json.RawMessage `json:"parameter_schema,omitempty"`
}

// Result is the outcome of one backend tool call. IsError is set when the
// backend executed the call and reported a failure.
type Result struct {
	Text       string
	Structured any
	IsError    bool
}

// Options configures both Client and RESTClient.
type Options struct {
	BaseURL        string
	Token          string
	SSEPath        string
	HTTPPath       string
	CallTimeout    time.Duration
	ConnectTimeout time.Duration
	HTTPClient     *http.Client
	ClientVersion  string
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	o.BaseURL = strings.TrimRight(strings.TrimSpace(o.BaseURL), "/")
	if o.SSEPath == "" {
		o.SSEPath = DefaultSSEPath
	}
	if o.HTTPPath == "" {
		o.HTTPPath = DefaultHTTPPath
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.ClientVersion == "" {
		o.ClientVersion = "dev"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) authHeaders() map[string]string {
	if strings.TrimSpace(o.Token) == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + o.Token}
}

func initializeRequest(version string) mcp.InitializeRequest {
	return mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: clientName, Version: version},
			Capabilities:    mcp.ClientCapabilities{},
		},
	}
}

// Client is a single-session MCP client over the backend's SSE endpoint.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu           sync.Mutex
	mcp          *mcpclient.Client
	streamCancel context.CancelFunc
	lostErr      error
	closed       bool
}

func NewClient(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{opts: opts, logger: opts.Logger}
}

// Connect opens the event stream and performs the MCP handshake. The stream
// outlives ctx; it is released by Close.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.mcp != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.opts.BaseURL == "" {
		return core.NewConnectionError("tool backend URL is not configured", nil)
	}

	cli, err := mcpclient.NewSSEMCPClient(
		c.opts.BaseURL+c.opts.SSEPath,
		mcpclient.WithHeaders(c.opts.authHeaders()),
		mcpclient.WithHTTPClient(c.opts.HTTPClient),
	)
	if err != nil {
		return core.NewConnectionError("create tool backend client", err)
	}

	streamCtx, streamCancel := context.WithCancel(context.Background())
	connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	startErr := make(chan error, 1)
	go func() { startErr <- cli.Start(streamCtx) }()
	select {
	case err = <-startErr:
	case <-connectCtx.Done():
		err = connectCtx.Err()
	}
	if err != nil {
		streamCancel()
		_ = cli.Close()
		return core.NewConnectionError("open tool backend event stream", err)
	}

	cli.OnConnectionLost(c.markLost)

	if _, err := cli.Initialize(connectCtx, initializeRequest(c.opts.ClientVersion)); err != nil {
		streamCancel()
		_ = cli.Close()
		return core.NewConnectionError("initialize tool backend session", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		streamCancel()
		_ = cli.Close()
		return ErrClosed
	}
	c.mcp = cli
	c.streamCancel = streamCancel
	c.mu.Unlock()

	c.logger.Debug("tool bridge connected", "url", c.opts.BaseURL+c.opts.SSEPath)
	return nil
}

func (c *Client) markLost(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if err == nil {
		err = errors.New("event stream ended")
	}
	c.lostErr = err
	c.logger.Warn("tool bridge connection lost", "error", err)
}

func (c *Client) session() (*mcpclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return nil, ErrClosed
	case c.lostErr != nil:
		return nil, core.NewConnectionError("tool backend connection lost", c.lostErr)
	case c.mcp == nil:
		return nil, ErrNotConnected
	}
	return c.mcp, nil
}

// ListTools returns the full backend catalog in backend order.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	cli, err := c.session()
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	res, err := cli.ListTools(callCtx, mcp.ListToolsRequest{})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, core.NewConnectionError("list tools timed out", err)
		}
		return nil, core.NewConnectionError("list tools", err)
	}
	return descriptorsFromMCP(res.Tools)
}

// CallTool invokes name on the backend. It never blocks longer than the
// configured call timeout; a timeout is reported as a tool_dispatch_error
// wrapping ErrToolTimeout.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (Result, error) {
	cli, err := c.session()
	if err != nil {
		return Result{}, err
	}
	return callTool(ctx, cli, c.opts.CallTimeout, name, args)
}

// Close releases the event stream. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cli := c.mcp
	cancel := c.streamCancel
	c.mcp = nil
	c.streamCancel = nil
	c.mu.Unlock()

	var err error
	if cli != nil {
		err = cli.Close()
	}
	if cancel != nil {
		cancel()
	}
	return err
}

func callTool(ctx context.Context, cli *mcpclient.Client, timeout time.Duration, name string, args map[string]any) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := cli.CallTool(callCtx, req)
	if err != nil {
		if ctx.Err() == nil && callTimedOut(callCtx, err) {
			return Result{}, &core.Error{
				Type:    core.ErrToolDispatch,
				Code:    "tool_timeout",
				Message: fmt.Sprintf("tool %q did not answer within %s", name, timeout),
				Param:   name,
				Cause:   ErrToolTimeout,
			}
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, core.NewConnectionError(fmt.Sprintf("call tool %q", name), err)
	}
	return resultFromMCP(res), nil
}

// callTimedOut reports whether err ended a call because its deadline ran
// out. The SSE transport arms its own timer from the deadline and can fail
// with a plain error while callCtx.Err() is still nil.
func callTimedOut(callCtx context.Context, err error) bool {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if deadline, ok := callCtx.Deadline(); ok && !time.Now().Before(deadline) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout waiting for")
}

func resultFromMCP(res *mcp.CallToolResult) Result {
	if res == nil {
		return Result{}
	}
	texts := make([]string, 0, len(res.Content))
	for _, content := range res.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			texts = append(texts, text.Text)
		}
	}
	return Result{
		Text:       strings.Join(texts, "\n"),
		Structured: res.StructuredContent,
		IsError:    res.IsError,
	}
}

func descriptorsFromMCP(tools []mcp.Tool) ([]ToolDescriptor, error) {
	out := make([]ToolDescriptor, 0, len(tools))
	for _, tool := range tools {
		schema := tool.RawInputSchema
		if len(schema) == 0 {
			raw, err := json.Marshal(tool.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("toolbridge: encode schema for %q: %w", tool.Name, err)
			}
			schema = raw
		}
		out = append(out, ToolDescriptor{
			Name:            tool.Name,
			Description:     tool.Description,
			ParameterSchema: schema,
		})
	}
	return out, nil
}
