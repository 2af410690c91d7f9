// Package dispatch routes tool calls from the AI backend to in-process
// handlers or to the tool backend, and keeps the audit trail.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-home/pkg/bridge/audit"
	"github.com/vango-go/vai-home/pkg/bridge/metrics"
	"github.com/vango-go/vai-home/pkg/bridge/protocol"
	"github.com/vango-go/vai-home/pkg/core"
)

const (
	RouteLocal  = "local"
	RouteRemote = "remote"

	defaultAuditBuffer = 64
)

// Request is one tool call to dispatch.
type Request struct {
	CallID string
	Name   string
	Args   map[string]any
}

// Outcome is the uniform dispatch result. Payload is always set and is the
// tool response sent to the AI backend; Err is set when the call failed.
type Outcome struct {
	Payload map[string]any
	Err     *core.Error
}

type Options struct {
	SessionID string
	Local     []LocalTool
	// Remote is usually a *toolbridge.Client. If it implements io.Closer it
	// is closed with the dispatcher.
	Remote RemoteCaller
	// RemoteAllowed restricts forwarded names. Nil forwards every name.
	RemoteAllowed []string
	Sink          audit.Sink
	AuditBuffer   int
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	sessionID string
	local     map[string]LocalTool
	localList []LocalTool
	remote    RemoteCaller
	allowed   map[string]struct{}
	sink      audit.Sink
	metrics   *metrics.Metrics
	logger    *slog.Logger

	seq atomic.Uint64

	mu      sync.RWMutex
	auditCh chan audit.Entry
	closed  bool
}

func New(opts Options) (*Dispatcher, error) {
	d := &Dispatcher{
		sessionID: opts.SessionID,
		local:     make(map[string]LocalTool, len(opts.Local)),
		remote:    opts.Remote,
		sink:      opts.Sink,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	for i, tool := range opts.Local {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return nil, fmt.Errorf("dispatch: local tool %d has no name", i)
		}
		if tool.Handler == nil {
			return nil, fmt.Errorf("dispatch: local tool %q has no handler", name)
		}
		if _, dup := d.local[name]; dup {
			return nil, fmt.Errorf("dispatch: duplicate local tool %q", name)
		}
		tool.Name = name
		d.local[name] = tool
		d.localList = append(d.localList, tool)
	}
	if opts.RemoteAllowed != nil {
		d.allowed = make(map[string]struct{}, len(opts.RemoteAllowed))
		for _, name := range opts.RemoteAllowed {
			d.allowed[name] = struct{}{}
		}
	}
	buf := opts.AuditBuffer
	if buf <= 0 {
		buf = defaultAuditBuffer
	}
	d.auditCh = make(chan audit.Entry, buf)
	return d, nil
}

// Audit returns the audit trail in dispatch order. The channel is closed by
// Close. It is lossy: when the buffer (Options.AuditBuffer) is full the
// entry is dropped, logged at warn level and counted in metrics. Entry.Seq
// has gaps where entries were dropped. The configured Sink sees every
// entry.
func (d *Dispatcher) Audit() <-chan audit.Entry {
	return d.auditCh
}

// IsLocal reports whether name is handled in-process.
func (d *Dispatcher) IsLocal(name string) bool {
	_, ok := d.local[strings.TrimSpace(name)]
	return ok
}

// LocalNames returns the in-process tool names, sorted.
func (d *Dispatcher) LocalNames() []string {
	names := make([]string, 0, len(d.local))
	for name := range d.local {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declarations returns the in-process tools in registration order.
func (d *Dispatcher) Declarations() []protocol.ToolDeclaration {
	out := make([]protocol.ToolDeclaration, 0, len(d.localList))
	for _, tool := range d.localList {
		out = append(out, protocol.ToolDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.ParameterSchema,
		})
	}
	return out
}

func (d *Dispatcher) route(name string) (Handler, string, *core.Error) {
	if tool, ok := d.local[name]; ok {
		return tool.Handler, RouteLocal, nil
	}
	if d.allowed != nil {
		if _, ok := d.allowed[name]; !ok {
			return nil, RouteRemote, core.NewToolDispatchError("unknown_tool", fmt.Sprintf("tool %q is not available in this session", name))
		}
	}
	if d.remote == nil {
		return nil, RouteRemote, core.NewToolDispatchError("bridge_unavailable", "tool backend is not connected")
	}
	return RemoteHandler{Name: name, Caller: d.remote}, RouteRemote, nil
}

// Dispatch runs one tool call. It never fails: errors are folded into an
// {"error": {...}} payload so the AI backend can be told about them.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Outcome {
	start := time.Now()
	name := strings.TrimSpace(req.Name)

	var (
		payload map[string]any
		err     *core.Error
	)
	handler, route, routeErr := d.route(name)
	if routeErr != nil {
		err = routeErr
	} else {
		payload, err = d.invoke(ctx, handler, name, req.Args)
	}

	out := Outcome{Payload: payload, Err: err}
	outcome := audit.OutcomeOK
	if err != nil {
		outcome = audit.OutcomeError
		out.Payload = ErrorPayload(err)
	} else if route == RouteLocal {
		out.Payload = map[string]any{"output": payload}
	}

	elapsed := time.Since(start)
	d.metrics.RecordDispatch(route, outcome, elapsed)
	d.record(ctx, req, route, outcome, err, start, elapsed)
	return out
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, name string, args map[string]any) (payload map[string]any, outErr *core.Error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool handler panic", "tool", name, "panic", r)
			payload = nil
			outErr = core.NewToolDispatchError("handler_panic", fmt.Sprintf("tool %q panicked", name))
		}
	}()

	if args == nil {
		args = map[string]any{}
	}
	res, err := h.Handle(ctx, args)
	if err != nil {
		var coreErr *core.Error
		switch {
		case errors.As(err, &coreErr) && coreErr.Type == core.ErrToolDispatch:
			return nil, coreErr
		case errors.Is(err, context.DeadlineExceeded):
			return nil, &core.Error{Type: core.ErrToolDispatch, Code: "tool_timeout", Message: err.Error(), Cause: err}
		case errors.Is(err, context.Canceled):
			return nil, &core.Error{Type: core.ErrToolDispatch, Code: "canceled", Message: err.Error(), Cause: err}
		default:
			return nil, &core.Error{Type: core.ErrToolDispatch, Code: "handler_error", Message: err.Error(), Cause: err}
		}
	}
	if res == nil {
		res = map[string]any{}
	}
	return res, nil
}

// ErrorPayload renders err as a tool response body.
func ErrorPayload(err *core.Error) map[string]any {
	code := err.Code
	if code == "" {
		code = string(err.Type)
	}
	return map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": err.Message,
		},
	}
}

func (d *Dispatcher) record(ctx context.Context, req Request, route, outcome string, err *core.Error, start time.Time, elapsed time.Duration) {
	entry := audit.Entry{
		Seq:       d.seq.Add(1),
		SessionID: d.sessionID,
		Time:      start,
		Tool:      req.Name,
		CallID:    req.CallID,
		Args:      req.Args,
		Local:     route == RouteLocal,
		Outcome:   outcome,
		Duration:  elapsed,
	}
	if err != nil {
		entry.ErrorCode = err.Code
		entry.Error = err.Message
	}

	if d.sink != nil {
		if sinkErr := d.sink.Record(context.WithoutCancel(ctx), entry); sinkErr != nil {
			d.logger.Warn("audit sink failed", "seq", entry.Seq, "error", sinkErr)
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.auditCh <- entry:
	default:
		d.logger.Warn("audit channel full, entry dropped", "seq", entry.Seq, "tool", entry.Tool, "call_id", entry.CallID)
		d.metrics.RecordAuditDrop()
	}
}

// Close closes the remote caller and the audit channel. Dispatches that
// finish afterwards are still sent to the sink.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.auditCh)
	d.mu.Unlock()

	if closer, ok := d.remote.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
