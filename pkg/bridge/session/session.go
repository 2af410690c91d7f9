// Package session runs one live voice session: it streams media to the AI
// backend, surfaces model output, and answers tool calls through the
// prepared dispatcher.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-home/pkg/bridge/dispatch"
	"github.com/vango-go/vai-home/pkg/bridge/metrics"
	"github.com/vango-go/vai-home/pkg/bridge/prepare"
	"github.com/vango-go/vai-home/pkg/bridge/protocol"
	"github.com/vango-go/vai-home/pkg/core"
)

const codeUnexpectedMessage = "unexpected_message"

var (
	ErrAlreadyStarted = errors.New("session: already started")
	ErrNotActive      = errors.New("session: not active")
	// ErrStopped is returned by Start when Stop was called before the
	// backend acknowledged setup.
	ErrStopped = errors.New("session: stopped during start")

	errWriterStopped = errors.New("session: writer stopped")
)

type inboundFrame struct {
	data []byte
	err  error
}

// pendingCall is one registration of a call id. seq tells a reused id
// apart from an earlier, canceled call with the same id.
type pendingCall struct {
	seq         uint64
	name        string
	submittedAt time.Time
}

type dispatchResult struct {
	seq     uint64
	callID  string
	name    string
	outcome dispatch.Outcome
}

// Engine is one live session. It is single use: Start once, then Stop or
// Cancel. All methods are safe for concurrent use.
type Engine struct {
	dialer  Dialer
	url     string
	header  http.Header
	cfg     Config
	metrics *metrics.Metrics
	logger  atomic.Pointer[slog.Logger]

	// ctx scopes every goroutine of the session. mediaCtx is its child and
	// is cancelled first on shutdown.
	ctx         context.Context
	cancel      context.CancelFunc
	mediaCtx    context.Context
	cancelMedia context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	state     State
	err       error
	sc        *prepare.SessionContext
	conn      Conn
	sources   map[MediaKind]*attachment
	startedAt time.Time
	wasActive bool

	closeConnOnce sync.Once
	finishOnce    sync.Once

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
	readCh           chan inboundFrame
	readerDone       chan struct{}
	writerDone       chan struct{}
	writerErr        chan error
	results          chan dispatchResult

	pumpWG     sync.WaitGroup
	dispatchWG sync.WaitGroup

	// callSeq is owned by loop.
	callSeq uint64

	events chan Event
	done   chan struct{}
}

func New(deps Dependencies) (*Engine, error) {
	if deps.Dialer == nil {
		deps.Dialer = WebsocketDialer{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg := deps.Config.withDefaults()
	liveURL, err := endpoint(deps.URL, deps.APIKey)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	mediaCtx, cancelMedia := context.WithCancel(ctx)
	e := &Engine{
		dialer:           deps.Dialer,
		url:              liveURL,
		header:           deps.Header.Clone(),
		cfg:              cfg,
		metrics:          deps.Metrics,
		ctx:              ctx,
		cancel:           cancel,
		mediaCtx:         mediaCtx,
		cancelMedia:      cancelMedia,
		stopCh:           make(chan struct{}),
		state:            StateIdle,
		sources:          make(map[MediaKind]*attachment),
		outboundPriority: make(chan outboundFrame, cfg.OutboundQueueSize),
		outboundNormal:   make(chan outboundFrame, cfg.OutboundQueueSize),
		readCh:           make(chan inboundFrame, 64),
		writerErr:        make(chan error, 1),
		results:          make(chan dispatchResult, cfg.OutboundQueueSize),
		events:           make(chan Event, cfg.EventBuffer),
		done:             make(chan struct{}),
	}
	e.logger.Store(deps.Logger)
	return e, nil
}

// Start dials the AI backend, sends the setup message and waits for the
// acknowledgement. It returns once the session is active or has failed.
// The session outlives ctx; ctx only bounds the handshake.
func (e *Engine) Start(ctx context.Context, sc *prepare.SessionContext) error {
	if sc == nil || sc.Dispatcher() == nil {
		return fmt.Errorf("session: a prepared session context is required")
	}

	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.state = StateInitializing
	e.sc = sc
	e.logger.Store(e.log().With("session_id", sc.ID(), "profile", sc.Profile()))
	e.startedAt = time.Now()
	e.mu.Unlock()

	initCtx, cancelInit := context.WithTimeout(ctx, e.cfg.SetupTimeout)
	defer cancelInit()
	go func() {
		select {
		case <-e.stopCh:
			cancelInit()
		case <-initCtx.Done():
		}
	}()

	fail := func(err error) error {
		if e.stopRequested() {
			e.shutdown(StateClosed, nil)
			return ErrStopped
		}
		e.log().Error("live session failed to start", "error", err)
		e.shutdown(StateFailed, err)
		return err
	}

	e.log().Info("connecting to AI backend", "url", redactURL(e.url), "model", sc.Model())
	conn, err := e.dialer.Dial(initCtx, e.url, e.header)
	if err != nil {
		return fail(core.NewConnectionError("dial AI backend", err))
	}
	conn.SetReadLimit(e.cfg.MaxMessageBytes)
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()

	setup, err := protocol.Encode(sc.Setup())
	if err != nil {
		return fail(err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout)); err != nil {
		return fail(core.NewConnectionError("write setup", err))
	}
	if err := conn.WriteMessage(websocket.TextMessage, setup); err != nil {
		return fail(core.NewConnectionError("write setup", err))
	}

	readerDone := make(chan struct{})
	e.mu.Lock()
	e.readerDone = readerDone
	e.mu.Unlock()
	go e.readLoop(conn, readerDone)

	select {
	case frame := <-e.readCh:
		if frame.err != nil {
			return fail(core.NewConnectionError("await setup acknowledgement", frame.err))
		}
		msg, err := protocol.Decode(frame.data)
		if err != nil {
			e.recordViolation(err)
			return fail(err)
		}
		if _, ok := msg.(protocol.SetupAck); !ok {
			return fail(core.NewProtocolViolation(codeUnexpectedMessage,
				fmt.Sprintf("expected setup acknowledgement, got %s", protocol.KindOf(msg))))
		}
	case <-initCtx.Done():
		if ctx.Err() != nil {
			return fail(core.NewConnectionError("start canceled", ctx.Err()))
		}
		return fail(core.NewConnectionError("setup acknowledgement timed out", initCtx.Err()))
	}

	e.mu.Lock()
	e.state = StateActive
	e.wasActive = true
	e.writerDone = make(chan struct{})
	go e.runWriter(conn)
	for kind, att := range e.sources {
		e.startPumpLocked(kind, att)
	}
	e.mu.Unlock()

	e.metrics.SessionStarted()
	e.log().Info("live session active", "tools", len(sc.Declarations()))
	go e.loop()
	return nil
}

// SendText sends a complete user text turn.
func (e *Engine) SendText(ctx context.Context, text string) error {
	if e.State() != StateActive {
		return ErrNotActive
	}
	payload, err := protocol.Encode(protocol.TextTurn{Text: text})
	if err != nil {
		return err
	}
	if err := e.enqueuePriority(ctx, outboundFrame{payload: payload, kind: "text"}); err != nil {
		if errors.Is(err, errWriterStopped) {
			return ErrNotActive
		}
		return err
	}
	return nil
}

// Stop ends the session and waits until it is closed. It is idempotent
// and safe in any state.
func (e *Engine) Stop() error {
	e.Cancel()

	e.mu.Lock()
	idle := e.state == StateIdle
	if idle {
		e.state = StateClosing
	}
	e.mu.Unlock()
	if idle {
		e.shutdown(StateClosed, nil)
	}

	<-e.done
	return nil
}

// Cancel requests shutdown without waiting.
func (e *Engine) Cancel() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Events delivers model output. It is closed when the session ends. The
// session blocks while the buffer is full, so callers must keep reading.
func (e *Engine) Events() <-chan Event { return e.events }

// Done is closed once the session reached Closed or Failed.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err is the failure that ended the session, or nil.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Engine) log() *slog.Logger { return e.logger.Load() }

func (e *Engine) stopRequested() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

func (e *Engine) runWriter(conn Conn) {
	defer close(e.writerDone)
	w := outboundWriter{
		ws:       conn,
		ctx:      e.ctx,
		cfg:      e.cfg,
		priority: e.outboundPriority,
		normal:   e.outboundNormal,
	}
	if err := w.Run(); err != nil {
		e.writerErr <- err
	}
}

func (e *Engine) readLoop(conn Conn, done chan<- struct{}) {
	defer close(done)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case e.readCh <- inboundFrame{err: err}:
			case <-e.ctx.Done():
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		select {
		case e.readCh <- inboundFrame{data: data}:
		case <-e.ctx.Done():
			return
		}
	}
}

// loop owns the pending call table. Every inbound message and dispatch
// result is handled here, one at a time.
func (e *Engine) loop() {
	pending := make(map[string]pendingCall)
	for {
		if e.stopRequested() {
			e.shutdown(StateClosed, nil)
			return
		}
		select {
		case <-e.stopCh:
			e.shutdown(StateClosed, nil)
			return
		case err := <-e.writerErr:
			e.fail(core.NewConnectionError("write to AI backend", err))
			return
		case frame := <-e.readCh:
			if frame.err != nil {
				e.fail(core.NewConnectionError("AI backend connection lost", frame.err))
				return
			}
			if err := e.handleInbound(frame.data, pending); err != nil {
				e.fail(err)
				return
			}
		case res := <-e.results:
			if e.handleResult(res, pending) {
				e.log().Info("ending conversation at the model's request")
				e.shutdown(StateClosed, nil)
				return
			}
		}
	}
}

func (e *Engine) fail(err error) {
	if e.stopRequested() {
		e.shutdown(StateClosed, nil)
		return
	}
	e.log().Error("live session failed", "error", err)
	e.shutdown(StateFailed, err)
}

func (e *Engine) handleInbound(data []byte, pending map[string]pendingCall) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		e.recordViolation(err)
		return err
	}

	switch m := msg.(type) {
	case protocol.SetupAck:
		e.log().Debug("ignoring repeated setup acknowledgement")
	case protocol.Content:
		e.emit(contentEvent(m))
	case protocol.ToolCallRequest:
		for _, call := range m.Calls {
			if _, dup := pending[call.ID]; dup {
				e.log().Warn("ignoring duplicate tool call id", "call_id", call.ID, "tool", call.Name)
				continue
			}
			e.callSeq++
			pending[call.ID] = pendingCall{seq: e.callSeq, name: call.Name, submittedAt: time.Now()}
			e.log().Debug("tool call received", "call_id", call.ID, "tool", call.Name)
			e.dispatchCall(call, e.callSeq)
		}
	case protocol.ToolCallCancel:
		for _, id := range m.IDs {
			if p, ok := pending[id]; ok {
				delete(pending, id)
				e.log().Info("tool call canceled", "call_id", id, "tool", p.name)
				continue
			}
			e.log().Debug("cancellation for unknown tool call", "call_id", id)
		}
	case protocol.GoAway:
		e.log().Warn("AI backend will disconnect", "time_left", m.TimeLeft.String())
		e.emit(Event{GoAway: true, GoAwayTimeLeft: m.TimeLeft})
	}
	return nil
}

// dispatchCall runs call in its own goroutine. Shutdown does not cancel it:
// the call is bounded by its own tool timeout and a late result is dropped.
func (e *Engine) dispatchCall(call protocol.FunctionCall, seq uint64) {
	d := e.sc.Dispatcher()
	ctx := context.WithoutCancel(e.ctx)
	e.dispatchWG.Add(1)
	go func() {
		defer e.dispatchWG.Done()
		out := d.Dispatch(ctx, dispatch.Request{CallID: call.ID, Name: call.Name, Args: call.Args})
		select {
		case e.results <- dispatchResult{seq: seq, callID: call.ID, name: call.Name, outcome: out}:
		case <-e.ctx.Done():
		}
	}()
}

// handleResult sends a dispatch result if the registration it belongs to
// is still pending. It reports whether the session should end.
func (e *Engine) handleResult(res dispatchResult, pending map[string]pendingCall) bool {
	p, ok := pending[res.callID]
	if !ok || p.seq != res.seq {
		e.log().Warn("dropping result for tool call that is no longer pending", "call_id", res.callID, "tool", res.name)
		e.metrics.RecordOrphanResult()
		return false
	}
	delete(pending, res.callID)
	if e.stopRequested() {
		return false
	}

	payload, err := protocol.Encode(protocol.ToolResult{CallID: res.callID, Name: p.name, Payload: res.outcome.Payload})
	if err != nil {
		e.log().Error("encode tool result", "call_id", res.callID, "tool", p.name, "error", err)
		return false
	}
	frame := outboundFrame{payload: payload, kind: "tool_result", written: make(chan struct{})}
	if err := e.enqueuePriority(e.ctx, frame); err != nil {
		return false
	}
	e.log().Debug("tool result queued", "call_id", res.callID, "tool", p.name,
		"elapsed_ms", time.Since(p.submittedAt).Milliseconds())

	if p.name != dispatch.ToolEndConversation || res.outcome.Err != nil {
		return false
	}
	select {
	case <-frame.written:
	case <-e.writerDone:
	case <-time.After(e.cfg.WriteTimeout):
	}
	return true
}

func (e *Engine) enqueuePriority(ctx context.Context, frame outboundFrame) error {
	select {
	case e.outboundPriority <- frame:
		return nil
	case <-e.writerDone:
		return errWriterStopped
	case <-e.stopCh:
		return ErrNotActive
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) emit(ev Event) {
	if ev.empty() {
		return
	}
	select {
	case e.events <- ev:
	case <-e.stopCh:
	}
}

func (e *Engine) recordViolation(err error) {
	if ce, ok := core.AsError(err); ok {
		e.metrics.RecordProtocolViolation(ce.Code)
	}
}

func contentEvent(c protocol.Content) Event {
	ev := Event{
		InputTranscript:  c.InputTranscript,
		OutputTranscript: c.OutputTranscript,
		TurnComplete:     c.TurnComplete,
		Interrupted:      c.Interrupted,
	}
	for _, part := range c.Parts {
		switch p := part.(type) {
		case protocol.TextPart:
			ev.Text += p.Text
		case protocol.AudioPart:
			if ev.MIMEType == "" {
				ev.MIMEType = p.MIMEType
			}
			ev.Audio = append(ev.Audio, p.Data...)
		}
	}
	return ev
}

// shutdown releases every resource of the session exactly once: media
// first, then the writer, the connection, the reader, in-flight dispatches
// and finally the dispatcher.
func (e *Engine) shutdown(final State, cause error) {
	e.finishOnce.Do(func() {
		e.mu.Lock()
		e.state = StateClosing
		e.sources = make(map[MediaKind]*attachment)
		sc := e.sc
		wasActive := e.wasActive
		writerDone := e.writerDone
		readerDone := e.readerDone
		e.mu.Unlock()

		e.cancelMedia()
		if !waitGroupTimeout(&e.pumpWG, e.cfg.StopTimeout) {
			e.log().Warn("media sources did not stop in time")
		}

		e.cancel()
		if writerDone != nil {
			waitChan(writerDone, e.cfg.WriteTimeout+100*time.Millisecond)
		}
		e.closeConn()
		if readerDone != nil {
			waitChan(readerDone, e.cfg.StopTimeout)
		}
		if !waitGroupTimeout(&e.dispatchWG, e.cfg.StopTimeout) {
			e.log().Warn("tool calls still running after stop timeout")
		}
		if sc != nil && sc.Dispatcher() != nil {
			if err := sc.Dispatcher().Close(); err != nil {
				e.log().Warn("close dispatcher", "error", err)
			}
		}

		e.mu.Lock()
		e.state = final
		e.err = cause
		started := e.startedAt
		e.mu.Unlock()

		if sc != nil {
			e.metrics.SessionEnded(final.String(), wasActive, time.Since(started))
			e.log().Info("live session ended", "state", final.String(), "duration_ms", time.Since(started).Milliseconds())
		}
		close(e.events)
		close(e.done)
	})
}

func (e *Engine) closeConn() {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return
	}
	e.closeConnOnce.Do(func() {
		_ = conn.Close()
	})
}

func waitChan(ch <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}

func waitGroupTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return waitChan(done, d)
}
