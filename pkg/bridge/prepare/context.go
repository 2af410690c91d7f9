package prepare

import (
	"github.com/vango-go/vai-home/pkg/bridge/dispatch"
	"github.com/vango-go/vai-home/pkg/bridge/protocol"
	"github.com/vango-go/vai-home/pkg/bridge/toolbridge"
)

// SessionContext is the fully prepared, read-only input of one live session.
type SessionContext struct {
	id          string
	profile     string
	model       string
	voice       string
	tools       []toolbridge.ToolDescriptor
	instruction string
	dispatcher  *dispatch.Dispatcher
	warnings    []string
}

// ContextParams builds a SessionContext without running preparation.
type ContextParams struct {
	ID          string
	Profile     string
	Model       string
	Voice       string
	Tools       []toolbridge.ToolDescriptor
	Instruction string
	Dispatcher  *dispatch.Dispatcher
	Warnings    []string
}

func NewSessionContext(p ContextParams) *SessionContext {
	return &SessionContext{
		id:          p.ID,
		profile:     p.Profile,
		model:       p.Model,
		voice:       p.Voice,
		tools:       append([]toolbridge.ToolDescriptor(nil), p.Tools...),
		instruction: p.Instruction,
		dispatcher:  p.Dispatcher,
		warnings:    append([]string(nil), p.Warnings...),
	}
}

func (c *SessionContext) ID() string          { return c.id }
func (c *SessionContext) Profile() string     { return c.profile }
func (c *SessionContext) Model() string       { return c.model }
func (c *SessionContext) Voice() string       { return c.voice }
func (c *SessionContext) Instruction() string { return c.instruction }

// Dispatcher is the tool routing table for the session.
func (c *SessionContext) Dispatcher() *dispatch.Dispatcher { return c.dispatcher }

// Tools returns the filtered backend catalog.
func (c *SessionContext) Tools() []toolbridge.ToolDescriptor {
	return append([]toolbridge.ToolDescriptor(nil), c.tools...)
}

// Warnings returns non-fatal problems found during preparation.
func (c *SessionContext) Warnings() []string {
	return append([]string(nil), c.warnings...)
}

// Declarations lists every tool the AI backend may call: the filtered
// backend catalog followed by the in-process tools.
func (c *SessionContext) Declarations() []protocol.ToolDeclaration {
	out := make([]protocol.ToolDeclaration, 0, len(c.tools)+4)
	for _, tool := range c.tools {
		out = append(out, protocol.ToolDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.ParameterSchema,
		})
	}
	if c.dispatcher != nil {
		out = append(out, c.dispatcher.Declarations()...)
	}
	return out
}

// Setup renders the opening message of the session.
func (c *SessionContext) Setup() protocol.Setup {
	return protocol.Setup{
		Model:             c.model,
		Voice:             c.voice,
		SystemInstruction: c.instruction,
		Tools:             c.Declarations(),
		Transcribe:        true,
	}
}
