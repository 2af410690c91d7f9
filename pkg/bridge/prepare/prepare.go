// Package prepare builds the immutable SessionContext a live session starts from.
package prepare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/vango-go/vai-home/pkg/bridge/audit"
	"github.com/vango-go/vai-home/pkg/bridge/dispatch"
	"github.com/vango-go/vai-home/pkg/bridge/metrics"
	"github.com/vango-go/vai-home/pkg/bridge/toolbridge"
	"github.com/vango-go/vai-home/pkg/core"
)

const (
	DefaultSnapshotTool = "GetLiveContext"

	DefaultBaseInstructions = "You are a voice assistant for a smart home. Keep answers short and conversational. " +
		"Use the available tools to read and control devices, and confirm what you changed. " +
		"If a tool fails, tell the user briefly and suggest what they can try instead."
)

// Bridge is the session's tool backend client: catalog source and remote
// tool executor. *toolbridge.Client implements it.
type Bridge interface {
	ListTools(ctx context.Context) ([]toolbridge.ToolDescriptor, error)
	dispatch.RemoteCaller
}

type Renderer interface {
	RenderTemplate(ctx context.Context, text string) (string, error)
}

type Invoker interface {
	InvokeTool(ctx context.Context, name string, args map[string]any) (toolbridge.Result, error)
}

type Options struct {
	Bridge   Bridge
	Renderer Renderer
	Invoker  Invoker

	SnapshotTool     string
	DefaultModel     string
	DefaultVoice     string
	BaseInstructions string

	// CameraSwitcher enables the switch_camera tool.
	CameraSwitcher dispatch.CameraSwitcher
	AuditSink      audit.Sink
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

type Preparer struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) (*Preparer, error) {
	if opts.Bridge == nil {
		return nil, errors.New("prepare: bridge is required")
	}
	if opts.SnapshotTool == "" {
		opts.SnapshotTool = DefaultSnapshotTool
	}
	if strings.TrimSpace(opts.BaseInstructions) == "" {
		opts.BaseInstructions = DefaultBaseInstructions
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Preparer{opts: opts, logger: logger}, nil
}

// Prepare runs catalog filtering, template rendering, live snapshot and
// instruction assembly, in that order. Only a catalog or template failure
// aborts; a failed snapshot is left out of the instruction.
func (p *Preparer) Prepare(ctx context.Context, profile Profile) (*SessionContext, error) {
	source := profile.Name
	if source == "" {
		source = "profile"
	}
	var warnings []string

	local := []dispatch.LocalTool{dispatch.EndConversationTool()}
	if p.opts.CameraSwitcher != nil {
		local = append(local, dispatch.SwitchCameraTool(p.opts.CameraSwitcher))
	}
	localNames := make(map[string]struct{}, len(local))
	for _, tool := range local {
		localNames[tool.Name] = struct{}{}
	}

	catalog, err := p.opts.Bridge.ListTools(ctx)
	if err != nil {
		return nil, core.NewPreparationError(source, "fetch tool catalog", err)
	}
	tools, missing := filterCatalog(catalog, profile, localNames)
	for _, name := range missing {
		msg := fmt.Sprintf("allowed tool %q is not in the backend catalog", name)
		warnings = append(warnings, msg)
		p.logger.Warn("tool allow-list mismatch", "profile", profile.Name, "tool", name)
	}

	var rendered string
	if strings.TrimSpace(profile.ContextTemplate) != "" {
		if p.opts.Renderer == nil {
			return nil, core.NewPreparationError(source, fmt.Sprintf("context template of profile %q cannot be rendered: no template endpoint configured", source), nil)
		}
		rendered, err = p.opts.Renderer.RenderTemplate(ctx, profile.ContextTemplate)
		if err != nil {
			return nil, core.NewPreparationError(source, fmt.Sprintf("context template of profile %q failed to render: %s", source, backendDetail(err)), err)
		}
	}

	var snapshot string
	if profile.IncludeLiveContext {
		snapshot, err = p.fetchSnapshot(ctx)
		if err != nil {
			degraded := core.NewDegradedContext("live context unavailable", err)
			warnings = append(warnings, degraded.Error())
			p.logger.Warn("live context omitted", "profile", profile.Name, "tool", p.opts.SnapshotTool, "error", degraded)
		}
	}

	model := firstNonBlank(profile.Model, p.opts.DefaultModel)
	if model == "" {
		return nil, core.NewPreparationError(source, "no model configured", nil)
	}

	id := uuid.NewString()
	allowed := make([]string, 0, len(tools))
	for _, tool := range tools {
		allowed = append(allowed, tool.Name)
	}
	dispatcher, err := dispatch.New(dispatch.Options{
		SessionID:     id,
		Local:         local,
		Remote:        p.opts.Bridge,
		RemoteAllowed: allowed,
		Sink:          p.opts.AuditSink,
		Metrics:       p.opts.Metrics,
		Logger:        p.logger,
	})
	if err != nil {
		return nil, core.NewPreparationError(source, "build tool routing table", err)
	}

	return NewSessionContext(ContextParams{
		ID:      id,
		Profile: profile.Name,
		Model:   model,
		Voice:   firstNonBlank(profile.Voice, p.opts.DefaultVoice),
		Tools:   tools,
		Instruction: AssembleInstruction(Sections{
			Base:        firstNonBlank(profile.BaseInstructions, p.opts.BaseInstructions),
			Personality: profile.Personality,
			Home:        rendered,
			Live:        snapshot,
		}),
		Dispatcher: dispatcher,
		Warnings:   warnings,
	}), nil
}

func (p *Preparer) fetchSnapshot(ctx context.Context) (string, error) {
	if p.opts.Invoker == nil {
		return "", errors.New("no tool invocation endpoint configured")
	}
	res, err := p.opts.Invoker.InvokeTool(ctx, p.opts.SnapshotTool, map[string]any{})
	if err != nil {
		return "", err
	}
	if res.IsError {
		return "", fmt.Errorf("tool %q failed: %s", p.opts.SnapshotTool, strings.TrimSpace(res.Text))
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return "", fmt.Errorf("tool %q returned no text", p.opts.SnapshotTool)
	}
	return text, nil
}

// filterCatalog keeps catalog order. It returns the allow-listed names that
// are missing from the catalog.
func filterCatalog(catalog []toolbridge.ToolDescriptor, profile Profile, local map[string]struct{}) ([]toolbridge.ToolDescriptor, []string) {
	var out []toolbridge.ToolDescriptor
	if profile.AllowAllTools {
		for _, tool := range catalog {
			if _, shadowed := local[tool.Name]; shadowed {
				continue
			}
			out = append(out, tool)
		}
		return out, nil
	}

	allowed := make(map[string]struct{}, len(profile.AllowedTools))
	for _, name := range profile.AllowedTools {
		if name = strings.TrimSpace(name); name != "" {
			allowed[name] = struct{}{}
		}
	}
	seen := make(map[string]struct{}, len(allowed))
	for _, tool := range catalog {
		if _, ok := allowed[tool.Name]; !ok {
			continue
		}
		if _, shadowed := local[tool.Name]; shadowed {
			continue
		}
		seen[tool.Name] = struct{}{}
		out = append(out, tool)
	}

	var missing []string
	for _, name := range profile.AllowedTools {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		if _, ok := local[name]; ok {
			continue
		}
		missing = append(missing, name)
		seen[name] = struct{}{}
	}
	return out, missing
}

func backendDetail(err error) string {
	var renderErr *toolbridge.RenderError
	if errors.As(err, &renderErr) {
		return renderErr.Message
	}
	return err.Error()
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
