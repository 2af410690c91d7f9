package prepare

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-home/pkg/bridge/dispatch"
	"github.com/vango-go/vai-home/pkg/bridge/toolbridge"
	"github.com/vango-go/vai-home/pkg/core"
)

type fakeBridge struct {
	catalog []toolbridge.ToolDescriptor
	err     error
}

func (f *fakeBridge) ListTools(ctx context.Context) ([]toolbridge.ToolDescriptor, error) {
	return f.catalog, f.err
}

func (f *fakeBridge) CallTool(ctx context.Context, name string, args map[string]any) (toolbridge.Result, error) {
	return toolbridge.Result{Text: "ok " + name}, nil
}

type fakeRenderer struct {
	out   string
	err   error
	calls int
}

func (f *fakeRenderer) RenderTemplate(ctx context.Context, text string) (string, error) {
	f.calls++
	return f.out, f.err
}

type fakeInvoker struct {
	res   toolbridge.Result
	err   error
	calls []string
}

func (f *fakeInvoker) InvokeTool(ctx context.Context, name string, args map[string]any) (toolbridge.Result, error) {
	f.calls = append(f.calls, name)
	return f.res, f.err
}

func catalogOf(names ...string) []toolbridge.ToolDescriptor {
	out := make([]toolbridge.ToolDescriptor, 0, len(names))
	for _, n := range names {
		out = append(out, toolbridge.ToolDescriptor{Name: n, Description: "tool " + n, ParameterSchema: []byte(`{"type":"object"}`)})
	}
	return out
}

func toolNames(tools []toolbridge.ToolDescriptor) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Name)
	}
	return out
}

func newPreparer(t *testing.T, opts Options) *Preparer {
	t.Helper()
	if opts.DefaultModel == "" {
		opts.DefaultModel = "gemini-live-2.5-flash-preview"
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

func TestPrepare_AllowListIntersection(t *testing.T) {
	p := newPreparer(t, Options{Bridge: &fakeBridge{catalog: catalogOf("a", "b", "c")}})

	sc, err := p.Prepare(context.Background(), Profile{Name: "home", AllowedTools: []string{"a", "b"}})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, toolNames(sc.Tools()))
	require.Empty(t, sc.Warnings())
}

func TestPrepare_AllowListMissingNameWarns(t *testing.T) {
	p := newPreparer(t, Options{Bridge: &fakeBridge{catalog: catalogOf("a", "b", "c")}})

	sc, err := p.Prepare(context.Background(), Profile{Name: "home", AllowedTools: []string{"b", "a", "zzz"}})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, toolNames(sc.Tools()))
	require.Len(t, sc.Warnings(), 1)
	require.Contains(t, sc.Warnings()[0], `"zzz"`)
}

func TestPrepare_AllowAll(t *testing.T) {
	p := newPreparer(t, Options{Bridge: &fakeBridge{catalog: catalogOf("a", "b", "c")}})

	sc, err := p.Prepare(context.Background(), Profile{Name: "home", AllowAllTools: true})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, toolNames(sc.Tools()))
}

func TestPrepare_DeclarationsIncludeLocalTools(t *testing.T) {
	p := newPreparer(t, Options{Bridge: &fakeBridge{catalog: catalogOf("a")}})

	sc, err := p.Prepare(context.Background(), Profile{Name: "home", AllowAllTools: true, AllowedTools: []string{dispatch.ToolEndConversation}})
	require.NoError(t, err)

	var names []string
	for _, d := range sc.Declarations() {
		names = append(names, d.Name)
	}
	require.Equal(t, []string{"a", dispatch.ToolEndConversation}, names)
	require.True(t, sc.Dispatcher().IsLocal(dispatch.ToolEndConversation))
	require.NoError(t, sc.Dispatcher().Close())
}

func TestPrepare_DispatcherRejectsFilteredTools(t *testing.T) {
	p := newPreparer(t, Options{Bridge: &fakeBridge{catalog: catalogOf("a", "b")}})

	sc, err := p.Prepare(context.Background(), Profile{Name: "home", AllowedTools: []string{"a"}})
	require.NoError(t, err)

	out := sc.Dispatcher().Dispatch(context.Background(), dispatch.Request{Name: "a"})
	require.Nil(t, out.Err)
	out = sc.Dispatcher().Dispatch(context.Background(), dispatch.Request{Name: "b"})
	require.NotNil(t, out.Err)
	require.Equal(t, "unknown_tool", out.Err.Code)
}

func TestPrepare_TemplateRenderErrorFailsFast(t *testing.T) {
	renderer := &fakeRenderer{err: &toolbridge.RenderError{StatusCode: http.StatusBadRequest, Message: "unexpected '}'"}}
	invoker := &fakeInvoker{res: toolbridge.Result{Text: "live"}}
	p := newPreparer(t, Options{Bridge: &fakeBridge{}, Renderer: renderer, Invoker: invoker})

	sc, err := p.Prepare(context.Background(), Profile{Name: "kitchen", ContextTemplate: "{{ broken }", IncludeLiveContext: true})
	require.Nil(t, sc)
	require.Error(t, err)

	coreErr, ok := core.AsError(err)
	require.True(t, ok)
	require.Equal(t, core.ErrPreparation, coreErr.Type)
	require.Equal(t, "kitchen", coreErr.Param)
	require.Contains(t, coreErr.Message, "kitchen")
	require.Contains(t, coreErr.Message, "unexpected '}'")
	require.Empty(t, invoker.calls, "snapshot must not run after a failed render")
}

func TestPrepare_BlankTemplateSkipsRender(t *testing.T) {
	renderer := &fakeRenderer{out: "x"}
	p := newPreparer(t, Options{Bridge: &fakeBridge{}, Renderer: renderer})

	_, err := p.Prepare(context.Background(), Profile{Name: "home", ContextTemplate: "   \n"})
	require.NoError(t, err)
	require.Zero(t, renderer.calls)
}

func TestPrepare_SnapshotFailureDegrades(t *testing.T) {
	invoker := &fakeInvoker{err: errors.New("connection refused")}
	p := newPreparer(t, Options{Bridge: &fakeBridge{}, Invoker: invoker})

	sc, err := p.Prepare(context.Background(), Profile{Name: "home", Personality: "Cheerful.", IncludeLiveContext: true})
	require.NoError(t, err)
	require.NotNil(t, sc)
	require.Equal(t, []string{DefaultSnapshotTool}, invoker.calls)
	require.NotContains(t, sc.Instruction(), "<live_context>")
	require.Contains(t, sc.Instruction(), "<personality>\nCheerful.\n</personality>")
	require.Len(t, sc.Warnings(), 1)
	require.Contains(t, sc.Warnings()[0], string(core.ErrDegradedContext))
}

func TestPrepare_SnapshotBackendErrorDegrades(t *testing.T) {
	invoker := &fakeInvoker{res: toolbridge.Result{IsError: true, Text: "unknown tool"}}
	p := newPreparer(t, Options{Bridge: &fakeBridge{}, Invoker: invoker})

	sc, err := p.Prepare(context.Background(), Profile{Name: "home", IncludeLiveContext: true})
	require.NoError(t, err)
	require.NotContains(t, sc.Instruction(), "<live_context>")
}

func TestPrepare_FullInstructionOrder(t *testing.T) {
	p := newPreparer(t, Options{
		Bridge:       &fakeBridge{},
		Renderer:     &fakeRenderer{out: "The sun is above_horizon."},
		Invoker:      &fakeInvoker{res: toolbridge.Result{Text: "kitchen light: on"}},
		SnapshotTool: "Snapshot",
	})

	sc, err := p.Prepare(context.Background(), Profile{
		Name:               "home",
		BaseInstructions:   "Be brief.",
		Personality:        "Dry humor.",
		ContextTemplate:    "The sun is {{ states('sun.sun') }}.",
		IncludeLiveContext: true,
		Voice:              "Kore",
	})
	require.NoError(t, err)

	want := strings.Join([]string{
		"<base_instructions>\nBe brief.\n</base_instructions>",
		"<personality>\nDry humor.\n</personality>",
		"<home_context>\nThe sun is above_horizon.\n</home_context>",
		"<live_context>\nkitchen light: on\n</live_context>",
	}, "\n\n")
	require.Equal(t, want, sc.Instruction())
	require.Equal(t, "Kore", sc.Voice())
	require.Equal(t, "gemini-live-2.5-flash-preview", sc.Model())
	require.NotEmpty(t, sc.ID())

	setup := sc.Setup()
	require.Equal(t, want, setup.SystemInstruction)
	require.True(t, setup.Transcribe)
}

func TestPrepare_IsRepeatable(t *testing.T) {
	p := newPreparer(t, Options{Bridge: &fakeBridge{catalog: catalogOf("a", "b")}})
	profile := Profile{Name: "home", AllowedTools: []string{"a"}}

	first, err := p.Prepare(context.Background(), profile)
	require.NoError(t, err)
	second, err := p.Prepare(context.Background(), profile)
	require.NoError(t, err)

	require.Equal(t, first.Instruction(), second.Instruction())
	require.Equal(t, first.Tools(), second.Tools())
	require.NotEqual(t, first.ID(), second.ID())
}

func TestPrepare_CatalogFailure(t *testing.T) {
	p := newPreparer(t, Options{Bridge: &fakeBridge{err: core.NewConnectionError("lost", nil)}})

	_, err := p.Prepare(context.Background(), Profile{Name: "home"})
	require.True(t, core.IsType(err, core.ErrPreparation))
	require.True(t, core.IsType(err, core.ErrConnection), "cause should stay reachable")
}

func TestPrepare_CameraSwitcherAddsTool(t *testing.T) {
	p := newPreparer(t, Options{Bridge: &fakeBridge{}, CameraSwitcher: switcherFunc(func(ctx context.Context, facing string) (string, error) {
		return "front", nil
	})})

	sc, err := p.Prepare(context.Background(), Profile{Name: "home"})
	require.NoError(t, err)
	require.True(t, sc.Dispatcher().IsLocal(dispatch.ToolSwitchCamera))
}

type switcherFunc func(ctx context.Context, facing string) (string, error)

func (f switcherFunc) SwitchCamera(ctx context.Context, facing string) (string, error) {
	return f(ctx, facing)
}

func TestSessionContext_ReturnsCopies(t *testing.T) {
	sc := NewSessionContext(ContextParams{Tools: catalogOf("a"), Warnings: []string{"w"}})

	tools := sc.Tools()
	tools[0].Name = "changed"
	warnings := sc.Warnings()
	warnings[0] = "changed"

	require.Equal(t, "a", sc.Tools()[0].Name)
	require.Equal(t, "w", sc.Warnings()[0])
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile([]byte(`
name: kitchen
voice: Puck
personality: Warm and brief.
context_template: "It is {{ now().hour }} o'clock."
allowed_tools: [HassTurnOn, HassTurnOff]
include_live_context: true
`))
	require.NoError(t, err)
	require.Equal(t, "kitchen", p.Name)
	require.Equal(t, []string{"HassTurnOn", "HassTurnOff"}, p.AllowedTools)
	require.True(t, p.IncludeLiveContext)
	require.False(t, p.AllowAllTools)

	_, err = ParseProfile([]byte("name: x\nallowed: [a]\n"))
	require.Error(t, err)

	_, err = ParseProfile([]byte("voice: Puck\n"))
	require.Error(t, err)
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: den\nallow_all_tools: true\n"), 0o600))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	require.Equal(t, "den", p.Name)
	require.True(t, p.AllowAllTools)
}

func TestAssembleInstruction_OmitsEmptySections(t *testing.T) {
	got := AssembleInstruction(Sections{Base: "Be brief.", Live: "  "})
	require.Equal(t, "<base_instructions>\nBe brief.\n</base_instructions>", got)
	require.Empty(t, AssembleInstruction(Sections{}))
}
