package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-home/pkg/bridge/audit"
	"github.com/vango-go/vai-home/pkg/bridge/config"
	"github.com/vango-go/vai-home/pkg/bridge/metrics"
	"github.com/vango-go/vai-home/pkg/bridge/prepare"
	"github.com/vango-go/vai-home/pkg/bridge/session"
	"github.com/vango-go/vai-home/pkg/bridge/sessions"
	"github.com/vango-go/vai-home/pkg/bridge/toolbridge"
)

type runOptions struct {
	profilePath string
	say         string
	noMic       bool
	noSpeaker   bool
	camera      bool
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a live voice session for a profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.profilePath == "" {
				return errors.New("--profile is required")
			}
			return runSession(cmd.Context(), a, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.profilePath, "profile", "p", "", "path to the profile YAML")
	cmd.Flags().StringVar(&opts.say, "say", "", "send this text as the first user turn")
	cmd.Flags().BoolVar(&opts.noMic, "no-mic", false, "do not capture the microphone")
	cmd.Flags().BoolVar(&opts.noSpeaker, "no-speaker", false, "do not play model audio")
	cmd.Flags().BoolVar(&opts.camera, "camera", false, "stream the configured camera as video")
	return cmd
}

func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		SetupTimeout:      cfg.SetupTimeout,
		StopTimeout:       cfg.StopTimeout,
		WriteTimeout:      cfg.WSWriteTimeout,
		PingInterval:      cfg.WSPingInterval,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		OutboundQueueSize: cfg.OutboundQueueSize,
		AudioChunkBytes:   cfg.AudioChunkBytes,
		VideoMinInterval:  cfg.VideoMinInterval,
	}
}

func runSession(ctx context.Context, a *app, opts runOptions) error {
	if a.deps.signalNotify == nil || a.deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	cfg, logger, err := a.load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateLive(); err != nil {
		return err
	}
	profile, err := prepare.LoadProfile(opts.profilePath)
	if err != nil {
		return err
	}

	m := metrics.New()
	tracker := &sessions.Tracker{}
	if cfg.MetricsAddr != "" {
		stopOps := serveOps(cfg.MetricsAddr, m, tracker, logger)
		defer stopOps()
	}

	sink, closeSink, err := auditSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	var mic mediaSource
	if !opts.noMic {
		if a.deps.openMic == nil {
			return errors.New("missing openMic dependency")
		}
		mic, err = a.deps.openMic(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("open microphone: %w", err)
		}
		defer mic.Close()
	}
	var cam cameraSource
	if opts.camera {
		if cfg.FrontCamera == "" && cfg.BackCamera == "" {
			return errors.New("--camera needs VAI_HOME_FRONT_CAMERA or VAI_HOME_BACK_CAMERA")
		}
		if a.deps.openCamera == nil {
			return errors.New("missing openCamera dependency")
		}
		cam, err = a.deps.openCamera(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("open camera: %w", err)
		}
		defer cam.Close()
	}

	client, err := connectBridge(ctx, cfg, logger)
	if err != nil {
		return err
	}
	rest := toolbridge.NewRESTClient(bridgeOptions(cfg, logger))
	prepOpts := prepare.Options{
		Bridge:       client,
		Renderer:     rest,
		Invoker:      rest,
		SnapshotTool: cfg.SnapshotTool,
		DefaultModel: cfg.Model,
		DefaultVoice: cfg.Voice,
		AuditSink:    sink,
		Metrics:      m,
		Logger:       logger,
	}
	if cam != nil {
		prepOpts.CameraSwitcher = cam
	}
	preparer, err := prepare.New(prepOpts)
	if err != nil {
		_ = client.Close()
		return err
	}
	sc, err := preparer.Prepare(ctx, profile)
	if err != nil {
		_ = client.Close()
		return err
	}
	for _, w := range sc.Warnings() {
		logger.Warn("session prepared with warning", "profile", sc.Profile(), "warning", w)
	}

	engine, err := session.New(session.Dependencies{
		Dialer:  a.deps.dialer,
		URL:     cfg.LiveURL,
		APIKey:  cfg.GeminiAPIKey,
		Config:  sessionConfig(cfg),
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		_ = sc.Dispatcher().Close()
		return err
	}
	unregister := tracker.Register(sc.ID(), sc.Profile(), engine)
	defer unregister()

	if mic != nil {
		if err := engine.AttachMediaSource(session.MediaAudio, mic); err != nil {
			_ = sc.Dispatcher().Close()
			return err
		}
	}
	if cam != nil {
		if err := engine.AttachMediaSource(session.MediaVideo, cam); err != nil {
			_ = sc.Dispatcher().Close()
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	a.deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer a.deps.signalStop(sigCh)

	released := make(chan struct{})
	defer close(released)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout+time.Second)
			defer cancel()
			if !tracker.Shutdown(shutdownCtx) {
				logger.Warn("sessions still running after shutdown grace period", "count", tracker.Count())
			}
		case <-released:
		}
	}()

	if err := engine.Start(ctx, sc); err != nil {
		if errors.Is(err, session.ErrStopped) {
			return nil
		}
		return err
	}
	fmt.Fprintf(a.stdout, "connected: %s (%s), session %s\n", sc.Profile(), sc.Model(), sc.ID())

	var out player
	if !opts.noSpeaker && a.deps.newPlayer != nil {
		out = a.deps.newPlayer(cfg, logger)
		defer out.Close()
	}

	if opts.say != "" {
		if err := engine.SendText(ctx, opts.say); err != nil {
			logger.Warn("initial text not sent", "error", err)
		}
	}

	return consume(ctx, a.stdout, engine, sc.Dispatcher().Audit(), out, logger)
}

// consume renders session events until the engine ends. Audio goes to out;
// transcripts and tool activity go to w.
func consume(ctx context.Context, w io.Writer, engine *session.Engine, auditCh <-chan audit.Entry, out player, logger *slog.Logger) error {
	var tr transcript
	events := engine.Events()
	done := ctx.Done()
	for events != nil || auditCh != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Interrupted && out != nil {
				out.Reset()
			}
			if len(ev.Audio) > 0 && out != nil {
				if err := out.Write(ev.Audio); err != nil {
					logger.Debug("playback write failed", "error", err)
				}
			}
			if ev.GoAway {
				fmt.Fprintf(w, "backend is closing the session in %s\n", ev.GoAwayTimeLeft)
			}
			tr.add(ev)
			if ev.TurnComplete || ev.Interrupted {
				tr.flush(w)
			}
		case entry, ok := <-auditCh:
			if !ok {
				auditCh = nil
				continue
			}
			printAudit(w, entry)
		case <-done:
			done = nil
			engine.Cancel()
		}
	}
	<-engine.Done()
	tr.flush(w)

	if engine.State() == session.StateFailed {
		return engine.Err()
	}
	return nil
}

// transcript collects the fragments of one turn.
type transcript struct {
	user  strings.Builder
	model strings.Builder
}

func (t *transcript) add(ev session.Event) {
	t.user.WriteString(ev.InputTranscript)
	if ev.OutputTranscript != "" {
		t.model.WriteString(ev.OutputTranscript)
	} else {
		t.model.WriteString(ev.Text)
	}
}

func (t *transcript) flush(w io.Writer) {
	if s := strings.TrimSpace(t.user.String()); s != "" {
		fmt.Fprintf(w, "you: %s\n", s)
	}
	if s := strings.TrimSpace(t.model.String()); s != "" {
		fmt.Fprintf(w, "assistant: %s\n", s)
	}
	t.user.Reset()
	t.model.Reset()
}

func printAudit(w io.Writer, e audit.Entry) {
	if e.Outcome == audit.OutcomeOK {
		fmt.Fprintf(w, "tool %s ok (%s)\n", e.Tool, e.Duration.Round(time.Millisecond))
		return
	}
	fmt.Fprintf(w, "tool %s failed: %s\n", e.Tool, e.ErrorCode)
}

type healthResponse struct {
	Status   string        `json:"status"`
	Sessions []sessionInfo `json:"sessions"`
}

type sessionInfo struct {
	ID        string    `json:"id"`
	Profile   string    `json:"profile"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

func opsHandler(m *metrics.Metrics, tracker *sessions.Tracker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", Sessions: []sessionInfo{}}
		for _, info := range tracker.Snapshot() {
			resp.Sessions = append(resp.Sessions, sessionInfo{
				ID:        info.ID,
				Profile:   info.Profile,
				State:     info.State.String(),
				StartedAt: info.StartedAt,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

// serveOps exposes metrics and health on addr until the returned func is
// called.
func serveOps(addr string, m *metrics.Metrics, tracker *sessions.Tracker, logger *slog.Logger) func() {
	srv := &http.Server{
		Addr:              addr,
		Handler:           opsHandler(m, tracker),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
