package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-home/internal/dotenv"
	"github.com/vango-go/vai-home/pkg/bridge/audit"
	"github.com/vango-go/vai-home/pkg/bridge/config"
	"github.com/vango-go/vai-home/pkg/bridge/dispatch"
	"github.com/vango-go/vai-home/pkg/bridge/media"
	"github.com/vango-go/vai-home/pkg/bridge/session"
	"github.com/vango-go/vai-home/pkg/bridge/toolbridge"
)

// Version is set at build time.
var Version = "dev"

type mediaSource interface {
	session.Source
	io.Closer
}

type cameraSource interface {
	mediaSource
	dispatch.CameraSwitcher
}

type player interface {
	Write(p []byte) error
	Reset()
	Close() error
}

type homeDeps struct {
	loadConfig   func() (config.Config, error)
	dialer       session.Dialer
	openMic      func(context.Context, config.Config, *slog.Logger) (mediaSource, error)
	openCamera   func(context.Context, config.Config, *slog.Logger) (cameraSource, error)
	newPlayer    func(config.Config, *slog.Logger) player
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultHomeDeps() homeDeps {
	return homeDeps{
		loadConfig: config.LoadFromEnv,
		dialer:     session.WebsocketDialer{},
		openMic: func(ctx context.Context, cfg config.Config, logger *slog.Logger) (mediaSource, error) {
			mic, err := media.StartMic(ctx, media.MicConfig{
				FFmpegPath: cfg.FFmpegPath,
				Device:     cfg.MicDevice,
				Shell:      cfg.MicCommand,
				Logger:     logger,
			})
			if err != nil {
				return nil, err
			}
			return mic, nil
		},
		openCamera: func(ctx context.Context, cfg config.Config, logger *slog.Logger) (cameraSource, error) {
			cam, err := media.NewCamera(ctx, media.CameraConfig{
				FFmpegPath:  cfg.FFmpegPath,
				FrontDevice: cfg.FrontCamera,
				BackDevice:  cfg.BackCamera,
				FPS:         cfg.CameraFPS,
				Logger:      logger,
			})
			if err != nil {
				return nil, err
			}
			return cam, nil
		},
		newPlayer: func(cfg config.Config, logger *slog.Logger) player {
			return media.NewSpeaker(media.SpeakerConfig{FFplayPath: cfg.FFplayPath, Logger: logger})
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// app carries what every subcommand shares.
type app struct {
	ctx    context.Context
	stdout io.Writer
	stderr io.Writer
	deps   homeDeps
}

// load reads configuration and builds the process logger at the configured
// level.
func (a *app) load() (config.Config, *slog.Logger, error) {
	if a.deps.loadConfig == nil {
		return config.Config{}, nil, errors.New("missing loadConfig dependency")
	}
	cfg, err := a.deps.loadConfig()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	return cfg, logger, nil
}

func bridgeOptions(cfg config.Config, logger *slog.Logger) toolbridge.Options {
	return toolbridge.Options{
		BaseURL:        cfg.HAURL,
		Token:          cfg.HAToken,
		SSEPath:        cfg.MCPSSEPath,
		HTTPPath:       cfg.MCPHTTPPath,
		CallTimeout:    cfg.ToolTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		ClientVersion:  Version,
		Logger:         logger,
	}
}

func connectBridge(ctx context.Context, cfg config.Config, logger *slog.Logger) (*toolbridge.Client, error) {
	client := toolbridge.NewClient(bridgeOptions(cfg, logger))
	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// auditSink always logs; it also appends to a Redis stream when one is
// configured. The returned close func is never nil.
func auditSink(ctx context.Context, cfg config.Config, logger *slog.Logger) (audit.Sink, func(), error) {
	logSink := audit.LogSink{Logger: logger}
	if cfg.AuditRedisURL == "" {
		return logSink, func() {}, nil
	}
	redisSink, err := audit.NewRedisStreamSink(ctx, audit.RedisConfig{
		URL:    cfg.AuditRedisURL,
		Stream: cfg.AuditRedisStream,
		MaxLen: cfg.AuditRedisMaxLen,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("audit trail enabled", "stream", cfg.AuditRedisStream)
	return audit.Multi(logSink, redisSink), func() { _ = redisSink.Close() }, nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "vai-home",
		Short:         "Talk to your home through a live voice model",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.AddCommand(newToolsCmd(a), newPrepareCmd(a), newRunCmd(a))
	return root
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps homeDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	if wd, err := os.Getwd(); err == nil {
		if _, err := dotenv.LoadNearest(wd, 3); err != nil {
			fmt.Fprintf(stderr, "vai-home: %v\n", err)
			return 1
		}
	}

	root := newRootCmd(&app{ctx: ctx, stdout: stdout, stderr: stderr, deps: deps})
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "vai-home: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultHomeDeps()))
}
