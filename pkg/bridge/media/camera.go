package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
)

const (
	FacingFront = "front"
	FacingBack  = "back"
)

type CameraConfig struct {
	FFmpegPath  string
	FrontDevice string
	BackDevice  string
	FPS         int
	Logger      *slog.Logger
}

// Camera streams JPEG frames from one of two devices and can switch between
// them while a session is running.
type Camera struct {
	cfg    CameraConfig
	logger *slog.Logger
	launch func(ctx context.Context, device string) (*CommandSource, error)

	mu      sync.Mutex
	ctx     context.Context
	facing  string
	current *CommandSource
	// switched is closed and replaced whenever the active device changes.
	switched chan struct{}
	closed   bool
}

// NewCamera starts capturing from the front device, or the back device
// when no front device is configured.
func NewCamera(ctx context.Context, cfg CameraConfig) (*Camera, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	launch := func(ctx context.Context, device string) (*CommandSource, error) {
		return StartCommand(ctx, logger, "image/jpeg", SplitJPEG, ffmpegPath(cfg.FFmpegPath), cameraArgs(runtime.GOOS, device, cfg.FPS)...)
	}
	return newCamera(ctx, cfg, launch)
}

func newCamera(ctx context.Context, cfg CameraConfig, launch func(context.Context, string) (*CommandSource, error)) (*Camera, error) {
	if cfg.FrontDevice == "" && cfg.BackDevice == "" {
		return nil, errors.New("media: at least one camera device is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Camera{
		cfg:      cfg,
		logger:   logger,
		launch:   launch,
		ctx:      ctx,
		switched: make(chan struct{}),
	}
	facing := FacingFront
	if cfg.FrontDevice == "" {
		facing = FacingBack
	}
	if err := c.start(facing); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Camera) device(facing string) string {
	if facing == FacingBack {
		return c.cfg.BackDevice
	}
	return c.cfg.FrontDevice
}

func (c *Camera) start(facing string) error {
	src, err := c.launch(c.ctx, c.device(facing))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.current = src
	c.facing = facing
	c.mu.Unlock()
	return nil
}

func (c *Camera) MIMEType() string { return "image/jpeg" }

func (c *Camera) Facing() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.facing
}

// Next returns the next frame of the active device. A device that stops
// because of a switch does not end the stream.
func (c *Camera) Next(ctx context.Context) ([]byte, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, io.EOF
		}
		src, switched := c.current, c.switched
		c.mu.Unlock()

		frame, err := src.Next(ctx)
		if err == nil {
			return frame, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case <-switched:
			continue
		default:
			return nil, err
		}
	}
}

// SwitchCamera activates the requested camera. An empty facing toggles.
// It returns the camera in use afterwards.
func (c *Camera) SwitchCamera(ctx context.Context, facing string) (string, error) {
	c.mu.Lock()
	current := c.facing
	c.mu.Unlock()

	if facing == "" {
		facing = FacingBack
		if current == FacingBack {
			facing = FacingFront
		}
	}
	if facing != FacingFront && facing != FacingBack {
		return current, fmt.Errorf("media: unknown camera %q", facing)
	}
	if facing == current {
		return current, nil
	}
	if c.device(facing) == "" {
		return current, fmt.Errorf("media: no %s camera configured", facing)
	}

	next, err := c.launch(c.ctx, c.device(facing))
	if err != nil {
		return current, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = next.Close()
		return current, errors.New("media: camera closed")
	}
	old := c.current
	c.current = next
	c.facing = facing
	close(c.switched)
	c.switched = make(chan struct{})
	c.mu.Unlock()

	_ = old.Close()
	c.logger.Info("camera switched", "facing", facing)
	return facing, nil
}

func (c *Camera) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	src := c.current
	c.mu.Unlock()
	if src != nil {
		return src.Close()
	}
	return nil
}
