package media

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

const (
	MicSampleRate = 16000
	MicMIMEType   = "audio/pcm;rate=16000"
)

// CommandSource is a ReaderSource fed by a child process's stdout.
type CommandSource struct {
	*ReaderSource
	cmd       *exec.Cmd
	closeOnce sync.Once
}

// StartCommand runs name with args and streams its stdout through split.
func StartCommand(ctx context.Context, logger *slog.Logger, mimeType string, split bufio.SplitFunc, name string, args ...string) (*CommandSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("media: start %s: %w", name, err)
	}
	go logStderr(stderr, logger.With("command", name))

	return &CommandSource{
		ReaderSource: NewReaderSource(stdout, mimeType, split),
		cmd:          cmd,
	}, nil
}

// Close stops the process and frame delivery.
func (s *CommandSource) Close() error {
	s.closeOnce.Do(func() {
		_ = s.ReaderSource.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
			_ = s.cmd.Wait()
		}
	})
	return nil
}

// MicConfig selects the capture device. Shell replaces the ffmpeg command
// entirely; it must write 16kHz mono s16le to stdout.
type MicConfig struct {
	FFmpegPath string
	Device     string
	FrameMS    int
	Shell      string
	Logger     *slog.Logger
}

// StartMic captures the microphone as 16kHz mono PCM.
func StartMic(ctx context.Context, cfg MicConfig) (*CommandSource, error) {
	frameMS := cfg.FrameMS
	if frameMS <= 0 {
		frameMS = 100
	}
	split := FixedSplit(MicSampleRate * 2 * frameMS / 1000)
	if strings.TrimSpace(cfg.Shell) != "" {
		return StartCommand(ctx, cfg.Logger, MicMIMEType, split, "/bin/sh", "-c", cfg.Shell)
	}
	return StartCommand(ctx, cfg.Logger, MicMIMEType, split, ffmpegPath(cfg.FFmpegPath), micArgs(runtime.GOOS, cfg.Device)...)
}

func micArgs(goos, device string) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	switch goos {
	case "darwin":
		if device == "" {
			device = "0"
		}
		// none:<index> keeps the camera closed.
		args = append(args, "-f", "avfoundation", "-i", "none:"+device)
	default:
		if device == "" {
			device = "default"
		}
		args = append(args, "-f", "pulse", "-i", device)
	}
	return append(args,
		"-ac", "1",
		"-ar", strconv.Itoa(MicSampleRate),
		"-f", "s16le",
		"-",
	)
}

func cameraArgs(goos, device string, fps int) []string {
	if fps <= 0 {
		fps = 1
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	switch goos {
	case "darwin":
		args = append(args, "-f", "avfoundation", "-framerate", "30", "-i", device+":none")
	default:
		args = append(args, "-f", "v4l2", "-i", device)
	}
	return append(args,
		"-vf", fmt.Sprintf("fps=%d,scale=768:-2", fps),
		"-q:v", "5",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-",
	)
}

func ffmpegPath(p string) string {
	if strings.TrimSpace(p) == "" {
		return "ffmpeg"
	}
	return p
}

func logStderr(r io.ReadCloser, logger *slog.Logger) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// Noisy AVFoundation deprecation warnings on macOS.
		if strings.Contains(line, "NSCameraUseContinuityCameraDeviceType") ||
			strings.Contains(line, "AVCaptureDeviceTypeExternal is deprecated") {
			continue
		}
		logger.Warn("media process", "line", line)
	}
}
