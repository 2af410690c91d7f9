package media

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
)

// SpeakerSampleRate is the rate of the model's audio output.
const SpeakerSampleRate = 24000

var errSpeakerStopped = errors.New("media: speaker is not running")

type SpeakerConfig struct {
	FFplayPath string
	SampleRate int
	Volume     int
	Logger     *slog.Logger
}

// Speaker plays s16le mono PCM through ffplay. Reset drops everything
// ffplay has buffered by restarting it.
type Speaker struct {
	cfg    SpeakerConfig
	logger *slog.Logger
	// command builds the player process; replaced in tests.
	command func() *exec.Cmd

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func NewSpeaker(cfg SpeakerConfig) *Speaker {
	if cfg.FFplayPath == "" {
		cfg.FFplayPath = "ffplay"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = SpeakerSampleRate
	}
	if cfg.Volume <= 0 {
		cfg.Volume = 80
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Speaker{cfg: cfg, logger: cfg.Logger}
	s.command = s.ffplayCommand
	return s
}

func (s *Speaker) ffplayCommand() *exec.Cmd {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-volume", strconv.Itoa(s.cfg.Volume),
		"-nodisp",
		"-f", "s16le",
		// ffplay takes -ch_layout, not -ac.
		"-ch_layout", "mono",
		"-ar", strconv.Itoa(s.cfg.SampleRate),
		"-i", "-",
	}
	cmd := exec.Command(s.cfg.FFplayPath, args...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	return cmd
}

func (s *Speaker) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Speaker) startLocked() error {
	if s.cmd != nil {
		return nil
	}
	cmd := s.command()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return err
	}
	s.logger.Debug("speaker started", "pid", cmd.Process.Pid)
	s.cmd = cmd
	s.stdin = stdin
	go func(c *exec.Cmd) {
		_ = c.Wait()
		s.mu.Lock()
		if s.cmd == c {
			s.cmd = nil
			s.stdin = nil
		}
		s.mu.Unlock()
	}(cmd)
	return nil
}

// Write queues PCM for playback, starting the player if needed.
func (s *Speaker) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	s.mu.Lock()
	if err := s.startLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return errSpeakerStopped
	}
	_, err := stdin.Write(p)
	return err
}

// Reset discards buffered audio. The player restarts on the next Write.
func (s *Speaker) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Speaker) closeLocked() {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.cmd = nil
	s.stdin = nil
}
