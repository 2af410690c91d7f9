package media

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, src interface {
	Next(context.Context) ([]byte, error)
}) ([][]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var frames [][]byte
	for {
		frame, err := src.Next(ctx)
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
	}
}

func TestPCMSource_FixedFrames(t *testing.T) {
	src := NewPCMSource(bytes.NewReader([]byte("abcdefghij")), MicMIMEType, 4)
	defer src.Close()

	frames, err := drain(t, src)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, frames, 3)
	assert.Equal(t, "abcd", string(frames[0]))
	assert.Equal(t, "efgh", string(frames[1]))
	assert.Equal(t, "ij", string(frames[2]))
	assert.Equal(t, MicMIMEType, src.MIMEType())
}

func jpeg(body string) []byte {
	return append(append([]byte{0xFF, 0xD8}, body...), 0xFF, 0xD9)
}

func TestJPEGSource_SplitsImages(t *testing.T) {
	var stream bytes.Buffer
	stream.WriteString("junk")
	stream.Write(jpeg("one"))
	stream.Write(jpeg("two"))
	stream.WriteString("trailer")

	src := NewJPEGSource(&stream)
	frames, err := drain(t, src)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, frames, 2)
	assert.Equal(t, jpeg("one"), frames[0])
	assert.Equal(t, jpeg("two"), frames[1])
}

func TestJPEGSource_TruncatedImage(t *testing.T) {
	src := NewJPEGSource(bytes.NewReader(append(jpeg("ok"), 0xFF, 0xD8, 'x')))
	frames, err := drain(t, src)
	require.Len(t, frames, 1)
	assert.ErrorIs(t, err, errTruncatedJPEG)
}

func TestReaderSource_NextHonorsContext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	src := NewPCMSource(pr, MicMIMEType, 4)
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStartCommand_StreamsStdout(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	src, err := StartMic(context.Background(), MicConfig{Shell: "printf 'abcdefgh'", FrameMS: 1})
	require.NoError(t, err)
	defer src.Close()

	frames, err := drain(t, src)
	require.ErrorIs(t, err, io.EOF)
	// 1ms of 16kHz s16le is 32 bytes, so everything arrives as one short frame.
	require.Len(t, frames, 1)
	assert.Equal(t, "abcdefgh", string(frames[0]))
}

func TestMicArgs(t *testing.T) {
	assert.Contains(t, micArgs("linux", ""), "pulse")
	assert.Contains(t, micArgs("darwin", "2"), "none:2")
	args := cameraArgs("linux", "/dev/video0", 2)
	assert.Contains(t, args, "/dev/video0")
	assert.Contains(t, args, "fps=2,scale=768:-2")
}

func TestCamera_SwitchKeepsStreaming(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	front := filepath.Join(dir, "front.mjpeg")
	back := filepath.Join(dir, "back.mjpeg")
	require.NoError(t, os.WriteFile(front, jpeg("front"), 0o600))
	require.NoError(t, os.WriteFile(back, jpeg("back"), 0o600))

	launch := func(ctx context.Context, device string) (*CommandSource, error) {
		// Emit the frame, then stay alive like a real capture would.
		return StartCommand(ctx, nil, "image/jpeg", SplitJPEG, "/bin/sh", "-c", "cat \"$0\"; exec sleep 30", device)
	}
	cam, err := newCamera(context.Background(), CameraConfig{FrontDevice: front, BackDevice: back}, launch)
	require.NoError(t, err)
	defer cam.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	frame, err := cam.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, jpeg("front"), frame)
	assert.Equal(t, FacingFront, cam.Facing())

	facing, err := cam.SwitchCamera(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, FacingBack, facing)

	frame, err = cam.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, jpeg("back"), frame)

	facing, err = cam.SwitchCamera(ctx, FacingBack)
	require.NoError(t, err)
	assert.Equal(t, FacingBack, facing)

	_, err = cam.SwitchCamera(ctx, "side")
	assert.Error(t, err)

	require.NoError(t, cam.Close())
	_, err = cam.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCamera_RequiresDevice(t *testing.T) {
	_, err := NewCamera(context.Background(), CameraConfig{})
	assert.Error(t, err)
}

func TestSpeaker_WriteAndReset(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	out := filepath.Join(t.TempDir(), "played.pcm")
	sp := NewSpeaker(SpeakerConfig{})
	sp.command = func() *exec.Cmd {
		return exec.Command("/bin/sh", "-c", "cat >> \"$0\"", out)
	}
	defer sp.Close()

	require.NoError(t, sp.Write([]byte{1, 2, 3, 4}))
	sp.Reset()
	sp.mu.Lock()
	running := sp.cmd != nil
	sp.mu.Unlock()
	assert.False(t, running, "reset should stop the player")

	require.NoError(t, sp.Write([]byte{5, 6}))
	sp.mu.Lock()
	running = sp.cmd != nil
	sp.mu.Unlock()
	assert.True(t, running, "write after reset should restart the player")
}
