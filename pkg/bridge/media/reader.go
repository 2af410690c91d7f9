// Package media captures microphone audio and camera frames with ffmpeg and
// plays model audio with ffplay.
package media

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
)

const maxJPEGBytes = 4 << 20

// ReaderSource splits a byte stream into frames. It satisfies the session
// engine's media source contract: Next honors ctx and ends with io.EOF.
type ReaderSource struct {
	mimeType string
	frames   chan readResult
	stop     chan struct{}
	once     sync.Once
}

type readResult struct {
	data []byte
	err  error
}

// NewReaderSource reads r in the background, emitting one frame per token
// of split.
func NewReaderSource(r io.Reader, mimeType string, split bufio.SplitFunc) *ReaderSource {
	s := &ReaderSource{
		mimeType: mimeType,
		frames:   make(chan readResult, 8),
		stop:     make(chan struct{}),
	}
	go s.run(r, split)
	return s
}

// NewPCMSource emits fixed-size PCM frames. The final frame may be short.
func NewPCMSource(r io.Reader, mimeType string, frameBytes int) *ReaderSource {
	return NewReaderSource(r, mimeType, FixedSplit(frameBytes))
}

// NewJPEGSource emits one JPEG image per frame from a concatenated stream,
// such as ffmpeg's image2pipe output.
func NewJPEGSource(r io.Reader) *ReaderSource {
	return NewReaderSource(r, "image/jpeg", SplitJPEG)
}

func (s *ReaderSource) run(r io.Reader, split bufio.SplitFunc) {
	defer close(s.frames)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxJPEGBytes)
	scanner.Split(split)
	for scanner.Scan() {
		frame := append([]byte(nil), scanner.Bytes()...)
		select {
		case s.frames <- readResult{data: frame}:
		case <-s.stop:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case s.frames <- readResult{err: err}:
		case <-s.stop:
		}
	}
}

func (s *ReaderSource) MIMEType() string { return s.mimeType }

func (s *ReaderSource) Next(ctx context.Context) ([]byte, error) {
	select {
	case res, ok := <-s.frames:
		if !ok {
			return nil, io.EOF
		}
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops delivering frames. The underlying reader is not closed.
func (s *ReaderSource) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

// FixedSplit tokenizes a stream into n-byte chunks.
func FixedSplit(n int) bufio.SplitFunc {
	if n <= 0 {
		n = 3200
	}
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if len(data) >= n {
			return n, data[:n], nil
		}
		if atEOF && len(data) > 0 {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}

	errTruncatedJPEG = errors.New("media: stream ended inside a jpeg image")
)

// SplitJPEG tokenizes a stream of concatenated JPEG images. Bytes outside
// an SOI/EOI pair are skipped.
func SplitJPEG(data []byte, atEOF bool) (int, []byte, error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xFF; it may begin the next SOI.
		if len(data) > 1 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, errTruncatedJPEG
		}
		if start > 0 {
			return start, nil, nil
		}
		return 0, nil, nil
	}
	stop := start + len(jpegSOI) + end + len(jpegEOI)
	return stop, data[start:stop], nil
}
