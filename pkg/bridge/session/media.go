package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vango-go/vai-home/pkg/bridge/protocol"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Source produces raw media. Next must return when ctx is done; io.EOF
// ends the stream.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
	MIMEType() string
}

type attachment struct {
	source Source
	cancel context.CancelFunc
	done   chan struct{}
}

// AttachMediaSource connects a media source of the given kind, replacing
// any source already attached for that kind. Sources attached before the
// session is active start streaming once the backend acknowledges setup.
func (e *Engine) AttachMediaSource(kind MediaKind, source Source) error {
	if kind != MediaAudio && kind != MediaVideo {
		return fmt.Errorf("session: unknown media kind %q", kind)
	}
	if source == nil {
		return fmt.Errorf("session: media source is nil")
	}
	_ = e.DetachMediaSource(kind)

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateClosing, StateClosed, StateFailed:
		return ErrNotActive
	}
	att := &attachment{source: source}
	e.sources[kind] = att
	if e.state == StateActive {
		e.startPumpLocked(kind, att)
	}
	return nil
}

// DetachMediaSource stops forwarding media of the given kind. It waits for
// the pump to return, bounded by the stop timeout.
func (e *Engine) DetachMediaSource(kind MediaKind) error {
	e.mu.Lock()
	att := e.sources[kind]
	delete(e.sources, kind)
	e.mu.Unlock()
	if att == nil {
		return nil
	}
	if att.cancel != nil {
		att.cancel()
		if !waitChan(att.done, e.cfg.StopTimeout) {
			e.log().Warn("media source did not stop in time", "kind", string(kind))
		}
	}
	return nil
}

func (e *Engine) startPumpLocked(kind MediaKind, att *attachment) {
	ctx, cancel := context.WithCancel(e.mediaCtx)
	att.cancel = cancel
	att.done = make(chan struct{})
	e.pumpWG.Add(1)
	go func() {
		defer e.pumpWG.Done()
		defer close(att.done)
		defer cancel()
		e.pump(ctx, kind, att.source)
	}()
}

func (e *Engine) pump(ctx context.Context, kind MediaKind, src Source) {
	var lastVideo time.Time
	for {
		data, err := src.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, io.EOF):
				e.log().Info("media source ended", "kind", string(kind))
			default:
				e.log().Warn("media source failed", "kind", string(kind), "error", err)
			}
			return
		}
		if len(data) == 0 {
			continue
		}

		switch kind {
		case MediaVideo:
			now := time.Now()
			if !lastVideo.IsZero() && now.Sub(lastVideo) < e.cfg.VideoMinInterval {
				continue
			}
			lastVideo = now
			if err := e.sendMedia(ctx, kind, src.MIMEType(), data); err != nil {
				return
			}
		default:
			for _, chunk := range splitChunks(data, e.cfg.AudioChunkBytes) {
				if err := e.sendMedia(ctx, kind, src.MIMEType(), chunk); err != nil {
					return
				}
			}
		}
	}
}

func (e *Engine) sendMedia(ctx context.Context, kind MediaKind, mimeType string, data []byte) error {
	payload, err := protocol.Encode(protocol.MediaChunk{MIMEType: mimeType, Data: data})
	if err != nil {
		e.log().Warn("dropping media chunk", "kind", string(kind), "error", err)
		return err
	}
	select {
	case e.outboundNormal <- outboundFrame{payload: payload, kind: string(kind)}:
		e.metrics.RecordMediaChunk(string(kind))
		return nil
	case <-e.writerDone:
		return errWriterStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func splitChunks(data []byte, size int) [][]byte {
	if size <= 0 || len(data) <= size {
		return [][]byte{data}
	}
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := min(size, len(data))
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}
