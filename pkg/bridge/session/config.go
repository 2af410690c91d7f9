package session

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vango-go/vai-home/pkg/bridge/metrics"
)

// DefaultLiveURL is the Gemini Live bidirectional streaming endpoint.
const DefaultLiveURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

type Config struct {
	SetupTimeout      time.Duration
	StopTimeout       time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	MaxMessageBytes   int64
	OutboundQueueSize int
	// AudioChunkBytes caps the size of one outbound audio chunk.
	AudioChunkBytes int
	// VideoMinInterval drops video frames that arrive faster than this.
	VideoMinInterval time.Duration
	EventBuffer      int
}

type Dependencies struct {
	Dialer  Dialer
	URL     string
	APIKey  string
	Header  http.Header
	Config  Config
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = 10 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 8 << 20
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 128
	}
	if c.AudioChunkBytes <= 0 {
		// 100ms of 16kHz mono s16le.
		c.AudioChunkBytes = 3200
	}
	if c.VideoMinInterval < 0 {
		c.VideoMinInterval = 0
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	return c
}

// endpoint adds the API key to the query string unless the URL already
// carries one.
func endpoint(raw, apiKey string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		raw = DefaultLiveURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("session: parse live url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("session: live url scheme must be ws or wss, got %q", u.Scheme)
	}
	if apiKey != "" {
		q := u.Query()
		if q.Get("key") == "" {
			q.Set("key", apiKey)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Get("key") != "" {
		q.Set("key", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
