// Package config loads process configuration from VAI_HOME_* environment
// variables.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "VAI_HOME_"

type Config struct {
	// AI backend.
	GeminiAPIKey string
	LiveURL      string
	Model        string
	Voice        string

	// Tool backend.
	HAURL          string
	HAToken        string
	MCPSSEPath     string
	MCPHTTPPath    string
	ToolTimeout    time.Duration
	ConnectTimeout time.Duration
	SnapshotTool   string

	// Session engine.
	SetupTimeout      time.Duration
	StopTimeout       time.Duration
	WSWriteTimeout    time.Duration
	WSPingInterval    time.Duration
	MaxMessageBytes   int64
	OutboundQueueSize int
	AudioChunkBytes   int
	VideoMinInterval  time.Duration

	// Local media.
	FFmpegPath  string
	FFplayPath  string
	MicDevice   string
	MicCommand  string
	FrontCamera string
	BackCamera  string
	CameraFPS   int

	// Operations.
	MetricsAddr      string
	AuditRedisURL    string
	AuditRedisStream string
	AuditRedisMaxLen int64
	LogLevel         slog.Level
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		GeminiAPIKey:      envFirst(envPrefix+"GEMINI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"),
		LiveURL:           envOr(envPrefix+"LIVE_URL", ""),
		Model:             envOr(envPrefix+"MODEL", "gemini-2.0-flash-live-001"),
		Voice:             envOr(envPrefix+"VOICE", ""),
		HAURL:             strings.TrimRight(envOr(envPrefix+"HA_URL", "http://homeassistant.local:8123"), "/"),
		HAToken:           envOr(envPrefix+"HA_TOKEN", ""),
		MCPSSEPath:        envOr(envPrefix+"MCP_SSE_PATH", "/mcp_server/sse"),
		MCPHTTPPath:       envOr(envPrefix+"MCP_HTTP_PATH", "/api/mcp"),
		ToolTimeout:       envDurationOr(envPrefix+"TOOL_TIMEOUT", 10*time.Second),
		ConnectTimeout:    envDurationOr(envPrefix+"CONNECT_TIMEOUT", 10*time.Second),
		SnapshotTool:      envOr(envPrefix+"SNAPSHOT_TOOL", "GetLiveContext"),
		SetupTimeout:      envDurationOr(envPrefix+"SETUP_TIMEOUT", 10*time.Second),
		StopTimeout:       envDurationOr(envPrefix+"STOP_TIMEOUT", 5*time.Second),
		WSWriteTimeout:    envDurationOr(envPrefix+"WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:    envDurationOr(envPrefix+"WS_PING_INTERVAL", 20*time.Second),
		MaxMessageBytes:   envInt64Or(envPrefix+"MAX_MESSAGE_BYTES", 8<<20), // 8 MiB
		OutboundQueueSize: envIntOr(envPrefix+"OUTBOUND_QUEUE_SIZE", 128),
		AudioChunkBytes:   envIntOr(envPrefix+"AUDIO_CHUNK_BYTES", 3200), // 100ms of 16kHz s16le
		VideoMinInterval:  envDurationOr(envPrefix+"VIDEO_MIN_INTERVAL", time.Second),
		FFmpegPath:        envOr(envPrefix+"FFMPEG_PATH", "ffmpeg"),
		FFplayPath:        envOr(envPrefix+"FFPLAY_PATH", "ffplay"),
		MicDevice:         envOr(envPrefix+"MIC_DEVICE", ""),
		MicCommand:        envOr(envPrefix+"MIC_COMMAND", ""),
		FrontCamera:       envOr(envPrefix+"FRONT_CAMERA", ""),
		BackCamera:        envOr(envPrefix+"BACK_CAMERA", ""),
		CameraFPS:         envIntOr(envPrefix+"CAMERA_FPS", 1),
		MetricsAddr:       envOr(envPrefix+"METRICS_ADDR", ""),
		AuditRedisURL:     envOr(envPrefix+"AUDIT_REDIS_URL", ""),
		AuditRedisStream:  envOr(envPrefix+"AUDIT_REDIS_STREAM", "vai-home:audit"),
		AuditRedisMaxLen:  envInt64Or(envPrefix+"AUDIT_REDIS_MAXLEN", 10000),
	}

	level, err := parseLevel(envOr(envPrefix+"LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	u, err := url.Parse(cfg.HAURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, fmt.Errorf("%sHA_URL must be an http(s) URL", envPrefix)
	}
	if cfg.HAToken == "" {
		return Config{}, fmt.Errorf("%sHA_TOKEN must be set", envPrefix)
	}
	if !strings.HasPrefix(cfg.MCPSSEPath, "/") {
		return Config{}, fmt.Errorf("%sMCP_SSE_PATH must start with /", envPrefix)
	}
	if !strings.HasPrefix(cfg.MCPHTTPPath, "/") {
		return Config{}, fmt.Errorf("%sMCP_HTTP_PATH must start with /", envPrefix)
	}
	if cfg.LiveURL != "" {
		lu, err := url.Parse(cfg.LiveURL)
		if err != nil || (lu.Scheme != "ws" && lu.Scheme != "wss") {
			return Config{}, fmt.Errorf("%sLIVE_URL must be a ws(s) URL", envPrefix)
		}
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"TOOL_TIMEOUT", cfg.ToolTimeout},
		{"CONNECT_TIMEOUT", cfg.ConnectTimeout},
		{"SETUP_TIMEOUT", cfg.SetupTimeout},
		{"STOP_TIMEOUT", cfg.StopTimeout},
		{"WS_WRITE_TIMEOUT", cfg.WSWriteTimeout},
		{"WS_PING_INTERVAL", cfg.WSPingInterval},
	} {
		if d.value <= 0 {
			return Config{}, fmt.Errorf("%s%s must be > 0", envPrefix, d.name)
		}
	}
	if cfg.VideoMinInterval < 0 {
		return Config{}, fmt.Errorf("%sVIDEO_MIN_INTERVAL must be >= 0", envPrefix)
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%sMAX_MESSAGE_BYTES must be > 0", envPrefix)
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("%sOUTBOUND_QUEUE_SIZE must be > 0", envPrefix)
	}
	if cfg.AudioChunkBytes <= 0 || cfg.AudioChunkBytes%2 != 0 {
		return Config{}, fmt.Errorf("%sAUDIO_CHUNK_BYTES must be a positive even number", envPrefix)
	}
	if cfg.CameraFPS <= 0 {
		return Config{}, fmt.Errorf("%sCAMERA_FPS must be > 0", envPrefix)
	}
	if cfg.AuditRedisURL != "" && !strings.HasPrefix(cfg.AuditRedisURL, "redis://") && !strings.HasPrefix(cfg.AuditRedisURL, "rediss://") {
		return Config{}, fmt.Errorf("%sAUDIT_REDIS_URL must use redis:// or rediss://", envPrefix)
	}
	if cfg.AuditRedisMaxLen < 0 {
		return Config{}, fmt.Errorf("%sAUDIT_REDIS_MAXLEN must be >= 0", envPrefix)
	}

	return cfg, nil
}

// ValidateLive checks what a live session needs beyond the tool backend.
func (c Config) ValidateLive() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("%sGEMINI_API_KEY (or GEMINI_API_KEY) must be set", envPrefix)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%sMODEL must not be empty", envPrefix)
	}
	return nil
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("%sLOG_LEVEL must be one of debug|info|warn|error", envPrefix)
	}
	return level, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envFirst(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
