// Package config loads gateway configuration from the environment with safe
// defaults and strict validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MemoryDriver selects the session memory backend.
type MemoryDriver string

const (
	MemoryDriverInProcess MemoryDriver = "inprocess"
	MemoryDriverRedis     MemoryDriver = "redis"
)

type Config struct {
	Addr string

	// AuthSecret signs and verifies tenant tokens (HS256).
	AuthSecret string

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Admission control.
	MaxConnsPerTenant int
	TurnRateWindow    time.Duration
	TurnRateMax       int
	HandshakeWindow   time.Duration
	HandshakeMax      int

	// Session memory.
	MemoryDriver   MemoryDriver
	SessionTTL     time.Duration
	MaxTurns       int
	MaxTurnBytes   int
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	// Resilient call wrapper.
	CallRetries   int
	CallBaseDelay time.Duration
	CallMaxDelay  time.Duration
	CallTimeout   time.Duration

	// Streaming sessions.
	ChunkWidth        int
	InterChunkDelay   time.Duration
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	MaxMessageBytes   int64
	WSPingInterval    time.Duration
	WSWriteTimeout    time.Duration
	SSEPadBytes       int

	// TelephonySilenceCommit is the inbound media gap that commits the
	// buffered fragments as one turn.
	TelephonySilenceCommit time.Duration

	// Answer engine (ark chat model).
	ArkAPIKey  string
	ArkModel   string
	ArkBaseURL string

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                   envOr("VOXHALL_ADDR", ":8080"),
		AuthSecret:             os.Getenv("VOXHALL_AUTH_SECRET"),
		CORSAllowedOrigins:     make(map[string]struct{}),
		MaxConnsPerTenant:      envIntOr("VOXHALL_MAX_CONNS_PER_TENANT", 8),
		TurnRateWindow:         envDurationOr("VOXHALL_TURN_RATE_WINDOW", time.Minute),
		TurnRateMax:            envIntOr("VOXHALL_TURN_RATE_MAX", 30),
		HandshakeWindow:        envDurationOr("VOXHALL_HANDSHAKE_WINDOW", time.Minute),
		HandshakeMax:           envIntOr("VOXHALL_HANDSHAKE_MAX", 60),
		MemoryDriver:           MemoryDriver(envOr("VOXHALL_MEMORY_DRIVER", string(MemoryDriverInProcess))),
		SessionTTL:             envDurationOr("VOXHALL_SESSION_TTL", 30*time.Minute),
		MaxTurns:               envIntOr("VOXHALL_MAX_TURNS", 12),
		MaxTurnBytes:           envIntOr("VOXHALL_MAX_TURN_BYTES", 4096),
		RedisAddr:              envOr("VOXHALL_REDIS_ADDR", "localhost:6379"),
		RedisPassword:          os.Getenv("VOXHALL_REDIS_PASSWORD"),
		RedisDB:                envIntOr("VOXHALL_REDIS_DB", 0),
		RedisKeyPrefix:         envOr("VOXHALL_REDIS_KEY_PREFIX", "voxhall:session:"),
		CallRetries:            envIntOr("VOXHALL_CALL_RETRIES", 2),
		CallBaseDelay:          envDurationOr("VOXHALL_CALL_BASE_DELAY", 200*time.Millisecond),
		CallMaxDelay:           envDurationOr("VOXHALL_CALL_MAX_DELAY", 2*time.Second),
		CallTimeout:            envDurationOr("VOXHALL_CALL_TIMEOUT", 15*time.Second),
		ChunkWidth:             envIntOr("VOXHALL_CHUNK_WIDTH", 48),
		InterChunkDelay:        envDurationOr("VOXHALL_INTER_CHUNK_DELAY", 20*time.Millisecond),
		HeartbeatInterval:      envDurationOr("VOXHALL_HEARTBEAT_INTERVAL", 5*time.Second),
		HandshakeTimeout:       envDurationOr("VOXHALL_HANDSHAKE_TIMEOUT", 5*time.Second),
		MaxMessageBytes:        envInt64Or("VOXHALL_MAX_MESSAGE_BYTES", 64*1024),
		WSPingInterval:         envDurationOr("VOXHALL_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:         envDurationOr("VOXHALL_WS_WRITE_TIMEOUT", 5*time.Second),
		SSEPadBytes:            envIntOr("VOXHALL_SSE_PAD_BYTES", 2048),
		TelephonySilenceCommit: envDurationOr("VOXHALL_TELEPHONY_SILENCE_COMMIT", 700*time.Millisecond),
		ArkAPIKey:              os.Getenv("VOXHALL_ARK_API_KEY"),
		ArkModel:               os.Getenv("VOXHALL_ARK_MODEL"),
		ArkBaseURL:             envOr("VOXHALL_ARK_BASE_URL", ""),
		ReadHeaderTimeout:      envDurationOr("VOXHALL_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:    envDurationOr("VOXHALL_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("VOXHALL_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if strings.TrimSpace(cfg.AuthSecret) == "" {
		return Config{}, fmt.Errorf("VOXHALL_AUTH_SECRET must be set")
	}
	switch cfg.MemoryDriver {
	case MemoryDriverInProcess, MemoryDriverRedis:
	default:
		return Config{}, fmt.Errorf("VOXHALL_MEMORY_DRIVER must be one of inprocess|redis")
	}
	if cfg.MemoryDriver == MemoryDriverRedis && strings.TrimSpace(cfg.RedisAddr) == "" {
		return Config{}, fmt.Errorf("VOXHALL_REDIS_ADDR must be set when VOXHALL_MEMORY_DRIVER=redis")
	}
	if cfg.MaxConnsPerTenant <= 0 {
		return Config{}, fmt.Errorf("VOXHALL_MAX_CONNS_PER_TENANT must be > 0")
	}
	if cfg.TurnRateWindow <= 0 {
		return Config{}, fmt.Errorf("VOXHALL_TURN_RATE_WINDOW must be > 0")
	}
	if cfg.TurnRateMax <= 0 {
		return Config{}, fmt.Errorf("VOXHALL_TURN_RATE_MAX must be > 0")
	}
	if cfg.HandshakeWindow <= 0 {
		return Config{}, fmt.Errorf("VOXHALL_HANDSHAKE_WINDOW must be > 0")
	}
	if cfg.HandshakeMax <= 0 {
		return Config{}, fmt.Errorf("VOXHALL_HANDSHAKE_MAX must be > 0")
	}
	if cfg.SessionTTL <= 0 {
		return Config{}, fmt.Errorf("VOXHALL_SESSION_TTL must be > 0")
	}
	if cfg.MaxTurns <= 0 {
		return Config{}, fmt.Errorf("VOXHALL_MAX_TURNS must be > 0")
	}
	if cfg.MaxTurnBytes <= 0 {
		return Config{}, fmt.Errorf("VOXHALL_MAX_TURN_BYTES must be > 0")
	}
	if cfg.CallRetries < 0 {
		return Config{}, fmt.Errorf("VOXHALL_CALL_RETRIES must be >= 0")
	}
	if cfg.CallBaseDelay <= 0 {
		return Config{}, fmt.Errorf("VOXHALL_CALL_BASE_DELAY must be > 0")
	}
	if cfg.CallMaxDelay < cfg.CallBaseDelay {
		return Config{}, fmt.Errorf("VOXHALL_CALL_MAX_DELAY must be >= VOXHALL_CALL_BASE_DELAY")
	}
	if cfg.CallTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXHALL_CALL_TIMEOUT must be > 0")
	}
	if cfg.ChunkWidth <= 0 {
		return Config{}, fmt.Errorf("VOXHALL_CHUNK_WIDTH must be > 0")
	}
	if cfg.InterChunkDelay < 0 {
		return Config{}, fmt.Errorf("VOXHALL_INTER_CHUNK_DELAY must be >= 0")
	}
	if cfg.HeartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("VOXHALL_HEARTBEAT_INTERVAL must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXHALL_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOXHALL_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOXHALL_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXHALL_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.SSEPadBytes < 0 {
		return Config{}, fmt.Errorf("VOXHALL_SSE_PAD_BYTES must be >= 0")
	}
	if cfg.TelephonySilenceCommit <= 0 {
		return Config{}, fmt.Errorf("VOXHALL_TELEPHONY_SILENCE_COMMIT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOXHALL_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOXHALL_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
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

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
