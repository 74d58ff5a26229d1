package config

import (
	"strings"
	"testing"
	"time"
)

var gatewayEnvKeys = []string{
	"VOXHALL_ADDR",
	"VOXHALL_AUTH_SECRET",
	"VOXHALL_CORS_ORIGINS",
	"VOXHALL_MAX_CONNS_PER_TENANT",
	"VOXHALL_TURN_RATE_WINDOW",
	"VOXHALL_TURN_RATE_MAX",
	"VOXHALL_HANDSHAKE_WINDOW",
	"VOXHALL_HANDSHAKE_MAX",
	"VOXHALL_MEMORY_DRIVER",
	"VOXHALL_SESSION_TTL",
	"VOXHALL_MAX_TURNS",
	"VOXHALL_MAX_TURN_BYTES",
	"VOXHALL_REDIS_ADDR",
	"VOXHALL_REDIS_PASSWORD",
	"VOXHALL_REDIS_DB",
	"VOXHALL_REDIS_KEY_PREFIX",
	"VOXHALL_CALL_RETRIES",
	"VOXHALL_CALL_BASE_DELAY",
	"VOXHALL_CALL_MAX_DELAY",
	"VOXHALL_CALL_TIMEOUT",
	"VOXHALL_CHUNK_WIDTH",
	"VOXHALL_INTER_CHUNK_DELAY",
	"VOXHALL_HEARTBEAT_INTERVAL",
	"VOXHALL_HANDSHAKE_TIMEOUT",
	"VOXHALL_MAX_MESSAGE_BYTES",
	"VOXHALL_WS_PING_INTERVAL",
	"VOXHALL_WS_WRITE_TIMEOUT",
	"VOXHALL_SSE_PAD_BYTES",
	"VOXHALL_TELEPHONY_SILENCE_COMMIT",
	"VOXHALL_ARK_API_KEY",
	"VOXHALL_ARK_MODEL",
	"VOXHALL_ARK_BASE_URL",
	"VOXHALL_READ_HEADER_TIMEOUT",
	"VOXHALL_SHUTDOWN_GRACE_PERIOD",
}

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, key := range gatewayEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("VOXHALL_AUTH_SECRET", "secret")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.MaxConnsPerTenant != 8 {
		t.Fatalf("MaxConnsPerTenant = %d, want 8", cfg.MaxConnsPerTenant)
	}
	if cfg.TurnRateWindow != time.Minute || cfg.TurnRateMax != 30 {
		t.Fatalf("turn rate = %v/%d, want 1m/30", cfg.TurnRateWindow, cfg.TurnRateMax)
	}
	if cfg.HandshakeWindow != time.Minute || cfg.HandshakeMax != 60 {
		t.Fatalf("handshake rate = %v/%d, want 1m/60", cfg.HandshakeWindow, cfg.HandshakeMax)
	}
	if cfg.MemoryDriver != MemoryDriverInProcess {
		t.Fatalf("MemoryDriver = %q, want inprocess", cfg.MemoryDriver)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Fatalf("SessionTTL = %v, want 30m", cfg.SessionTTL)
	}
	if cfg.MaxTurns != 12 {
		t.Fatalf("MaxTurns = %d, want 12", cfg.MaxTurns)
	}
	if cfg.MaxTurnBytes != 4096 {
		t.Fatalf("MaxTurnBytes = %d, want 4096", cfg.MaxTurnBytes)
	}
	if cfg.CallRetries != 2 {
		t.Fatalf("CallRetries = %d, want 2", cfg.CallRetries)
	}
	if cfg.CallBaseDelay != 200*time.Millisecond || cfg.CallMaxDelay != 2*time.Second {
		t.Fatalf("call backoff = %v/%v, want 200ms/2s", cfg.CallBaseDelay, cfg.CallMaxDelay)
	}
	if cfg.CallTimeout != 15*time.Second {
		t.Fatalf("CallTimeout = %v, want 15s", cfg.CallTimeout)
	}
	if cfg.ChunkWidth != 48 {
		t.Fatalf("ChunkWidth = %d, want 48", cfg.ChunkWidth)
	}
	if cfg.InterChunkDelay != 20*time.Millisecond {
		t.Fatalf("InterChunkDelay = %v, want 20ms", cfg.InterChunkDelay)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Fatalf("HeartbeatInterval = %v, want 5s", cfg.HeartbeatInterval)
	}
	if cfg.HandshakeTimeout != 5*time.Second {
		t.Fatalf("HandshakeTimeout = %v, want 5s", cfg.HandshakeTimeout)
	}
	if cfg.MaxMessageBytes != 64*1024 {
		t.Fatalf("MaxMessageBytes = %d, want 65536", cfg.MaxMessageBytes)
	}
	if cfg.WSPingInterval != 20*time.Second || cfg.WSWriteTimeout != 5*time.Second {
		t.Fatalf("ws timing = %v/%v, want 20s/5s", cfg.WSPingInterval, cfg.WSWriteTimeout)
	}
	if cfg.SSEPadBytes != 2048 {
		t.Fatalf("SSEPadBytes = %d, want 2048", cfg.SSEPadBytes)
	}
	if cfg.TelephonySilenceCommit != 700*time.Millisecond {
		t.Fatalf("TelephonySilenceCommit = %v, want 700ms", cfg.TelephonySilenceCommit)
	}
	if cfg.ShutdownGracePeriod != 30*time.Second {
		t.Fatalf("ShutdownGracePeriod = %v, want 30s", cfg.ShutdownGracePeriod)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("VOXHALL_AUTH_SECRET", "secret")
	t.Setenv("VOXHALL_ADDR", ":9090")
	t.Setenv("VOXHALL_MAX_CONNS_PER_TENANT", "3")
	t.Setenv("VOXHALL_TURN_RATE_WINDOW", "30s")
	t.Setenv("VOXHALL_TURN_RATE_MAX", "10")
	t.Setenv("VOXHALL_MEMORY_DRIVER", "redis")
	t.Setenv("VOXHALL_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("VOXHALL_SESSION_TTL", "10m")
	t.Setenv("VOXHALL_MAX_TURNS", "6")
	t.Setenv("VOXHALL_CALL_RETRIES", "4")
	t.Setenv("VOXHALL_CALL_BASE_DELAY", "50ms")
	t.Setenv("VOXHALL_CALL_MAX_DELAY", "500ms")
	t.Setenv("VOXHALL_CHUNK_WIDTH", "32")
	t.Setenv("VOXHALL_INTER_CHUNK_DELAY", "0s")
	t.Setenv("VOXHALL_CORS_ORIGINS", "https://a.example, https://b.example,,")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":9090" {
		t.Fatalf("Addr = %q, want :9090", cfg.Addr)
	}
	if cfg.MaxConnsPerTenant != 3 {
		t.Fatalf("MaxConnsPerTenant = %d, want 3", cfg.MaxConnsPerTenant)
	}
	if cfg.TurnRateWindow != 30*time.Second || cfg.TurnRateMax != 10 {
		t.Fatalf("turn rate = %v/%d, want 30s/10", cfg.TurnRateWindow, cfg.TurnRateMax)
	}
	if cfg.MemoryDriver != MemoryDriverRedis || cfg.RedisAddr != "redis.internal:6379" {
		t.Fatalf("redis = %q/%q", cfg.MemoryDriver, cfg.RedisAddr)
	}
	if cfg.SessionTTL != 10*time.Minute || cfg.MaxTurns != 6 {
		t.Fatalf("memory = %v/%d, want 10m/6", cfg.SessionTTL, cfg.MaxTurns)
	}
	if cfg.CallRetries != 4 || cfg.CallBaseDelay != 50*time.Millisecond || cfg.CallMaxDelay != 500*time.Millisecond {
		t.Fatalf("call = %d/%v/%v", cfg.CallRetries, cfg.CallBaseDelay, cfg.CallMaxDelay)
	}
	if cfg.ChunkWidth != 32 || cfg.InterChunkDelay != 0 {
		t.Fatalf("chunking = %d/%v, want 32/0", cfg.ChunkWidth, cfg.InterChunkDelay)
	}
	if len(cfg.CORSAllowedOrigins) != 2 {
		t.Fatalf("CORSAllowedOrigins len=%d, want 2", len(cfg.CORSAllowedOrigins))
	}
	if _, ok := cfg.CORSAllowedOrigins["https://b.example"]; !ok {
		t.Fatalf("missing https://b.example")
	}
}

func TestLoadFromEnv_Validation(t *testing.T) {
	cases := []struct {
		name      string
		env       map[string]string
		errSubstr string
	}{
		{
			name:      "missing auth secret",
			env:       map[string]string{},
			errSubstr: "VOXHALL_AUTH_SECRET",
		},
		{
			name: "unknown memory driver",
			env: map[string]string{
				"VOXHALL_AUTH_SECRET":   "secret",
				"VOXHALL_MEMORY_DRIVER": "postgres",
			},
			errSubstr: "VOXHALL_MEMORY_DRIVER",
		},
		{
			name: "zero conns per tenant",
			env: map[string]string{
				"VOXHALL_AUTH_SECRET":          "secret",
				"VOXHALL_MAX_CONNS_PER_TENANT": "0",
			},
			errSubstr: "VOXHALL_MAX_CONNS_PER_TENANT",
		},
		{
			name: "zero session ttl",
			env: map[string]string{
				"VOXHALL_AUTH_SECRET": "secret",
				"VOXHALL_SESSION_TTL": "0s",
			},
			errSubstr: "VOXHALL_SESSION_TTL",
		},
		{
			name: "max delay below base delay",
			env: map[string]string{
				"VOXHALL_AUTH_SECRET":     "secret",
				"VOXHALL_CALL_BASE_DELAY": "1s",
				"VOXHALL_CALL_MAX_DELAY":  "100ms",
			},
			errSubstr: "VOXHALL_CALL_MAX_DELAY",
		},
		{
			name: "negative inter chunk delay",
			env: map[string]string{
				"VOXHALL_AUTH_SECRET":       "secret",
				"VOXHALL_INTER_CHUNK_DELAY": "-1s",
			},
			errSubstr: "VOXHALL_INTER_CHUNK_DELAY",
		},
		{
			name: "zero chunk width",
			env: map[string]string{
				"VOXHALL_AUTH_SECRET": "secret",
				"VOXHALL_CHUNK_WIDTH": "0",
			},
			errSubstr: "VOXHALL_CHUNK_WIDTH",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearGatewayEnv(t)
			for key, value := range tc.env {
				t.Setenv(key, value)
			}
			_, err := LoadFromEnv()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.errSubstr) {
				t.Fatalf("error = %v, expected substring %q", err, tc.errSubstr)
			}
		})
	}
}
