package handlers

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/voxhall/voxhall/pkg/core/call"
	"github.com/voxhall/voxhall/pkg/gateway/admission"
	"github.com/voxhall/voxhall/pkg/gateway/answer"
	"github.com/voxhall/voxhall/pkg/gateway/auth"
	"github.com/voxhall/voxhall/pkg/gateway/config"
	"github.com/voxhall/voxhall/pkg/gateway/live/sessions"
	"github.com/voxhall/voxhall/pkg/gateway/memory"
	"github.com/voxhall/voxhall/pkg/gateway/metrics"
)

const testSecret = "handlers-test-secret"

func testConfig() config.Config {
	return config.Config{
		AuthSecret:             testSecret,
		CORSAllowedOrigins:     map[string]struct{}{},
		MaxConnsPerTenant:      4,
		TurnRateWindow:         time.Minute,
		TurnRateMax:            100,
		HandshakeWindow:        time.Minute,
		HandshakeMax:           100,
		MemoryDriver:           config.MemoryDriverInProcess,
		SessionTTL:             time.Minute,
		MaxTurns:               12,
		MaxTurnBytes:           4096,
		CallRetries:            1,
		CallBaseDelay:          time.Millisecond,
		CallMaxDelay:           5 * time.Millisecond,
		CallTimeout:            2 * time.Second,
		ChunkWidth:             256,
		InterChunkDelay:        0,
		HeartbeatInterval:      time.Minute,
		HandshakeTimeout:       2 * time.Second,
		MaxMessageBytes:        64 * 1024,
		WSPingInterval:         time.Minute,
		WSWriteTimeout:         2 * time.Second,
		SSEPadBytes:            8,
		TelephonySilenceCommit: 40 * time.Millisecond,
	}
}

// testEnv bundles the live dependencies every stream handler shares.
type testEnv struct {
	cfg      config.Config
	log      *slog.Logger
	verifier *auth.Verifier
	adm      *admission.Controller
	sessions *sessions.Manager
	memory   memory.Store
	engine   answer.Engine
	caller   *call.Wrapper
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T, cfg config.Config) *testEnv {
	t.Helper()
	m := metrics.New("")
	adm := admission.New(admission.Config{MaxConnsPerTenant: cfg.MaxConnsPerTenant})
	store := memory.NewInProcess(memory.InProcessOptions{
		TTL:          cfg.SessionTTL,
		MaxTurns:     cfg.MaxTurns,
		MaxTurnBytes: cfg.MaxTurnBytes,
	})
	t.Cleanup(func() { _ = store.Close() })
	return &testEnv{
		cfg:      cfg,
		log:      slog.New(slog.NewJSONHandler(io.Discard, nil)),
		verifier: auth.NewVerifier(cfg.AuthSecret),
		adm:      adm,
		sessions: sessions.NewManager(adm, m),
		memory:   store,
		engine:   answer.NewStaticEngine(),
		caller:   call.New(m),
		metrics:  m,
	}
}

func (e *testEnv) chatWS() ChatWSHandler {
	return ChatWSHandler{
		Config:    e.cfg,
		Log:       e.log,
		Verifier:  e.verifier,
		Admission: e.adm,
		Sessions:  e.sessions,
		Memory:    e.memory,
		Engine:    e.engine,
		Caller:    e.caller,
		Metrics:   e.metrics,
	}
}

func (e *testEnv) chatSSE() ChatSSEHandler {
	return ChatSSEHandler{
		Config:    e.cfg,
		Log:       e.log,
		Verifier:  e.verifier,
		Admission: e.adm,
		Sessions:  e.sessions,
		Memory:    e.memory,
		Engine:    e.engine,
		Caller:    e.caller,
		Metrics:   e.metrics,
	}
}

func (e *testEnv) telephony() TelephonyHandler {
	return TelephonyHandler{
		Config:    e.cfg,
		Log:       e.log,
		Admission: e.adm,
		Sessions:  e.sessions,
		Memory:    e.memory,
		Engine:    e.engine,
		Caller:    e.caller,
		Metrics:   e.metrics,
	}
}

func signTenantToken(t *testing.T, tenantID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenant_id": tenantID,
		"sub":       "user-1",
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}
