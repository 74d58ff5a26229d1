package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/voxhall/voxhall/pkg/gateway/config"
	"github.com/voxhall/voxhall/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config   config.Config
	Sessions *sessions.Manager
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK           bool     `json:"ok"`
		MemoryDriver string   `json:"memory_driver"`
		LiveSessions int      `json:"live_sessions"`
		Issues       []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if strings.TrimSpace(h.Config.AuthSecret) == "" {
		issues = append(issues, "auth secret is not configured")
	}
	switch h.Config.MemoryDriver {
	case config.MemoryDriverInProcess, config.MemoryDriverRedis:
	default:
		issues = append(issues, "invalid memory driver")
	}
	if h.Config.MaxConnsPerTenant <= 0 {
		issues = append(issues, "max conns per tenant must be > 0")
	}
	if h.Config.TurnRateWindow <= 0 || h.Config.TurnRateMax <= 0 {
		issues = append(issues, "turn rate window and max must be > 0")
	}
	if h.Config.SessionTTL <= 0 || h.Config.MaxTurns <= 0 {
		issues = append(issues, "session ttl and max turns must be > 0")
	}
	if h.Config.CallTimeout <= 0 {
		issues = append(issues, "call timeout must be > 0")
	}
	if h.Config.HandshakeTimeout <= 0 || h.Config.HeartbeatInterval <= 0 {
		issues = append(issues, "handshake timeout and heartbeat interval must be > 0")
	}

	liveSessions := 0
	if h.Sessions != nil {
		liveSessions = h.Sessions.Count()
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:           ok,
		MemoryDriver: string(h.Config.MemoryDriver),
		LiveSessions: liveSessions,
		Issues:       issues,
	})
}
