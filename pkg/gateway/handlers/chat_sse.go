package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/voxhall/voxhall/pkg/core"
	"github.com/voxhall/voxhall/pkg/core/call"
	"github.com/voxhall/voxhall/pkg/gateway/admission"
	"github.com/voxhall/voxhall/pkg/gateway/answer"
	"github.com/voxhall/voxhall/pkg/gateway/auth"
	"github.com/voxhall/voxhall/pkg/gateway/config"
	"github.com/voxhall/voxhall/pkg/gateway/live/protocol"
	"github.com/voxhall/voxhall/pkg/gateway/live/session"
	"github.com/voxhall/voxhall/pkg/gateway/live/sessions"
	"github.com/voxhall/voxhall/pkg/gateway/memory"
	"github.com/voxhall/voxhall/pkg/gateway/metrics"
	"github.com/voxhall/voxhall/pkg/gateway/sse"
)

// ChatSSEHandler handles /v1/chat/sse: one turn per request, streamed as
// server-sent events. EventSource clients cannot set headers, so the
// token may arrive as a query parameter instead of a bearer header.
type ChatSSEHandler struct {
	Config    config.Config
	Log       *slog.Logger
	Verifier  *auth.Verifier
	Admission *admission.Controller
	Sessions  *sessions.Manager
	Memory    memory.Store
	Engine    answer.Engine
	Caller    *call.Wrapper
	Metrics   *metrics.Metrics
}

func (h ChatSSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())

	if !originAllowed(h.Config, r) {
		writeErrorJSONStatus(w, reqID, core.NewInvalidRequestError("origin is not allowed"), http.StatusForbidden)
		return
	}
	if ok, retryAfter := h.Admission.AllowRequest("handshakes:"+clientHost(r), h.Config.HandshakeWindow, h.Config.HandshakeMax, time.Now()); !ok {
		h.Metrics.RecordRateLimitHit("handshakes")
		writeErrorJSON(w, reqID, core.NewRateLimited("handshake rate limit exceeded", retryAfter))
		return
	}

	token := h.resolveToken(r)
	if token == "" {
		writeErrorJSON(w, reqID, core.NewAuthError("missing token"))
		return
	}
	principal, err := h.Verifier.Verify(token)
	if err != nil {
		writeErrorJSON(w, reqID, asWireError(err))
		return
	}

	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		writeErrorJSON(w, reqID, core.NewInvalidRequestError("session_id is required"))
		return
	}
	message := r.URL.Query().Get("message")
	clear := r.URL.Query().Get("clear") == "true"
	if strings.TrimSpace(message) == "" && !clear {
		writeErrorJSON(w, reqID, core.NewInvalidRequestError("message or clear is required"))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	bound, err := h.Sessions.Bind(principal.TenantID, "chat_sse", sessions.Handle{
		Cancel: cancel,
	})
	if err != nil {
		writeErrorJSON(w, reqID, asWireError(err))
		return
	}
	status := "closed"
	defer func() { h.Sessions.Release(bound, status) }()

	sw, err := sse.New(w)
	if err != nil {
		writeErrorJSON(w, reqID, core.NewPipelineError("streaming unsupported"))
		status = "error"
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// The padding prelude defeats intermediary response buffering before
	// the first real event.
	if err := sw.Pad(h.Config.SSEPadBytes); err != nil {
		status = "error"
		return
	}

	transport := &sseTransport{w: sw, ctx: ctx}
	s := session.New(session.Config{
		TenantID:          principal.TenantID,
		SessionID:         sessionID,
		Locale:            r.URL.Query().Get("locale"),
		Transport:         "chat_sse",
		ChunkWidth:        h.Config.ChunkWidth,
		InterChunkDelay:   h.Config.InterChunkDelay,
		HeartbeatInterval: h.Config.HeartbeatInterval,
		TurnRateWindow:    h.Config.TurnRateWindow,
		TurnRateMax:       h.Config.TurnRateMax,
		CallOptions: call.Options{
			Retries:   h.Config.CallRetries,
			BaseDelay: h.Config.CallBaseDelay,
			MaxDelay:  h.Config.CallMaxDelay,
			Timeout:   h.Config.CallTimeout,
		},
	}, session.Deps{
		Transport: transport,
		Memory:    h.Memory,
		Engine:    h.Engine,
		Caller:    h.Caller,
		Admission: h.Admission,
		Metrics:   h.Metrics,
		Log:       h.Log,
	})
	if err := s.Start(); err != nil {
		status = "error"
		return
	}

	if clear {
		if err := s.HandleClear(ctx); err != nil {
			status = "error"
			return
		}
	}
	if strings.TrimSpace(message) != "" {
		if err := s.HandleUser(ctx, message); err != nil {
			status = "error"
			return
		}
	}
}

func (h ChatSSEHandler) resolveToken(r *http.Request) string {
	if token, ok := auth.ParseBearer(r); ok {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// sseTransport adapts the SSE writer to the session transport contract.
// The request context going away is the only close signal SSE has.
type sseTransport struct {
	w      *sse.Writer
	ctx    context.Context
	closed atomic.Bool
}

func (t *sseTransport) send(event string, data any) error {
	if t.Closed() {
		return core.NewTransportClosed("sse stream is closed")
	}
	if err := t.w.Send(event, data); err != nil {
		t.closed.Store(true)
		return core.NewTransportClosed("sse write failed")
	}
	return nil
}

func (t *sseTransport) SendConnected(tenantID, sessionID, locale string) error {
	return t.send("connected", protocol.NewConnected(tenantID, sessionID, locale))
}

func (t *sseTransport) SendStart(turnID string) error {
	return t.send("start", protocol.NewStart(turnID))
}

func (t *sseTransport) SendChunk(turnID, text string) error {
	return t.send("token", protocol.NewToken(turnID, text))
}

func (t *sseTransport) SendDone(turnID string) error {
	return t.send("done", protocol.NewDone(turnID))
}

func (t *sseTransport) SendError(turnID string, apiErr *core.Error) error {
	return t.send("error", protocol.NewError(turnID, string(apiErr.Type), apiErr.Message, apiErr.RetryAfter))
}

func (t *sseTransport) SendCleared() error {
	return t.send("cleared", protocol.NewCleared())
}

func (t *sseTransport) SendHeartbeat(string) error {
	if t.Closed() {
		return core.NewTransportClosed("sse stream is closed")
	}
	return t.w.Comment("heartbeat")
}

func (t *sseTransport) Closed() bool {
	return t.closed.Load() || t.ctx.Err() != nil
}
