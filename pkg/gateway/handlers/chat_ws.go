package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

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
)

// ChatWSHandler handles /v1/chat/ws sessions. The first frame after the
// upgrade must be an auth frame; nothing else is processed before the
// tenant is bound.
type ChatWSHandler struct {
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

func (h ChatWSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxMessageBytes)
	}

	// Handshake: exactly one auth frame within the handshake window.
	_ = conn.SetReadDeadline(time.Now().Add(h.Config.HandshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		writeWSError(conn, "", core.NewInvalidRequestError("failed to read auth frame"), true)
		return
	}
	if messageType != websocket.TextMessage {
		writeWSError(conn, "", core.NewInvalidRequestError("first frame must be auth"), true)
		return
	}
	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		writeWSError(conn, "", decodeToAPIError(err), true)
		return
	}
	authFrame, ok := decoded.(protocol.ClientAuth)
	if !ok {
		writeWSError(conn, "", core.NewInvalidRequestError("first frame must be auth"), true)
		return
	}
	principal, err := h.Verifier.Verify(authFrame.Token)
	if err != nil {
		writeWSError(conn, "", asWireError(err), true)
		return
	}

	wc := newWSConn(conn, h.Config.WSWriteTimeout, h.Config.WSPingInterval)
	defer wc.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	bound, err := h.Sessions.Bind(principal.TenantID, "chat_ws", sessions.Handle{
		Cancel: func() { cancel(); wc.Close() },
		Warn: func(code, message string) error {
			return wc.WriteJSON(protocol.NewError("", code, message, nil))
		},
	})
	if err != nil {
		writeWSError(conn, "", asWireError(err), true)
		return
	}
	status := "closed"
	defer func() { h.Sessions.Release(bound, status) }()

	s := session.New(session.Config{
		TenantID:          principal.TenantID,
		SessionID:         authFrame.SessionID,
		Locale:            authFrame.Locale,
		Transport:         "chat_ws",
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
		Transport: &wsChatTransport{conn: wc},
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

	_ = conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				status = "drained"
			}
			return
		}
		decoded, derr := protocol.DecodeClientMessage(data)
		if derr != nil {
			apiErr := decodeToAPIError(derr)
			if werr := wc.WriteJSON(protocol.NewError("", string(apiErr.Type), apiErr.Message, nil)); werr != nil {
				status = "error"
				return
			}
			continue
		}
		switch msg := decoded.(type) {
		case protocol.ClientUser:
			if err := s.HandleUser(ctx, msg.Message); err != nil {
				status = "error"
				return
			}
		case protocol.ClientClear:
			if err := s.HandleClear(ctx); err != nil {
				status = "error"
				return
			}
		case protocol.ClientAuth:
			if werr := wc.WriteJSON(protocol.NewError("", string(core.ErrInvalidRequest), "connection is already authenticated", nil)); werr != nil {
				status = "error"
				return
			}
		}
	}
}

// asWireError strips anything that is not part of the taxonomy before it
// reaches the peer.
func asWireError(err error) *core.Error {
	var apiErr *core.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return core.NewPipelineError("internal error")
}

// writeWSError emits one error frame on a raw connection, optionally with
// a close frame. Used before the session exists.
func writeWSError(conn *websocket.Conn, turnID string, apiErr *core.Error, close bool) {
	_ = conn.WriteJSON(protocol.NewError(turnID, string(apiErr.Type), apiErr.Message, apiErr.RetryAfter))
	if close {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(apiErr.Type)),
			time.Now().Add(2*time.Second))
	}
}

// wsConn serializes writes on a websocket and keeps the connection alive
// with pings. Safe for concurrent use; the session's heartbeat goroutine
// writes alongside the read loop.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu       sync.Mutex
	closed   atomic.Bool
	stopPing chan struct{}
	once     sync.Once
}

func newWSConn(conn *websocket.Conn, writeTimeout, pingInterval time.Duration) *wsConn {
	wc := &wsConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		stopPing:     make(chan struct{}),
	}
	if pingInterval > 0 {
		go wc.pingLoop(pingInterval)
	}
	return wc
}

func (wc *wsConn) WriteJSON(v any) error {
	if wc.closed.Load() {
		return core.NewTransportClosed("websocket is closed")
	}
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.writeTimeout > 0 {
		_ = wc.conn.SetWriteDeadline(time.Now().Add(wc.writeTimeout))
	}
	if err := wc.conn.WriteJSON(v); err != nil {
		wc.closed.Store(true)
		return core.NewTransportClosed("websocket write failed")
	}
	return nil
}

func (wc *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-wc.stopPing:
			return
		case <-ticker.C:
			if wc.closed.Load() {
				return
			}
			deadline := time.Now().Add(wc.writeTimeout)
			if err := wc.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				wc.closed.Store(true)
				return
			}
		}
	}
}

// Close marks the connection dead and closes the socket, which also
// unblocks any pending read.
func (wc *wsConn) Close() {
	wc.once.Do(func() {
		wc.closed.Store(true)
		close(wc.stopPing)
		_ = wc.conn.Close()
	})
}

func (wc *wsConn) Closed() bool {
	return wc.closed.Load()
}

// wsChatTransport adapts a wsConn to the session transport contract using
// chat protocol frames.
type wsChatTransport struct {
	conn *wsConn
}

func (t *wsChatTransport) SendConnected(tenantID, sessionID, locale string) error {
	return t.conn.WriteJSON(protocol.NewConnected(tenantID, sessionID, locale))
}

func (t *wsChatTransport) SendStart(turnID string) error {
	return t.conn.WriteJSON(protocol.NewStart(turnID))
}

func (t *wsChatTransport) SendChunk(turnID, text string) error {
	return t.conn.WriteJSON(protocol.NewToken(turnID, text))
}

func (t *wsChatTransport) SendDone(turnID string) error {
	return t.conn.WriteJSON(protocol.NewDone(turnID))
}

func (t *wsChatTransport) SendError(turnID string, apiErr *core.Error) error {
	return t.conn.WriteJSON(protocol.NewError(turnID, string(apiErr.Type), apiErr.Message, apiErr.RetryAfter))
}

func (t *wsChatTransport) SendCleared() error {
	return t.conn.WriteJSON(protocol.NewCleared())
}

func (t *wsChatTransport) SendHeartbeat(turnID string) error {
	return t.conn.WriteJSON(protocol.NewHeartbeat(turnID))
}

func (t *wsChatTransport) Closed() bool {
	return t.conn.Closed()
}
