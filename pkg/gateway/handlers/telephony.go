package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/voxhall/voxhall/pkg/core"
	"github.com/voxhall/voxhall/pkg/core/call"
	"github.com/voxhall/voxhall/pkg/gateway/admission"
	"github.com/voxhall/voxhall/pkg/gateway/answer"
	"github.com/voxhall/voxhall/pkg/gateway/config"
	"github.com/voxhall/voxhall/pkg/gateway/live/protocol"
	"github.com/voxhall/voxhall/pkg/gateway/live/session"
	"github.com/voxhall/voxhall/pkg/gateway/live/sessions"
	"github.com/voxhall/voxhall/pkg/gateway/memory"
	"github.com/voxhall/voxhall/pkg/gateway/metrics"
)

// TelephonyHandler handles /v1/telephony/stream media streams. The stream
// carries no signed token; the tenant arrives in the start frame's custom
// parameters, so the connection is tracked under the reserved unknown
// bucket until then and rebound once identified.
type TelephonyHandler struct {
	Config    config.Config
	Log       *slog.Logger
	Admission *admission.Controller
	Sessions  *sessions.Manager
	Memory    memory.Store
	Engine    answer.Engine
	Caller    *call.Wrapper
	Metrics   *metrics.Metrics
}

func (h TelephonyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())

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

	wc := newWSConn(conn, h.Config.WSWriteTimeout, h.Config.WSPingInterval)
	defer wc.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	bound, err := h.Sessions.Bind(sessions.TenantUnknown, "telephony", sessions.Handle{
		Cancel: func() { cancel(); wc.Close() },
	})
	if err != nil {
		closeTelephony(conn, string(asWireError(err).Type))
		return
	}
	status := "closed"
	defer func() { h.Sessions.Release(bound, status) }()

	// The reader goroutine feeds the select loop so a silence-commit timer
	// can fire between frames without racing the socket.
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		s         *session.Session
		transport *telephonyTransport
		streamSid string
		utterance bytes.Buffer
		commit    *time.Timer
		commitCh  <-chan time.Time
	)
	defer func() {
		if commit != nil {
			commit.Stop()
		}
	}()
	armCommit := func() {
		if commit == nil {
			commit = time.NewTimer(h.Config.TelephonySilenceCommit)
			commitCh = commit.C
			return
		}
		if !commit.Stop() {
			select {
			case <-commit.C:
			default:
			}
		}
		commit.Reset(h.Config.TelephonySilenceCommit)
	}

	for {
		select {
		case <-ctx.Done():
			status = "drained"
			return

		case <-readErr:
			if ctx.Err() != nil {
				status = "drained"
			}
			return

		case <-commitCh:
			text := strings.TrimSpace(utterance.String())
			utterance.Reset()
			if s == nil || text == "" || !utf8.ValidString(text) {
				continue
			}
			if err := s.HandleUser(ctx, text); err != nil {
				status = "error"
				return
			}

		case data := <-frames:
			decoded, derr := protocol.DecodeTelephonyMessage(data)
			if derr != nil {
				closeTelephony(conn, "bad_request")
				status = "error"
				return
			}
			switch msg := decoded.(type) {
			case protocol.TelephonyConnected:
				// Transport-level hello, nothing to bind yet.

			case protocol.TelephonyStart:
				if s != nil {
					continue
				}
				format := msg.Start.MediaFormat
				if format.Encoding != protocol.TelephonyEncoding || format.SampleRate != protocol.TelephonySampleRateHz || format.Channels != 1 {
					closeTelephony(conn, "unsupported media format")
					status = "error"
					return
				}
				tenantID := strings.TrimSpace(msg.Start.CustomParameters["tenant_id"])
				if tenantID == "" {
					closeTelephony(conn, "missing tenant")
					status = "error"
					return
				}
				if err := h.Sessions.Rebind(bound, tenantID); err != nil {
					closeTelephony(conn, string(asWireError(err).Type))
					status = "rejected"
					return
				}
				streamSid = msg.Start.StreamSid
				sessionID := strings.TrimSpace(msg.Start.CustomParameters["session_id"])
				if sessionID == "" {
					sessionID = msg.Start.CallSid
				}
				if sessionID == "" {
					sessionID = streamSid
				}
				transport = &telephonyTransport{conn: wc, streamSid: streamSid}
				s = session.New(session.Config{
					TenantID:          tenantID,
					SessionID:         sessionID,
					Locale:            msg.Start.CustomParameters["locale"],
					Transport:         "telephony",
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

			case protocol.TelephonyMedia:
				if s == nil {
					// Application frame before the stream identified itself.
					closeTelephony(conn, "media before start")
					status = "error"
					return
				}
				// Caller audio while a reply is still buffered at the
				// bridge means barge-in: flush the bridge's queue.
				if transport.MarkPending() {
					_ = wc.WriteJSON(protocol.NewTelephonyClear(streamSid))
					transport.ClearPending()
				}
				payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
				if err != nil {
					continue
				}
				utterance.Write(payload)
				armCommit()

			case protocol.TelephonyMarkEcho:
				if transport != nil {
					transport.AckMark(msg.Mark.Name)
				}

			case protocol.TelephonyStop:
				return
			}
		}
	}
}

func closeTelephony(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(2*time.Second))
}

// telephonyTransport maps session frames onto the media-stream protocol.
// Reply text rides outbound media frames; a named mark closes each turn
// and its echo confirms the bridge finished playback.
type telephonyTransport struct {
	conn      *wsConn
	streamSid string

	mu          sync.Mutex
	pendingMark string
}

func (t *telephonyTransport) SendConnected(tenantID, sessionID, locale string) error {
	// The media-stream protocol has no connected frame.
	return nil
}

func (t *telephonyTransport) SendStart(turnID string) error {
	return nil
}

func (t *telephonyTransport) SendChunk(turnID, text string) error {
	return t.conn.WriteJSON(protocol.NewTelephonyMedia(t.streamSid, []byte(text)))
}

func (t *telephonyTransport) SendDone(turnID string) error {
	t.mu.Lock()
	t.pendingMark = turnID
	t.mu.Unlock()
	return t.conn.WriteJSON(protocol.NewTelephonyMark(t.streamSid, turnID))
}

func (t *telephonyTransport) SendError(turnID string, apiErr *core.Error) error {
	// Turn-scoped errors reach the caller as a spoken-style reply.
	return t.conn.WriteJSON(protocol.NewTelephonyMedia(t.streamSid, []byte(apiErr.Message)))
}

func (t *telephonyTransport) SendCleared() error {
	return nil
}

func (t *telephonyTransport) SendHeartbeat(string) error {
	return nil
}

func (t *telephonyTransport) Closed() bool {
	return t.conn.Closed()
}

func (t *telephonyTransport) MarkPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingMark != ""
}

func (t *telephonyTransport) AckMark(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pendingMark == name {
		t.pendingMark = ""
	}
}

func (t *telephonyTransport) ClearPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingMark = ""
}
