package handlers

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type wsFrame struct {
	Type      string `json:"type"`
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
	Locale    string `json:"locale"`
	TurnID    string `json:"turn_id"`
	Data      string `json:"data"`
	Error     *struct {
		Type       string `json:"type"`
		Message    string `json:"message"`
		RetryAfter *int   `json:"retry_after"`
	} `json:"error"`
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f wsFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestChatWS_AuthThenTurn(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ts := httptest.NewServer(env.chatWS())
	defer ts.Close()

	conn := dialWS(t, ts)
	if err := conn.WriteJSON(map[string]string{
		"type":       "auth",
		"token":      signTenantToken(t, "tenant-a"),
		"session_id": "sess-1",
		"locale":     "en-US",
	}); err != nil {
		t.Fatalf("write auth: %v", err)
	}

	connected := readFrame(t, conn)
	if connected.Type != "connected" || connected.TenantID != "tenant-a" || connected.SessionID != "sess-1" {
		t.Fatalf("connected frame = %+v", connected)
	}
	if connected.Locale != "en-US" {
		t.Fatalf("locale = %q, want en-US", connected.Locale)
	}

	if err := conn.WriteJSON(map[string]string{"type": "user", "message": "what are your hours"}); err != nil {
		t.Fatalf("write user: %v", err)
	}

	start := readFrame(t, conn)
	if start.Type != "start" || start.TurnID == "" {
		t.Fatalf("start frame = %+v", start)
	}
	var reply strings.Builder
	for {
		f := readFrame(t, conn)
		switch f.Type {
		case "token":
			if f.TurnID != start.TurnID {
				t.Fatalf("token turn_id = %q, want %q", f.TurnID, start.TurnID)
			}
			reply.WriteString(f.Data)
			continue
		case "heartbeat":
			continue
		case "done":
			if f.TurnID != start.TurnID {
				t.Fatalf("done turn_id = %q, want %q", f.TurnID, start.TurnID)
			}
		default:
			t.Fatalf("unexpected frame %+v", f)
		}
		break
	}
	if got := reply.String(); got != "You said: what are your hours" {
		t.Fatalf("reply = %q", got)
	}
}

func TestChatWS_InvalidTokenRejected(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ts := httptest.NewServer(env.chatWS())
	defer ts.Close()

	conn := dialWS(t, ts)
	if err := conn.WriteJSON(map[string]string{
		"type":       "auth",
		"token":      "not.a.token",
		"session_id": "sess-1",
	}); err != nil {
		t.Fatalf("write auth: %v", err)
	}

	f := readFrame(t, conn)
	if f.Type != "error" || f.Error == nil || f.Error.Type != "auth_error" {
		t.Fatalf("error frame = %+v", f)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected close after auth rejection")
	}
}

func TestChatWS_FirstFrameMustBeAuth(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ts := httptest.NewServer(env.chatWS())
	defer ts.Close()

	conn := dialWS(t, ts)
	if err := conn.WriteJSON(map[string]string{"type": "user", "message": "hi"}); err != nil {
		t.Fatalf("write user: %v", err)
	}

	f := readFrame(t, conn)
	if f.Type != "error" || f.Error == nil || f.Error.Type != "invalid_request" {
		t.Fatalf("error frame = %+v", f)
	}
}

func TestChatWS_SecondAuthFrameIsRejectedInline(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ts := httptest.NewServer(env.chatWS())
	defer ts.Close()

	conn := dialWS(t, ts)
	token := signTenantToken(t, "tenant-a")
	if err := conn.WriteJSON(map[string]string{"type": "auth", "token": token, "session_id": "sess-1"}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	if f := readFrame(t, conn); f.Type != "connected" {
		t.Fatalf("frame = %+v, want connected", f)
	}

	if err := conn.WriteJSON(map[string]string{"type": "auth", "token": token, "session_id": "sess-1"}); err != nil {
		t.Fatalf("write second auth: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != "error" || f.Error == nil || f.Error.Type != "invalid_request" {
		t.Fatalf("error frame = %+v", f)
	}

	// The connection survives the inline error.
	if err := conn.WriteJSON(map[string]string{"type": "user", "message": "still here"}); err != nil {
		t.Fatalf("write user: %v", err)
	}
	if f := readFrame(t, conn); f.Type != "start" {
		t.Fatalf("frame = %+v, want start", f)
	}
}

func TestChatWS_MalformedFrameKeepsSessionOpen(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ts := httptest.NewServer(env.chatWS())
	defer ts.Close()

	conn := dialWS(t, ts)
	if err := conn.WriteJSON(map[string]string{
		"type":       "auth",
		"token":      signTenantToken(t, "tenant-a"),
		"session_id": "sess-1",
	}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	if f := readFrame(t, conn); f.Type != "connected" {
		t.Fatalf("frame = %+v, want connected", f)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write bogus: %v", err)
	}
	f := readFrame(t, conn)
	if f.Type != "error" || f.Error == nil || f.Error.Type != "invalid_request" {
		t.Fatalf("error frame = %+v", f)
	}

	if err := conn.WriteJSON(map[string]string{"type": "user", "message": "hi"}); err != nil {
		t.Fatalf("write user: %v", err)
	}
	if f := readFrame(t, conn); f.Type != "start" {
		t.Fatalf("frame = %+v, want start", f)
	}
}

func TestChatWS_TenantConnectionCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnsPerTenant = 1
	env := newTestEnv(t, cfg)
	ts := httptest.NewServer(env.chatWS())
	defer ts.Close()

	first := dialWS(t, ts)
	if err := first.WriteJSON(map[string]string{
		"type":       "auth",
		"token":      signTenantToken(t, "tenant-a"),
		"session_id": "sess-1",
	}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	if f := readFrame(t, first); f.Type != "connected" {
		t.Fatalf("frame = %+v, want connected", f)
	}

	second := dialWS(t, ts)
	if err := second.WriteJSON(map[string]string{
		"type":       "auth",
		"token":      signTenantToken(t, "tenant-a"),
		"session_id": "sess-2",
	}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	f := readFrame(t, second)
	if f.Type != "error" || f.Error == nil || f.Error.Type != "admission_rejected" {
		t.Fatalf("error frame = %+v", f)
	}
	if f.Error.RetryAfter == nil {
		t.Fatal("admission rejection should carry retry_after")
	}
}

func TestChatWS_ClearResetsHistory(t *testing.T) {
	env := newTestEnv(t, testConfig())
	ts := httptest.NewServer(env.chatWS())
	defer ts.Close()

	conn := dialWS(t, ts)
	if err := conn.WriteJSON(map[string]string{
		"type":       "auth",
		"token":      signTenantToken(t, "tenant-a"),
		"session_id": "sess-1",
	}); err != nil {
		t.Fatalf("write auth: %v", err)
	}
	if f := readFrame(t, conn); f.Type != "connected" {
		t.Fatalf("frame = %+v, want connected", f)
	}

	if err := conn.WriteJSON(map[string]string{"type": "clear"}); err != nil {
		t.Fatalf("write clear: %v", err)
	}
	if f := readFrame(t, conn); f.Type != "cleared" {
		t.Fatalf("frame = %+v, want cleared", f)
	}
}
