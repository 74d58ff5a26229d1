package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.name != "" {
				events = append(events, current)
			}
			current = sseEvent{}
		}
	}
	return events
}

func TestChatSSE_SingleTurn(t *testing.T) {
	env := newTestEnv(t, testConfig())
	h := env.chatSSE()

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/sse?session_id=sess-1&message=what+are+your+hours&locale=en-US", nil)
	req.Header.Set("Authorization", "Bearer "+signTenantToken(t, "tenant-a"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("content-type=%q", ct)
	}
	body := rr.Body.String()
	if !strings.HasPrefix(body, ":") {
		t.Fatalf("expected padding prelude, body starts %q", body[:min(len(body), 20)])
	}

	events := parseSSE(t, body)
	if len(events) < 4 {
		t.Fatalf("events=%v", events)
	}
	if events[0].name != "connected" {
		t.Fatalf("first event = %+v, want connected", events[0])
	}
	var connected struct {
		TenantID  string `json:"tenant_id"`
		SessionID string `json:"session_id"`
		Locale    string `json:"locale"`
	}
	if err := json.Unmarshal([]byte(events[0].data), &connected); err != nil {
		t.Fatalf("decode connected: %v", err)
	}
	if connected.TenantID != "tenant-a" || connected.SessionID != "sess-1" || connected.Locale != "en-US" {
		t.Fatalf("connected = %+v", connected)
	}

	if events[1].name != "start" {
		t.Fatalf("second event = %+v, want start", events[1])
	}
	var reply strings.Builder
	sawDone := false
	for _, ev := range events[2:] {
		switch ev.name {
		case "token":
			var tok struct {
				Data string `json:"data"`
			}
			if err := json.Unmarshal([]byte(ev.data), &tok); err != nil {
				t.Fatalf("decode token: %v", err)
			}
			reply.WriteString(tok.Data)
		case "done":
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatalf("missing done event: %v", events)
	}
	if got := reply.String(); got != "You said: what are your hours" {
		t.Fatalf("reply = %q", got)
	}
}

func TestChatSSE_QueryTokenAccepted(t *testing.T) {
	env := newTestEnv(t, testConfig())
	h := env.chatSSE()

	req := httptest.NewRequest(http.MethodGet,
		"/v1/chat/sse?session_id=sess-1&message=hi&access_token="+signTenantToken(t, "tenant-a"), nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestChatSSE_ClearOnly(t *testing.T) {
	env := newTestEnv(t, testConfig())
	h := env.chatSSE()

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/sse?session_id=sess-1&clear=true", nil)
	req.Header.Set("Authorization", "Bearer "+signTenantToken(t, "tenant-a"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	events := parseSSE(t, rr.Body.String())
	if len(events) != 2 || events[0].name != "connected" || events[1].name != "cleared" {
		t.Fatalf("events=%v", events)
	}
}

func TestChatSSE_Rejections(t *testing.T) {
	env := newTestEnv(t, testConfig())
	h := env.chatSSE()
	token := signTenantToken(t, "tenant-a")

	tests := []struct {
		name       string
		target     string
		withToken  bool
		wantStatus int
	}{
		{"missing token", "/v1/chat/sse?session_id=s1&message=hi", false, http.StatusUnauthorized},
		{"missing session_id", "/v1/chat/sse?message=hi", true, http.StatusBadRequest},
		{"missing message and clear", "/v1/chat/sse?session_id=s1", true, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.withToken {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status=%d, want %d (body %q)", rr.Code, tt.wantStatus, rr.Body.String())
			}
		})
	}
}

func TestChatSSE_ReleasesConnectionSlot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnsPerTenant = 1
	env := newTestEnv(t, cfg)
	h := env.chatSSE()
	token := signTenantToken(t, "tenant-a")

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/chat/sse?session_id=s1&message=hi", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d status=%d body=%q", i, rr.Code, rr.Body.String())
		}
	}
	if n := env.sessions.Count(); n != 0 {
		t.Fatalf("live sessions after requests = %d, want 0", n)
	}
}
