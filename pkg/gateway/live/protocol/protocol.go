// Package protocol defines the wire frames of the chat protocol and the
// telephony media-stream protocol, plus their strict decoders. Unknown or
// malformed frames decode to a *DecodeError so transports can answer with
// a structured error instead of dropping the connection opaquely.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// ---- chat client frames ----

// ClientAuth is the first frame on a chat connection.
type ClientAuth struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Locale    string `json:"locale,omitempty"`
}

// ClientUser carries one user utterance.
type ClientUser struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientClear asks the gateway to forget the session history.
type ClientClear struct {
	Type string `json:"type"`
}

// DecodeClientMessage decodes one chat frame by its type tag.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "auth":
		var msg ClientAuth
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid auth frame", "")
		}
		if strings.TrimSpace(msg.Token) == "" {
			return nil, badRequest("auth.token is required", "token")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("auth.session_id is required", "session_id")
		}
		return msg, nil
	case "user":
		var msg ClientUser
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid user frame", "")
		}
		if strings.TrimSpace(msg.Message) == "" {
			return nil, badRequest("user.message is required", "message")
		}
		if !utf8.ValidString(msg.Message) {
			return nil, badRequest("user.message must be valid utf-8", "message")
		}
		return msg, nil
	case "clear":
		var msg ClientClear
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid clear frame", "")
		}
		return msg, nil
	default:
		return nil, unsupported("unsupported frame type", "type")
	}
}

// ---- chat server frames ----

type ServerConnected struct {
	Type      string `json:"type"`
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
	Locale    string `json:"locale,omitempty"`
}

type ServerStart struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id"`
}

type ServerToken struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id"`
	Data   string `json:"data"`
}

type ServerDone struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id"`
}

type ServerErrorBody struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	RetryAfter *int   `json:"retry_after,omitempty"`
}

type ServerError struct {
	Type   string          `json:"type"`
	TurnID string          `json:"turn_id,omitempty"`
	Error  ServerErrorBody `json:"error"`
}

type ServerCleared struct {
	Type string `json:"type"`
}

type ServerHeartbeat struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id,omitempty"`
}

func NewConnected(tenantID, sessionID, locale string) ServerConnected {
	return ServerConnected{Type: "connected", TenantID: tenantID, SessionID: sessionID, Locale: locale}
}

func NewStart(turnID string) ServerStart {
	return ServerStart{Type: "start", TurnID: turnID}
}

func NewToken(turnID, data string) ServerToken {
	return ServerToken{Type: "token", TurnID: turnID, Data: data}
}

func NewDone(turnID string) ServerDone {
	return ServerDone{Type: "done", TurnID: turnID}
}

func NewError(turnID, errType, message string, retryAfter *int) ServerError {
	return ServerError{
		Type:   "error",
		TurnID: turnID,
		Error:  ServerErrorBody{Type: errType, Message: message, RetryAfter: retryAfter},
	}
}

func NewCleared() ServerCleared {
	return ServerCleared{Type: "cleared"}
}

func NewHeartbeat(turnID string) ServerHeartbeat {
	return ServerHeartbeat{Type: "heartbeat", TurnID: turnID}
}
