package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/voxhall/voxhall/pkg/core"
	"github.com/voxhall/voxhall/pkg/gateway/config"
	"github.com/voxhall/voxhall/pkg/gateway/live/protocol"
	"github.com/voxhall/voxhall/pkg/gateway/mw"
)

type errorEnvelope struct {
	Error *core.Error `json:"error"`
}

// writeErrorJSON answers a plain HTTP request with the canonical error
// envelope, deriving the status from the error type.
func writeErrorJSON(w http.ResponseWriter, reqID string, apiErr *core.Error) {
	writeErrorJSONStatus(w, reqID, apiErr, core.HTTPStatus(apiErr.Type))
}

func writeErrorJSONStatus(w http.ResponseWriter, reqID string, apiErr *core.Error, status int) {
	if apiErr.RequestID == "" {
		apiErr.RequestID = reqID
	}
	if apiErr.RetryAfter != nil {
		w.Header().Set("Retry-After", strconv.Itoa(*apiErr.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: apiErr})
}

// decodeToAPIError folds a protocol decode failure into the taxonomy so
// every surface reports malformed frames the same way.
func decodeToAPIError(err error) *core.Error {
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		return &core.Error{Type: core.ErrInvalidRequest, Message: de.Message, Code: de.Code}
	}
	return core.NewInvalidRequestError("invalid frame")
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}

// clientHost keys pre-auth handshake rate limiting. Connections carry no
// tenant yet at that point.
func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func originAllowed(cfg config.Config, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := cfg.CORSAllowedOrigins[origin]
	return ok
}
