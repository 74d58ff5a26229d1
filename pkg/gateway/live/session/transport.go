package session

import "github.com/voxhall/voxhall/pkg/core"

// Transport is the session's one-way view of a client connection. The
// websocket chat handler, the SSE chat handler and the telephony handler
// each implement it, so the turn engine never knows which wire it is on.
type Transport interface {
	SendConnected(tenantID, sessionID, locale string) error
	SendStart(turnID string) error
	SendChunk(turnID, text string) error
	SendDone(turnID string) error
	SendError(turnID string, apiErr *core.Error) error
	SendCleared() error
	SendHeartbeat(turnID string) error

	// Closed reports whether the peer is gone. Checked before every chunk
	// write so a dead connection stops emission promptly.
	Closed() bool
}
