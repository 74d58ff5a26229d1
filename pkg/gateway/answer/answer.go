// Package answer is the boundary to the conversational pipeline that turns
// a user utterance plus session context into a reply.
package answer

import "context"

// Query carries one turn's input to the pipeline.
type Query struct {
	TenantID  string
	SessionID string
	Locale    string

	// Message is the user's utterance for this turn.
	Message string

	// Summary and Intent come from session memory.
	Summary string
	Intent  string

	// History is the retained turn window, oldest first.
	History []HistoryTurn
}

// HistoryTurn mirrors a stored memory turn without importing the store.
type HistoryTurn struct {
	Role string
	Text string
}

// Engine produces a reply for a query. Implementations must honor ctx
// cancellation; the gateway always invokes engines through the resilient
// call wrapper, which owns the deadline.
type Engine interface {
	Answer(ctx context.Context, q Query) (string, error)
}
