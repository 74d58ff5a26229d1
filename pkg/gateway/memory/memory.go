// Package memory stores bounded per-session conversation history. Records
// are keyed by (tenant, session), capped to a fixed number of turns, and
// evicted after a sliding idle TTL. All text is redacted before it is stored.
package memory

import (
	"context"
	"strings"
	"time"
)

const (
	// DefaultMaxTurns bounds the retained history per session.
	DefaultMaxTurns = 12
	// DefaultTTL is the sliding idle lifetime of a session record.
	DefaultTTL = 30 * time.Minute
	// DefaultMaxTurnBytes clamps a single turn's text after redaction.
	DefaultMaxTurnBytes = 4096

	// maxSummaryBytes bounds the rolling summary of evicted turns.
	maxSummaryBytes = 1024
	// summarySnippetBytes is how much of each evicted turn the summary keeps.
	summarySnippetBytes = 80
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in a session. Immutable once stored.
type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Context is the prompt-ready view of a session record.
type Context struct {
	Summary string
	Intent  string
	Turns   []Turn
}

// Store is the session memory contract. Implementations apply redaction,
// the turn cap and the sliding TTL themselves so that callers cannot skip
// them.
type Store interface {
	// Append adds a turn to the session, redacting and clamping its text,
	// evicting the oldest turn into the rolling summary when the cap is hit.
	Append(ctx context.Context, tenantID, sessionID string, turn Turn) error

	// Turns returns the retained turns, oldest first. An expired or unknown
	// session yields an empty slice, not an error.
	Turns(ctx context.Context, tenantID, sessionID string) ([]Turn, error)

	// ContextPrefix returns the summary, intent tag and retained turns for
	// prompting. Reading refreshes the sliding TTL.
	ContextPrefix(ctx context.Context, tenantID, sessionID string) (Context, error)

	// SetIntent tags the session with its active intent.
	SetIntent(ctx context.Context, tenantID, sessionID, intent string) error

	// Clear discards the session record.
	Clear(ctx context.Context, tenantID, sessionID string) error

	// Close releases backend resources.
	Close() error
}

// record is the stored shape shared by drivers.
type record struct {
	Summary string `json:"summary,omitempty"`
	Intent  string `json:"intent,omitempty"`
	Turns   []Turn `json:"turns"`
}

// appendTurn applies the FIFO cap, folding evicted turns into the summary.
func (r *record) appendTurn(turn Turn, maxTurns int) {
	r.Turns = append(r.Turns, turn)
	for len(r.Turns) > maxTurns {
		evicted := r.Turns[0]
		r.Turns = append(r.Turns[:0], r.Turns[1:]...)
		r.foldIntoSummary(evicted)
	}
}

func (r *record) foldIntoSummary(turn Turn) {
	snippet := turn.Text
	if len(snippet) > summarySnippetBytes {
		snippet = clampUTF8(snippet, summarySnippetBytes)
	}
	line := string(turn.Role) + ": " + snippet
	if r.Summary == "" {
		r.Summary = line
	} else {
		r.Summary = r.Summary + "\n" + line
	}
	// Keep the tail: recent context matters more than old.
	if len(r.Summary) > maxSummaryBytes {
		cut := r.Summary[len(r.Summary)-maxSummaryBytes:]
		if idx := strings.IndexByte(cut, '\n'); idx >= 0 {
			cut = cut[idx+1:]
		}
		r.Summary = cut
	}
}

func sessionKey(tenantID, sessionID string) string {
	return tenantID + ":" + sessionID
}
