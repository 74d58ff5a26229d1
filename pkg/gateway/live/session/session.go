// Package session runs the per-connection turn engine: buffer a complete
// user utterance, consult session memory, invoke the answer pipeline under
// the call wrapper, and stream the reply back in fixed-width chunks.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/voxhall/voxhall/pkg/core"
	"github.com/voxhall/voxhall/pkg/core/call"
	"github.com/voxhall/voxhall/pkg/gateway/admission"
	"github.com/voxhall/voxhall/pkg/gateway/answer"
	"github.com/voxhall/voxhall/pkg/gateway/memory"
)

// fallbackReply is persisted and surfaced when the pipeline times out.
const fallbackReply = "Sorry, I'm having trouble answering right now. Please try again."

// Config fixes one session's identity and pacing.
type Config struct {
	TenantID  string
	SessionID string
	Locale    string

	// Transport names the wire for metrics ("chat_ws", "chat_sse",
	// "telephony").
	Transport string

	ChunkWidth        int
	InterChunkDelay   time.Duration
	HeartbeatInterval time.Duration

	TurnRateWindow time.Duration
	TurnRateMax    int

	CallOptions call.Options
}

// Recorder is the metrics subset the turn engine reports to.
type Recorder interface {
	RecordRateLimitHit(scope string)
	RecordTurn(transport, outcome string)
	RecordError(errorType string)
}

// Deps are the collaborators a session runs against.
type Deps struct {
	Transport Transport
	Memory    memory.Store
	Engine    answer.Engine
	Caller    *call.Wrapper
	Admission *admission.Controller
	Metrics   Recorder
	Log       *slog.Logger
}

// Session is one live conversation. Not safe for concurrent HandleUser
// calls; each connection's read loop is the only caller.
type Session struct {
	cfg  Config
	deps Deps

	// Injection points for tests.
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	newTurnID func() string
}

func New(cfg Config, deps Deps) *Session {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Session{
		cfg:       cfg,
		deps:      deps,
		now:       time.Now,
		sleep:     sleepCtx,
		newTurnID: func() string { return uuid.NewString() },
	}
}

// Start acknowledges the bound session to the client.
func (s *Session) Start() error {
	return s.deps.Transport.SendConnected(s.cfg.TenantID, s.cfg.SessionID, s.cfg.Locale)
}

// HandleUser processes one complete user utterance as a turn. Turn-scoped
// failures surface as an error frame followed by a done frame and leave
// the session usable; only transport loss or caller cancellation returns
// an error.
func (s *Session) HandleUser(ctx context.Context, message string) error {
	now := s.now()

	scope := "turns:" + s.cfg.TenantID
	if ok, retryAfter := s.deps.Admission.AllowRequest(scope, s.cfg.TurnRateWindow, s.cfg.TurnRateMax, now); !ok {
		s.deps.Metrics.RecordRateLimitHit("turns")
		s.deps.Metrics.RecordTurn(s.cfg.Transport, "rate_limited")
		return s.finishTurnWithError(s.newTurnID(), core.NewRateLimited("turn rate limit exceeded", retryAfter))
	}

	turnID := s.newTurnID()
	if err := s.deps.Transport.SendStart(turnID); err != nil {
		return core.NewTransportClosed("start frame write failed")
	}

	// User turn is persisted before the pipeline sees it, so memory shows
	// the utterance even if the pipeline fails.
	if err := s.deps.Memory.Append(ctx, s.cfg.TenantID, s.cfg.SessionID, memory.Turn{
		Role: memory.RoleUser,
		Text: message,
		At:   now,
	}); err != nil {
		s.deps.Log.Warn("memory append failed",
			slog.String("tenant_id", s.cfg.TenantID),
			slog.String("session_id", s.cfg.SessionID),
			slog.String("turn_id", turnID),
			slog.String("error", err.Error()))
	}

	if reply, ok := classifyFastPath(message); ok {
		return s.deliverReply(ctx, turnID, reply, "fastpath")
	}

	reply, err := s.invokePipeline(ctx, turnID, message)
	if err != nil {
		return s.handlePipelineError(ctx, turnID, err)
	}
	return s.deliverReply(ctx, turnID, reply, "ok")
}

// HandleClear forgets the session history.
func (s *Session) HandleClear(ctx context.Context) error {
	if err := s.deps.Memory.Clear(ctx, s.cfg.TenantID, s.cfg.SessionID); err != nil {
		s.deps.Log.Warn("memory clear failed",
			slog.String("tenant_id", s.cfg.TenantID),
			slog.String("session_id", s.cfg.SessionID),
			slog.String("error", err.Error()))
		return s.finishTurnWithError("", core.NewPipelineError("could not clear session"))
	}
	if err := s.deps.Transport.SendCleared(); err != nil {
		return core.NewTransportClosed("cleared frame write failed")
	}
	return nil
}

func (s *Session) invokePipeline(ctx context.Context, turnID, message string) (string, error) {
	cctx, err := s.deps.Memory.ContextPrefix(ctx, s.cfg.TenantID, s.cfg.SessionID)
	if err != nil {
		s.deps.Log.Warn("memory read failed",
			slog.String("tenant_id", s.cfg.TenantID),
			slog.String("session_id", s.cfg.SessionID),
			slog.String("error", err.Error()))
	}

	q := answer.Query{
		TenantID:  s.cfg.TenantID,
		SessionID: s.cfg.SessionID,
		Locale:    s.cfg.Locale,
		Message:   message,
		Summary:   cctx.Summary,
		Intent:    cctx.Intent,
	}
	for _, turn := range cctx.Turns {
		q.History = append(q.History, answer.HistoryTurn{Role: string(turn.Role), Text: turn.Text})
	}

	stop := s.startHeartbeat(ctx, turnID)
	defer stop()

	var reply string
	err = s.deps.Caller.Do(ctx, "answer", s.cfg.CallOptions, func(ctx context.Context) error {
		out, err := s.deps.Engine.Answer(ctx, q)
		if err != nil {
			return err
		}
		reply = out
		return nil
	})
	return reply, err
}

// deliverReply persists the assistant turn, then streams it in chunks.
func (s *Session) deliverReply(ctx context.Context, turnID, reply, outcome string) error {
	if err := s.deps.Memory.Append(ctx, s.cfg.TenantID, s.cfg.SessionID, memory.Turn{
		Role: memory.RoleAssistant,
		Text: reply,
		At:   s.now(),
	}); err != nil {
		s.deps.Log.Warn("memory append failed",
			slog.String("tenant_id", s.cfg.TenantID),
			slog.String("session_id", s.cfg.SessionID),
			slog.String("turn_id", turnID),
			slog.String("error", err.Error()))
	}

	if err := s.emitChunks(ctx, turnID, reply); err != nil {
		s.deps.Metrics.RecordTurn(s.cfg.Transport, "abandoned")
		return err
	}
	if err := s.deps.Transport.SendDone(turnID); err != nil {
		s.deps.Metrics.RecordTurn(s.cfg.Transport, "abandoned")
		return core.NewTransportClosed("done frame write failed")
	}

	s.deps.Metrics.RecordTurn(s.cfg.Transport, outcome)
	s.deps.Log.Info("turn completed",
		slog.String("tenant_id", s.cfg.TenantID),
		slog.String("session_id", s.cfg.SessionID),
		slog.String("turn_id", turnID),
		slog.String("outcome", outcome),
		slog.Int("reply_chars", utf8.RuneCountInString(reply)))
	return nil
}

func (s *Session) handlePipelineError(ctx context.Context, turnID string, err error) error {
	// A dead connection or a canceled caller means the result is simply
	// discarded; nothing is owed to the peer.
	if ctx.Err() != nil || s.deps.Transport.Closed() {
		s.deps.Metrics.RecordTurn(s.cfg.Transport, "abandoned")
		return core.NewTransportClosed("connection gone during pipeline call")
	}

	apiErr := asAPIError(err)
	s.deps.Metrics.RecordError(string(apiErr.Type))
	s.deps.Metrics.RecordTurn(s.cfg.Transport, "error")
	s.deps.Log.Warn("pipeline failed",
		slog.String("tenant_id", s.cfg.TenantID),
		slog.String("session_id", s.cfg.SessionID),
		slog.String("turn_id", turnID),
		slog.String("error_type", string(apiErr.Type)))

	// On timeout the caller gets a holding reply, persisted so a retry
	// after reconnect sees a coherent transcript.
	if apiErr.Type == core.ErrPipelineTimeout {
		if err := s.deps.Memory.Append(ctx, s.cfg.TenantID, s.cfg.SessionID, memory.Turn{
			Role: memory.RoleAssistant,
			Text: fallbackReply,
			At:   s.now(),
		}); err != nil {
			s.deps.Log.Warn("memory append failed",
				slog.String("tenant_id", s.cfg.TenantID),
				slog.String("session_id", s.cfg.SessionID),
				slog.String("error", err.Error()))
		}
		apiErr = &core.Error{Type: core.ErrPipelineTimeout, Message: fallbackReply}
	}

	return s.finishTurnWithError(turnID, apiErr)
}

// finishTurnWithError emits the turn-scoped error frame followed by done.
// The session stays open.
func (s *Session) finishTurnWithError(turnID string, apiErr *core.Error) error {
	if err := s.deps.Transport.SendError(turnID, apiErr); err != nil {
		return core.NewTransportClosed("error frame write failed")
	}
	if err := s.deps.Transport.SendDone(turnID); err != nil {
		return core.NewTransportClosed("done frame write failed")
	}
	return nil
}

func (s *Session) emitChunks(ctx context.Context, turnID, reply string) error {
	chunks := splitChunks(reply, s.cfg.ChunkWidth)
	for i, chunk := range chunks {
		if i > 0 && s.cfg.InterChunkDelay > 0 {
			if err := s.sleep(ctx, s.cfg.InterChunkDelay); err != nil {
				return err
			}
		}
		if s.deps.Transport.Closed() {
			return core.NewTransportClosed("connection closed during reply emission")
		}
		if err := s.deps.Transport.SendChunk(turnID, chunk); err != nil {
			return core.NewTransportClosed("chunk write failed")
		}
	}
	return nil
}

// startHeartbeat emits heartbeat frames while a pipeline call is pending.
// The returned stop func is idempotent.
func (s *Session) startHeartbeat(ctx context.Context, turnID string) (stop func()) {
	if s.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.deps.Transport.Closed() {
					return
				}
				_ = s.deps.Transport.SendHeartbeat(turnID)
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// splitChunks cuts text into width-rune chunks without splitting a rune.
func splitChunks(text string, width int) []string {
	if width <= 0 || utf8.RuneCountInString(text) <= width {
		return []string{text}
	}
	var out []string
	for len(text) > 0 {
		cut := cutByteIndexAtRuneCount(text, width)
		if cut <= 0 || cut >= len(text) {
			out = append(out, text)
			break
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	return out
}

func cutByteIndexAtRuneCount(s string, runes int) int {
	if runes <= 0 {
		return 0
	}
	i := 0
	for r := 0; r < runes && i < len(s); r++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		if size <= 0 {
			return i
		}
		i += size
	}
	return i
}

func asAPIError(err error) *core.Error {
	var apiErr *core.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewPipelineTimeout("answer pipeline timed out")
	}
	return core.NewPipelineError("answer pipeline failed")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
