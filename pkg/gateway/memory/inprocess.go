package memory

import (
	"context"
	"sync"
	"time"
)

// sweepInterval is how many mutations pass between full expiry sweeps.
const sweepInterval = 64

// InProcessOptions configure the in-process driver. Zero values fall back
// to the package defaults.
type InProcessOptions struct {
	TTL          time.Duration
	MaxTurns     int
	MaxTurnBytes int
}

// InProcess is the canonical single-node Store. Expiry is lazy: expired
// records are dropped when touched, plus a full sweep every sweepInterval
// mutations. There is no background goroutine.
type InProcess struct {
	ttl          time.Duration
	maxTurns     int
	maxTurnBytes int

	mu      sync.Mutex
	records map[string]*inprocRecord
	ops     int

	now func() time.Time
}

type inprocRecord struct {
	mu        sync.Mutex
	rec       record
	expiresAt time.Time
}

// NewInProcess creates an in-process Store.
func NewInProcess(opts InProcessOptions) *InProcess {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.MaxTurnBytes <= 0 {
		opts.MaxTurnBytes = DefaultMaxTurnBytes
	}
	return &InProcess{
		ttl:          opts.TTL,
		maxTurns:     opts.MaxTurns,
		maxTurnBytes: opts.MaxTurnBytes,
		records:      make(map[string]*inprocRecord),
		now:          time.Now,
	}
}

// lookup returns the live record for key, dropping it if expired. When
// create is true a fresh record is made in its place.
func (s *InProcess) lookup(key string, create bool) *inprocRecord {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ops++
	if s.ops%sweepInterval == 0 {
		for k, r := range s.records {
			if now.After(r.expiresAt) {
				delete(s.records, k)
			}
		}
	}

	r, ok := s.records[key]
	if ok && now.After(r.expiresAt) {
		delete(s.records, key)
		ok = false
	}
	if !ok {
		if !create {
			return nil
		}
		r = &inprocRecord{}
		s.records[key] = r
	}
	// Every access slides the TTL.
	r.expiresAt = now.Add(s.ttl)
	return r
}

func (s *InProcess) Append(_ context.Context, tenantID, sessionID string, turn Turn) error {
	turn.Text = Redact(turn.Text, s.maxTurnBytes)
	r := s.lookup(sessionKey(tenantID, sessionID), true)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec.appendTurn(turn, s.maxTurns)
	return nil
}

func (s *InProcess) Turns(_ context.Context, tenantID, sessionID string) ([]Turn, error) {
	r := s.lookup(sessionKey(tenantID, sessionID), false)
	if r == nil {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Turn, len(r.rec.Turns))
	copy(out, r.rec.Turns)
	return out, nil
}

func (s *InProcess) ContextPrefix(_ context.Context, tenantID, sessionID string) (Context, error) {
	r := s.lookup(sessionKey(tenantID, sessionID), false)
	if r == nil {
		return Context{}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	turns := make([]Turn, len(r.rec.Turns))
	copy(turns, r.rec.Turns)
	return Context{Summary: r.rec.Summary, Intent: r.rec.Intent, Turns: turns}, nil
}

func (s *InProcess) SetIntent(_ context.Context, tenantID, sessionID, intent string) error {
	r := s.lookup(sessionKey(tenantID, sessionID), true)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec.Intent = intent
	return nil
}

func (s *InProcess) Clear(_ context.Context, tenantID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionKey(tenantID, sessionID))
	return nil
}

func (s *InProcess) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*inprocRecord)
	return nil
}
