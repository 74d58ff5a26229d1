// Package sessions tracks live connections per tenant. Admission runs at
// bind time; teardown releases exactly one slot no matter how many paths
// race to close the connection.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/voxhall/voxhall/pkg/core"
	"github.com/voxhall/voxhall/pkg/gateway/admission"
)

// TenantUnknown is the reserved bucket for telephony streams that have not
// yet identified their tenant. It is capped like any other tenant, which
// bounds pre-identification abuse.
const TenantUnknown = "unknown"

// Handle lets the manager warn or cancel a connection during drain.
type Handle struct {
	Cancel func()
	Warn   func(code, message string) error
}

// Recorder receives session lifecycle metrics. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordAdmissionReject(tenantID string)
	RecordSessionStart()
	RecordSessionEnd(transport, status string, duration time.Duration)
}

// Manager is the connection registry.
type Manager struct {
	adm *admission.Controller
	rec Recorder

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	draining bool
	wg       sync.WaitGroup

	now func() time.Time
}

// Conn is one live connection's registration.
type Conn struct {
	handle    Handle
	transport string
	openedAt  time.Time

	mu       sync.Mutex
	tenantID string
	released bool
}

// TenantID returns the connection's current tenant binding.
func (c *Conn) TenantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tenantID
}

func NewManager(adm *admission.Controller, rec Recorder) *Manager {
	return &Manager{
		adm:   adm,
		rec:   rec,
		conns: make(map[*Conn]struct{}),
		now:   time.Now,
	}
}

// Bind admits a connection under tenantID and registers it. The handshake
// must have completed first; unauthenticated chat connections never reach
// this point. Telephony streams bind under TenantUnknown until their start
// frame names a tenant.
func (m *Manager) Bind(tenantID, transport string, h Handle) (*Conn, error) {
	now := m.now()

	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return nil, core.NewUnavailableError("gateway is draining")
	}
	if !m.adm.TryAcquireConn(tenantID, now) {
		m.mu.Unlock()
		m.rec.RecordAdmissionReject(tenantID)
		return nil, core.NewAdmissionRejected("tenant connection limit reached")
	}

	c := &Conn{
		handle:    h,
		transport: transport,
		openedAt:  now,
		tenantID:  tenantID,
	}
	m.conns[c] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	m.rec.RecordSessionStart()
	return c, nil
}

// Rebind moves a connection from the unknown bucket to its real tenant,
// re-running admission. On rejection the old binding stays intact so
// teardown still releases the right slot. Binding is monotonic: a
// connection already bound to a tenant cannot move again.
func (m *Manager) Rebind(c *Conn, tenantID string) error {
	now := m.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return core.NewTransportClosed("connection already released")
	}
	if c.tenantID != TenantUnknown {
		return core.NewInvalidRequestError("connection is already bound to a tenant")
	}
	if tenantID == "" || tenantID == TenantUnknown {
		return core.NewInvalidRequestError("cannot rebind to the unknown tenant")
	}

	if !m.adm.TryAcquireConn(tenantID, now) {
		m.rec.RecordAdmissionReject(tenantID)
		return core.NewAdmissionRejected("tenant connection limit reached")
	}
	m.adm.ReleaseConn(TenantUnknown, now)
	c.tenantID = tenantID
	return nil
}

// Release tears the connection down. Safe to call from multiple paths;
// only the first call releases the admission slot.
func (m *Manager) Release(c *Conn, status string) {
	if c == nil {
		return
	}
	now := m.now()

	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	tenantID := c.tenantID
	c.mu.Unlock()

	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()

	m.adm.ReleaseConn(tenantID, now)
	m.rec.RecordSessionEnd(c.transport, status, now.Sub(c.openedAt))
	m.wg.Done()
}

// Count reports live connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// SetDraining stops new binds. Existing connections continue.
func (m *Manager) SetDraining() {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()
}

// WarnAll tells every live connection the gateway is going away.
func (m *Manager) WarnAll(code, message string) (sent int) {
	var warns []func(code, message string) error
	m.mu.Lock()
	for c := range m.conns {
		if c.handle.Warn == nil {
			continue
		}
		warns = append(warns, c.handle.Warn)
	}
	m.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

// CancelAll force-closes every live connection.
func (m *Manager) CancelAll() (canceled int) {
	var cancels []func()
	m.mu.Lock()
	for c := range m.conns {
		if c.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, c.handle.Cancel)
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every connection has been released or ctx expires.
func (m *Manager) Wait(ctx context.Context) bool {
	if ctx == nil {
		m.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
