// Package admission bounds what each tenant may hold open or send. It
// combines per-tenant concurrent connection slots with fixed-window request
// counters keyed by arbitrary scope strings. All state is in-memory and
// single-process; the map is bounded and garbage collected.
package admission

import (
	"math"
	"sync"
	"time"
)

type Config struct {
	// MaxConnsPerTenant caps concurrently open connections per tenant.
	MaxConnsPerTenant int

	// Operational bounds for the in-memory maps.
	MaxEntries int
	EntryTTL   time.Duration
}

// Controller tracks connection slots and rate windows.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	conns   map[string]*connEntry
	windows map[string]*windowEntry
}

type connEntry struct {
	count    int
	lastSeen time.Time
}

// windowEntry is a fixed window: count resets when the wall clock passes
// resetAt. No background timer is involved.
type windowEntry struct {
	count    int
	resetAt  time.Time
	lastSeen time.Time
}

func New(cfg Config) *Controller {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Controller{
		cfg:     cfg,
		conns:   make(map[string]*connEntry),
		windows: make(map[string]*windowEntry),
	}
}

// TryAcquireConn claims a connection slot for the tenant. Callers must pair
// every successful acquire with exactly one ReleaseConn.
func (c *Controller) TryAcquireConn(tenantID string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.conns[tenantID]
	if !ok {
		if len(c.conns) >= c.cfg.MaxEntries {
			c.gcConnsLocked(now)
		}
		e = &connEntry{}
		c.conns[tenantID] = e
	}
	e.lastSeen = now

	if c.cfg.MaxConnsPerTenant > 0 && e.count >= c.cfg.MaxConnsPerTenant {
		return false
	}
	e.count++
	return true
}

// ReleaseConn returns a previously acquired slot.
func (c *Controller) ReleaseConn(tenantID string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.conns[tenantID]
	if !ok || e.count == 0 {
		return
	}
	e.count--
	e.lastSeen = now
	if e.count == 0 {
		delete(c.conns, tenantID)
	}
}

// Conns reports the tenant's current slot usage.
func (c *Controller) Conns(tenantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.conns[tenantID]; ok {
		return e.count
	}
	return 0
}

// AllowRequest counts one request against the scope's fixed window and
// reports whether it fits. On rejection, retryAfter is the whole seconds
// until the window resets, at least 1.
func (c *Controller) AllowRequest(scopeKey string, window time.Duration, maxPerWindow int, now time.Time) (bool, int) {
	if maxPerWindow <= 0 || window <= 0 {
		return true, 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.windows[scopeKey]
	if !ok {
		if len(c.windows) >= c.cfg.MaxEntries {
			c.gcWindowsLocked(now)
			// Bounded memory beats perfect fairness: drop one arbitrary
			// entry if GC freed nothing.
			if len(c.windows) >= c.cfg.MaxEntries {
				for k := range c.windows {
					delete(c.windows, k)
					break
				}
			}
		}
		e = &windowEntry{resetAt: now.Add(window)}
		c.windows[scopeKey] = e
	}
	e.lastSeen = now

	if !now.Before(e.resetAt) {
		e.count = 0
		e.resetAt = now.Add(window)
	}

	if e.count >= maxPerWindow {
		retryAfter := int(math.Ceil(e.resetAt.Sub(now).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}
	e.count++
	return true, 0
}

func (c *Controller) gcConnsLocked(now time.Time) {
	for k, v := range c.conns {
		if v.count == 0 && now.Sub(v.lastSeen) > c.cfg.EntryTTL {
			delete(c.conns, k)
		}
	}
}

func (c *Controller) gcWindowsLocked(now time.Time) {
	for k, v := range c.windows {
		if now.Sub(v.lastSeen) > c.cfg.EntryTTL || (now.After(v.resetAt) && v.count == 0) {
			delete(c.windows, k)
		}
	}
}
