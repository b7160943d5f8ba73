// Package monitor sweeps the session registry for stale connections and
// force-closes them, decoupled from the router so it never blocks a
// routing decision.
package monitor

import (
	"time"

	"github.com/conclave-dev/partyline/internal/registry"
	"github.com/conclave-dev/partyline/internal/session"
)

// Config controls sweep cadence and the staleness threshold.
type Config struct {
	SweepInterval time.Duration
	ClientTimeout time.Duration
}

// DefaultConfig returns the stock cadence: clients heartbeat every 5s, a
// session lagging more than 15s is declared stale.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 5 * time.Second,
		ClientTimeout: 15 * time.Second,
	}
}

// Monitor periodically sweeps a registry, closing sessions whose
// last-seen timestamp has lagged past ClientTimeout. Closing a session's
// transport is enough to trigger the broker server's normal disconnect
// handling (session removal, router teardown) via the read loop's error
// return; the monitor itself does not touch router or registry state
// beyond enumerating sessions.
type Monitor struct {
	cfg  Config
	reg  *registry.Registry
	stop chan struct{}
}

// New builds a Monitor bound to reg.
func New(reg *registry.Registry, cfg Config) *Monitor {
	return &Monitor{cfg: cfg, reg: reg, stop: make(chan struct{})}
}

// Run sweeps on cfg.SweepInterval until Stop is called. Intended to run
// in its own goroutine.
func (m *Monitor) Run() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

// Stop halts the sweep loop. Safe to call once; a second call panics on
// closing an already-closed channel, matching the broker server's single
// owning goroutine for monitor lifecycle.
func (m *Monitor) Stop() {
	close(m.stop)
}

func (m *Monitor) sweep() {
	now := time.Now().UnixMilli()
	cutoff := m.cfg.ClientTimeout.Milliseconds()
	for _, s := range append(m.reg.Consumers(), m.reg.Producers()...) {
		if now-s.LastSeen() > cutoff {
			s.Close()
		}
	}
}

// IsStale reports whether s has lagged past cfg.ClientTimeout, exposed
// for tests that don't want to wait a full sweep interval.
func IsStale(s *session.Session, cfg Config, now time.Time) bool {
	return now.UnixMilli()-s.LastSeen() > cfg.ClientTimeout.Milliseconds()
}
