// Package servermgr starts the auxiliary front ends (Modbus mirror, mDNS
// advertiser) next to the event loop and stops them on shutdown.
package servermgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"device-simulator/internal/logging"
)

// Component is one auxiliary service.
type Component interface {
	Name() string
	Start() error
	Stop()
}

type funcComponent struct {
	name  string
	start func() error
	stop  func()
}

func (f funcComponent) Name() string { return f.name }
func (f funcComponent) Start() error { return f.start() }
func (f funcComponent) Stop() { f.stop() }

// Func adapts a start/stop pair into a Component.
func Func(name string, start func() error, stop func()) Component {
	return funcComponent{name: name, start: start, stop: stop}
}

// Manager starts components in order and stops them in reverse.
type Manager struct {
	log        *logging.Logger
	retry      int
	retryDelay time.Duration
	comps      []Component

	mu      sync.Mutex
	started []Component
}

// NewManager retries a failing Start up to retry extra times.
func NewManager(log *logging.Logger, retry int, comps ...Component) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	if retry < 0 {
		retry = 0
	}
	return &Manager{log: log, retry: retry, retryDelay: time.Second, comps: comps}
}

// Len reports the number of registered components.
func (m *Manager) Len() int { return len(m.comps) }

// Start brings every component up. On failure the ones already running are
// stopped and the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	for _, c := range m.comps {
		if err := m.startOne(ctx, c); err != nil {
			m.Stop()
			return err
		}
		m.mu.Lock()
		m.started = append(m.started, c)
		m.mu.Unlock()
		m.log.Info("component started", "component", c.Name())
	}
	return nil
}

func (m *Manager) startOne(ctx context.Context, c Component) error {
	var err error
	for attempt := 0; attempt <= m.retry; attempt++ {
		if err = c.Start(); err == nil {
			return nil
		}
		if attempt == m.retry {
			break
		}
		m.log.Warn("component start failed, retrying", "component", c.Name(), "attempt", attempt+1, "error", err)
		select {
		case <-time.After(m.retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("start %s: %w", c.Name(), err)
}

// Stop stops started components in reverse order. It is safe to call twice.
func (m *Manager) Stop() {
	m.mu.Lock()
	started := m.started
	m.started = nil
	m.mu.Unlock()

	for i := len(started) - 1; i >= 0; i-- {
		started[i].Stop()
		m.log.Info("component stopped", "component", started[i].Name())
	}
}
