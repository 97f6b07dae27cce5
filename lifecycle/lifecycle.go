// Package lifecycle starts process components in registration order and stops
// them in reverse.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Component is one long-lived part of the process.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

var (
	// ErrDuplicate is returned when a component name is registered twice.
	ErrDuplicate = errors.New("lifecycle: component name already registered")
	// ErrStopped is returned by Register and Start after Stop.
	ErrStopped = errors.New("lifecycle: manager stopped")
)

// Hook adapts a pair of functions into a Component. Nil functions are no-ops.
type Hook struct {
	ID      string
	OnStart func(ctx context.Context) error
	OnStop  func(ctx context.Context) error
}

func (h Hook) Name() string { return h.ID }

func (h Hook) Start(ctx context.Context) error {
	if h.OnStart == nil {
		return nil
	}
	return h.OnStart(ctx)
}

func (h Hook) Stop(ctx context.Context) error {
	if h.OnStop == nil {
		return nil
	}
	return h.OnStop(ctx)
}

// Closer wraps a Close method as a stop-only component.
func Closer(name string, fn func() error) Component {
	return Hook{ID: name, OnStop: func(context.Context) error { return fn() }}
}

// Manager is safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	components []Component
	names      map[string]bool
	started    []Component
	stopped    bool
}

// New returns an empty manager.
func New() *Manager {
	return &Manager{names: make(map[string]bool)}
}

// Register appends c. It is started by the next call to Start.
func (m *Manager) Register(c Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.names[c.Name()] {
		return fmt.Errorf("%w: %s", ErrDuplicate, c.Name())
	}
	m.names[c.Name()] = true
	m.components = append(m.components, c)
	return nil
}

// Start starts every registered component not yet started. When one fails,
// the components started by this call are stopped again in reverse order and
// the failure is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	pending := m.components[len(m.started):]
	var begun []Component
	for _, c := range pending {
		t := time.Now()
		if err := c.Start(ctx); err != nil {
			log.Error().Err(err).Str("component", c.Name()).Msg("failed to start component")
			if rerr := stopReverse(context.WithoutCancel(ctx), begun); rerr != nil {
				log.Error().Err(rerr).Msg("rollback after failed start")
			}
			m.components = m.components[:len(m.started)]
			for _, p := range pending {
				delete(m.names, p.Name())
			}
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		begun = append(begun, c)
		log.Debug().Str("component", c.Name()).Dur("took", time.Since(t)).Msg("component started")
	}
	m.started = append(m.started, begun...)
	return nil
}

// Stop stops every started component in reverse order, attempting all of
// them, and joins their errors. The manager cannot be reused.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil
	}
	m.stopped = true
	err := stopReverse(ctx, m.started)
	m.started = nil
	return err
}

// Names lists started components in start order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, len(m.started))
	for i, c := range m.started {
		names[i] = c.Name()
	}
	return names
}

func stopReverse(ctx context.Context, cs []Component) error {
	var errs []error
	for i := len(cs) - 1; i >= 0; i-- {
		c := cs[i]
		if err := c.Stop(ctx); err != nil {
			log.Warn().Err(err).Str("component", c.Name()).Msg("failed to stop component")
			errs = append(errs, fmt.Errorf("stop %s: %w", c.Name(), err))
			continue
		}
		log.Debug().Str("component", c.Name()).Msg("component stopped")
	}
	return errors.Join(errs...)
}
