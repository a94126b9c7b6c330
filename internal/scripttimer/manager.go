// Package scripttimer implements the Script Timer Manager (spec §4.2,
// C2): a setTimeout/setInterval equivalent scoped to one engine, with
// per-instance and engine-wide bulk cancellation. Timers are represented
// as records in a map with a stable id; firing re-validates the record
// is still present before invoking the callback, and repeating timers
// re-post themselves from inside the callback only if still present
// (spec §9 "Coroutine-like timer callbacks").
package scripttimer

import (
	"sync"
	"time"
)

// ID identifies one scheduled timer, monotonically increasing within an
// engine (spec §4.2).
type ID int64

// Callback is invoked on the engine's worker thread when a timer fires.
// instanceName re-binds the engine's "current instance" facet for the
// duration of the call (spec §4.2).
type Callback func(instanceName string, args []any)

type entry struct {
	id           ID
	instanceName string
	cb           Callback
	args         []any
	interval     time.Duration
	repeating    bool
	timer        *time.Timer
	cancelled    bool
}

// Dispatcher is the minimal surface the Manager needs from its owning
// engine: a way to post a function to run on the engine's single
// worker goroutine. This keeps the timer manager from ever invoking a
// callback off the engine thread (spec §4.3 invariant).
type Dispatcher interface {
	Post(fn func())
}

// Manager owns every timer for one engine.
type Manager struct {
	mu       sync.Mutex
	nextID   ID
	entries  map[ID]*entry
	disp     Dispatcher
}

// NewManager constructs a timer manager bound to an engine's dispatcher.
func NewManager(disp Dispatcher) *Manager {
	return &Manager{
		entries: make(map[ID]*entry),
		disp:    disp,
	}
}

// SetTimeout schedules a one-shot callback after delay. A delay <= 0 is
// still dispatched asynchronously via a zero-delay timer, never
// re-entering the caller (spec §4.2).
func (m *Manager) SetTimeout(instanceName string, delay time.Duration, cb Callback, args []any) ID {
	return m.schedule(instanceName, delay, cb, args, false)
}

// SetInterval schedules a repeating callback, re-firing every interval
// until Clear'd.
func (m *Manager) SetInterval(instanceName string, interval time.Duration, cb Callback, args []any) ID {
	return m.schedule(instanceName, interval, cb, args, true)
}

func (m *Manager) schedule(instanceName string, d time.Duration, cb Callback, args []any, repeating bool) ID {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	e := &entry{id: id, instanceName: instanceName, cb: cb, args: args, interval: d, repeating: repeating}
	m.entries[id] = e
	m.mu.Unlock()

	e.timer = time.AfterFunc(d, func() { m.fire(id) })
	return id
}

func (m *Manager) fire(id ID) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.cancelled {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.disp.Post(func() {
		// Re-validate the record is still present when the dispatched
		// task actually runs — clear() is observable mid-fire (spec §4.2).
		m.mu.Lock()
		e, ok := m.entries[id]
		if !ok || e.cancelled {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		e.cb(e.instanceName, e.args)

		m.mu.Lock()
		e, ok = m.entries[id]
		stillPresent := ok && !e.cancelled
		if stillPresent && e.repeating {
			e.timer = time.AfterFunc(e.interval, func() { m.fire(id) })
		} else {
			delete(m.entries, id)
		}
		m.mu.Unlock()
	})
}

// Clear cancels one timer by id.
func (m *Manager) Clear(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return
	}
	e.cancelled = true
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(m.entries, id)
}

// ClearForInstance cancels every timer originated by instanceName
// (spec §4.2, invoked e.g. on instance rebind/unbind).
func (m *Manager) ClearForInstance(instanceName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if e.instanceName == instanceName {
			e.cancelled = true
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(m.entries, id)
		}
	}
}

// ClearAll cancels every timer in the engine (spec §4.2, invoked on
// engine reset).
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		e.cancelled = true
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(m.entries, id)
	}
}

// Count returns the number of currently scheduled timers (for metrics).
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
