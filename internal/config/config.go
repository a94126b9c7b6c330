// Package config holds the process-wide mutable state objects called for
// by spec §9 ("Process-wide mutables") plus the CLI flag surface of
// spec §6.
package config

import (
	"sync"
	"sync/atomic"
)

// DefaultMinRepeatMs is the floor below which any resolved repeat
// rate/delay is clamped (spec §4.5, §8).
const DefaultMinRepeatMs = 50

// DefaultRepeatRateMs / DefaultRepeatDelayMs are the plugin's built-in
// starting values before any host settings or CLI override is applied.
const (
	DefaultRepeatRateMs  = 50
	DefaultRepeatDelayMs = 300
)

// EventKind identifies a process-wide broadcast event.
type EventKind string

const (
	EventDefaultRepeatRateChanged  EventKind = "DefaultRepeatRateChanged"
	EventDefaultRepeatDelayChanged EventKind = "DefaultRepeatDelayChanged"
	EventCurrentPageChanged        EventKind = "CurrentPageChanged"
)

// Event is the payload delivered to subscribers of the process event bus.
type Event struct {
	Kind  EventKind
	Value any
}

// Bus is a minimal fan-out event bus: each subscriber gets its own
// buffered channel so a slow subscriber cannot block a fast one nor the
// publisher beyond the buffer depth.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new listener and returns it plus an unsubscribe
// function.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish fans an event out to every current subscriber. Full subscriber
// channels drop the event rather than block the publisher.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ProcessState is the single process-wide mutable state object: default
// repeat rate/delay, scripts base directory, and current host page.
// All fields are accessed through atomics/locks so engine worker
// goroutines, the scheduler, and the host bridge can read/write
// concurrently without a shared lock.
type ProcessState struct {
	defaultRepeatRateMs  atomic.Int64
	defaultRepeatDelayMs atomic.Int64

	mu              sync.RWMutex
	scriptsBaseDir  string
	currentPage     string
	hostVersion     string
	pluginStatus    string

	Bus *Bus
}

// NewProcessState builds a ProcessState seeded with the built-in defaults.
func NewProcessState() *ProcessState {
	ps := &ProcessState{Bus: NewBus()}
	ps.defaultRepeatRateMs.Store(DefaultRepeatRateMs)
	ps.defaultRepeatDelayMs.Store(DefaultRepeatDelayMs)
	return ps
}

// DefaultRepeatRateMs returns the current process-default repeat rate,
// clamped to the floor.
func (p *ProcessState) DefaultRepeatRateMs() int {
	return clampMin(int(p.defaultRepeatRateMs.Load()), DefaultMinRepeatMs)
}

// SetDefaultRepeatRateMs sets the process default and publishes an
// EventDefaultRepeatRateChanged event on Bus. No component in this
// module subscribes to that event, so a repeat chain already running
// keeps the interval it started with.
func (p *ProcessState) SetDefaultRepeatRateMs(ms int) {
	p.defaultRepeatRateMs.Store(int64(ms))
	p.Bus.Publish(Event{Kind: EventDefaultRepeatRateChanged, Value: ms})
}

// DefaultRepeatDelayMs returns the current process-default repeat delay,
// clamped to the floor.
func (p *ProcessState) DefaultRepeatDelayMs() int {
	return clampMin(int(p.defaultRepeatDelayMs.Load()), DefaultMinRepeatMs)
}

// SetDefaultRepeatDelayMs sets the process default and broadcasts.
func (p *ProcessState) SetDefaultRepeatDelayMs(ms int) {
	p.defaultRepeatDelayMs.Store(int64(ms))
	p.Bus.Publish(Event{Kind: EventDefaultRepeatDelayChanged, Value: ms})
}

// IncDefaultRepeatRateMs adjusts the default rate by a delta (host
// "increment"/"decrement" actions per §4.7).
func (p *ProcessState) IncDefaultRepeatRateMs(delta int) {
	p.SetDefaultRepeatRateMs(int(p.defaultRepeatRateMs.Add(int64(delta))))
}

// IncDefaultRepeatDelayMs adjusts the default delay by a delta.
func (p *ProcessState) IncDefaultRepeatDelayMs(delta int) {
	p.SetDefaultRepeatDelayMs(int(p.defaultRepeatDelayMs.Add(int64(delta))))
}

// ScriptsBaseDir returns the configured base directory non-absolute
// script paths are resolved against.
func (p *ProcessState) ScriptsBaseDir() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.scriptsBaseDir
}

// SetScriptsBaseDir updates the base directory.
func (p *ProcessState) SetScriptsBaseDir(dir string) {
	p.mu.Lock()
	p.scriptsBaseDir = dir
	p.mu.Unlock()
}

// CurrentPage returns the last page broadcast from the host.
func (p *ProcessState) CurrentPage() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentPage
}

// SetCurrentPage updates the current page and broadcasts the change.
func (p *ProcessState) SetCurrentPage(page string) {
	p.mu.Lock()
	p.currentPage = page
	p.mu.Unlock()
	p.Bus.Publish(Event{Kind: EventCurrentPageChanged, Value: page})
}

// HostVersion / SetHostVersion record the host's reported version from
// the initial info/settings message.
func (p *ProcessState) HostVersion() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hostVersion
}

func (p *ProcessState) SetHostVersion(v string) {
	p.mu.Lock()
	p.hostVersion = v
	p.mu.Unlock()
}

// PluginStatus / SetPluginStatus back the "plugin status" process-level
// published state named in spec §6's state id namespace list.
func (p *ProcessState) PluginStatus() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pluginStatus
}

func (p *ProcessState) SetPluginStatus(status string) {
	p.mu.Lock()
	p.pluginStatus = status
	p.mu.Unlock()
}

func clampMin(v, min int) int {
	if v < min {
		return min
	}
	return v
}

// ResolveRepeatRateMs resolves an instance-level override against the
// process default: negative means "inherit process default"; zero and
// above are literal values, clamped to the 50ms floor like any other
// resolved result (spec §4.5, §8).
func (p *ProcessState) ResolveRepeatRateMs(override int) int {
	if override < 0 {
		return p.DefaultRepeatRateMs()
	}
	return clampMin(override, DefaultMinRepeatMs)
}

// ResolveRepeatDelayMs is the delay analog of ResolveRepeatRateMs.
func (p *ProcessState) ResolveRepeatDelayMs(override int) int {
	if override < 0 {
		return p.DefaultRepeatDelayMs()
	}
	return clampMin(override, DefaultMinRepeatMs)
}
