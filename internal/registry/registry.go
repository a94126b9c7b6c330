// Package registry implements the Registry & Router (spec §4.6, C6):
// the two process-global instance/engine maps, routing rules, the
// rebind sequence, and bulk Delete/Reset operations.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mpaperno/DSEP4TP-sub000/internal/config"
	"github.com/mpaperno/DSEP4TP-sub000/internal/connectorstore"
	"github.com/mpaperno/DSEP4TP-sub000/internal/instance"
	"github.com/mpaperno/DSEP4TP-sub000/internal/jsengine"
)

const sharedEngineName = "Shared"

// Filter selects which instances a bulk operation applies to (spec
// §4.6 "Bulk operations").
type Filter struct {
	Kind FilterKind
	Name string // only used when Kind == FilterNamed
}

type FilterKind int

const (
	FilterAll FilterKind = iota
	FilterAllShared
	FilterAllPrivate
	FilterNamed
)

// Registry owns the instances and engines maps (spec §4.6).
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*instance.Instance
	engines   map[string]*jsengine.Engine

	proc       *config.ProcessState
	connectors *connectorstore.Reader
	hostSink   jsengine.HostSink
	errorSink  jsengine.ErrorSink
}

// New constructs a Registry and eagerly creates the Shared engine (spec
// §4.6 "scope = Shared ⇒ bind to the Shared engine (created eagerly at
// startup)").
func New(proc *config.ProcessState, connectors *connectorstore.Reader, hostSink jsengine.HostSink, errorSink jsengine.ErrorSink) *Registry {
	r := &Registry{
		instances:  make(map[string]*instance.Instance),
		engines:    make(map[string]*jsengine.Engine),
		proc:       proc,
		connectors: connectors,
		hostSink:   hostSink,
		errorSink:  errorSink,
	}
	r.engines[sharedEngineName] = r.newEngine(sharedEngineName)
	return r
}

func (r *Registry) newEngine(name string) *jsengine.Engine {
	return jsengine.New(name, jsengine.Deps{
		ProcessState: r.proc,
		HostSink:     r.hostSink,
		Connectors:   r.connectors,
		ErrorSink:    r.errorSink,
	})
}

// Engine implements scheduler.EngineLookup.
func (r *Registry) Engine(name string) (*jsengine.Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	return e, ok
}

// Instance looks up an instance by name.
func (r *Registry) Instance(name string) (*instance.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.instances[name]
	return i, ok
}

// GetOrCreate returns the existing instance named name, or creates and
// binds a new Uninitialized one (spec §3 Instance lifecycle: "created
// on first action naming it").
func (r *Registry) GetOrCreate(name string) *instance.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.instances[name]; ok {
		return i
	}
	i := instance.New(name)
	r.instances[name] = i
	r.bindLocked(i)
	return i
}

// bindLocked ensures the instance's engine exists (creating a Private
// engine on demand) and binds the instance to it. Must be called with
// the write lock held.
func (r *Registry) bindLocked(i *instance.Instance) {
	name := i.EngineName()
	e, ok := r.engines[name]
	if !ok {
		e = r.newEngine(name)
		r.engines[name] = e
	}
	e.BindInstance(i)
}

// Rebind implements spec §4.6's four-step rebind sequence, invoked
// whenever an instance's scope or engine_name changes: (1) drain any
// in-flight evaluation for the instance on its old engine, (2)
// serialize stored_data, (3) clear timers on the old engine, (4)
// re-create the binding on the new engine.
func (r *Registry) Rebind(ctx context.Context, i *instance.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldName := ""
	for name, e := range r.engines {
		if e.IsBound(i.Name) {
			oldName = name
			break
		}
	}
	newName := i.EngineName()
	if oldName == newName {
		return nil
	}
	if oldName != "" {
		if oldEngine, ok := r.engines[oldName]; ok {
			// Step 1: drain any in-flight evaluation for this instance
			// before unbinding (spec §4.6). Step 2 (serializing
			// stored_data) and step 3 (clearing timers) happen inside
			// UnbindInstance/ClearInstanceData.
			drainCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			_ = oldEngine.Drain(drainCtx)
			cancel()
			oldEngine.UnbindInstance(i.Name)
		}
	}
	// Step 4: re-create the binding on the new engine.
	r.bindLocked(i)
	return nil
}

// Delete removes one instance, unbinding it from its engine and
// clearing its timers (spec §3 Instance lifecycle "destroyed on Delete
// action").
func (r *Registry) Delete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteLocked(name)
}

func (r *Registry) deleteLocked(name string) {
	i, ok := r.instances[name]
	if !ok {
		return
	}
	engineName := i.EngineName()
	if e, ok := r.engines[engineName]; ok {
		e.UnbindInstance(name)
	}
	delete(r.instances, name)
}

// Adopt inserts an already-constructed instance (typically rebuilt by
// `instance.FromRecord` from the persisted settings file) and binds it,
// replacing any existing instance of the same name (spec §3 Instance
// lifecycle: "created on first action naming it or on settings-restore").
func (r *Registry) Adopt(i *instance.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.instances[i.Name]; ok {
		if e, ok := r.engines[old.EngineName()]; ok {
			e.UnbindInstance(old.Name)
		}
	}
	r.instances[i.Name] = i
	r.bindLocked(i)
}

// OnInstanceFinished implements scheduler.FinishSink: a Temporary
// instance is removed from the registry the moment it finishes (spec
// §4.5 "A Temporary instance is removed from the registry ... on the
// first finished it emits").
func (r *Registry) OnInstanceFinished(name string) {
	r.mu.RLock()
	i, ok := r.instances[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	snap, ok := i.Snapshot()
	if ok && snap.Persistence == instance.PersistenceTemporary {
		r.Delete(name)
	}
}

// DeleteEngine removes an engine, transferring any instances still
// bound to it onto the Shared engine first (spec §4.6 invariant: "When
// engines[y] is removed, every instance ... must have been removed
// first, or the removal must transfer them to the Shared engine").
func (r *Registry) DeleteEngine(name string) error {
	if name == sharedEngineName {
		return fmt.Errorf("cannot delete the Shared engine")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[name]
	if !ok {
		return nil
	}
	for _, i := range r.instances {
		if i.EngineName() == name {
			shared := instance.ScopeShared
			_ = i.Apply(instance.Update{Scope: &shared})
			r.bindLocked(i)
		}
	}
	e.Shutdown()
	delete(r.engines, name)
	return nil
}

// DeleteAll / ResetAll iterate matching instances under the write lock
// (spec §4.6 "Bulk operations").
func (r *Registry) DeleteAll(f Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, i := range r.instances {
		if matches(i, f) {
			r.deleteLocked(name)
		}
	}
}

func (r *Registry) ResetAll(ctx context.Context, f Filter) {
	r.mu.RLock()
	var engines []*jsengine.Engine
	seen := make(map[string]bool)
	for _, i := range r.instances {
		if !matches(i, f) {
			continue
		}
		name := i.EngineName()
		if !seen[name] {
			seen[name] = true
			if e, ok := r.engines[name]; ok {
				engines = append(engines, e)
			}
		}
	}
	r.mu.RUnlock()

	for _, e := range engines {
		_ = e.Reset(ctx, jsengine.Deps{
			ProcessState: r.proc,
			HostSink:     r.hostSink,
			Connectors:   r.connectors,
			ErrorSink:    r.errorSink,
		})
	}
}

func matches(i *instance.Instance, f Filter) bool {
	switch f.Kind {
	case FilterAll:
		return true
	case FilterNamed:
		return i.Name == f.Name
	case FilterAllShared, FilterAllPrivate:
		snap, ok := i.Snapshot()
		if !ok {
			return false
		}
		if f.Kind == FilterAllShared {
			return snap.Scope == instance.ScopeShared
		}
		return snap.Scope == instance.ScopePrivate
	}
	return false
}

// Shutdown stops every engine (called on process exit, after
// persistence has run).
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.engines {
		e.Shutdown()
	}
}

// Instances returns a snapshot slice of every currently registered
// instance, for iteration by the settings-save path, the file watcher,
// and metrics sampling.
func (r *Registry) Instances() []*instance.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*instance.Instance, 0, len(r.instances))
	for _, i := range r.instances {
		out = append(out, i)
	}
	return out
}

// Engines returns a snapshot slice of every currently live engine
// (Shared plus any Private engines), for periodic metrics sampling.
func (r *Registry) Engines() []*jsengine.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*jsengine.Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	return out
}
