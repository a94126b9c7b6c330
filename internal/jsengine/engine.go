// Package jsengine implements the Engine Worker (spec §4.3, C3): one
// goja JS runtime bound to one worker goroutine, serializing evaluations
// and timer callbacks through a single request channel so the runtime is
// never re-entered concurrently (spec §5).
package jsengine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/mpaperno/DSEP4TP-sub000/internal/config"
	"github.com/mpaperno/DSEP4TP-sub000/internal/connectorstore"
	"github.com/mpaperno/DSEP4TP-sub000/internal/scripttimer"
)

// ErrorDetail wraps an evaluation failure with everything spec §4.3
// requires: instance name, source snippet or file:line, a cause chain,
// and a stack.
type ErrorDetail struct {
	InstanceName string
	Source       string
	Message      string
	Stack        string
	Cause        error
}

func (e *ErrorDetail) Error() string {
	if e.InstanceName != "" {
		return fmt.Sprintf("%s: %s (%s)", e.InstanceName, e.Message, e.Source)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Source)
}
func (e *ErrorDetail) Unwrap() error { return e.Cause }

// ErrorSink receives every ErrorDetail produced by this engine, whether
// from a direct evaluate call or a timer callback (spec §4.3's "error
// channel").
type ErrorSink interface {
	OnEngineError(engineName string, detail *ErrorDetail)
}

// BoundInstance is the minimal view the engine needs of an instance to
// resolve unqualified state updates and to serialize stored_data before
// a reset/rebind (spec §4.3 bind_instance/unbind_instance).
type BoundInstance interface {
	Name() string
	StateID() string
	// SerializeStoredData is called before reset() drops the runtime, so
	// the instance can persist whatever the script left in its bound
	// global (spec §4.3 "about-to-reset" notification).
	SerializeStoredData(data map[string]any)
}

// Engine owns a worker goroutine, a goja runtime, a timer manager, and a
// host-API facade (spec §4.3).
type Engine struct {
	Name string

	reqCh chan func()
	quit  chan struct{}
	wg    sync.WaitGroup

	shutdownOnce sync.Once

	vm      *goja.Runtime
	Timers  *scripttimer.Manager
	api     *hostAPI
	sink    ErrorSink

	importedModules map[string]goja.Value

	mu             sync.Mutex
	bound          map[string]BoundInstance
	currentInst    string // the "current instance" facet for the call in flight
}

// Deps bundles the collaborators an Engine's host-API needs.
type Deps struct {
	ProcessState *config.ProcessState
	HostSink     HostSink
	Connectors   *connectorstore.Reader
	ErrorSink    ErrorSink
}

// New constructs an engine, initializes its runtime, and starts its
// worker goroutine. The runtime is ready to accept requests once New
// returns.
func New(name string, deps Deps) *Engine {
	e := &Engine{
		Name:            name,
		reqCh:           make(chan func(), 64),
		quit:            make(chan struct{}),
		importedModules: make(map[string]goja.Value),
		bound:           make(map[string]BoundInstance),
		sink:            deps.ErrorSink,
	}
	e.Timers = scripttimer.NewManager(e)
	e.initRuntime(deps)
	e.wg.Add(1)
	go e.run()
	return e
}

// Post implements scripttimer.Dispatcher: it enqueues fn to run on this
// engine's worker goroutine, never calling it inline (spec §4.2).
func (e *Engine) Post(fn func()) {
	select {
	case e.reqCh <- fn:
	case <-e.quit:
	}
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case fn := <-e.reqCh:
			e.safely(fn)
		case <-e.quit:
			// Drain any already-queued requests before exiting, per
			// spec §5 "Engine reset drains pending requests before
			// destroying the runtime" (also applied at shutdown).
			for {
				select {
				case fn := <-e.reqCh:
					e.safely(fn)
				default:
					return
				}
			}
		}
	}
}

// safely recovers a panicking request (goja can panic on interrupt, or a
// host-API closure can panic on a programming error) and reports it as
// an EngineError rather than crashing the worker goroutine.
func (e *Engine) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if e.sink != nil {
				e.sink.OnEngineError(e.Name, &ErrorDetail{
					Message: fmt.Sprintf("panic: %v", r),
					Stack:   string(debug.Stack()),
				})
			}
		}
	}()
	fn()
}

// call runs fn on the engine goroutine and blocks for its result. ctx
// cancellation only gives up waiting for the reply; it does not
// interrupt an in-flight goja call (goja's own interrupt mechanism would
// be needed for that, which this teaching-scope core does not wire up
// beyond Shutdown/Reset).
func (e *Engine) call(ctx context.Context, fn func() (any, error)) (any, error) {
	type result struct {
		v   any
		err error
	}
	respCh := make(chan result, 1)
	select {
	case e.reqCh <- func() {
		v, err := fn()
		respCh <- result{v, err}
	}:
	case <-e.quit:
		return nil, fmt.Errorf("engine %q is shut down", e.Name)
	}
	select {
	case r := <-respCh:
		return r.v, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops the worker goroutine after draining pending requests.
// Later calls only wait for the worker to have exited.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() { close(e.quit) })
	e.wg.Wait()
}

// BindInstance registers bi so unqualified state updates made by its
// evaluation resolve to its published state id (spec §4.3).
func (e *Engine) BindInstance(bi BoundInstance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bound[bi.Name()] = bi
}

// UnbindInstance serializes the instance's stored_data (spec §4.6
// rebind step 2), removes its binding, and clears its timers (step 3).
// The serialization read of the runtime global runs on the engine's own
// goroutine, since the runtime is never touched from any other thread
// (spec §5).
func (e *Engine) UnbindInstance(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = e.call(ctx, func() (any, error) {
		e.mu.Lock()
		bi, ok := e.bound[name]
		delete(e.bound, name)
		e.mu.Unlock()

		if ok {
			data := map[string]any{}
			if raw := e.vm.Get(storedDataGlobalName(name)); raw != nil && !goja.IsUndefined(raw) {
				if m, isMap := raw.Export().(map[string]any); isMap {
					data = m
				}
			}
			bi.SerializeStoredData(data)
		}
		return nil, nil
	})
	e.Timers.ClearForInstance(name)
}

// ClearInstanceData forwards to the timer manager (spec §4.3).
func (e *Engine) ClearInstanceData(name string) {
	e.Timers.ClearForInstance(name)
}

func (e *Engine) lookupBound(name string) (BoundInstance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bi, ok := e.bound[name]
	return bi, ok
}

// Reset re-initializes the runtime: clears all globals, modules, and
// timers, while preserving engine identity and thread (spec §4.3). It
// first emits an "about-to-reset" notification so every bound instance
// can serialize its stored_data.
func (e *Engine) Reset(ctx context.Context, deps Deps) error {
	_, err := e.call(ctx, func() (any, error) {
		e.mu.Lock()
		bound := make([]BoundInstance, 0, len(e.bound))
		for _, bi := range e.bound {
			bound = append(bound, bi)
		}
		e.mu.Unlock()

		for _, bi := range bound {
			data := map[string]any{}
			if raw := e.vm.Get(storedDataGlobalName(bi.Name())); raw != nil && !goja.IsUndefined(raw) {
				if m, ok := raw.Export().(map[string]any); ok {
					data = m
				}
			}
			bi.SerializeStoredData(data)
		}

		e.Timers.ClearAll()
		e.importedModules = make(map[string]goja.Value)
		e.initRuntime(deps)
		return nil, nil
	})
	return err
}

func storedDataGlobalName(instanceName string) string {
	return "__stored_" + instanceName
}

// Drain blocks until every request already queued ahead of this call
// has been processed, without touching runtime state. Used by the
// registry's rebind sequence to guarantee any in-flight evaluation for
// an instance has completed before it is unbound (spec §4.6 step 1).
func (e *Engine) Drain(ctx context.Context) error {
	_, err := e.call(ctx, func() (any, error) { return nil, nil })
	return err
}

// IsBound reports whether an instance named name is currently bound to
// this engine.
func (e *Engine) IsBound(name string) bool {
	_, ok := e.lookupBound(name)
	return ok
}

// Interrupt aborts whatever goja call is currently executing on this
// engine (used for lock-timeout style defensive shutdown paths).
func (e *Engine) Interrupt(reason string) {
	if e.vm != nil {
		e.vm.Interrupt(reason)
	}
}

// now is overridable in tests.
var now = time.Now
