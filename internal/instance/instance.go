// Package instance implements the Instance Record (spec §3, §4.4, C4):
// the configuration and mutable state for one named script binding,
// guarded by a bounded-wait read-write lock.
package instance

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mpaperno/DSEP4TP-sub000/internal/apperrors"
)

// InputType selects what an instance evaluates.
type InputType string

const (
	InputExpression InputType = "Expression"
	InputScriptFile InputType = "ScriptFile"
	InputModule     InputType = "Module"
)

// Scope selects which engine owns an instance.
type Scope string

const (
	ScopeShared  Scope = "Shared"
	ScopePrivate Scope = "Private"
)

// Persistence selects how an instance survives across process restarts
// and single evaluations.
type Persistence string

const (
	PersistenceSession   Persistence = "Session"
	PersistenceTemporary Persistence = "Temporary"
	PersistenceSaved     Persistence = "Saved"
)

// DefaultType selects how a startup value is recovered.
type DefaultType string

const (
	DefaultNone            DefaultType = "None"
	DefaultFixedValue      DefaultType = "FixedValue"
	DefaultCustomExpr      DefaultType = "CustomExpression"
	DefaultMainExpression  DefaultType = "MainExpression"
)

// Activation is a bitset over the events an instance reacts to.
type Activation uint8

const (
	ActivationOnPress Activation = 1 << iota
	ActivationOnRelease
	ActivationRepeatOnHold
)

func (a Activation) Has(f Activation) bool { return a&f != 0 }

// Flags is the instance state bitset (spec §3).
type Flags uint16

const (
	FlagUninitialized Flags = 1 << iota
	FlagPropertyError
	FlagFileLoadError
	FlagScriptError
	FlagPressed
	FlagHoldReleased
	FlagRepeating
	FlagEvaluatingNow

	FlagCriticalError = FlagUninitialized | FlagPropertyError | FlagFileLoadError
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// lockTimeout bounds how long any Instance method waits to acquire its
// lock (spec §4.4 "a few hundred ms").
const lockTimeout = 250 * time.Millisecond

// FileBinding caches a resolved script-file path (spec §3 Instance.file).
type FileBinding struct {
	Original string // path as configured, before base-dir resolution
	Resolved string // absolute path resolved against the scripts base dir
	ModTime  time.Time
	Exists   bool
}

// Instance is the configuration and mutable state for one named script
// binding (spec §3, §4.4). All fields below the mutex are only ever read
// or written while holding it.
type Instance struct {
	// Name is immutable after construction.
	Name string

	mu      sync.RWMutex
	timeout time.Duration

	inputType      InputType
	source         string
	file           FileBinding
	moduleAlias    string
	scope          Scope
	engineName     string
	persistence    Persistence
	defaultType    DefaultType
	defaultValue   string
	activation     Activation
	createState    bool
	repeatDelayMs  int
	repeatRateMs   int
	maxRepeatCount int

	flags        Flags
	repeatCount  int
	repeaterID   int64
	lastError    string
	stateCreated bool
	storedData   map[string]any
}

// New constructs an Instance in the Uninitialized state, per spec §4.4
// "a freshly unbound instance is Uninitialized".
func New(name string) *Instance {
	return &Instance{
		Name:           strings.Join(strings.Fields(name), " "),
		timeout:        lockTimeout,
		moduleAlias:    "M",
		scope:          ScopeShared,
		persistence:    PersistenceSession,
		defaultType:    DefaultNone,
		repeatDelayMs:  -1,
		repeatRateMs:   -1,
		maxRepeatCount: -1,
		flags:          FlagUninitialized,
		storedData:     make(map[string]any),
	}
}

// lockTimedCtx returns a context bounded by the lock timeout, used to log
// (rather than block forever on) a stuck writer.
func (i *Instance) lockTimedCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), i.timeout)
}

// acquireWrite attempts to take the write lock within the bounded
// timeout; it reports false on timeout (spec §4.5 "dropped ... if the
// read-lock cannot be acquired within the timeout").
func (i *Instance) acquireWrite() bool {
	done := make(chan struct{})
	go func() {
		i.mu.Lock()
		close(done)
	}()
	ctx, cancel := i.lockTimedCtx()
	defer cancel()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		// The goroutine above will still eventually acquire the lock;
		// release it immediately since the caller gave up waiting.
		go func() { <-done; i.mu.Unlock() }()
		return false
	}
}

func (i *Instance) acquireRead() bool {
	done := make(chan struct{})
	go func() {
		i.mu.RLock()
		close(done)
	}()
	ctx, cancel := i.lockTimedCtx()
	defer cancel()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		go func() { <-done; i.mu.RUnlock() }()
		return false
	}
}

// Snapshot is a point-in-time copy of everything the evaluator and
// scheduler need to read.
type Snapshot struct {
	InputType      InputType
	Source         string
	File           FileBinding
	ModuleAlias    string
	Scope          Scope
	EngineName     string
	Persistence    Persistence
	DefaultType    DefaultType
	DefaultValue   string
	Activation     Activation
	CreateState    bool
	RepeatDelayMs  int
	RepeatRateMs   int
	MaxRepeatCount int
	Flags          Flags
	RepeatCount    int
	RepeaterID     int64
	LastError      string
	StateCreated   bool
}

// Snapshot reads the whole record under the bounded read lock. ok is
// false if the lock could not be acquired in time.
func (i *Instance) Snapshot() (Snapshot, bool) {
	if !i.acquireRead() {
		return Snapshot{}, false
	}
	defer i.mu.RUnlock()
	return Snapshot{
		InputType:      i.inputType,
		Source:         i.source,
		File:           i.file,
		ModuleAlias:    i.moduleAlias,
		Scope:          i.scope,
		EngineName:     i.engineName,
		Persistence:    i.persistence,
		DefaultType:    i.defaultType,
		DefaultValue:   i.defaultValue,
		Activation:     i.activation,
		CreateState:    i.createState,
		RepeatDelayMs:  i.repeatDelayMs,
		RepeatRateMs:   i.repeatRateMs,
		MaxRepeatCount: i.maxRepeatCount,
		Flags:          i.flags,
		RepeatCount:    i.repeatCount,
		RepeaterID:     i.repeaterID,
		LastError:      i.lastError,
		StateCreated:   i.stateCreated,
	}, true
}

func (i *Instance) HasFlag(f Flags) bool {
	s, ok := i.Snapshot()
	return ok && s.Flags.Has(f)
}

func (i *Instance) setFlag(f Flags) {
	i.mu.Lock()
	i.flags |= f
	i.mu.Unlock()
}

func (i *Instance) clearFlag(f Flags) {
	i.mu.Lock()
	i.flags &^= f
	i.mu.Unlock()
}

// SetFlag/ClearFlag are the scheduler's bounded-wait entry points for
// flipping state bits (spec §4.5 transition table actions).
func (i *Instance) SetFlag(f Flags) bool {
	if !i.acquireWrite() {
		return false
	}
	i.flags |= f
	i.mu.Unlock()
	return true
}

func (i *Instance) ClearFlag(f Flags) bool {
	if !i.acquireWrite() {
		return false
	}
	i.flags &^= f
	i.mu.Unlock()
	return true
}

// NextRepeaterID increments and returns the repeater identity (spec
// §4.5 "each potentially-repeating action carries a monotonically
// increasing repeater_id").
func (i *Instance) NextRepeaterID() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.repeaterID++
	return i.repeaterID
}

// RepeaterID reports the current repeater identity without mutating it.
func (i *Instance) RepeaterID() int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.repeaterID
}

func (i *Instance) IncRepeatCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.repeatCount++
	return i.repeatCount
}

func (i *Instance) ResetRepeatCount() {
	i.mu.Lock()
	i.repeatCount = 0
	i.mu.Unlock()
}

// SetLastError records the most recent ScriptError/EngineError message
// for reporting back through the host bridge, without raising.
func (i *Instance) SetLastError(msg string) {
	i.mu.Lock()
	i.lastError = msg
	i.mu.Unlock()
	i.setFlag(FlagScriptError)
}

// MarkStateCreated flips the stateCreated latch and reports whether this
// call was the one that flipped it (spec §4.7 "createState emitted
// once"; the latch itself is SPEC_FULL §C.2's "stateCreated atomic
// bool"). Callers emit createState only when this returns true.
func (i *Instance) MarkStateCreated() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stateCreated {
		return false
	}
	i.stateCreated = true
	return true
}

// StoredData returns a copy of the instance's opaque JSON object (spec
// §3 stored_data).
func (i *Instance) StoredData() map[string]any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]any, len(i.storedData))
	for k, v := range i.storedData {
		out[k] = v
	}
	return out
}

// SetStoredData replaces the instance's opaque JSON object, called by
// the engine's "about-to-reset" serialization path (spec §4.3).
func (i *Instance) SetStoredData(data map[string]any) {
	if data == nil {
		data = make(map[string]any)
	}
	i.mu.Lock()
	i.storedData = data
	i.mu.Unlock()
}

// StateID is the name under which this instance publishes a state value
// to the host, satisfying jsengine.BoundInstance.
func (i *Instance) StateID() string { return "dsep." + i.Name }

// SerializeStoredData satisfies jsengine.BoundInstance.
func (i *Instance) SerializeStoredData(data map[string]any) { i.SetStoredData(data) }

// EngineName resolves which engine owns this instance (spec §3: Shared
// instances always use the process-wide "Shared" engine).
func (i *Instance) EngineName() string {
	s, ok := i.Snapshot()
	if !ok {
		return "Shared"
	}
	if s.Scope == ScopeShared {
		return "Shared"
	}
	if s.EngineName == "" {
		return i.Name
	}
	return s.EngineName
}

// Update applies a property-setter batch under the write lock, per spec
// §4.4's validation rules: it never returns an error that should
// unwind the caller, only flags set as a side effect. The caller
// decides the File existence check (it needs the configured scripts
// base dir, which this package doesn't own).
type Update struct {
	InputType      *InputType
	Source         *string
	File           *FileBinding
	ModuleAlias    *string
	Scope          *Scope
	EngineName     *string
	Persistence    *Persistence
	DefaultType    *DefaultType
	DefaultValue   *string
	Activation     *Activation
	CreateState    *bool
	RepeatDelayMs  *int
	RepeatRateMs   *int
	MaxRepeatCount *int
}

// Apply validates and applies u, returning the validation error (if
// any) that was *recorded as a flag*, not one that should propagate.
func (i *Instance) Apply(u Update) error {
	if !i.acquireWrite() {
		return &apperrors.PropertyError{Field: "lock", Message: "timed out acquiring instance write lock"}
	}
	defer i.mu.Unlock()

	if u.InputType != nil {
		i.inputType = *u.InputType
	}
	if u.Source != nil {
		i.source = *u.Source
	}
	if u.File != nil {
		i.file = *u.File
	}
	if u.ModuleAlias != nil && *u.ModuleAlias != "" {
		i.moduleAlias = *u.ModuleAlias
	}
	if u.Scope != nil {
		i.scope = *u.Scope
	}
	if u.EngineName != nil {
		i.engineName = *u.EngineName
	}
	if u.Persistence != nil {
		i.persistence = *u.Persistence
	}
	if u.DefaultType != nil {
		i.defaultType = *u.DefaultType
	}
	if u.DefaultValue != nil {
		i.defaultValue = *u.DefaultValue
	}
	if u.Activation != nil {
		i.activation = *u.Activation
	}
	if u.CreateState != nil {
		i.createState = *u.CreateState
	}
	if u.RepeatDelayMs != nil {
		i.repeatDelayMs = *u.RepeatDelayMs
	}
	if u.RepeatRateMs != nil {
		i.repeatRateMs = *u.RepeatRateMs
	}
	if u.MaxRepeatCount != nil {
		i.maxRepeatCount = *u.MaxRepeatCount
	}

	return i.validateLocked()
}

// validateLocked implements spec §4.4's setter validation. Must be
// called with the write lock held.
func (i *Instance) validateLocked() error {
	i.flags &^= FlagPropertyError | FlagFileLoadError | FlagUninitialized

	if i.inputType == InputExpression && strings.TrimSpace(i.source) == "" {
		i.flags |= FlagPropertyError
		return &apperrors.PropertyError{Field: "source", Message: "expression must be non-empty"}
	}
	if i.inputType == InputScriptFile || i.inputType == InputModule {
		if !i.file.Exists {
			i.flags |= FlagFileLoadError
			return &apperrors.FileLoadError{Path: i.file.Resolved, Message: "file does not resolve or does not exist"}
		}
	}
	return nil
}

// MarkFileResolved updates the cached file-existence/mtime facts after
// the caller (which owns the scripts base directory) has stat'd the
// path, then re-runs validation.
func (i *Instance) MarkFileResolved(resolved string, modTime time.Time, exists bool) error {
	if !i.acquireWrite() {
		return &apperrors.PropertyError{Field: "file", Message: "timed out acquiring instance write lock"}
	}
	defer i.mu.Unlock()
	i.file.Resolved = resolved
	i.file.ModTime = modTime
	i.file.Exists = exists
	return i.validateLocked()
}
