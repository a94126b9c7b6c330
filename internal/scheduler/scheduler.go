// Package scheduler implements the Evaluation Scheduler (spec §4.5, C5):
// the per-instance press/release/update state machine, repeat-timer
// resolution, and repeater-id invalidation.
package scheduler

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mpaperno/DSEP4TP-sub000/internal/apperrors"
	"github.com/mpaperno/DSEP4TP-sub000/internal/config"
	"github.com/mpaperno/DSEP4TP-sub000/internal/instance"
	"github.com/mpaperno/DSEP4TP-sub000/internal/jsengine"
	"github.com/mpaperno/DSEP4TP-sub000/internal/metrics"
)

// EngineLookup resolves an engine by name, satisfied by the registry.
type EngineLookup interface {
	Engine(name string) (*jsengine.Engine, bool)
}

// ResultSink receives the outcome of every evaluation the scheduler
// drives, successful or not, so the Host Bridge can publish a state
// update or log a ScriptError (spec §4.5 "emit state update").
type ResultSink interface {
	OnResult(instanceName string, value any, err error)
}

// FinishSink is notified when an instance emits its "finished" event
// (spec §4.5), so the registry can remove Temporary instances.
type FinishSink interface {
	OnInstanceFinished(instanceName string)
}

// Scheduler drives the state machine in spec §4.5's transition table.
type Scheduler struct {
	engines EngineLookup
	proc    *config.ProcessState
	results ResultSink
	finish  FinishSink
	log     *logrus.Entry
	metrics *metrics.Registry

	evalTimeout time.Duration
}

// WithMetrics wires a metrics.Registry to record evaluation outcomes.
// Optional; a nil registry (the zero value of this field) disables
// instrumentation entirely.
func (s *Scheduler) WithMetrics(m *metrics.Registry) *Scheduler {
	s.metrics = m
	return s
}

// New constructs a Scheduler. log may be nil (a discard logger is used).
func New(engines EngineLookup, proc *config.ProcessState, results ResultSink, finish FinishSink, log *logrus.Entry) *Scheduler {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = logrus.NewEntry(l)
	}
	return &Scheduler{
		engines:     engines,
		proc:        proc,
		results:     results,
		finish:      finish,
		log:         log,
		evalTimeout: 5 * time.Second,
	}
}

// Press implements the Idle→Pressed/Evaluating transition (spec §4.5).
func (s *Scheduler) Press(i *instance.Instance) {
	snap, ok := i.Snapshot()
	if !ok {
		s.log.WithField("instance", i.Name).Warn("press dropped: lock timeout")
		return
	}
	if snap.Flags.Has(instance.FlagCriticalError) {
		s.log.WithField("instance", i.Name).Debug("press ignored: critical error")
		return
	}
	if !i.SetFlag(instance.FlagPressed) {
		s.log.WithField("instance", i.Name).Warn("press dropped: lock timeout")
		return
	}

	switch {
	case snap.Activation.Has(instance.ActivationOnPress):
		s.evaluateOnce(i, false)
	case snap.Activation.Has(instance.ActivationRepeatOnHold):
		s.startRepeat(i, snap)
	}
}

// Release implements the Pressed→Idle/Evaluating and
// Evaluating/Repeating→Idle transitions (spec §4.5).
func (s *Scheduler) Release(i *instance.Instance) {
	snap, ok := i.Snapshot()
	if !ok {
		s.log.WithField("instance", i.Name).Warn("release dropped: lock timeout")
		return
	}
	// Bumping the repeater id invalidates any ticks already queued for
	// this hold, regardless of which branch below runs (spec §4.5
	// "Repeater identity").
	i.NextRepeaterID()
	i.ClearFlag(instance.FlagPressed)
	i.ClearFlag(instance.FlagRepeating)

	if snap.Activation.Has(instance.ActivationOnRelease) {
		i.SetFlag(instance.FlagHoldReleased)
		s.evaluateOnce(i, false)
		return
	}
	s.emitFinished(i)
}

// Update implements the "any, Update(expr)" transition (spec §4.5): it
// replaces source and evaluates once.
func (s *Scheduler) Update(i *instance.Instance, newSource string) {
	snap, ok := i.Snapshot()
	if !ok {
		s.log.WithField("instance", i.Name).Warn("update dropped: lock timeout")
		return
	}
	if snap.Flags.Has(instance.FlagCriticalError) {
		s.log.WithField("instance", i.Name).Debug("update ignored: critical error")
		return
	}
	if err := i.Apply(instance.Update{Source: &newSource}); err != nil {
		s.results.OnResult(i.Name, nil, err)
		return
	}
	s.evaluateOnce(i, false)
}

// OnDefaultRepeatRateChanged restarts i's repeat chain with the
// recomputed rate when i is Repeating and inherits the process-default
// rate (spec §4.5). It acts only on the instance passed in; no
// component in this module subscribes to the process event bus or
// calls it when the default rate changes.
func (s *Scheduler) OnDefaultRepeatRateChanged(i *instance.Instance) {
	snap, ok := i.Snapshot()
	if !ok || !snap.Flags.Has(instance.FlagRepeating) {
		return
	}
	// A changed default only affects instances that delegate (negative
	// override); restart the repeat chain with the recomputed rate.
	if snap.RepeatRateMs >= 0 {
		return
	}
	s.startRepeat(i, snap)
}

// evaluateOnce dispatches one evaluation for i. onThread must be true
// only when the caller is already executing on i's engine worker
// goroutine (a repeat tick, which scripttimer fires via Post/run);
// dispatching through the engine's normal call()-based entry points in
// that case would deadlock, since the goroutine that would drain the
// request channel is the one blocked waiting for the reply (spec §4.5
// scenario 2's repeat chain relies on this staying non-blocking).
func (s *Scheduler) evaluateOnce(i *instance.Instance, onThread bool) {
	i.SetFlag(instance.FlagEvaluatingNow)
	defer i.ClearFlag(instance.FlagEvaluatingNow)

	snap, ok := i.Snapshot()
	if !ok {
		return
	}
	engine, ok := s.engines.Engine(i.EngineName())
	if !ok {
		s.results.OnResult(i.Name, nil, &engineNotFoundError{name: i.EngineName()})
		return
	}

	var (
		v   any
		err error
	)
	if onThread {
		switch snap.InputType {
		case instance.InputScriptFile:
			v, err = engine.EvaluateScriptFileOnThread(snap.File.Resolved, snap.Source, i.Name)
		case instance.InputModule:
			v, err = engine.EvaluateModuleOnThread(snap.File.Resolved, snap.ModuleAlias, snap.Source, i.Name)
		default:
			v, err = engine.EvaluateExpressionOnThread(snap.Source, i.Name)
		}
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), s.evalTimeout)
		defer cancel()
		switch snap.InputType {
		case instance.InputScriptFile:
			v, err = engine.EvaluateScriptFile(ctx, snap.File.Resolved, snap.Source, i.Name)
		case instance.InputModule:
			v, err = engine.EvaluateModule(ctx, snap.File.Resolved, snap.ModuleAlias, snap.Source, i.Name)
		default:
			v, err = engine.EvaluateExpression(ctx, snap.Source, i.Name)
		}
	}

	if err != nil {
		i.SetLastError(err.Error())
		i.ClearFlag(instance.FlagPressed)
		s.results.OnResult(i.Name, nil, err)
		s.recordEvaluation("error", err)
		s.checkRepeatContinuation(i)
		return
	}
	if v != nil {
		s.results.OnResult(i.Name, v, nil)
	}
	s.recordEvaluation("ok", nil)
	s.checkRepeatContinuation(i)
}

func (s *Scheduler) recordEvaluation(outcome string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.Evaluations.WithLabelValues(outcome).Inc()
	if err != nil {
		kind := string(apperrors.KindOf(err))
		if kind == "" {
			kind = "unknown"
		}
		s.metrics.Errors.WithLabelValues(kind).Inc()
	}
}

// checkRepeatContinuation implements the "(complete) result present &
// non-null" branch of spec §4.5: after a successful evaluation, if the
// instance is still Pressed and RepeatOnHold, (re)schedule the next
// tick; it does not schedule an immediate second evaluation itself.
func (s *Scheduler) checkRepeatContinuation(i *instance.Instance) {
	snap, ok := i.Snapshot()
	if !ok {
		return
	}
	if snap.Flags.Has(instance.FlagPressed) && snap.Activation.Has(instance.ActivationRepeatOnHold) && !snap.Flags.Has(instance.FlagRepeating) {
		s.startRepeat(i, snap)
	}
}

// startRepeat resolves the effective delay/rate (spec §4.5 "Repeat
// interval resolution") and schedules the first tick after the delay;
// subsequent ticks are scheduled at the rate from inside the callback.
func (s *Scheduler) startRepeat(i *instance.Instance, snap instance.Snapshot) {
	engine, ok := s.engines.Engine(i.EngineName())
	if !ok {
		return
	}
	i.SetFlag(instance.FlagRepeating)
	i.ResetRepeatCount()
	myID := i.NextRepeaterID()

	delay := time.Duration(s.proc.ResolveRepeatDelayMs(snap.RepeatDelayMs)) * time.Millisecond
	rate := time.Duration(s.proc.ResolveRepeatRateMs(snap.RepeatRateMs)) * time.Millisecond

	var tick func(name string, args []any)
	tick = func(string, []any) {
		if i.RepeaterID() != myID {
			return // a Release (or a new Press) invalidated this chain
		}
		cur, ok := i.Snapshot()
		if !ok || !cur.Flags.Has(instance.FlagPressed) {
			return
		}
		if cur.MaxRepeatCount >= 0 && cur.RepeatCount >= cur.MaxRepeatCount {
			return
		}
		i.IncRepeatCount()
		// Already running on the engine's worker goroutine (scripttimer
		// fires via Post/run): must not re-dispatch through the
		// call()-based entry points, or this would deadlock waiting for
		// itself to drain the request channel.
		s.evaluateOnce(i, true)
		if i.RepeaterID() == myID {
			engine.Timers.SetTimeout(i.Name, rate, tick, nil)
		}
	}
	engine.Timers.SetTimeout(i.Name, delay, tick, nil)
}

// emitFinished implements the scheduler side of "finished": it notifies
// the finish sink, which (for Temporary instances) removes the
// instance from the registry and releases its resources.
func (s *Scheduler) emitFinished(i *instance.Instance) {
	if s.finish != nil {
		s.finish.OnInstanceFinished(i.Name)
	}
}

type engineNotFoundError struct{ name string }

func (e *engineNotFoundError) Error() string { return "engine not found: " + e.name }
