package hostbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mpaperno/DSEP4TP-sub000/internal/apperrors"
	"github.com/mpaperno/DSEP4TP-sub000/internal/config"
	"github.com/mpaperno/DSEP4TP-sub000/internal/connectorstore"
	"github.com/mpaperno/DSEP4TP-sub000/internal/instance"
	"github.com/mpaperno/DSEP4TP-sub000/internal/jsengine"
	"github.com/mpaperno/DSEP4TP-sub000/internal/registry"
	"github.com/mpaperno/DSEP4TP-sub000/internal/scheduler"
)

// DefaultAddr is the default host bridge listen address (spec §6).
const DefaultAddr = "127.0.0.1:12136"

// minSendSpacing enforces spec §5 "a send-queue switch serializes
// bursts with a 1 ms minimum spacing".
const minSendSpacing = time.Millisecond

// dynamicValuesGroup is the fixed createState parentGroup label this
// core uses for every script-published state (spec §8 scenario 1:
// createState("dsep.X","Dynamic Values","X","")).
const dynamicValuesGroup = "Dynamic Values"

// Bridge is the Host Bridge (C7): it owns the TCP connection to the
// host, decodes inbound messages, routes them to the registry and
// scheduler, and serializes outbound writes.
type Bridge struct {
	reg   *registry.Registry
	sched *scheduler.Scheduler
	proc  *config.ProcessState
	store *connectorstore.Store
	log   *logrus.Entry

	mu        sync.Mutex
	conn      net.Conn
	lastSend  time.Time
	errCount  int

	pendingNotifications sync.Map // notificationID -> map[optionID]func()

	onClose   func()
	closeOnce sync.Once
	settings  SettingsSink
}

// SettingsSink handles the persisted-instance plugin-control operations
// (spec §4.7: "Save/Load/DeleteSavedInstance"), implemented by the
// settings package. Kept as a narrow interface so hostbridge does not
// need to depend on settings' file-format details.
type SettingsSink interface {
	Handle(op string, data map[string]string)
}

// WithSettingsSink wires the settings package's save/load/delete
// handling into plugin-control action dispatch.
func (b *Bridge) WithSettingsSink(s SettingsSink) { b.settings = s }

// New constructs a Bridge. log may be nil. The registry and scheduler
// are supplied afterward via Attach, since both of them need the
// Bridge itself (as a HostSink/ErrorSink/ResultSink) before they can be
// constructed — see cmd/dsepd's bootstrap order.
func New(proc *config.ProcessState, store *connectorstore.Store, log *logrus.Entry) *Bridge {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Bridge{proc: proc, store: store, log: log}
}

// Attach wires the registry and scheduler into the bridge once both
// have been constructed using this bridge as their HostSink/ErrorSink/
// ResultSink/FinishSink collaborator.
func (b *Bridge) Attach(reg *registry.Registry, sched *scheduler.Scheduler) {
	b.reg = reg
	b.sched = sched
}

// OnClose registers a callback run once, when the host connection closes
// and the bridge has finished its orderly-shutdown sequence (spec §4.7
// "Close: ... exit").
func (b *Bridge) OnClose(fn func()) { b.onClose = fn }

// ListenAndServe accepts exactly one host connection on addr (the
// plugin protocol is a single persistent connection per process) and
// serves it until the connection closes or ctx is cancelled.
func (b *Bridge) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("hostbridge: listen %s: %w", addr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("hostbridge: accept: %w", err)
	}
	return b.Serve(ctx, conn)
}

// Serve runs the read loop over an already-accepted connection. Exposed
// directly for tests, which dial an in-process net.Pipe instead of a
// real TCP accept.
func (b *Bridge) Serve(ctx context.Context, conn net.Conn) error {
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		b.handleLine(ctx, append([]byte(nil), line...))
	}
	b.shutdown()
	return scanner.Err()
}

func (b *Bridge) handleLine(ctx context.Context, line []byte) {
	var env InboundMessage
	if err := json.Unmarshal(line, &env); err != nil {
		b.logProtocolError("malformed envelope", string(line), err)
		return
	}
	env.Raw = line

	switch env.Type {
	case InboundInfo:
		var m InfoMessage
		if b.decode(env.Raw, &m) {
			b.proc.SetHostVersion(m.HostVersion)
		}
	case InboundSettings:
		var m SettingsMessage
		if b.decode(env.Raw, &m) {
			b.proc.SetScriptsBaseDir(m.ScriptsBaseDir)
			b.proc.SetDefaultRepeatRateMs(m.DefaultRepeatMs)
			b.proc.SetDefaultRepeatDelayMs(m.DefaultDelayMs)
			b.sendInitialCreatedStates()
		}
	case InboundAction:
		var m ActionMessage
		if b.decode(env.Raw, &m) {
			b.handleAction(ctx, m)
		}
	case InboundDown:
		var m DownUpMessage
		if b.decode(env.Raw, &m) {
			if i, ok := b.instanceForAction(m.ActionID); ok {
				b.sched.Press(i)
			}
		}
	case InboundUp:
		var m DownUpMessage
		if b.decode(env.Raw, &m) {
			if i, ok := b.instanceForAction(m.ActionID); ok {
				b.sched.Release(i)
			}
		}
	case InboundConnectorChange:
		var m ConnectorChangeMessage
		if b.decode(env.Raw, &m) {
			if i, ok := b.reg.Instance(m.InstanceName); ok {
				b.sched.Update(i, fmt.Sprintf("%d", m.Value))
			}
		}
	case InboundShortConnectorIDNotify:
		var m ShortConnectorNotifyMessage
		if b.decode(env.Raw, &m) {
			b.upsertConnector(ctx, m)
		}
	case InboundListChange:
		var m ListChangeMessage
		b.decode(env.Raw, &m) // forwarding to script-registered listeners is out of this core's scope
	case InboundBroadcast:
		var m BroadcastMessage
		if b.decode(env.Raw, &m) {
			b.proc.SetCurrentPage(m.Page)
		}
	case InboundNotificationOptionClicked:
		var m NotificationClickMessage
		if b.decode(env.Raw, &m) {
			b.invokeNotificationClick(m.NotificationID, m.OptionID)
		}
	case InboundClosePlugin:
		b.shutdown()
	default:
		b.logProtocolError("unknown message type", string(line), nil)
	}
}

func (b *Bridge) decode(raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		b.logProtocolError("malformed payload", string(raw), err)
		return false
	}
	return true
}

func (b *Bridge) logProtocolError(msg, raw string, cause error) {
	perr := &apperrors.HostProtocolError{Message: msg, Raw: raw}
	b.log.WithError(cause).Warn(perr.Error())
}

func (b *Bridge) instanceForAction(actionID string) (*instance.Instance, bool) {
	seg := ParseActionID(actionID)
	if seg.InstanceName == "" {
		return nil, false
	}
	return b.reg.GetOrCreate(seg.InstanceName), true
}

func (b *Bridge) upsertConnector(ctx context.Context, m ShortConnectorNotifyMessage) {
	if b.store == nil {
		return
	}
	rec := connectorstore.Record{
		InstanceName:  m.InstanceName,
		ActionType:    m.ActionType,
		InputType:     connectorstore.InputType(m.InputType),
		Expression:    m.Expression,
		File:          m.File,
		Alias:         m.Alias,
		InstanceScope: connectorstore.InstanceScope(m.InstanceScope),
		DefaultType:   connectorstore.DefaultType(m.DefaultType),
		DefaultValue:  m.DefaultValue,
		ConnectorID:   m.ConnectorID,
		ShortID:       m.ShortID,
		TimestampMs:   m.TimestampMs,
	}
	if err := b.store.Upsert(ctx, rec); err != nil {
		b.log.WithError(err).Warn("connector upsert failed")
	}
}

// shutdown implements spec §4.7's Close effect: save persistent
// instances, disconnect the host, exit. Saving is delegated to the
// registered onClose callback (wired by cmd/dsepd to the settings
// package) so this package doesn't need to depend on settings.
func (b *Bridge) shutdown() {
	b.closeOnce.Do(func() {
		if b.onClose != nil {
			b.onClose()
		}
		b.reg.Shutdown()
	})
}

// --- jsengine.HostSink / scheduler.ResultSink implementation ---

func (b *Bridge) StateCreate(id, parentGroup, desc, defaultValue string) {
	b.send(OutboundCreateState{Type: "createState", ID: id, ParentGroup: parentGroup, Desc: desc, DefaultValue: defaultValue})
}

func (b *Bridge) StateRemove(id string) {
	b.send(OutboundRemoveState{Type: "removeState", ID: id})
}

func (b *Bridge) StateUpdate(id, value string) {
	b.send(OutboundStateUpdate{Type: "stateUpdate", ID: id, Value: value})
}

func (b *Bridge) ChoiceUpdate(id, instanceID string, values []string) {
	b.send(OutboundChoiceUpdate{Type: "choiceUpdate", ID: id, InstanceID: instanceID, Value: values})
}

func (b *Bridge) ConnectorUpdate(shortOrConnectorID string, value int) {
	b.send(OutboundConnectorUpdate{Type: "connectorUpdate", ID: shortOrConnectorID, Value: value})
}

func (b *Bridge) ShowNotification(notificationID, title, msg string, options []jsengine.NotificationOption, onClick func(optionID string)) {
	wire := make([]notificationOptionWire, 0, len(options))
	callbacks := make(map[string]func(string))
	for _, o := range options {
		wire = append(wire, notificationOptionWire{ID: o.ID, Title: o.Title})
		callbacks[o.ID] = onClick
	}
	b.pendingNotifications.Store(notificationID, callbacks)
	b.send(OutboundShowNotification{Type: "showNotification", NotificationID: notificationID, Title: title, Msg: msg, Options: wire})
}

func (b *Bridge) CurrentPage() string { return b.proc.CurrentPage() }

func (b *Bridge) invokeNotificationClick(notificationID, optionID string) {
	v, ok := b.pendingNotifications.Load(notificationID)
	if !ok {
		return
	}
	callbacks := v.(map[string]func(string))
	if cb, ok := callbacks[optionID]; ok && cb != nil {
		cb(optionID)
	}
	b.pendingNotifications.Delete(notificationID)
}

// OnResult implements scheduler.ResultSink: a top-level evaluation
// result is published as that instance's state (spec §4.5 "emit state
// update"); an error increments the error counter and publishes
// lastError (spec §7).
func (b *Bridge) OnResult(instanceName string, value any, err error) {
	if err != nil {
		b.reportError(instanceName, err)
		return
	}
	if value == nil {
		return
	}
	b.ensureStateCreated(instanceName)
	b.StateUpdate(stateID(instanceName), fmt.Sprintf("%v", value))
}

// sendInitialCreatedStates implements spec §4.7's Info/Settings effect
// "send the initial created-states": every instance restored from
// settings (or otherwise already registered) with create_state set
// gets its createState re-announced to the freshly (re)connected host,
// gated by the same stateCreated latch so a later evaluation's
// ensureStateCreated call doesn't double-send it.
func (b *Bridge) sendInitialCreatedStates() {
	for _, i := range b.reg.Instances() {
		b.ensureStateCreated(i.Name)
	}
}

// ensureStateCreated emits createState the first time an instance with
// create_state set produces a result (spec §8 scenario 1: createState
// emitted once, before the first stateUpdate), gated by the instance's
// stateCreated latch (SPEC_FULL §C.2).
func (b *Bridge) ensureStateCreated(instanceName string) {
	i, ok := b.reg.Instance(instanceName)
	if !ok {
		return
	}
	snap, ok := i.Snapshot()
	if !ok || !snap.CreateState {
		return
	}
	if i.MarkStateCreated() {
		b.StateCreate(stateID(instanceName), dynamicValuesGroup, instanceName, "")
	}
}

func (b *Bridge) reportError(instanceName string, err error) {
	b.mu.Lock()
	b.errCount++
	n := b.errCount
	b.mu.Unlock()

	text := fmt.Sprintf("%03d %s %s: %s", n, time.Now().UTC().Format(time.RFC3339), instanceName, err.Error())
	b.send(OutboundSettingUpdate{Type: "settingUpdate", Name: "dsep.lastError", Value: text})
	b.send(OutboundSettingUpdate{Type: "settingUpdate", Name: "dsep.errorCount", Value: fmt.Sprintf("%d", n)})
	b.log.WithField("instance", instanceName).WithError(err).Error("evaluation failed")
}

// OnEngineError implements jsengine.ErrorSink.
func (b *Bridge) OnEngineError(engineName string, detail *jsengine.ErrorDetail) {
	name := detail.InstanceName
	if name == "" {
		name = engineName
	}
	b.reportError(name, detail)
}

// send marshals v and writes it newline-terminated, enforcing the
// minimum inter-send spacing (spec §5).
func (b *Bridge) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.log.WithError(err).Error("failed to marshal outbound message")
		return
	}
	data = append(data, '\n')

	b.mu.Lock()
	defer b.mu.Unlock()
	if wait := minSendSpacing - time.Since(b.lastSend); wait > 0 {
		time.Sleep(wait)
	}
	b.lastSend = time.Now()
	if b.conn == nil {
		return
	}
	if _, err := b.conn.Write(data); err != nil {
		b.log.WithError(err).Error("host write failed, disconnecting")
		b.conn.Close()
	}
}
