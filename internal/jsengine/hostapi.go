package jsengine

import (
	"github.com/dop251/goja"

	"github.com/mpaperno/DSEP4TP-sub000/internal/config"
	"github.com/mpaperno/DSEP4TP-sub000/internal/connectorstore"
)

// PluginVersion is reported to scripts via DSE.version (spec §4.3
// host-API table); DSE.platform comes from platformID().
const (
	PluginVersion = "1.0.0"
)

// NotificationOption is one clickable button on a host notification
// (spec §6 showNotification).
type NotificationOption struct {
	ID    string
	Title string
}

// HostSink is implemented by the Host Bridge (C7); it is the only way
// engine-injected host-API calls reach the outside world (spec §4.7).
type HostSink interface {
	StateCreate(id, parentGroup, desc, defaultValue string)
	StateRemove(id string)
	StateUpdate(id, value string)
	ChoiceUpdate(id, instanceID string, values []string)
	ConnectorUpdate(shortOrConnectorID string, value int)
	ShowNotification(notificationID, title, msg string, options []NotificationOption, onClick func(optionID string))
	CurrentPage() string
}

// hostAPI bundles the namespace objects injected into the runtime's
// global scope (spec §4.3's table: DSE/TP/Dir/File/Process/Clipboard/
// AbortController/Util).
type hostAPI struct {
	engine *Engine
	proc   *config.ProcessState
	sink   HostSink
	conn   *connectorstore.Reader

	clipboard   *clipboardState
	lastConnErr string
}

func (e *Engine) initRuntime(deps Deps) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("js", true))
	e.vm = vm

	api := &hostAPI{
		engine:    e,
		proc:      deps.ProcessState,
		sink:      deps.HostSink,
		conn:      deps.Connectors,
		clipboard: newClipboardState(),
	}
	e.api = api

	setupConsole(vm, e)
	api.setupDSE(vm)
	api.setupTP(vm)
	setupDir(vm)
	setupFile(vm)
	setupProcess(vm)
	api.setupClipboard(vm)
	setupAbortController(vm)
	api.setupUtil(vm)
}

// currentInstanceName returns the instance name bound to the call
// currently executing on the engine goroutine, used to resolve
// unqualified TP.state* calls (spec §4.3).
func (e *Engine) currentInstanceName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentInst
}

func setupConsole(vm *goja.Runtime, e *Engine) {
	console := vm.NewObject()
	log := func(call goja.FunctionCall) goja.Value {
		// The console methods discard their arguments; they exist so
		// `console.log(...)` never throws. Script console output is not
		// routed to any log sink.
		return goja.Undefined()
	}
	_ = console.Set("log", log)
	_ = console.Set("warn", log)
	_ = console.Set("error", log)
	_ = console.Set("info", log)
	_ = vm.Set("console", console)
}
