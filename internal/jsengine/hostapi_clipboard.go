package jsengine

import (
	"sync"

	"github.com/dop251/goja"
)

// clipboardState is an in-process clipboard fake: the real OS clipboard
// is an out-of-scope external collaborator (spec §1), so Clipboard here
// is backed by this in-memory implementation, keyed by (mode, mime) per original_source/src/ScriptingLibrary/
// Clipboard.h's per-MIME get/set with mode switch.
type clipboardState struct {
	mu   sync.Mutex
	data map[string]map[string]string // mode -> mime -> value
	subs []func(mode, mime string)
}

func newClipboardState() *clipboardState {
	return &clipboardState{data: make(map[string]map[string]string)}
}

func (c *clipboardState) get(mode, mime string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[mode][mime]
}

func (c *clipboardState) set(mode, mime, value string) {
	c.mu.Lock()
	if c.data[mode] == nil {
		c.data[mode] = make(map[string]string)
	}
	c.data[mode][mime] = value
	subs := append([]func(mode, mime string){}, c.subs...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(mode, mime)
	}
}

func (c *clipboardState) onChange(fn func(mode, mime string)) {
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}

// Clipboard modes, per the original's mode switch.
const (
	ClipboardModeClipboard = "clipboard"
	ClipboardModeSelection = "selection"
	ClipboardModeFindBuffer = "findbuffer"
)

// setupClipboard injects the Clipboard namespace (spec §4.3): text/bytes
// get/set per MIME type with clipboard/selection/find-buffer modes,
// change events.
func (api *hostAPI) setupClipboard(vm *goja.Runtime) {
	cb := vm.NewObject()

	_ = cb.Set("getText", func(call goja.FunctionCall) goja.Value {
		mode := argStrOr(call, 0, ClipboardModeClipboard)
		return vm.ToValue(api.clipboard.get(mode, "text/plain"))
	})
	_ = cb.Set("setText", func(call goja.FunctionCall) goja.Value {
		text := argStrOr(call, 0, "")
		mode := argStrOr(call, 1, ClipboardModeClipboard)
		api.clipboard.set(mode, "text/plain", text)
		return goja.Undefined()
	})
	_ = cb.Set("get", func(call goja.FunctionCall) goja.Value {
		mime := argStrOr(call, 0, "text/plain")
		mode := argStrOr(call, 1, ClipboardModeClipboard)
		return vm.ToValue(api.clipboard.get(mode, mime))
	})
	_ = cb.Set("set", func(call goja.FunctionCall) goja.Value {
		mime := argStrOr(call, 0, "text/plain")
		value := argStrOr(call, 1, "")
		mode := argStrOr(call, 2, ClipboardModeClipboard)
		api.clipboard.set(mode, mime, value)
		return goja.Undefined()
	})
	_ = cb.Set("onChange", func(call goja.FunctionCall) goja.Value {
		if fn, ok := goja.AssertFunction(call.Argument(0)); ok {
			engine := api.engine
			api.clipboard.onChange(func(mode, mime string) {
				engine.Post(func() {
					_, _ = fn(goja.Undefined(), engine.vm.ToValue(mode), engine.vm.ToValue(mime))
				})
			})
		}
		return goja.Undefined()
	})

	_ = vm.Set("Clipboard", cb)
}
