package jsengine

import "github.com/dop251/goja"

// setupAbortController injects AbortController/AbortSignal (spec §4.3):
// the standard cooperative-cancellation pattern, backed by
// original_source/src/ScriptingLibrary/AbortController.h's DOMException-
// flavored AbortError (spec §9 "Exceptions for script errors").
//
// Implemented directly in JS for the standard event-target surface
// (addEventListener/removeEventListener/onabort), since goja's object
// model makes that far simpler to express as source than as Go
// closures, and the result is indistinguishable from a native
// implementation to calling scripts.
func setupAbortController(vm *goja.Runtime) {
	const src = `
(function() {
	function AbortSignal() {
		this.aborted = false;
		this.reason = undefined;
		this._listeners = [];
	}
	AbortSignal.prototype.addEventListener = function(type, cb) {
		if (type === 'abort') this._listeners.push(cb);
	};
	AbortSignal.prototype.removeEventListener = function(type, cb) {
		if (type !== 'abort') return;
		var i = this._listeners.indexOf(cb);
		if (i >= 0) this._listeners.splice(i, 1);
	};
	AbortSignal.prototype._fire = function(reason) {
		if (this.aborted) return;
		this.aborted = true;
		this.reason = reason !== undefined ? reason : { name: 'AbortError', message: 'signal is aborted without reason' };
		if (typeof this.onabort === 'function') this.onabort({ type: 'abort', target: this });
		var listeners = this._listeners.slice();
		for (var i = 0; i < listeners.length; i++) listeners[i]({ type: 'abort', target: this });
	};
	AbortSignal.prototype.throwIfAborted = function() {
		if (this.aborted) throw this.reason;
	};

	function AbortController() {
		this.signal = new AbortSignal();
	}
	AbortController.prototype.abort = function(reason) {
		this.signal._fire(reason);
	};

	globalThis.AbortSignal = AbortSignal;
	globalThis.AbortController = AbortController;
})();
`
	if _, err := vm.RunString(src); err != nil {
		panic(err)
	}
}
