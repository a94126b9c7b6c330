package jsengine

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/dop251/goja"
)

// Value is whatever a script evaluation produced, already exported to a
// native Go representation (string/int64/float64/bool/map/slice/nil) so it
// never carries a goja.Value reference outside the engine goroutine.
type Value = any

// withCurrentInstance sets the engine's "current instance" facet for
// the duration of fn, restoring the previous value afterward (timer
// callbacks and nested evaluations can legitimately nest).
func (e *Engine) withCurrentInstance(name string, fn func() (Value, error)) (Value, error) {
	e.mu.Lock()
	prev := e.currentInst
	e.currentInst = name
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.currentInst = prev
		e.mu.Unlock()
	}()
	return fn()
}

// wrapGojaError converts a goja runtime error into the wrapped
// ErrorDetail shape spec §4.3 requires: instance name, source snippet
// or file:line, a cause chain, and a stack.
func wrapGojaError(instanceName, source string, err error) *ErrorDetail {
	stack := ""
	msg := err.Error()
	if exc, ok := err.(*goja.Exception); ok {
		stack = exc.String()
		msg = exc.Error()
	}
	return &ErrorDetail{
		InstanceName: instanceName,
		Source:       source,
		Message:      msg,
		Stack:        stack,
		Cause:        err,
	}
}

func (e *Engine) reportError(detail *ErrorDetail) {
	if e.sink != nil {
		e.sink.OnEngineError(e.Name, detail)
	}
}

// EvaluateExpression implements spec §4.3 evaluate_expression.
func (e *Engine) EvaluateExpression(ctx context.Context, source, instanceName string) (Value, error) {
	return e.call(ctx, func() (any, error) {
		return e.evalExpressionOnThread(source, instanceName)
	})
}

// EvaluateExpressionOnThread runs the same logic as EvaluateExpression
// without posting through reqCh. Callers must already be executing on
// this engine's own worker goroutine (a scripttimer callback, which
// arrives via Post/run); calling EvaluateExpression instead from such a
// callback would deadlock, since the goroutine that would drain reqCh
// is the very one blocked waiting for the reply.
func (e *Engine) EvaluateExpressionOnThread(source, instanceName string) (Value, error) {
	return e.evalExpressionOnThread(source, instanceName)
}

func (e *Engine) evalExpressionOnThread(source, instanceName string) (Value, error) {
	return e.withCurrentInstance(instanceName, func() (Value, error) {
		return e.runAndExport(source, source, instanceName)
	})
}

// EvaluateScriptFile implements spec §4.3 evaluate_script_file: runs
// the file's contents, then (if non-empty) the trailing expression, and
// returns the trailing expression's value (or the file's own value if
// trailingExpr is empty).
func (e *Engine) EvaluateScriptFile(ctx context.Context, path, trailingExpr, instanceName string) (Value, error) {
	return e.call(ctx, func() (any, error) {
		return e.evalScriptFileOnThread(path, trailingExpr, instanceName)
	})
}

// EvaluateScriptFileOnThread is EvaluateScriptFile's direct counterpart
// for callers already on the engine's worker goroutine. See
// EvaluateExpressionOnThread.
func (e *Engine) EvaluateScriptFileOnThread(path, trailingExpr, instanceName string) (Value, error) {
	return e.evalScriptFileOnThread(path, trailingExpr, instanceName)
}

func (e *Engine) evalScriptFileOnThread(path, trailingExpr, instanceName string) (Value, error) {
	return e.withCurrentInstance(instanceName, func() (Value, error) {
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			detail := &ErrorDetail{InstanceName: instanceName, Source: path, Message: rerr.Error(), Cause: rerr}
			e.reportError(detail)
			return nil, detail
		}
		source := path + ":1"
		fileVal, rerr := e.vm.RunScript(path, string(data))
		if rerr != nil {
			detail := wrapGojaError(instanceName, source, rerr)
			e.reportError(detail)
			return nil, detail
		}
		if trailingExpr == "" {
			if fileVal == nil || goja.IsUndefined(fileVal) || goja.IsNull(fileVal) {
				return nil, nil
			}
			return fileVal.Export(), nil
		}
		return e.runAndExport(trailingExpr, trailingExpr, instanceName)
	})
}

// EvaluateModule implements spec §4.3 evaluate_module: imports a module
// exactly once per path per engine (cached in importedModules), binds it
// under alias in the engine global, then evaluates the trailing
// expression (or returns undefined if empty).
func (e *Engine) EvaluateModule(ctx context.Context, path, alias, trailingExpr, instanceName string) (Value, error) {
	return e.call(ctx, func() (any, error) {
		return e.evalModuleOnThread(path, alias, trailingExpr, instanceName)
	})
}

// EvaluateModuleOnThread is EvaluateModule's direct counterpart for
// callers already on the engine's worker goroutine. See
// EvaluateExpressionOnThread.
func (e *Engine) EvaluateModuleOnThread(path, alias, trailingExpr, instanceName string) (Value, error) {
	return e.evalModuleOnThread(path, alias, trailingExpr, instanceName)
}

func (e *Engine) evalModuleOnThread(path, alias, trailingExpr, instanceName string) (Value, error) {
	if alias == "" {
		alias = "M"
	}
	return e.withCurrentInstance(instanceName, func() (Value, error) {
		mod, ok := e.importedModules[path]
		if !ok {
			data, rerr := os.ReadFile(path)
			if rerr != nil {
				detail := &ErrorDetail{InstanceName: instanceName, Source: path, Message: rerr.Error(), Cause: rerr}
				e.reportError(detail)
				return nil, detail
			}
			// Wrap the module source in an IIFE returning
			// module.exports, the common CommonJS-lite pattern used
			// across the embedded-JS pack examples.
			wrapped := "(function(){ var module = { exports: {} }; var exports = module.exports;\n" +
				string(data) + "\nreturn module.exports; })()"
			v, rerr := e.vm.RunScript(path, wrapped)
			if rerr != nil {
				detail := wrapGojaError(instanceName, path+":1", rerr)
				e.reportError(detail)
				return nil, detail
			}
			mod = v
			e.importedModules[path] = mod
		}
		_ = e.vm.Set(alias, mod)
		if trailingExpr == "" {
			return nil, nil
		}
		return e.runAndExport(trailingExpr, trailingExpr, instanceName)
	})
}

// runAndExport runs source and exports its result, wrapping any error.
// Must be called on the engine goroutine.
func (e *Engine) runAndExport(label, source, instanceName string) (v Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			detail := &ErrorDetail{
				InstanceName: instanceName,
				Source:       source,
				Message:      fmt.Sprintf("panic: %v", r),
				Stack:        string(debug.Stack()),
			}
			e.reportError(detail)
			v, err = nil, detail
		}
	}()
	val, rerr := e.vm.RunString(source)
	if rerr != nil {
		detail := wrapGojaError(instanceName, label, rerr)
		e.reportError(detail)
		return nil, detail
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}
