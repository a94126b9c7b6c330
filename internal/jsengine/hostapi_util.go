package jsengine

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/mpaperno/DSEP4TP-sub000/internal/scripttimer"
)

// setupUtil injects the Util namespace (spec §4.3): set/clearTimeout,
// set/clearInterval, env get/put/unset/isSet, hashing, base64, URL
// decomposition, lines helpers, include(path). Ported from
// original_source/src/ScriptingLibrary/Util.h.
func (api *hostAPI) setupUtil(vm *goja.Runtime) {
	util := vm.NewObject()
	e := api.engine

	_ = util.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(scheduleFromCall(e, call, false))
	})
	_ = util.Set("clearTimeout", func(id int64) { e.Timers.Clear(scriptTimerID(id)) })
	_ = util.Set("setInterval", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(scheduleFromCall(e, call, true))
	})
	_ = util.Set("clearInterval", func(id int64) { e.Timers.Clear(scriptTimerID(id)) })

	_ = util.Set("env", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			env := vm.NewObject()
			for _, kv := range os.Environ() {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) == 2 {
					_ = env.Set(parts[0], parts[1])
				}
			}
			return env
		}
		name := argStrOr(call, 0, "")
		if v, ok := os.LookupEnv(name); ok {
			return vm.ToValue(v)
		}
		if len(call.Arguments) > 1 {
			return call.Arguments[1]
		}
		return vm.ToValue("")
	})
	_ = util.Set("envPut", func(name, value string) bool { return os.Setenv(name, value) == nil })
	_ = util.Set("envUnset", func(name string) bool { return os.Unsetenv(name) == nil })
	_ = util.Set("envIsSet", func(name string) bool { _, ok := os.LookupEnv(name); return ok })

	_ = util.Set("include", func(call goja.FunctionCall) goja.Value {
		path := argStrOr(call, 0, "")
		data, err := os.ReadFile(path)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		v, err := vm.RunScript(path, string(data))
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return v
	})

	_ = util.Set("hash", func(call goja.FunctionCall) goja.Value {
		data := []byte(argStrOr(call, 0, ""))
		algo := strings.ToLower(argStrOr(call, 1, "md5"))
		var sum []byte
		switch algo {
		case "sha1":
			s := sha1.Sum(data)
			sum = s[:]
		case "sha256":
			s := sha256.Sum256(data)
			sum = s[:]
		default:
			s := md5.Sum(data)
			sum = s[:]
		}
		return vm.ToValue(hex.EncodeToString(sum))
	})

	_ = util.Set("stringTrimRight", func(s string) string { return strings.TrimRight(s, " \t\r\n") })
	_ = util.Set("stringTrimLeft", func(s string) string { return strings.TrimLeft(s, " \t\r\n") })
	_ = util.Set("stringSimplify", func(s string) string { return strings.Join(strings.Fields(s), " ") })

	_ = util.Set("appendLine", func(call goja.FunctionCall) goja.Value {
		text := argStrOr(call, 0, "")
		line := argStrOr(call, 1, "")
		maxLines := argIntOr(call, 2, 0)
		sep := argStrOr(call, 3, "\n")
		lines := strings.Split(text, sep)
		if text == "" {
			lines = nil
		}
		lines = append(lines, line)
		if maxLines > 0 && len(lines) > maxLines {
			lines = lines[len(lines)-maxLines:]
		}
		return vm.ToValue(strings.Join(lines, sep))
	})
	_ = util.Set("getLines", func(call goja.FunctionCall) goja.Value {
		text := argStrOr(call, 0, "")
		maxLines := argIntOr(call, 1, 1)
		fromLine := argIntOr(call, 2, 0)
		sep := argStrOr(call, 3, "\n")
		lines := strings.Split(text, sep)
		picked := readLinesGeneric(lines, maxLines, fromLine)
		return vm.ToValue(strings.Join(picked, sep))
	})

	_ = util.Set("btoa", func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) })
	_ = util.Set("atob", func(s string) goja.Value {
		d, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return goja.Undefined()
		}
		return vm.ToValue(string(d))
	})

	_ = util.Set("urlScheme", func(u string) string {
		p, err := url.Parse(u)
		if err != nil {
			return ""
		}
		return p.Scheme
	})
	_ = util.Set("urlIsValid", func(u string) bool {
		_, err := url.Parse(u)
		return err == nil
	})
	_ = util.Set("urlIsLocalPath", func(u string) bool {
		p, err := url.Parse(u)
		return err == nil && p.Scheme == "file"
	})
	_ = util.Set("urlFromLocalPath", func(path string) string {
		return (&url.URL{Scheme: "file", Path: path}).String()
	})

	_ = vm.Set("Util", util)
}

// scriptTimerID converts the plain numeric id scripts pass to
// Util.clear{Timeout,Interval} into the timer manager's own ID type.
func scriptTimerID(n int64) scripttimer.ID { return scripttimer.ID(n) }

// scheduleFromCall implements Util.setTimeout/setInterval: expr is a
// callable, a [callable, thisValue] pair, or a source string (spec §4.2).
func scheduleFromCall(e *Engine, call goja.FunctionCall, repeating bool) int64 {
	if len(call.Arguments) == 0 {
		return 0
	}
	expr := call.Arguments[0]
	delayMs := int64(0)
	if len(call.Arguments) > 1 {
		delayMs = call.Arguments[1].ToInteger()
	}
	var extra []goja.Value
	if len(call.Arguments) > 2 {
		extra = call.Arguments[2:]
	}

	instanceName := e.currentInstanceName()
	cb := func(instName string, args []any) {
		_, _ = e.withCurrentInstance(instName, func() (Value, error) {
			runTimerExpr(e, expr, args)
			return nil, nil
		})
	}
	anyArgs := make([]any, len(extra))
	for i, v := range extra {
		anyArgs[i] = v.Export()
	}

	d := time.Duration(delayMs) * time.Millisecond
	var id scripttimer.ID
	if repeating {
		id = e.Timers.SetInterval(instanceName, d, cb, anyArgs)
	} else {
		id = e.Timers.SetTimeout(instanceName, d, cb, anyArgs)
	}
	return int64(id)
}

func runTimerExpr(e *Engine, expr goja.Value, args []any) {
	vm := e.vm
	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = vm.ToValue(a)
	}

	// [callable, thisValue] pair.
	if arr, ok := expr.Export().([]any); ok && len(arr) == 2 {
		if fn, ok := goja.AssertFunction(vm.ToValue(arr[0])); ok {
			_, _ = fn(vm.ToValue(arr[1]), jsArgs...)
			return
		}
	}
	if fn, ok := goja.AssertFunction(expr); ok {
		_, _ = fn(goja.Undefined(), jsArgs...)
		return
	}
	// source string
	_, _ = vm.RunString(expr.String())
}

func readLinesGeneric(lines []string, maxLines, fromLine int) []string {
	total := len(lines)
	start := fromLine
	if start < 0 {
		start = total + start
		if start < 0 {
			start = 0
		}
	}
	if start > total {
		return nil
	}
	end := total
	if maxLines > 0 && start+maxLines < total {
		end = start + maxLines
	}
	return lines[start:end]
}
