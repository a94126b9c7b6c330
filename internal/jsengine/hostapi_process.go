package jsengine

import (
	"bytes"
	"os/exec"

	"github.com/dop251/goja"
)

// setupProcess injects the Process namespace (spec §4.3): one-shot
// execute, detached start, attached start with stdio redirection and
// wait primitives. Ported from original_source/src/ScriptingLibrary/
// Process.h's three execution modes.
func setupProcess(vm *goja.Runtime) {
	proc := vm.NewObject()

	// execute(cmd, args[]) -> { exitCode, stdout, stderr }, runs to
	// completion and captures output (spec: "one-shot execute").
	_ = proc.Set("execute", func(call goja.FunctionCall) goja.Value {
		name := argStrOr(call, 0, "")
		args := exportStrArray(call, 1)
		cmd := exec.Command(name, args...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err := cmd.Run()
		exitCode := 0
		if err != nil {
			if ee, ok := err.(*exec.ExitError); ok {
				exitCode = ee.ExitCode()
			} else {
				exitCode = -1
			}
		}
		return vm.ToValue(map[string]any{
			"exitCode": exitCode,
			"stdout":   stdout.String(),
			"stderr":   stderr.String(),
		})
	})

	// start(cmd, args[]) -> pid, launches detached and does not wait
	// (spec: "detached start").
	_ = proc.Set("start", func(call goja.FunctionCall) goja.Value {
		name := argStrOr(call, 0, "")
		args := exportStrArray(call, 1)
		cmd := exec.Command(name, args...)
		if err := cmd.Start(); err != nil {
			return vm.ToValue(-1)
		}
		go cmd.Wait() // reap without blocking the caller
		return vm.ToValue(cmd.Process.Pid)
	})

	// startAttached(cmd, args[], input) -> { pid, wait(): {exitCode,
	// stdout, stderr} } — stdio-redirected process with an explicit wait
	// primitive (spec: "attached start with stdio redirection and wait
	// primitives").
	_ = proc.Set("startAttached", func(call goja.FunctionCall) goja.Value {
		name := argStrOr(call, 0, "")
		args := exportStrArray(call, 1)
		input := argStrOr(call, 2, "")
		cmd := exec.Command(name, args...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if input != "" {
			cmd.Stdin = bytes.NewBufferString(input)
		}
		if err := cmd.Start(); err != nil {
			return goja.Undefined()
		}
		handle := vm.NewObject()
		_ = handle.Set("pid", cmd.Process.Pid)
		_ = handle.Set("wait", func() goja.Value {
			err := cmd.Wait()
			exitCode := 0
			if err != nil {
				if ee, ok := err.(*exec.ExitError); ok {
					exitCode = ee.ExitCode()
				} else {
					exitCode = -1
				}
			}
			return vm.ToValue(map[string]any{
				"exitCode": exitCode,
				"stdout":   stdout.String(),
				"stderr":   stderr.String(),
			})
		})
		return handle
	})

	_ = vm.Set("Process", proc)
}

func exportStrArray(call goja.FunctionCall, idx int) []string {
	if idx >= len(call.Arguments) {
		return nil
	}
	arr, ok := call.Arguments[idx].Export().([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		out = append(out, toStr(v))
	}
	return out
}
