package jsengine

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
)

// setupDir injects the Dir namespace, a stateless facade over directory
// operations (spec §4.3, §9 "re-architect as a stateless fs facade").
// Ported from original_source/src/ScriptingLibrary/Dir.h's method
// surface.
func setupDir(vm *goja.Runtime) {
	dir := vm.NewObject()

	_ = dir.Set("mkpath", func(path string) bool { return os.MkdirAll(path, 0o755) == nil })
	_ = dir.Set("mkdir", func(name string) bool { return os.Mkdir(name, 0o755) == nil })
	_ = dir.Set("rmpath", func(path string) bool {
		for p := path; p != "" && p != "." && p != string(filepath.Separator); p = filepath.Dir(p) {
			if os.Remove(p) != nil {
				return p != path // best effort: true once at least the leaf was removed
			}
		}
		return true
	})
	_ = dir.Set("rmdir", func(call goja.FunctionCall) goja.Value {
		name := argStrOr(call, 0, "")
		recurse := len(call.Arguments) > 1 && call.Arguments[1].ToBoolean()
		var err error
		if recurse {
			err = os.RemoveAll(name)
		} else {
			err = os.Remove(name)
		}
		return vm.ToValue(err == nil)
	})

	_ = dir.Set("exists", func(path string) bool {
		_, err := os.Stat(path)
		return err == nil
	})
	_ = dir.Set("isAbs", filepath.IsAbs)

	_ = dir.Set("cwd", func() string { d, _ := os.Getwd(); return d })
	_ = dir.Set("home", func() string { h, _ := os.UserHomeDir(); return h })
	_ = dir.Set("temp", func() string { return os.TempDir() })
	_ = dir.Set("root", func() string {
		if filepath.Separator == '\\' {
			return `C:\`
		}
		return "/"
	})

	_ = dir.Set("separator", func() string { return string(filepath.Separator) })
	_ = dir.Set("toNative", filepath.FromSlash)
	_ = dir.Set("fromNative", filepath.ToSlash)
	_ = dir.Set("clean", func(path string) string { return filepath.ToSlash(filepath.Clean(path)) })
	_ = dir.Set("abs", func(path string) string {
		a, err := filepath.Abs(path)
		if err != nil {
			return path
		}
		return filepath.ToSlash(a)
	})
	_ = dir.Set("normalize", func(path string) string {
		a, err := filepath.EvalSymlinks(path)
		if err != nil {
			return strings.TrimSuffix(filepath.ToSlash(filepath.Clean(path)), "/")
		}
		return filepath.ToSlash(a)
	})

	_ = vm.Set("Dir", dir)
}
