package jsengine

import (
	"encoding/base64"
	"io"
	"os"
	"strings"

	"github.com/dop251/goja"
)

// readLines implements the File.readLines / FileHandle line-oriented
// read semantics (spec §4.3, §8 boundary behaviors, §9 OQ2): fromLine
// negative counts back from the end of file; maxLines<=0 means "all
// lines from fromLine through EOF"; trimTrailingNewlines controls
// whether a file ending in "\n" contributes one extra empty final line.
func readLines(content string, maxLines, fromLine int, trimTrailingNewlines bool) []string {
	lines := strings.Split(content, "\n")
	if trimTrailingNewlines && len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
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

// setupFile injects the File namespace plus a FileHandle constructor
// (spec §4.3): text/binary read/write, readLines, copy/rename/remove/
// link, attribute queries, and a stateful open/read/write/seek/peek
// handle. Ported from original_source/src/ScriptingLibrary/File.h's
// method surface, re-architected per spec §9 as a stateless facade plus
// an owned value type rather than a class hierarchy.
func setupFile(vm *goja.Runtime) {
	file := vm.NewObject()

	_ = file.Set("read", func(call goja.FunctionCall) goja.Value {
		path := argStrOr(call, 0, "")
		binary := len(call.Arguments) > 1 && call.Arguments[1].ToBoolean()
		data, err := os.ReadFile(path)
		if err != nil {
			return goja.Undefined()
		}
		if binary {
			return vm.ToValue(base64.StdEncoding.EncodeToString(data))
		}
		return vm.ToValue(string(data))
	})
	_ = file.Set("write", func(call goja.FunctionCall) goja.Value {
		path := argStrOr(call, 0, "")
		content := argStrOr(call, 1, "")
		binary := len(call.Arguments) > 2 && call.Arguments[2].ToBoolean()
		append_ := len(call.Arguments) > 3 && call.Arguments[3].ToBoolean()
		var data []byte
		if binary {
			d, err := base64.StdEncoding.DecodeString(content)
			if err != nil {
				return vm.ToValue(false)
			}
			data = d
		} else {
			data = []byte(content)
		}
		flags := os.O_WRONLY | os.O_CREATE
		if append_ {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
		f, err := os.OpenFile(path, flags, 0o644)
		if err != nil {
			return vm.ToValue(false)
		}
		defer f.Close()
		_, err = f.Write(data)
		return vm.ToValue(err == nil)
	})
	_ = file.Set("readLines", func(call goja.FunctionCall) goja.Value {
		path := argStrOr(call, 0, "")
		maxLines := argIntOr(call, 1, 0)
		fromLine := argIntOr(call, 2, 0)
		trim := true
		if len(call.Arguments) > 3 {
			trim = call.Arguments[3].ToBoolean()
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return goja.Undefined()
		}
		return vm.ToValue(readLines(string(data), maxLines, fromLine, trim))
	})
	_ = file.Set("copy", func(src, dst string) bool { return copyFile(src, dst) == nil })
	_ = file.Set("rename", func(src, dst string) bool { return os.Rename(src, dst) == nil })
	_ = file.Set("remove", func(path string) bool { return os.Remove(path) == nil })
	_ = file.Set("link", func(src, dst string) bool { return os.Link(src, dst) == nil })
	_ = file.Set("exists", func(path string) bool { _, err := os.Stat(path); return err == nil })
	_ = file.Set("size", func(path string) int64 {
		fi, err := os.Stat(path)
		if err != nil {
			return -1
		}
		return fi.Size()
	})
	_ = file.Set("modTime", func(path string) goja.Value {
		fi, err := os.Stat(path)
		if err != nil {
			return goja.Undefined()
		}
		return vm.ToValue(fi.ModTime().UnixMilli())
	})
	_ = file.Set("isReadable", func(path string) bool { return isReadable(path) })
	_ = file.Set("isWritable", func(path string) bool { return isWritable(path) })

	_ = file.Set("open", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(newFileHandle(vm, argStrOr(call, 0, ""), argStrOr(call, 1, "r")))
	})

	_ = vm.Set("File", file)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func isReadable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

func isWritable(path string) bool {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// fileHandle is the stateful object behind File.open(); it owns one
// *os.File and offers line-oriented reads, seek/peek, and file-time/
// permission accessors as methods directly on the value, with no shared
// base class (spec §9).
type fileHandle struct {
	f        *os.File
	path     string
	buffered []byte // pending peek buffer
}

func newFileHandle(vm *goja.Runtime, path, mode string) *goja.Object {
	var flags int
	switch mode {
	case "w":
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case "a":
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	default:
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0o644)
	h := &fileHandle{f: f, path: path}

	obj := vm.NewObject()
	_ = obj.Set("isOpen", func() bool { return h.f != nil && err == nil })
	_ = obj.Set("close", func() bool {
		if h.f == nil {
			return true
		}
		e := h.f.Close()
		h.f = nil
		return e == nil
	})
	_ = obj.Set("readAll", func() goja.Value {
		if h.f == nil {
			return goja.Undefined()
		}
		data, rerr := io.ReadAll(h.f)
		if rerr != nil {
			return goja.Undefined()
		}
		return vm.ToValue(string(data))
	})
	_ = obj.Set("readLine", func() goja.Value {
		if h.f == nil {
			return goja.Undefined()
		}
		buf := make([]byte, 1)
		var line []byte
		for {
			n, rerr := h.f.Read(buf)
			if n > 0 {
				if buf[0] == '\n' {
					break
				}
				line = append(line, buf[0])
			}
			if rerr != nil {
				if len(line) == 0 {
					return goja.Undefined()
				}
				break
			}
		}
		return vm.ToValue(string(line))
	})
	_ = obj.Set("write", func(s string) bool {
		if h.f == nil {
			return false
		}
		_, werr := h.f.WriteString(s)
		return werr == nil
	})
	_ = obj.Set("seek", func(offset int64, whence int) bool {
		if h.f == nil {
			return false
		}
		_, serr := h.f.Seek(offset, whence)
		return serr == nil
	})
	_ = obj.Set("peek", func(n int) goja.Value {
		if h.f == nil {
			return goja.Undefined()
		}
		buf := make([]byte, n)
		read, _ := h.f.Read(buf)
		_, _ = h.f.Seek(-int64(read), io.SeekCurrent)
		return vm.ToValue(string(buf[:read]))
	})
	_ = obj.Set("modTime", func() goja.Value {
		fi, serr := os.Stat(h.path)
		if serr != nil {
			return goja.Undefined()
		}
		return vm.ToValue(fi.ModTime().UnixMilli())
	})
	_ = obj.Set("permissions", func() goja.Value {
		fi, serr := os.Stat(h.path)
		if serr != nil {
			return goja.Undefined()
		}
		return vm.ToValue(fi.Mode().Perm().String())
	})
	return obj
}

func argIntOr(call goja.FunctionCall, i int, def int) int {
	if i < len(call.Arguments) {
		return int(call.Arguments[i].ToInteger())
	}
	return def
}
