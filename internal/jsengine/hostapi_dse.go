package jsengine

import (
	"runtime"

	"github.com/dop251/goja"
)

// setupDSE injects the DSE namespace (spec §4.3 host-API table): plugin
// version, platform identifier, scripts base directory, current host
// page, current engine/instance identity, default repeat rate/delay.
func (api *hostAPI) setupDSE(vm *goja.Runtime) {
	dse := vm.NewObject()
	_ = dse.Set("version", PluginVersion)
	_ = dse.Set("platform", platformID())
	_ = dse.Set("scriptsBasePath", func() string { return api.proc.ScriptsBaseDir() })
	_ = dse.Set("tpCurrentPage", func() string { return api.proc.CurrentPage() })
	_ = dse.Set("engineInstanceName", func() string { return api.engine.Name })
	_ = dse.Set("currentInstanceName", func() goja.Value {
		if n := api.engine.currentInstanceName(); n != "" {
			return vm.ToValue(n)
		}
		return goja.Undefined()
	})

	_ = dse.Set("defaultRepeatRate", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) > 0 {
			api.proc.SetDefaultRepeatRateMs(int(call.Arguments[0].ToInteger()))
			return goja.Undefined()
		}
		return vm.ToValue(api.proc.DefaultRepeatRateMs())
	})
	_ = dse.Set("defaultRepeatDelay", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) > 0 {
			api.proc.SetDefaultRepeatDelayMs(int(call.Arguments[0].ToInteger()))
			return goja.Undefined()
		}
		return vm.ToValue(api.proc.DefaultRepeatDelayMs())
	})

	_ = vm.Set("DSE", dse)
}

func platformID() string {
	return runtime.GOOS
}
