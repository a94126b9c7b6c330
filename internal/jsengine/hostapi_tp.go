package jsengine

import (
	"context"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/mpaperno/DSEP4TP-sub000/internal/connectorstore"
)

// setupTP injects the TP namespace (spec §4.3): state create/remove/
// update, choice-list update, connector update, notifications with
// click callbacks, current-page accessor, connector-record query/lookup.
func (api *hostAPI) setupTP(vm *goja.Runtime) {
	tp := vm.NewObject()

	_ = tp.Set("stateCreate", func(call goja.FunctionCall) goja.Value {
		id := argStrOr(call, 0, api.implicitStateID())
		parentGroup := argStrOr(call, 1, "")
		desc := argStrOr(call, 2, "")
		def := argStrOr(call, 3, "")
		api.sink.StateCreate(id, parentGroup, desc, def)
		return goja.Undefined()
	})
	_ = tp.Set("stateRemove", func(call goja.FunctionCall) goja.Value {
		id := argStrOr(call, 0, api.implicitStateID())
		api.sink.StateRemove(id)
		return goja.Undefined()
	})
	_ = tp.Set("stateUpdate", func(call goja.FunctionCall) goja.Value {
		// stateUpdate(value) uses the implicit current-instance id;
		// stateUpdate(id, value) is explicit (spec §4.3).
		switch len(call.Arguments) {
		case 1:
			api.sink.StateUpdate(api.implicitStateID(), call.Arguments[0].String())
		case 0:
		default:
			api.sink.StateUpdate(call.Arguments[0].String(), call.Arguments[1].String())
		}
		return goja.Undefined()
	})
	_ = tp.Set("choiceUpdate", func(call goja.FunctionCall) goja.Value {
		id := argStrOr(call, 0, "")
		instanceID := argStrOr(call, 1, "")
		var values []string
		if len(call.Arguments) > 2 {
			if arr, ok := call.Arguments[2].Export().([]any); ok {
				for _, v := range arr {
					values = append(values, toStr(v))
				}
			}
		}
		api.sink.ChoiceUpdate(id, instanceID, values)
		return goja.Undefined()
	})
	_ = tp.Set("connectorUpdate", func(call goja.FunctionCall) goja.Value {
		id := argStrOr(call, 0, "")
		value := 0
		if len(call.Arguments) > 1 {
			value = int(call.Arguments[1].ToInteger())
		}
		api.sink.ConnectorUpdate(id, value)
		return goja.Undefined()
	})
	_ = tp.Set("currentPage", func() string { return api.sink.CurrentPage() })

	_ = tp.Set("showNotification", func(call goja.FunctionCall) goja.Value {
		id := argStrOr(call, 0, uuid.NewString())
		title := argStrOr(call, 1, "")
		msg := argStrOr(call, 2, "")
		var opts []NotificationOption
		var onClick goja.Callable
		if len(call.Arguments) > 3 {
			if arr, ok := call.Arguments[3].Export().([]any); ok {
				for _, raw := range arr {
					if m, ok := raw.(map[string]any); ok {
						opts = append(opts, NotificationOption{ID: toStr(m["id"]), Title: toStr(m["title"])})
					}
				}
			}
		}
		if len(call.Arguments) > 4 {
			if fn, ok := goja.AssertFunction(call.Arguments[4]); ok {
				onClick = fn
			}
		}
		engine := api.engine
		api.sink.ShowNotification(id, title, msg, opts, func(optionID string) {
			if onClick != nil {
				engine.Post(func() {
					_, _ = onClick(goja.Undefined(), engine.vm.ToValue(optionID))
				})
			}
		})
		return goja.Undefined()
	})

	// connectorQuery/connectorShortIds never throw into the calling
	// script (spec §4.1 failure policy): on a compilation/scan failure
	// they return an empty array and leave the diagnostic readable via
	// TP.lastConnectorError().
	_ = tp.Set("connectorQuery", func(call goja.FunctionCall) goja.Value {
		recs, diag := api.conn.Query(context.Background(), exportFilter(call))
		api.lastConnErr = diag
		return vm.ToValue(recs)
	})
	_ = tp.Set("connectorShortIds", func(call goja.FunctionCall) goja.Value {
		ids, diag := api.conn.ShortIDs(context.Background(), exportFilter(call))
		api.lastConnErr = diag
		return vm.ToValue(ids)
	})
	_ = tp.Set("connectorByShortId", func(call goja.FunctionCall) goja.Value {
		pattern := argStrOr(call, 0, "")
		rec, err := api.conn.GetByShortID(context.Background(), pattern)
		if err != nil {
			api.lastConnErr = err.Error()
			return vm.ToValue(connectorstore.Record{IsNull: true})
		}
		return vm.ToValue(rec)
	})
	_ = tp.Set("lastConnectorError", func() string { return api.lastConnErr })

	_ = vm.Set("TP", tp)
}

func (api *hostAPI) implicitStateID() string {
	name := api.engine.currentInstanceName()
	if name == "" {
		return ""
	}
	return "dsep." + name
}

func exportFilter(call goja.FunctionCall) connectorstore.Filter {
	var f connectorstore.Filter
	if len(call.Arguments) == 0 {
		return f
	}
	m, ok := call.Arguments[0].Export().(map[string]any)
	if !ok {
		return f
	}
	f.InstanceName = toStr(m["instanceName"])
	f.ActionType = toStr(m["actionType"])
	f.InputType = connectorstore.InputType(toStr(m["inputType"]))
	f.DefaultType = connectorstore.DefaultType(toStr(m["defaultType"]))
	f.InstanceScope = connectorstore.InstanceScope(toStr(m["instanceScope"]))
	f.Expression = toStr(m["expression"])
	f.File = toStr(m["file"])
	f.Alias = toStr(m["alias"])
	f.DefaultValue = toStr(m["defaultValue"])
	f.ConnectorID = toStr(m["connectorId"])
	f.ShortID = toStr(m["shortId"])
	f.OrderBy = toStr(m["orderBy"])
	return f
}

func toStr(v any) string {
	s, _ := v.(string)
	return s
}

func argStrOr(call goja.FunctionCall, i int, def string) string {
	if i < len(call.Arguments) {
		return call.Arguments[i].String()
	}
	return def
}
