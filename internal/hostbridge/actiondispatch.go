package hostbridge

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mpaperno/DSEP4TP-sub000/internal/instance"
	"github.com/mpaperno/DSEP4TP-sub000/internal/registry"
)

// resolveScriptPath resolves a non-absolute script path against the
// configured scripts base directory (spec §6 "Filesystem").
func resolveScriptPath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(filepath.Join(baseDir, path))
}

func statPath(path string) (time.Time, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// ActionSegments is a dotted action id decoded per spec §6: "Action
// dispatch keys on a dotted action id whose 7th segment selects the
// handler (script vs plugin) and whose 8th segment selects the
// operation". The final segment addresses the instance.
type ActionSegments struct {
	Handler      string // "script" or "plugin"
	Operation    string
	InstanceName string
	Raw          []string
}

// ParseActionID decodes a dotted action id. IDs shorter than 8 segments
// have no recognizable handler/operation pair; InstanceName still falls
// back to the last segment so button down/up (which addresses an
// instance directly, without a handler/operation pair) keeps working.
func ParseActionID(actionID string) ActionSegments {
	segs := strings.Split(actionID, ".")
	out := ActionSegments{Raw: segs}
	if len(segs) >= 8 {
		out.Handler = segs[6]
		out.Operation = segs[7]
	}
	if len(segs) > 0 {
		out.InstanceName = segs[len(segs)-1]
	}
	return out
}

// foldActionData implements spec §6 "action data is a list of {id,
// value} objects, folded into a map where each key is the last segment
// of the id after the final dot".
func foldActionData(items []actionDataItem) map[string]string {
	out := make(map[string]string, len(items))
	for _, it := range items {
		key := it.ID
		if idx := strings.LastIndexByte(key, '.'); idx >= 0 {
			key = key[idx+1:]
		}
		out[key] = it.Value
	}
	return out
}

// handleAction implements spec §4.7's Action effect: look up or create
// the instance, apply property setters from the folded data, and on
// success Press-evaluate; plugin-control operations (DeleteScript,
// DeleteEngine, Reset, Save/Load/DeleteSavedInstance, RepeatRate/Delay
// set/inc/dec) are dispatched separately.
func (b *Bridge) handleAction(ctx context.Context, m ActionMessage) {
	seg := ParseActionID(m.ActionID)
	data := foldActionData(m.Data)

	if seg.Handler == "plugin" {
		b.handlePluginControl(ctx, seg.Operation, data)
		return
	}

	if seg.InstanceName == "" {
		b.logProtocolError("action with no addressable instance", m.ActionID, nil)
		return
	}
	if len(data) == 0 {
		b.logProtocolError("empty action data", m.ActionID, nil)
		return
	}

	i := b.reg.GetOrCreate(seg.InstanceName)
	update := buildUpdate(data)
	applyOperationDefaults(i, &update, seg.Operation)
	if err := i.Apply(update); err != nil {
		b.reportError(i.Name, err)
		return
	}
	if path, ok := data["file"]; ok {
		b.resolveFile(i, path)
	}
	if _, scopeChanged := data["scope"]; scopeChanged {
		_ = b.reg.Rebind(ctx, i)
	} else if _, engineChanged := data["engine"]; engineChanged {
		_ = b.reg.Rebind(ctx, i)
	}

	switch seg.Operation {
	case "update", "oneShot":
		// These are one-shot evaluations regardless of the instance's
		// configured Activation bits (spec §4.5's Update transition
		// applies unconditionally), so they bypass Press entirely.
		b.sched.Update(i, data["expr"])
	default:
		b.sched.Press(i)
	}
}

// applyOperationDefaults fills in InputType/Activation from the action
// id's 8th segment (spec §6: "script eval/load/import/update/one-shot")
// when the host hasn't sent them explicitly. Without this, a freshly
// created instance's Activation is zero and Press silently no-ops
// (spec §8 scenario 1).
func applyOperationDefaults(i *instance.Instance, u *instance.Update, op string) {
	if u.InputType == nil {
		switch op {
		case "eval":
			it := instance.InputExpression
			u.InputType = &it
		case "load":
			it := instance.InputScriptFile
			u.InputType = &it
		case "import":
			it := instance.InputModule
			u.InputType = &it
		}
	}
	if u.Activation == nil {
		switch op {
		case "eval", "load", "import":
			if snap, ok := i.Snapshot(); ok && snap.Activation == 0 {
				act := instance.ActivationOnPress
				u.Activation = &act
			}
		}
	}
}

// resolveFile implements the file half of spec §4.4's setter
// validation: resolve path against the configured scripts base dir and
// stat it, recording the result so Apply's FileLoadError flag reflects
// reality rather than the just-set placeholder.
func (b *Bridge) resolveFile(i *instance.Instance, path string) {
	resolved := resolveScriptPath(b.proc.ScriptsBaseDir(), path)
	modTime, exists := statPath(resolved)
	_ = i.MarkFileResolved(resolved, modTime, exists)
}

// buildUpdate maps the host's folded action-data keys onto an
// instance.Update, following spec §3's field list.
func buildUpdate(data map[string]string) instance.Update {
	var u instance.Update
	if v, ok := data["expr"]; ok {
		u.Source = &v
	} else if v, ok := data["source"]; ok {
		u.Source = &v
	}
	if v, ok := data["file"]; ok {
		fb := instance.FileBinding{Original: v}
		u.File = &fb
	}
	if v, ok := data["inputType"]; ok {
		it := instance.InputType(v)
		u.InputType = &it
	}
	if v, ok := data["scope"]; ok {
		sc := instance.Scope(v)
		u.Scope = &sc
	}
	if v, ok := data["engine"]; ok {
		u.EngineName = &v
	}
	if v, ok := data["save"]; ok {
		dt := instance.DefaultType(v)
		u.DefaultType = &dt
	}
	if v, ok := data["default"]; ok {
		u.DefaultValue = &v
	}
	if v, ok := data["persistence"]; ok {
		p := instance.Persistence(v)
		u.Persistence = &p
	}
	if v, ok := data["activation"]; ok {
		a := parseActivation(v)
		u.Activation = &a
	}
	if v, ok := data["repeatRate"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			u.RepeatRateMs = &n
		}
	}
	if v, ok := data["repeatDelay"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			u.RepeatDelayMs = &n
		}
	}
	if v, ok := data["maxRepeatCount"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			u.MaxRepeatCount = &n
		}
	}
	return u
}

// parseActivation decodes a comma-separated activation bitset, e.g.
// "OnPress,RepeatOnHold" (spec §3 "activation: bitset over {OnPress,
// OnRelease, RepeatOnHold}").
func parseActivation(v string) instance.Activation {
	var a instance.Activation
	for _, tok := range strings.Split(v, ",") {
		switch strings.TrimSpace(tok) {
		case "OnPress":
			a |= instance.ActivationOnPress
		case "OnRelease":
			a |= instance.ActivationOnRelease
		case "RepeatOnHold":
			a |= instance.ActivationRepeatOnHold
		}
	}
	return a
}

// handlePluginControl dispatches the "plugin"-handler operations named
// in spec §4.7: DeleteScript, DeleteEngine, Reset, Save/Load/
// DeleteSavedInstance, RepeatRate/Delay set/inc/dec.
func (b *Bridge) handlePluginControl(ctx context.Context, op string, data map[string]string) {
	switch op {
	case "DeleteScript":
		b.reg.Delete(data["name"])
	case "DeleteEngine":
		_ = b.reg.DeleteEngine(data["name"])
	case "Reset":
		b.reg.ResetAll(ctx, filterFromData(data))
	case "SetRepeatRate":
		if n, ok := atoiOK(data["value"]); ok {
			b.proc.SetDefaultRepeatRateMs(n)
		}
	case "SetRepeatDelay":
		if n, ok := atoiOK(data["value"]); ok {
			b.proc.SetDefaultRepeatDelayMs(n)
		}
	case "IncRepeatRate":
		if n, ok := atoiOK(data["delta"]); ok {
			b.proc.IncDefaultRepeatRateMs(n)
		}
	case "IncRepeatDelay":
		if n, ok := atoiOK(data["delta"]); ok {
			b.proc.IncDefaultRepeatDelayMs(n)
		}
	case "DecRepeatRate":
		if n, ok := atoiOK(data["delta"]); ok {
			b.proc.IncDefaultRepeatRateMs(-n)
		}
	case "DecRepeatDelay":
		if n, ok := atoiOK(data["delta"]); ok {
			b.proc.IncDefaultRepeatDelayMs(-n)
		}
	case "SaveInstance", "LoadInstance", "DeleteSavedInstance":
		// Persistence-file operations are owned by the settings package;
		// cmd/dsepd wires a SettingsSink for these via WithSettingsSink.
		if b.settings != nil {
			b.settings.Handle(op, data)
		}
	default:
		b.logProtocolError("unknown plugin control operation", op, nil)
	}
}

func atoiOK(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}

// filterFromData maps the host's "filter" action-data value onto a
// registry.Filter (spec §4.6 "Bulk operations accept a filter {All |
// AllShared | AllPrivate | named}").
func filterFromData(data map[string]string) registry.Filter {
	switch data["filter"] {
	case "AllShared":
		return registry.Filter{Kind: registry.FilterAllShared}
	case "AllPrivate":
		return registry.Filter{Kind: registry.FilterAllPrivate}
	case "named":
		return registry.Filter{Kind: registry.FilterNamed, Name: data["name"]}
	default:
		return registry.Filter{Kind: registry.FilterAll}
	}
}
