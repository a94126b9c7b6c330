package instance

import (
	"encoding/json"

	"github.com/mpaperno/DSEP4TP-sub000/internal/apperrors"
)

// RecordVersion is the current on-disk schema version (spec §4.4
// "versioned, self-describing record").
const RecordVersion = 2

// legacyInputTypeNumbering maps the v1 numeric input_type encoding to
// the current string enum (spec §4.4 "earlier versions used a different
// numbering for input_type").
var legacyInputTypeNumbering = map[float64]InputType{
	0: InputExpression,
	1: InputScriptFile,
	2: InputModule,
}

// Record is the versioned, self-describing serialization of an
// Instance (spec §4.4's exact field list).
type Record struct {
	Version        int            `json:"version"`
	Name           string         `json:"name"`
	Scope          Scope          `json:"scope"`
	InputType      InputType      `json:"input_type"`
	Source         string         `json:"source"`
	File           string         `json:"file"`
	ModuleAlias    string         `json:"module_alias"`
	DefaultValue   string         `json:"default_value"`
	DefaultType    DefaultType    `json:"default_type"`
	CreateState    bool           `json:"create_state"`
	RepeatDelay    int            `json:"repeat_delay"`
	RepeatRate     int            `json:"repeat_rate"`
	EngineName     string         `json:"engine_name"`
	StateCategory  string         `json:"state_category"`
	StateName      string         `json:"state_name"`
	Persistence    Persistence    `json:"persistence"`
	Activation     Activation     `json:"activation"`
	StoredData     map[string]any `json:"stored_data"`
	MaxRepeatCount int            `json:"max_repeat_count"`
}

// ToRecord produces the persisted form of the instance. Temporary
// instances must never reach this (spec §3 invariant: "Temporary
// instances are never written"); callers enforce that before calling.
func (i *Instance) ToRecord(stateCategory string) Record {
	s, _ := i.Snapshot() // best-effort; caller already holds no competing writer during save
	return Record{
		Version:        RecordVersion,
		Name:           i.Name,
		Scope:          s.Scope,
		InputType:      s.InputType,
		Source:         s.Source,
		File:           s.File.Original,
		ModuleAlias:    s.ModuleAlias,
		DefaultValue:   s.DefaultValue,
		DefaultType:    s.DefaultType,
		CreateState:    s.CreateState,
		RepeatDelay:    s.RepeatDelayMs,
		RepeatRate:     s.RepeatRateMs,
		EngineName:     s.EngineName,
		StateName:      i.Name,
		StateCategory:  stateCategory,
		Persistence:    s.Persistence,
		Activation:     s.Activation,
		StoredData:     i.StoredData(),
		MaxRepeatCount: s.MaxRepeatCount,
	}
}

// FromRecord rebuilds an Instance from a persisted record, migrating
// older versions in place (spec §4.4 "Deserialization must accept
// older versions and migrate").
func FromRecord(raw json.RawMessage) (*Instance, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, &apperrors.PersistenceError{Message: "malformed instance record", Cause: err}
	}

	var rec Record
	switch probe.Version {
	case 0, 1:
		if err := migrateV1(raw, &rec); err != nil {
			return nil, err
		}
	case RecordVersion:
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, &apperrors.PersistenceError{Message: "malformed v2 instance record", Cause: err}
		}
	default:
		return nil, &apperrors.PersistenceError{Message: "unknown instance record version"}
	}

	inst := New(rec.Name)
	inst.scope = rec.Scope
	inst.inputType = rec.InputType
	inst.source = rec.Source
	inst.file = FileBinding{Original: rec.File}
	if rec.ModuleAlias != "" {
		inst.moduleAlias = rec.ModuleAlias
	}
	inst.defaultValue = rec.DefaultValue
	inst.defaultType = rec.DefaultType
	inst.createState = rec.CreateState
	inst.repeatDelayMs = rec.RepeatDelay
	inst.repeatRateMs = rec.RepeatRate
	inst.engineName = rec.EngineName
	inst.persistence = rec.Persistence
	inst.activation = rec.Activation
	inst.maxRepeatCount = rec.MaxRepeatCount
	if rec.StoredData != nil {
		inst.storedData = rec.StoredData
	}
	inst.flags = FlagUninitialized
	return inst, nil
}

// migrateV1 decodes the legacy numeric input_type field before falling
// through to the common field set; all other fields kept the same
// names and meaning between v1 and v2.
func migrateV1(raw json.RawMessage, rec *Record) error {
	var legacy struct {
		Record
		InputType json.Number `json:"input_type"`
	}
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return &apperrors.PersistenceError{Message: "malformed v1 instance record", Cause: err}
	}
	*rec = legacy.Record
	if f, err := legacy.InputType.Float64(); err == nil {
		if it, ok := legacyInputTypeNumbering[f]; ok {
			rec.InputType = it
		} else {
			rec.InputType = InputType(legacy.InputType.String())
		}
	} else {
		rec.InputType = InputType(legacy.InputType.String())
	}
	rec.Version = RecordVersion
	return nil
}
