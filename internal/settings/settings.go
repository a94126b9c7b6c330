// Package settings implements the persisted settings file (SPEC_FULL
// §A.4, spec §6 "Persisted state"): a DynamicStates group mapping
// instance name to an opaque serialized instance record, a Plugin group
// holding the default repeat rate/delay and the scripts base directory,
// and a Settings Version key governing migration.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mpaperno/DSEP4TP-sub000/internal/apperrors"
	"github.com/mpaperno/DSEP4TP-sub000/internal/config"
	"github.com/mpaperno/DSEP4TP-sub000/internal/instance"
)

// CurrentVersion is the on-disk settings-file schema version. It is
// independent of instance.RecordVersion, which governs the opaque blob
// stored per instance, not the file shape around it.
const CurrentVersion = 1

// PluginGroup holds the plugin-wide settings named in spec §6.
type PluginGroup struct {
	DefaultRepeatRateMs  int    `yaml:"default_repeat_rate_ms"`
	DefaultRepeatDelayMs int    `yaml:"default_repeat_delay_ms"`
	ScriptsBaseDir       string `yaml:"scripts_base_dir"`
}

// file is the on-disk shape.
type file struct {
	Version       int               `yaml:"settings_version"`
	DynamicStates map[string]string `yaml:"dynamic_states"` // instance name -> opaque JSON instance.Record
	Plugin        PluginGroup       `yaml:"plugin"`
}

// Store owns the persisted settings file: load, save, and per-instance
// get/put/delete against the DynamicStates group.
type Store struct {
	path string

	mu sync.Mutex
	f  file
}

// Open loads path if it exists; a missing file is not an error, it
// yields an empty Store ready for first Save.
func Open(path string) (*Store, error) {
	s := &Store{path: path, f: file{Version: CurrentVersion, DynamicStates: map[string]string{}}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, &apperrors.PersistenceError{Message: "read settings file", Cause: err}
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &apperrors.PersistenceError{Message: "parse settings file", Cause: err}
	}
	if f.DynamicStates == nil {
		f.DynamicStates = map[string]string{}
	}
	s.f = migrate(f)
	return s, nil
}

// migrate upgrades an older settings-file version in place. There is
// currently only one version; a future migration adds cases here the
// way instance.migrateV1 does for the instance record itself.
func migrate(f file) file {
	f.Version = CurrentVersion
	return f
}

// Plugin returns the current Plugin group.
func (s *Store) Plugin() PluginGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Plugin
}

// SetPlugin replaces the Plugin group (called before Save at shutdown).
func (s *Store) SetPlugin(p PluginGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.f.Plugin = p
}

// PutInstance stores rec as name's opaque DynamicStates entry. Callers
// must not pass a Temporary instance's record (spec §3 invariant:
// "Temporary instances are never written").
func (s *Store) PutInstance(name string, rec instance.Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return &apperrors.PersistenceError{Message: "encode instance record", Cause: err}
	}
	s.mu.Lock()
	s.f.DynamicStates[name] = string(blob)
	s.mu.Unlock()
	return nil
}

// RemoveInstance deletes name's DynamicStates entry, if any.
func (s *Store) RemoveInstance(name string) {
	s.mu.Lock()
	delete(s.f.DynamicStates, name)
	s.mu.Unlock()
}

// InstanceNames lists every saved instance name.
func (s *Store) InstanceNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.f.DynamicStates))
	for name := range s.f.DynamicStates {
		out = append(out, name)
	}
	return out
}

// LoadInstance rebuilds an *instance.Instance from name's DynamicStates
// entry. A PersistenceError here is non-fatal per spec §7: "logged;
// that instance is skipped during load".
func (s *Store) LoadInstance(name string) (*instance.Instance, error) {
	s.mu.Lock()
	blob, ok := s.f.DynamicStates[name]
	s.mu.Unlock()
	if !ok {
		return nil, &apperrors.PersistenceError{Message: "no saved instance named " + name}
	}
	return instance.FromRecord(json.RawMessage(blob))
}

// Save atomically writes the settings file (write-to-temp-then-rename,
// matching the durability idiom used for other on-disk state in the
// pack rather than a bare os.WriteFile that can leave a half-written
// file on crash).
func (s *Store) Save() error {
	s.mu.Lock()
	f := s.f
	s.mu.Unlock()

	data, err := yaml.Marshal(f)
	if err != nil {
		return &apperrors.PersistenceError{Message: "encode settings file", Cause: err}
	}
	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &apperrors.PersistenceError{Message: "create settings directory", Cause: err}
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &apperrors.PersistenceError{Message: "write settings file", Cause: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return &apperrors.PersistenceError{Message: "rename settings file", Cause: err}
	}
	return nil
}

// SnapshotPlugin builds a PluginGroup from the live process state, for
// use just before Save at shutdown.
func SnapshotPlugin(proc *config.ProcessState) PluginGroup {
	return PluginGroup{
		DefaultRepeatRateMs:  proc.DefaultRepeatRateMs(),
		DefaultRepeatDelayMs: proc.DefaultRepeatDelayMs(),
		ScriptsBaseDir:       proc.ScriptsBaseDir(),
	}
}
