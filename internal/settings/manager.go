package settings

import (
	"github.com/sirupsen/logrus"

	"github.com/mpaperno/DSEP4TP-sub000/internal/config"
	"github.com/mpaperno/DSEP4TP-sub000/internal/instance"
)

// Registry is the narrow slice of *registry.Registry the Manager needs:
// look up a live instance to save, or adopt a rebuilt one on load.
// Defined here (rather than depending on the registry package) so
// settings stays a leaf package, matching the EngineLookup/ResultSink
// style of narrow collaborator interfaces used across this codebase.
type Registry interface {
	Instance(name string) (*instance.Instance, bool)
	Adopt(i *instance.Instance)
}

// Manager implements hostbridge.SettingsSink: it dispatches the
// Save/Load/DeleteSavedInstance plugin-control operations (spec §4.7)
// against a Store, using reg to read and rehydrate live instances.
type Manager struct {
	store *Store
	reg   Registry
	proc  *config.ProcessState
	log   *logrus.Entry
}

// NewManager builds a Manager. log may be nil.
func NewManager(store *Store, reg Registry, proc *config.ProcessState, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Manager{store: store, reg: reg, proc: proc, log: log}
}

// Handle implements hostbridge.SettingsSink.
func (m *Manager) Handle(op string, data map[string]string) {
	name := data["name"]
	switch op {
	case "SaveInstance":
		m.saveInstance(name)
	case "LoadInstance":
		m.loadInstance(name)
	case "DeleteSavedInstance":
		m.store.RemoveInstance(name)
		if err := m.store.Save(); err != nil {
			m.log.WithError(err).Warn("settings save failed after DeleteSavedInstance")
		}
	}
}

func (m *Manager) saveInstance(name string) {
	i, ok := m.reg.Instance(name)
	if !ok {
		return
	}
	snap, ok := i.Snapshot()
	if !ok || snap.Persistence == instance.PersistenceTemporary {
		return
	}
	if err := m.store.PutInstance(name, i.ToRecord("DynamicStates")); err != nil {
		m.log.WithError(err).WithField("instance", name).Warn("failed to encode instance for save")
		return
	}
	if err := m.store.Save(); err != nil {
		m.log.WithError(err).WithField("instance", name).Warn("settings save failed")
	}
}

func (m *Manager) loadInstance(name string) {
	i, err := m.store.LoadInstance(name)
	if err != nil {
		m.log.WithError(err).WithField("instance", name).Warn("failed to load saved instance")
		return
	}
	m.reg.Adopt(i)
}

// RestoreAll adopts every saved, non-Temporary instance into the
// registry (spec §3: "created on first action naming it or on
// settings-restore"), called once at startup. A corrupt individual
// record is logged and skipped rather than aborting the whole restore
// (spec §7 PersistenceError handling).
func (m *Manager) RestoreAll() {
	for _, name := range m.store.InstanceNames() {
		i, err := m.store.LoadInstance(name)
		if err != nil {
			m.log.WithError(err).WithField("instance", name).Warn("skipping corrupt saved instance")
			continue
		}
		m.reg.Adopt(i)
	}
}

// SaveAll persists the Plugin group from live process state plus every
// currently registered Saved instance (spec §4.7 Close effect: "save
// persistent instances"). Session instances are intentionally not
// written: they exist only for the current process's lifetime.
func (m *Manager) SaveAll(instances []*instance.Instance) error {
	m.store.SetPlugin(SnapshotPlugin(m.proc))
	for _, i := range instances {
		snap, ok := i.Snapshot()
		if !ok || snap.Persistence != instance.PersistenceSaved {
			continue
		}
		if err := m.store.PutInstance(i.Name, i.ToRecord("DynamicStates")); err != nil {
			m.log.WithError(err).WithField("instance", i.Name).Warn("failed to encode instance for shutdown save")
			continue
		}
	}
	return m.store.Save()
}
