package settings

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpaperno/DSEP4TP-sub000/internal/config"
	"github.com/mpaperno/DSEP4TP-sub000/internal/instance"
)

type fakeRegistry struct {
	instances map[string]*instance.Instance
	adopted   []*instance.Instance
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{instances: map[string]*instance.Instance{}}
}

func (f *fakeRegistry) Instance(name string) (*instance.Instance, bool) {
	i, ok := f.instances[name]
	return i, ok
}

func (f *fakeRegistry) Adopt(i *instance.Instance) {
	f.instances[i.Name] = i
	f.adopted = append(f.adopted, i)
}

func TestManagerSaveThenLoadInstance(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "settings.yaml"))
	require.NoError(t, err)
	reg := newFakeRegistry()

	saved := instance.New("Counter")
	expr := "counter++"
	it := instance.InputExpression
	saveMode := instance.PersistenceSaved
	require.NoError(t, saved.Apply(instance.Update{Source: &expr, InputType: &it, Persistence: &saveMode}))
	reg.instances["Counter"] = saved

	mgr := NewManager(store, reg, config.NewProcessState(), nil)
	mgr.Handle("SaveInstance", map[string]string{"name": "Counter"})
	assert.Contains(t, store.InstanceNames(), "Counter")

	mgr.Handle("LoadInstance", map[string]string{"name": "Counter"})
	require.Len(t, reg.adopted, 1)
	assert.Equal(t, "Counter", reg.adopted[0].Name)
}

func TestManagerSkipsTemporaryInstancesOnSave(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "settings.yaml"))
	require.NoError(t, err)
	reg := newFakeRegistry()

	temp := instance.New("Flash")
	tempMode := instance.PersistenceTemporary
	require.NoError(t, temp.Apply(instance.Update{Persistence: &tempMode}))
	reg.instances["Flash"] = temp

	mgr := NewManager(store, reg, config.NewProcessState(), nil)
	mgr.Handle("SaveInstance", map[string]string{"name": "Flash"})
	assert.NotContains(t, store.InstanceNames(), "Flash")
}

func TestManagerDeleteSavedInstance(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "settings.yaml"))
	require.NoError(t, err)
	require.NoError(t, store.PutInstance("Old", instance.New("Old").ToRecord("DynamicStates")))
	require.NoError(t, store.Save())

	reg := newFakeRegistry()
	mgr := NewManager(store, reg, config.NewProcessState(), nil)
	mgr.Handle("DeleteSavedInstance", map[string]string{"name": "Old"})
	assert.NotContains(t, store.InstanceNames(), "Old")
}

func TestRestoreAllAdoptsEverySavedInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.PutInstance("A", instance.New("A").ToRecord("DynamicStates")))
	require.NoError(t, store.PutInstance("B", instance.New("B").ToRecord("DynamicStates")))
	require.NoError(t, store.Save())

	reloaded, err := Open(path)
	require.NoError(t, err)
	reg := newFakeRegistry()
	mgr := NewManager(reloaded, reg, config.NewProcessState(), nil)
	mgr.RestoreAll()
	assert.Len(t, reg.adopted, 2)
}
