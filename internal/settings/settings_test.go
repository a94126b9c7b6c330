package settings

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpaperno/DSEP4TP-sub000/internal/instance"
)

func TestOpenMissingFileYieldsEmptyStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, s.InstanceNames())
	assert.Equal(t, CurrentVersion, s.f.Version)
}

func TestSaveAndReloadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	s, err := Open(path)
	require.NoError(t, err)

	i := instance.New("MyScript")
	expr := "1+1"
	it := instance.InputExpression
	require.NoError(t, i.Apply(instance.Update{Source: &expr, InputType: &it}))

	require.NoError(t, s.PutInstance("MyScript", i.ToRecord("DynamicStates")))
	s.SetPlugin(PluginGroup{DefaultRepeatRateMs: 75, ScriptsBaseDir: "/scripts"})
	require.NoError(t, s.Save())

	reloaded, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"MyScript"}, reloaded.InstanceNames())
	assert.Equal(t, 75, reloaded.Plugin().DefaultRepeatRateMs)

	got, err := reloaded.LoadInstance("MyScript")
	require.NoError(t, err)
	assert.Equal(t, "MyScript", got.Name)
	snap, ok := got.Snapshot()
	require.True(t, ok)
	assert.Equal(t, "1+1", snap.Source)
}

func TestLoadInstanceUnknownNameErrors(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "settings.yaml"))
	require.NoError(t, err)
	_, err = s.LoadInstance("nope")
	assert.Error(t, err)
}

func TestRemoveInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	s, err := Open(path)
	require.NoError(t, err)

	i := instance.New("X")
	require.NoError(t, s.PutInstance("X", i.ToRecord("DynamicStates")))
	s.RemoveInstance("X")
	assert.Empty(t, s.InstanceNames())
}
