package instance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsUninitialized(t *testing.T) {
	i := New("  My   Instance  ")
	assert.Equal(t, "My Instance", i.Name)
	assert.True(t, i.HasFlag(FlagUninitialized))
}

func TestApplyExpressionRequiresSource(t *testing.T) {
	i := New("expr1")
	it := InputExpression
	err := i.Apply(Update{InputType: &it})
	require.Error(t, err)
	assert.True(t, i.HasFlag(FlagPropertyError))

	src := "1 + 1"
	err = i.Apply(Update{Source: &src})
	require.NoError(t, err)
	assert.False(t, i.HasFlag(FlagPropertyError))
}

func TestApplyScriptFileRequiresExistingFile(t *testing.T) {
	i := New("file1")
	it := InputScriptFile
	err := i.Apply(Update{InputType: &it, File: &FileBinding{Original: "missing.js"}})
	require.Error(t, err)
	assert.True(t, i.HasFlag(FlagFileLoadError))

	err = i.MarkFileResolved("/tmp/missing.js", time.Now(), true)
	require.NoError(t, err)
	assert.False(t, i.HasFlag(FlagFileLoadError))
}

func TestEngineNameResolution(t *testing.T) {
	i := New("priv1")
	scope := ScopePrivate
	require.NoError(t, i.Apply(Update{Scope: &scope}))
	assert.Equal(t, "priv1", i.EngineName())

	name := "engineA"
	require.NoError(t, i.Apply(Update{EngineName: &name}))
	assert.Equal(t, "engineA", i.EngineName())

	shared := ScopeShared
	require.NoError(t, i.Apply(Update{Scope: &shared}))
	assert.Equal(t, "Shared", i.EngineName())
}

func TestRepeaterIDMonotonic(t *testing.T) {
	i := New("rep1")
	a := i.NextRepeaterID()
	b := i.NextRepeaterID()
	assert.Less(t, a, b)
	assert.Equal(t, b, i.RepeaterID())
}

func TestStoredDataRoundTrip(t *testing.T) {
	i := New("sd1")
	i.SetStoredData(map[string]any{"count": float64(3)})
	got := i.StoredData()
	assert.Equal(t, float64(3), got["count"])

	// Mutating the returned copy must not affect the instance's state.
	got["count"] = float64(99)
	assert.Equal(t, float64(3), i.StoredData()["count"])
}

func TestToRecordCapturesCurrentFields(t *testing.T) {
	i := New("persisted1")
	it := InputExpression
	src := "Date.now()"
	require.NoError(t, i.Apply(Update{InputType: &it, Source: &src}))
	rec := i.ToRecord("MyCategory")
	assert.Equal(t, RecordVersion, rec.Version)
	assert.Equal(t, "persisted1", rec.Name)
	assert.Equal(t, "Date.now()", rec.Source)
}
