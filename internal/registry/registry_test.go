package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpaperno/DSEP4TP-sub000/internal/config"
	"github.com/mpaperno/DSEP4TP-sub000/internal/instance"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(config.NewProcessState(), nil, nil, nil)
	t.Cleanup(r.Shutdown)
	return r
}

func TestSharedEngineCreatedEagerly(t *testing.T) {
	r := newTestRegistry(t)
	_, ok := r.Engine(sharedEngineName)
	assert.True(t, ok)
}

func TestGetOrCreateBindsToSharedByDefault(t *testing.T) {
	r := newTestRegistry(t)
	i := r.GetOrCreate("a")
	assert.Equal(t, "Shared", i.EngineName())
	e, _ := r.Engine("Shared")
	assert.True(t, e.IsBound("a"))
}

func TestPrivateScopeCreatesEngineOnDemand(t *testing.T) {
	r := newTestRegistry(t)
	i := r.GetOrCreate("b")
	priv := instance.ScopePrivate
	require.NoError(t, i.Apply(instance.Update{Scope: &priv}))
	require.NoError(t, r.Rebind(context.Background(), i))

	e, ok := r.Engine("b")
	require.True(t, ok)
	assert.True(t, e.IsBound("b"))
}

func TestDeleteRemovesInstance(t *testing.T) {
	r := newTestRegistry(t)
	r.GetOrCreate("c")
	r.Delete("c")
	_, ok := r.Instance("c")
	assert.False(t, ok)
}

func TestOnInstanceFinishedRemovesOnlyTemporary(t *testing.T) {
	r := newTestRegistry(t)
	session := r.GetOrCreate("session1")
	temp := r.GetOrCreate("temp1")
	tempPersistence := instance.PersistenceTemporary
	require.NoError(t, temp.Apply(instance.Update{Persistence: &tempPersistence}))

	r.OnInstanceFinished("session1")
	r.OnInstanceFinished("temp1")

	_, sessionStillThere := r.Instance("session1")
	_, tempStillThere := r.Instance("temp1")
	assert.True(t, sessionStillThere)
	assert.False(t, tempStillThere)
}

func TestDeleteAllWithFilter(t *testing.T) {
	r := newTestRegistry(t)
	r.GetOrCreate("x")
	r.GetOrCreate("y")
	r.DeleteAll(Filter{Kind: FilterNamed, Name: "x"})

	_, xThere := r.Instance("x")
	_, yThere := r.Instance("y")
	assert.False(t, xThere)
	assert.True(t, yThere)
}
