package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpaperno/DSEP4TP-sub000/internal/config"
	"github.com/mpaperno/DSEP4TP-sub000/internal/instance"
	"github.com/mpaperno/DSEP4TP-sub000/internal/jsengine"
)

type fakeEngines struct {
	e *jsengine.Engine
}

func (f *fakeEngines) Engine(name string) (*jsengine.Engine, bool) { return f.e, true }

type fakeResults struct {
	mu      sync.Mutex
	values  []any
	errs    []error
	results int
}

func (f *fakeResults) OnResult(instanceName string, value any, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values = append(f.values, value)
	f.errs = append(f.errs, err)
	f.results++
}

type fakeFinish struct {
	mu       sync.Mutex
	finished []string
}

func (f *fakeFinish) OnInstanceFinished(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, name)
}

func newTestEngine(t *testing.T) *jsengine.Engine {
	t.Helper()
	e := jsengine.New("test", jsengine.Deps{ProcessState: config.NewProcessState()})
	t.Cleanup(e.Shutdown)
	return e
}

func TestPressOnPressEvaluatesOnce(t *testing.T) {
	engine := newTestEngine(t)
	results := &fakeResults{}
	proc := config.NewProcessState()
	sched := New(&fakeEngines{e: engine}, proc, results, &fakeFinish{}, nil)

	i := instance.New("i1")
	it := instance.InputExpression
	src := "1 + 2"
	act := instance.ActivationOnPress
	require.NoError(t, i.Apply(instance.Update{InputType: &it, Source: &src, Activation: &act}))

	sched.Press(i)
	time.Sleep(50 * time.Millisecond)

	results.mu.Lock()
	defer results.mu.Unlock()
	require.GreaterOrEqual(t, results.results, 1)
	assert.Equal(t, int64(3), results.values[0])
}

func TestReleaseWithoutOnReleaseEmitsFinished(t *testing.T) {
	engine := newTestEngine(t)
	finish := &fakeFinish{}
	proc := config.NewProcessState()
	sched := New(&fakeEngines{e: engine}, proc, &fakeResults{}, finish, nil)

	i := instance.New("i2")
	sched.Press(i)
	sched.Release(i)

	finish.mu.Lock()
	defer finish.mu.Unlock()
	assert.Contains(t, finish.finished, "i2")
}

func TestCriticalErrorBlocksPress(t *testing.T) {
	engine := newTestEngine(t)
	results := &fakeResults{}
	proc := config.NewProcessState()
	sched := New(&fakeEngines{e: engine}, proc, results, &fakeFinish{}, nil)

	i := instance.New("i3") // Uninitialized => CriticalError
	sched.Press(i)

	assert.False(t, i.HasFlag(instance.FlagPressed))
}
