package hostbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpaperno/DSEP4TP-sub000/internal/config"
	"github.com/mpaperno/DSEP4TP-sub000/internal/registry"
	"github.com/mpaperno/DSEP4TP-sub000/internal/scheduler"
)

func newTestBridge(t *testing.T) (*Bridge, net.Conn) {
	t.Helper()
	proc := config.NewProcessState()
	b := New(proc, nil, nil)
	reg := registry.New(proc, nil, b, b)
	sched := scheduler.New(reg, proc, b, reg, nil)
	b.Attach(reg, sched)
	t.Cleanup(reg.Shutdown)

	hostSide, pluginSide := net.Pipe()
	go b.Serve(context.Background(), pluginSide)
	t.Cleanup(func() { hostSide.Close() })
	return b, hostSide
}

func writeLine(t *testing.T, conn net.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	data = append(data, '\n')
	_, err = conn.Write(data)
	require.NoError(t, err)
}

func TestActionEvalProducesStateUpdate(t *testing.T) {
	_, host := newTestBridge(t)
	reader := bufio.NewReader(host)

	writeLine(t, host, map[string]any{
		"type":     "action",
		"actionId": "tp.act.x.y.z.w.script.eval.X",
		"data": []map[string]string{
			{"id": "...name", "value": "X"},
			{"id": "...expr", "value": "1+2"},
			{"id": "...inputType", "value": "Expression"},
		},
	})

	deadline := time.Now().Add(2 * time.Second)
	var sawCreate, sawUpdate bool
	for time.Now().Before(deadline) && !(sawCreate && sawUpdate) {
		host.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		line, err := reader.ReadString('\n')
		if err != nil {
			continue
		}
		if contains(line, `"createState"`) {
			sawCreate = true
		}
		if contains(line, `"stateUpdate"`) && contains(line, `"3"`) {
			sawUpdate = true
		}
	}
	assert.True(t, sawUpdate, "expected a stateUpdate message with value 3")
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}

func TestParseActionIDExtractsHandlerAndOperation(t *testing.T) {
	seg := ParseActionID("tp.act.a.b.c.d.plugin.Reset")
	assert.Equal(t, "plugin", seg.Handler)
	assert.Equal(t, "Reset", seg.Operation)
	assert.Equal(t, "Reset", seg.InstanceName)
}

func TestFoldActionDataUsesLastDottedSegment(t *testing.T) {
	data := foldActionData([]actionDataItem{
		{ID: "tp.action.data.expr", Value: "1+1"},
		{ID: "name", Value: "X"},
	})
	assert.Equal(t, "1+1", data["expr"])
	assert.Equal(t, "X", data["name"])
}
