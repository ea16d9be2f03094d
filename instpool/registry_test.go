package instpool

import (
	"log"
	"testing"

	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/batchserv/batch"
)

func newTestRegistry(changed func()) *Registry {
	logger := logharbour.NewLogger(&logharbour.LoggerContext{}, "test", log.Writer())
	return New(logger, changed)
}

func TestSelectAndReserveFirstFit(t *testing.T) {
	r := newTestRegistry(nil)
	r.Add("worker-a", "standard", 16000)
	r.Add("worker-b", "standard", 16000)
	r.Activate("worker-a", "10.0.0.1")
	r.Activate("worker-b", "10.0.0.2")

	// fill worker-a partially so it is the tighter fit
	inst, ok := r.SelectAndReserve("standard", 12000)
	require.True(t, ok)
	first := inst.Name

	// the next small job packs onto the nearly-full instance
	inst, ok = r.SelectAndReserve("standard", 1000)
	require.True(t, ok)
	assert.Equal(t, first, inst.Name)

	// too big for the remaining 3000 on first; goes to the other worker
	inst, ok = r.SelectAndReserve("standard", 8000)
	require.True(t, ok)
	assert.NotEqual(t, first, inst.Name)

	// nothing can hold 16 cores now
	_, ok = r.SelectAndReserve("standard", 16000)
	assert.False(t, ok)
}

func TestSelectTieBrokenByName(t *testing.T) {
	r := newTestRegistry(nil)
	r.Add("worker-b", "standard", 8000)
	r.Add("worker-a", "standard", 8000)
	r.Activate("worker-a", "10.0.0.1")
	r.Activate("worker-b", "10.0.0.2")

	inst, ok := r.SelectAndReserve("standard", 1000)
	require.True(t, ok)
	assert.Equal(t, "worker-a", inst.Name)
}

func TestOnlyActiveInstancesReceiveDispatch(t *testing.T) {
	r := newTestRegistry(nil)
	r.Add("worker-a", "standard", 8000)

	_, ok := r.SelectAndReserve("standard", 1000)
	assert.False(t, ok, "pending instance must not be selected")

	r.Activate("worker-a", "10.0.0.1")
	_, ok = r.SelectAndReserve("standard", 1000)
	assert.True(t, ok)

	r.Deactivate("worker-a")
	_, ok = r.SelectAndReserve("standard", 1000)
	assert.False(t, ok, "inactive instance must not be selected")
}

func TestReleaseSignalsScheduler(t *testing.T) {
	signals := 0
	r := newTestRegistry(func() { signals++ })
	r.Add("worker-a", "standard", 8000)
	r.Activate("worker-a", "10.0.0.1")
	signals = 0

	inst, ok := r.SelectAndReserve("standard", 8000)
	require.True(t, ok)
	assert.Equal(t, 0, inst.FreeCoresMcpu)

	r.Release("worker-a", 8000)
	assert.Equal(t, 1, signals)
	assert.Equal(t, int64(8000), r.FreeCoresMcpu("standard"))

	// release never pushes the gauge past total cores
	r.Release("worker-a", 4000)
	got, _ := r.Get("worker-a")
	assert.Equal(t, 8000, got.FreeCoresMcpu)
}

func TestReloadRecomputesFreeCores(t *testing.T) {
	r := newTestRegistry(nil)
	rows := []Instance{
		{Name: "worker-a", Pool: "standard", State: batch.InstanceStateActive, CoresMcpu: 16000},
		{Name: "worker-b", Pool: "highmem", State: batch.InstanceStateActive, CoresMcpu: 8000},
	}
	r.Reload(rows, map[string]int{"worker-a": 5000})

	a, ok := r.Get("worker-a")
	require.True(t, ok)
	assert.Equal(t, 11000, a.FreeCoresMcpu)

	b, ok := r.Get("worker-b")
	require.True(t, ok)
	assert.Equal(t, 8000, b.FreeCoresMcpu)

	assert.Len(t, r.List(), 2)
}
