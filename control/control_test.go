package control

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector()
	c.ConnAccepted()
	c.ConnAccepted()
	c.ConnRejected()
	c.ConnClosed()
	c.ConnEvicted()
	c.FrameRejected()
	c.CallQueued(3)
	c.CallQueued(1)
	c.CallDone(10*time.Millisecond, nil)
	c.CallDone(30*time.Millisecond, errors.New("x"))

	s := c.Snapshot()
	assert.Equal(t, uint64(2), s.ConnsAccepted)
	assert.Equal(t, uint64(1), s.ConnsRejected)
	assert.Equal(t, uint64(1), s.ConnsClosed)
	assert.Equal(t, int64(1), s.ConnsOpen())
	assert.Equal(t, uint64(1), s.ConnsEvicted)
	assert.Equal(t, uint64(1), s.FramesRejected)
	assert.Equal(t, uint64(2), s.CallsQueued)
	assert.Equal(t, int64(3), s.MaxQueueDepth)
	assert.Equal(t, uint64(2), s.CallsDone)
	assert.Equal(t, uint64(1), s.CallsFailed)
	assert.Equal(t, 20*time.Millisecond, s.MeanLatency())
	assert.Zero(t, Snapshot{}.MeanLatency())
}

func TestCollector_ConcurrentMaxDepth(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			c.CallQueued(d)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(50), c.Snapshot().MaxQueueDepth)
	assert.Equal(t, uint64(50), c.Snapshot().CallsQueued)
}

func TestCollector_GetSnapshotMergesRegistry(t *testing.T) {
	c := NewCollector()
	c.Registry.Set("build", "dev")
	c.Registry.Set("calls_done", "shadowed")
	c.CallDone(time.Millisecond, nil)

	m := c.GetSnapshot()
	assert.Equal(t, "dev", m["build"])
	assert.Equal(t, uint64(1), m["calls_done"])
	assert.False(t, c.Registry.Updated().IsZero())
}

func TestDebugProbes(t *testing.T) {
	dp := NewDebugProbes()
	dp.RegisterProbe("b", func() any { return 2 })
	dp.RegisterProbe("a", func() any { return "one" })
	dp.RegisterProbe("bad", func() any { panic("nope") })

	assert.Equal(t, []string{"a", "b", "bad"}, dp.Names())
	state := dp.DumpState()
	assert.Equal(t, "one", state["a"])
	assert.Equal(t, 2, state["b"])
	assert.Equal(t, "probe panicked: nope", state["bad"])

	dp.UnregisterProbe("bad")
	_, ok := dp.DumpState()["bad"]
	require.False(t, ok)
}
