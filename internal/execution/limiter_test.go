package execution

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_GlobalAndPerAgent(t *testing.T) {
	l := NewLimiter(2)

	assert.True(t, l.TryReserve("A", 1))
	assert.False(t, l.TryReserve("A", 1), "per-agent cap")
	assert.Equal(t, 1, l.Running(), "failed per-agent reservation returns the global slot")

	assert.True(t, l.TryReserve("B", 3))
	assert.False(t, l.TryReserve("C", 3), "global cap")

	l.Release("A")
	assert.True(t, l.TryReserve("C", 3))

	snap := l.Snapshot()
	assert.Equal(t, 2, snap.Max)
	assert.Equal(t, 2, snap.Running)
	assert.Equal(t, map[string]int{"B": 1, "C": 1}, snap.PerAgent)
}

func TestLimiter_SetGlobalMax(t *testing.T) {
	l := NewLimiter(1)
	assert.True(t, l.TryReserve("A", 5))
	assert.False(t, l.TryReserve("A", 5))

	l.SetGlobalMax(3)
	assert.True(t, l.TryReserve("A", 5))
	assert.True(t, l.TryReserve("A", 5))
	assert.False(t, l.TryReserve("A", 5))

	l.SetGlobalMax(1)
	assert.False(t, l.TryReserve("B", 1))
	assert.Equal(t, 3, l.Running())
}

func TestLimiter_ReleaseUnknownIsSafe(t *testing.T) {
	l := NewLimiter(1)
	l.Release("ghost")
	assert.Equal(t, 0, l.Running())
	assert.True(t, l.TryReserve("A", 1))
}

func TestLimiter_ConcurrentBounds(t *testing.T) {
	const globalMax, agentMax = 4, 2
	l := NewLimiter(globalMax)
	agents := []string{"A", "B", "C"}

	var global atomic.Int32
	per := map[string]*atomic.Int32{}
	for _, a := range agents {
		per[a] = &atomic.Int32{}
	}
	var violations atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := agents[i%len(agents)]
			for j := 0; j < 200; j++ {
				if !l.TryReserve(a, agentMax) {
					continue
				}
				if global.Add(1) > globalMax {
					violations.Add(1)
				}
				if per[a].Add(1) > agentMax {
					violations.Add(1)
				}
				per[a].Add(-1)
				global.Add(-1)
				l.Release(a)
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, violations.Load())
	assert.Equal(t, 0, l.Running())
}
