package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/cairn/internal/model"
)

func TestEventQueue_FIFO(t *testing.T) {
	q := NewEventQueue()
	q.Enqueue(model.TriggerEvent{Path: "a.md"})
	q.Enqueue(model.TriggerEvent{Path: "b.md"})
	assert.Equal(t, 2, q.Len())

	ev, ok := q.Pop(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, "a.md", ev.Path)
	ev, ok = q.Pop(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, "b.md", ev.Path)
	assert.Equal(t, 0, q.Len())
}

func TestEventQueue_PopTimeout(t *testing.T) {
	q := NewEventQueue()
	start := time.Now()
	_, ok := q.Pop(context.Background(), 30*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestEventQueue_PopWakesOnEnqueue(t *testing.T) {
	q := NewEventQueue()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Enqueue(model.TriggerEvent{Path: "late.md"})
	}()
	ev, ok := q.Pop(context.Background(), 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, "late.md", ev.Path)
}

func TestEventQueue_PopCancelled(t *testing.T) {
	q := NewEventQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.Pop(ctx, 5*time.Second)
	assert.False(t, ok)
}

func TestEventQueue_Extract(t *testing.T) {
	q := NewEventQueue()
	q.Enqueue(model.TriggerEvent{Path: "a.md", Kind: model.EventCreated})
	q.Enqueue(model.TriggerEvent{Path: ".cairn/config.yaml", Kind: model.EventConfigChanged})
	q.Enqueue(model.TriggerEvent{Path: "b.md", Kind: model.EventCreated})

	ev, ok := q.Extract(isConfigChanged)
	require.True(t, ok)
	assert.Equal(t, model.EventConfigChanged, ev.Kind)

	_, ok = q.Extract(isConfigChanged)
	assert.False(t, ok)

	ev, _ = q.Pop(context.Background(), time.Second)
	assert.Equal(t, "a.md", ev.Path)
	ev, _ = q.Pop(context.Background(), time.Second)
	assert.Equal(t, "b.md", ev.Path)
}
