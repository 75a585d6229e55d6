package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/cairn/internal/model"
)

type chanSink struct {
	mu     sync.Mutex
	events []model.TriggerEvent
}

func (c *chanSink) Enqueue(ev model.TriggerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *chanSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func scheduled(code, expr string) *model.AgentDefinition {
	return &model.AgentDefinition{
		Code:    code,
		Trigger: model.TriggerRule{Event: model.EventScheduled, Schedule: expr},
	}
}

func TestTick_FiresDueAgents(t *testing.T) {
	sink := &chanSink{}
	s := New([]*model.AgentDefinition{
		scheduled("DG", "0 9 * * *"),
		scheduled("HR", "0 * * * *"),
		{Code: "NS"},
	}, sink, time.Minute, zerolog.Nop())
	assert.Equal(t, 2, s.Len())

	at := func(h, m, sec int) time.Time { return time.Date(2026, 3, 14, h, m, sec, 0, time.Local) }

	assert.ElementsMatch(t, []string{"DG", "HR"}, s.Tick(at(9, 0, 30)))
	assert.Empty(t, s.Tick(at(9, 1, 30)), "outside the tick window")
	assert.Equal(t, []string{"HR"}, s.Tick(at(10, 0, 0)))

	require.Equal(t, 3, sink.len())
	ev := sink.events[0]
	assert.Equal(t, model.EventScheduled, ev.Kind)
	assert.Equal(t, "", ev.Path)
	assert.NotEmpty(t, ev.Agent)
}

func TestTick_WiderInterval(t *testing.T) {
	sink := &chanSink{}
	s := New([]*model.AgentDefinition{scheduled("Q", "*/15 * * * *")}, sink, 5*time.Minute, zerolog.Nop())

	at := time.Date(2026, 3, 14, 10, 17, 0, 0, time.Local)
	assert.Equal(t, []string{"Q"}, s.Tick(at))
	assert.Empty(t, s.Tick(at.Add(5*time.Minute)))
}

func TestNew_SkipsInvalid(t *testing.T) {
	s := New([]*model.AgentDefinition{scheduled("BAD", "every day")}, &chanSink{}, time.Minute, zerolog.Nop())
	assert.Equal(t, 0, s.Len())
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := New([]*model.AgentDefinition{scheduled("EV", "* * * * *")}, &chanSink{}, 10*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
