package execution

import "sync"

// Limiter is the two-level admission gate: a global cap shared by every agent and a
// per-agent cap supplied by each agent's definition. Both counters change together
// under one mutex, so no interleaving can exceed either bound.
type Limiter struct {
	mu       sync.Mutex
	max      int
	running  int
	perAgent map[string]int
}

func NewLimiter(max int) *Limiter {
	if max <= 0 {
		max = 1
	}
	return &Limiter{max: max, perAgent: make(map[string]int)}
}

// TryReserve takes a global slot and then a slot for agent. If the agent is at
// agentMax the global slot is returned and the reservation fails.
func (l *Limiter) TryReserve(agent string, agentMax int) bool {
	if agentMax <= 0 {
		agentMax = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running >= l.max {
		return false
	}
	l.running++
	if l.perAgent[agent] >= agentMax {
		l.running--
		return false
	}
	l.perAgent[agent]++
	return true
}

// Release returns the slots taken by a successful TryReserve.
func (l *Limiter) Release(agent string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running > 0 {
		l.running--
	}
	if n := l.perAgent[agent]; n > 1 {
		l.perAgent[agent] = n - 1
	} else {
		delete(l.perAgent, agent)
	}
}

// SetGlobalMax changes the global cap. Executions already admitted above a lowered
// cap keep running; new reservations wait until the count drops.
func (l *Limiter) SetGlobalMax(max int) {
	if max <= 0 {
		max = 1
	}
	l.mu.Lock()
	l.max = max
	l.mu.Unlock()
}

// LimiterSnapshot is a point-in-time copy of the counters.
type LimiterSnapshot struct {
	Max      int            `json:"max_concurrent"`
	Running  int            `json:"running"`
	PerAgent map[string]int `json:"per_agent"`
}

func (l *Limiter) Snapshot() LimiterSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	per := make(map[string]int, len(l.perAgent))
	for k, v := range l.perAgent {
		per[k] = v
	}
	return LimiterSnapshot{Max: l.max, Running: l.running, PerAgent: per}
}

// Running returns the number of reserved global slots.
func (l *Limiter) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
