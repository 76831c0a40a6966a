package conversation

import (
	"sync"
	"time"
)

// convState is the per-(agent, conversation key) bookkeeping. The turn
// count is a hard cap on replies by this agent in this key; past the cap
// the agent goes silent there until the state is evicted or reset.
type convState struct {
	turnCount   int
	lastReplyAt time.Time
	lastSeen    time.Time
}

// stateTracker owns every conversation state for one agent. It is only
// touched from the agent's single-writer loop, but stays mutex-guarded
// so status snapshots can read it.
type stateTracker struct {
	mu       sync.Mutex
	states   map[string]*convState
	eviction time.Duration
	now      func() time.Time
}

func newStateTracker(eviction time.Duration) *stateTracker {
	if eviction <= 0 {
		eviction = 2 * time.Hour
	}
	return &stateTracker{
		states:   make(map[string]*convState),
		eviction: eviction,
		now:      time.Now,
	}
}

// turns returns the reply count for a key, creating state on first touch.
func (t *stateTracker) turns(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.touch(key).turnCount
}

// recordReply bumps the turn counter after a successful post.
func (t *stateTracker) recordReply(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.touch(key)
	st.turnCount++
	st.lastReplyAt = t.now()
}

// reset clears one key (operator action) or, with "", every key.
func (t *stateTracker) reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if key == "" {
		t.states = make(map[string]*convState)
		return
	}
	delete(t.states, key)
}

// touch returns the state for key, sweeping stale entries as a side
// effect. Callers hold the lock.
func (t *stateTracker) touch(key string) *convState {
	now := t.now()
	for k, st := range t.states {
		if k != key && now.Sub(st.lastSeen) > t.eviction {
			delete(t.states, k)
		}
	}
	st, ok := t.states[key]
	if !ok {
		st = &convState{}
		t.states[key] = st
	}
	st.lastSeen = now
	return st
}

// size reports how many conversations are tracked.
func (t *stateTracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
