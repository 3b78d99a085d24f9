package dispatcher

import (
	"sync"
	"time"
)

const (
	failureThreshold = 3
	openDuration     = time.Minute
)

type breakerState struct {
	consecutiveFailures int
	openUntil           time.Time
}

// Breaker tracks consecutive upstream failures per provider/model pair and
// opens the pair for a cooldown once the threshold is hit. Candidates with an
// open breaker are skipped during fallback instead of burning a retry.
type Breaker struct {
	mu    sync.Mutex
	state map[string]*breakerState
	now   func() time.Time
}

func NewBreaker() *Breaker {
	return &Breaker{state: make(map[string]*breakerState), now: time.Now}
}

func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.state[key]
	if !ok {
		return true
	}
	return st.openUntil.Before(b.now())
}

func (b *Breaker) ReportSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.state[key]; ok {
		st.consecutiveFailures = 0
		st.openUntil = time.Time{}
	}
}

func (b *Breaker) ReportFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.state[key]
	if !ok {
		st = &breakerState{}
		b.state[key] = st
	}
	st.consecutiveFailures++
	if st.consecutiveFailures >= failureThreshold {
		st.openUntil = b.now().Add(openDuration)
	}
}
