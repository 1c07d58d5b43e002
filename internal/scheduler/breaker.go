package scheduler

import (
	"sync"
	"time"
)

// Breaker trips a workspace after a run of consecutive failures inside a
// rolling window. It never closes on its own; an operator resets it after
// looking at why the workspace was failing.
type Breaker struct {
	threshold int
	window    time.Duration
	now       func() time.Time

	mu           sync.Mutex
	open         bool
	consecutive  int
	firstFailure time.Time
	openedAt     time.Time
}

func NewBreaker(threshold int, window time.Duration, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{threshold: threshold, window: window, now: now}
}

func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.open
}

// RecordFailure counts a failed execution; returns true when this one tripped
// the breaker.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return false
	}
	now := b.now()
	if b.consecutive == 0 || now.Sub(b.firstFailure) > b.window {
		b.consecutive = 1
		b.firstFailure = now
		if b.threshold <= 1 {
			b.open = true
			b.openedAt = now
			return true
		}
		return false
	}
	b.consecutive++
	if b.consecutive >= b.threshold {
		b.open = true
		b.openedAt = now
		return true
	}
	return false
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		b.consecutive = 0
	}
}

// Reset closes the breaker. Manual operation only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.consecutive = 0
}

// State reports the breaker for status endpoints.
type BreakerState struct {
	Open        bool       `json:"open"`
	Consecutive int        `json:"consecutive_failures"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := BreakerState{Open: b.open, Consecutive: b.consecutive}
	if b.open {
		t := b.openedAt
		st.OpenedAt = &t
	}
	return st
}
