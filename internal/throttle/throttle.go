// Package throttle slows down repeated authentication failures from the
// same key (remote address or username) without locking the key out
// entirely.
package throttle

import (
	"sync"
	"time"
)

// Throttle tracks recent failure counts per key and makes Throttle calls
// block briefly once a key has failed enough times in a row.
type Throttle struct {
	mu       sync.Mutex
	attempts map[string]state
	cleaned  time.Time
}

type state struct {
	last     time.Time
	failures int
}

// Throttle blocks the caller for a short delay if val has recently
// accumulated enough failures, and opportunistically sweeps stale entries.
func (tr *Throttle) Throttle(val string) {
	const delay = 3 * time.Second
	const window = 60 * time.Second
	const buffer = 10

	now := timeNow()

	tr.mu.Lock()
	if now.Sub(tr.cleaned) > window {
		for key, tm := range tr.attempts {
			if now.Sub(tm.last) > delay {
				delete(tr.attempts, key)
			}
		}
		tr.cleaned = now
	}
	st := tr.attempts[val]
	tr.mu.Unlock()

	if st.failures >= buffer && now.Sub(st.last) < delay {
		timeSleep(delay)
	}
}

// Add records a failed attempt for val.
func (tr *Throttle) Add(val string) {
	tr.mu.Lock()
	if tr.attempts == nil {
		tr.attempts = make(map[string]state)
	}
	st := tr.attempts[val]
	st.last = timeNow()
	st.failures++
	tr.attempts[val] = st
	tr.mu.Unlock()
}

var timeSleep = time.Sleep
var timeNow = time.Now
