package engine

import (
	"math/rand/v2"
	"sync"
)

// MinInterval is the floor applied to every computed send interval, in
// milliseconds.
const MinInterval int64 = 1000

// Random is the randomness source used for jitter. *rand.Rand satisfies it.
type Random interface {
	Int64N(n int64) int64
}

// NextInterval returns baseMs plus a uniformly distributed offset in
// [-jitterMs, +jitterMs], never less than MinInterval.
func NextInterval(baseMs, jitterMs int64, rnd Random) int64 {
	interval := baseMs
	if jitterMs > 0 {
		if rnd == nil {
			rnd = globalRandom{}
		}
		interval += rnd.Int64N(2*jitterMs+1) - jitterMs
	}
	if interval < MinInterval {
		return MinInterval
	}
	return interval
}

type globalRandom struct{}

func (globalRandom) Int64N(n int64) int64 { return rand.Int64N(n) }

// lockedRandom serializes access to a caller-provided source, which is
// usually a *rand.Rand and not safe for concurrent use.
type lockedRandom struct {
	mu  sync.Mutex
	rnd Random
}

func (l *lockedRandom) Int64N(n int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rnd.Int64N(n)
}
