// Package budget enforces a per-request wall-clock allowance shared across
// every downstream candidate a dispatch loop may try in sequence.
package budget

import (
	"fmt"
	"log"
	"time"
)

// minCallTimeout is the floor for EffectiveCallTimeout. Handing a zero
// timeout to a call API usually means "no timeout", which is the opposite
// of what an exhausted budget intends.
const minCallTimeout = 10 * time.Millisecond

type ExceededError struct {
	Reason  string
	Elapsed time.Duration
	Total   time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("request budget exceeded at %q: elapsed %.3fs of %.3fs", e.Reason, e.Elapsed.Seconds(), e.Total.Seconds())
}

// Guard tracks one logical request's time allowance. It is pure bookkeeping
// over a monotonic clock and never blocks; it must not be shared across
// requests.
type Guard struct {
	label   string
	total   time.Duration
	perCall time.Duration
	start   time.Time
	now     func() time.Time
}

func New(label string, total, perCall time.Duration) *Guard {
	g := &Guard{
		label:   label,
		total:   total,
		perCall: perCall,
		now:     time.Now,
	}
	g.start = g.now()
	return g
}

func (g *Guard) Elapsed() time.Duration {
	return g.now().Sub(g.start)
}

// Remaining reports the time left in the budget, floored at zero. Once
// exhausted it stays exhausted.
func (g *Guard) Remaining() time.Duration {
	left := g.total - g.Elapsed()
	if left < 0 {
		return 0
	}
	return left
}

func (g *Guard) IsExceeded() bool {
	return g.Remaining() <= 0
}

// Checkpoint returns an *ExceededError if the budget is gone. Call it at
// the top of each candidate-loop iteration so a multi-candidate request
// stops immediately instead of starting another doomed attempt.
func (g *Guard) Checkpoint(reason string) error {
	if g.IsExceeded() {
		return &ExceededError{
			Reason:  reason,
			Elapsed: g.Elapsed(),
			Total:   g.total,
		}
	}
	return nil
}

// EffectiveCallTimeout returns the timeout to hand to a single downstream
// call: the per-call ceiling capped by what remains of the overall budget,
// never less than minCallTimeout.
func (g *Guard) EffectiveCallTimeout() time.Duration {
	t := g.perCall
	if left := g.Remaining(); left < t {
		t = left
	}
	if t < minCallTimeout {
		t = minCallTimeout
	}
	return t
}

// Release logs the guard's final accounting. Call it when the request
// finishes regardless of outcome.
func (g *Guard) Release() {
	log.Printf("budget %s released: elapsed %.3fs of %.3fs", g.label, g.Elapsed().Seconds(), g.total.Seconds())
}
