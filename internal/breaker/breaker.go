// Package breaker guards the shared downstream gateway with a circuit
// breaker: after a run of failures inside a rolling window it fails fast
// instead of hammering a dependency that is already down, then probes for
// recovery with a single call once a cooldown has elapsed.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nadmax/dispatchcore/internal/metrics"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func (s State) gaugeValue() int {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// ErrProbeRejected is returned to callers that arrive while another caller
// holds the half-open probe slot. It is not a hard failure: the breaker is
// mid-recovery and the caller should fall back, not count it against the
// dependency.
var ErrProbeRejected = errors.New("breaker half-open: probe already in flight")

// OpenError rejects a call before any I/O happens.
type OpenError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker open: %s (next probe in %.1fs)", e.Reason, e.RetryAfter.Seconds())
}

type Config struct {
	FailureThreshold int
	Window           time.Duration
	RecoveryTimeout  time.Duration
	ProbeTimeout     time.Duration
}

type Diagnostics struct {
	State            State         `json:"state"`
	FailureCount     int           `json:"failure_count"`
	FailureThreshold int           `json:"failure_threshold"`
	Window           time.Duration `json:"window"`
	TotalOpens       int           `json:"total_opens"`
	TotalProbes      int           `json:"total_probes"`
	RetryAfter       time.Duration `json:"retry_after"`
	ProbeInFlight    bool          `json:"probe_in_flight"`
	LastError        string        `json:"last_error,omitempty"`
}

// Breaker is shared by every task calling the same gateway and is safe for
// concurrent use. State transitions are evaluated lazily on each call or
// query; there is no background timer.
type Breaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	failures      int
	windowStart   time.Time
	openedAt      time.Time
	probeInFlight bool
	totalOpens    int
	totalProbes   int
	lastErr       string

	now func() time.Time
}

func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// refresh applies the lazy open -> half-open transition. Called with b.mu held.
func (b *Breaker) refresh() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.state = StateHalfOpen
		b.probeInFlight = false
		metrics.UpdateBreakerState(b.state.gaugeValue())
		log.Printf("breaker: open -> half_open, probing allowed")
	}
}

func (b *Breaker) retryAfter() time.Duration {
	left := b.cfg.RecoveryTimeout - b.now().Sub(b.openedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Call wraps one gateway invocation. While open it rejects immediately with
// *OpenError; while half-open the first caller takes the probe slot (with
// its own shorter timeout) and everyone else gets ErrProbeRejected.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	b.mu.Lock()
	b.refresh()

	switch b.state {
	case StateOpen:
		err := &OpenError{Reason: b.lastErr, RetryAfter: b.retryAfter()}
		b.mu.Unlock()
		return nil, err
	case StateHalfOpen:
		if b.probeInFlight {
			b.mu.Unlock()
			return nil, ErrProbeRejected
		}
		b.probeInFlight = true
		b.totalProbes++
		metrics.RecordBreakerProbe()
		b.mu.Unlock()

		// Release the slot even if fn panics; a wedged probe flag would
		// reject every future caller forever.
		defer func() {
			b.mu.Lock()
			b.probeInFlight = false
			b.mu.Unlock()
		}()

		probeCtx, cancel := context.WithTimeout(ctx, b.cfg.ProbeTimeout)
		defer cancel()

		result, err := fn(probeCtx)
		if err != nil {
			if ctx.Err() == nil {
				b.RecordFailure(err.Error())
			}
			return nil, err
		}
		b.RecordSuccess()
		return result, nil
	}
	b.mu.Unlock()

	result, err := fn(ctx)
	if err != nil {
		// An error after the caller's own context died is the caller
		// giving up, not a gateway verdict.
		if ctx.Err() == nil {
			b.RecordFailure(err.Error())
		}
		return nil, err
	}
	b.RecordSuccess()
	return result, nil
}

// RecordSuccess closes the breaker if a probe was in flight. Exposed
// standalone for callers that invoke the gateway themselves and only want
// the breaker's bookkeeping.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.failures = 0
		b.probeInFlight = false
		b.lastErr = ""
		metrics.UpdateBreakerState(b.state.gaugeValue())
		log.Printf("breaker: probe succeeded, half_open -> closed")
	}
}

// RecordFailure accumulates toward the threshold while closed and reopens
// immediately while half-open.
func (b *Breaker) RecordFailure(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh()
	b.lastErr = msg

	switch b.state {
	case StateHalfOpen:
		b.open("probe failed")
	case StateClosed:
		now := b.now()
		if b.failures == 0 || now.Sub(b.windowStart) > b.cfg.Window {
			// The window resets on the first failure after expiry,
			// not on every failure.
			b.windowStart = now
			b.failures = 1
		} else {
			b.failures++
		}
		if b.failures >= b.cfg.FailureThreshold {
			b.open(fmt.Sprintf("%d failures within window", b.failures))
		}
	}
}

// open is called with b.mu held.
func (b *Breaker) open(reason string) {
	b.state = StateOpen
	b.openedAt = b.now()
	b.probeInFlight = false
	b.totalOpens++
	metrics.UpdateBreakerState(b.state.gaugeValue())
	metrics.RecordBreakerOpened()
	log.Printf("breaker opened: %s", reason)
}

func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh()
	return b.state
}

func (b *Breaker) Diagnostics() Diagnostics {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh()

	var retry time.Duration
	if b.state == StateOpen {
		retry = b.retryAfter()
	}
	return Diagnostics{
		State:            b.state,
		FailureCount:     b.failures,
		FailureThreshold: b.cfg.FailureThreshold,
		Window:           b.cfg.Window,
		TotalOpens:       b.totalOpens,
		TotalProbes:      b.totalProbes,
		RetryAfter:       retry,
		ProbeInFlight:    b.probeInFlight,
		LastError:        b.lastErr,
	}
}
