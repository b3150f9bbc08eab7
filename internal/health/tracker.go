// Package health tracks per-channel availability with a hysteresis state
// machine so that a burst of transient errors does not flap routing
// decisions. A channel only degrades after a run of consecutive failures
// and only recovers after a run of consecutive successes.
package health

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nadmax/dispatchcore/internal/metrics"
)

type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateLocked   State = "locked"
)

func (s State) gaugeValue() int {
	switch s {
	case StateDegraded:
		return 1
	case StateLocked:
		return 2
	default:
		return 0
	}
}

type Config struct {
	ErrThreshold int
	OKThreshold  int
	LockCooldown time.Duration
}

// ChannelDiagnostics is a plain snapshot of one channel, safe to expose on
// a status endpoint.
type ChannelDiagnostics struct {
	State             State         `json:"state"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	ConsecutiveOKs    int           `json:"consecutive_oks"`
	TotalErrors       int           `json:"total_errors"`
	TotalOKs          int           `json:"total_oks"`
	LastTransition    string        `json:"last_transition"`
	RemainingCooldown time.Duration `json:"remaining_cooldown"`
}

// channelState holds one channel's counters behind its own mutex so that
// unrelated channels never contend.
type channelState struct {
	mu             sync.Mutex
	name           string
	state          State
	consecErr      int
	consecOK       int
	totalErr       int
	totalOK        int
	lockedAt       time.Time
	lastTransition string
}

type Tracker struct {
	cfg Config

	mu       sync.Mutex
	channels map[string]*channelState

	now func() time.Time
}

func NewTracker(cfg Config) *Tracker {
	return &Tracker{
		cfg:      cfg,
		channels: make(map[string]*channelState),
		now:      time.Now,
	}
}

// channel returns the state for name, creating it lazily as healthy.
func (t *Tracker) channel(name string) *channelState {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.channels[name]
	if !ok {
		ch = &channelState{
			name:           name,
			state:          StateHealthy,
			lastTransition: "created",
		}
		t.channels[name] = ch
	}
	return ch
}

// expireLock moves a locked channel back to healthy once the cooldown has
// elapsed. Called with ch.mu held; there is no background timer, expiry is
// evaluated lazily on the next query.
func (t *Tracker) expireLock(ch *channelState) {
	if ch.state != StateLocked {
		return
	}
	if t.now().Sub(ch.lockedAt) < t.cfg.LockCooldown {
		return
	}
	t.transition(ch, StateHealthy, "lock cooldown expired")
	ch.consecErr = 0
	ch.consecOK = 0
}

// transition is called with ch.mu held.
func (t *Tracker) transition(ch *channelState, to State, reason string) {
	from := ch.state
	ch.state = to
	ch.lastTransition = fmt.Sprintf("%s -> %s: %s", from, to, reason)
	metrics.UpdateChannelState(ch.name, to.gaugeValue())
	log.Printf("channel %s: %s", ch.name, ch.lastTransition)
}

func (t *Tracker) RecordSuccess(name string) {
	ch := t.channel(name)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	t.expireLock(ch)

	ch.totalOK++
	ch.consecOK++
	ch.consecErr = 0

	switch ch.state {
	case StateDegraded:
		if ch.consecOK >= t.cfg.OKThreshold {
			t.transition(ch, StateHealthy, fmt.Sprintf("%d consecutive successes", ch.consecOK))
			ch.consecOK = 0
		}
	case StateLocked:
		// Early recovery: enough successes while still inside the
		// cooldown window unlock the channel.
		if ch.consecOK >= t.cfg.OKThreshold {
			t.transition(ch, StateHealthy, fmt.Sprintf("early recovery after %d successes", ch.consecOK))
			ch.consecOK = 0
		}
	}
}

func (t *Tracker) RecordFailure(name string) {
	ch := t.channel(name)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	t.expireLock(ch)

	ch.totalErr++
	ch.consecErr++
	ch.consecOK = 0
	metrics.RecordChannelFailure(name)

	if ch.state == StateHealthy && ch.consecErr >= t.cfg.ErrThreshold {
		t.transition(ch, StateDegraded, fmt.Sprintf("%d consecutive failures", ch.consecErr))
	}
}

// Lock quarantines a channel regardless of its counters, e.g. after an
// aborted failover. It stays locked until the cooldown elapses or enough
// successes are recorded.
func (t *Tracker) Lock(name, reason string) {
	ch := t.channel(name)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	t.transition(ch, StateLocked, reason)
	ch.lockedAt = t.now()
	ch.consecErr = 0
	ch.consecOK = 0
}

// Reset returns a channel to healthy with zero counters.
func (t *Tracker) Reset(name string) {
	ch := t.channel(name)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	t.transition(ch, StateHealthy, "explicit reset")
	ch.consecErr = 0
	ch.consecOK = 0
}

func (t *Tracker) IsUsable(name string) bool {
	return t.GetState(name) != StateLocked
}

func (t *Tracker) GetState(name string) State {
	ch := t.channel(name)
	ch.mu.Lock()
	defer ch.mu.Unlock()

	t.expireLock(ch)
	return ch.state
}

func (t *Tracker) Diagnostics() map[string]ChannelDiagnostics {
	t.mu.Lock()
	names := make([]string, 0, len(t.channels))
	for name := range t.channels {
		names = append(names, name)
	}
	t.mu.Unlock()

	out := make(map[string]ChannelDiagnostics, len(names))
	for _, name := range names {
		ch := t.channel(name)
		ch.mu.Lock()
		t.expireLock(ch)

		var cooldown time.Duration
		if ch.state == StateLocked {
			cooldown = t.cfg.LockCooldown - t.now().Sub(ch.lockedAt)
			if cooldown < 0 {
				cooldown = 0
			}
		}
		out[name] = ChannelDiagnostics{
			State:             ch.state,
			ConsecutiveErrors: ch.consecErr,
			ConsecutiveOKs:    ch.consecOK,
			TotalErrors:       ch.totalErr,
			TotalOKs:          ch.totalOK,
			LastTransition:    ch.lastTransition,
			RemainingCooldown: cooldown,
		}
		ch.mu.Unlock()
	}
	return out
}
