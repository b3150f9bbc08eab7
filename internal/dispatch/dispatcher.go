// Package dispatch composes the admission queue, channel health tracker,
// circuit breaker, and request budget guard into the candidate loop that
// callers run per request: try each downstream channel in order until one
// succeeds, the budget runs out, or every candidate is exhausted.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nadmax/dispatchcore/internal/breaker"
	"github.com/nadmax/dispatchcore/internal/budget"
	"github.com/nadmax/dispatchcore/internal/health"
	"github.com/nadmax/dispatchcore/internal/metrics"
	"github.com/nadmax/dispatchcore/internal/queue"
)

// Candidate is one downstream option for a request. Candidates routed via
// the shared gateway go through the circuit breaker; direct candidates
// (e.g. a local inference server) do not.
type Candidate struct {
	Channel    string
	ViaGateway bool
	Invoke     func(ctx context.Context) (any, error)
}

type Config struct {
	TotalBudget   time.Duration
	PerCallBudget time.Duration
}

type Dispatcher struct {
	queue   *queue.Queue
	tracker *health.Tracker
	breaker *breaker.Breaker
	cfg     Config
}

func New(q *queue.Queue, tracker *health.Tracker, b *breaker.Breaker, cfg Config) *Dispatcher {
	return &Dispatcher{
		queue:   q,
		tracker: tracker,
		breaker: b,
		cfg:     cfg,
	}
}

// Submit admits one request whose unit of work is the candidate loop.
func (d *Dispatcher) Submit(name, contextID string, priority int, candidates []Candidate) (string, error) {
	return d.queue.Submit(name, contextID, priority, func(ctx context.Context) (any, error) {
		return d.runCandidates(ctx, name, candidates)
	})
}

// runCandidates owns exactly one budget guard for the duration of the
// request. The total wall-clock wait stays bounded no matter how many
// candidates are attempted.
func (d *Dispatcher) runCandidates(ctx context.Context, name string, candidates []Candidate) (any, error) {
	guard := budget.New(name, d.cfg.TotalBudget, d.cfg.PerCallBudget)
	defer guard.Release()

	var lastErr error
	attempted := 0

	for _, c := range candidates {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request %q interrupted: %w", name, ctx.Err())
		}
		if err := guard.Checkpoint(c.Channel); err != nil {
			metrics.RecordBudgetExhausted()
			return nil, fmt.Errorf("request %q aborted: %w", name, err)
		}
		if !d.tracker.IsUsable(c.Channel) {
			log.Printf("request %q: skipping locked channel %s", name, c.Channel)
			continue
		}

		attempted++
		timed := func(parent context.Context) (any, error) {
			callCtx, cancel := context.WithTimeout(parent, guard.EffectiveCallTimeout())
			defer cancel()
			return c.Invoke(callCtx)
		}

		var result any
		var err error
		if c.ViaGateway {
			result, err = d.breaker.Call(ctx, timed)
		} else {
			result, err = timed(ctx)
		}

		if err == nil {
			d.tracker.RecordSuccess(c.Channel)
			return result, nil
		}

		// The queue owns the parent context. Once it has cancelled the
		// request (SLA abort or shutdown) any error out of a candidate
		// says nothing about the channel, so it must not mark health.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request %q interrupted: %w", name, ctx.Err())
		}
		lastErr = err

		// Breaker rejections happen before any I/O and say nothing
		// about the channel itself, so they do not feed the tracker.
		var open *breaker.OpenError
		if errors.As(err, &open) || errors.Is(err, breaker.ErrProbeRejected) {
			log.Printf("request %q: gateway rejected candidate %s: %v", name, c.Channel, err)
			continue
		}

		d.tracker.RecordFailure(c.Channel)
		log.Printf("request %q: candidate %s failed: %v", name, c.Channel, err)
	}

	// Every candidate is gone; surface one clear terminal message
	// instead of the last low-level error verbatim.
	if attempted == 0 {
		return nil, fmt.Errorf("request %q failed: no usable channel", name)
	}
	return nil, fmt.Errorf("request %q failed: all %d attempted candidates unavailable (last: %v)", name, attempted, lastErr)
}
