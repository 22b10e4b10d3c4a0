// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit gates every outbound request to an upstream source.
//
// Each source owns a token bucket (golang.org/x/time/rate) refilled at the
// configured rate and capped at the burst size, plus a bounded priority wait
// queue drained by a single dispatcher goroutine. Callers either get a
// permit immediately, wait in the queue, or fail fast with KindRateLimited
// when the queue is full. On observed 429/5xx outcomes the effective rate is
// halved for a cooldown window and then recovers linearly; the configured
// limit is never mutated.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kuroibara/kuroibara/pkg/provider"
)

// Outcome summarizes how an upstream request went, for adaptive behavior.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeThrottled
	OutcomeServerError
	OutcomeTransport
)

// OutcomeFromStatus maps an HTTP status code onto an Outcome.
func OutcomeFromStatus(code int) Outcome {
	switch {
	case code == 429:
		return OutcomeThrottled
	case code >= 500:
		return OutcomeServerError
	default:
		return OutcomeOK
	}
}

// Permit authorizes one outbound call to a source. The caller must Release
// it when the call completes; Release is idempotent.
type Permit struct {
	SourceID string

	// Deadline is the per-request timeout configured for the source.
	Deadline time.Time

	release func()
	once    sync.Once
}

// Release returns the permit. Safe to call more than once.
func (p *Permit) Release() {
	if p.release != nil {
		p.once.Do(p.release)
	}
}

const (
	// cooldownWindow is how long the effective rate stays halved after a
	// throttling signal before linear recovery begins.
	cooldownWindow = 60 * time.Second

	// recoveryWindow is how long linear recovery back to the configured
	// rate takes once the cooldown has passed.
	recoveryWindow = 60 * time.Second

	minRateFactor = 0.125
)

// Controller is the process-wide rate gate. One instance serves all sources.
type Controller struct {
	log      *zap.Logger
	defaults provider.RateSpec

	mu      sync.Mutex
	sources map[string]*sourceLimiter
	closed  bool
}

// New creates a controller. defaults apply to sources configured with a
// zero-valued RateSpec field.
func New(log *zap.Logger, defaults provider.RateSpec) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		log:      log.Named("ratelimit"),
		defaults: normalize(defaults, Defaults()),
		sources:  make(map[string]*sourceLimiter),
	}
}

// Defaults returns the built-in fallback rate parameters. Runtime
// configuration always wins over these.
func Defaults() provider.RateSpec {
	return provider.RateSpec{
		Limit:       4,
		Window:      time.Second,
		Burst:       4,
		MinInterval: 0,
		MaxQueue:    64,
		MaxWait:     30 * time.Second,
	}
}

func normalize(spec, def provider.RateSpec) provider.RateSpec {
	if spec.Limit <= 0 {
		spec.Limit = def.Limit
	}
	if spec.Window <= 0 {
		spec.Window = def.Window
	}
	if spec.Burst <= 0 {
		spec.Burst = def.Burst
	}
	if spec.MaxQueue <= 0 {
		spec.MaxQueue = def.MaxQueue
	}
	if spec.MaxWait <= 0 {
		spec.MaxWait = def.MaxWait
	}
	return spec
}

// RateDefaults returns the parameters applied to sources without their own
// configuration.
func (c *Controller) RateDefaults() provider.RateSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaults
}

// SetRateDefaults replaces the fallback parameters. Limiters created before
// the change keep the values they were built with.
func (c *Controller) SetRateDefaults(spec provider.RateSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaults = normalize(spec, Defaults())
}

// Configure registers (or replaces) the limits for a source. Safe to call
// at any time; waiters already queued keep the limiter they joined.
func (c *Controller) Configure(sourceID string, spec provider.RateSpec, requestTimeout time.Duration) {
	if requestTimeout <= 0 {
		requestTimeout = 15 * time.Second
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if old, ok := c.sources[sourceID]; ok {
		old.stop()
	}
	sl := newSourceLimiter(c.log, sourceID, normalize(spec, c.defaults), requestTimeout)
	c.sources[sourceID] = sl
}

// Acquire blocks until a permit is available, the context is done, or the
// source's max wait elapses. Priority is higher-first; FIFO within a
// priority. A full queue fails immediately with KindRateLimited.
func (c *Controller) Acquire(ctx context.Context, sourceID string, priority int) (*Permit, error) {
	c.mu.Lock()
	sl, ok := c.sources[sourceID]
	if !ok && !c.closed {
		// Unconfigured sources get the defaults rather than free traffic.
		sl = newSourceLimiter(c.log, sourceID, c.defaults, 15*time.Second)
		c.sources[sourceID] = sl
		ok = true
	}
	c.mu.Unlock()
	if !ok {
		return nil, provider.Errorf(provider.KindCancelled, sourceID, "rate controller closed")
	}
	return sl.acquire(ctx, priority)
}

// ReportOutcome feeds an upstream response back into the adaptive limiter.
// Throttled and server-error outcomes halve the effective rate for the
// cooldown window.
func (c *Controller) ReportOutcome(sourceID string, outcome Outcome) {
	c.mu.Lock()
	sl := c.sources[sourceID]
	c.mu.Unlock()
	if sl == nil {
		return
	}
	sl.reportOutcome(outcome)
}

// QueueDepth reports how many callers are waiting on the source.
func (c *Controller) QueueDepth(sourceID string) int {
	c.mu.Lock()
	sl := c.sources[sourceID]
	c.mu.Unlock()
	if sl == nil {
		return 0
	}
	return sl.queueDepth()
}

// InFlight reports permits issued for the source and not yet released.
func (c *Controller) InFlight(sourceID string) int64 {
	c.mu.Lock()
	sl := c.sources[sourceID]
	c.mu.Unlock()
	if sl == nil {
		return 0
	}
	return sl.inflight.Load()
}

// Close stops all dispatchers. Queued waiters fail with KindCancelled.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, sl := range c.sources {
		sl.stop()
	}
}

// sourceLimiter is the per-source bucket + queue + dispatcher.
type sourceLimiter struct {
	log      *zap.Logger
	sourceID string
	spec     provider.RateSpec
	timeout  time.Duration

	limiter *rate.Limiter

	mu           sync.Mutex
	queue        *waitQueue
	lastDispatch time.Time
	factor       float64
	cooledAt     time.Time
	stopped      bool

	wake chan struct{}
	done chan struct{}

	inflight atomic.Int64
}

func newSourceLimiter(log *zap.Logger, sourceID string, spec provider.RateSpec, timeout time.Duration) *sourceLimiter {
	perSecond := float64(spec.Limit) / spec.Window.Seconds()
	sl := &sourceLimiter{
		log:      log,
		sourceID: sourceID,
		spec:     spec,
		timeout:  timeout,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), spec.Burst),
		queue:    newWaitQueue(spec.MaxQueue, spec.MaxWait),
		factor:   1.0,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go sl.dispatch()
	return sl
}

func (sl *sourceLimiter) baseRate() float64 {
	return float64(sl.spec.Limit) / sl.spec.Window.Seconds()
}

// effectiveRate applies the adaptive factor with linear recovery after the
// cooldown window. Caller holds sl.mu.
func (sl *sourceLimiter) effectiveRate(now time.Time) float64 {
	base := sl.baseRate()
	if sl.factor >= 1.0 {
		return base
	}
	sinceCooldown := now.Sub(sl.cooledAt) - cooldownWindow
	if sinceCooldown <= 0 {
		return base * sl.factor
	}
	if sinceCooldown >= recoveryWindow {
		sl.factor = 1.0
		return base
	}
	frac := float64(sinceCooldown) / float64(recoveryWindow)
	return base * (sl.factor + (1.0-sl.factor)*frac)
}

func (sl *sourceLimiter) reportOutcome(outcome Outcome) {
	if outcome != OutcomeThrottled && outcome != OutcomeServerError {
		return
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	now := time.Now()
	// Re-entering cooldown while already cooled keeps halving, floored so
	// the source never starves entirely.
	current := sl.factor
	if current >= 1.0 {
		current = 1.0
	}
	sl.factor = current / 2
	if sl.factor < minRateFactor {
		sl.factor = minRateFactor
	}
	sl.cooledAt = now
	sl.limiter.SetLimit(rate.Limit(sl.effectiveRate(now)))
	sl.log.Debug("rate halved after upstream pushback",
		zap.String("source", sl.sourceID),
		zap.Float64("factor", sl.factor))
}

func (sl *sourceLimiter) queueDepth() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.queue.len()
}

func (sl *sourceLimiter) newPermit() *Permit {
	sl.inflight.Inc()
	return &Permit{
		SourceID: sl.sourceID,
		Deadline: time.Now().Add(sl.timeout),
		release:  func() { sl.inflight.Dec() },
	}
}

func (sl *sourceLimiter) acquire(ctx context.Context, priority int) (*Permit, error) {
	// Fast path: empty queue, token available, spacing satisfied.
	sl.mu.Lock()
	if sl.stopped {
		sl.mu.Unlock()
		return nil, provider.Errorf(provider.KindCancelled, sl.sourceID, "rate controller closed")
	}
	now := time.Now()
	sl.limiter.SetLimit(rate.Limit(sl.effectiveRate(now)))
	spacingOK := sl.spec.MinInterval <= 0 || now.Sub(sl.lastDispatch) >= sl.spec.MinInterval
	if sl.queue.len() == 0 && spacingOK && sl.limiter.AllowN(now, 1) {
		sl.lastDispatch = now
		p := sl.newPermit()
		sl.mu.Unlock()
		return p, nil
	}

	w, err := sl.queue.push(ctx, sl.sourceID, priority)
	if err != nil {
		sl.mu.Unlock()
		return nil, err
	}
	sl.mu.Unlock()
	sl.signal()

	maxWait := time.NewTimer(sl.spec.MaxWait)
	defer maxWait.Stop()

	select {
	case <-w.ready:
		return sl.newPermit(), nil
	case <-ctx.Done():
		sl.remove(w)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, provider.NewError(provider.KindDeadline, sl.sourceID, "wait exceeded deadline", ctx.Err())
		}
		return nil, provider.NewError(provider.KindCancelled, sl.sourceID, "caller cancelled", ctx.Err())
	case <-maxWait.C:
		sl.remove(w)
		return nil, provider.Errorf(provider.KindRateLimited, sl.sourceID, "wait exceeded %s", sl.spec.MaxWait)
	case <-sl.done:
		return nil, provider.Errorf(provider.KindCancelled, sl.sourceID, "rate controller closed")
	}
}

func (sl *sourceLimiter) remove(w *waiter) {
	sl.mu.Lock()
	sl.queue.remove(w)
	sl.mu.Unlock()
}

func (sl *sourceLimiter) signal() {
	select {
	case sl.wake <- struct{}{}:
	default:
	}
}

// dispatch is the single goroutine that drains the queue. It waits until
// the bucket and the minimum inter-request interval both permit a dispatch,
// and only then pops the best waiter, so a high-priority caller arriving
// during the wait still overtakes older low-priority ones.
func (sl *sourceLimiter) dispatch() {
	for {
		sl.mu.Lock()
		if sl.stopped {
			sl.mu.Unlock()
			return
		}
		if sl.queue.len() == 0 {
			sl.mu.Unlock()
			select {
			case <-sl.wake:
				continue
			case <-sl.done:
				return
			}
		}

		now := time.Now()
		sl.limiter.SetLimit(rate.Limit(sl.effectiveRate(now)))
		res := sl.limiter.ReserveN(now, 1)
		delay := res.DelayFrom(now)
		if sl.spec.MinInterval > 0 {
			if gap := sl.spec.MinInterval - now.Sub(sl.lastDispatch); gap > delay {
				delay = gap
			}
		}
		if delay > 0 {
			// Not eligible yet. Return the token and sleep; selection
			// happens fresh on the next pass.
			res.Cancel()
			sl.mu.Unlock()
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-sl.done:
				t.Stop()
				return
			}
			t.Stop()
			continue
		}

		w := sl.queue.pop(now)
		if w == nil {
			// Everyone gave up while eligibility was being computed.
			res.CancelAt(now)
			sl.mu.Unlock()
			continue
		}
		sl.lastDispatch = now
		sl.mu.Unlock()
		close(w.ready)
	}
}

func (sl *sourceLimiter) stop() {
	sl.mu.Lock()
	if sl.stopped {
		sl.mu.Unlock()
		return
	}
	sl.stopped = true
	sl.queue.drain()
	sl.mu.Unlock()
	close(sl.done)
}
