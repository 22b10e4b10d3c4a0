// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package health maintains per-source operational status. A supervisor
// schedules periodic probes into a small worker pool; results fold into
// immutable status snapshots swapped in atomically, so readers never block
// writers. Admissibility (IsHealthy) is what the search engine consults
// before dispatching to a source.
package health

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/kuroibara/kuroibara/pkg/provider"
)

// Status is the operational state of one source.
type Status string

const (
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
	StatusUnknown  Status = "unknown"
	StatusTesting  Status = "testing"
	StatusDisabled Status = "disabled"
)

// SourceStatus is an immutable snapshot of one source's health. Mutation
// always builds a fresh copy and swaps the pointer.
type SourceStatus struct {
	SourceID string        `json:"sourceId"`
	Tier     provider.Tier `json:"tier"`
	Status   Status        `json:"status"`

	LastProbe   time.Time `json:"lastProbe"`
	LastSuccess time.Time `json:"lastSuccess"`

	// ResponseTimeMS is an EMA over probe latencies.
	ResponseTimeMS float64 `json:"responseTimeMs"`

	ConsecutiveFailures int     `json:"consecutiveFailures"`
	TotalProbes         int64   `json:"totalProbes"`
	SuccessfulProbes    int64   `json:"successfulProbes"`
	UptimePercent       float64 `json:"uptimePercent"`

	LastErrorKind    provider.Kind `json:"lastErrorKind,omitempty"`
	LastErrorMessage string        `json:"lastErrorMessage,omitempty"`

	Enabled          bool          `json:"enabled"`
	CheckInterval    time.Duration `json:"checkInterval"`
	FailureThreshold int           `json:"failureThreshold"`
}

const (
	defaultWorkers       = 5
	defaultCheckInterval = 10 * time.Minute
	defaultThreshold     = 3
	probeHardTimeout     = 30 * time.Second
	startupStagger       = 200 * time.Millisecond
	latencyAlpha         = 0.3
)

type cell struct {
	source provider.Source
	status atomic.Pointer[SourceStatus]
	next   time.Time // next scheduled probe, supervisor-owned
}

// Monitor owns every SourceStatus. One Monitor instance serializes all
// status transitions behind its mutex; readers go through the atomic
// snapshot pointers and never contend.
type Monitor struct {
	log     *zap.Logger
	workers int

	mu    sync.Mutex
	cells map[string]*cell
	order []string

	probeCh chan string

	// onRecover fires when a down source probes healthy again.
	onRecover func(sourceID string)

	store StatusStore
}

// StatusStore persists status snapshots so uptime counters survive
// restarts. The monitor treats persistence as best effort.
type StatusStore interface {
	SaveSourceStatus(sourceID string, v interface{}) error
	LoadSourceStatus(sourceID string, out interface{}) error
}

// Option tweaks Monitor construction.
type Option func(*Monitor)

// WithWorkers sets the probe worker pool size.
func WithWorkers(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithRecoveryHook registers a callback fired on down→active transitions.
// The search cache uses it to invalidate stale pages.
func WithRecoveryHook(f func(sourceID string)) Option {
	return func(m *Monitor) { m.onRecover = f }
}

// WithStatusStore persists snapshots on every transition and seeds the
// historical counters from the previous run at startup.
func WithStatusStore(store StatusStore) Option {
	return func(m *Monitor) { m.store = store }
}

// New builds a monitor over the given sources. disabled maps source ids that
// must start (and stay) disabled to the reason.
func New(log *zap.Logger, sources []provider.Source, disabled map[string]string, opts ...Option) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Monitor{
		log:     log.Named("health"),
		workers: defaultWorkers,
		cells:   make(map[string]*cell),
		probeCh: make(chan string, 64),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, src := range sources {
		desc := src.Descriptor()
		c := &cell{source: src}
		st := &SourceStatus{
			SourceID:         desc.ID,
			Tier:             desc.Tier,
			Status:           StatusUnknown,
			Enabled:          true,
			CheckInterval:    defaultCheckInterval,
			FailureThreshold: defaultThreshold,
		}
		if m.store != nil {
			var prev SourceStatus
			if err := m.store.LoadSourceStatus(desc.ID, &prev); err == nil {
				st.TotalProbes = prev.TotalProbes
				st.SuccessfulProbes = prev.SuccessfulProbes
				st.UptimePercent = prev.UptimePercent
				st.LastSuccess = prev.LastSuccess
				st.ResponseTimeMS = prev.ResponseTimeMS
				if prev.CheckInterval > 0 {
					st.CheckInterval = prev.CheckInterval
				}
				if prev.FailureThreshold > 0 {
					st.FailureThreshold = prev.FailureThreshold
				}
			}
		}
		if reason, off := disabled[desc.ID]; off {
			st.Status = StatusDisabled
			st.Enabled = false
			st.LastErrorMessage = reason
		}
		c.status.Store(st)
		m.cells[desc.ID] = c
		m.order = append(m.order, desc.ID)
	}
	return m
}

// Run drives the supervisor and worker pool until ctx is done. Every source
// gets one startup probe, staggered by a short jitter, then re-probes every
// check-interval with ±10% jitter.
func (m *Monitor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m.runWorker(ctx, id)
		}(i)
	}

	// Startup sweep.
	now := time.Now()
	m.mu.Lock()
	for i, id := range m.order {
		m.cells[id].next = now.Add(time.Duration(i) * startupStagger)
	}
	m.mu.Unlock()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			m.dispatchDue(ctx)
		}
	}
}

func (m *Monitor) dispatchDue(ctx context.Context) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		c := m.cells[id]
		st := c.status.Load()
		if !st.Enabled || c.next.IsZero() || now.Before(c.next) {
			continue
		}
		// Jittered reschedule happens up front so a slow probe cannot pile
		// up duplicates for the same source.
		c.next = now.Add(jitter(st.CheckInterval))
		select {
		case m.probeCh <- id:
		case <-ctx.Done():
			return
		default:
			// Pool saturated; the source stays due and is retried on the
			// next tick.
			c.next = now
		}
	}
}

// runWorker consumes probe requests. A panicking probe kills only the one
// worker iteration; the worker restarts itself.
func (m *Monitor) runWorker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case sourceID := <-m.probeCh:
			m.safeProbe(ctx, sourceID)
		}
	}
}

func (m *Monitor) safeProbe(ctx context.Context, sourceID string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("probe panicked", zap.String("source", sourceID), zap.Any("panic", r))
		}
	}()
	m.probe(ctx, sourceID)
}

func (m *Monitor) probe(ctx context.Context, sourceID string) {
	m.mu.Lock()
	c, ok := m.cells[sourceID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if !c.status.Load().Enabled {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, probeHardTimeout)
	res := c.source.Probe(pctx)
	cancel()

	m.apply(c, res)
}

// apply folds one probe result into the status snapshot. All transitions
// run under m.mu, giving the per-source serialization the rest of the
// system assumes.
func (m *Monitor) apply(c *cell, res provider.ProbeResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := c.status.Load()
	st := *old
	now := time.Now()
	st.LastProbe = now
	st.TotalProbes++

	if res.Healthy {
		st.SuccessfulProbes++
		st.ConsecutiveFailures = 0
		st.LastSuccess = now
		st.LastErrorKind = ""
		st.LastErrorMessage = ""
		st.Status = StatusActive
	} else {
		st.ConsecutiveFailures++
		if res.Err != nil {
			st.LastErrorKind = provider.KindOf(res.Err)
			st.LastErrorMessage = res.Err.Error()
		}
		if st.ConsecutiveFailures >= st.FailureThreshold {
			st.Status = StatusDown
		} else {
			st.Status = StatusDegraded
		}
	}

	if res.Latency > 0 {
		ms := float64(res.Latency.Milliseconds())
		if st.ResponseTimeMS == 0 {
			st.ResponseTimeMS = ms
		} else {
			st.ResponseTimeMS = latencyAlpha*ms + (1-latencyAlpha)*st.ResponseTimeMS
		}
	}
	if st.TotalProbes > 0 {
		st.UptimePercent = float64(st.SuccessfulProbes) / float64(st.TotalProbes) * 100
	}

	c.status.Store(&st)
	m.persist(&st)

	if old.Status == StatusDown && st.Status == StatusActive {
		m.log.Info("source recovered", zap.String("source", st.SourceID))
		if m.onRecover != nil {
			go m.onRecover(st.SourceID)
		}
	} else if old.Status != StatusDown && st.Status == StatusDown {
		m.log.Warn("source down",
			zap.String("source", st.SourceID),
			zap.Int("consecutiveFailures", st.ConsecutiveFailures),
			zap.String("lastError", st.LastErrorMessage))
	}
}

// ProbeNow runs an immediate probe and returns the updated status. Disabled
// sources are not probed.
func (m *Monitor) ProbeNow(ctx context.Context, sourceID string) (*SourceStatus, error) {
	m.mu.Lock()
	c, ok := m.cells[sourceID]
	m.mu.Unlock()
	if !ok {
		return nil, provider.Errorf(provider.KindInvalidArgument, sourceID, "unknown source")
	}
	if !c.status.Load().Enabled {
		return c.status.Load(), nil
	}

	pctx, cancel := context.WithTimeout(ctx, probeHardTimeout)
	defer cancel()
	res := c.source.Probe(pctx)
	m.apply(c, res)
	return c.status.Load(), nil
}

// Observe lets callers that talked to a source outside the probe loop nudge
// its status: search failures count toward consecutive failures, successes
// refresh last-success.
func (m *Monitor) Observe(sourceID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cells[sourceID]
	if !ok {
		return
	}
	old := c.status.Load()
	if !old.Enabled || old.Status == StatusDisabled {
		return
	}
	st := *old
	now := time.Now()
	if err == nil {
		st.LastSuccess = now
		st.ConsecutiveFailures = 0
		if st.Status == StatusDegraded || st.Status == StatusUnknown {
			st.Status = StatusActive
		}
	} else {
		// Rate limiting is backpressure, not sickness.
		if provider.KindOf(err) == provider.KindRateLimited {
			return
		}
		st.ConsecutiveFailures++
		st.LastErrorKind = provider.KindOf(err)
		st.LastErrorMessage = err.Error()
		if st.ConsecutiveFailures >= st.FailureThreshold {
			st.Status = StatusDown
		} else if st.Status == StatusActive || st.Status == StatusUnknown {
			st.Status = StatusDegraded
		}
	}
	c.status.Store(&st)
	if st.Status != old.Status {
		m.persist(&st)
	}
}

// IsHealthy reports admissibility: enabled and active or degraded. Unknown
// sources (not yet probed) are admissible so a cold start can still search.
func (m *Monitor) IsHealthy(sourceID string) bool {
	st, ok := m.Status(sourceID)
	if !ok || !st.Enabled {
		return false
	}
	switch st.Status {
	case StatusActive, StatusDegraded, StatusUnknown, StatusTesting:
		return true
	}
	return false
}

// Status returns the current snapshot for one source.
func (m *Monitor) Status(sourceID string) (*SourceStatus, bool) {
	m.mu.Lock()
	c, ok := m.cells[sourceID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return c.status.Load(), true
}

// All returns snapshots for every source in registry order.
func (m *Monitor) All() []*SourceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*SourceStatus, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.cells[id].status.Load())
	}
	return out
}

// SetEnabled flips a source's manual override. Disabling preserves the
// historical counters; re-enabling puts the source back to unknown until
// the next probe.
func (m *Monitor) SetEnabled(sourceID string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cells[sourceID]
	if !ok {
		return false
	}
	st := *c.status.Load()
	st.Enabled = enabled
	if enabled {
		st.Status = StatusUnknown
		c.next = time.Now()
	} else {
		st.Status = StatusDisabled
	}
	c.status.Store(&st)
	m.persist(&st)
	return true
}

// Configure adjusts probe cadence and the failure threshold for one source.
// Zero values leave the current setting untouched.
func (m *Monitor) Configure(sourceID string, checkInterval time.Duration, failureThreshold int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cells[sourceID]
	if !ok {
		return false
	}
	st := *c.status.Load()
	if checkInterval > 0 {
		st.CheckInterval = checkInterval
	}
	if failureThreshold > 0 {
		st.FailureThreshold = failureThreshold
	}
	c.status.Store(&st)
	m.persist(&st)
	return true
}

func (m *Monitor) persist(st *SourceStatus) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveSourceStatus(st.SourceID, st); err != nil {
		m.log.Warn("persist status", zap.String("source", st.SourceID), zap.Error(err))
	}
}

// jitter spreads an interval by ±10%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	f := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(d) * f)
}
