// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kuroibara/kuroibara/pkg/manga"
	"github.com/kuroibara/kuroibara/pkg/provider"
)

// fakeSource scripts probe outcomes.
type fakeSource struct {
	desc provider.Descriptor

	mu      sync.Mutex
	results []provider.ProbeResult
	probes  int
}

func newFakeSource(id string, tier provider.Tier) *fakeSource {
	return &fakeSource{desc: provider.Descriptor{ID: id, Tier: tier}}
}

func (f *fakeSource) script(results ...provider.ProbeResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, results...)
}

func (f *fakeSource) Descriptor() provider.Descriptor { return f.desc }

func (f *fakeSource) Probe(context.Context) provider.ProbeResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if len(f.results) == 0 {
		return provider.ProbeResult{Healthy: true, Latency: 10 * time.Millisecond}
	}
	r := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return r
}

func (f *fakeSource) Search(context.Context, string, int, int) ([]provider.NativeEntry, error) {
	return nil, provider.Errorf(provider.KindUnsupported, f.desc.ID, "not implemented")
}
func (f *fakeSource) Details(context.Context, string) (*provider.Details, error) {
	return nil, provider.Errorf(provider.KindUnsupported, f.desc.ID, "not implemented")
}
func (f *fakeSource) Chapters(context.Context, string) ([]manga.ChapterRef, error) {
	return nil, provider.Errorf(provider.KindUnsupported, f.desc.ID, "not implemented")
}
func (f *fakeSource) Pages(context.Context, string) ([]string, error) {
	return nil, provider.Errorf(provider.KindUnsupported, f.desc.ID, "not implemented")
}

func failResult(msg string) provider.ProbeResult {
	return provider.ProbeResult{Err: errors.New(msg), Latency: 5 * time.Millisecond}
}

func TestProbeNow_DownAfterThresholdAndRecovery(t *testing.T) {
	src := newFakeSource("y", provider.TierPrimary)
	src.script(failResult("one"), failResult("two"), failResult("three"),
		provider.ProbeResult{Healthy: true, Latency: 8 * time.Millisecond})

	recovered := make(chan string, 1)
	m := New(nil, []provider.Source{src}, nil,
		WithRecoveryHook(func(id string) { recovered <- id }))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		st, err := m.ProbeNow(ctx, "y")
		if err != nil {
			t.Fatal(err)
		}
		if st.Status != StatusDegraded {
			t.Fatalf("probe %d: status = %s, want degraded", i+1, st.Status)
		}
		if m.IsHealthy("y") != true {
			t.Fatal("degraded source must stay admissible")
		}
	}

	st, _ := m.ProbeNow(ctx, "y")
	if st.Status != StatusDown {
		t.Fatalf("after threshold: status = %s, want down", st.Status)
	}
	if st.ConsecutiveFailures < st.FailureThreshold {
		t.Errorf("down without reaching threshold: %d < %d", st.ConsecutiveFailures, st.FailureThreshold)
	}
	if m.IsHealthy("y") {
		t.Error("down source must be inadmissible")
	}

	st, _ = m.ProbeNow(ctx, "y")
	if st.Status != StatusActive {
		t.Fatalf("after good probe: status = %s, want active", st.Status)
	}
	if st.ConsecutiveFailures != 0 {
		t.Error("recovery must reset consecutive failures")
	}
	select {
	case id := <-recovered:
		if id != "y" {
			t.Errorf("recovery hook got %q", id)
		}
	case <-time.After(time.Second):
		t.Error("recovery hook not fired")
	}
}

func TestStatusInvariants(t *testing.T) {
	src := newFakeSource("x", provider.TierSecondary)
	src.script(failResult("a"), provider.ProbeResult{Healthy: true, Latency: time.Millisecond}, failResult("b"))
	m := New(nil, []provider.Source{src}, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		st, _ := m.ProbeNow(ctx, "x")
		if st.SuccessfulProbes > st.TotalProbes {
			t.Fatalf("successful %d > total %d", st.SuccessfulProbes, st.TotalProbes)
		}
		if st.UptimePercent < 0 || st.UptimePercent > 100 {
			t.Fatalf("uptime %v out of range", st.UptimePercent)
		}
	}
	st, _ := m.Status("x")
	if st.TotalProbes != 3 || st.SuccessfulProbes != 1 {
		t.Errorf("counters = %d/%d, want 1/3", st.SuccessfulProbes, st.TotalProbes)
	}
	if want := 100.0 / 3; st.UptimePercent < want-0.01 || st.UptimePercent > want+0.01 {
		t.Errorf("uptime = %v, want %v", st.UptimePercent, want)
	}
}

func TestSetEnabled_PreservesCounters(t *testing.T) {
	src := newFakeSource("x", provider.TierPrimary)
	m := New(nil, []provider.Source{src}, nil)

	ctx := context.Background()
	m.ProbeNow(ctx, "x")
	m.ProbeNow(ctx, "x")

	if !m.SetEnabled("x", false) {
		t.Fatal("SetEnabled returned false for known source")
	}
	st, _ := m.Status("x")
	if st.Status != StatusDisabled || st.Enabled {
		t.Fatalf("disabled source: %+v", st)
	}
	if st.TotalProbes != 2 {
		t.Error("disabling must preserve historical counters")
	}
	if m.IsHealthy("x") {
		t.Error("disabled source must be inadmissible")
	}

	// Disabled sources are not probed, even on demand.
	before := src.probes
	m.ProbeNow(ctx, "x")
	if src.probes != before {
		t.Error("disabled source was probed")
	}

	m.SetEnabled("x", true)
	st, _ = m.Status("x")
	if st.Status != StatusUnknown {
		t.Errorf("re-enabled status = %s, want unknown", st.Status)
	}
}

func TestObserve_NudgesStatus(t *testing.T) {
	src := newFakeSource("x", provider.TierPrimary)
	m := New(nil, []provider.Source{src}, nil)
	m.ProbeNow(context.Background(), "x") // active

	for i := 0; i < defaultThreshold; i++ {
		m.Observe("x", provider.Errorf(provider.KindDeadline, "x", "slow"))
	}
	st, _ := m.Status("x")
	if st.Status != StatusDown {
		t.Fatalf("status after %d observed failures = %s, want down", defaultThreshold, st.Status)
	}

	// Rate-limit rejections are backpressure, not failures.
	m.ProbeNow(context.Background(), "x")
	m.Observe("x", provider.Errorf(provider.KindRateLimited, "x", "queue full"))
	st, _ = m.Status("x")
	if st.ConsecutiveFailures != 0 {
		t.Error("rate-limited outcome must not count as a failure")
	}
}

func TestDisabledAtLoad(t *testing.T) {
	src := newFakeSource("guarded", provider.TierTertiary)
	m := New(nil, []provider.Source{src}, map[string]string{"guarded": "requires solver"})

	st, ok := m.Status("guarded")
	if !ok {
		t.Fatal("status missing")
	}
	if st.Status != StatusDisabled || st.Enabled {
		t.Errorf("load-disabled source: %+v", st)
	}
	if m.IsHealthy("guarded") {
		t.Error("load-disabled source must be inadmissible")
	}
}

// memStatusStore keeps snapshots in a map, standing in for the buntdb store.
type memStatusStore struct {
	mu    sync.Mutex
	saved map[string]SourceStatus
}

func newMemStatusStore() *memStatusStore {
	return &memStatusStore{saved: make(map[string]SourceStatus)}
}

func (s *memStatusStore) SaveSourceStatus(id string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[id] = *(v.(*SourceStatus))
	return nil
}

func (s *memStatusStore) LoadSourceStatus(id string, out interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.saved[id]
	if !ok {
		return errors.New("not found")
	}
	*(out.(*SourceStatus)) = st
	return nil
}

func TestStatusStore_CountersSurviveRestart(t *testing.T) {
	store := newMemStatusStore()
	src := newFakeSource("x", provider.TierPrimary)
	src.script(failResult("a"), provider.ProbeResult{Healthy: true, Latency: time.Millisecond})

	m := New(nil, []provider.Source{src}, nil, WithStatusStore(store))
	ctx := context.Background()
	m.ProbeNow(ctx, "x")
	m.ProbeNow(ctx, "x")
	m.Configure("x", 5*time.Minute, 5)

	// A new monitor over the same store picks up where the old one left off.
	restarted := New(nil, []provider.Source{newFakeSource("x", provider.TierPrimary)}, nil,
		WithStatusStore(store))
	st, ok := restarted.Status("x")
	if !ok {
		t.Fatal("status missing after restart")
	}
	if st.TotalProbes != 2 || st.SuccessfulProbes != 1 {
		t.Errorf("counters = %d/%d, want 1/2", st.SuccessfulProbes, st.TotalProbes)
	}
	if st.CheckInterval != 5*time.Minute || st.FailureThreshold != 5 {
		t.Errorf("configuration lost: interval=%v threshold=%d", st.CheckInterval, st.FailureThreshold)
	}
	// Runtime state starts fresh.
	if st.Status != StatusUnknown {
		t.Errorf("restarted status = %s, want unknown", st.Status)
	}
}

func TestRun_ProbesAllSourcesOnStartup(t *testing.T) {
	a := newFakeSource("a", provider.TierPrimary)
	b := newFakeSource("b", provider.TierSecondary)
	m := New(nil, []provider.Source{a, b}, nil, WithWorkers(2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sa, _ := m.Status("a")
		sb, _ := m.Status("b")
		if sa.TotalProbes >= 1 && sb.TotalProbes >= 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done

	sa, _ := m.Status("a")
	sb, _ := m.Status("b")
	if sa.TotalProbes < 1 || sb.TotalProbes < 1 {
		t.Errorf("startup sweep missed sources: a=%d b=%d", sa.TotalProbes, sb.TotalProbes)
	}
	if sa.Status != StatusActive {
		t.Errorf("healthy probe left status %s", sa.Status)
	}
}
