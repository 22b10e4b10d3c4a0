// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package proxypool

import (
	"net/url"
	"testing"
	"time"
)

func mkProxy(id string) Proxy {
	u, _ := url.Parse("http://" + id + ".example:8080")
	return Proxy{ID: id, Kind: KindHTTP, URL: u}
}

func TestGetProxy_DirectWhenUnconfigured(t *testing.T) {
	p := New(nil, "")
	pr, err := p.GetProxy("mangadex")
	if err != nil || pr != nil {
		t.Fatalf("unconfigured source: got (%v, %v), want (nil, nil)", pr, err)
	}

	p.ConfigureSource("mangadex", HealthWeighted, nil)
	pr, err = p.GetProxy("mangadex")
	if err != nil || pr != nil {
		t.Fatalf("empty proxy list: got (%v, %v), want (nil, nil)", pr, err)
	}
}

func TestGetProxy_RoundRobinCycles(t *testing.T) {
	p := New(nil, "")
	p.ConfigureSource("s", RoundRobin, []Proxy{mkProxy("a"), mkProxy("b"), mkProxy("c")})

	var got []string
	for i := 0; i < 6; i++ {
		pr, err := p.GetProxy("s")
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, pr.ID)
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("round-robin order = %v, want %v", got, want)
		}
	}
}

func TestGetProxy_DeadExcludedUntilQuarantineEnds(t *testing.T) {
	p := New(nil, "")
	p.ConfigureSource("s", RoundRobin, []Proxy{mkProxy("a"), mkProxy("b")})

	// Kill "a" via transport failures.
	for i := 0; i < probeFailsToKill; i++ {
		p.ReportOutcome("a", OutcomeTransport)
	}
	for i := 0; i < 4; i++ {
		pr, err := p.GetProxy("s")
		if err != nil {
			t.Fatal(err)
		}
		if pr.ID == "a" {
			t.Fatal("dead proxy was selected during quarantine")
		}
	}

	// Kill "b" too: nothing left.
	for i := 0; i < probeFailsToKill; i++ {
		p.ReportOutcome("b", OutcomeTransport)
	}
	if _, err := p.GetProxy("s"); err != ErrNoProxyAvailable {
		t.Fatalf("all dead: err = %v, want ErrNoProxyAvailable", err)
	}

	// Expire "a"'s quarantine: it comes back on probation.
	p.mu.Lock()
	p.byID["a"].deadUntil = time.Now().Add(-time.Second)
	p.mu.Unlock()
	pr, err := p.GetProxy("s")
	if err != nil {
		t.Fatal(err)
	}
	if pr.ID != "a" {
		t.Fatalf("selected %s, want quarantine-expired a", pr.ID)
	}
	p.mu.Lock()
	if h := p.byID["a"].health; h != Degraded {
		t.Errorf("retried proxy health = %s, want degraded", h)
	}
	p.mu.Unlock()
}

func TestReportOutcome_HTTPErrorEscalation(t *testing.T) {
	p := New(nil, "")
	p.ConfigureSource("s", RoundRobin, []Proxy{mkProxy("a")})

	p.ReportOutcome("a", OutcomeHTTPError)
	p.mu.Lock()
	if h := p.byID["a"].health; h != Degraded {
		t.Errorf("after one http error: health = %s, want degraded", h)
	}
	p.mu.Unlock()

	// A success clears the degradation streak.
	p.ReportOutcome("a", OutcomeOK)
	p.mu.Lock()
	if h := p.byID["a"].health; h != Healthy {
		t.Errorf("after recovery: health = %s, want healthy", h)
	}
	p.mu.Unlock()

	// Two consecutive degradations mean dead.
	p.ReportOutcome("a", OutcomeHTTPError)
	p.ReportOutcome("a", OutcomeHTTPError)
	p.mu.Lock()
	if h := p.byID["a"].health; h != Dead {
		t.Errorf("after two consecutive http errors: health = %s, want dead", h)
	}
	p.mu.Unlock()
}

func TestHealthWeighted_PrefersFastReliableProxy(t *testing.T) {
	p := New(nil, "")
	p.ConfigureSource("s", HealthWeighted, []Proxy{mkProxy("fast"), mkProxy("slow")})

	p.mu.Lock()
	p.byID["fast"].latencyMS = 10
	p.byID["fast"].successes = 100
	p.byID["slow"].latencyMS = 1000
	p.byID["slow"].successes = 50
	p.byID["slow"].failures = 50
	p.mu.Unlock()

	fastPicks := 0
	const n = 500
	for i := 0; i < n; i++ {
		pr, err := p.GetProxy("s")
		if err != nil {
			t.Fatal(err)
		}
		if pr.ID == "fast" {
			fastPicks++
		}
	}
	// Weight ratio is 200:1, so anything below 90% means the weighting is
	// broken, not unlucky.
	if fastPicks < n*9/10 {
		t.Errorf("fast proxy picked %d/%d times, want heavy majority", fastPicks, n)
	}
}

func TestRecordProbe_KillAndRecover(t *testing.T) {
	p := New(nil, "http://canary.example/")
	p.ConfigureSource("s", RoundRobin, []Proxy{mkProxy("a")})
	p.mu.Lock()
	st := p.byID["a"]
	p.mu.Unlock()

	for i := 0; i < probeFailsToKill; i++ {
		p.recordProbe(st, 0, false)
	}
	if st.health != Dead {
		t.Fatalf("health after %d probe failures = %s, want dead", probeFailsToKill, st.health)
	}

	// A good probe during quarantine must not resurrect it.
	p.recordProbe(st, 20*time.Millisecond, true)
	if st.health != Dead {
		t.Errorf("good probe inside quarantine resurrected the proxy")
	}

	// After quarantine it re-enters as degraded.
	p.mu.Lock()
	st.deadUntil = time.Now().Add(-time.Second)
	p.mu.Unlock()
	p.recordProbe(st, 20*time.Millisecond, true)
	if st.health != Degraded {
		t.Errorf("post-quarantine probe: health = %s, want degraded", st.health)
	}
	if st.latencyMS == 0 {
		t.Error("latency EMA not updated")
	}
}

func TestSnapshots(t *testing.T) {
	p := New(nil, "")
	p.ConfigureSource("s", RoundRobin, []Proxy{mkProxy("a"), mkProxy("b")})
	p.ReportOutcome("a", OutcomeOK)

	snaps := p.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("len(snapshots) = %d, want 2", len(snaps))
	}
	for _, s := range snaps {
		if s.ID == "a" && s.SuccessRate != 1.0 {
			t.Errorf("proxy a success rate = %v, want 1.0", s.SuccessRate)
		}
	}
}
