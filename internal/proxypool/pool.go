// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package proxypool selects outbound proxies for sources configured to use
// them and tracks per-proxy health. Selection strategies: round-robin,
// random, and health-weighted (the default, probability proportional to
// success-rate divided by latency). A background prober hits a canary URL
// through every proxy; three consecutive probe failures kill a proxy for a
// quarantine window, after which it is retried.
package proxypool

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"
)

// Kind is the proxy protocol.
type Kind string

const (
	KindHTTP   Kind = "http"
	KindHTTPS  Kind = "https"
	KindSOCKS4 Kind = "socks4"
	KindSOCKS5 Kind = "socks5"
)

// Health is the operational state of one proxy.
type Health string

const (
	Healthy  Health = "healthy"
	Degraded Health = "degraded"
	Dead     Health = "dead"
)

// Strategy picks how a proxy is chosen among the candidates of a source.
type Strategy string

const (
	RoundRobin     Strategy = "round-robin"
	Random         Strategy = "random"
	HealthWeighted Strategy = "health-weighted"
)

// Outcome is what a caller observed using a proxy on real traffic.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeHTTPError: the proxy worked at transport level but the
	// response indicates the proxy itself is misbehaving (e.g. proxy auth
	// failures, proxy-generated 5xx).
	OutcomeHTTPError
	// OutcomeTransport: could not connect through the proxy at all.
	OutcomeTransport
)

// ErrNoProxyAvailable is returned when a source requires a proxy but every
// configured proxy is dead and still quarantined.
var ErrNoProxyAvailable = errors.New("no proxy available")

// Proxy is the immutable identity of one proxy endpoint. Credentials ride
// inside URL.User.
type Proxy struct {
	ID   string
	Kind Kind
	URL  *url.URL
}

const (
	probeInterval    = 5 * time.Minute
	probeTimeout     = 10 * time.Second
	deadQuarantine   = 15 * time.Minute
	probeFailsToKill = 3
	degradedToKill   = 2
	latencyAlpha     = 0.3
)

type proxyState struct {
	proxy Proxy

	health      Health
	latencyMS   float64
	successes   int64
	failures    int64
	probeFails  int
	degradeRun  int
	deadUntil   time.Time
	lastChecked time.Time
}

func (ps *proxyState) successRate() float64 {
	total := ps.successes + ps.failures
	if total == 0 {
		return 1.0
	}
	return float64(ps.successes) / float64(total)
}

// score drives health-weighted selection.
func (ps *proxyState) score() float64 {
	lat := ps.latencyMS
	if lat < 1 {
		lat = 1
	}
	return ps.successRate() / lat
}

type sourceProxies struct {
	strategy Strategy
	states   []*proxyState
	rrIndex  int
}

// Pool is the process-wide proxy selector.
type Pool struct {
	log    *zap.Logger
	canary string

	mu       sync.Mutex
	bySource map[string]*sourceProxies
	byID     map[string]*proxyState
	rnd      *rand.Rand
}

// New creates a pool probing canaryURL. An empty canary disables probing.
func New(log *zap.Logger, canaryURL string) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		log:      log.Named("proxypool"),
		canary:   canaryURL,
		bySource: make(map[string]*sourceProxies),
		byID:     make(map[string]*proxyState),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ConfigureSource declares the ordered proxy list for a source. An empty
// list means the source goes direct. Proxies shared between sources (same
// ID) share health state.
func (p *Pool) ConfigureSource(sourceID string, strategy Strategy, proxies []Proxy) {
	if strategy == "" {
		strategy = HealthWeighted
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sp := &sourceProxies{strategy: strategy}
	for _, pr := range proxies {
		st, ok := p.byID[pr.ID]
		if !ok {
			st = &proxyState{proxy: pr, health: Healthy}
			p.byID[pr.ID] = st
		}
		sp.states = append(sp.states, st)
	}
	p.bySource[sourceID] = sp
}

// GetProxy selects a proxy for the source. A nil proxy with nil error means
// the source is not proxied and should go direct.
func (p *Pool) GetProxy(sourceID string) (*Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sp, ok := p.bySource[sourceID]
	if !ok || len(sp.states) == 0 {
		return nil, nil
	}

	now := time.Now()
	candidates := make([]*proxyState, 0, len(sp.states))
	for _, st := range sp.states {
		if st.health == Dead {
			if now.Before(st.deadUntil) {
				continue
			}
			// Quarantine over: give it one probation slot.
			st.health = Degraded
			st.probeFails = 0
			st.degradeRun = 0
		}
		candidates = append(candidates, st)
	}
	if len(candidates) == 0 {
		return nil, ErrNoProxyAvailable
	}

	var chosen *proxyState
	switch sp.strategy {
	case RoundRobin:
		chosen = candidates[sp.rrIndex%len(candidates)]
		sp.rrIndex++
	case Random:
		chosen = candidates[p.rnd.Intn(len(candidates))]
	default: // HealthWeighted
		chosen = p.weighted(candidates)
	}
	pr := chosen.proxy
	return &pr, nil
}

func (p *Pool) weighted(candidates []*proxyState) *proxyState {
	total := 0.0
	for _, st := range candidates {
		total += st.score()
	}
	if total <= 0 {
		return candidates[p.rnd.Intn(len(candidates))]
	}
	target := p.rnd.Float64() * total
	acc := 0.0
	for _, st := range candidates {
		acc += st.score()
		if target < acc {
			return st
		}
	}
	return candidates[len(candidates)-1]
}

// ReportOutcome feeds back what real traffic through the proxy observed.
func (p *Pool) ReportOutcome(proxyID string, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.byID[proxyID]
	if !ok {
		return
	}
	switch outcome {
	case OutcomeOK:
		st.successes++
		st.degradeRun = 0
		if st.health == Degraded {
			st.health = Healthy
		}
	case OutcomeHTTPError:
		st.failures++
		st.degradeRun++
		st.health = Degraded
		if st.degradeRun >= degradedToKill {
			p.kill(st, "repeated http errors")
		}
	case OutcomeTransport:
		st.failures++
		st.probeFails++
		if st.probeFails >= probeFailsToKill {
			p.kill(st, "transport failures")
		} else {
			st.health = Degraded
		}
	}
}

// kill marks a proxy dead and starts its quarantine. Caller holds p.mu.
func (p *Pool) kill(st *proxyState, reason string) {
	st.health = Dead
	st.deadUntil = time.Now().Add(deadQuarantine)
	st.degradeRun = 0
	st.probeFails = 0
	p.log.Warn("proxy marked dead",
		zap.String("proxy", st.proxy.ID),
		zap.String("reason", reason),
		zap.Time("until", st.deadUntil))
}

// Snapshot describes one proxy for status endpoints.
type Snapshot struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Health      Health    `json:"health"`
	LatencyMS   float64   `json:"latencyMs"`
	SuccessRate float64   `json:"successRate"`
	LastChecked time.Time `json:"lastChecked"`
}

// Snapshots returns the state of every known proxy.
func (p *Pool) Snapshots() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Snapshot, 0, len(p.byID))
	for _, st := range p.byID {
		out = append(out, Snapshot{
			ID:          st.proxy.ID,
			Kind:        st.proxy.Kind,
			Health:      st.health,
			LatencyMS:   st.latencyMS,
			SuccessRate: st.successRate(),
			LastChecked: st.lastChecked,
		})
	}
	return out
}

// Run probes every proxy against the canary URL on a fixed interval until
// ctx is done. Call in a goroutine.
func (p *Pool) Run(ctx context.Context) {
	if p.canary == "" {
		return
	}
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	p.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Pool) probeAll(ctx context.Context) {
	p.mu.Lock()
	states := make([]*proxyState, 0, len(p.byID))
	for _, st := range p.byID {
		states = append(states, st)
	}
	p.mu.Unlock()

	for _, st := range states {
		if ctx.Err() != nil {
			return
		}
		p.probeOne(ctx, st)
	}
}

func (p *Pool) probeOne(ctx context.Context, st *proxyState) {
	transport, err := Transport(&st.proxy)
	if err != nil {
		p.recordProbe(st, 0, false)
		return
	}
	client := &http.Client{Transport: transport, Timeout: probeTimeout}

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, p.canary, nil)
	if err != nil {
		return
	}
	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		p.recordProbe(st, latency, false)
		return
	}
	resp.Body.Close()
	p.recordProbe(st, latency, resp.StatusCode < 500)
}

func (p *Pool) recordProbe(st *proxyState, latency time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st.lastChecked = time.Now()
	if ok {
		ms := float64(latency.Milliseconds())
		if st.latencyMS == 0 {
			st.latencyMS = ms
		} else {
			st.latencyMS = latencyAlpha*ms + (1-latencyAlpha)*st.latencyMS
		}
		st.probeFails = 0
		if st.health == Dead && time.Now().After(st.deadUntil) {
			st.health = Degraded
		} else if st.health != Dead {
			st.health = Healthy
		}
		return
	}
	st.probeFails++
	if st.probeFails >= probeFailsToKill {
		p.kill(st, "canary probe failures")
	}
}

// Transport builds an http.RoundTripper that routes through the proxy.
// HTTP(S) proxies use the standard CONNECT path; SOCKS proxies use a
// golang.org/x/net/proxy dialer. SOCKS4 endpoints are dialed with the
// SOCKS5 dialer, which the common proxy daemons accept.
func Transport(pr *Proxy) (http.RoundTripper, error) {
	switch pr.Kind {
	case KindSOCKS4, KindSOCKS5:
		var auth *proxy.Auth
		if u := pr.URL.User; u != nil {
			pass, _ := u.Password()
			auth = &proxy.Auth{User: u.Username(), Password: pass}
		}
		dialer, err := proxy.SOCKS5("tcp", pr.URL.Host, auth, proxy.Direct)
		if err != nil {
			return nil, err
		}
		tr := &http.Transport{}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			tr.DialContext = cd.DialContext
		} else {
			tr.DialContext = func(ctx context.Context, network, addr string) (conn net.Conn, err error) {
				return dialer.Dial(network, addr)
			}
		}
		return tr, nil
	default:
		return &http.Transport{Proxy: http.ProxyURL(pr.URL)}, nil
	}
}
