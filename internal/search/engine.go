// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package search runs cross-source queries in tiers with bounded fan-out,
// fuses the results into deduplicated entries with confidence scores, ranks
// them, and caches finished pages.
package search

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kuroibara/kuroibara/internal/metrics"
	"github.com/kuroibara/kuroibara/internal/registry"
	"github.com/kuroibara/kuroibara/pkg/manga"
	"github.com/kuroibara/kuroibara/pkg/provider"
)

const (
	defaultFanout   = 4
	defaultLimit    = 20
	sourceDeadline  = 15 * time.Second
	overfetchFactor = 1.5
)

// Filter narrows which sources are consulted and which entries survive.
type Filter struct {
	AllowNSFW bool            `json:"allowNsfw"`
	Tiers     []provider.Tier `json:"tiers,omitempty"`
	Languages []string        `json:"languages,omitempty"`
}

func (f Filter) allowsTier(t provider.Tier) bool {
	if len(f.Tiers) == 0 {
		return true
	}
	for _, allowed := range f.Tiers {
		if allowed == t {
			return true
		}
	}
	return false
}

func (f Filter) allowsLanguages(langs []string) bool {
	if len(f.Languages) == 0 || len(langs) == 0 {
		return true
	}
	for _, want := range f.Languages {
		for _, have := range langs {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// Request is one search call. Priority feeds the rate controller; CallerID
// only shows up in logs.
type Request struct {
	Query    string `json:"query"`
	Page     int    `json:"page"`
	Limit    int    `json:"limit"`
	Filter   Filter `json:"filter"`
	Priority int    `json:"priority"`
	CallerID string `json:"callerId,omitempty"`
}

// SourceStat is the per-source attribution attached to a result page.
type SourceStat struct {
	SourceID  string        `json:"sourceId"`
	Name      string        `json:"name"`
	Tier      provider.Tier `json:"tier"`
	Count     int           `json:"count"`
	MinConf   float64       `json:"confidenceMin"`
	MaxConf   float64       `json:"confidenceMax"`
	LatencyMS int64         `json:"latencyMs"`

	// ErrKind is set when the source failed; Count is then 0.
	ErrKind    provider.Kind `json:"errorKind,omitempty"`
	ErrMessage string        `json:"errorMessage,omitempty"`
}

// ResultPage is a fused, ranked page of entries.
type ResultPage struct {
	Results []*manga.Entry `json:"results"`
	Total   int            `json:"total"`
	Page    int            `json:"page"`
	Limit   int            `json:"limit"`
	HasNext bool           `json:"hasNext"`

	Sources []SourceStat `json:"sources"`

	Cached         bool  `json:"cached"`
	ResponseTimeMS int64 `json:"responseTimeMs"`
}

// Catalog is the slice of the registry the engine needs.
type Catalog interface {
	ByTier(tier provider.Tier) []provider.Source
	Get(id string) (provider.Source, bool)
}

// Gate is the slice of the health monitor the engine needs.
type Gate interface {
	IsHealthy(sourceID string) bool
	Observe(sourceID string, err error)
}

// EntryStore persists fused entries and their cross-source references.
type EntryStore interface {
	SaveEntry(entry *manga.Entry, fingerprint string) error
}

// Engine orchestrates tiered search.
type Engine struct {
	log     *zap.Logger
	catalog Catalog
	gate    Gate
	cache   *resultCache
	entries EntryStore
	fanout  atomic.Int64
}

// Option tweaks Engine construction.
type Option func(*Engine)

// WithFanout bounds concurrent source calls within a tier.
func WithFanout(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.fanout.Store(int64(n))
		}
	}
}

// New builds an engine over the catalog and health gate.
func New(log *zap.Logger, catalog Catalog, gate Gate, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		log:     log.Named("search"),
		catalog: catalog,
		gate:    gate,
		cache:   newResultCache(),
	}
	e.fanout.Store(defaultFanout)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithEntryStore persists fused entries after every uncached search so
// cross-source references accumulate across restarts.
func WithEntryStore(store EntryStore) Option {
	return func(e *Engine) { e.entries = store }
}

// Fanout reports the current per-tier concurrency bound.
func (e *Engine) Fanout() int { return int(e.fanout.Load()) }

// SetFanout adjusts the per-tier concurrency bound at runtime. In-flight
// searches keep the bound they started with.
func (e *Engine) SetFanout(n int) {
	if n > 0 {
		e.fanout.Store(int64(n))
	}
}

// InvalidateCache drops all cached pages. The health monitor's recovery
// hook calls it so pages missing a recovered source's results do not
// outlive their usefulness.
func (e *Engine) InvalidateCache() {
	e.cache.invalidateAll()
}

var tierOrder = []provider.Tier{provider.TierPrimary, provider.TierSecondary, provider.TierTertiary}

// Search runs the full pipeline. It succeeds when at least one source
// produced a usable result; per-source failures ride along in the page's
// Sources stats.
func (e *Engine) Search(ctx context.Context, req Request) (*ResultPage, error) {
	start := time.Now()
	query := strings.TrimSpace(req.Query)
	if query == "" {
		metrics.SearchRequests.WithLabelValues("invalid").Inc()
		return nil, provider.Errorf(provider.KindInvalidArgument, "", "empty query")
	}
	if req.Page < 1 {
		req.Page = 1
	}
	if req.Limit <= 0 {
		req.Limit = defaultLimit
	}

	key := cacheKey(manga.NormalizeTitle(query), req.Page, req.Limit, req.Filter)
	if page, ok := e.cache.get(key); ok {
		metrics.SearchRequests.WithLabelValues("cached").Inc()
		metrics.CacheEvents.WithLabelValues("hit").Inc()
		page.Cached = true
		page.ResponseTimeMS = time.Since(start).Milliseconds()
		return page, nil
	}
	metrics.CacheEvents.WithLabelValues("miss").Inc()

	target := int(float64(req.Page*req.Limit) * overfetchFactor)
	fu := newFuser(query)
	var (
		mu        sync.Mutex
		stats     []SourceStat
		consulted int
		succeeded int
	)

	for _, tier := range tierOrder {
		if !req.Filter.allowsTier(tier) {
			continue
		}
		candidates := e.admissible(tier, req.Filter)
		if len(candidates) == 0 {
			continue
		}

		tierFailures := e.runTier(ctx, candidates, query, req, target, fu, &mu, &stats)
		mu.Lock()
		consulted += len(candidates)
		succeeded += len(candidates) - tierFailures
		have := fu.len()
		mu.Unlock()

		// Later tiers only run while results are short of the target, or to
		// compensate for a failing primary tier.
		if have >= target && !(tier == provider.TierPrimary && tierFailures > 0) {
			break
		}
	}

	if consulted == 0 || succeeded == 0 {
		metrics.SearchRequests.WithLabelValues("failed").Inc()
		return nil, e.allFailed(query, stats)
	}

	ranked := fu.ranked()
	if !req.Filter.AllowNSFW {
		ranked = dropNSFW(ranked)
	}

	page := &ResultPage{
		Total:   len(ranked),
		Page:    req.Page,
		Limit:   req.Limit,
		Sources: stats,
	}
	if len(ranked) > req.Limit {
		page.HasNext = true
		ranked = ranked[:req.Limit]
	}
	page.Results = ranked
	page.ResponseTimeMS = time.Since(start).Milliseconds()

	if e.entries != nil {
		for _, entry := range ranked {
			if err := e.entries.SaveEntry(entry, manga.Fingerprint(entry.Title, entry.Year)); err != nil {
				e.log.Warn("persist entry", zap.String("entry", entry.ID), zap.Error(err))
				break
			}
		}
	}

	e.cache.putIfAbsent(key, page)
	metrics.SearchRequests.WithLabelValues("ok").Inc()
	metrics.SearchDuration.Observe(time.Since(start).Seconds())
	return page, nil
}

// admissible filters a tier down to the sources the request may touch.
func (e *Engine) admissible(tier provider.Tier, f Filter) []provider.Source {
	var out []provider.Source
	for _, src := range e.catalog.ByTier(tier) {
		desc := src.Descriptor()
		if !desc.Capabilities.Has(provider.CapSearch) {
			continue
		}
		if !e.gate.IsHealthy(desc.ID) {
			continue
		}
		if !f.allowsLanguages(desc.Languages) {
			continue
		}
		out = append(out, src)
	}
	return out
}

// runTier queries one tier's sources concurrently and returns how many of
// them failed.
func (e *Engine) runTier(ctx context.Context, sources []provider.Source, query string, req Request, target int, fu *fuser, mu *sync.Mutex, stats *[]SourceStat) int {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.Fanout())

	failures := 0
	for _, src := range sources {
		src := src
		g.Go(func() error {
			// Once the target is met, still-pending calls are skipped
			// rather than dispatched.
			mu.Lock()
			done := fu.len() >= target
			mu.Unlock()
			if done {
				return nil
			}
			desc := src.Descriptor()
			sctx, cancel := context.WithTimeout(gctx, sourceDeadline)
			defer cancel()
			sctx = registry.WithPriority(sctx, req.Priority)

			callStart := time.Now()
			entries, err := src.Search(sctx, query, req.Page, req.Limit)
			latency := time.Since(callStart)
			metrics.SourceLatency.WithLabelValues(desc.ID).Observe(latency.Seconds())

			stat := SourceStat{
				SourceID:  desc.ID,
				Name:      desc.Name,
				Tier:      desc.Tier,
				LatencyMS: latency.Milliseconds(),
			}

			if err != nil {
				if sctx.Err() == context.DeadlineExceeded && gctx.Err() == nil {
					err = provider.NewError(provider.KindDeadline, desc.ID, "search deadline exceeded", err)
				}
				kind := provider.KindOf(err)
				stat.ErrKind = kind
				stat.ErrMessage = err.Error()
				metrics.SourceRequests.WithLabelValues(desc.ID, string(kind)).Inc()
				e.gate.Observe(desc.ID, err)
				e.log.Debug("source search failed",
					zap.String("source", desc.ID),
					zap.String("kind", string(kind)),
					zap.Error(err))

				mu.Lock()
				failures++
				*stats = append(*stats, stat)
				mu.Unlock()
				// A failed source never aborts the tier.
				return nil
			}

			metrics.SourceRequests.WithLabelValues(desc.ID, "ok").Inc()
			e.gate.Observe(desc.ID, nil)

			mu.Lock()
			fu.add(desc.ID, desc.Tier, entries)
			stat.Count = len(entries)
			stat.MinConf, stat.MaxConf = confRange(fu, desc.ID)
			*stats = append(*stats, stat)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return failures
}

// confRange scans the fused set for one source's confidence spread.
func confRange(fu *fuser, sourceID string) (min, max float64) {
	min = 1
	found := false
	for _, f := range fu.byFP {
		if o, ok := f.entry.Origin(sourceID); ok {
			found = true
			if o.Confidence < min {
				min = o.Confidence
			}
			if o.Confidence > max {
				max = o.Confidence
			}
		}
	}
	if !found {
		return 0, 0
	}
	return min, max
}

func dropNSFW(entries []*manga.Entry) []*manga.Entry {
	out := entries[:0]
	for _, e := range entries {
		if !e.NSFW {
			out = append(out, e)
		}
	}
	return out
}

// allFailed builds the AllSourcesFailed error with per-source summaries.
func (e *Engine) allFailed(query string, stats []SourceStat) error {
	var parts []string
	for _, st := range stats {
		if st.ErrKind != "" {
			parts = append(parts, st.SourceID+": "+string(st.ErrKind))
		}
	}
	msg := "no admissible sources"
	if len(parts) > 0 {
		msg = strings.Join(parts, "; ")
	}
	return provider.Errorf(provider.KindAllSourcesFailed, "", "search %q failed: %s", query, msg)
}
