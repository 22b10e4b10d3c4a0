// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kuroibara/kuroibara/pkg/manga"
	"github.com/kuroibara/kuroibara/pkg/provider"
)

// stubSource returns scripted entries or a scripted error.
type stubSource struct {
	desc    provider.Descriptor
	entries []provider.NativeEntry
	err     error
	delay   time.Duration
	calls   int
}

func newStubSource(id string, tier provider.Tier) *stubSource {
	return &stubSource{desc: provider.Descriptor{
		ID:           id,
		Name:         id,
		Tier:         tier,
		Capabilities: provider.Capabilities{provider.CapSearch: true},
	}}
}

func (s *stubSource) Descriptor() provider.Descriptor { return s.desc }

func (s *stubSource) Search(ctx context.Context, query string, page, limit int) ([]provider.NativeEntry, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, provider.NewError(provider.KindDeadline, s.desc.ID, "timed out", ctx.Err())
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.entries, nil
}

func (s *stubSource) Details(context.Context, string) (*provider.Details, error) {
	return nil, provider.Errorf(provider.KindUnsupported, s.desc.ID, "no details")
}
func (s *stubSource) Chapters(context.Context, string) ([]manga.ChapterRef, error) {
	return nil, provider.Errorf(provider.KindUnsupported, s.desc.ID, "no chapters")
}
func (s *stubSource) Pages(context.Context, string) ([]string, error) {
	return nil, provider.Errorf(provider.KindUnsupported, s.desc.ID, "no pages")
}
func (s *stubSource) Probe(context.Context) provider.ProbeResult {
	return provider.ProbeResult{Healthy: true}
}

// stubCatalog groups stub sources by tier.
type stubCatalog struct {
	sources []*stubSource
}

func (c *stubCatalog) ByTier(tier provider.Tier) []provider.Source {
	var out []provider.Source
	for _, s := range c.sources {
		if s.desc.Tier == tier {
			out = append(out, s)
		}
	}
	return out
}

func (c *stubCatalog) Get(id string) (provider.Source, bool) {
	for _, s := range c.sources {
		if s.desc.ID == id {
			return s, true
		}
	}
	return nil, false
}

// stubGate admits everything except the ids in down.
type stubGate struct {
	down map[string]bool
}

func (g *stubGate) IsHealthy(id string) bool { return !g.down[id] }
func (g *stubGate) Observe(string, error)    {}

func entriesNamed(prefix string, n int) []provider.NativeEntry {
	out := make([]provider.NativeEntry, n)
	for i := range out {
		out[i] = provider.NativeEntry{
			NativeID: fmt.Sprintf("%s-%d", prefix, i),
			Title:    fmt.Sprintf("%s Title %d", prefix, i),
			Year:     2000 + i,
		}
	}
	return out
}

func TestSearch_TieredFallbackStopsAtTarget(t *testing.T) {
	a := newStubSource("a", provider.TierPrimary)
	a.entries = entriesNamed("a", 5)
	b := newStubSource("b", provider.TierSecondary)
	b.entries = entriesNamed("b", 18)
	c := newStubSource("c", provider.TierTertiary)
	c.entries = entriesNamed("c", 3)

	e := New(nil, &stubCatalog{sources: []*stubSource{a, b, c}}, &stubGate{})
	page, err := e.Search(context.Background(), Request{Query: "naruto", Page: 1, Limit: 20})
	if err != nil {
		t.Fatal(err)
	}
	// target = 30; a(5) is short, b runs; 23 < 30 so c runs too... unless
	// the budget math says otherwise. With 5+18+3 distinct titles all three
	// sources contribute.
	if len(page.Results) != 20 {
		t.Errorf("page has %d results, want limit 20", len(page.Results))
	}
	if !page.HasNext {
		t.Error("26 fused entries at limit 20 must report has_next")
	}
	if page.Total != 26 {
		t.Errorf("total = %d, want 26", page.Total)
	}
	if len(page.Sources) != 3 {
		t.Errorf("source stats = %d, want 3", len(page.Sources))
	}
}

func TestSearch_TargetReachedSkipsLowerTiers(t *testing.T) {
	a := newStubSource("a", provider.TierPrimary)
	a.entries = entriesNamed("a", 8)
	c := newStubSource("c", provider.TierTertiary)
	c.entries = entriesNamed("c", 3)

	e := New(nil, &stubCatalog{sources: []*stubSource{a, c}}, &stubGate{})
	page, err := e.Search(context.Background(), Request{Query: "x", Page: 1, Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	// target = 7.5 -> 7; a delivered 8, no primary failures, so c is never
	// consulted.
	if c.calls != 0 {
		t.Error("tertiary tier consulted although target was reached")
	}
	if len(page.Results) != 5 || !page.HasNext {
		t.Errorf("page: %d results hasNext=%t", len(page.Results), page.HasNext)
	}
}

func TestSearch_PrimaryFailureFallsThrough(t *testing.T) {
	a := newStubSource("a", provider.TierPrimary)
	a.err = provider.Errorf(provider.KindDeadline, "a", "search deadline exceeded")
	b := newStubSource("b", provider.TierSecondary)
	b.entries = entriesNamed("b", 10)
	c := newStubSource("c", provider.TierTertiary)
	// Two of c's titles duplicate b's.
	c.entries = append(entriesNamed("c", 1), b.entries[0], b.entries[1])

	e := New(nil, &stubCatalog{sources: []*stubSource{a, b, c}}, &stubGate{})
	page, err := e.Search(context.Background(), Request{Query: "q", Page: 1, Limit: 20})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 11 {
		t.Errorf("total = %d, want 11 unique", page.Total)
	}

	var aStat *SourceStat
	for i := range page.Sources {
		if page.Sources[i].SourceID == "a" {
			aStat = &page.Sources[i]
		}
	}
	if aStat == nil {
		t.Fatal("failed source missing from stats")
	}
	if aStat.ErrKind != provider.KindDeadline {
		t.Errorf("a error kind = %s, want deadline", aStat.ErrKind)
	}
}

func TestSearch_AllSourcesFailed(t *testing.T) {
	a := newStubSource("a", provider.TierPrimary)
	a.err = provider.Errorf(provider.KindTransport, "a", "connection refused")
	b := newStubSource("b", provider.TierSecondary)
	b.err = provider.Errorf(provider.KindTransport, "b", "connection refused")

	e := New(nil, &stubCatalog{sources: []*stubSource{a, b}}, &stubGate{})
	_, err := e.Search(context.Background(), Request{Query: "q"})
	if provider.KindOf(err) != provider.KindAllSourcesFailed {
		t.Errorf("kind = %s, want all_sources_failed", provider.KindOf(err))
	}
}

func TestSearch_AllInadmissible(t *testing.T) {
	a := newStubSource("a", provider.TierPrimary)
	a.entries = entriesNamed("a", 3)

	e := New(nil, &stubCatalog{sources: []*stubSource{a}}, &stubGate{down: map[string]bool{"a": true}})
	_, err := e.Search(context.Background(), Request{Query: "q"})
	if provider.KindOf(err) != provider.KindAllSourcesFailed {
		t.Errorf("kind = %s, want all_sources_failed", provider.KindOf(err))
	}
	if a.calls != 0 {
		t.Error("inadmissible source must never be invoked")
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	a := newStubSource("a", provider.TierPrimary)
	e := New(nil, &stubCatalog{sources: []*stubSource{a}}, &stubGate{})

	_, err := e.Search(context.Background(), Request{Query: "   "})
	if provider.KindOf(err) != provider.KindInvalidArgument {
		t.Errorf("kind = %s, want invalid_argument", provider.KindOf(err))
	}
	if a.calls != 0 {
		t.Error("no sources may be consulted for an empty query")
	}
}

func TestSearch_CacheHitIsIdempotent(t *testing.T) {
	a := newStubSource("a", provider.TierPrimary)
	a.entries = entriesNamed("a", 6)
	e := New(nil, &stubCatalog{sources: []*stubSource{a}}, &stubGate{})

	req := Request{Query: "Bleach", Page: 1, Limit: 5}
	first, err := e.Search(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Cached {
		t.Error("first response must not be cached")
	}

	second, err := e.Search(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached {
		t.Fatal("second response within TTL must be cached")
	}
	if a.calls != 1 {
		t.Errorf("source called %d times, want 1", a.calls)
	}
	if len(second.Results) != len(first.Results) {
		t.Fatal("cached page differs in size")
	}
	for i := range first.Results {
		if first.Results[i].ID != second.Results[i].ID {
			t.Fatal("cached page differs in order")
		}
	}

	// Mutating the returned page must not corrupt the cache.
	second.Results[0].Title = "mutated"
	third, _ := e.Search(context.Background(), req)
	if third.Results[0].Title == "mutated" {
		t.Error("cache handed out a shared pointer")
	}

	e.InvalidateCache()
	fourth, err := e.Search(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if fourth.Cached {
		t.Error("invalidated cache still serving hits")
	}
}

func TestSearch_NSFWFilter(t *testing.T) {
	a := newStubSource("a", provider.TierPrimary)
	flagged := provider.NativeEntry{NativeID: "x", Title: "Flagged", NSFW: true}
	clean := provider.NativeEntry{NativeID: "y", Title: "Clean"}
	a.entries = []provider.NativeEntry{flagged, clean}

	e := New(nil, &stubCatalog{sources: []*stubSource{a}}, &stubGate{})

	page, err := e.Search(context.Background(), Request{Query: "q", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Results) != 1 || page.Results[0].Title != "Clean" {
		t.Errorf("nsfw entry leaked: %+v", page.Results)
	}

	allow, err := e.Search(context.Background(), Request{Query: "q", Limit: 10, Filter: Filter{AllowNSFW: true}})
	if err != nil {
		t.Fatal(err)
	}
	if len(allow.Results) != 2 {
		t.Errorf("allow-nsfw results = %d, want 2", len(allow.Results))
	}
}

// memEntryStore records persisted entries keyed by fingerprint.
type memEntryStore struct {
	saved map[string]*manga.Entry
}

func (s *memEntryStore) SaveEntry(entry *manga.Entry, fingerprint string) error {
	if s.saved == nil {
		s.saved = make(map[string]*manga.Entry)
	}
	s.saved[fingerprint] = entry
	return nil
}

func TestSearch_PersistsFusedEntries(t *testing.T) {
	a := newStubSource("a", provider.TierPrimary)
	a.entries = []provider.NativeEntry{
		{NativeID: "op-1", Title: "One Piece", Year: 1997},
		{NativeID: "nr-1", Title: "Naruto", Year: 1999},
	}
	store := &memEntryStore{}
	e := New(nil, &stubCatalog{sources: []*stubSource{a}}, &stubGate{}, WithEntryStore(store))

	if _, err := e.Search(context.Background(), Request{Query: "one piece", Limit: 10}); err != nil {
		t.Fatal(err)
	}
	if len(store.saved) != 2 {
		t.Fatalf("persisted %d entries, want 2", len(store.saved))
	}
	got, ok := store.saved[manga.Fingerprint("One Piece", 1997)]
	if !ok {
		t.Fatal("fingerprint for One Piece missing")
	}
	if len(got.Origins) != 1 || got.Origins[0].NativeID != "op-1" {
		t.Errorf("origins = %+v", got.Origins)
	}

	// Cache hits skip persistence.
	before := len(store.saved)
	if _, err := e.Search(context.Background(), Request{Query: "one piece", Limit: 10}); err != nil {
		t.Fatal(err)
	}
	if len(store.saved) != before {
		t.Error("cached search wrote entries again")
	}
}

func TestSearch_TierFilter(t *testing.T) {
	a := newStubSource("a", provider.TierPrimary)
	a.entries = entriesNamed("a", 2)
	b := newStubSource("b", provider.TierSecondary)
	b.entries = entriesNamed("b", 2)

	e := New(nil, &stubCatalog{sources: []*stubSource{a, b}}, &stubGate{})
	page, err := e.Search(context.Background(), Request{
		Query: "q", Limit: 10,
		Filter: Filter{Tiers: []provider.Tier{provider.TierSecondary}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.calls != 0 {
		t.Error("tier filter must exclude primary sources")
	}
	if len(page.Results) != 2 {
		t.Errorf("results = %d, want 2", len(page.Results))
	}
}
