// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"sort"
	"strings"

	"github.com/kuroibara/kuroibara/pkg/manga"
	"github.com/kuroibara/kuroibara/pkg/provider"
)

// scoreFields are the descriptive fields counted toward completeness.
const scoreFieldCount = 6 // title, description, cover, genres, year, authors

// completeness is the fraction of descriptive fields a native entry filled.
func completeness(e *provider.NativeEntry) float64 {
	n := 0
	if e.Title != "" {
		n++
	}
	if e.Description != "" {
		n++
	}
	if e.CoverURL != "" {
		n++
	}
	if len(e.Genres) > 0 {
		n++
	}
	if e.Year > 0 {
		n++
	}
	if len(e.Authors) > 0 {
		n++
	}
	return float64(n) / scoreFieldCount
}

// scoreOrigin computes the confidence of one source's claim: tier weight ×
// field completeness × exact-title boost, clipped to [0,1].
func scoreOrigin(tier provider.Tier, e *provider.NativeEntry, normQuery string) float64 {
	score := tier.Weight() * completeness(e)
	if normQuery != "" && manga.NormalizeTitle(e.Title) == normQuery {
		score *= 1.1
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// fused is one entry under construction plus the bookkeeping fusion needs.
type fused struct {
	entry *manga.Entry

	// bestTier guards descriptions and covers: only a strictly higher tier
	// may overwrite them.
	bestTier   provider.Tier
	genreSeen  map[string]bool
	titleSeen  map[string]bool
	confidence map[string]float64 // per source, highest wins
}

// fuser merges native entries from many sources into UniversalEntry records
// keyed by title fingerprint. Not safe for concurrent use; the engine owns
// one per request behind its own mutex.
type fuser struct {
	normQuery string
	byFP      map[string]*fused
	order     []string
}

func newFuser(query string) *fuser {
	return &fuser{
		normQuery: manga.NormalizeTitle(query),
		byFP:      make(map[string]*fused),
	}
}

func tierLess(a, b provider.Tier) bool {
	return a.Weight() < b.Weight()
}

// add folds one source's results in.
func (f *fuser) add(sourceID string, tier provider.Tier, entries []provider.NativeEntry) {
	for i := range entries {
		f.addOne(sourceID, tier, &entries[i])
	}
}

func (f *fuser) addOne(sourceID string, tier provider.Tier, ne *provider.NativeEntry) {
	if ne.Title == "" {
		return
	}
	fp := manga.Fingerprint(ne.Title, ne.Year)
	conf := scoreOrigin(tier, ne, f.normQuery)

	fu, ok := f.byFP[fp]
	if !ok {
		fu = &fused{
			entry: &manga.Entry{
				ID:     manga.EntryID(fp),
				Title:  ne.Title,
				Type:   ne.Type,
				Status: ne.Status,
				Year:   ne.Year,
			},
			bestTier:   tier,
			genreSeen:  make(map[string]bool),
			titleSeen:  map[string]bool{strings.ToLower(ne.Title): true},
			confidence: make(map[string]float64),
		}
		fu.entry.Description = ne.Description
		fu.entry.CoverURL = ne.CoverURL
		f.byFP[fp] = fu
		f.order = append(f.order, fp)
	} else {
		// Descriptions and covers prefer the highest-tier origin.
		if tierLess(fu.bestTier, tier) || (fu.bestTier == tier && fu.entry.Description == "") {
			if ne.Description != "" {
				fu.entry.Description = ne.Description
			}
			if ne.CoverURL != "" {
				fu.entry.CoverURL = ne.CoverURL
			}
			if tierLess(fu.bestTier, tier) {
				fu.bestTier = tier
			}
		}
		if fu.entry.Year == 0 {
			fu.entry.Year = ne.Year
		}
		if fu.entry.Status == "" || fu.entry.Status == manga.StatusUnknown {
			fu.entry.Status = ne.Status
		}
	}
	e := fu.entry

	// Alternative titles union, case-insensitive, first casing wins.
	for _, alt := range append([]string{ne.Title}, ne.AltTitles...) {
		key := strings.ToLower(alt)
		if alt == "" || fu.titleSeen[key] {
			continue
		}
		fu.titleSeen[key] = true
		if !strings.EqualFold(alt, e.Title) {
			e.AltTitles = append(e.AltTitles, alt)
		}
	}

	// Genre union, case-insensitive.
	for _, g := range ne.Genres {
		key := strings.ToLower(g)
		if g == "" || fu.genreSeen[key] {
			continue
		}
		fu.genreSeen[key] = true
		e.Genres = append(e.Genres, g)
	}

	if len(e.Authors) == 0 && len(ne.Authors) > 0 {
		e.Authors = append(e.Authors, ne.Authors...)
	}
	if e.Rating == nil && ne.Rating != nil {
		r := *ne.Rating
		e.Rating = &r
	}
	if ne.NSFW {
		e.NSFW = true
	}

	// One origin per source, highest confidence wins.
	if prev, seen := fu.confidence[sourceID]; !seen || conf > prev {
		fu.confidence[sourceID] = conf
		replaced := false
		for i := range e.Origins {
			if e.Origins[i].SourceID == sourceID {
				e.Origins[i] = manga.SourceOrigin{SourceID: sourceID, NativeID: ne.NativeID, Confidence: conf, NSFW: ne.NSFW}
				replaced = true
				break
			}
		}
		if !replaced {
			e.Origins = append(e.Origins, manga.SourceOrigin{SourceID: sourceID, NativeID: ne.NativeID, Confidence: conf, NSFW: ne.NSFW})
		}
	}

	e.Completeness = entryCompleteness(e)
}

// entryCompleteness recomputes the fused record's field coverage.
func entryCompleteness(e *manga.Entry) float64 {
	n := 0
	if e.Title != "" {
		n++
	}
	if e.Description != "" {
		n++
	}
	if e.CoverURL != "" {
		n++
	}
	if len(e.Genres) > 0 {
		n++
	}
	if e.Year > 0 {
		n++
	}
	if len(e.Authors) > 0 {
		n++
	}
	return float64(n) / scoreFieldCount
}

// len reports the number of fused entries so far.
func (f *fuser) len() int { return len(f.byFP) }

// ranked returns the fused entries ordered by max confidence, then
// completeness, then title.
func (f *fuser) ranked() []*manga.Entry {
	out := make([]*manga.Entry, 0, len(f.order))
	for _, fp := range f.order {
		out = append(out, f.byFP[fp].entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := out[i].MaxConfidence(), out[j].MaxConfidence()
		if ci != cj {
			return ci > cj
		}
		if out[i].Completeness != out[j].Completeness {
			return out[i].Completeness > out[j].Completeness
		}
		return out[i].Title < out[j].Title
	})
	return out
}
