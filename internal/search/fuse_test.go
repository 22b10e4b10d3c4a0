// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"testing"

	"github.com/kuroibara/kuroibara/pkg/manga"
	"github.com/kuroibara/kuroibara/pkg/provider"
)

func nativeEntry(id, title string, year int) provider.NativeEntry {
	return provider.NativeEntry{NativeID: id, Title: title, Year: year}
}

func TestFuser_DedupAcrossCasingAndPunctuation(t *testing.T) {
	fu := newFuser("one piece")
	fu.add("a", provider.TierPrimary, []provider.NativeEntry{nativeEntry("1", "One Piece", 1997)})
	fu.add("b", provider.TierSecondary, []provider.NativeEntry{nativeEntry("2", "one piece", 1997)})
	fu.add("c", provider.TierTertiary, []provider.NativeEntry{nativeEntry("3", "One  Piece!", 1997)})

	if fu.len() != 1 {
		t.Fatalf("fused %d entries, want 1", fu.len())
	}
	e := fu.ranked()[0]
	if len(e.Origins) != 3 {
		t.Fatalf("origins = %d, want 3", len(e.Origins))
	}
	if e.ID != manga.EntryID(manga.Fingerprint("One Piece", 1997)) {
		t.Error("fingerprint equality must imply entry id equality")
	}
}

func TestFuser_DifferentYearsStaySeparate(t *testing.T) {
	fu := newFuser("")
	fu.add("a", provider.TierPrimary, []provider.NativeEntry{
		nativeEntry("1", "Hunter x Hunter", 1999),
		nativeEntry("2", "Hunter x Hunter", 2011),
	})
	if fu.len() != 2 {
		t.Errorf("fused %d entries, want 2 (distinct years)", fu.len())
	}
}

func TestFuser_GenreAndAltTitleUnion(t *testing.T) {
	fu := newFuser("")
	a := nativeEntry("1", "Berserk", 1989)
	a.Genres = []string{"Action", "Dark Fantasy"}
	b := nativeEntry("2", "Berserk", 1989)
	b.Genres = []string{"action", "Seinen"}
	b.AltTitles = []string{"Berserk", "Kenpuu Denki Berserk"}

	fu.add("x", provider.TierPrimary, []provider.NativeEntry{a})
	fu.add("y", provider.TierSecondary, []provider.NativeEntry{b})

	e := fu.ranked()[0]
	if len(e.Genres) != 3 {
		t.Errorf("genres = %v, want case-insensitive union of 3", e.Genres)
	}
	if len(e.AltTitles) != 1 || e.AltTitles[0] != "Kenpuu Denki Berserk" {
		t.Errorf("alt titles = %v", e.AltTitles)
	}
}

func TestFuser_DescriptionPrefersHigherTier(t *testing.T) {
	fu := newFuser("")
	low := nativeEntry("1", "Vagabond", 1998)
	low.Description = "tertiary text"
	high := nativeEntry("2", "Vagabond", 1998)
	high.Description = "primary text"

	fu.add("t", provider.TierTertiary, []provider.NativeEntry{low})
	fu.add("p", provider.TierPrimary, []provider.NativeEntry{high})

	if desc := fu.ranked()[0].Description; desc != "primary text" {
		t.Errorf("description = %q, higher tier must win", desc)
	}

	// And the reverse arrival order must not change the outcome.
	fu2 := newFuser("")
	fu2.add("p", provider.TierPrimary, []provider.NativeEntry{high})
	fu2.add("t", provider.TierTertiary, []provider.NativeEntry{low})
	if desc := fu2.ranked()[0].Description; desc != "primary text" {
		t.Errorf("description = %q after reorder, higher tier must win", desc)
	}
}

func TestFuser_NSFWFromAnyOrigin(t *testing.T) {
	fu := newFuser("")
	clean := nativeEntry("1", "Title", 2020)
	flagged := nativeEntry("2", "Title", 2020)
	flagged.NSFW = true
	fu.add("a", provider.TierPrimary, []provider.NativeEntry{clean})
	fu.add("b", provider.TierSecondary, []provider.NativeEntry{flagged})

	if !fu.ranked()[0].NSFW {
		t.Error("any flagged origin must mark the entry nsfw")
	}
}

func TestScoreOrigin(t *testing.T) {
	full := provider.NativeEntry{
		NativeID:    "1",
		Title:       "Naruto",
		Description: "ninja",
		CoverURL:    "https://x/cover.jpg",
		Genres:      []string{"Action"},
		Year:        1999,
		Authors:     []manga.Author{{Name: "Kishimoto"}},
	}

	t.Run("exact match on a complete primary entry caps at 1", func(t *testing.T) {
		got := scoreOrigin(provider.TierPrimary, &full, "naruto")
		if got != 1.0 {
			t.Errorf("score = %v, want clipped 1.0", got)
		}
	})

	t.Run("tier weight scales the score", func(t *testing.T) {
		p := scoreOrigin(provider.TierPrimary, &full, "")
		s := scoreOrigin(provider.TierSecondary, &full, "")
		tt := scoreOrigin(provider.TierTertiary, &full, "")
		if !(p > s && s > tt) {
			t.Errorf("weights not ordered: %v %v %v", p, s, tt)
		}
		if p != 1.0 || s != 0.8 || tt != 0.7 {
			t.Errorf("complete entry scores = %v/%v/%v, want 1.0/0.8/0.7", p, s, tt)
		}
	})

	t.Run("sparse entries score by completeness", func(t *testing.T) {
		sparse := provider.NativeEntry{NativeID: "2", Title: "Naruto"}
		got := scoreOrigin(provider.TierPrimary, &sparse, "")
		want := 1.0 / scoreFieldCount
		if got < want-0.001 || got > want+0.001 {
			t.Errorf("score = %v, want %v", got, want)
		}
	})

	t.Run("never leaves [0,1]", func(t *testing.T) {
		for _, tier := range []provider.Tier{provider.TierPrimary, provider.TierSecondary, provider.TierTertiary} {
			got := scoreOrigin(tier, &full, "naruto")
			if got < 0 || got > 1 {
				t.Errorf("tier %s score %v out of range", tier, got)
			}
		}
	})
}

func TestRanking(t *testing.T) {
	fu := newFuser("naruto")

	complete := provider.NativeEntry{
		NativeID: "1", Title: "Naruto", Description: "d", CoverURL: "c",
		Genres: []string{"Action"}, Year: 1999, Authors: []manga.Author{{Name: "K"}},
	}
	partial := nativeEntry("2", "Naruto Gaiden", 2015)
	partial.Description = "spinoff"

	fu.add("a", provider.TierPrimary, []provider.NativeEntry{partial, complete})
	ranked := fu.ranked()
	if ranked[0].Title != "Naruto" {
		t.Errorf("ranked[0] = %s, exact complete match must rank first", ranked[0].Title)
	}
}
