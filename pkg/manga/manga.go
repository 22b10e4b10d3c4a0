// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package manga defines the domain model shared by the search engine, the
// download scheduler, and API consumers: fused cross-source entries, the
// per-source origins that back them, and chapter references.
package manga

import "time"

// Type classifies a title by its publication style.
type Type string

const (
	TypeManga   Type = "manga"
	TypeManhwa  Type = "manhwa"
	TypeManhua  Type = "manhua"
	TypeNovel   Type = "novel"
	TypeUnknown Type = "unknown"
)

// Status is the publication status of a title.
type Status string

const (
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusHiatus    Status = "hiatus"
	StatusCancelled Status = "cancelled"
	StatusUnknown   Status = "unknown"
)

// ParseStatus maps the free-form status strings sources report onto the
// enum. Unrecognized values become StatusUnknown.
func ParseStatus(s string) Status {
	switch normalizeToken(s) {
	case "ongoing", "publishing", "releasing", "serialized":
		return StatusOngoing
	case "completed", "complete", "finished", "ended":
		return StatusCompleted
	case "hiatus", "onhiatus", "paused":
		return StatusHiatus
	case "cancelled", "canceled", "dropped", "discontinued":
		return StatusCancelled
	}
	return StatusUnknown
}

// ParseType maps free-form type strings onto the enum.
func ParseType(s string) Type {
	switch normalizeToken(s) {
	case "manga":
		return TypeManga
	case "manhwa", "webtoon":
		return TypeManhwa
	case "manhua":
		return TypeManhua
	case "novel", "lightnovel", "ln":
		return TypeNovel
	}
	return TypeUnknown
}

func normalizeToken(s string) string {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' {
			b = append(b, c)
		}
	}
	return string(b)
}

// Author is a credited contributor with an optional role ("story", "art").
type Author struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// SourceOrigin records that one upstream source contributed evidence for an
// Entry. Confidence is the fusion score in [0,1] computed by the search
// engine; NativeID is the identifier the source itself uses for the title.
type SourceOrigin struct {
	SourceID   string  `json:"sourceId"`
	NativeID   string  `json:"nativeId"`
	Confidence float64 `json:"confidence"`
	NSFW       bool    `json:"nsfw,omitempty"`
}

// Entry is a fused, cross-source title record. One Entry may be backed by
// several SourceOrigins; the invariant is that it always has at least one.
//
// Entries returned by the search engine are owned by the caller. The result
// cache keeps independent copies, so callers may mutate freely.
type Entry struct {
	// ID is a stable synthetic identifier derived from the title
	// fingerprint. Fingerprint equality implies ID equality.
	ID string `json:"id"`

	Title     string   `json:"title"`
	AltTitles []string `json:"altTitles,omitempty"`

	Description string `json:"description,omitempty"`
	CoverURL    string `json:"coverUrl,omitempty"`

	Type   Type   `json:"type"`
	Status Status `json:"status"`

	// Year is the first publication year, 0 when unknown.
	Year int `json:"year,omitempty"`

	// NSFW is true when any contributing origin flagged the title.
	NSFW bool `json:"nsfw"`

	// Genres are deduplicated case-insensitively; the first-seen casing wins.
	Genres  []string `json:"genres,omitempty"`
	Authors []Author `json:"authors,omitempty"`

	// Rating is 0..10; nil when no source reported one.
	Rating *float64 `json:"rating,omitempty"`

	// Popularity is a rank (lower is more popular); nil when unknown.
	Popularity *int `json:"popularity,omitempty"`

	Origins []SourceOrigin `json:"origins"`

	// Completeness is the fraction of descriptive fields present, in [0,1].
	Completeness float64 `json:"completeness"`
}

// MaxConfidence returns the highest origin confidence, 0 for no origins.
func (e *Entry) MaxConfidence() float64 {
	best := 0.0
	for _, o := range e.Origins {
		if o.Confidence > best {
			best = o.Confidence
		}
	}
	return best
}

// Origin returns the origin contributed by sourceID, if any.
func (e *Entry) Origin(sourceID string) (SourceOrigin, bool) {
	for _, o := range e.Origins {
		if o.SourceID == sourceID {
			return o, true
		}
	}
	return SourceOrigin{}, false
}

// ChapterRef identifies one chapter within one source. The pair
// (SourceID, NativeID) is unique per source; Number is kept as a string to
// preserve values like "12.5" or "Extra".
type ChapterRef struct {
	SourceID      string `json:"sourceId"`
	NativeID      string `json:"nativeId"`
	MangaNativeID string `json:"mangaNativeId"`

	Number   string `json:"number"`
	Volume   string `json:"volume,omitempty"`
	Title    string `json:"title,omitempty"`
	Language string `json:"language,omitempty"`

	ReleasedAt *time.Time `json:"releasedAt,omitempty"`

	// PageCount is 0 when the source does not report it up front.
	PageCount int `json:"pageCount,omitempty"`
}
