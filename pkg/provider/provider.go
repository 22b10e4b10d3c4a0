// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package provider defines the Source interface every upstream adapter
// implements, the immutable descriptors that identify sources, and the error
// taxonomy shared by the whole pipeline.
//
// A Source wraps one upstream site or API. Generic sources are data-driven:
// a single adapter implementation parameterized by selector/path maps from
// configuration. Custom sources are code registered under a class name.
// Either way, callers only ever see this interface.
package provider

import (
	"context"
	"time"

	"github.com/kuroibara/kuroibara/pkg/manga"
)

// NativeEntry is one search result as a single source reports it, before
// fusion. NativeID is the identifier the source uses for the title.
type NativeEntry struct {
	NativeID    string
	Title       string
	AltTitles   []string
	URL         string
	CoverURL    string
	Description string
	Type        manga.Type
	Status      manga.Status
	Year        int
	NSFW        bool
	Genres      []string
	Authors     []manga.Author
	Rating      *float64
}

// Details is the full title record a source returns for one native id.
type Details struct {
	NativeEntry
	ChapterCount int
}

// ProbeResult is the outcome of one connectivity check.
type ProbeResult struct {
	Healthy bool
	Latency time.Duration
	Err     error
}

// Source is the contract every adapter fulfills. Implementations must honor
// ctx cancellation at every blocking point and must return errors from the
// package taxonomy (wrapping is fine; KindOf must recover the kind).
//
// Operations not covered by the descriptor's capability set fail with
// KindUnsupported.
type Source interface {
	// Descriptor returns the immutable identity of the source.
	Descriptor() Descriptor

	// Search returns source-native entries for the query. page is 1-based.
	Search(ctx context.Context, query string, page, limit int) ([]NativeEntry, error)

	// Details fetches the full record for one title.
	Details(ctx context.Context, nativeID string) (*Details, error)

	// Chapters lists the chapters of a title, newest conventions preserved
	// as the source reports them.
	Chapters(ctx context.Context, nativeID string) ([]manga.ChapterRef, error)

	// Pages returns the ordered image URLs for one chapter.
	Pages(ctx context.Context, chapterNativeID string) ([]string, error)

	// Probe performs a cheap connectivity check. Probe errors are reported
	// in the result, never returned; only the health monitor interprets
	// them.
	Probe(ctx context.Context) ProbeResult
}

// GenericParams is the configuration blob that drives the generic adapter.
// URL templates substitute {query}, {page} and {id} placeholders; values are
// URL-encoded at substitution time.
//
// Exactly one of Selectors (HTML sources) or JSONPaths (API sources) should
// be populated. Each key maps to a fallback chain: the first extraction that
// yields a non-empty value wins. Required keys: search_items, title, link.
// Optional: cover, description, chapters, chapter_title, chapter_number,
// pages, rating, nsfw.
type GenericParams struct {
	BaseURL             string            `json:"base_url"`
	SearchURLTemplate   string            `json:"search_url_template"`
	DetailsURLTemplate  string            `json:"details_url_template,omitempty"`
	ChaptersURLTemplate string            `json:"chapters_url_template,omitempty"`
	PagesURLTemplate    string            `json:"pages_url_template,omitempty"`
	Selectors           map[string][]string `json:"selectors,omitempty"`
	JSONPaths           map[string][]string `json:"json_paths,omitempty"`
	Headers             map[string]string `json:"headers,omitempty"`
}

// Mode reports whether the params describe an HTML or a JSON source.
func (p *GenericParams) Mode() string {
	if len(p.JSONPaths) > 0 {
		return "json"
	}
	return "html"
}
