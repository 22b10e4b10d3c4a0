// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package search

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kuroibara/kuroibara/pkg/manga"
)

const (
	cacheSize = 256
	cacheTTL  = 5 * time.Minute
)

// resultCache holds finished result pages keyed by (normalized query, page,
// limit, filter signature). Writes are first-wins: a second concurrent
// write for the same key is discarded, so readers of the older page keep a
// consistent value.
type resultCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, *ResultPage]
}

func newResultCache() *resultCache {
	return &resultCache{
		lru: expirable.NewLRU[string, *ResultPage](cacheSize, nil, cacheTTL),
	}
}

// cacheKey builds the lookup key. The filter signature covers every request
// field that changes the result set.
func cacheKey(normQuery string, page, limit int, f Filter) string {
	tiers := make([]string, 0, len(f.Tiers))
	for _, t := range f.Tiers {
		tiers = append(tiers, string(t))
	}
	sort.Strings(tiers)
	langs := append([]string(nil), f.Languages...)
	sort.Strings(langs)
	return fmt.Sprintf("%s|%d|%d|nsfw=%t|tiers=%s|langs=%s",
		normQuery, page, limit, f.AllowNSFW,
		strings.Join(tiers, ","), strings.Join(langs, ","))
}

// get returns a defensive copy so callers may mutate freely.
func (c *resultCache) get(key string) (*ResultPage, bool) {
	c.mu.Lock()
	page, ok := c.lru.Get(key)
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return page.copy(), true
}

// putIfAbsent stores the page unless another writer got there first.
func (c *resultCache) putIfAbsent(key string, page *ResultPage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.lru.Get(key); exists {
		return false
	}
	c.lru.Add(key, page.copy())
	return true
}

// invalidateAll drops every cached page. Fired on manual refresh and when a
// down source recovers: any cached page could now be missing its results.
func (c *resultCache) invalidateAll() {
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// copy deep-copies the page far enough that callers mutating results or
// stats cannot corrupt the cached value.
func (p *ResultPage) copy() *ResultPage {
	cp := *p
	cp.Results = make([]*manga.Entry, len(p.Results))
	for i, e := range p.Results {
		ce := *e
		ce.AltTitles = append([]string(nil), e.AltTitles...)
		ce.Genres = append([]string(nil), e.Genres...)
		ce.Authors = append([]manga.Author(nil), e.Authors...)
		ce.Origins = append([]manga.SourceOrigin(nil), e.Origins...)
		cp.Results[i] = &ce
	}
	cp.Sources = append([]SourceStat(nil), p.Sources...)
	return &cp
}
