// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"testing"
)

func TestBuildURL(t *testing.T) {
	got := buildURL("https://x.test/search?q={query}&p={page}", "one piece!", 2, "")
	want := "https://x.test/search?q=one+piece%21&p=2"
	if got != want {
		t.Errorf("buildURL = %q, want %q", got, want)
	}

	got = buildURL("https://x.test/manga/{id}", "", 1, "solo leveling")
	want = "https://x.test/manga/solo%20leveling"
	if got != want {
		t.Errorf("buildURL id = %q, want %q", got, want)
	}
}

func TestResolveURL(t *testing.T) {
	cases := []struct{ base, href, want string }{
		{"https://x.test", "/covers/1.jpg", "https://x.test/covers/1.jpg"},
		{"https://x.test/sub/", "rel.jpg", "https://x.test/sub/rel.jpg"},
		{"https://x.test", "https://cdn.test/a.jpg", "https://cdn.test/a.jpg"},
		{"https://x.test", "//cdn.test/a.jpg", "https://cdn.test/a.jpg"},
		{"https://x.test", "", ""},
	}
	for _, c := range cases {
		if got := resolveURL(c.base, c.href); got != c.want {
			t.Errorf("resolveURL(%q, %q) = %q, want %q", c.base, c.href, got, c.want)
		}
	}
}

func TestScrubHTML(t *testing.T) {
	in := `<div><script>alert(1)</script><p>A   pirate&#39;s
	tale &amp; more</p><style>.x{}</style></div>`
	want := "A pirate's tale & more"
	if got := scrubHTML(in); got != want {
		t.Errorf("scrubHTML = %q, want %q", got, want)
	}
}

func TestParseYear(t *testing.T) {
	if y := parseYear("Published 1997, ongoing"); y != 1997 {
		t.Errorf("parseYear = %d, want 1997", y)
	}
	if y := parseYear("no year here"); y != 0 {
		t.Errorf("parseYear = %d, want 0", y)
	}
}

func TestSplitSelector(t *testing.T) {
	css, attr := splitSelector(".item a@href")
	if css != ".item a" || attr != "href" {
		t.Errorf("splitSelector = %q, %q", css, attr)
	}
	css, attr = splitSelector(".title")
	if css != ".title" || attr != "" {
		t.Errorf("splitSelector = %q, %q", css, attr)
	}
}
