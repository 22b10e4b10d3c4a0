// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
)

// buildURL substitutes {query}, {page} and {id} placeholders in a template.
// Values are URL-encoded at substitution time.
func buildURL(template, query string, page int, id string) string {
	r := strings.NewReplacer(
		"{query}", url.QueryEscape(query),
		"{page}", strconv.Itoa(page),
		"{id}", url.PathEscape(id),
	)
	return r.Replace(template)
}

// resolveURL makes href absolute against the source base. Already-absolute
// and protocol-relative URLs pass through.
func resolveURL(base, href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	hu, err := url.Parse(href)
	if err != nil {
		return href
	}
	return bu.ResolveReference(hu).String()
}

var (
	scriptRe     = regexp.MustCompile(`(?is)<script\b.*?</script>|<style\b.*?</style>|<noscript\b.*?</noscript>`)
	tagRe        = regexp.MustCompile(`(?s)<[^>]*>`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// scrubHTML strips scripts and tags from an HTML fragment and normalizes
// whitespace, leaving plain text suitable for descriptions.
func scrubHTML(s string) string {
	s = scriptRe.ReplaceAllString(s, " ")
	s = tagRe.ReplaceAllString(s, " ")
	s = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ").Replace(s)
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// selectFirst walks a selector fallback chain within sel and returns the
// first non-empty extraction. A selector of the form "css@attr" reads the
// attribute instead of the text.
func selectFirst(sel *goquery.Selection, chain []string) string {
	for _, raw := range chain {
		css, attr := splitSelector(raw)
		var node *goquery.Selection
		if css == "" {
			node = sel
		} else {
			node = sel.Find(css).First()
		}
		if node.Length() == 0 {
			continue
		}
		var v string
		if attr != "" {
			v, _ = node.Attr(attr)
		} else {
			v = node.Text()
		}
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// selectAll returns every match of the first selector in the chain that
// yields anything.
func selectAll(sel *goquery.Selection, chain []string) []string {
	for _, raw := range chain {
		css, attr := splitSelector(raw)
		var out []string
		sel.Find(css).Each(func(_ int, n *goquery.Selection) {
			var v string
			if attr != "" {
				v, _ = n.Attr(attr)
			} else {
				v = n.Text()
			}
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		})
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func splitSelector(raw string) (css, attr string) {
	if i := strings.LastIndex(raw, "@"); i >= 0 {
		return strings.TrimSpace(raw[:i]), strings.TrimSpace(raw[i+1:])
	}
	return strings.TrimSpace(raw), ""
}

// jsonFirst walks a gjson path fallback chain rooted at item and returns the
// first non-empty string value.
func jsonFirst(item gjson.Result, chain []string) string {
	for _, path := range chain {
		v := item.Get(path)
		if v.Exists() {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

// jsonAll returns the elements of the first array path in the chain that
// yields anything; scalar matches come back as a one-element slice.
func jsonAll(item gjson.Result, chain []string) []string {
	for _, path := range chain {
		v := item.Get(path)
		if !v.Exists() {
			continue
		}
		var out []string
		if v.IsArray() {
			for _, e := range v.Array() {
				if s := strings.TrimSpace(e.String()); s != "" {
					out = append(out, s)
				}
			}
		} else if s := strings.TrimSpace(v.String()); s != "" {
			out = append(out, s)
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// parseBool is lenient: nsfw indicators show up as "true", "1", "yes",
// "adult", "18+" depending on the source.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "adult", "nsfw", "18+", "r18":
		return true
	}
	return false
}

// parseYear pulls a plausible 4-digit year out of a free-form field.
var yearRe = regexp.MustCompile(`\b(19|20)\d{2}\b`)

func parseYear(s string) int {
	m := yearRe.FindString(s)
	if m == "" {
		return 0
	}
	y, _ := strconv.Atoi(m)
	return y
}
