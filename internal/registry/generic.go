// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/kuroibara/kuroibara/internal/proxypool"
	"github.com/kuroibara/kuroibara/internal/ratelimit"
	"github.com/kuroibara/kuroibara/pkg/manga"
	"github.com/kuroibara/kuroibara/pkg/provider"
)

const (
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	maxResponseBytes = 16 << 20
	transportRetries = 2
	probeTimeout     = 10 * time.Second
)

// Env bundles the shared infrastructure every adapter dispatches through.
// One Env is built at startup and handed to the registry.
type Env struct {
	Log     *zap.Logger
	Rate    *ratelimit.Controller
	Proxies *proxypool.Pool
	Solver  *SolverClient
	Client  *http.Client
}

func (e *Env) logger() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e *Env) client() *http.Client {
	if e.Client == nil {
		return http.DefaultClient
	}
	return e.Client
}

// genericSource is the data-driven adapter: one implementation, parameterized
// entirely by the descriptor's Params. It also serves the JavaScript-heavy
// variant, which differs only in routing requests through the solver.
type genericSource struct {
	desc provider.Descriptor
	env  *Env
	log  *zap.Logger
}

func newGenericSource(desc provider.Descriptor, env *Env) *genericSource {
	return &genericSource{
		desc: desc,
		env:  env,
		log:  env.logger().Named("source").With(zap.String("source", desc.ID)),
	}
}

func (g *genericSource) Descriptor() provider.Descriptor { return g.desc }

// fetch performs one gated GET: rate permit, proxy selection, challenge
// detection, outcome reporting. Every adapter operation funnels through it.
func (g *genericSource) fetch(ctx context.Context, target string, priority int) ([]byte, error) {
	permit, err := g.env.Rate.Acquire(ctx, g.desc.ID, priority)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	ctx, cancel := context.WithDeadline(ctx, permit.Deadline)
	defer cancel()

	if g.desc.RequiresSolver {
		if g.env.Solver == nil {
			return nil, provider.Errorf(provider.KindBotChallenge, g.desc.ID, "solver required but not configured")
		}
		return g.env.Solver.Fetch(ctx, g.desc.ID, target)
	}

	var lastErr error
	for attempt := 0; attempt <= transportRetries; attempt++ {
		if attempt > 0 {
			// Short jittered pause between transport retries.
			select {
			case <-ctx.Done():
				return nil, provider.NewError(provider.KindCancelled, g.desc.ID, "fetch cancelled", ctx.Err())
			case <-time.After(time.Duration(100+rand.Intn(200)) * time.Millisecond):
			}
		}
		body, retryable, err := g.fetchOnce(ctx, target)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, lastErr
}

// fetchOnce reports whether its failure is worth a local retry (transport
// errors only; upstream statuses and challenges are not).
func (g *genericSource) fetchOnce(ctx context.Context, target string) (body []byte, retryable bool, err error) {
	client := g.env.client()

	var proxyID string
	if g.desc.UseProxy && g.env.Proxies != nil {
		pr, perr := g.env.Proxies.GetProxy(g.desc.ID)
		if perr != nil {
			return nil, false, provider.NewError(provider.KindTransport, g.desc.ID, "no proxy available", perr)
		}
		if pr != nil {
			transport, terr := proxypool.Transport(pr)
			if terr != nil {
				return nil, false, provider.NewError(provider.KindTransport, g.desc.ID, "proxy transport", terr)
			}
			proxyID = pr.ID
			client = &http.Client{Transport: transport, Timeout: client.Timeout}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, false, provider.NewError(provider.KindTransport, g.desc.ID, "build request", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	if g.desc.Params != nil {
		for k, v := range g.desc.Params.Headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		g.env.Rate.ReportOutcome(g.desc.ID, ratelimit.OutcomeTransport)
		if proxyID != "" {
			g.env.Proxies.ReportOutcome(proxyID, proxypool.OutcomeTransport)
		}
		if ctx.Err() != nil {
			return nil, false, provider.NewError(provider.KindDeadline, g.desc.ID, "request deadline exceeded", ctx.Err())
		}
		return nil, true, provider.NewError(provider.KindTransport, g.desc.ID, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		g.env.Rate.ReportOutcome(g.desc.ID, ratelimit.OutcomeTransport)
		return nil, true, provider.NewError(provider.KindTransport, g.desc.ID, "read body", err)
	}

	g.env.Rate.ReportOutcome(g.desc.ID, ratelimit.OutcomeFromStatus(resp.StatusCode))
	if proxyID != "" {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusProxyAuthRequired {
			g.env.Proxies.ReportOutcome(proxyID, proxypool.OutcomeHTTPError)
		} else {
			g.env.Proxies.ReportOutcome(proxyID, proxypool.OutcomeOK)
		}
	}

	if looksLikeChallenge(resp.StatusCode, resp.Header, raw) {
		if g.env.Solver != nil {
			return g.solve(ctx, target)
		}
		return nil, false, provider.Errorf(provider.KindBotChallenge, g.desc.ID, "bot challenge and no solver configured")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, false, provider.Errorf(provider.KindRateLimited, g.desc.ID, "upstream throttled (429)")
	case resp.StatusCode >= 400:
		return nil, false, provider.Errorf(provider.KindTransport, g.desc.ID, "upstream status %d", resp.StatusCode)
	}
	return raw, false, nil
}

func (g *genericSource) solve(ctx context.Context, target string) ([]byte, bool, error) {
	body, err := g.env.Solver.Fetch(ctx, g.desc.ID, target)
	if err != nil {
		return nil, false, err
	}
	return body, false, nil
}

func (g *genericSource) Search(ctx context.Context, query string, page, limit int) ([]provider.NativeEntry, error) {
	if !g.desc.Capabilities.Has(provider.CapSearch) {
		return nil, provider.Errorf(provider.KindUnsupported, g.desc.ID, "search not supported")
	}
	if page < 1 {
		page = 1
	}
	target := buildURL(g.desc.Params.SearchURLTemplate, query, page, "")
	body, err := g.fetch(ctx, target, searchPriority(ctx))
	if err != nil {
		return nil, err
	}

	var entries []provider.NativeEntry
	if g.desc.Params.Mode() == "json" {
		entries, err = g.parseSearchJSON(body)
	} else {
		entries, err = g.parseSearchHTML(body)
	}
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (g *genericSource) parseSearchHTML(body []byte) ([]provider.NativeEntry, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, provider.NewError(provider.KindParseError, g.desc.ID, "parse html", err)
	}
	sel := g.desc.Params.Selectors
	var entries []provider.NativeEntry
	for _, itemCSS := range sel["search_items"] {
		doc.Find(itemCSS).Each(func(_ int, item *goquery.Selection) {
			e := g.entryFromHTML(item)
			if e != nil {
				entries = append(entries, *e)
			}
		})
		if len(entries) > 0 {
			break
		}
	}
	if len(entries) == 0 && doc.Find("body").Length() == 0 {
		return nil, provider.Errorf(provider.KindParseError, g.desc.ID, "document has no body")
	}
	return entries, nil
}

func (g *genericSource) entryFromHTML(item *goquery.Selection) *provider.NativeEntry {
	sel := g.desc.Params.Selectors
	title := selectFirst(item, sel["title"])
	link := selectFirst(item, linkChain(sel["link"]))
	if title == "" || link == "" {
		return nil
	}
	link = resolveURL(g.desc.Params.BaseURL, link)

	e := &provider.NativeEntry{
		NativeID:    g.nativeID(link),
		Title:       title,
		URL:         link,
		CoverURL:    resolveURL(g.desc.Params.BaseURL, selectFirst(item, srcChain(sel["cover"]))),
		Description: scrubHTML(selectFirst(item, sel["description"])),
		Genres:      selectAll(item, sel["genres"]),
		NSFW:        g.desc.SupportsNSFW && parseBool(selectFirst(item, sel["nsfw"])),
		Year:        parseYear(selectFirst(item, sel["year"])),
	}
	if r := selectFirst(item, sel["rating"]); r != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(r), 64); err == nil && f >= 0 && f <= 10 {
			e.Rating = &f
		}
	}
	return e
}

func (g *genericSource) parseSearchJSON(body []byte) ([]provider.NativeEntry, error) {
	if !gjson.ValidBytes(body) {
		return nil, provider.Errorf(provider.KindParseError, g.desc.ID, "response is not valid json")
	}
	paths := g.desc.Params.JSONPaths
	root := gjson.ParseBytes(body)

	var items []gjson.Result
	for _, path := range paths["search_items"] {
		v := root.Get(path)
		if v.IsArray() {
			items = v.Array()
			break
		}
	}

	var entries []provider.NativeEntry
	for _, item := range items {
		title := jsonFirst(item, paths["title"])
		link := jsonFirst(item, paths["link"])
		if title == "" || link == "" {
			continue
		}
		link = resolveURL(g.desc.Params.BaseURL, link)
		e := provider.NativeEntry{
			NativeID:    g.nativeID(link),
			Title:       title,
			URL:         link,
			CoverURL:    resolveURL(g.desc.Params.BaseURL, jsonFirst(item, paths["cover"])),
			Description: scrubHTML(jsonFirst(item, paths["description"])),
			Genres:      jsonAll(item, paths["genres"]),
			AltTitles:   jsonAll(item, paths["alt_titles"]),
			NSFW:        g.desc.SupportsNSFW && parseBool(jsonFirst(item, paths["nsfw"])),
			Year:        parseYear(jsonFirst(item, paths["year"])),
		}
		if r := jsonFirst(item, paths["rating"]); r != "" {
			if f, err := strconv.ParseFloat(r, 64); err == nil && f >= 0 && f <= 10 {
				e.Rating = &f
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (g *genericSource) Details(ctx context.Context, nativeID string) (*provider.Details, error) {
	if !g.desc.Capabilities.Has(provider.CapDetails) || g.desc.Params.DetailsURLTemplate == "" {
		return nil, provider.Errorf(provider.KindUnsupported, g.desc.ID, "details not supported")
	}
	target := buildURL(g.desc.Params.DetailsURLTemplate, "", 1, nativeID)
	body, err := g.fetch(ctx, target, searchPriority(ctx))
	if err != nil {
		return nil, err
	}

	d := &provider.Details{}
	d.NativeID = nativeID
	if g.desc.Params.Mode() == "json" {
		if !gjson.ValidBytes(body) {
			return nil, provider.Errorf(provider.KindParseError, g.desc.ID, "response is not valid json")
		}
		paths := g.desc.Params.JSONPaths
		root := gjson.ParseBytes(body)
		d.Title = jsonFirst(root, paths["title"])
		d.Description = scrubHTML(jsonFirst(root, paths["description"]))
		d.CoverURL = resolveURL(g.desc.Params.BaseURL, jsonFirst(root, paths["cover"]))
		d.Genres = jsonAll(root, paths["genres"])
		d.AltTitles = jsonAll(root, paths["alt_titles"])
		d.Year = parseYear(jsonFirst(root, paths["year"]))
		d.Status = manga.ParseStatus(jsonFirst(root, paths["status"]))
		for _, name := range jsonAll(root, paths["authors"]) {
			d.Authors = append(d.Authors, manga.Author{Name: name})
		}
	} else {
		doc, perr := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if perr != nil {
			return nil, provider.NewError(provider.KindParseError, g.desc.ID, "parse html", perr)
		}
		sel := g.desc.Params.Selectors
		root := doc.Selection
		d.Title = selectFirst(root, sel["title"])
		d.Description = scrubHTML(selectFirst(root, sel["description"]))
		d.CoverURL = resolveURL(g.desc.Params.BaseURL, selectFirst(root, srcChain(sel["cover"])))
		d.Genres = selectAll(root, sel["genres"])
		d.Year = parseYear(selectFirst(root, sel["year"]))
		d.Status = manga.ParseStatus(selectFirst(root, sel["status"]))
		for _, name := range selectAll(root, sel["authors"]) {
			d.Authors = append(d.Authors, manga.Author{Name: name})
		}
	}
	if d.Title == "" {
		return nil, provider.Errorf(provider.KindParseError, g.desc.ID, "details page yielded no title")
	}
	return d, nil
}

func (g *genericSource) Chapters(ctx context.Context, nativeID string) ([]manga.ChapterRef, error) {
	if !g.desc.Capabilities.Has(provider.CapChapters) || g.desc.Params.ChaptersURLTemplate == "" {
		return nil, provider.Errorf(provider.KindUnsupported, g.desc.ID, "chapters not supported")
	}
	target := buildURL(g.desc.Params.ChaptersURLTemplate, "", 1, nativeID)
	body, err := g.fetch(ctx, target, searchPriority(ctx))
	if err != nil {
		return nil, err
	}

	lang := ""
	if len(g.desc.Languages) > 0 {
		lang = g.desc.Languages[0]
	}

	var refs []manga.ChapterRef
	if g.desc.Params.Mode() == "json" {
		paths := g.desc.Params.JSONPaths
		root := gjson.ParseBytes(body)
		for _, path := range paths["chapters"] {
			v := root.Get(path)
			if !v.IsArray() {
				continue
			}
			for _, item := range v.Array() {
				link := jsonFirst(item, paths["link"])
				if link == "" {
					continue
				}
				refs = append(refs, manga.ChapterRef{
					SourceID:      g.desc.ID,
					NativeID:      g.nativeID(resolveURL(g.desc.Params.BaseURL, link)),
					MangaNativeID: nativeID,
					Number:        jsonFirst(item, paths["chapter_number"]),
					Title:         jsonFirst(item, paths["chapter_title"]),
					Language:      lang,
				})
			}
			break
		}
	} else {
		doc, perr := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if perr != nil {
			return nil, provider.NewError(provider.KindParseError, g.desc.ID, "parse html", perr)
		}
		sel := g.desc.Params.Selectors
		for _, itemCSS := range sel["chapters"] {
			doc.Find(itemCSS).Each(func(_ int, item *goquery.Selection) {
				link := selectFirst(item, linkChain(sel["link"]))
				if link == "" {
					return
				}
				refs = append(refs, manga.ChapterRef{
					SourceID:      g.desc.ID,
					NativeID:      g.nativeID(resolveURL(g.desc.Params.BaseURL, link)),
					MangaNativeID: nativeID,
					Number:        selectFirst(item, sel["chapter_number"]),
					Title:         selectFirst(item, sel["chapter_title"]),
					Language:      lang,
				})
			})
			if len(refs) > 0 {
				break
			}
		}
	}
	if len(refs) == 0 {
		return nil, provider.Errorf(provider.KindParseError, g.desc.ID, "no chapters extracted")
	}
	return refs, nil
}

func (g *genericSource) Pages(ctx context.Context, chapterNativeID string) ([]string, error) {
	if !g.desc.Capabilities.Has(provider.CapPages) || g.desc.Params.PagesURLTemplate == "" {
		return nil, provider.Errorf(provider.KindUnsupported, g.desc.ID, "pages not supported")
	}
	target := buildURL(g.desc.Params.PagesURLTemplate, "", 1, chapterNativeID)
	body, err := g.fetch(ctx, target, searchPriority(ctx))
	if err != nil {
		return nil, err
	}

	var pages []string
	if g.desc.Params.Mode() == "json" {
		pages = jsonAll(gjson.ParseBytes(body), g.desc.Params.JSONPaths["pages"])
	} else {
		doc, perr := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if perr != nil {
			return nil, provider.NewError(provider.KindParseError, g.desc.ID, "parse html", perr)
		}
		pages = selectAll(doc.Selection, srcChain(g.desc.Params.Selectors["pages"]))
	}
	if len(pages) == 0 {
		return nil, provider.Errorf(provider.KindParseError, g.desc.ID, "no pages extracted")
	}
	for i, p := range pages {
		pages[i] = resolveURL(g.desc.Params.BaseURL, p)
	}
	return pages, nil
}

// Probe checks connectivity against the base URL. It bypasses the rate
// controller on purpose: health probes must not compete with user traffic
// for tokens.
func (g *genericSource) Probe(ctx context.Context) provider.ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.desc.BaseURL, nil)
	if err != nil {
		return provider.ProbeResult{Err: err}
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	start := time.Now()
	resp, err := g.env.client().Do(req)
	latency := time.Since(start)
	if err != nil {
		return provider.ProbeResult{Latency: latency, Err: err}
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	healthy := resp.StatusCode < 500
	var perr error
	if !healthy {
		perr = provider.Errorf(provider.KindTransport, g.desc.ID, "probe status %d", resp.StatusCode)
	}
	return provider.ProbeResult{Healthy: healthy, Latency: latency, Err: perr}
}

// nativeID is the stable per-source identifier for a title or chapter: the
// URL path relative to the source origin.
func (g *genericSource) nativeID(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	id := strings.Trim(u.Path, "/")
	if id == "" {
		return link
	}
	return id
}

// linkChain defaults a link selector chain to the href attribute when no
// attribute is spelled out.
func linkChain(chain []string) []string {
	return defaultAttr(chain, "href")
}

// srcChain does the same for image selectors.
func srcChain(chain []string) []string {
	return defaultAttr(chain, "src")
}

func defaultAttr(chain []string, attr string) []string {
	out := make([]string, len(chain))
	for i, raw := range chain {
		if strings.Contains(raw, "@") {
			out[i] = raw
		} else {
			out[i] = raw + "@" + attr
		}
	}
	return out
}

type priorityKey struct{}

// WithPriority tags ctx with the rate-controller priority used for requests
// made on behalf of this call chain.
func WithPriority(ctx context.Context, priority int) context.Context {
	return context.WithValue(ctx, priorityKey{}, priority)
}

func searchPriority(ctx context.Context) int {
	if p, ok := ctx.Value(priorityKey{}).(int); ok {
		return p
	}
	return 1
}
