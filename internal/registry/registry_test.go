// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/kuroibara/kuroibara/internal/ratelimit"
	"github.com/kuroibara/kuroibara/pkg/provider"
)

func testEnv(t *testing.T) *Env {
	t.Helper()
	rate := ratelimit.New(nil, ratelimit.Defaults())
	t.Cleanup(rate.Close)
	return &Env{Rate: rate, Client: &http.Client{Timeout: 5 * time.Second}}
}

func genericConfig(id, base string) string {
	return fmt.Sprintf(`{
		"id": %q, "name": "Test", "url": %q, "tier": "primary", "priority": 1,
		"params": {
			"search_url_template": %q,
			"selectors": {
				"search_items": [".item"],
				"title": [".title"],
				"link": ["a"]
			}
		}
	}`, id, base, base+"/search?q={query}&page={page}")
}

func TestLoad_CommunityOverridesBuiltin(t *testing.T) {
	builtin := fstest.MapFS{
		"a.json": {Data: []byte(genericConfig("alpha", "https://builtin.test"))},
		"b.json": {Data: []byte(genericConfig("beta", "https://builtin.test"))},
	}

	dir := t.TempDir()
	community := genericConfig("alpha", "https://community.test")
	if err := os.WriteFile(filepath.Join(dir, "alpha.json"), []byte(community), 0o644); err != nil {
		t.Fatal(err)
	}
	// Invalid entries are skipped, never fatal.
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{"id":""}`), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := Load(nil, testEnv(t), builtin, dir)
	if err != nil {
		t.Fatal(err)
	}
	if r.Len() != 2 {
		t.Fatalf("loaded %d sources, want 2", r.Len())
	}
	src, ok := r.Get("alpha")
	if !ok {
		t.Fatal("alpha not loaded")
	}
	if got := src.Descriptor().BaseURL; got != "https://community.test" {
		t.Errorf("alpha base = %s, community entry must win", got)
	}
}

func TestLoad_SolverRequiredButUnconfigured(t *testing.T) {
	builtin := fstest.MapFS{
		"s.json": {Data: []byte(`{
			"id": "guarded", "url": "https://guarded.test", "tier": "tertiary",
			"requires_solver": true,
			"params": {
				"search_url_template": "https://guarded.test/?s={query}",
				"selectors": {"search_items": [".i"], "title": [".t"], "link": ["a"]}
			}
		}`)},
	}
	r, err := Load(nil, testEnv(t), builtin, "")
	if err != nil {
		t.Fatal(err)
	}
	e, ok := r.Entry("guarded")
	if !ok {
		t.Fatal("guarded source must still load")
	}
	if !e.Disabled {
		t.Error("source requiring an unconfigured solver must be disabled")
	}
}

func TestGenericSearch_HTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "naruto" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<html><body>
			<div class="item">
				<span class="title">Naruto</span>
				<a href="/manga/naruto-1">read</a>
				<img class="cover" src="/covers/naruto.jpg">
			</div>
			<div class="item">
				<span class="title">Boruto</span>
				<a href="/manga/boruto-2">read</a>
			</div>
			<div class="item"><span class="title">no link, dropped</span></div>
		</body></html>`)
	}))
	defer srv.Close()

	cfg, err := parseSourceConfig([]byte(genericConfig("h", srv.URL)))
	if err != nil {
		t.Fatal(err)
	}
	env := testEnv(t)
	env.Rate.Configure("h", provider.RateSpec{}, 5*time.Second)
	src := newGenericSource(cfg.descriptor(), env)

	entries, err := src.Search(context.Background(), "naruto", 1, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Title != "Naruto" || entries[0].NativeID != "manga/naruto-1" {
		t.Errorf("entry[0] = %+v", entries[0])
	}
	if entries[0].URL != srv.URL+"/manga/naruto-1" {
		t.Errorf("link not resolved: %s", entries[0].URL)
	}
}

func TestGenericSearch_JSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[
			{"name":"One Piece","slug":"/title/one-piece","desc":"<p>Pirates</p>","score":"8.9","released":"1997"},
			{"name":"","slug":"/title/empty"}
		]}`)
	}))
	defer srv.Close()

	cfg := fmt.Sprintf(`{
		"id": "j", "url": %q, "tier": "primary",
		"params": {
			"search_url_template": %q,
			"json_paths": {
				"search_items": ["data"],
				"title": ["title", "name"],
				"link": ["url", "slug"],
				"description": ["desc"],
				"rating": ["score"],
				"year": ["released"]
			}
		}
	}`, srv.URL, srv.URL+"/search?q={query}")
	parsed, err := parseSourceConfig([]byte(cfg))
	if err != nil {
		t.Fatal(err)
	}
	env := testEnv(t)
	env.Rate.Configure("j", provider.RateSpec{}, 5*time.Second)
	src := newGenericSource(parsed.descriptor(), env)

	entries, err := src.Search(context.Background(), "one piece", 1, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1 (titleless entry dropped)", len(entries))
	}
	e := entries[0]
	if e.Title != "One Piece" {
		t.Errorf("title fallback chain failed: %q", e.Title)
	}
	if e.Description != "Pirates" {
		t.Errorf("description not scrubbed: %q", e.Description)
	}
	if e.Rating == nil || *e.Rating != 8.9 {
		t.Errorf("rating = %v, want 8.9", e.Rating)
	}
	if e.Year != 1997 {
		t.Errorf("year = %d, want 1997", e.Year)
	}
}

func TestGeneric_UnsupportedCapability(t *testing.T) {
	cfg, err := parseSourceConfig([]byte(genericConfig("u", "https://u.test")))
	if err != nil {
		t.Fatal(err)
	}
	env := testEnv(t)
	src := newGenericSource(cfg.descriptor(), env)

	// No pages_url_template configured.
	_, perr := src.Pages(context.Background(), "ch-1")
	if provider.KindOf(perr) != provider.KindUnsupported {
		t.Errorf("kind = %s, want unsupported", provider.KindOf(perr))
	}
}

func TestGeneric_ChallengeWithoutSolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `<html><title>Just a moment...</title></html>`)
	}))
	defer srv.Close()

	cfg, err := parseSourceConfig([]byte(genericConfig("c", srv.URL)))
	if err != nil {
		t.Fatal(err)
	}
	env := testEnv(t)
	env.Rate.Configure("c", provider.RateSpec{}, 5*time.Second)
	src := newGenericSource(cfg.descriptor(), env)

	_, serr := src.Search(context.Background(), "x", 1, 10)
	if provider.KindOf(serr) != provider.KindBotChallenge {
		t.Errorf("kind = %s, want bot_challenge (err=%v)", provider.KindOf(serr), serr)
	}
}

func TestGeneric_SolverFallback(t *testing.T) {
	content := `<html><body><div class="item"><span class="title">Solved</span><a href="/m/1">x</a></div></body></html>`

	solver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","solution":{"response":%q}}`, content)
	}))
	defer solver.Close()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "Checking your browser before accessing")
	}))
	defer upstream.Close()

	cfg, err := parseSourceConfig([]byte(genericConfig("f", upstream.URL)))
	if err != nil {
		t.Fatal(err)
	}
	env := testEnv(t)
	env.Solver = NewSolverClient(nil, solver.URL)
	env.Rate.Configure("f", provider.RateSpec{}, 10*time.Second)
	src := newGenericSource(cfg.descriptor(), env)

	entries, err := src.Search(context.Background(), "x", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Title != "Solved" {
		t.Errorf("solver fallback entries = %+v", entries)
	}
}

func TestParseSourceConfig_Validation(t *testing.T) {
	cases := map[string]string{
		"missing id":   `{"url":"https://x.test","tier":"primary"}`,
		"bad tier":     `{"id":"x","url":"https://x.test","tier":"gold"}`,
		"no params":    `{"id":"x","url":"https://x.test","tier":"primary"}`,
		"no title key": `{"id":"x","url":"https://x.test","tier":"primary","params":{"search_url_template":"https://x.test/{query}","selectors":{"search_items":[".i"],"link":["a"]}}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := parseSourceConfig([]byte(raw)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestMangaDexFactory_Registered(t *testing.T) {
	if _, ok := lookupFactory("mangadex"); !ok {
		t.Fatal("mangadex factory not registered")
	}
}
