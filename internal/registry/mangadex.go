// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/kuroibara/kuroibara/pkg/manga"
	"github.com/kuroibara/kuroibara/pkg/provider"
)

func init() {
	RegisterFactory("mangadex", newMangaDexSource)
}

// mangadexSource is the custom adapter for the MangaDex v5 API. It reuses
// the generic adapter's gated fetch and layers the MangaDex response shapes
// on top, including the relationship-based cover and author lookups the
// selector-driven path cannot express.
type mangadexSource struct {
	*genericSource
	api string
}

func newMangaDexSource(desc provider.Descriptor, env *Env) (provider.Source, error) {
	api := "https://api.mangadex.org"
	if desc.Params != nil && desc.Params.BaseURL != "" {
		api = desc.Params.BaseURL
	}
	return &mangadexSource{
		genericSource: newGenericSource(desc, env),
		api:           api,
	}, nil
}

func (m *mangadexSource) Search(ctx context.Context, query string, page, limit int) ([]provider.NativeEntry, error) {
	if !m.desc.Capabilities.Has(provider.CapSearch) {
		return nil, provider.Errorf(provider.KindUnsupported, m.desc.ID, "search not supported")
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	target := fmt.Sprintf("%s/manga?title=%s&limit=%d&offset=%d&includes[]=cover_art&includes[]=author",
		m.api, url.QueryEscape(query), limit, (page-1)*limit)
	body, err := m.fetch(ctx, target, searchPriority(ctx))
	if err != nil {
		return nil, err
	}
	if gjson.GetBytes(body, "result").String() != "ok" {
		return nil, provider.Errorf(provider.KindParseError, m.desc.ID, "api result %q", gjson.GetBytes(body, "result").String())
	}

	var entries []provider.NativeEntry
	for _, item := range gjson.GetBytes(body, "data").Array() {
		e := m.entryFromManga(item)
		if e != nil {
			entries = append(entries, *e)
		}
	}
	return entries, nil
}

func (m *mangadexSource) entryFromManga(item gjson.Result) *provider.NativeEntry {
	id := item.Get("id").String()
	attrs := item.Get("attributes")
	title := preferredLocale(attrs.Get("title"))
	if id == "" || title == "" {
		return nil
	}

	e := &provider.NativeEntry{
		NativeID:    id,
		Title:       title,
		URL:         "https://mangadex.org/title/" + id,
		Description: preferredLocale(attrs.Get("description")),
		Status:      manga.ParseStatus(attrs.Get("status").String()),
		Year:        int(attrs.Get("year").Int()),
	}
	for _, alt := range attrs.Get("altTitles").Array() {
		if t := preferredLocale(alt); t != "" {
			e.AltTitles = append(e.AltTitles, t)
		}
	}
	for _, tag := range attrs.Get("tags").Array() {
		if tag.Get("attributes.group").String() == "genre" {
			if name := preferredLocale(tag.Get("attributes.name")); name != "" {
				e.Genres = append(e.Genres, name)
			}
		}
	}
	switch attrs.Get("contentRating").String() {
	case "erotica", "pornographic":
		e.NSFW = true
	}
	for _, rel := range item.Get("relationships").Array() {
		switch rel.Get("type").String() {
		case "cover_art":
			if file := rel.Get("attributes.fileName").String(); file != "" {
				e.CoverURL = fmt.Sprintf("https://uploads.mangadex.org/covers/%s/%s.512.jpg", id, file)
			}
		case "author":
			if name := rel.Get("attributes.name").String(); name != "" {
				e.Authors = append(e.Authors, manga.Author{Name: name, Role: "story"})
			}
		}
	}
	return e
}

func (m *mangadexSource) Details(ctx context.Context, nativeID string) (*provider.Details, error) {
	if !m.desc.Capabilities.Has(provider.CapDetails) {
		return nil, provider.Errorf(provider.KindUnsupported, m.desc.ID, "details not supported")
	}
	target := fmt.Sprintf("%s/manga/%s?includes[]=cover_art&includes[]=author", m.api, nativeID)
	body, err := m.fetch(ctx, target, searchPriority(ctx))
	if err != nil {
		return nil, err
	}
	e := m.entryFromManga(gjson.GetBytes(body, "data"))
	if e == nil {
		return nil, provider.Errorf(provider.KindParseError, m.desc.ID, "manga %s not in response", nativeID)
	}
	return &provider.Details{NativeEntry: *e}, nil
}

func (m *mangadexSource) Chapters(ctx context.Context, nativeID string) ([]manga.ChapterRef, error) {
	if !m.desc.Capabilities.Has(provider.CapChapters) {
		return nil, provider.Errorf(provider.KindUnsupported, m.desc.ID, "chapters not supported")
	}
	var refs []manga.ChapterRef
	offset := 0
	for {
		target := fmt.Sprintf("%s/manga/%s/feed?limit=100&offset=%d&order[chapter]=asc", m.api, nativeID, offset)
		body, err := m.fetch(ctx, target, searchPriority(ctx))
		if err != nil {
			if len(refs) > 0 {
				return refs, nil
			}
			return nil, err
		}
		data := gjson.GetBytes(body, "data").Array()
		for _, item := range data {
			attrs := item.Get("attributes")
			pages := int(attrs.Get("pages").Int())
			refs = append(refs, manga.ChapterRef{
				SourceID:      m.desc.ID,
				NativeID:      item.Get("id").String(),
				MangaNativeID: nativeID,
				Number:        attrs.Get("chapter").String(),
				Volume:        attrs.Get("volume").String(),
				Title:         attrs.Get("title").String(),
				Language:      attrs.Get("translatedLanguage").String(),
				PageCount:     pages,
			})
		}
		offset += len(data)
		if int64(offset) >= gjson.GetBytes(body, "total").Int() || len(data) == 0 {
			return refs, nil
		}
	}
}

func (m *mangadexSource) Pages(ctx context.Context, chapterNativeID string) ([]string, error) {
	if !m.desc.Capabilities.Has(provider.CapPages) {
		return nil, provider.Errorf(provider.KindUnsupported, m.desc.ID, "pages not supported")
	}
	target := fmt.Sprintf("%s/at-home/server/%s", m.api, chapterNativeID)
	body, err := m.fetch(ctx, target, searchPriority(ctx))
	if err != nil {
		return nil, err
	}
	base := gjson.GetBytes(body, "baseUrl").String()
	hash := gjson.GetBytes(body, "chapter.hash").String()
	files := gjson.GetBytes(body, "chapter.data").Array()
	if base == "" || hash == "" || len(files) == 0 {
		return nil, provider.Errorf(provider.KindParseError, m.desc.ID, "at-home response incomplete")
	}
	pages := make([]string, 0, len(files))
	for _, f := range files {
		pages = append(pages, base+"/data/"+hash+"/"+f.String())
	}
	return pages, nil
}

// preferredLocale picks a display string from a MangaDex localized-string
// object, English first.
func preferredLocale(v gjson.Result) string {
	for _, lang := range []string{"en", "ja-ro", "ja"} {
		if s := v.Get(lang).String(); s != "" {
			return s
		}
	}
	var first string
	v.ForEach(func(_, val gjson.Result) bool {
		first = val.String()
		return false
	})
	return first
}

