// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/kuroibara/kuroibara/pkg/provider"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// sourceConfig is the on-disk JSON shape of one source entry. Built-in and
// community files share it.
type sourceConfig struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	ClassName      string   `json:"class_name"`
	URL            string   `json:"url"`
	Tier           string   `json:"tier"`
	Priority       int      `json:"priority"`
	SupportsNSFW   bool     `json:"supports_nsfw"`
	RequiresSolver bool     `json:"requires_solver"`
	UseProxy       bool     `json:"use_proxy"`
	Languages      []string `json:"languages"`
	Capabilities   []string `json:"capabilities"`
	TimeoutMS      int      `json:"timeout_ms"`

	Params *paramsConfig `json:"params"`
}

type paramsConfig struct {
	BaseURL             string              `json:"base_url"`
	SearchURLTemplate   string              `json:"search_url_template"`
	DetailsURLTemplate  string              `json:"details_url_template"`
	ChaptersURLTemplate string              `json:"chapters_url_template"`
	PagesURLTemplate    string              `json:"pages_url_template"`
	Selectors           map[string][]string `json:"selectors"`
	JSONPaths           map[string][]string `json:"json_paths"`
	Headers             map[string]string   `json:"headers"`
	Rate                *rateConfig         `json:"rate"`
}

type rateConfig struct {
	Limit    int `json:"limit"`
	WindowMS int `json:"window_ms"`
	Burst    int `json:"burst"`
	MaxQueue int `json:"max_queue"`
}

// requiredExtractKeys must be present (selectors or json_paths) for a
// generic source to be loadable.
var requiredExtractKeys = []string{"search_items", "title", "link"}

func parseSourceConfig(data []byte) (*sourceConfig, error) {
	var cfg sourceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *sourceConfig) validate() error {
	if c.ID == "" {
		return fmt.Errorf("missing id")
	}
	if c.URL == "" {
		return fmt.Errorf("source %q: missing url", c.ID)
	}
	if _, err := url.Parse(c.URL); err != nil {
		return fmt.Errorf("source %q: bad url: %w", c.ID, err)
	}
	switch provider.Tier(c.Tier) {
	case provider.TierPrimary, provider.TierSecondary, provider.TierTertiary:
	default:
		return fmt.Errorf("source %q: unknown tier %q", c.ID, c.Tier)
	}
	if c.kind() != provider.KindCustom {
		if c.Params == nil {
			return fmt.Errorf("source %q: generic source without params", c.ID)
		}
		if c.Params.SearchURLTemplate == "" {
			return fmt.Errorf("source %q: missing search_url_template", c.ID)
		}
		extract := c.Params.Selectors
		if len(c.Params.JSONPaths) > 0 {
			extract = c.Params.JSONPaths
		}
		for _, key := range requiredExtractKeys {
			if len(extract[key]) == 0 {
				return fmt.Errorf("source %q: missing required extraction key %q", c.ID, key)
			}
		}
	} else if c.ClassName == "" {
		return fmt.Errorf("source %q: custom source without class_name", c.ID)
	}
	return nil
}

// kind infers the adapter kind. Entries with a class name resolve to custom
// factories; requires_solver marks the JavaScript-heavy variant of the
// generic adapter.
func (c *sourceConfig) kind() provider.AdapterKind {
	if c.ClassName != "" && c.ClassName != "generic" {
		return provider.KindCustom
	}
	if c.RequiresSolver {
		return provider.KindJavaScript
	}
	return provider.KindGeneric
}

func (c *sourceConfig) descriptor() provider.Descriptor {
	caps := provider.Capabilities{}
	if len(c.Capabilities) == 0 {
		// Capability set defaults to what the templates can serve.
		caps[provider.CapSearch] = true
		if c.Params != nil {
			caps[provider.CapDetails] = c.Params.DetailsURLTemplate != ""
			caps[provider.CapChapters] = c.Params.ChaptersURLTemplate != ""
			caps[provider.CapPages] = c.Params.PagesURLTemplate != ""
		}
	} else {
		for _, name := range c.Capabilities {
			caps[provider.Capability(strings.ToLower(name))] = true
		}
	}
	if c.SupportsNSFW {
		caps[provider.CapNSFW] = true
	}

	rate := provider.RateSpec{}
	if c.Params != nil && c.Params.Rate != nil {
		rate.Limit = c.Params.Rate.Limit
		rate.Window = time.Duration(c.Params.Rate.WindowMS) * time.Millisecond
		rate.Burst = c.Params.Rate.Burst
		rate.MaxQueue = c.Params.Rate.MaxQueue
	}

	timeout := 20 * time.Second
	if c.TimeoutMS > 0 {
		timeout = time.Duration(c.TimeoutMS) * time.Millisecond
	}

	desc := provider.Descriptor{
		ID:             c.ID,
		Name:           c.Name,
		BaseURL:        c.URL,
		Tier:           provider.Tier(c.Tier),
		Priority:       c.Priority,
		Kind:           c.kind(),
		Capabilities:   caps,
		SupportsNSFW:   c.SupportsNSFW,
		RequiresSolver: c.RequiresSolver,
		Languages:      c.Languages,
		Rate:           rate,
		RequestTimeout: timeout,
		UseProxy:       c.UseProxy,
	}
	if desc.Name == "" {
		desc.Name = c.ID
	}
	if c.Params != nil {
		desc.Params = &provider.GenericParams{
			BaseURL:             c.Params.BaseURL,
			SearchURLTemplate:   c.Params.SearchURLTemplate,
			DetailsURLTemplate:  c.Params.DetailsURLTemplate,
			ChaptersURLTemplate: c.Params.ChaptersURLTemplate,
			PagesURLTemplate:    c.Params.PagesURLTemplate,
			Selectors:           c.Params.Selectors,
			JSONPaths:           c.Params.JSONPaths,
			Headers:             c.Params.Headers,
		}
		if desc.Params.BaseURL == "" {
			desc.Params.BaseURL = c.URL
		}
	}
	return desc
}
