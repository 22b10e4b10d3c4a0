// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package provider

import "time"

// Tier is the coarse quality class used for fallback order and confidence
// weighting. Primary sources are consulted first.
type Tier string

const (
	TierPrimary   Tier = "primary"
	TierSecondary Tier = "secondary"
	TierTertiary  Tier = "tertiary"
)

// Weight returns the confidence multiplier for the tier.
func (t Tier) Weight() float64 {
	switch t {
	case TierPrimary:
		return 1.0
	case TierSecondary:
		return 0.8
	default:
		return 0.7
	}
}

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierPrimary, TierSecondary, TierTertiary:
		return true
	}
	return false
}

// Capability names one operation a source supports. Calling an operation the
// descriptor does not declare fails with KindUnsupported.
type Capability string

const (
	CapSearch   Capability = "search"
	CapDetails  Capability = "details"
	CapChapters Capability = "chapters"
	CapPages    Capability = "pages"
	CapNSFW     Capability = "nsfw"
)

// Capabilities is the declared capability set of a source.
type Capabilities map[Capability]bool

// Has reports whether the capability is declared.
func (c Capabilities) Has(cap Capability) bool { return c[cap] }

// AdapterKind distinguishes how a source is implemented.
type AdapterKind string

const (
	// KindGeneric adapters are data-driven: selector/path maps in the
	// descriptor's Params drive a shared implementation.
	KindGeneric AdapterKind = "generic"

	// KindCustom adapters are code, resolved from a registered factory by
	// class name.
	KindCustom AdapterKind = "custom"

	// KindJavaScript adapters are generic adapters whose requests may route
	// through an external challenge solver.
	KindJavaScript AdapterKind = "javascript"
)

// RateSpec declares the traffic a source tolerates. Values always come from
// configuration; the rate controller never bakes in limits.
type RateSpec struct {
	// Limit requests per Window.
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`

	// Burst tokens above the steady rate.
	Burst int `json:"burst"`

	// MinInterval is the minimum spacing between dispatches.
	MinInterval time.Duration `json:"minInterval"`

	// MaxQueue bounds the wait queue; excess callers fail fast.
	MaxQueue int `json:"maxQueue"`

	// MaxWait bounds how long a queued caller may wait.
	MaxWait time.Duration `json:"maxWait"`
}

// Descriptor is the immutable identity of an upstream source. It is defined
// at registry load and never mutated at runtime; reload replaces the whole
// registry.
type Descriptor struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	BaseURL  string `json:"url"`
	Tier     Tier   `json:"tier"`
	Priority int    `json:"priority"`

	Kind         AdapterKind  `json:"kind"`
	Capabilities Capabilities `json:"capabilities"`

	SupportsNSFW   bool `json:"supportsNsfw"`
	RequiresSolver bool `json:"requiresSolver"`

	// Languages the source serves, empty meaning unspecified.
	Languages []string `json:"languages,omitempty"`

	Rate RateSpec `json:"rate"`

	// RequestTimeout is the per-request deadline carried by rate-controller
	// permits for this source.
	RequestTimeout time.Duration `json:"requestTimeout"`

	// UseProxy routes the source's traffic through the proxy pool.
	UseProxy bool `json:"useProxy"`

	// Params is the configuration blob consumed by generic adapters
	// (selector maps, URL templates, headers). Nil for custom adapters.
	Params *GenericParams `json:"params,omitempty"`
}
