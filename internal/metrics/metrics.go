// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package metrics registers the Prometheus collectors for the pipeline.
// Everything is registered once on the default registry; the server exposes
// it on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SearchRequests counts search calls by outcome (ok, cached, failed).
	SearchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kuroibara",
		Subsystem: "search",
		Name:      "requests_total",
		Help:      "Search requests by outcome.",
	}, []string{"outcome"})

	// SearchDuration observes end-to-end search latency.
	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kuroibara",
		Subsystem: "search",
		Name:      "duration_seconds",
		Help:      "End-to-end search latency.",
		Buckets:   prometheus.DefBuckets,
	})

	// SourceRequests counts upstream calls per source and result kind.
	SourceRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kuroibara",
		Subsystem: "source",
		Name:      "requests_total",
		Help:      "Upstream source calls by source and error kind (ok for success).",
	}, []string{"source", "kind"})

	// SourceLatency observes per-source search latency.
	SourceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kuroibara",
		Subsystem: "source",
		Name:      "latency_seconds",
		Help:      "Per-source search latency.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
	}, []string{"source"})

	// SourceUp reports admissibility per source (1 healthy, 0 not).
	SourceUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kuroibara",
		Subsystem: "source",
		Name:      "up",
		Help:      "Source admissibility.",
	}, []string{"source"})

	// RateQueueDepth reports the current rate-controller queue depth.
	RateQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kuroibara",
		Subsystem: "ratelimit",
		Name:      "queue_depth",
		Help:      "Waiters queued per source.",
	}, []string{"source"})

	// DownloadJobs counts job transitions by kind and resulting state.
	DownloadJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kuroibara",
		Subsystem: "download",
		Name:      "transitions_total",
		Help:      "Download job state transitions.",
	}, []string{"kind", "state"})

	// DownloadBytes counts payload bytes fetched by direct downloads.
	DownloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kuroibara",
		Subsystem: "download",
		Name:      "bytes_total",
		Help:      "Bytes fetched by direct downloads.",
	})

	// CacheEvents counts result-cache hits and misses.
	CacheEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kuroibara",
		Subsystem: "search",
		Name:      "cache_events_total",
		Help:      "Result cache hits and misses.",
	}, []string{"event"})
)
