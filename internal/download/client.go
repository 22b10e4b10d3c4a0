// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package download accepts download jobs, routes them to download clients,
// tracks progress, and persists every state transition. Direct jobs are
// served by an in-process client that pulls chapter pages through the rate
// controller; torrent and nzb jobs are handed to external daemons speaking
// the qBittorrent and SABnzbd wire protocols.
package download

import (
	"context"

	"github.com/kuroibara/kuroibara/pkg/manga"
)

// ClientStatus is one progress snapshot from a client. Terminal is set once
// the client considers the transfer finished (successfully or not).
type ClientStatus struct {
	BytesDone  int64
	BytesTotal int64

	// State mirrors the client's notion of the transfer.
	State manga.JobState

	// Files lists produced local paths, populated once complete.
	Files []string

	// Message carries the client's failure detail when State is failed.
	Message string
}

// Client abstracts one download backend. The scheduler assumes nothing
// about protocol internals.
type Client interface {
	// ID is the configured identity of this client instance.
	ID() string

	// Kind reports which job kind this client serves.
	Kind() manga.JobKind

	// TestConnection verifies the client is reachable and authenticated.
	TestConnection(ctx context.Context) error

	// Add submits a transfer and returns the client's external id.
	Add(ctx context.Context, job *manga.DownloadJob) (externalID string, err error)

	// Status reports progress for a previously added transfer. Unknown
	// external ids fail with provider.KindLost.
	Status(ctx context.Context, externalID string) (*ClientStatus, error)

	// Remove drops the transfer. deleteFiles controls whether payload data
	// is removed too. Removing an unknown id is a no-op.
	Remove(ctx context.Context, externalID string, deleteFiles bool) error
}

// PostProcessor is the external completion hook. Implementations must be
// idempotent; the scheduler retries transient failures.
type PostProcessor interface {
	OnDownloadComplete(ctx context.Context, job *manga.DownloadJob, files []string) error
}

// PostProcessorFunc adapts a function to the PostProcessor interface.
type PostProcessorFunc func(ctx context.Context, job *manga.DownloadJob, files []string) error

// OnDownloadComplete implements PostProcessor.
func (f PostProcessorFunc) OnDownloadComplete(ctx context.Context, job *manga.DownloadJob, files []string) error {
	return f(ctx, job, files)
}
