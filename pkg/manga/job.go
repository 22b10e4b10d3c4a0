// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package manga

import "time"

// JobKind is how a download is transported.
type JobKind string

const (
	JobDirect  JobKind = "direct"
	JobTorrent JobKind = "torrent"
	JobNZB     JobKind = "nzb"
)

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool {
	switch k {
	case JobDirect, JobTorrent, JobNZB:
		return true
	}
	return false
}

// JobState is the lifecycle state of a download job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobQueued    JobState = "queued"
	JobActive    JobState = "active"
	JobPaused    JobState = "paused"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the state can never transition again.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// DownloadTarget names what a job fetches. Exactly one of Chapter or
// Resource is set: direct jobs carry a chapter reference, torrent/nzb jobs
// carry the external resource descriptor (magnet URI, NZB URL).
type DownloadTarget struct {
	Chapter  *ChapterRef `json:"chapter,omitempty"`
	Resource string      `json:"resource,omitempty"`

	// Name is a display label ("One Piece ch. 1042").
	Name string `json:"name,omitempty"`
}

// DownloadJob is one tracked download. Jobs are persisted on every state
// transition; terminal jobs never transition again.
type DownloadJob struct {
	ID   string  `json:"id"`
	Kind JobKind `json:"kind"`

	Target DownloadTarget `json:"target"`

	// ClientID is the download client handling the job, empty until routed.
	ClientID string `json:"clientId,omitempty"`

	// ExternalID is the client's own identifier (torrent hash, nzo id).
	ExternalID string `json:"externalId,omitempty"`

	State JobState `json:"state"`

	BytesTotal int64 `json:"bytesTotal"`
	BytesDone  int64 `json:"bytesDone"`

	// Files lists the local paths produced by a completed job.
	Files []string `json:"files,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError,omitempty"`

	// LastErrorKind is a taxonomy kind string; empty when the job never
	// failed.
	LastErrorKind string `json:"lastErrorKind,omitempty"`
}

// Progress returns completion in percent, 0 when the total is unknown.
func (j *DownloadJob) Progress() float64 {
	if j.BytesTotal <= 0 {
		return 0
	}
	p := float64(j.BytesDone) / float64(j.BytesTotal) * 100
	if p > 100 {
		p = 100
	}
	return p
}
