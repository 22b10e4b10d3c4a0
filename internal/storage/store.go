// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package storage persists the pipeline's durable state in buntdb: download
// jobs, fused entries with their fingerprint index, cross-source references,
// and source status snapshots. Keys are namespaced by prefix:
//
//	job:<job-id>              DownloadJob
//	entry:<entry-id>          manga.Entry
//	fp:<fingerprint>          entry-id
//	xref:<source>:<native-id> entry-id
//	status:<source-id>        health snapshot
//
// Open with path ":memory:" for tests.
package storage

import (
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"
	"go.uber.org/zap"

	"github.com/kuroibara/kuroibara/pkg/manga"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned for lookups that matched nothing.
var ErrNotFound = errors.New("not found")

const (
	jobPrefix    = "job:"
	entryPrefix  = "entry:"
	fpPrefix     = "fp:"
	xrefPrefix   = "xref:"
	statusPrefix = "status:"
)

// Store wraps one buntdb database.
type Store struct {
	log *zap.Logger
	db  *buntdb.DB
}

// Open opens (or creates) the database at path.
func Open(log *zap.Logger, path string) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open store %s", path)
	}
	// Jobs are listed by recency; the index keeps that ordering cheap.
	if err := db.CreateIndex("job_updated", jobPrefix+"*", buntdb.IndexJSON("updatedAt")); err != nil && err != buntdb.ErrIndexExists {
		db.Close()
		return nil, errors.Wrap(err, "create job index")
	}
	return &Store{log: log.Named("storage"), db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SaveJob persists one job unconditionally.
func (s *Store) SaveJob(job *manga.DownloadJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "marshal job")
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(jobPrefix+job.ID, string(raw), nil)
		return err
	})
}

// GetJob loads one job by id.
func (s *Store) GetJob(id string) (*manga.DownloadJob, error) {
	var job manga.DownloadJob
	err := s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(jobPrefix + id)
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJob applies fn to the stored job inside one transaction. fn sees the
// current value and mutates it in place; the result is written back with a
// fresh UpdatedAt. Terminal states are immutable: updating a terminal job
// fails unless fn leaves the state untouched.
func (s *Store) UpdateJob(id string, fn func(*manga.DownloadJob) error) (*manga.DownloadJob, error) {
	var out *manga.DownloadJob
	err := s.db.Update(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(jobPrefix + id)
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var job manga.DownloadJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return err
		}
		before := job.State
		if err := fn(&job); err != nil {
			return err
		}
		if before.Terminal() && job.State != before {
			return errors.Errorf("job %s: illegal transition %s -> %s", id, before, job.State)
		}
		job.UpdatedAt = time.Now().UTC()
		next, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(jobPrefix+id, string(next), nil); err != nil {
			return err
		}
		out = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	State manga.JobState
	Kind  manga.JobKind
}

// ListJobs returns jobs matching the filter, newest first, with the total
// match count before paging. page is 1-based; limit <= 0 means everything.
func (s *Store) ListJobs(filter JobFilter, page, limit int) ([]*manga.DownloadJob, int, error) {
	var all []*manga.DownloadJob
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.Descend("job_updated", func(key, raw string) bool {
			if !strings.HasPrefix(key, jobPrefix) {
				return true
			}
			var job manga.DownloadJob
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				s.log.Warn("corrupt job record", zap.String("key", key), zap.Error(err))
				return true
			}
			if filter.State != "" && job.State != filter.State {
				return true
			}
			if filter.Kind != "" && job.Kind != filter.Kind {
				return true
			}
			all = append(all, &job)
			return true
		})
	})
	if err != nil {
		return nil, 0, err
	}
	total := len(all)
	if limit > 0 {
		if page < 1 {
			page = 1
		}
		start := (page - 1) * limit
		if start >= total {
			return nil, total, nil
		}
		end := start + limit
		if end > total {
			end = total
		}
		all = all[start:end]
	}
	return all, total, nil
}

// JobsInStates returns every job currently in one of the given states,
// oldest first. Restart reconciliation uses it.
func (s *Store) JobsInStates(states ...manga.JobState) ([]*manga.DownloadJob, error) {
	want := make(map[manga.JobState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	var out []*manga.DownloadJob
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(jobPrefix+"*", func(key, raw string) bool {
			var job manga.DownloadJob
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				return true
			}
			if want[job.State] {
				out = append(out, &job)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveEntry persists a fused entry, its fingerprint pointer, and a
// cross-source reference for each origin, atomically.
func (s *Store) SaveEntry(entry *manga.Entry, fingerprint string) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal entry")
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		if _, _, err := tx.Set(entryPrefix+entry.ID, string(raw), nil); err != nil {
			return err
		}
		if _, _, err := tx.Set(fpPrefix+fingerprint, entry.ID, nil); err != nil {
			return err
		}
		for _, o := range entry.Origins {
			key := xrefPrefix + o.SourceID + ":" + o.NativeID
			if _, _, err := tx.Set(key, entry.ID, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetEntry loads an entry by synthetic id.
func (s *Store) GetEntry(id string) (*manga.Entry, error) {
	var entry manga.Entry
	err := s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(entryPrefix + id)
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// EntryByFingerprint resolves a fingerprint to its entry, if known.
func (s *Store) EntryByFingerprint(fingerprint string) (*manga.Entry, error) {
	var id string
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(fpPrefix + fingerprint)
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		id = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetEntry(id)
}

// EntryBySourceRef resolves (source, native id) to the fused entry id.
func (s *Store) EntryBySourceRef(sourceID, nativeID string) (string, error) {
	var id string
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(xrefPrefix + sourceID + ":" + nativeID)
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		id = v
		return nil
	})
	return id, err
}

// SaveSourceStatus persists a health snapshot. v is any JSON-serializable
// status record; storage does not interpret it.
func (s *Store) SaveSourceStatus(sourceID string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal status")
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(statusPrefix+sourceID, string(raw), nil)
		return err
	})
}

// LoadSourceStatus unmarshals the stored snapshot for sourceID into out.
func (s *Store) LoadSourceStatus(sourceID string, out interface{}) error {
	return s.db.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(statusPrefix + sourceID)
		if err == buntdb.ErrNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), out)
	})
}
