// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package download

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kuroibara/kuroibara/internal/metrics"
	"github.com/kuroibara/kuroibara/internal/storage"
	"github.com/kuroibara/kuroibara/pkg/manga"
	"github.com/kuroibara/kuroibara/pkg/provider"
)

const (
	pollInterval    = 5 * time.Second
	healthInterval  = 60 * time.Second
	postProcRetries = 3
	queueCapacity   = 1024
)

// workerDefaults bounds concurrent jobs per kind.
var workerDefaults = map[manga.JobKind]int{
	manga.JobDirect:  4,
	manga.JobTorrent: 2,
	manga.JobNZB:     2,
}

// Scheduler owns the download pipeline: submission, routing to clients,
// progress polling, cancellation, persistence, and restart recovery. For a
// given job id only one actor mutates state at a time, serialized by a
// per-job mutex.
type Scheduler struct {
	log      *zap.Logger
	store    *storage.Store
	post     PostProcessor
	listener func(*manga.DownloadJob)

	mu       sync.Mutex
	clients  map[manga.JobKind][]Client
	defaults map[manga.JobKind]string
	healthy  map[string]bool
	jobLocks map[string]*sync.Mutex

	queues map[manga.JobKind]chan string
}

// Option tweaks Scheduler construction.
type Option func(*Scheduler)

// WithDefaultClient declares the preferred client for a kind.
func WithDefaultClient(kind manga.JobKind, clientID string) Option {
	return func(s *Scheduler) { s.defaults[kind] = clientID }
}

// WithPostProcessor installs the completion hook.
func WithPostProcessor(p PostProcessor) Option {
	return func(s *Scheduler) { s.post = p }
}

// WithJobListener registers a callback invoked after every persisted job
// update. The callback must not block.
func WithJobListener(fn func(*manga.DownloadJob)) Option {
	return func(s *Scheduler) { s.listener = fn }
}

// New builds a scheduler over the given clients. Clients are assumed
// healthy until the first health poll says otherwise.
func New(log *zap.Logger, store *storage.Store, clients []Client, opts ...Option) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		log:      log.Named("scheduler"),
		store:    store,
		clients:  make(map[manga.JobKind][]Client),
		defaults: make(map[manga.JobKind]string),
		healthy:  make(map[string]bool),
		jobLocks: make(map[string]*sync.Mutex),
		queues:   make(map[manga.JobKind]chan string),
	}
	for _, c := range clients {
		s.clients[c.Kind()] = append(s.clients[c.Kind()], c)
		s.healthy[c.ID()] = true
	}
	for kind := range workerDefaults {
		s.queues[kind] = make(chan string, queueCapacity)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts workers, the progress poller, and the client health poller,
// then blocks until ctx is done. Call Recover first on restart.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for kind, n := range workerDefaults {
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(kind manga.JobKind) {
				defer wg.Done()
				s.runWorker(ctx, kind)
			}(kind)
		}
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.runProgressPoller(ctx)
	}()
	go func() {
		defer wg.Done()
		s.runHealthPoller(ctx)
	}()

	s.enqueuePending()
	wg.Wait()
}

// Submit creates a job and queues it. clientID pins a specific client;
// empty means the default for the kind, then the first healthy one.
func (s *Scheduler) Submit(ctx context.Context, kind manga.JobKind, target manga.DownloadTarget, clientID string) (*manga.DownloadJob, error) {
	if !kind.Valid() {
		return nil, provider.Errorf(provider.KindInvalidArgument, "", "unknown job kind %q", kind)
	}
	if kind == manga.JobDirect && target.Chapter == nil {
		return nil, provider.Errorf(provider.KindInvalidArgument, "", "direct jobs need a chapter target")
	}
	if kind != manga.JobDirect && target.Resource == "" {
		return nil, provider.Errorf(provider.KindInvalidArgument, "", "%s jobs need a resource descriptor", kind)
	}

	now := time.Now().UTC()
	job := &manga.DownloadJob{
		ID:        uuid.NewString(),
		Kind:      kind,
		Target:    target,
		ClientID:  clientID,
		State:     manga.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveJob(job); err != nil {
		return nil, err
	}
	metrics.DownloadJobs.WithLabelValues(string(kind), string(manga.JobPending)).Inc()
	s.notify(job)

	select {
	case s.queues[kind] <- job.ID:
	default:
		// Queue full: the job stays pending and the next sweep picks it up.
	}
	return job, nil
}

// Get returns one job snapshot.
func (s *Scheduler) Get(id string) (*manga.DownloadJob, error) {
	return s.store.GetJob(id)
}

// List returns jobs matching the filter, newest first.
func (s *Scheduler) List(filter storage.JobFilter, page, limit int) ([]*manga.DownloadJob, int, error) {
	return s.store.ListJobs(filter, page, limit)
}

// Cancel transitions a non-terminal job to cancelled and removes it from
// its client, keeping downloaded files. Cancelling a terminal or already
// cancelled job is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	lock := s.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := s.store.GetJob(id)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}

	if job.ExternalID != "" {
		if client := s.clientByID(job.ClientID); client != nil {
			if rerr := client.Remove(ctx, job.ExternalID, false); rerr != nil {
				s.log.Warn("remove on cancel failed", zap.String("job", id), zap.Error(rerr))
			}
		}
	}

	job, err = s.store.UpdateJob(id, func(j *manga.DownloadJob) error {
		if j.State.Terminal() {
			return nil
		}
		j.State = manga.JobCancelled
		now := time.Now().UTC()
		j.CompletedAt = &now
		return nil
	})
	if err == nil {
		metrics.DownloadJobs.WithLabelValues(string(job.Kind), string(manga.JobCancelled)).Inc()
		s.notify(job)
	}
	return err
}

// Recover reconciles persisted in-flight jobs after a restart. Jobs whose
// external id the client no longer knows are marked failed with kind Lost;
// the rest resume under the progress poller.
func (s *Scheduler) Recover(ctx context.Context) error {
	jobs, err := s.store.JobsInStates(manga.JobActive, manga.JobQueued)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		client := s.clientByID(job.ClientID)
		lost := false
		if job.ExternalID == "" || client == nil {
			lost = true
		} else if _, serr := client.Status(ctx, job.ExternalID); provider.KindOf(serr) == provider.KindLost {
			lost = true
		}
		if !lost {
			continue
		}
		s.failJob(job.ID, job.Kind, provider.Errorf(provider.KindLost, "", "job not found after restart"))
	}
	return nil
}

func (s *Scheduler) runWorker(ctx context.Context, kind manga.JobKind) {
	queue := s.queues[kind]
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-queue:
			s.process(ctx, id)
		}
	}
}

// process moves one pending job to its client.
func (s *Scheduler) process(ctx context.Context, id string) {
	lock := s.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := s.store.GetJob(id)
	if err != nil {
		s.log.Warn("queued job vanished", zap.String("job", id), zap.Error(err))
		return
	}
	if job.State != manga.JobPending {
		return
	}

	client := s.pickClient(job.Kind, job.ClientID)
	if client == nil {
		s.failJobLocked(id, job.Kind, provider.Errorf(provider.KindClientError, "", "no healthy %s client", job.Kind))
		return
	}

	job, err = s.store.UpdateJob(id, func(j *manga.DownloadJob) error {
		j.State = manga.JobActive
		j.ClientID = client.ID()
		j.Attempts++
		now := time.Now().UTC()
		j.StartedAt = &now
		return nil
	})
	if err != nil {
		s.log.Error("activate failed", zap.String("job", id), zap.Error(err))
		return
	}
	metrics.DownloadJobs.WithLabelValues(string(job.Kind), string(manga.JobActive)).Inc()
	s.notify(job)

	externalID, err := client.Add(ctx, job)
	if err != nil {
		s.failJobLocked(id, job.Kind, err)
		return
	}

	job, err = s.store.UpdateJob(id, func(j *manga.DownloadJob) error {
		j.State = manga.JobQueued
		j.ExternalID = externalID
		return nil
	})
	if err != nil {
		s.log.Error("queue transition failed", zap.String("job", id), zap.Error(err))
		return
	}
	metrics.DownloadJobs.WithLabelValues(string(job.Kind), string(manga.JobQueued)).Inc()
	s.notify(job)
}

func (s *Scheduler) runProgressPoller(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
			s.enqueuePending()
		}
	}
}

func (s *Scheduler) pollOnce(ctx context.Context) {
	jobs, err := s.store.JobsInStates(manga.JobActive, manga.JobQueued, manga.JobPaused)
	if err != nil {
		s.log.Error("progress sweep failed", zap.Error(err))
		return
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if job.ExternalID == "" {
			continue
		}
		s.pollJob(ctx, job)
	}
}

func (s *Scheduler) pollJob(ctx context.Context, job *manga.DownloadJob) {
	client := s.clientByID(job.ClientID)
	if client == nil {
		s.failJob(job.ID, job.Kind, provider.Errorf(provider.KindLost, "", "client %s no longer configured", job.ClientID))
		return
	}
	st, err := client.Status(ctx, job.ExternalID)
	if err != nil {
		if provider.KindOf(err) == provider.KindLost {
			s.failJob(job.ID, job.Kind, err)
		} else {
			s.log.Warn("status poll failed", zap.String("job", job.ID), zap.Error(err))
		}
		return
	}

	switch st.State {
	case manga.JobCompleted:
		s.complete(ctx, job.ID, job.Kind, st)
	case manga.JobFailed:
		s.failJob(job.ID, job.Kind, provider.Errorf(provider.KindClientError, "", "%s", st.Message))
	default:
		lock := s.jobLock(job.ID)
		lock.Lock()
		updated, uerr := s.store.UpdateJob(job.ID, func(j *manga.DownloadJob) error {
			if j.State.Terminal() {
				return nil
			}
			// Bytes never regress while a job is live.
			if st.BytesDone > j.BytesDone {
				j.BytesDone = st.BytesDone
			}
			if st.BytesTotal > 0 {
				j.BytesTotal = st.BytesTotal
			}
			if st.State == manga.JobActive || st.State == manga.JobPaused {
				j.State = st.State
			}
			return nil
		})
		lock.Unlock()
		if uerr == nil {
			s.notify(updated)
		}
	}
}

// complete runs the post-processor and finishes the job. Post-processing
// failures fail the job after the retry budget.
func (s *Scheduler) complete(ctx context.Context, id string, kind manga.JobKind, st *ClientStatus) {
	lock := s.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	job, err := s.store.GetJob(id)
	if err != nil || job.State.Terminal() {
		return
	}

	if s.post != nil {
		var perr error
		for attempt := 0; attempt < postProcRetries; attempt++ {
			if perr = s.post.OnDownloadComplete(ctx, job, st.Files); perr == nil {
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		if perr != nil {
			failed, uerr := s.store.UpdateJob(id, func(j *manga.DownloadJob) error {
				j.State = manga.JobFailed
				j.LastError = perr.Error()
				j.LastErrorKind = "post_processing"
				now := time.Now().UTC()
				j.CompletedAt = &now
				return nil
			})
			metrics.DownloadJobs.WithLabelValues(string(kind), string(manga.JobFailed)).Inc()
			if uerr == nil {
				s.notify(failed)
			}
			return
		}
	}

	done, uerr := s.store.UpdateJob(id, func(j *manga.DownloadJob) error {
		j.State = manga.JobCompleted
		j.Files = st.Files
		if st.BytesDone > j.BytesDone {
			j.BytesDone = st.BytesDone
		}
		if st.BytesTotal > 0 {
			j.BytesTotal = st.BytesTotal
		} else if j.BytesTotal == 0 {
			j.BytesTotal = j.BytesDone
		}
		now := time.Now().UTC()
		j.CompletedAt = &now
		return nil
	})
	metrics.DownloadJobs.WithLabelValues(string(kind), string(manga.JobCompleted)).Inc()
	if uerr == nil {
		s.notify(done)
	}
}

func (s *Scheduler) failJob(id string, kind manga.JobKind, cause error) {
	lock := s.jobLock(id)
	lock.Lock()
	defer lock.Unlock()
	s.failJobLocked(id, kind, cause)
}

func (s *Scheduler) failJobLocked(id string, kind manga.JobKind, cause error) {
	job, err := s.store.UpdateJob(id, func(j *manga.DownloadJob) error {
		if j.State.Terminal() {
			return nil
		}
		j.State = manga.JobFailed
		j.LastError = cause.Error()
		j.LastErrorKind = string(provider.KindOf(cause))
		now := time.Now().UTC()
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		s.log.Error("fail transition rejected", zap.String("job", id), zap.Error(err))
		return
	}
	metrics.DownloadJobs.WithLabelValues(string(kind), string(manga.JobFailed)).Inc()
	s.notify(job)
	s.log.Warn("job failed", zap.String("job", id), zap.Error(cause))
}

func (s *Scheduler) notify(job *manga.DownloadJob) {
	if s.listener != nil && job != nil {
		s.listener(job)
	}
}

// enqueuePending sweeps pending jobs into their queues; covers restarts and
// submissions that hit a full queue.
func (s *Scheduler) enqueuePending() {
	jobs, err := s.store.JobsInStates(manga.JobPending)
	if err != nil {
		return
	}
	for _, job := range jobs {
		select {
		case s.queues[job.Kind] <- job.ID:
		default:
		}
	}
}

func (s *Scheduler) runHealthPoller(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkClients(ctx)
		}
	}
}

func (s *Scheduler) checkClients(ctx context.Context) {
	s.mu.Lock()
	var all []Client
	for _, list := range s.clients {
		all = append(all, list...)
	}
	s.mu.Unlock()

	for _, c := range all {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := c.TestConnection(cctx)
		cancel()
		s.mu.Lock()
		was := s.healthy[c.ID()]
		s.healthy[c.ID()] = err == nil
		s.mu.Unlock()
		if was && err != nil {
			s.log.Warn("download client unhealthy", zap.String("client", c.ID()), zap.Error(err))
		} else if !was && err == nil {
			s.log.Info("download client recovered", zap.String("client", c.ID()))
		}
	}
}

// pickClient prefers the pinned id, then the kind's default, then the
// first healthy client of the kind.
func (s *Scheduler) pickClient(kind manga.JobKind, pinned string) Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := s.clients[kind]
	if pinned != "" {
		for _, c := range candidates {
			if c.ID() == pinned && s.healthy[c.ID()] {
				return c
			}
		}
		return nil
	}
	if def := s.defaults[kind]; def != "" {
		for _, c := range candidates {
			if c.ID() == def && s.healthy[c.ID()] {
				return c
			}
		}
	}
	for _, c := range candidates {
		if s.healthy[c.ID()] {
			return c
		}
	}
	return nil
}

func (s *Scheduler) clientByID(id string) Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.clients {
		for _, c := range list {
			if c.ID() == id {
				return c
			}
		}
	}
	return nil
}

func (s *Scheduler) jobLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.jobLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.jobLocks[id] = l
	}
	return l
}
