// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kuroibara/kuroibara/internal/metrics"
	"github.com/kuroibara/kuroibara/internal/ratelimit"
	"github.com/kuroibara/kuroibara/pkg/manga"
	"github.com/kuroibara/kuroibara/pkg/provider"
)

// Catalog resolves the owning source of a chapter.
type Catalog interface {
	Get(id string) (provider.Source, bool)
}

const (
	imageRetries   = 3
	backoffInitial = time.Second
)

// DirectClient downloads chapter pages in-process. It implements Client so
// the scheduler treats it exactly like the external daemons: Add starts a
// transfer goroutine, Status reads its progress, Remove cancels it.
type DirectClient struct {
	id      string
	log     *zap.Logger
	catalog Catalog
	rate    *ratelimit.Controller
	httpc   *http.Client
	dataDir string

	mu        sync.Mutex
	transfers map[string]*directTransfer
}

type directTransfer struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	status ClientStatus
}

func (t *directTransfer) snapshot() *ClientStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.status
	st.Files = append([]string(nil), t.status.Files...)
	return &st
}

func (t *directTransfer) update(fn func(*ClientStatus)) {
	t.mu.Lock()
	fn(&t.status)
	t.mu.Unlock()
}

// NewDirectClient builds the in-process chapter downloader. Files land
// under dataDir/<job-id>/.
func NewDirectClient(log *zap.Logger, catalog Catalog, rate *ratelimit.Controller, httpc *http.Client, dataDir string) *DirectClient {
	if log == nil {
		log = zap.NewNop()
	}
	if httpc == nil {
		httpc = &http.Client{Timeout: 60 * time.Second}
	}
	return &DirectClient{
		id:        "direct",
		log:       log.Named("direct"),
		catalog:   catalog,
		rate:      rate,
		httpc:     httpc,
		dataDir:   dataDir,
		transfers: make(map[string]*directTransfer),
	}
}

func (c *DirectClient) ID() string          { return c.id }
func (c *DirectClient) Kind() manga.JobKind { return manga.JobDirect }

// TestConnection always succeeds: the client lives in-process.
func (c *DirectClient) TestConnection(context.Context) error { return nil }

func (c *DirectClient) Add(ctx context.Context, job *manga.DownloadJob) (string, error) {
	ch := job.Target.Chapter
	if ch == nil {
		return "", provider.Errorf(provider.KindClientError, "", "direct job without chapter target")
	}
	src, ok := c.catalog.Get(ch.SourceID)
	if !ok {
		return "", provider.Errorf(provider.KindClientError, ch.SourceID, "unknown source %s", ch.SourceID)
	}

	externalID := uuid.NewString()
	tctx, cancel := context.WithCancel(context.Background())
	tr := &directTransfer{cancel: cancel}
	tr.status.State = manga.JobQueued

	c.mu.Lock()
	c.transfers[externalID] = tr
	c.mu.Unlock()

	go c.run(tctx, tr, src, ch, job.ID)
	return externalID, nil
}

func (c *DirectClient) run(ctx context.Context, tr *directTransfer, src provider.Source, ch *manga.ChapterRef, jobID string) {
	tr.update(func(st *ClientStatus) { st.State = manga.JobActive })

	pages, err := src.Pages(ctx, ch.NativeID)
	if err != nil {
		c.fail(tr, err)
		return
	}
	dir := filepath.Join(c.dataDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.fail(tr, err)
		return
	}

	files := make([]string, 0, len(pages))
	for i, pageURL := range pages {
		if ctx.Err() != nil {
			return
		}
		dest := filepath.Join(dir, fmt.Sprintf("%03d%s", i+1, imageExt(pageURL)))
		n, err := c.fetchImage(ctx, ch.SourceID, pageURL, dest)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(tr, err)
			return
		}
		files = append(files, dest)
		metrics.DownloadBytes.Add(float64(n))
		tr.update(func(st *ClientStatus) { st.BytesDone += n })
	}

	tr.update(func(st *ClientStatus) {
		st.State = manga.JobCompleted
		st.BytesTotal = st.BytesDone
		st.Files = files
	})
}

func (c *DirectClient) fail(tr *directTransfer, err error) {
	c.log.Warn("direct transfer failed", zap.Error(err))
	tr.update(func(st *ClientStatus) {
		st.State = manga.JobFailed
		st.Message = err.Error()
	})
}

// fetchImage pulls one page through the rate controller, retrying transient
// failures (5xx, timeout) with exponential backoff.
func (c *DirectClient) fetchImage(ctx context.Context, sourceID, pageURL, dest string) (int64, error) {
	var lastErr error
	backoff := backoffInitial
	for attempt := 0; attempt <= imageRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		n, retryable, err := c.fetchOnce(ctx, sourceID, pageURL, dest)
		if err == nil {
			return n, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return 0, lastErr
}

func (c *DirectClient) fetchOnce(ctx context.Context, sourceID, pageURL, dest string) (n int64, retryable bool, err error) {
	permit, err := c.rate.Acquire(ctx, sourceID, 0)
	if err != nil {
		return 0, provider.IsRetryable(err), err
	}
	defer permit.Release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return 0, false, provider.NewError(provider.KindTransport, sourceID, "build request", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.rate.ReportOutcome(sourceID, ratelimit.OutcomeTransport)
		if ctx.Err() != nil {
			return 0, false, provider.NewError(provider.KindCancelled, sourceID, "fetch cancelled", ctx.Err())
		}
		return 0, true, provider.NewError(provider.KindTransport, sourceID, "fetch page", err)
	}
	defer resp.Body.Close()

	c.rate.ReportOutcome(sourceID, ratelimit.OutcomeFromStatus(resp.StatusCode))
	if resp.StatusCode >= 500 {
		return 0, true, provider.Errorf(provider.KindTransport, sourceID, "page status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return 0, false, provider.Errorf(provider.KindTransport, sourceID, "page status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return 0, false, err
	}
	n, err = io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return 0, true, provider.NewError(provider.KindTransport, sourceID, "write page", err)
	}
	return n, false, nil
}

func (c *DirectClient) Status(_ context.Context, externalID string) (*ClientStatus, error) {
	c.mu.Lock()
	tr, ok := c.transfers[externalID]
	c.mu.Unlock()
	if !ok {
		return nil, provider.Errorf(provider.KindLost, "", "transfer %s unknown", externalID)
	}
	return tr.snapshot(), nil
}

// Remove cancels the transfer. Payload files are kept unless deleteFiles is
// set; the files' directory is derived from what the transfer recorded.
func (c *DirectClient) Remove(_ context.Context, externalID string, deleteFiles bool) error {
	c.mu.Lock()
	tr, ok := c.transfers[externalID]
	delete(c.transfers, externalID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	tr.cancel()
	if deleteFiles {
		st := tr.snapshot()
		for _, f := range st.Files {
			os.Remove(f)
		}
		if len(st.Files) > 0 {
			os.Remove(filepath.Dir(st.Files[0]))
		}
	}
	return nil
}

func imageExt(pageURL string) string {
	ext := strings.ToLower(path.Ext(strings.SplitN(pageURL, "?", 2)[0]))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif", ".avif":
		return ext
	}
	return ".jpg"
}
