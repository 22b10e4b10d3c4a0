// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package download

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/kuroibara/kuroibara/pkg/manga"
	"github.com/kuroibara/kuroibara/pkg/provider"
)

// SABnzbdClient speaks the SABnzbd JSON API subset the scheduler needs:
// addurl, queue, history, delete.
type SABnzbdClient struct {
	id      string
	baseURL string
	apiKey  string
	httpc   *http.Client
	log     *zap.Logger
}

// NewSABnzbd builds an nzb client against a SABnzbd instance.
func NewSABnzbd(log *zap.Logger, id, baseURL, apiKey string) *SABnzbdClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &SABnzbdClient{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     log.Named("sabnzbd").With(zap.String("client", id)),
	}
}

func (c *SABnzbdClient) ID() string          { return c.id }
func (c *SABnzbdClient) Kind() manga.JobKind { return manga.JobNZB }

func (c *SABnzbdClient) TestConnection(ctx context.Context) error {
	body, err := c.call(ctx, url.Values{"mode": {"version"}})
	if err != nil {
		return err
	}
	if gjson.Get(body, "version").String() == "" {
		return provider.Errorf(provider.KindClientError, "", "sabnzbd version probe failed")
	}
	return nil
}

// Add enqueues an NZB by URL and returns the nzo id.
func (c *SABnzbdClient) Add(ctx context.Context, job *manga.DownloadJob) (string, error) {
	q := url.Values{
		"mode": {"addurl"},
		"name": {job.Target.Resource},
		"cat":  {"kuroibara"},
	}
	if job.Target.Name != "" {
		q.Set("nzbname", job.Target.Name)
	}
	body, err := c.call(ctx, q)
	if err != nil {
		return "", err
	}
	if !gjson.Get(body, "status").Bool() {
		return "", provider.Errorf(provider.KindClientError, "", "sabnzbd rejected nzb: %s", gjson.Get(body, "error").String())
	}
	ids := gjson.Get(body, "nzo_ids").Array()
	if len(ids) == 0 {
		return "", provider.Errorf(provider.KindClientError, "", "sabnzbd returned no nzo id")
	}
	return ids[0].String(), nil
}

func (c *SABnzbdClient) Status(ctx context.Context, externalID string) (*ClientStatus, error) {
	// Queue first; finished jobs move to history.
	body, err := c.call(ctx, url.Values{"mode": {"queue"}, "nzo_ids": {externalID}})
	if err != nil {
		return nil, err
	}
	for _, slot := range gjson.Get(body, "queue.slots").Array() {
		if slot.Get("nzo_id").String() != externalID {
			continue
		}
		st := &ClientStatus{
			BytesTotal: int64(slot.Get("mb").Float() * 1024 * 1024),
		}
		left := int64(slot.Get("mbleft").Float() * 1024 * 1024)
		st.BytesDone = st.BytesTotal - left
		switch slot.Get("status").String() {
		case "Paused":
			st.State = manga.JobPaused
		case "Queued":
			st.State = manga.JobQueued
		default:
			st.State = manga.JobActive
		}
		return st, nil
	}

	body, err = c.call(ctx, url.Values{"mode": {"history"}, "nzo_ids": {externalID}})
	if err != nil {
		return nil, err
	}
	for _, slot := range gjson.Get(body, "history.slots").Array() {
		if slot.Get("nzo_id").String() != externalID {
			continue
		}
		st := &ClientStatus{
			BytesTotal: slot.Get("bytes").Int(),
			BytesDone:  slot.Get("bytes").Int(),
		}
		switch slot.Get("status").String() {
		case "Completed":
			st.State = manga.JobCompleted
			if p := slot.Get("storage").String(); p != "" {
				st.Files = []string{p}
			}
		case "Failed":
			st.State = manga.JobFailed
			st.Message = slot.Get("fail_message").String()
		default:
			st.State = manga.JobActive
		}
		return st, nil
	}

	return nil, provider.Errorf(provider.KindLost, "", "nzb %s unknown to client", externalID)
}

func (c *SABnzbdClient) Remove(ctx context.Context, externalID string, deleteFiles bool) error {
	q := url.Values{
		"mode":  {"queue"},
		"name":  {"delete"},
		"value": {externalID},
	}
	if deleteFiles {
		q.Set("del_files", "1")
	}
	_, err := c.call(ctx, q)
	return err
}

func (c *SABnzbdClient) call(ctx context.Context, q url.Values) (string, error) {
	q.Set("output", "json")
	q.Set("apikey", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api?"+q.Encode(), nil)
	if err != nil {
		return "", provider.NewError(provider.KindClientError, "", "build request", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", provider.NewError(provider.KindClientError, "", "sabnzbd unreachable", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", provider.NewError(provider.KindClientError, "", "read response", err)
	}
	if resp.StatusCode >= 400 {
		return "", provider.Errorf(provider.KindClientError, "", "sabnzbd status %d", resp.StatusCode)
	}
	return string(raw), nil
}
