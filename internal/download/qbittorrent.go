// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package download

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/kuroibara/kuroibara/pkg/manga"
	"github.com/kuroibara/kuroibara/pkg/provider"
)

// QBittorrentClient speaks the qBittorrent WebUI API v2 subset the
// scheduler needs: login, add, info, delete.
type QBittorrentClient struct {
	id      string
	baseURL string
	user    string
	pass    string
	httpc   *http.Client
	log     *zap.Logger
}

// NewQBittorrent builds a torrent client against a qBittorrent WebUI.
func NewQBittorrent(log *zap.Logger, id, baseURL, user, pass string) *QBittorrentClient {
	if log == nil {
		log = zap.NewNop()
	}
	jar, _ := cookiejar.New(nil)
	return &QBittorrentClient{
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		user:    user,
		pass:    pass,
		httpc:   &http.Client{Timeout: 30 * time.Second, Jar: jar},
		log:     log.Named("qbittorrent").With(zap.String("client", id)),
	}
}

func (c *QBittorrentClient) ID() string          { return c.id }
func (c *QBittorrentClient) Kind() manga.JobKind { return manga.JobTorrent }

// login refreshes the SID cookie. qBittorrent answers 200 with body
// "Fails." on bad credentials.
func (c *QBittorrentClient) login(ctx context.Context) error {
	form := url.Values{"username": {c.user}, "password": {c.pass}}
	body, err := c.post(ctx, "/api/v2/auth/login", form)
	if err != nil {
		return err
	}
	if strings.TrimSpace(body) != "Ok." {
		return provider.Errorf(provider.KindClientError, "", "qbittorrent login rejected")
	}
	return nil
}

func (c *QBittorrentClient) TestConnection(ctx context.Context) error {
	if err := c.login(ctx); err != nil {
		return err
	}
	_, err := c.get(ctx, "/api/v2/app/version", nil)
	return err
}

// Add submits a magnet or torrent URL. qBittorrent does not return the hash
// from the add call, so it is parsed from the magnet URI.
func (c *QBittorrentClient) Add(ctx context.Context, job *manga.DownloadJob) (string, error) {
	if err := c.login(ctx); err != nil {
		return "", err
	}
	hash := magnetHash(job.Target.Resource)
	if hash == "" {
		return "", provider.Errorf(provider.KindClientError, "", "cannot derive torrent hash from %q", job.Target.Resource)
	}
	form := url.Values{"urls": {job.Target.Resource}, "category": {"kuroibara"}}
	body, err := c.post(ctx, "/api/v2/torrents/add", form)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(body) == "Fails." {
		return "", provider.Errorf(provider.KindClientError, "", "qbittorrent rejected torrent")
	}
	return hash, nil
}

func (c *QBittorrentClient) Status(ctx context.Context, externalID string) (*ClientStatus, error) {
	body, err := c.get(ctx, "/api/v2/torrents/info", url.Values{"hashes": {externalID}})
	if err != nil {
		return nil, err
	}
	torrents := gjson.Parse(body).Array()
	if len(torrents) == 0 {
		return nil, provider.Errorf(provider.KindLost, "", "torrent %s unknown to client", externalID)
	}
	tr := torrents[0]
	st := &ClientStatus{
		BytesDone:  tr.Get("completed").Int(),
		BytesTotal: tr.Get("size").Int(),
	}
	switch state := tr.Get("state").String(); state {
	case "uploading", "stalledUP", "pausedUP", "queuedUP", "forcedUP":
		st.State = manga.JobCompleted
	case "error", "missingFiles":
		st.State = manga.JobFailed
		st.Message = "torrent state " + state
	case "pausedDL":
		st.State = manga.JobPaused
	case "queuedDL", "allocating", "metaDL", "checkingDL":
		st.State = manga.JobQueued
	default:
		st.State = manga.JobActive
	}
	if st.State == manga.JobCompleted {
		if p := tr.Get("content_path").String(); p != "" {
			st.Files = []string{p}
		}
	}
	return st, nil
}

func (c *QBittorrentClient) Remove(ctx context.Context, externalID string, deleteFiles bool) error {
	form := url.Values{"hashes": {externalID}, "deleteFiles": {boolStr(deleteFiles)}}
	_, err := c.post(ctx, "/api/v2/torrents/delete", form)
	return err
}

func (c *QBittorrentClient) get(ctx context.Context, path string, q url.Values) (string, error) {
	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", provider.NewError(provider.KindClientError, "", "build request", err)
	}
	return c.do(req)
}

func (c *QBittorrentClient) post(ctx context.Context, path string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return "", provider.NewError(provider.KindClientError, "", "build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *QBittorrentClient) do(req *http.Request) (string, error) {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", provider.NewError(provider.KindClientError, "", "qbittorrent unreachable", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", provider.NewError(provider.KindClientError, "", "read response", err)
	}
	if resp.StatusCode >= 400 {
		return "", provider.Errorf(provider.KindClientError, "", "qbittorrent status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return string(raw), nil
}

// magnetHash extracts the btih info-hash from a magnet URI, or returns the
// input when it already looks like a bare hash.
func magnetHash(resource string) string {
	if !strings.HasPrefix(resource, "magnet:") {
		if len(resource) == 40 || len(resource) == 32 {
			return strings.ToLower(resource)
		}
		return ""
	}
	u, err := url.Parse(resource)
	if err != nil {
		return ""
	}
	for _, xt := range u.Query()["xt"] {
		if strings.HasPrefix(xt, "urn:btih:") {
			return strings.ToLower(strings.TrimPrefix(xt, "urn:btih:"))
		}
	}
	return ""
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
