// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/kuroibara/kuroibara/pkg/manga"
)

func TestWebSocketJobFeed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(nil, DefaultConfig(), &fakeSearcher{}, fakeCatalog{}, newFakeHealth(), &fakeJobs{})
	go s.hub.Run(ctx)

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// First frame is the init snapshot.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read init: %v", err)
	}
	if got := gjson.GetBytes(raw, "type").String(); got != "init" {
		t.Fatalf("first frame type = %q, want init", got)
	}

	// Job updates are forwarded to subscribers.
	s.Hub().BroadcastJob(&manga.DownloadJob{ID: "job-7", Kind: manga.JobDirect, State: manga.JobActive})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read update: %v", err)
	}
	if got := gjson.GetBytes(raw, "type").String(); got != "job_update" {
		t.Fatalf("frame type = %q, want job_update", got)
	}
	if got := gjson.GetBytes(raw, "data.id").String(); got != "job-7" {
		t.Fatalf("job id = %q", got)
	}
	if got := gjson.GetBytes(raw, "data.state").String(); got != "active" {
		t.Fatalf("job state = %q", got)
	}
}

func TestHubDropsSlowConsumersSilently(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub(nil)
	go hub.Run(ctx)

	// Broadcasting with no clients must not block or panic.
	for i := 0; i < 600; i++ {
		hub.Broadcast("job_update", map[string]any{"i": i})
	}
	if hub.ClientCount() != 0 {
		t.Fatalf("client count = %d, want 0", hub.ClientCount())
	}
}
