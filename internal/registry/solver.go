// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/kuroibara/kuroibara/pkg/provider"
)

// SolverClient talks to an external challenge-solver service (FlareSolverr
// wire format). Sources flagged requires_solver route every request through
// it; other sources fall back to it when a response looks like a bot
// challenge. A circuit breaker keeps a dead solver from stalling every
// request behind its timeout.
type SolverClient struct {
	url     string
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

const solverTimeout = 60 * time.Second

// NewSolverClient returns nil when url is empty: a nil *SolverClient means
// "no solver configured" and is safe to pass around.
func NewSolverClient(log *zap.Logger, url string) *SolverClient {
	if url == "" {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SolverClient{
		url:   strings.TrimRight(url, "/") + "/v1",
		httpc: &http.Client{Timeout: solverTimeout},
		log:   log.Named("solver"),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "challenge-solver",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Fetch retrieves target through the solver and returns the solved response
// body. Breaker-open and solver failures both come back as KindBotChallenge:
// from the adapter's point of view the challenge stands unsolved.
func (s *SolverClient) Fetch(ctx context.Context, sourceID, target string) ([]byte, error) {
	body, err := s.breaker.Execute(func() (interface{}, error) {
		return s.fetch(ctx, target)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, provider.NewError(provider.KindBotChallenge, sourceID, "solver circuit open", err)
		}
		return nil, provider.NewError(provider.KindBotChallenge, sourceID, "solver request failed", err)
	}
	return body.([]byte), nil
}

func (s *SolverClient) fetch(ctx context.Context, target string) ([]byte, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"cmd":        "request.get",
		"url":        target,
		"maxTimeout": int(solverTimeout / time.Millisecond),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, provider.Errorf(provider.KindTransport, "", "solver returned %d", resp.StatusCode)
	}
	if status := gjson.GetBytes(raw, "status").String(); status != "ok" {
		return nil, provider.Errorf(provider.KindBotChallenge, "", "solver status %q: %s",
			status, gjson.GetBytes(raw, "message").String())
	}
	return []byte(gjson.GetBytes(raw, "solution.response").String()), nil
}

// challengeSignatures are body substrings of the common bot-protection
// interstitials.
var challengeSignatures = []string{
	"cf-browser-verification",
	"_cf_chl_opt",
	"Just a moment...",
	"Checking your browser before accessing",
	"DDoS-Guard",
	"Attention Required! | Cloudflare",
}

// looksLikeChallenge reports whether a response is a bot-protection page
// rather than real content. 403/503 from the usual protection vendors, or a
// known interstitial signature in the body.
func looksLikeChallenge(status int, header http.Header, body []byte) bool {
	if status == http.StatusForbidden || status == http.StatusServiceUnavailable {
		server := strings.ToLower(header.Get("Server"))
		if strings.Contains(server, "cloudflare") || strings.Contains(server, "ddos-guard") {
			return true
		}
		if header.Get("cf-mitigated") != "" || header.Get("cf-ray") != "" {
			return true
		}
	}
	probe := body
	if len(probe) > 4096 {
		probe = probe[:4096]
	}
	for _, sig := range challengeSignatures {
		if bytes.Contains(probe, []byte(sig)) {
			return true
		}
	}
	return false
}
