// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kuroibara/kuroibara/internal/assets"
	"github.com/kuroibara/kuroibara/internal/download"
	"github.com/kuroibara/kuroibara/internal/health"
	"github.com/kuroibara/kuroibara/internal/proxypool"
	"github.com/kuroibara/kuroibara/internal/ratelimit"
	"github.com/kuroibara/kuroibara/internal/registry"
	"github.com/kuroibara/kuroibara/internal/search"
	"github.com/kuroibara/kuroibara/internal/server"
	"github.com/kuroibara/kuroibara/internal/storage"
	"github.com/kuroibara/kuroibara/pkg/manga"
	"github.com/kuroibara/kuroibara/pkg/provider"
)

// app holds every wired subsystem. Closers run last-in first-out.
type app struct {
	log *zap.Logger
	cfg Config

	rate    *ratelimit.Controller
	proxies *proxypool.Pool
	reg     *registry.Registry
	monitor *health.Monitor
	engine  *search.Engine
	store   *storage.Store
	sched   *download.Scheduler
	srv     *server.Server

	closers []func()
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.log.Sync()
}

// buildLogger constructs the process logger from the configured level.
func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.Encoding = "console"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zcfg.Build()
}

// buildApp wires every subsystem from the config. withServer also builds
// the HTTP server and connects its WebSocket hub to the scheduler.
func buildApp(cfg Config, version string, withServer bool) (*app, error) {
	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a := &app{log: log, cfg: cfg}

	defaults := provider.RateSpec{}
	if cfg.RateLimit > 0 {
		defaults.Limit = cfg.RateLimit
		defaults.Window = time.Minute
		if cfg.RateWindowMS > 0 {
			defaults.Window = time.Duration(cfg.RateWindowMS) * time.Millisecond
		}
	}
	a.rate = ratelimit.New(log, defaults)
	a.onClose(func() { a.rate.Close() })

	a.proxies = proxypool.New(log, cfg.CanaryURL)
	proxyList, err := parseProxies(cfg.ProxyURLs)
	if err != nil {
		a.close()
		return nil, err
	}

	solver := registry.NewSolverClient(log, cfg.SolverURL)
	env := &registry.Env{
		Log:     log,
		Rate:    a.rate,
		Proxies: a.proxies,
		Solver:  solver,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}

	a.reg, err = registry.Load(log, env, assets.SourcesFS(), cfg.SourcesDir)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("load sources: %w", err)
	}
	if a.reg.Len() == 0 {
		if cfg.StrictSources {
			a.close()
			return nil, fmt.Errorf("no sources loaded and strict_sources is set")
		}
		log.Warn("no sources loaded; search will fail until sources are configured")
	}

	// All sources share the configured proxy set.
	if len(proxyList) > 0 {
		for _, src := range a.reg.List() {
			a.proxies.ConfigureSource(src.Descriptor().ID, proxypool.HealthWeighted, proxyList)
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		a.close()
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	a.store, err = storage.Open(log, filepath.Join(cfg.DataDir, "kuroibara.db"))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open job store: %w", err)
	}
	a.onClose(func() { a.store.Close() })

	disabled := make(map[string]string)
	for _, src := range a.reg.List() {
		if entry, ok := a.reg.Entry(src.Descriptor().ID); ok && entry.Disabled {
			disabled[src.Descriptor().ID] = entry.Reason
		}
	}
	a.monitor = health.New(log, a.reg.List(), disabled,
		health.WithStatusStore(a.store),
		health.WithRecoveryHook(func(string) {
			if a.engine != nil {
				a.engine.InvalidateCache()
			}
		}))

	a.engine = search.New(log, a.reg, a.monitor,
		search.WithFanout(cfg.MaxFanout),
		search.WithEntryStore(a.store))

	clients := []download.Client{
		download.NewDirectClient(log, a.reg, a.rate, nil, filepath.Join(cfg.DataDir, "downloads")),
	}
	if cfg.QBittorrentURL != "" {
		clients = append(clients, download.NewQBittorrent(log, "qbittorrent", cfg.QBittorrentURL, cfg.QBittorrentUser, cfg.QBittorrentPass))
	}
	if cfg.SABnzbdURL != "" {
		clients = append(clients, download.NewSABnzbd(log, "sabnzbd", cfg.SABnzbdURL, cfg.SABnzbdAPIKey))
	}

	schedOpts := []download.Option{}
	if withServer {
		schedOpts = append(schedOpts, download.WithJobListener(func(job *manga.DownloadJob) {
			if a.srv != nil {
				a.srv.Hub().BroadcastJob(job)
			}
		}))
	}
	a.sched = download.New(log, a.store, clients, schedOpts...)

	if withServer {
		a.srv = server.New(log, server.Config{
			Addr:           cfg.Addr,
			Port:           cfg.Port,
			Version:        version,
			AllowedOrigins: nil,
		}, a.engine, a.reg, a.monitor, a.sched,
			server.WithSettings(runtimeSettings{engine: a.engine, rate: a.rate}))
	}

	return a, nil
}

// runtimeSettings backs /api/settings: fan-out lives on the search engine,
// default rate parameters on the rate controller.
type runtimeSettings struct {
	engine *search.Engine
	rate   *ratelimit.Controller
}

func (t runtimeSettings) Fanout() int                            { return t.engine.Fanout() }
func (t runtimeSettings) SetFanout(n int)                        { t.engine.SetFanout(n) }
func (t runtimeSettings) RateDefaults() provider.RateSpec        { return t.rate.RateDefaults() }
func (t runtimeSettings) SetRateDefaults(spec provider.RateSpec) { t.rate.SetRateDefaults(spec) }

func parseProxies(raws []string) ([]proxypool.Proxy, error) {
	out := make([]proxypool.Proxy, 0, len(raws))
	for i, raw := range raws {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", raw, err)
		}
		out = append(out, proxypool.Proxy{
			ID:   fmt.Sprintf("proxy-%d", i+1),
			Kind: proxypool.Kind(u.Scheme),
			URL:  u,
		})
	}
	return out, nil
}
