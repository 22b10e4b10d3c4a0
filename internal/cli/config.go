// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration. Precedence is flags over
// environment (KUROIBARA_*) over config file over defaults.
type Config struct {
	Addr string `json:"addr" yaml:"addr"`
	Port int    `json:"port" yaml:"port"`

	// DataDir holds the job database and direct-download payloads.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// SourcesDir is a directory of community source definitions merged over
	// the built-in set. Community entries win on duplicate id.
	SourcesDir string `json:"sources_dir" yaml:"sources_dir"`

	// SolverURL points at a FlareSolverr-compatible challenge solver.
	// Sources that require a solver are disabled when this is empty.
	SolverURL string `json:"solver_url" yaml:"solver_url"`

	// ProxyURLs are outbound proxies (http, https, socks4, socks5 schemes).
	ProxyURLs []string `json:"proxy_urls" yaml:"proxy_urls"`

	// CanaryURL is probed through each proxy to judge its health.
	CanaryURL string `json:"canary_url" yaml:"canary_url"`

	// RateLimit/RateWindowMS override the default per-source budget.
	// Zero keeps the per-source definitions.
	RateLimit    int `json:"rate_limit" yaml:"rate_limit"`
	RateWindowMS int `json:"rate_window_ms" yaml:"rate_window_ms"`

	// MaxFanout bounds concurrent source queries within a search tier.
	MaxFanout int `json:"max_fanout" yaml:"max_fanout"`

	// StrictSources makes startup fail when no source loads.
	StrictSources bool `json:"strict_sources" yaml:"strict_sources"`

	QBittorrentURL  string `json:"qbittorrent_url" yaml:"qbittorrent_url"`
	QBittorrentUser string `json:"qbittorrent_user" yaml:"qbittorrent_user"`
	QBittorrentPass string `json:"qbittorrent_pass" yaml:"qbittorrent_pass"`

	SABnzbdURL    string `json:"sabnzbd_url" yaml:"sabnzbd_url"`
	SABnzbdAPIKey string `json:"sabnzbd_apikey" yaml:"sabnzbd_apikey"`

	LogLevel string `json:"log_level" yaml:"log_level"`
}

// DefaultAppConfig returns the built-in defaults.
func DefaultAppConfig() Config {
	return Config{
		Addr:      "0.0.0.0",
		Port:      8080,
		DataDir:   "./data",
		CanaryURL: "https://www.google.com/generate_204",
		MaxFanout: 4,
		LogLevel:  "info",
	}
}

// loadConfig reads path (JSON or YAML by extension) over the defaults, then
// applies KUROIBARA_* environment overrides. An empty path searches the
// usual locations and silently skips when nothing is found.
func loadConfig(path string) (Config, error) {
	cfg := DefaultAppConfig()

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("invalid YAML config %s: %w", path, err)
			}
		default:
			if err := json.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("invalid JSON config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func findConfigFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"kuroibara.json", "kuroibara.yaml", "kuroibara.yml"} {
		p := filepath.Join(home, ".config", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr("KUROIBARA_ADDR", &cfg.Addr)
	setInt("KUROIBARA_PORT", &cfg.Port)
	setStr("KUROIBARA_DATA_DIR", &cfg.DataDir)
	setStr("KUROIBARA_SOURCES_DIR", &cfg.SourcesDir)
	setStr("KUROIBARA_SOLVER_URL", &cfg.SolverURL)
	setInt("KUROIBARA_RATE_LIMIT", &cfg.RateLimit)
	setInt("KUROIBARA_RATE_WINDOW_MS", &cfg.RateWindowMS)
	setInt("KUROIBARA_MAX_FANOUT", &cfg.MaxFanout)
	setStr("KUROIBARA_QBT_URL", &cfg.QBittorrentURL)
	setStr("KUROIBARA_QBT_USER", &cfg.QBittorrentUser)
	setStr("KUROIBARA_QBT_PASS", &cfg.QBittorrentPass)
	setStr("KUROIBARA_SABNZBD_URL", &cfg.SABnzbdURL)
	setStr("KUROIBARA_SABNZBD_APIKEY", &cfg.SABnzbdAPIKey)
	setStr("KUROIBARA_LOG_LEVEL", &cfg.LogLevel)

	if v := strings.TrimSpace(os.Getenv("KUROIBARA_PROXY_URL")); v != "" {
		cfg.ProxyURLs = strings.Split(v, ",")
		for i := range cfg.ProxyURLs {
			cfg.ProxyURLs[i] = strings.TrimSpace(cfg.ProxyURLs[i])
		}
	}
	if v := strings.TrimSpace(os.Getenv("KUROIBARA_STRICT_SOURCES")); v != "" {
		cfg.StrictSources = v == "1" || strings.EqualFold(v, "true")
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.MaxFanout < 1 {
		return fmt.Errorf("max_fanout must be positive")
	}
	if cfg.RateLimit < 0 || cfg.RateWindowMS < 0 {
		return fmt.Errorf("rate limit settings must not be negative")
	}
	for _, raw := range cfg.ProxyURLs {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid proxy url %q: %w", raw, err)
		}
		switch u.Scheme {
		case "http", "https", "socks4", "socks5":
		default:
			return fmt.Errorf("unsupported proxy scheme %q in %q", u.Scheme, raw)
		}
	}
	return nil
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		force   bool
		useYAML bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default configuration file",
		Long: `Creates a default configuration file at ~/.config/kuroibara.json (or .yaml)

The configuration file sets default values for all command flags.
CLI flags and KUROIBARA_* environment variables override it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("could not find home directory: %w", err)
			}

			configDir := filepath.Join(home, ".config")
			ext := ".json"
			if useYAML {
				ext = ".yaml"
			}
			configPath := filepath.Join(configDir, "kuroibara"+ext)

			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("config file already exists: %s\nUse --force to overwrite", configPath)
			}
			if err := os.MkdirAll(configDir, 0o755); err != nil {
				return fmt.Errorf("could not create config directory: %w", err)
			}

			cfg := DefaultAppConfig()
			var data []byte
			if useYAML {
				data, err = yaml.Marshal(cfg)
			} else {
				data, err = json.MarshalIndent(cfg, "", "  ")
			}
			if err != nil {
				return err
			}
			if err := os.WriteFile(configPath, data, 0o644); err != nil {
				return fmt.Errorf("could not write config file: %w", err)
			}

			fmt.Printf("Created config file: %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing config file")
	cmd.Flags().BoolVar(&useYAML, "yaml", false, "Create YAML config instead of JSON")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := findConfigFile()
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			if path != "" {
				fmt.Printf("Config file: %s\n\n", path)
			} else {
				fmt.Println("No config file found; showing defaults plus environment.")
				fmt.Println()
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			if path := findConfigFile(); path != "" {
				fmt.Println(path)
				return
			}
			home, _ := os.UserHomeDir()
			fmt.Println(filepath.Join(home, ".config", "kuroibara.json"))
		},
	}
}
