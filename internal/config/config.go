package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider identifiers.
const (
	ProviderCSI     = "csi"
	ProviderPHB     = "phb"
	ProviderSEP     = "sep"
	ProviderGrowatt = "growatt"
)

// Energy sources a provider's fallback table may name.
const (
	SourceAuthoritative = "authoritative"
	SourceSnapshot      = "snapshot"
)

// History window modes.
const (
	WindowMonthsBack = "months_back"
	WindowSinceMonth = "since_month"
)

// Config is built once per process and passed to every component.
type Config struct {
	Timezone        string          `yaml:"timezone"`
	CronKey         string          `yaml:"cron_key"`
	HTTPTimeout     Duration        `yaml:"http_timeout"`      // bound on every vendor call
	MaxRetryElapsed Duration        `yaml:"max_retry_elapsed"` // backoff budget per vendor call
	RateLimitRPS    float64         `yaml:"rate_limit_rps"`    // per-plant resolution loop
	DefaultDay      string          `yaml:"default_day"`       // today | yesterday
	CanonCacheSize  int             `yaml:"canon_cache_size"`
	Merge           MergeConfig     `yaml:"merge"`
	History         HistoryConfig   `yaml:"history"`
	Scheduler       SchedulerConfig `yaml:"scheduler"`
	Providers       []Provider      `yaml:"providers"`
}

// MergeConfig is the fixed priority used when several providers serve the
// same plant in one run.
type MergeConfig struct {
	EnergyPriority []string `yaml:"energy_priority"`
	AuxPriority    []string `yaml:"aux_priority"`
}

type HistoryConfig struct {
	Epsilon     float64 `yaml:"epsilon"`
	Concurrency int     `yaml:"concurrency"`
}

type SchedulerConfig struct {
	TodayInterval Duration `yaml:"today_interval"`
	DailyHour     int      `yaml:"daily_hour"`
	Backfill      bool     `yaml:"backfill"`
}

// Provider configures one vendor portal.
type Provider struct {
	ID            string         `yaml:"id"`
	Enabled       *bool          `yaml:"enabled"`
	BaseURL       string         `yaml:"base_url"`
	ChartsBaseURL string         `yaml:"charts_base_url"`
	Token         string         `yaml:"token"`
	Bearer        string         `yaml:"bearer"`
	Cookie        string         `yaml:"cookie"`
	Origin        string         `yaml:"origin"`
	Referer       string         `yaml:"referer"`
	OrgID         string         `yaml:"org_id"`
	AppVersion    string         `yaml:"app_version"`
	HistoryType   int            `yaml:"history_type"`
	Timezone      string         `yaml:"timezone"`
	PageSize      int            `yaml:"page_size"`
	EnergySources []string       `yaml:"energy_sources"`
	StatusMap     map[int]string `yaml:"status_map"`
	History       Window         `yaml:"history"`
}

func (p Provider) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Window describes which months the backfill covers for a provider.
type Window struct {
	Mode        string `yaml:"mode"`
	MonthsBack  int    `yaml:"months_back"`
	AnchorMonth int    `yaml:"anchor_month"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file, expanding ${VAR} and ${VAR:default}
// references against the process environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func builtinProviders() []Provider {
	return []Provider{
		{
			ID:            ProviderCSI,
			BaseURL:       "https://webmonitoring-gl.csisolar.com",
			PageSize:      200,
			EnergySources: []string{SourceAuthoritative, SourceSnapshot},
			History:       Window{Mode: WindowMonthsBack, MonthsBack: 2},
		},
		{
			ID:            ProviderPHB,
			BaseURL:       "http://us.semsportal.com:82",
			ChartsBaseURL: "https://us.semsportal.com",
			Origin:        "https://www.phbsolar.com.br",
			Referer:       "https://www.phbsolar.com.br/",
			PageSize:      14,
			EnergySources: []string{SourceAuthoritative, SourceSnapshot},
			StatusMap: map[int]string{
				-1: "ALL_OFFLINE",
				0:  "NORMAL",
				1:  "NORMAL",
				2:  "UNKNOWN",
			},
			History: Window{Mode: WindowMonthsBack, MonthsBack: 2},
		},
		{
			ID:            ProviderSEP,
			BaseURL:       "https://sep-api.csisolar.com",
			Origin:        "https://smartenergy-gl.csisolar.com",
			Referer:       "https://smartenergy-gl.csisolar.com/",
			HistoryType:   1,
			PageSize:      20,
			EnergySources: []string{SourceAuthoritative, SourceSnapshot},
			StatusMap: map[int]string{
				0: "ALL_OFFLINE",
				1: "NORMAL",
			},
			History: Window{Mode: WindowSinceMonth, AnchorMonth: 4},
		},
		{
			ID:            ProviderGrowatt,
			BaseURL:       "https://server.growatt.com",
			Referer:       "https://server.growatt.com/selectPlant",
			PageSize:      20,
			EnergySources: []string{SourceSnapshot},
			StatusMap: map[int]string{
				0: "ALL_OFFLINE",
				1: "NORMAL",
			},
		},
	}
}

func (c *Config) applyDefaults() {
	if c.Timezone == "" {
		c.Timezone = "America/Sao_Paulo"
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = Duration(30 * time.Second)
	}
	if c.MaxRetryElapsed == 0 {
		c.MaxRetryElapsed = Duration(time.Minute)
	}
	if c.RateLimitRPS == 0 {
		c.RateLimitRPS = 2
	}
	if c.DefaultDay == "" {
		c.DefaultDay = "yesterday"
	}
	if c.CanonCacheSize == 0 {
		c.CanonCacheSize = 4096
	}
	if len(c.Merge.EnergyPriority) == 0 {
		c.Merge.EnergyPriority = []string{ProviderCSI, ProviderPHB, ProviderSEP, ProviderGrowatt}
	}
	if len(c.Merge.AuxPriority) == 0 {
		c.Merge.AuxPriority = []string{ProviderCSI, ProviderPHB}
	}
	if c.History.Epsilon == 0 {
		c.History.Epsilon = 0.05
	}
	if c.History.Concurrency <= 0 || c.History.Concurrency > 6 {
		c.History.Concurrency = 6
	}
	if c.Scheduler.TodayInterval == 0 {
		c.Scheduler.TodayInterval = Duration(time.Hour)
	}
	if c.Scheduler.DailyHour == 0 {
		c.Scheduler.DailyHour = 6
	}

	builtin := builtinProviders()
	if len(c.Providers) == 0 {
		c.Providers = builtin
		return
	}
	for i := range c.Providers {
		idx := slices.IndexFunc(builtin, func(b Provider) bool { return b.ID == c.Providers[i].ID })
		if idx >= 0 {
			c.Providers[i].fillFrom(builtin[idx])
		}
	}
}

// fillFrom copies defaults into fields the file left empty.
func (p *Provider) fillFrom(d Provider) {
	if p.BaseURL == "" {
		p.BaseURL = d.BaseURL
	}
	if p.ChartsBaseURL == "" {
		p.ChartsBaseURL = d.ChartsBaseURL
	}
	if p.Origin == "" {
		p.Origin = d.Origin
	}
	if p.Referer == "" {
		p.Referer = d.Referer
	}
	if p.HistoryType == 0 {
		p.HistoryType = d.HistoryType
	}
	if p.PageSize == 0 {
		p.PageSize = d.PageSize
	}
	if len(p.EnergySources) == 0 {
		p.EnergySources = d.EnergySources
	}
	if p.StatusMap == nil {
		p.StatusMap = d.StatusMap
	}
	if p.History.Mode == "" {
		p.History = d.History
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if c.DefaultDay != "today" && c.DefaultDay != "yesterday" {
		errs = append(errs, fmt.Errorf("default_day must be today or yesterday, got %q", c.DefaultDay))
	}
	if c.History.Epsilon < 0 {
		errs = append(errs, fmt.Errorf("history.epsilon must be positive, got %v", c.History.Epsilon))
	}
	if c.Scheduler.DailyHour < 0 || c.Scheduler.DailyHour > 23 {
		errs = append(errs, fmt.Errorf("scheduler.daily_hour out of range: %d", c.Scheduler.DailyHour))
	}

	known := map[string]bool{ProviderCSI: true, ProviderPHB: true, ProviderSEP: true, ProviderGrowatt: true}
	seen := map[string]bool{}
	for _, p := range c.Providers {
		if !known[p.ID] {
			errs = append(errs, fmt.Errorf("unknown provider %q", p.ID))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("provider %q configured twice", p.ID))
		}
		seen[p.ID] = true
		if p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("provider %s: base_url is required", p.ID))
		}
		for _, src := range p.EnergySources {
			if src != SourceAuthoritative && src != SourceSnapshot {
				errs = append(errs, fmt.Errorf("provider %s: unknown energy source %q", p.ID, src))
			}
		}
		switch p.History.Mode {
		case "", WindowMonthsBack, WindowSinceMonth:
		default:
			errs = append(errs, fmt.Errorf("provider %s: unknown history mode %q", p.ID, p.History.Mode))
		}
		if p.History.Mode == WindowSinceMonth && (p.History.AnchorMonth < 1 || p.History.AnchorMonth > 12) {
			errs = append(errs, fmt.Errorf("provider %s: anchor_month out of range: %d", p.ID, p.History.AnchorMonth))
		}
		for code, label := range p.StatusMap {
			switch label {
			case "NORMAL", "ALL_OFFLINE", "UNKNOWN":
			default:
				errs = append(errs, fmt.Errorf("provider %s: status %d maps to unknown label %q", p.ID, code, label))
			}
		}
	}

	for _, id := range append(slices.Clone(c.Merge.EnergyPriority), c.Merge.AuxPriority...) {
		if !known[id] {
			errs = append(errs, fmt.Errorf("merge priority names unknown provider %q", id))
		}
	}

	return errors.Join(errs...)
}

// Location returns the configured reporting timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Provider returns the configuration for id.
func (c *Config) Provider(id string) (Provider, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return Provider{}, false
}

var envVarRE = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	return envVarRE.ReplaceAllStringFunc(input, func(match string) string {
		parts := envVarRE.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return defaultVal
	})
}
