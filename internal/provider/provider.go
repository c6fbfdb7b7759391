// Package provider holds the vendor portal adapters. Each adapter lists a
// vendor's plants and, where the vendor offers it, the per-plant generation
// series used for authoritative daily values and backfill.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lox/solarsync/internal/config"
	"github.com/lox/solarsync/internal/httputil"
	"github.com/lox/solarsync/internal/models"
)

// ErrNotSupported is returned by adapters for calls their vendor has no endpoint for.
var ErrNotSupported = errors.New("not supported by provider")

// ErrNoValue means the vendor answered but had no value for the requested day.
var ErrNoValue = errors.New("no value for day")

// Adapter is the contract the sync pipeline needs from a vendor portal.
type Adapter interface {
	ID() string
	ListPlants(ctx context.Context) ([]models.ProviderPlant, error)
	DailyEnergy(ctx context.Context, externalID string, day models.Day) (float64, error)
	MonthHistory(ctx context.Context, externalID string, year int, month time.Month) ([]models.DayEnergy, error)
}

const (
	userAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36"
	maxListPages  = 200
	acceptLang    = "pt-BR,pt;q=0.9,en-US;q=0.8,en;q=0.7"
	monthDayWidth = 2
)

// Build constructs adapters for every enabled provider, in configured order.
func Build(cfg *config.Config) ([]Adapter, error) {
	var out []Adapter
	for _, p := range cfg.Providers {
		if !p.IsEnabled() {
			continue
		}
		a, err := New(p, cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func New(p config.Provider, cfg *config.Config) (Adapter, error) {
	b := newBase(p, cfg)
	switch p.ID {
	case config.ProviderCSI:
		return &CSI{base: b}, nil
	case config.ProviderPHB:
		return &PHB{base: b}, nil
	case config.ProviderSEP:
		return &SEP{base: b}, nil
	case config.ProviderGrowatt:
		return &Growatt{base: b}, nil
	}
	return nil, fmt.Errorf("unknown provider %q", p.ID)
}

type base struct {
	cfg        config.Provider
	client     *http.Client
	maxElapsed time.Duration
	timezone   string
}

func newBase(p config.Provider, cfg *config.Config) base {
	tz := p.Timezone
	if tz == "" {
		tz = cfg.Timezone
	}
	return base{
		cfg:        p,
		client:     httputil.NewClient(cfg.HTTPTimeout.Duration()),
		maxElapsed: cfg.MaxRetryElapsed.Duration(),
		timezone:   tz,
	}
}

func (b *base) ID() string { return b.cfg.ID }

func (b *base) do(ctx context.Context, endpoint, method, url string, header http.Header, body []byte) ([]byte, error) {
	return httputil.Do(ctx, b.client, httputil.Request{
		Provider: b.cfg.ID,
		Endpoint: endpoint,
		Method:   method,
		URL:      url,
		Header:   header,
		Body:     body,
	}, b.maxElapsed)
}

func (b *base) postJSON(ctx context.Context, endpoint, url string, header http.Header, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", endpoint, err)
	}
	raw, err := b.do(ctx, endpoint, http.MethodPost, url, header, body)
	if err != nil {
		return err
	}
	return decode(endpoint, raw, out)
}

func (b *base) getJSON(ctx context.Context, endpoint, url string, header http.Header, out any) error {
	raw, err := b.do(ctx, endpoint, http.MethodGet, url, header, nil)
	if err != nil {
		return err
	}
	return decode(endpoint, raw, out)
}

func decode(endpoint string, raw []byte, out any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return fmt.Errorf("%s: empty response", endpoint)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: unmarshal: %w", endpoint, err)
	}
	return nil
}

// tzLabel is the timezone label reported for plants of this provider.
func (b *base) tzLabel() string { return b.timezone }

func bearer(token string) string {
	token = strings.TrimSpace(token)
	if token == "" || strings.HasPrefix(token, "Bearer") {
		return token
	}
	return "Bearer " + token
}

// pickDay returns the kWh for day from a month series.
func pickDay(series []models.DayEnergy, day models.Day) (float64, error) {
	for _, p := range series {
		if p.Day == day {
			return p.KWh, nil
		}
	}
	return 0, ErrNoValue
}

// dailyFromMonth resolves a single day through the vendor's month series.
func dailyFromMonth(ctx context.Context, a Adapter, externalID string, day models.Day) (float64, error) {
	year, month := day.Month()
	series, err := a.MonthHistory(ctx, externalID, year, month)
	if err != nil {
		return 0, err
	}
	return pickDay(series, day)
}

func monthPrefix(year int, month time.Month) string {
	return fmt.Sprintf("%04d-%0*d-", year, monthDayWidth, int(month))
}

// flexFloat accepts a JSON number, a numeric string or null. Vendors disagree
// on how to encode numbers, sometimes within one payload.
type flexFloat struct {
	Value float64
	Valid bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*f = flexFloat{}
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		*f = flexFloat{}
		return nil
	}
	*f = flexFloat{Value: v, Valid: true}
	return nil
}

// flexID accepts a JSON number or string identifier.
type flexID string

func (id *flexID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*id = flexID(str)
		return nil
	}
	*id = flexID(s)
	return nil
}
