package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "America/Sao_Paulo", cfg.Timezone)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout.Duration())
	assert.Equal(t, 0.05, cfg.History.Epsilon)
	assert.Equal(t, 6, cfg.History.Concurrency)
	assert.Equal(t, []string{"csi", "phb"}, cfg.Merge.AuxPriority)
	assert.Len(t, cfg.Providers, 4)

	growatt, ok := cfg.Provider(ProviderGrowatt)
	require.True(t, ok)
	assert.Equal(t, []string{SourceSnapshot}, growatt.EnergySources)
	assert.True(t, growatt.IsEnabled())
}

func TestParse_OverlaysBuiltinProvider(t *testing.T) {
	t.Setenv("TEST_CSI_BEARER", "abc123")

	cfg, err := Parse([]byte(`
timezone: America/Manaus
cron_key: ${TEST_CRON_KEY:fallback-key}
http_timeout: 10s
history:
  epsilon: 0.1
  concurrency: 20
providers:
  - id: csi
    bearer: ${TEST_CSI_BEARER}
    history:
      mode: months_back
      months_back: 5
  - id: growatt
    enabled: false
`))
	require.NoError(t, err)

	assert.Equal(t, "America/Manaus", cfg.Timezone)
	assert.Equal(t, "fallback-key", cfg.CronKey)
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout.Duration())
	assert.Equal(t, 0.1, cfg.History.Epsilon)
	assert.Equal(t, 6, cfg.History.Concurrency, "concurrency is capped")
	require.Len(t, cfg.Providers, 2)

	csi := cfg.Providers[0]
	assert.Equal(t, "abc123", csi.Bearer)
	assert.Equal(t, "https://webmonitoring-gl.csisolar.com", csi.BaseURL)
	assert.Equal(t, 5, csi.History.MonthsBack)
	assert.Equal(t, []string{SourceAuthoritative, SourceSnapshot}, csi.EnergySources)

	assert.False(t, cfg.Providers[1].IsEnabled())
}

func TestParse_StatusMap(t *testing.T) {
	cfg, err := Parse([]byte(`
providers:
  - id: phb
    status_map:
      -1: ALL_OFFLINE
      1: NORMAL
      3: UNKNOWN
`))
	require.NoError(t, err)
	assert.Equal(t, map[int]string{-1: "ALL_OFFLINE", 1: "NORMAL", 3: "UNKNOWN"}, cfg.Providers[0].StatusMap)
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown provider", "providers:\n  - id: acme\n", `unknown provider "acme"`},
		{"unknown energy source", "providers:\n  - id: csi\n    energy_sources: [guess]\n", `unknown energy source "guess"`},
		{"bad status label", "providers:\n  - id: sep\n    status_map:\n      1: ONLINE\n", `unknown label "ONLINE"`},
		{"bad priority", "merge:\n  aux_priority: [csi, acme]\n", `unknown provider "acme"`},
		{"bad day", "default_day: tomorrow\n", "default_day"},
		{"bad timezone", "timezone: Mars/Olympus\n", "timezone"},
		{"bad anchor", "providers:\n  - id: sep\n    history:\n      mode: since_month\n      anchor_month: 13\n", "anchor_month"},
		{"duplicate provider", "providers:\n  - id: csi\n  - id: csi\n", "configured twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWindow_MonthsBack(t *testing.T) {
	w := Window{Mode: WindowMonthsBack, MonthsBack: 2}

	got := w.Months(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, []YearMonth{{2026, 10}, {2026, 9}, {2026, 8}}, got)

	got = w.Months(time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, []YearMonth{{2026, 1}, {2025, 12}, {2025, 11}}, got)
}

func TestWindow_SinceMonth(t *testing.T) {
	w := Window{Mode: WindowSinceMonth, AnchorMonth: 4}

	got := w.Months(time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC))
	require.Len(t, got, 7)
	assert.Equal(t, YearMonth{2026, 4}, got[0])
	assert.Equal(t, YearMonth{2026, 10}, got[6])

	got = w.Months(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.Len(t, got, 11)
	assert.Equal(t, YearMonth{2025, 4}, got[0])
	assert.Equal(t, YearMonth{2026, 2}, got[10])

	assert.Nil(t, Window{}.Months(time.Now()))
}

func TestYearMonth_Span(t *testing.T) {
	start, end := YearMonth{2025, 12}.Span()
	assert.Equal(t, "2025-12-01", start.Format("2006-01-02"))
	assert.Equal(t, "2026-01-01", end.Format("2006-01-02"))
}
