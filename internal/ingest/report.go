package ingest

import (
	"time"

	"github.com/lox/solarsync/internal/config"
	"github.com/lox/solarsync/internal/models"
	"github.com/lox/solarsync/internal/reconcile"
	"github.com/lox/solarsync/internal/store"
)

// Per-item error kinds.
const (
	KindUnresolved = "unresolved"
	KindPersist    = "persist"
)

// ProviderSummary counts one provider's share of a daily run. Saved counts
// records whose energy value came from this provider.
type ProviderSummary struct {
	Total   int    `json:"total"`
	Matched int    `json:"matched"`
	Saved   int    `json:"saved"`
	Error   string `json:"error,omitempty"`
}

type ItemError struct {
	Provider   string `json:"provider"`
	ExternalID string `json:"externalId"`
	RegistryID int64  `json:"registryId"`
	Plant      string `json:"plant"`
	Kind       string `json:"kind"`
	Error      string `json:"error"`
}

// DailyReport is the summary returned by a daily sync and stored in the run log.
type DailyReport struct {
	OK                 bool                        `json:"ok"`
	RunID              string                      `json:"runId"`
	Date               models.Day                  `json:"date"`
	RegistryTotal      int                         `json:"registryTotal"`
	Providers          map[string]*ProviderSummary `json:"providers"`
	NotFound           []string                    `json:"notFound"`
	DuplicateKeys      []string                    `json:"duplicateKeys"`
	RegistryCollisions []reconcile.Collision       `json:"registryCollisions"`
	Unresolved         []string                    `json:"unresolved"`
	PerItemErrors      []ItemError                 `json:"perItemErrors"`
}

func newDailyReport(day models.Day) *DailyReport {
	return &DailyReport{
		Date:               day,
		Providers:          map[string]*ProviderSummary{},
		NotFound:           []string{},
		DuplicateKeys:      []string{},
		RegistryCollisions: []reconcile.Collision{},
		Unresolved:         []string{},
		PerItemErrors:      []ItemError{},
	}
}

// Saved is the number of records written across providers.
func (r *DailyReport) Saved() int {
	n := 0
	for _, p := range r.Providers {
		n += p.Saved
	}
	return n
}

type BackfillSummary struct {
	Total   int    `json:"total"`
	Matched int    `json:"matched"`
	Updated int    `json:"updated"`
	Skipped int    `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

type HistoryError struct {
	Source string `json:"source"`
	Plant  string `json:"plantName"`
	ID     string `json:"id"`
	Error  string `json:"error"`
}

// BackfillReport summarises a history backfill run.
type BackfillReport struct {
	OK        bool                          `json:"ok"`
	RunID     string                        `json:"runId"`
	Now       time.Time                     `json:"now"`
	Epsilon   float64                       `json:"epsilon"`
	Windows   map[string][]config.YearMonth `json:"windows"`
	Providers map[string]*BackfillSummary   `json:"providers"`
	Diffs     []store.HistoryDiff           `json:"diffs"`
	Errors    []HistoryError                `json:"errors"`
}

func newBackfillReport(now time.Time, epsilon float64) *BackfillReport {
	return &BackfillReport{
		Now:       now,
		Epsilon:   epsilon,
		Windows:   map[string][]config.YearMonth{},
		Providers: map[string]*BackfillSummary{},
		Diffs:     []store.HistoryDiff{},
		Errors:    []HistoryError{},
	}
}
