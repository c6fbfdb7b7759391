// Package ingest runs the sync pipeline: fetch provider plant lists,
// reconcile them against the registry, resolve and persist daily energy, and
// backfill recent history.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lox/solarsync/internal/canon"
	"github.com/lox/solarsync/internal/config"
	"github.com/lox/solarsync/internal/metrics"
	"github.com/lox/solarsync/internal/models"
	"github.com/lox/solarsync/internal/provider"
	"github.com/lox/solarsync/internal/reconcile"
	"github.com/lox/solarsync/internal/resolve"
	"github.com/lox/solarsync/internal/store"
)

// ErrRegistryUnavailable aborts a run before any plant-day is written.
var ErrRegistryUnavailable = errors.New("registry unavailable")

// Store is the persistence the pipeline needs.
type Store interface {
	Persister
	ListPlants(ctx context.Context) ([]models.RegistryPlant, error)
	ReconcileHistoryValue(ctx context.Context, w store.HistoryWrite, epsilon float64) (store.HistoryDecision, error)
	InsertHistoryDiffs(ctx context.Context, runID string, diffs []store.HistoryDiff) error
	StartRun(ctx context.Context, kind string, day models.Day) (*store.SyncRun, error)
	FinishRun(ctx context.Context, run *store.SyncRun, runErr error, report any) error
}

// Syncer owns one set of adapters and runs daily and backfill passes over
// them. Runs are serialised so two triggers never write the same plant-day
// concurrently.
type Syncer struct {
	cfg      *config.Config
	store    Store
	adapters []provider.Adapter
	keyer    canon.Keyer
	resolver *resolve.Resolver
	upsert   *UpsertCoordinator
	limiter  *rate.Limiter
	loc      *time.Location
	now      func() time.Time

	mu sync.Mutex
}

func NewSyncer(cfg *config.Config, st Store, adapters []provider.Adapter, keyer canon.Keyer) *Syncer {
	burst := max(1, int(cfg.RateLimitRPS))
	return &Syncer{
		cfg:      cfg,
		store:    st,
		adapters: adapters,
		keyer:    keyer,
		resolver: resolve.New(cfg),
		upsert:   NewUpsertCoordinator(st),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst),
		loc:      cfg.Location(),
		now:      time.Now,
	}
}

// WithClock replaces the wall clock, for tests.
func (s *Syncer) WithClock(now func() time.Time) *Syncer {
	s.now = now
	s.resolver.WithClock(now)
	return s
}

// Day maps a day selector to a calendar day in the configured timezone.
// An empty selector uses the configured default.
func (s *Syncer) Day(selector string) (models.Day, error) {
	if selector == "" {
		selector = s.cfg.DefaultDay
	}
	today := models.NewDay(s.now().In(s.loc))
	switch selector {
	case "today":
		return today, nil
	case "yesterday":
		return today.AddDays(-1), nil
	}
	return "", fmt.Errorf("invalid day %q: want today or yesterday", selector)
}

type listing struct {
	adapter provider.Adapter
	plants  []models.ProviderPlant
	err     error
}

// fetchLists fetches every provider's plant list concurrently. A failing
// provider contributes no plants; it never fails the others.
func (s *Syncer) fetchLists(ctx context.Context) []listing {
	out := make([]listing, len(s.adapters))
	var g errgroup.Group
	g.SetLimit(max(1, len(s.adapters)))
	for i, a := range s.adapters {
		g.Go(func() error {
			plants, err := a.ListPlants(ctx)
			out[i] = listing{adapter: a, plants: plants, err: err}
			if err != nil {
				metrics.ProviderListFailures.WithLabelValues(a.ID()).Inc()
				log.Warn().Str("component", "ingest").Str("provider", a.ID()).Err(err).Msg("plant list failed")
				out[i].plants = nil
			}
			return nil
		})
	}
	g.Wait()
	return out
}

func (s *Syncer) loadRegistry(ctx context.Context) ([]models.RegistryPlant, error) {
	plants, err := s.store.ListPlants(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}
	return plants, nil
}

func (s *Syncer) finish(ctx context.Context, run *store.SyncRun, runErr error, report any) {
	if err := s.store.FinishRun(context.WithoutCancel(ctx), run, runErr, report); err != nil {
		log.Warn().Str("component", "ingest").Err(err).Msg("record run")
	}
}

type plantResults struct {
	plant   models.RegistryPlant
	results []resolve.Resolved
}

// RunDaily syncs one calendar day across all providers.
func (s *Syncer) RunDaily(ctx context.Context, day models.Day) (*DailyReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	defer func() { metrics.RunDuration.WithLabelValues("daily").Observe(time.Since(start).Seconds()) }()

	report := newDailyReport(day)
	run, err := s.store.StartRun(ctx, "daily", day)
	if err != nil {
		log.Warn().Str("component", "ingest").Err(err).Msg("start run")
	}
	if run != nil {
		report.RunID = run.ID
	}

	registry, err := s.loadRegistry(ctx)
	if err != nil {
		s.finish(ctx, run, err, report)
		return nil, err
	}
	report.RegistryTotal = len(registry)

	rec := reconcile.New(s.keyer, registry)
	report.RegistryCollisions = append(report.RegistryCollisions, rec.Index().Collisions()...)

	log.Info().Str("component", "ingest").Str("day", day.String()).Int("registry", len(registry)).Msg("daily sync started")

	listings := s.fetchLists(ctx)

	var order []int64
	byPlant := map[int64]*plantResults{}
	for _, l := range listings {
		id := l.adapter.ID()
		summary := &ProviderSummary{Total: len(l.plants)}
		if l.err != nil {
			summary.Error = l.err.Error()
		}
		report.Providers[id] = summary

		res := rec.Reconcile(id, l.plants)
		summary.Matched = len(res.Matches)
		report.NotFound = append(report.NotFound, res.Unmatched...)
		report.DuplicateKeys = append(report.DuplicateKeys, res.Duplicates...)
		metrics.PlantsMatched.WithLabelValues(id).Set(float64(len(res.Matches)))
		metrics.PlantsUnmatched.WithLabelValues(id).Set(float64(len(res.Unmatched)))

		snapshots := make(map[string]models.ProviderPlant, len(l.plants))
		for _, p := range l.plants {
			if _, ok := snapshots[p.ExternalID]; !ok {
				snapshots[p.ExternalID] = p
			}
		}
		waits := s.usesAuthoritative(id)

		for _, m := range res.Matches {
			if waits {
				if err := s.limiter.Wait(ctx); err != nil {
					s.finish(ctx, run, err, report)
					return nil, err
				}
			}
			r := s.resolver.Resolve(ctx, l.adapter, snapshots[m.ExternalID], day)
			if r.Energy.Valid {
				metrics.EnergyResolved.WithLabelValues(id, r.EnergySource).Inc()
			}

			pr, ok := byPlant[m.RegistryID]
			if !ok {
				pr = &plantResults{plant: models.RegistryPlant{ID: m.RegistryID, Name: m.RegistryName}}
				byPlant[m.RegistryID] = pr
				order = append(order, m.RegistryID)
			}
			pr.results = append(pr.results, r)
		}
	}

	for _, plantID := range order {
		pr := byPlant[plantID]
		fields, from, _ := s.resolver.Merge(pr.results)

		outcome, err := s.upsert.Persist(ctx, plantID, day, fields, from)
		log.Debug().Str("component", "ingest").
			Int64("plant", plantID).
			Str("source", from).
			Str("outcome", outcome.String()).
			Msg("plant-day persisted")
		switch outcome {
		case Saved:
			report.Providers[from].Saved++
			metrics.RecordsSaved.WithLabelValues(from).Inc()
		case Skipped:
			report.Unresolved = append(report.Unresolved, pr.plant.Name)
			for _, r := range pr.results {
				report.PerItemErrors = append(report.PerItemErrors, ItemError{
					Provider:   r.ProviderID,
					ExternalID: r.ExternalID,
					RegistryID: plantID,
					Plant:      pr.plant.Name,
					Kind:       KindUnresolved,
					Error:      errString(r.Err, err),
				})
			}
			metrics.ItemErrors.WithLabelValues(KindUnresolved).Inc()
		case Failed:
			external := ""
			if i := slices.IndexFunc(pr.results, func(r resolve.Resolved) bool { return r.ProviderID == from }); i >= 0 {
				external = pr.results[i].ExternalID
			}
			report.PerItemErrors = append(report.PerItemErrors, ItemError{
				Provider:   from,
				ExternalID: external,
				RegistryID: plantID,
				Plant:      pr.plant.Name,
				Kind:       KindPersist,
				Error:      err.Error(),
			})
			metrics.ItemErrors.WithLabelValues(KindPersist).Inc()
			log.Warn().Str("component", "ingest").Int64("plant", plantID).Err(err).Msg("persist failed")
		}
	}

	report.OK = true
	s.finish(ctx, run, nil, report)

	log.Info().Str("component", "ingest").Str("day", day.String()).
		Int("saved", report.Saved()).
		Int("not_found", len(report.NotFound)).
		Int("duplicates", len(report.DuplicateKeys)).
		Int("errors", len(report.PerItemErrors)).
		Dur("took", time.Since(start)).
		Msg("daily sync finished")
	return report, nil
}

func (s *Syncer) usesAuthoritative(providerID string) bool {
	pc, ok := s.cfg.Provider(providerID)
	return ok && slices.Contains(pc.EnergySources, config.SourceAuthoritative)
}

func errString(primary, fallback error) string {
	if primary != nil {
		return primary.Error()
	}
	if fallback != nil {
		return fallback.Error()
	}
	return ""
}
