package ingest

import (
	"context"
	"errors"
	"math"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lox/solarsync/internal/config"
	"github.com/lox/solarsync/internal/metrics"
	"github.com/lox/solarsync/internal/models"
	"github.com/lox/solarsync/internal/provider"
	"github.com/lox/solarsync/internal/reconcile"
	"github.com/lox/solarsync/internal/store"
)

type monthTask struct {
	match  models.Match
	month  config.YearMonth
	series []models.DayEnergy
	err    error
}

type plantDay struct {
	plantID int64
	day     models.Day
}

type historyValue struct {
	providerID string
	match      models.Match
	kwh        float64
}

// RunBackfill re-reads each provider's history window and corrects stored
// daily energy that drifted by epsilon or more. Month series are fetched with
// bounded concurrency. Values for the same plant-day are then ranked by the
// energy priority and only the best one is written, one plant-day at a time.
func (s *Syncer) RunBackfill(ctx context.Context) (*BackfillReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	defer func() { metrics.RunDuration.WithLabelValues("backfill").Observe(time.Since(start).Seconds()) }()

	now := s.now().In(s.loc)
	report := newBackfillReport(now, s.cfg.History.Epsilon)
	run, err := s.store.StartRun(ctx, "backfill", "")
	if err != nil {
		log.Warn().Str("component", "backfill").Err(err).Msg("start run")
	}
	if run != nil {
		report.RunID = run.ID
	}

	registry, err := s.loadRegistry(ctx)
	if err != nil {
		s.finish(ctx, run, err, report)
		return nil, err
	}
	rec := reconcile.New(s.keyer, registry)

	log.Info().Str("component", "backfill").Int("registry", len(registry)).Msg("backfill started")

	var order []plantDay
	values := map[plantDay][]historyValue{}

	for _, l := range s.fetchLists(ctx) {
		id := l.adapter.ID()
		pc, _ := s.cfg.Provider(id)
		months := pc.History.Months(now)
		if len(months) == 0 {
			continue
		}
		report.Windows[id] = months

		summary := &BackfillSummary{Total: len(l.plants)}
		report.Providers[id] = summary
		if l.err != nil {
			summary.Error = l.err.Error()
			continue
		}

		res := rec.Reconcile(id, l.plants)
		summary.Matched = len(res.Matches)

		for _, t := range s.fetchHistory(ctx, l.adapter, res.Matches, months) {
			if t.err != nil {
				if errors.Is(t.err, provider.ErrNotSupported) {
					continue
				}
				report.Errors = append(report.Errors, HistoryError{
					Source: id, Plant: t.match.RegistryName, ID: t.match.ExternalID, Error: t.err.Error(),
				})
				continue
			}
			from, to := t.month.Span()
			for _, p := range t.series {
				if math.IsNaN(p.KWh) || math.IsInf(p.KWh, 0) {
					continue
				}
				if at := p.Day.Time(); at.Before(from) || !at.Before(to) {
					continue
				}
				key := plantDay{plantID: t.match.RegistryID, day: p.Day}
				if slices.ContainsFunc(values[key], func(v historyValue) bool { return v.providerID == id }) {
					continue
				}
				if _, seen := values[key]; !seen {
					order = append(order, key)
				}
				values[key] = append(values[key], historyValue{providerID: id, match: t.match, kwh: p.KWh})
			}
		}
	}

	for _, key := range order {
		candidates := values[key]
		best, preferred := s.rankHistory(candidates)
		for i, v := range candidates {
			if i != best {
				report.Providers[v.providerID].Skipped++
			}
		}
		if best < 0 {
			continue
		}

		v := candidates[best]
		summary := report.Providers[v.providerID]
		d, err := s.store.ReconcileHistoryValue(ctx, store.HistoryWrite{
			PlantID:   key.plantID,
			Day:       key.day,
			KWh:       v.kwh,
			Source:    v.providerID,
			Preferred: preferred,
		}, s.cfg.History.Epsilon)
		if err != nil {
			report.Errors = append(report.Errors, HistoryError{
				Source: v.providerID, Plant: v.match.RegistryName, ID: v.match.ExternalID, Error: err.Error(),
			})
			continue
		}
		if !d.Written {
			summary.Skipped++
			continue
		}
		summary.Updated++
		metrics.HistoryUpdates.WithLabelValues(v.providerID).Inc()
		report.Diffs = append(report.Diffs, store.HistoryDiff{
			RunID:     report.RunID,
			Provider:  v.providerID,
			PlantID:   key.plantID,
			PlantName: v.match.RegistryName,
			Day:       key.day,
			Previous:  d.Previous,
			New:       v.kwh,
		})
	}

	if err := s.store.InsertHistoryDiffs(context.WithoutCancel(ctx), report.RunID, report.Diffs); err != nil {
		log.Warn().Str("component", "backfill").Err(err).Msg("record history diffs")
	}

	report.OK = true
	s.finish(ctx, run, nil, report)

	log.Info().Str("component", "backfill").
		Int("diffs", len(report.Diffs)).
		Int("errors", len(report.Errors)).
		Dur("took", time.Since(start)).
		Msg("backfill finished")
	return report, nil
}

// rankHistory picks the candidate whose provider comes first in the energy
// priority and returns the providers ranked above it. best is -1 when no
// candidate's provider may supply energy.
func (s *Syncer) rankHistory(candidates []historyValue) (best int, preferred []string) {
	best = -1
	for i, v := range candidates {
		ahead, ok := s.resolver.Outranking(v.providerID)
		if !ok {
			continue
		}
		if best < 0 || len(ahead) < len(preferred) {
			best, preferred = i, ahead
		}
	}
	return best, preferred
}

// fetchHistory fetches every (match, month) series with at most
// History.Concurrency calls in flight. Results keep match and month order.
func (s *Syncer) fetchHistory(ctx context.Context, a provider.Adapter, matches []models.Match, months []config.YearMonth) []monthTask {
	tasks := make([]monthTask, 0, len(matches)*len(months))
	for _, m := range matches {
		for _, ym := range months {
			tasks = append(tasks, monthTask{match: m, month: ym})
		}
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.History.Concurrency)
	for i := range tasks {
		g.Go(func() error {
			t := &tasks[i]
			t.series, t.err = a.MonthHistory(ctx, t.match.ExternalID, t.month.Year, t.month.Month)
			return nil
		})
	}
	g.Wait()
	return tasks
}
