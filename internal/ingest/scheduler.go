package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lox/solarsync/internal/config"
	"github.com/lox/solarsync/internal/models"
)

// Scheduler triggers runs from inside the server process: a "today" sync on
// an interval, and once a day the "yesterday" sync followed by backfill.
type Scheduler struct {
	syncer        *Syncer
	loc           *time.Location
	todayInterval time.Duration
	dailyHour     int
	backfill      bool
	lastDaily     models.Day
}

func NewScheduler(syncer *Syncer, cfg *config.Config) *Scheduler {
	return &Scheduler{
		syncer:        syncer,
		loc:           cfg.Location(),
		todayInterval: cfg.Scheduler.TodayInterval.Duration(),
		dailyHour:     cfg.Scheduler.DailyHour,
		backfill:      cfg.Scheduler.Backfill,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	s.syncToday(ctx)
	s.runDailyJobsIfNeeded(ctx)

	todayTicker := time.NewTicker(s.todayInterval)
	dailyTicker := time.NewTicker(10 * time.Minute)
	defer todayTicker.Stop()
	defer dailyTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("component", "scheduler").Msg("shutting down")
			return
		case <-todayTicker.C:
			s.syncToday(ctx)
		case <-dailyTicker.C:
			s.runDailyJobsIfNeeded(ctx)
		}
	}
}

func (s *Scheduler) syncToday(ctx context.Context) {
	day, err := s.syncer.Day("today")
	if err != nil {
		log.Error().Str("component", "scheduler").Err(err).Msg("resolve day")
		return
	}
	if _, err := s.syncer.RunDaily(ctx, day); err != nil {
		log.Error().Str("component", "scheduler").Err(err).Msg("today sync failed")
	}
}

// runDailyJobsIfNeeded runs at most once per local day, inside the configured hour.
func (s *Scheduler) runDailyJobsIfNeeded(ctx context.Context) {
	localNow := s.syncer.now().In(s.loc)
	today := models.NewDay(localNow)
	if localNow.Hour() != s.dailyHour || s.lastDaily == today {
		return
	}
	s.lastDaily = today

	if _, err := s.syncer.RunDaily(ctx, today.AddDays(-1)); err != nil {
		log.Error().Str("component", "scheduler").Err(err).Msg("yesterday sync failed")
	}
	if !s.backfill {
		return
	}
	if _, err := s.syncer.RunBackfill(ctx); err != nil {
		log.Error().Str("component", "scheduler").Err(err).Msg("backfill failed")
	}
}
