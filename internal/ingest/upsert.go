package ingest

import (
	"context"

	"github.com/lox/solarsync/internal/models"
	"github.com/lox/solarsync/internal/resolve"
)

// Outcome is the end state of one plant-day within a run.
type Outcome int

const (
	Saved Outcome = iota + 1
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Saved:
		return "saved"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	}
	return "unknown"
}

type Persister interface {
	UpsertDailyRecord(ctx context.Context, plantID int64, day models.Day, f models.Fields, energySource string) error
}

// UpsertCoordinator writes resolved plant-days. It never retries; the next
// scheduled run is the retry.
type UpsertCoordinator struct {
	store Persister
}

func NewUpsertCoordinator(store Persister) *UpsertCoordinator {
	return &UpsertCoordinator{store: store}
}

// Persist skips plant-days without an energy value, leaving any stored
// record untouched.
func (u *UpsertCoordinator) Persist(ctx context.Context, plantID int64, day models.Day, f models.Fields, energySource string) (Outcome, error) {
	if !f.EnergyKWh.Valid {
		return Skipped, resolve.ErrUnresolved
	}
	if err := u.store.UpsertDailyRecord(ctx, plantID, day, f, energySource); err != nil {
		return Failed, err
	}
	return Saved, nil
}
