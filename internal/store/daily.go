package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/google/uuid"

	"github.com/lox/solarsync/internal/models"
)

const dailyColumns = `plant_id, CAST(day AS TEXT), energy_kwh, power_w, temperature_c, income,
	warning_status, business_status, network_status, source_updated_at, timezone, weather,
	energy_source, created_at`

// UpsertDailyRecord writes a plant-day. On first insert unresolved fields are
// NULL; on update only fields resolved this time are overwritten.
func (s *Store) UpsertDailyRecord(ctx context.Context, plantID int64, day models.Day, f models.Fields, energySource string) error {
	source := sql.NullString{String: energySource, Valid: energySource != ""}
	_, err := s.exec(ctx, s.db, `
		INSERT INTO daily_records (plant_id, day, energy_kwh, power_w, temperature_c, income,
			warning_status, business_status, network_status, source_updated_at, timezone, weather,
			energy_source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (plant_id, day) DO UPDATE SET
			energy_kwh = COALESCE(excluded.energy_kwh, daily_records.energy_kwh),
			power_w = COALESCE(excluded.power_w, daily_records.power_w),
			temperature_c = COALESCE(excluded.temperature_c, daily_records.temperature_c),
			income = COALESCE(excluded.income, daily_records.income),
			warning_status = COALESCE(excluded.warning_status, daily_records.warning_status),
			business_status = COALESCE(excluded.business_status, daily_records.business_status),
			network_status = COALESCE(excluded.network_status, daily_records.network_status),
			source_updated_at = COALESCE(excluded.source_updated_at, daily_records.source_updated_at),
			timezone = COALESCE(excluded.timezone, daily_records.timezone),
			weather = COALESCE(excluded.weather, daily_records.weather),
			energy_source = COALESCE(excluded.energy_source, daily_records.energy_source)
	`, plantID, string(day), f.EnergyKWh, f.PowerW, f.TemperatureC, f.Income,
		f.WarningStatus, f.BusinessStatus, f.NetworkStatus, f.SourceUpdatedAt, f.Timezone, f.Weather,
		source, s.timestamp())
	if err != nil {
		return fmt.Errorf("upsert daily record %d/%s: %w", plantID, day, err)
	}
	return nil
}

func scanDaily(sc interface{ Scan(...any) error }) (models.DailyRecord, string, error) {
	var (
		r         models.DailyRecord
		day       string
		source    sql.NullString
		createdAt string
	)
	err := sc.Scan(&r.PlantID, &day, &r.Fields.EnergyKWh, &r.Fields.PowerW, &r.Fields.TemperatureC, &r.Fields.Income,
		&r.Fields.WarningStatus, &r.Fields.BusinessStatus, &r.Fields.NetworkStatus, &r.Fields.SourceUpdatedAt,
		&r.Fields.Timezone, &r.Fields.Weather, &source, &createdAt)
	if err != nil {
		return r, "", err
	}
	r.Day = models.Day(day)
	r.CreatedAt = parseTimestamp(createdAt)
	return r, source.String, nil
}

// GetDailyRecord returns ErrNotFound when the plant-day was never written.
func (s *Store) GetDailyRecord(ctx context.Context, plantID int64, day models.Day) (models.DailyRecord, error) {
	row := s.queryRow(ctx, s.db, "SELECT "+dailyColumns+" FROM daily_records WHERE plant_id = ? AND day = ?", plantID, string(day))
	r, _, err := scanDaily(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, err
}

// StoredRecord is a daily record with the provider that supplied its energy.
type StoredRecord struct {
	models.DailyRecord
	EnergySource string
}

// ListDailyRecords returns a plant's records with from <= day <= to, oldest first.
func (s *Store) ListDailyRecords(ctx context.Context, plantID int64, from, to models.Day) ([]StoredRecord, error) {
	rows, err := s.query(ctx, s.db, "SELECT "+dailyColumns+`
		FROM daily_records
		WHERE plant_id = ? AND day >= ? AND day <= ?
		ORDER BY day`, plantID, string(from), string(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		r, source, err := scanDaily(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, StoredRecord{DailyRecord: r, EnergySource: source})
	}
	return out, rows.Err()
}

// HistoryWrite is one freshly fetched historical value.
type HistoryWrite struct {
	PlantID int64
	Day     models.Day
	KWh     float64
	Source  string
	// Preferred lists sources whose stored energy this write never replaces.
	Preferred []string
}

// HistoryDecision is the outcome of comparing one historical value.
type HistoryDecision struct {
	Previous       sql.NullFloat64
	PreviousSource string
	Written        bool
}

// ReconcileHistoryValue compares a freshly fetched daily energy with the
// stored one inside a single transaction and writes it when the row is
// absent, has no energy, or differs by epsilon or more. A stored value from
// one of w.Preferred is left alone.
func (s *Store) ReconcileHistoryValue(ctx context.Context, w HistoryWrite, epsilon float64) (HistoryDecision, error) {
	var (
		d      HistoryDecision
		source sql.NullString
	)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()

	err = s.queryRow(ctx, tx, "SELECT energy_kwh, energy_source FROM daily_records WHERE plant_id = ? AND day = ?",
		w.PlantID, string(w.Day)).Scan(&d.Previous, &source)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("read %d/%s: %w", w.PlantID, w.Day, err)
	}
	d.PreviousSource = source.String
	if exists && d.Previous.Valid {
		if math.Abs(d.Previous.Float64-w.KWh) < epsilon || slices.Contains(w.Preferred, d.PreviousSource) {
			return d, nil
		}
	}

	if exists {
		_, err = s.exec(ctx, tx, "UPDATE daily_records SET energy_kwh = ?, energy_source = ? WHERE plant_id = ? AND day = ?",
			w.KWh, w.Source, w.PlantID, string(w.Day))
	} else {
		_, err = s.exec(ctx, tx, "INSERT INTO daily_records (plant_id, day, energy_kwh, energy_source, created_at) VALUES (?, ?, ?, ?, ?)",
			w.PlantID, string(w.Day), w.KWh, w.Source, s.timestamp())
	}
	if err != nil {
		return d, fmt.Errorf("write %d/%s: %w", w.PlantID, w.Day, err)
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	d.Written = true
	return d, nil
}

// HistoryDiff is one audited backfill write.
type HistoryDiff struct {
	ID         string
	RunID      string
	Provider   string
	PlantID    int64
	PlantName  string
	Day        models.Day
	Previous   sql.NullFloat64
	New        float64
	RecordedAt string
}

func (d HistoryDiff) MarshalJSON() ([]byte, error) {
	var previous *float64
	if d.Previous.Valid {
		previous = &d.Previous.Float64
	}
	return json.Marshal(struct {
		Source        string     `json:"source"`
		PlantID       int64      `json:"plantId"`
		PlantName     string     `json:"plantName"`
		Date          models.Day `json:"date"`
		PreviousValue *float64   `json:"previousValue"`
		NewValue      float64    `json:"newValue"`
	}{d.Provider, d.PlantID, d.PlantName, d.Day, previous, d.New})
}

func (s *Store) InsertHistoryDiffs(ctx context.Context, runID string, diffs []HistoryDiff) error {
	if len(diffs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.timestamp()
	for _, d := range diffs {
		if _, err := s.exec(ctx, tx, `
			INSERT INTO history_diffs (id, run_id, provider, plant_id, plant_name, day, previous_kwh, new_kwh, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, uuid.NewString(), runID, d.Provider, d.PlantID, d.PlantName, string(d.Day), d.Previous, d.New, now); err != nil {
			return fmt.Errorf("insert history diff: %w", err)
		}
	}
	return tx.Commit()
}

// ListHistoryDiffs returns the audit trail for a plant, newest first.
func (s *Store) ListHistoryDiffs(ctx context.Context, plantID int64, limit int) ([]HistoryDiff, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT id, run_id, provider, plant_id, plant_name, CAST(day AS TEXT), previous_kwh, new_kwh, recorded_at
		FROM history_diffs
		WHERE plant_id = ?
		ORDER BY recorded_at DESC, day DESC
		LIMIT ?
	`, plantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryDiff
	for rows.Next() {
		var (
			d     HistoryDiff
			runID sql.NullString
			day   string
		)
		if err := rows.Scan(&d.ID, &runID, &d.Provider, &d.PlantID, &d.PlantName, &day, &d.Previous, &d.New, &d.RecordedAt); err != nil {
			return nil, err
		}
		d.RunID = runID.String
		d.Day = models.Day(day)
		out = append(out, d)
	}
	return out, rows.Err()
}
