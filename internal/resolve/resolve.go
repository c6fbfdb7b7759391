// Package resolve turns provider telemetry into the normalised fields of a
// plant-day: daily energy through each provider's fallback chain, unit
// conversion, status labels and the cross-provider priority merge.
package resolve

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/lox/solarsync/internal/config"
	"github.com/lox/solarsync/internal/models"
	"github.com/lox/solarsync/internal/provider"
)

// ErrUnresolved means no energy source produced a finite value.
var ErrUnresolved = errors.New("no energy value")

// Resolved is one provider's view of a matched plant for the target day.
type Resolved struct {
	ProviderID   string
	ExternalID   string
	Energy       sql.NullFloat64 // kWh
	EnergySource string          // config.SourceAuthoritative or config.SourceSnapshot
	Fields       models.Fields   // auxiliary fields, EnergyKWh unset
	Err          error           // set when Energy is invalid
}

type Resolver struct {
	cfg       *config.Config
	providers map[string]config.Provider
	loc       *time.Location
	now       func() time.Time
}

func New(cfg *config.Config) *Resolver {
	r := &Resolver{
		cfg:       cfg,
		providers: make(map[string]config.Provider, len(cfg.Providers)),
		loc:       cfg.Location(),
		now:       time.Now,
	}
	for _, p := range cfg.Providers {
		r.providers[p.ID] = p
	}
	return r
}

// WithClock replaces the clock used to decide whether a day is "today".
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Today is the current calendar day in the configured timezone.
func (r *Resolver) Today() models.Day {
	return models.NewDay(r.now().In(r.loc))
}

// Resolve walks the provider's energy sources in order. The snapshot only
// describes the current day, so it is skipped when day is not today.
func (r *Resolver) Resolve(ctx context.Context, a provider.Adapter, snap models.ProviderPlant, day models.Day) Resolved {
	pc := r.providers[a.ID()]
	out := Resolved{
		ProviderID: a.ID(),
		ExternalID: snap.ExternalID,
		Fields:     AuxFields(pc, snap.Metrics),
	}

	var errs []error
	for _, src := range pc.EnergySources {
		switch src {
		case config.SourceAuthoritative:
			v, err := a.DailyEnergy(ctx, snap.ExternalID, day)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", src, err))
				continue
			}
			if !finite(v) {
				errs = append(errs, fmt.Errorf("%s: non-finite value", src))
				continue
			}
			out.Energy = sql.NullFloat64{Float64: v, Valid: true}
			out.EnergySource = src
			return out
		case config.SourceSnapshot:
			if day != r.Today() {
				errs = append(errs, fmt.Errorf("%s: only describes %s", src, r.Today()))
				continue
			}
			v, ok := SnapshotEnergy(snap.Metrics)
			if !ok {
				errs = append(errs, fmt.Errorf("%s: missing daily energy", src))
				continue
			}
			out.Energy = sql.NullFloat64{Float64: v, Valid: true}
			out.EnergySource = src
			return out
		}
	}
	out.Err = ErrUnresolved
	if len(errs) > 0 {
		out.Err = fmt.Errorf("%w: %w", ErrUnresolved, errors.Join(errs...))
	}
	return out
}

// SnapshotEnergy returns the list payload's daily energy in kWh.
func SnapshotEnergy(m models.Metrics) (float64, bool) {
	if !m.DailyEnergy.Valid {
		return 0, false
	}
	v, ok := EnergyKWh(m.DailyEnergy.Float64, m.EnergyUnit)
	if !ok || !finite(v) {
		return 0, false
	}
	return v, true
}

// AuxFields normalises everything but energy.
func AuxFields(pc config.Provider, m models.Metrics) models.Fields {
	f := models.Fields{
		TemperatureC:   finiteOrNull(m.TemperatureC),
		Income:         finiteOrNull(m.Income),
		WarningStatus:  m.WarningStatus,
		BusinessStatus: m.BusinessStatus,
		NetworkStatus:  StatusLabel(pc.StatusMap, m),
		Timezone:       m.Timezone,
		Weather:        m.Weather,
	}
	if m.InstantPower.Valid {
		if w, ok := PowerW(m.InstantPower.Float64, m.PowerUnit); ok && finite(w) {
			f.PowerW = sql.NullFloat64{Float64: w, Valid: true}
		}
	}
	if m.LastUpdateEpoch.Valid && m.LastUpdateEpoch.Int64 > 0 {
		f.SourceUpdatedAt = m.LastUpdateEpoch
	}
	return f
}

// PowerW converts an instantaneous power reading to watts.
func PowerW(v float64, unit models.Unit) (float64, bool) {
	switch unit {
	case models.UnitW, "":
		return v, true
	case models.UnitKW:
		return v * 1000, true
	}
	return 0, false
}

// EnergyKWh converts an energy reading to kWh.
func EnergyKWh(v float64, unit models.Unit) (float64, bool) {
	switch unit {
	case models.UnitKWh, "":
		return v, true
	case models.UnitWh:
		return v / 1000, true
	case models.UnitMWh:
		return v * 1000, true
	}
	return 0, false
}

// StatusLabel maps a numeric status through the provider's table. A textual
// status is passed through; unknown codes map to UNKNOWN.
func StatusLabel(table map[int]string, m models.Metrics) sql.NullString {
	if m.NetworkStatus.Valid && m.NetworkStatus.String != "" {
		return m.NetworkStatus
	}
	if !m.NetworkStatusCode.Valid {
		return sql.NullString{}
	}
	label, ok := table[int(m.NetworkStatusCode.Int64)]
	if !ok {
		label = models.StatusUnknown
	}
	return sql.NullString{String: label, Valid: true}
}

// Merge combines the per-provider results for one registry plant. Energy is
// taken from the first provider in the energy priority list that resolved
// it; each auxiliary field from the first provider in the aux priority list
// that has it. Providers missing from a priority list never contribute to it.
// The returned provider is the one whose energy was used.
func (r *Resolver) Merge(results []Resolved) (models.Fields, string, bool) {
	byProvider := make(map[string]Resolved, len(results))
	for _, res := range results {
		if _, ok := byProvider[res.ProviderID]; !ok {
			byProvider[res.ProviderID] = res
		}
	}

	var f models.Fields
	energyFrom := ""
	for _, id := range r.cfg.Merge.EnergyPriority {
		if res, ok := byProvider[id]; ok && res.Energy.Valid {
			f.EnergyKWh = res.Energy
			energyFrom = id
			break
		}
	}

	for _, id := range slices.Backward(r.cfg.Merge.AuxPriority) {
		res, ok := byProvider[id]
		if !ok {
			continue
		}
		overlay(&f, res.Fields)
	}
	return f, energyFrom, energyFrom != ""
}

// Outranking returns the providers ahead of id in the energy priority. ok is
// false when id is not listed and so never supplies energy.
func (r *Resolver) Outranking(id string) (ahead []string, ok bool) {
	i := slices.Index(r.cfg.Merge.EnergyPriority, id)
	if i < 0 {
		return nil, false
	}
	return r.cfg.Merge.EnergyPriority[:i], true
}

// overlay writes every valid field of src over dst. Callers apply sources
// from lowest to highest priority.
func overlay(dst *models.Fields, src models.Fields) {
	if src.PowerW.Valid {
		dst.PowerW = src.PowerW
	}
	if src.TemperatureC.Valid {
		dst.TemperatureC = src.TemperatureC
	}
	if src.Income.Valid {
		dst.Income = src.Income
	}
	if src.WarningStatus.Valid {
		dst.WarningStatus = src.WarningStatus
	}
	if src.BusinessStatus.Valid {
		dst.BusinessStatus = src.BusinessStatus
	}
	if src.NetworkStatus.Valid {
		dst.NetworkStatus = src.NetworkStatus
	}
	if src.SourceUpdatedAt.Valid {
		dst.SourceUpdatedAt = src.SourceUpdatedAt
	}
	if src.Timezone.Valid {
		dst.Timezone = src.Timezone
	}
	if src.Weather.Valid {
		dst.Weather = src.Weather
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finiteOrNull(v sql.NullFloat64) sql.NullFloat64 {
	if !v.Valid || !finite(v.Float64) {
		return sql.NullFloat64{}
	}
	return v
}
