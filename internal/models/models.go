package models

import (
	"database/sql"
	"fmt"
	"time"
)

const dayLayout = "2006-01-02"

// Day is a calendar date formatted as YYYY-MM-DD. It is the date half of the
// (plant, day) natural key and is stored as text in every backend.
type Day string

func NewDay(t time.Time) Day {
	return Day(t.Format(dayLayout))
}

func ParseDay(s string) (Day, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return "", fmt.Errorf("parse day %q: %w", s, err)
	}
	return NewDay(t), nil
}

// Time returns midnight UTC of the day.
func (d Day) Time() time.Time {
	t, _ := time.Parse(dayLayout, string(d))
	return t
}

func (d Day) String() string { return string(d) }

func (d Day) Month() (int, time.Month) {
	t := d.Time()
	return t.Year(), t.Month()
}

// AddDays returns the day n days after d (negative n goes back).
func (d Day) AddDays(n int) Day {
	return NewDay(d.Time().AddDate(0, 0, n))
}

// RegistryPlant is a plant from the local registry, the source of truth for identity.
type RegistryPlant struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Unit string

const (
	UnitW   Unit = "W"
	UnitKW  Unit = "kW"
	UnitWh  Unit = "Wh"
	UnitKWh Unit = "kWh"
	UnitMWh Unit = "MWh"
)

// Normalised network status labels.
const (
	StatusNormal     = "NORMAL"
	StatusAllOffline = "ALL_OFFLINE"
	StatusUnknown    = "UNKNOWN"
)

// Metrics is the telemetry a provider reports for a plant in its list
// payload. Values are in the provider's own units; the resolver normalises them.
type Metrics struct {
	DailyEnergy       sql.NullFloat64
	EnergyUnit        Unit
	InstantPower      sql.NullFloat64
	PowerUnit         Unit
	TemperatureC      sql.NullFloat64
	Weather           sql.NullString
	Income            sql.NullFloat64
	NetworkStatus     sql.NullString // textual status, used as-is when present
	NetworkStatusCode sql.NullInt64  // numeric status, mapped through the provider's status table
	WarningStatus     sql.NullString
	BusinessStatus    sql.NullString
	LastUpdateEpoch   sql.NullInt64
	Timezone          sql.NullString
}

// ProviderPlant is one entry of a provider's plant list for the current run.
type ProviderPlant struct {
	ProviderID string
	ExternalID string
	RawName    string
	Metrics    Metrics
}

// Match associates one registry plant with one provider listing.
type Match struct {
	RegistryID   int64          `json:"registryId"`
	RegistryName string         `json:"registryName"`
	ProviderID   string         `json:"providerId"`
	ExternalID   string         `json:"externalId"`
	ExternalName string         `json:"externalName"`
	Weather      sql.NullString `json:"-"`
}

// Fields holds the resolved, unit-normalised values for a plant-day. Invalid
// (unresolved) fields are never written over previously stored values.
type Fields struct {
	EnergyKWh       sql.NullFloat64
	PowerW          sql.NullFloat64
	TemperatureC    sql.NullFloat64
	Income          sql.NullFloat64
	WarningStatus   sql.NullString
	BusinessStatus  sql.NullString
	NetworkStatus   sql.NullString
	SourceUpdatedAt sql.NullInt64 // epoch seconds reported by the provider
	Timezone        sql.NullString
	Weather         sql.NullString
}

// DailyRecord is the persisted row keyed by (PlantID, Day).
type DailyRecord struct {
	PlantID   int64
	Day       Day
	Fields    Fields
	CreatedAt time.Time
}

// DayEnergy is one point of a provider's monthly generation series.
type DayEnergy struct {
	Day Day
	KWh float64
}
