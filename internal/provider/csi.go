package provider

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lox/solarsync/internal/models"
)

// CSI is the CSI Solar webmonitoring portal.
type CSI struct {
	base
}

type csiStation struct {
	ID              flexID    `json:"id"`
	Name            string    `json:"name"`
	Weather         string    `json:"weather"`
	Temperature     flexFloat `json:"temperature"`
	NetworkStatus   string    `json:"networkStatus"`
	WarningStatus   string    `json:"warningStatus"`
	BusinessStatus  string    `json:"businessStatus"`
	GenerationPower flexFloat `json:"generationPower"` // W
	GenerationValue flexFloat `json:"generationValue"` // kWh today
	LastUpdateTime  flexFloat `json:"lastUpdateTime"`  // epoch seconds
}

type csiSearchResponse struct {
	Total int          `json:"total"`
	Data  []csiStation `json:"data"`
}

type csiMonthRecord struct {
	AcceptDay       string    `json:"acceptDay"` // YYYYMMDD
	GenerationValue flexFloat `json:"generationValue"`
}

type csiMonthResponse struct {
	Records []csiMonthRecord `json:"records"`
	Data    struct {
		Records []csiMonthRecord `json:"records"`
	} `json:"data"`
}

var csiSearchPayload = map[string]any{
	"powerTypeList": []string{"PV"},
	"region": map[string]any{
		"level1": nil, "level2": nil, "level3": nil, "level4": nil, "level5": nil,
		"nationId": nil,
	},
}

func (c *CSI) header() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", acceptLang)
	h.Set("Content-Type", "application/json;charset=UTF-8")
	h.Set("User-Agent", userAgent)
	h.Set("X-Requested-With", "XMLHttpRequest")
	h.Set("Referer", c.cfg.BaseURL+"/maintain/home")
	if c.cfg.Bearer != "" {
		h.Set("Authorization", bearer(c.cfg.Bearer))
	}
	if c.cfg.Cookie != "" {
		h.Set("Cookie", c.cfg.Cookie)
	}
	return h
}

func (c *CSI) ListPlants(ctx context.Context) ([]models.ProviderPlant, error) {
	size := c.cfg.PageSize
	var out []models.ProviderPlant
	for page := 1; page <= maxListPages; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("size", strconv.Itoa(size))
		q.Set("order.direction", "ASC")
		q.Set("order.property", "name")
		u := c.cfg.BaseURL + "/maintain-s/operating/station/search?" + q.Encode()

		var resp csiSearchResponse
		if err := c.postJSON(ctx, "station_search", u, c.header(), csiSearchPayload, &resp); err != nil {
			return nil, fmt.Errorf("csi list page %d: %w", page, err)
		}
		for _, s := range resp.Data {
			out = append(out, c.toPlant(s))
		}
		if len(resp.Data) == 0 || len(out) >= resp.Total {
			break
		}
	}
	return out, nil
}

func (c *CSI) toPlant(s csiStation) models.ProviderPlant {
	m := models.Metrics{
		EnergyUnit:     models.UnitKWh,
		PowerUnit:      models.UnitW,
		Weather:        nullString(s.Weather),
		NetworkStatus:  nullString(s.NetworkStatus),
		WarningStatus:  nullString(s.WarningStatus),
		BusinessStatus: nullString(s.BusinessStatus),
		Timezone:       nullString(c.tzLabel()),
	}
	m.DailyEnergy = s.GenerationValue.null()
	m.InstantPower = s.GenerationPower.null()
	m.TemperatureC = s.Temperature.null()
	if s.LastUpdateTime.Valid {
		m.LastUpdateEpoch = sql.NullInt64{Int64: int64(s.LastUpdateTime.Value), Valid: true}
	}
	return models.ProviderPlant{
		ProviderID: c.ID(),
		ExternalID: string(s.ID),
		RawName:    s.Name,
		Metrics:    m,
	}
}

func (c *CSI) DailyEnergy(ctx context.Context, externalID string, day models.Day) (float64, error) {
	return dailyFromMonth(ctx, c, externalID, day)
}

func (c *CSI) MonthHistory(ctx context.Context, externalID string, year int, month time.Month) ([]models.DayEnergy, error) {
	q := url.Values{}
	q.Set("year", strconv.Itoa(year))
	q.Set("month", strconv.Itoa(int(month)))
	u := fmt.Sprintf("%s/maintain-s/history/power/%s/stats/month?%s", c.cfg.BaseURL, url.PathEscape(externalID), q.Encode())

	var resp csiMonthResponse
	if err := c.getJSON(ctx, "month_stats", u, c.header(), &resp); err != nil {
		return nil, fmt.Errorf("csi month %04d-%02d for %s: %w", year, month, externalID, err)
	}
	records := resp.Records
	if len(records) == 0 {
		records = resp.Data.Records
	}

	var out []models.DayEnergy
	for _, r := range records {
		if len(r.AcceptDay) != 8 || !r.GenerationValue.Valid {
			continue
		}
		day, err := models.ParseDay(r.AcceptDay[:4] + "-" + r.AcceptDay[4:6] + "-" + r.AcceptDay[6:])
		if err != nil {
			continue
		}
		if y, m := day.Month(); y != year || m != month {
			continue
		}
		out = append(out, models.DayEnergy{Day: day, KWh: r.GenerationValue.Value})
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func (f flexFloat) null() sql.NullFloat64 {
	return sql.NullFloat64{Float64: f.Value, Valid: f.Valid}
}
