package provider

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lox/solarsync/internal/models"
)

// PHB is the PHB Solar portal, a SEMS deployment with a separate charts host.
type PHB struct {
	base
}

type phbWeatherNow struct {
	CondTxt string    `json:"cond_txt"`
	Tmp     flexFloat `json:"tmp"`
}

type phbStation struct {
	PowerstationID flexID    `json:"powerstation_id"`
	StationName    string    `json:"stationname"`
	Status         *int      `json:"status"`
	Pac            flexFloat `json:"pac"` // W
	PacKW          flexFloat `json:"pac_kw"`
	EDay           flexFloat `json:"eday"` // kWh
	EDayIncome     flexFloat `json:"eday_income"`
	Weather        struct {
		HeWeather6 []struct {
			Now phbWeatherNow `json:"now"`
		} `json:"HeWeather6"`
	} `json:"weather"`
}

type phbListResponse struct {
	HasError bool            `json:"hasError"`
	Code     json.RawMessage `json:"code"`
	Msg      string          `json:"msg"`
	Data     struct {
		Record int          `json:"record"`
		List   []phbStation `json:"list"`
	} `json:"data"`
}

type phbChartResponse struct {
	HasError bool            `json:"hasError"`
	Code     json.RawMessage `json:"code"`
	Msg      string          `json:"msg"`
	Data     struct {
		Lines []struct {
			Name  string `json:"name"`
			Label string `json:"label"`
			XY    []struct {
				X string    `json:"x"`
				Y flexFloat `json:"y"`
			} `json:"xy"`
		} `json:"lines"`
	} `json:"data"`
}

// codeOK treats a missing code, 0 and "0" as success.
func codeOK(raw json.RawMessage) bool {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	return s == "" || s == "0" || s == "null"
}

func (p *PHB) header() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	h.Set("Accept-Language", acceptLang)
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", userAgent)
	if p.cfg.Origin != "" {
		h.Set("Origin", p.cfg.Origin)
	}
	if p.cfg.Referer != "" {
		h.Set("Referer", p.cfg.Referer)
	}
	if p.cfg.Token != "" {
		h.Set("Token", p.cfg.Token)
	}
	if p.cfg.Bearer != "" {
		h.Set("Authorization", bearer(p.cfg.Bearer))
	}
	if p.cfg.Cookie != "" {
		h.Set("Cookie", p.cfg.Cookie)
	}
	return h
}

// ListPlants pages until a short page. A vendor error after the first page
// ends the listing with what was collected so far.
func (p *PHB) ListPlants(ctx context.Context) ([]models.ProviderPlant, error) {
	size := p.cfg.PageSize
	u := p.cfg.BaseURL + "/api/PowerStationMonitor/QueryPowerStationMonitor"

	var out []models.ProviderPlant
	for page := 1; page <= maxListPages; page++ {
		payload := map[string]any{
			"adcode":              "",
			"condition":           "",
			"key":                 "",
			"orderby":             "",
			"org_id":              p.cfg.OrgID,
			"page_index":          page,
			"page_size":           size,
			"powerstation_id":     "",
			"powerstation_status": "",
			"powerstation_type":   "",
		}
		var resp phbListResponse
		err := p.postJSON(ctx, "station_monitor", u, p.header(), payload, &resp)
		if err == nil && (resp.HasError || !codeOK(resp.Code)) {
			err = fmt.Errorf("vendor error code=%s msg=%q", strings.TrimSpace(string(resp.Code)), resp.Msg)
		}
		if err != nil {
			if page == 1 {
				return nil, fmt.Errorf("phb list: %w", err)
			}
			log.Warn().Str("component", "provider").Str("provider", p.ID()).Int("page", page).Err(err).
				Msg("list paging stopped early")
			break
		}
		for _, s := range resp.Data.List {
			out = append(out, p.toPlant(s))
		}
		if len(resp.Data.List) < size {
			break
		}
	}
	return out, nil
}

func (p *PHB) toPlant(s phbStation) models.ProviderPlant {
	m := models.Metrics{
		EnergyUnit: models.UnitKWh,
		PowerUnit:  models.UnitW,
		Timezone:   nullString(p.tzLabel()),
	}
	m.DailyEnergy = s.EDay.null()
	m.Income = s.EDayIncome.null()
	if s.Pac.Valid {
		m.InstantPower = s.Pac.null()
	} else if s.PacKW.Valid {
		m.InstantPower = s.PacKW.null()
		m.PowerUnit = models.UnitKW
	}
	if s.Status != nil {
		m.NetworkStatusCode = sql.NullInt64{Int64: int64(*s.Status), Valid: true}
	}
	if w := s.Weather.HeWeather6; len(w) > 0 {
		m.Weather = nullString(w[0].Now.CondTxt)
		m.TemperatureC = w[0].Now.Tmp.null()
	}
	return models.ProviderPlant{
		ProviderID: p.ID(),
		ExternalID: string(s.PowerstationID),
		RawName:    s.StationName,
		Metrics:    m,
	}
}

func (p *PHB) DailyEnergy(ctx context.Context, externalID string, day models.Day) (float64, error) {
	return dailyFromMonth(ctx, p, externalID, day)
}

func (p *PHB) MonthHistory(ctx context.Context, externalID string, year int, month time.Month) ([]models.DayEnergy, error) {
	base := p.cfg.ChartsBaseURL
	if base == "" {
		base = p.cfg.BaseURL
	}
	endOfMonth := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
	payload := map[string]any{
		"id":           externalID,
		"date":         endOfMonth.Format("2006-01-02"),
		"range":        2,
		"chartIndexId": "3",
		"isDetailFull": "",
	}

	var resp phbChartResponse
	if err := p.postJSON(ctx, "chart_by_plant", base+"/api/v2/Charts/GetChartByPlant", p.header(), payload, &resp); err != nil {
		return nil, fmt.Errorf("phb chart %04d-%02d for %s: %w", year, month, externalID, err)
	}
	if resp.HasError || !codeOK(resp.Code) {
		return nil, fmt.Errorf("phb chart %04d-%02d for %s: vendor error msg=%q", year, month, externalID, resp.Msg)
	}

	prefix := monthPrefix(year, month)
	var out []models.DayEnergy
	for _, line := range resp.Data.Lines {
		name := strings.ToLower(line.Name)
		label := strings.ToLower(line.Label)
		if !strings.Contains(name, "pvgeneration") && !strings.Contains(label, "generation") {
			continue
		}
		for _, pt := range line.XY {
			if !pt.Y.Valid || len(pt.X) < 10 || !strings.HasPrefix(pt.X, prefix) {
				continue
			}
			day, err := models.ParseDay(pt.X[:10])
			if err != nil {
				continue
			}
			out = append(out, models.DayEnergy{Day: day, KWh: pt.Y.Value})
		}
		break
	}
	return out, nil
}
