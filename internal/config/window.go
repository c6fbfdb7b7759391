package config

import "time"

// YearMonth identifies one calendar month of a history window.
type YearMonth struct {
	Year  int        `json:"y"`
	Month time.Month `json:"m"`
}

// Span returns the first day of the month and the first day of the next.
func (ym YearMonth) Span() (start, end time.Time) {
	start = time.Date(ym.Year, ym.Month, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// Months lists the months covered at now. months_back yields the current
// month followed by MonthsBack earlier months, newest first. since_month
// yields AnchorMonth through the current month in order, starting in the
// previous year when the current month precedes the anchor.
func (w Window) Months(now time.Time) []YearMonth {
	cur := YearMonth{Year: now.Year(), Month: now.Month()}

	switch w.Mode {
	case WindowMonthsBack:
		out := make([]YearMonth, 0, w.MonthsBack+1)
		d := time.Date(cur.Year, cur.Month, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i <= w.MonthsBack; i++ {
			out = append(out, YearMonth{Year: d.Year(), Month: d.Month()})
			d = d.AddDate(0, -1, 0)
		}
		return out

	case WindowSinceMonth:
		startYear := cur.Year
		if int(cur.Month) < w.AnchorMonth {
			startYear--
		}
		var out []YearMonth
		d := time.Date(startYear, time.Month(w.AnchorMonth), 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(cur.Year, cur.Month, 1, 0, 0, 0, 0, time.UTC)
		for !d.After(end) {
			out = append(out, YearMonth{Year: d.Year(), Month: d.Month()})
			d = d.AddDate(0, 1, 0)
		}
		return out
	}
	return nil
}
