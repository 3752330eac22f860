package orders

import (
	"sort"
	"time"
)

// CustomerHistory is the behavioural summary the risk scorer works from.
type CustomerHistory struct {
	Orders         int       `json:"orders"`
	CODRefusals30d int       `json:"cod_refusals_30d"`
	Returns60d     int       `json:"returns_60d"`
	ReturnRate     float64   `json:"return_rate"`
	LastOrderAt    time.Time `json:"last_order_at"`
}

// SummarizeCustomer folds a customer's records into a CustomerHistory.
// Return rate is returns over delivered orders in the last 60 days.
func SummarizeCustomer(records []*Record, now time.Time) CustomerHistory {
	var h CustomerHistory
	since30 := now.AddDate(0, 0, -30)
	since60 := now.AddDate(0, 0, -60)
	delivered60 := 0

	for _, r := range records {
		if r.CreatedAt.After(now) {
			continue
		}
		h.Orders++
		if r.CreatedAt.After(h.LastOrderAt) {
			h.LastOrderAt = r.CreatedAt
		}
		if r.CODRefused && !r.CreatedAt.Before(since30) {
			h.CODRefusals30d++
		}
		if r.CreatedAt.Before(since60) {
			continue
		}
		if r.Returned {
			h.Returns60d++
		}
		if !r.Declined && !r.CODRefused {
			delivered60++
		}
	}
	if delivered60 > 0 {
		h.ReturnRate = float64(h.Returns60d) / float64(delivered60)
	}
	return h
}

// CityStats aggregates orders for one delivery city.
type CityStats struct {
	City        string  `json:"city"`
	Orders      int     `json:"orders"`
	Returns     int     `json:"returns"`
	CODRefusals int     `json:"cod_refusals"`
	ReturnRate  float64 `json:"return_rate"`
}

// ByCity groups records by city, sorted by city name. Records without a
// city are ignored.
func ByCity(records []*Record) []CityStats {
	idx := make(map[string]*CityStats)
	delivered := make(map[string]int)
	for _, r := range records {
		if r.City == "" {
			continue
		}
		cs, ok := idx[r.City]
		if !ok {
			cs = &CityStats{City: r.City}
			idx[r.City] = cs
		}
		cs.Orders++
		if r.Returned {
			cs.Returns++
		}
		if r.CODRefused {
			cs.CODRefusals++
		}
		if !r.Declined && !r.CODRefused {
			delivered[r.City]++
		}
	}

	out := make([]CityStats, 0, len(idx))
	for city, cs := range idx {
		if d := delivered[city]; d > 0 {
			cs.ReturnRate = float64(cs.Returns) / float64(d)
		}
		out = append(out, *cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].City < out[j].City })
	return out
}
