package events

import "time"

// DayCount is the number of events created on one UTC day.
type DayCount struct {
	Day   string `json:"day"` // 2006-01-02
	Count int    `json:"count"`
}

// Stats feeds the dashboard chart.
type Stats struct {
	Total              int        `json:"total"`
	Open               int        `json:"open"`
	Closed             int        `json:"closed"`
	Alerts             int        `json:"alerts"`
	AvgResponseSeconds float64    `json:"avg_response_seconds"`
	MaxResponseSeconds float64    `json:"max_response_seconds"`
	Daily              []DayCount `json:"daily"`
}

// Aggregate computes totals, response latency figures over closed events and
// per-day creation counts for the last days days ending at now (oldest first).
// Events with a malformed created_at are counted in totals but not in Daily.
func Aggregate(list []Event, now time.Time, days int) Stats {
	var st Stats
	if days < 0 {
		days = 0
	}
	today := now.UTC().Truncate(24 * time.Hour)
	buckets := make(map[string]int, days)
	st.Daily = make([]DayCount, days)
	for i := 0; i < days; i++ {
		day := today.AddDate(0, 0, i-days+1).Format("2006-01-02")
		st.Daily[i] = DayCount{Day: day}
		buckets[day] = i
	}

	var sum float64
	var measured int
	for _, ev := range list {
		st.Total++
		switch NormalizeStatus(string(ev.Status)) {
		case StatusOpen:
			st.Open++
		case StatusClosed:
			st.Closed++
			if d, ok := ev.ResponseLatency(); ok {
				secs := d.Seconds()
				sum += secs
				measured++
				if secs > st.MaxResponseSeconds {
					st.MaxResponseSeconds = secs
				}
			}
		}
		if ev.IsAlert() {
			st.Alerts++
		}
		if created := ev.Created(); !created.Equal(epoch) {
			if i, ok := buckets[created.Format("2006-01-02")]; ok {
				st.Daily[i].Count++
			}
		}
	}
	if measured > 0 {
		st.AvgResponseSeconds = sum / float64(measured)
	}
	return st
}
