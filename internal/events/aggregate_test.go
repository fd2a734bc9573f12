package events

import (
	"math"
	"testing"
	"time"
)

func TestAggregate(t *testing.T) {
	now := time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC)
	thirty := 30.0
	failed := -1.0
	list := []Event{
		{ID: "a", Status: "OPEN", CreatedAt: "2025-06-10T09:00:00Z", WarningImageURL: "https://x/a.png"},
		{ID: "b", Status: "OPEN", CreatedAt: "2025-06-09T09:00:00Z"},
		{ID: "c", Status: "CLOSED", CreatedAt: "2025-06-09T10:00:00Z", ResponseSeconds: &thirty},
		{ID: "d", Status: "closed", CreatedAt: "2025-06-08T10:00:00Z", ClosedAt: "2025-06-08T10:01:30Z", ResponseSeconds: &failed},
		{ID: "e", Status: "CLOSED", CreatedAt: "2025-05-01T10:00:00Z"},
		{ID: "f", Status: "OPEN", CreatedAt: "bogus"},
	}

	st := Aggregate(list, now, 3)
	if st.Total != 6 || st.Open != 3 || st.Closed != 3 || st.Alerts != 1 {
		t.Fatalf("unexpected counts: %+v", st)
	}
	if math.Abs(st.AvgResponseSeconds-60) > 1e-9 || st.MaxResponseSeconds != 90 {
		t.Fatalf("latency avg=%v max=%v", st.AvgResponseSeconds, st.MaxResponseSeconds)
	}
	want := []DayCount{{Day: "2025-06-08", Count: 1}, {Day: "2025-06-09", Count: 2}, {Day: "2025-06-10", Count: 1}}
	if len(st.Daily) != len(want) {
		t.Fatalf("daily len = %d", len(st.Daily))
	}
	for i := range want {
		if st.Daily[i] != want[i] {
			t.Fatalf("daily[%d] = %+v, want %+v", i, st.Daily[i], want[i])
		}
	}
}

func TestAggregateEmpty(t *testing.T) {
	st := Aggregate(nil, time.Now(), 0)
	if st.Total != 0 || st.AvgResponseSeconds != 0 || len(st.Daily) != 0 {
		t.Fatalf("unexpected stats for empty input: %+v", st)
	}
}
