package events

import (
	"sort"
	"time"
)

// View is the classified form of an event list.
type View struct {
	// All holds every event, newest first.
	All []Event
	// Alerts holds the alert-worthy subset of All, newest first.
	Alerts []Event
}

// Classify normalizes statuses and orders events by created_at descending, breaking
// ties by eventId so the output is deterministic. The input slice is not modified.
func Classify(list []Event) View {
	all := make([]Event, len(list))
	for i, ev := range list {
		ev.Status = NormalizeStatus(string(ev.Status))
		all[i] = ev
	}

	created := make([]time.Time, len(all))
	for i := range all {
		created[i] = all[i].Created()
	}
	idx := make([]int, len(all))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ca, cb := created[idx[a]], created[idx[b]]
		if !ca.Equal(cb) {
			return ca.After(cb)
		}
		return all[idx[a]].ID < all[idx[b]].ID
	})

	sorted := make([]Event, len(all))
	for i, j := range idx {
		sorted[i] = all[j]
	}

	alerts := make([]Event, 0, len(sorted))
	for _, ev := range sorted {
		if ev.IsAlert() {
			alerts = append(alerts, ev)
		}
	}
	return View{All: sorted, Alerts: alerts}
}
