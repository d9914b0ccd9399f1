package orch

import (
	"fmt"
	"sort"
	"time"

	"tgraph/internal/render"
	"tgraph/internal/tautulli"
)

// buildDataset aggregates raw history into the render-ready shape for kind.
// days is the chart window ending at now; loc controls day/hour bucketing.
func buildDataset(kind render.GraphKind, entries []tautulli.HistoryEntry, days int, now time.Time, loc *time.Location) (render.Dataset, error) {
	if days < 1 {
		days = 30
	}
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)
	windowStart := now.AddDate(0, 0, -days+1)
	windowStart = time.Date(windowStart.Year(), windowStart.Month(), windowStart.Day(), 0, 0, 0, 0, loc)

	ds := render.Dataset{Kind: kind, RangeDays: days, FetchedAt: now}

	var s render.Series
	switch kind {
	case render.KindDailyPlayCount:
		s = dailyCounts(entries, windowStart, days, loc)
	case render.KindPlayCountByDayOfWeek:
		s = weekdayCounts(entries, windowStart, loc)
	case render.KindPlayCountByHourOfDay:
		s = hourlyCounts(entries, windowStart, loc)
	case render.KindPlayCountByMonth:
		s = monthlyCounts(entries, now, loc)
	case render.KindTop10Users:
		s = topCounts("users", entries, windowStart, loc, func(e tautulli.HistoryEntry) string {
			if e.FriendlyName != "" {
				return e.FriendlyName
			}
			return e.Username
		})
	case render.KindTop10Platforms:
		s = topCounts("platforms", entries, windowStart, loc, func(e tautulli.HistoryEntry) string {
			return e.Platform
		})
	default:
		return ds, fmt.Errorf("orch: no builder for graph kind %q", kind)
	}

	ds.Series = []render.Series{s}
	return ds, nil
}

func entryTime(e tautulli.HistoryEntry, loc *time.Location) time.Time {
	ts := e.Date
	if e.Started > 0 {
		ts = e.Started
	}
	return time.Unix(ts, 0).In(loc)
}

func dailyCounts(entries []tautulli.HistoryEntry, start time.Time, days int, loc *time.Location) render.Series {
	s := render.Series{Name: "plays", Labels: make([]string, days), Values: make([]float64, days)}
	for i := 0; i < days; i++ {
		s.Labels[i] = start.AddDate(0, 0, i).Format("2006-01-02")
	}
	for _, e := range entries {
		t := entryTime(e, loc)
		if t.Before(start) {
			continue
		}
		day := int(t.Sub(start).Hours() / 24)
		if day >= 0 && day < days {
			s.Values[day]++
		}
	}
	return s
}

func weekdayCounts(entries []tautulli.HistoryEntry, start time.Time, loc *time.Location) render.Series {
	s := render.Series{Name: "plays", Labels: make([]string, 7), Values: make([]float64, 7)}
	for i := 0; i < 7; i++ {
		s.Labels[i] = time.Weekday(i).String()
	}
	for _, e := range entries {
		t := entryTime(e, loc)
		if t.Before(start) {
			continue
		}
		s.Values[int(t.Weekday())]++
	}
	return s
}

func hourlyCounts(entries []tautulli.HistoryEntry, start time.Time, loc *time.Location) render.Series {
	s := render.Series{Name: "plays", Labels: make([]string, 24), Values: make([]float64, 24)}
	for i := 0; i < 24; i++ {
		s.Labels[i] = fmt.Sprintf("%02d", i)
	}
	for _, e := range entries {
		t := entryTime(e, loc)
		if t.Before(start) {
			continue
		}
		s.Values[t.Hour()]++
	}
	return s
}

// monthlyCounts always charts the trailing 12 calendar months, independent
// of the day-based window.
func monthlyCounts(entries []tautulli.HistoryEntry, now time.Time, loc *time.Location) render.Series {
	s := render.Series{Name: "plays", Labels: make([]string, 12), Values: make([]float64, 12)}
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, -11, 0)
	for i := 0; i < 12; i++ {
		s.Labels[i] = first.AddDate(0, i, 0).Format("Jan 2006")
	}
	for _, e := range entries {
		t := entryTime(e, loc)
		if t.Before(first) {
			continue
		}
		idx := (t.Year()-first.Year())*12 + int(t.Month()) - int(first.Month())
		if idx >= 0 && idx < 12 {
			s.Values[idx]++
		}
	}
	return s
}

func topCounts(name string, entries []tautulli.HistoryEntry, start time.Time, loc *time.Location, keyOf func(tautulli.HistoryEntry) string) render.Series {
	counts := make(map[string]int)
	for _, e := range entries {
		if entryTime(e, loc).Before(start) {
			continue
		}
		if k := keyOf(e); k != "" {
			counts[k]++
		}
	}

	type kv struct {
		key string
		n   int
	}
	ranked := make([]kv, 0, len(counts))
	for k, n := range counts {
		ranked = append(ranked, kv{k, n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].n != ranked[j].n {
			return ranked[i].n > ranked[j].n
		}
		return ranked[i].key < ranked[j].key
	})
	if len(ranked) > 10 {
		ranked = ranked[:10]
	}

	s := render.Series{Name: name}
	for _, r := range ranked {
		s.Labels = append(s.Labels, r.key)
		s.Values = append(s.Values, float64(r.n))
	}
	return s
}
