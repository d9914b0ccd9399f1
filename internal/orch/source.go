package orch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tgraph/internal/fetch"
	"tgraph/internal/tautulli"
)

// Fetch keys understood by the upstream source. History keys carry the
// window start date so different ranges cache independently.
const (
	keyUsers      = "users"
	keyServerInfo = "server_info"
	historyPrefix = "history:" // history:YYYY-MM-DD
)

// HistoryKey builds the cache key for playback history on/after day.
func HistoryKey(day time.Time) string {
	return historyPrefix + day.Format("2006-01-02")
}

const (
	historyPageSize = 1000
	historyMaxPages = 20
)

// NewSource adapts the Tautulli client to the fetch pipeline. History is
// paged until the filtered record count is exhausted (bounded, so a huge
// server cannot wedge a worker).
func NewSource(c *tautulli.Client) fetch.SourceFunc {
	return func(ctx context.Context, key string) (any, error) {
		switch {
		case key == keyUsers:
			return c.Users(ctx)
		case key == keyServerInfo:
			return c.ServerInfo(ctx)
		case strings.HasPrefix(key, historyPrefix):
			return fetchHistory(ctx, c, strings.TrimPrefix(key, historyPrefix))
		default:
			return nil, fmt.Errorf("orch: unknown fetch key %q", key)
		}
	}
}

func fetchHistory(ctx context.Context, c *tautulli.Client, after string) ([]tautulli.HistoryEntry, error) {
	var all []tautulli.HistoryEntry
	for page := 0; page < historyMaxPages; page++ {
		p, err := c.History(ctx, tautulli.HistoryQuery{
			After:  after,
			Length: historyPageSize,
			Start:  page * historyPageSize,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, p.Data...)
		if len(p.Data) < historyPageSize || len(all) >= p.RecordsFiltered {
			break
		}
	}
	return all, nil
}
