package orch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"tgraph/internal/tautulli"
	"tgraph/pkg/logx"
)

func TestHistoryKeyEncodesWindowStart(t *testing.T) {
	day := time.Date(2026, 8, 1, 14, 3, 0, 0, time.UTC)
	if got := HistoryKey(day); got != "history:2026-08-01" {
		t.Fatalf("key = %q", got)
	}
}

func TestSourcePagesThroughHistory(t *testing.T) {
	const total = 2500 // 3 pages at 1000/page
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("cmd") != "get_history" {
			t.Errorf("cmd = %s", q.Get("cmd"))
		}
		start, _ := strconv.Atoi(q.Get("start"))
		length, _ := strconv.Atoi(q.Get("length"))

		n := total - start
		if n > length {
			n = length
		}
		entries := make([]map[string]any, 0, n)
		for i := 0; i < n; i++ {
			entries = append(entries, map[string]any{
				"date": 1700000000 + start + i,
				"user": fmt.Sprintf("u%d", start+i),
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{
				"result": "success",
				"data": map[string]any{
					"recordsTotal":    total,
					"recordsFiltered": total,
					"draw":            1,
					"data":            entries,
				},
			},
		})
	}))
	t.Cleanup(srv.Close)

	c, err := tautulli.New(tautulli.Options{BaseURL: srv.URL, APIKey: "k"}, logx.Nop())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	src := NewSource(c)

	raw, err := src(context.Background(), HistoryKey(time.Now()))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	entries, ok := raw.([]tautulli.HistoryEntry)
	if !ok {
		t.Fatalf("payload type %T", raw)
	}
	if len(entries) != total {
		t.Fatalf("entries = %d, want %d", len(entries), total)
	}
	if entries[0].Username != "u0" || entries[total-1].Username != fmt.Sprintf("u%d", total-1) {
		t.Fatalf("page stitching broken: first=%s last=%s", entries[0].Username, entries[total-1].Username)
	}
}

func TestSourceRejectsUnknownKey(t *testing.T) {
	c, err := tautulli.New(tautulli.Options{BaseURL: "http://localhost:1", APIKey: "k"}, logx.Nop())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, err := NewSource(c)(context.Background(), "bogus"); err == nil {
		t.Fatal("unknown key accepted")
	}
}
