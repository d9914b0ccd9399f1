package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tgraph/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "tgraph.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabledReturnsNil(t *testing.T) {
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: st=%v err=%v", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestScheduleStateRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	last := time.Date(2026, 8, 10, 2, 0, 0, 0, time.UTC)
	next := last.AddDate(0, 0, 7)
	if err := st.SaveSchedule(ctx, ScheduleState{ID: "auto_graph", LastFire: last, NextFire: next}); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Upsert: a second save replaces, not duplicates.
	last2 := last.AddDate(0, 0, 7)
	if err := st.SaveSchedule(ctx, ScheduleState{ID: "auto_graph", LastFire: last2, NextFire: last2.AddDate(0, 0, 7)}); err != nil {
		t.Fatalf("save again: %v", err)
	}
	if err := st.SaveSchedule(ctx, ScheduleState{ID: "cleanup", LastFire: last}); err != nil {
		t.Fatalf("save cleanup: %v", err)
	}

	states, err := st.LoadSchedules(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("schedules = %d, want 2", len(states))
	}
	byID := map[string]ScheduleState{}
	for _, s := range states {
		byID[s.ID] = s
	}
	got := byID["auto_graph"]
	if !got.LastFire.Equal(last2) {
		t.Fatalf("last fire = %v, want %v", got.LastFire, last2)
	}
	if byID["cleanup"].NextFire.IsZero() != true {
		t.Fatalf("zero next fire not preserved: %+v", byID["cleanup"])
	}
}

func TestTaskLogAppendAndReplayOrder(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	entries := []TaskLogEntry{
		{At: base, TaskID: "t1", Kind: "daily_play_count", Priority: 5, State: "pending", Payload: `{"n":1}`},
		{At: base.Add(time.Second), TaskID: "t1", Kind: "daily_play_count", Priority: 5, State: "in_flight", Attempt: 1},
		{At: base.Add(2 * time.Second), TaskID: "t1", Kind: "daily_play_count", Priority: 5, State: "retrying", Attempt: 1, Error: "boom"},
	}
	for _, e := range entries {
		if err := st.AppendTask(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := st.LoadTaskLog(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("entries = %d, want 3", len(got))
	}
	for i, want := range []string{"pending", "in_flight", "retrying"} {
		if got[i].State != want {
			t.Fatalf("entry %d state = %s, want %s", i, got[i].State, want)
		}
	}
	if got[0].Payload != `{"n":1}` || got[2].Error != "boom" {
		t.Fatalf("payload/error lost: %+v", got)
	}
	if got[1].Attempt != 1 {
		t.Fatalf("attempt lost: %+v", got[1])
	}
}

func TestPruneKeepsLiveTasks(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -60)
	// Terminal old task: prunable.
	_ = st.AppendTask(ctx, TaskLogEntry{At: old, TaskID: "done", Kind: "k", State: "pending"})
	_ = st.AppendTask(ctx, TaskLogEntry{At: old.Add(time.Second), TaskID: "done", Kind: "k", State: "completed"})
	// Old but still live: must survive.
	_ = st.AppendTask(ctx, TaskLogEntry{At: old, TaskID: "stuck", Kind: "k", State: "pending"})
	// Recent terminal: inside retention.
	_ = st.AppendTask(ctx, TaskLogEntry{At: time.Now(), TaskID: "fresh", Kind: "k", State: "completed"})

	n, err := st.PruneTaskLog(ctx, time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned = %d, want 2 (both rows of task done)", n)
	}

	left, err := st.LoadTaskLog(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ids := map[string]bool{}
	for _, e := range left {
		ids[e.TaskID] = true
	}
	if ids["done"] || !ids["stuck"] || !ids["fresh"] {
		t.Fatalf("surviving tasks: %v", ids)
	}
}
