package render

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"
)

func TestParseKind(t *testing.T) {
	k, err := ParseKind("  Daily_Play_Count ")
	if err != nil || k != KindDailyPlayCount {
		t.Fatalf("parse: %v %v", k, err)
	}
	if _, err := ParseKind("pie_chart"); err == nil {
		t.Fatal("unknown kind accepted")
	}
}

func TestFileWriterWritesOneFilePerKind(t *testing.T) {
	dir := t.TempDir()
	w := NewFileWriter(dir)

	ds := Dataset{
		Kind:      KindTop10Users,
		RangeDays: 30,
		FetchedAt: time.Now(),
		Series:    []Series{{Name: "users", Labels: []string{"alice"}, Values: []float64{12}}},
	}
	art, err := w.Render(context.Background(), ds)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if art.Kind != KindTop10Users || art.Size == 0 {
		t.Fatalf("artifact: %+v", art)
	}

	raw, err := os.ReadFile(art.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var back Dataset
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("artifact not valid json: %v", err)
	}
	if back.Kind != ds.Kind || len(back.Series) != 1 || back.Series[0].Values[0] != 12 {
		t.Fatalf("round trip: %+v", back)
	}
}

func TestFileWriterHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewFileWriter(t.TempDir()).Render(ctx, Dataset{Kind: KindDailyPlayCount}); err == nil {
		t.Fatal("render ignored cancelled context")
	}
}
