// Package render defines the boundary between the fetch/dispatch pipeline and
// the rendering stage. The core only depends on the Renderer interface;
// chart drawing itself lives behind it.
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// GraphKind tags the dataset variants the rendering stage understands.
type GraphKind string

const (
	KindDailyPlayCount       GraphKind = "daily_play_count"
	KindPlayCountByDayOfWeek GraphKind = "play_count_by_dayofweek"
	KindPlayCountByHourOfDay GraphKind = "play_count_by_hourofday"
	KindPlayCountByMonth     GraphKind = "play_count_by_month"
	KindTop10Users           GraphKind = "top_10_users"
	KindTop10Platforms       GraphKind = "top_10_platforms"
)

// AllKinds lists every graph kind in a stable order.
func AllKinds() []GraphKind {
	return []GraphKind{
		KindDailyPlayCount,
		KindPlayCountByDayOfWeek,
		KindPlayCountByHourOfDay,
		KindPlayCountByMonth,
		KindTop10Users,
		KindTop10Platforms,
	}
}

// ParseKind validates a graph kind string from config or task payloads.
func ParseKind(s string) (GraphKind, error) {
	k := GraphKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllKinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown graph kind %q", s)
}

// Series is one named sequence of (label, value) points.
type Series struct {
	Name   string    `json:"name"`
	Labels []string  `json:"labels"`
	Values []float64 `json:"values"`
}

// Dataset is a render-ready aggregation of upstream statistics.
type Dataset struct {
	Kind      GraphKind `json:"kind"`
	RangeDays int       `json:"range_days"`
	FetchedAt time.Time `json:"fetched_at"`
	Series    []Series  `json:"series"`
}

// Artifact identifies a rendered output.
type Artifact struct {
	Kind GraphKind
	Path string
	Size int64
}

// Renderer turns a Dataset into an Artifact. Implementations own all
// pixel/plot concerns.
type Renderer interface {
	Render(ctx context.Context, ds Dataset) (Artifact, error)
}

// FileWriter is a minimal Renderer that writes datasets as JSON files,
// one per graph kind. It stands in for the chart renderer in deployments
// where an external process picks the datasets up.
type FileWriter struct {
	Dir string
}

func NewFileWriter(dir string) *FileWriter { return &FileWriter{Dir: dir} }

func (w *FileWriter) Render(ctx context.Context, ds Dataset) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return Artifact{}, err
	}
	b, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return Artifact{}, err
	}
	path := filepath.Join(w.Dir, string(ds.Kind)+".json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return Artifact{}, err
	}
	return Artifact{Kind: ds.Kind, Path: path, Size: int64(len(b))}, nil
}
