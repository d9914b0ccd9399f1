package config

import (
	"time"

	"tgraph/internal/render"
	"tgraph/internal/storage"
	"tgraph/pkg/logx"
)

// DayTime is a wall-clock time of day.
type DayTime struct {
	Hour   int
	Minute int
}

// Snapshot is the validated, immutable view of the configuration.
//
// Exactly one snapshot is live at any instant; reloads build a complete
// replacement and swap it atomically. Fields must never be mutated after
// publication.
type Snapshot struct {
	Version uint64

	Tautulli TautulliSettings
	Schedule ScheduleSettings
	Graphs   map[render.GraphKind]bool
	Engine   EngineSettings
	Fetch    FetchSettings
	Storage  storage.Config
	Logging  logx.Config
	Metrics  MetricsSettings

	OutputDir string
}

type TautulliSettings struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	MaxIdlePerHost int
}

type ScheduleSettings struct {
	UpdateDays int
	// FixedTime pins firings to a wall-clock time; nil means "interval only".
	FixedTime *DayTime
	// Cron, when set, overrides the interval cadence entirely.
	Cron     string
	Timezone string
	KeepDays int
}

type EngineSettings struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	TaskTimeout time.Duration
}

type FetchSettings struct {
	RateCapacity    int
	RateRefill      float64 // tokens per second
	CacheTTL        time.Duration
	RetryMax        int
	RetryBase       time.Duration
	CircuitTrip     int
	CircuitCooldown time.Duration
	CircuitMaxDelay time.Duration
}

type MetricsSettings struct {
	Enabled bool
	Addr    string
}

// EnabledKinds returns the enabled graph kinds in stable order.
func (s *Snapshot) EnabledKinds() []render.GraphKind {
	out := make([]render.GraphKind, 0, len(s.Graphs))
	for _, k := range render.AllKinds() {
		if s.Graphs[k] {
			out = append(out, k)
		}
	}
	return out
}

// Location resolves the schedule timezone, falling back to Local.
func (s *Snapshot) Location() *time.Location {
	if s.Schedule.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.Schedule.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
