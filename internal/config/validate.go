package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"tgraph/internal/render"
	"tgraph/internal/storage"
	"tgraph/pkg/logx"
)

// Defaults applied when fields are omitted/zero.
const (
	defaultUpdateDays  = 7
	defaultKeepDays    = 30
	defaultWorkers     = 2
	defaultQueueSize   = 256
	defaultMaxAttempts = 3

	defaultRetryBase   = 500 * time.Millisecond
	defaultRetryMax    = 15 * time.Second
	defaultTaskTimeout = 2 * time.Minute

	defaultRateCapacity = 4
	defaultRateRefill   = 2.0
	defaultCacheTTL     = 5 * time.Minute
	defaultFetchRetries = 2
	defaultFetchBackoff = 250 * time.Millisecond

	defaultCircuitTrip     = 5
	defaultCircuitCooldown = 5 * time.Second
	defaultCircuitMaxDelay = 2 * time.Minute

	defaultMetricsAddr = "127.0.0.1:9317"
)

// fixedTimeDisabled is the sentinel operators use to switch the fixed
// time-of-day off while keeping the key in the file.
const fixedTimeDisabled = "XX:XX"

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// decode parses raw bytes (YAML or JSON, decided by path extension) into a
// FileConfig, rejecting unknown fields and trailing data.
func decode(path string, raw []byte) (*FileConfig, error) {
	jb, _, err := coerceToJSONBytes(path, raw)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalid)
	}

	var fc FileConfig
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrInvalid)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, invalidf("config", "trailing data")
		}
		return nil, fmt.Errorf("%v: %w", err, ErrInvalid)
	}
	return &fc, nil
}

// build validates a FileConfig and produces an immutable Snapshot.
// The returned snapshot has Version 0; the cache stamps it on publish.
func build(fc *FileConfig) (*Snapshot, error) {
	snap := &Snapshot{}

	// Upstream API.
	base := strings.TrimSpace(fc.Tautulli.BaseURL)
	if base == "" {
		return nil, invalidf("tautulli.base_url", "required")
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, invalidf("tautulli.base_url", "must be an http(s) URL")
	}
	if strings.TrimSpace(fc.Tautulli.APIKey) == "" {
		return nil, invalidf("tautulli.api_key", "required")
	}
	timeout, err := parseDurationOrDefault("tautulli.timeout", fc.Tautulli.Timeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	idle := fc.Tautulli.MaxIdlePerHost
	if idle < 0 || idle > 64 {
		return nil, rangef("tautulli.max_idle_per_host", "must be in [0,64]")
	}
	if idle == 0 {
		idle = 4
	}
	snap.Tautulli = TautulliSettings{
		BaseURL:        strings.TrimRight(base, "/"),
		APIKey:         strings.TrimSpace(fc.Tautulli.APIKey),
		Timeout:        timeout,
		MaxIdlePerHost: idle,
	}

	// Schedule.
	sc, err := buildSchedule(fc.Schedule)
	if err != nil {
		return nil, err
	}
	snap.Schedule = sc

	// Graphs. Unknown kinds are rejected; an empty block enables everything.
	snap.Graphs = make(map[render.GraphKind]bool, len(render.AllKinds()))
	if len(fc.Graphs) == 0 {
		for _, k := range render.AllKinds() {
			snap.Graphs[k] = true
		}
	} else {
		for name, on := range fc.Graphs {
			k, err := render.ParseKind(name)
			if err != nil {
				return nil, invalidf("graphs."+name, "unknown graph kind")
			}
			snap.Graphs[k] = on
		}
	}

	// Engine.
	eng, err := buildEngine(fc.Engine)
	if err != nil {
		return nil, err
	}
	snap.Engine = eng

	// Fetch.
	fs, err := buildFetch(fc.Fetch)
	if err != nil {
		return nil, err
	}
	snap.Fetch = fs

	// Storage.
	busy, err := parseDurationField("storage.busy_timeout", fc.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	snap.Storage = storage.Config{
		Driver:      fc.Storage.Driver,
		Path:        fc.Storage.Path,
		BusyTimeout: busy,
	}

	// Logging.
	snap.Logging = logx.Config{
		Level:   fc.Logging.Level,
		Console: fc.Logging.Console,
		File: logx.FileConfig{
			Enabled: fc.Logging.File.Enabled,
			Path:    fc.Logging.File.Path,
		},
	}

	// Metrics.
	snap.Metrics = MetricsSettings{Enabled: fc.Metrics.Enabled, Addr: fc.Metrics.Addr}
	if snap.Metrics.Enabled && strings.TrimSpace(snap.Metrics.Addr) == "" {
		snap.Metrics.Addr = defaultMetricsAddr
	}

	snap.OutputDir = strings.TrimSpace(fc.Output.Dir)
	if snap.OutputDir == "" {
		snap.OutputDir = "./graphs"
	}

	return snap, nil
}

func buildSchedule(sc ScheduleConfig) (ScheduleSettings, error) {
	out := ScheduleSettings{}

	out.UpdateDays = sc.UpdateDays
	if out.UpdateDays == 0 {
		out.UpdateDays = defaultUpdateDays
	}
	if out.UpdateDays < 1 || out.UpdateDays > 365 {
		return out, rangef("schedule.update_days", "must be in [1,365]")
	}

	out.KeepDays = sc.KeepDays
	if out.KeepDays == 0 {
		out.KeepDays = defaultKeepDays
	}
	if out.KeepDays < 1 || out.KeepDays > 730 {
		return out, rangef("schedule.keep_days", "must be in [1,730]")
	}

	ft, err := parseFixedTime(sc.FixedUpdateTime)
	if err != nil {
		return out, err
	}
	out.FixedTime = ft

	if spec := strings.TrimSpace(sc.Cron); spec != "" {
		if _, err := cronParser.Parse(spec); err != nil {
			return out, invalidf("schedule.cron", "%v", err)
		}
		out.Cron = spec
	}

	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return out, invalidf("schedule.timezone", "unknown timezone %q", tz)
		}
		out.Timezone = tz
	}

	return out, nil
}

// parseFixedTime accepts "HH:MM", the "XX:XX" disable sentinel, or empty.
func parseFixedTime(raw string) (*DayTime, error) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.EqualFold(s, fixedTimeDisabled) {
		return nil, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return nil, invalidf("schedule.fixed_update_time", "want HH:MM or %q", fixedTimeDisabled)
	}
	hh, err1 := strconv.Atoi(parts[0])
	mm, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return nil, invalidf("schedule.fixed_update_time", "want HH:MM or %q", fixedTimeDisabled)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return nil, rangef("schedule.fixed_update_time", "hour in [0,23], minute in [0,59]")
	}
	return &DayTime{Hour: hh, Minute: mm}, nil
}

func buildEngine(ec EngineConfig) (EngineSettings, error) {
	out := EngineSettings{
		Workers:     ec.Workers,
		QueueSize:   ec.QueueSize,
		MaxAttempts: ec.MaxAttempts,
	}
	if out.Workers == 0 {
		out.Workers = defaultWorkers
	}
	if out.Workers < 1 || out.Workers > 64 {
		return out, rangef("engine.workers", "must be in [1,64]")
	}
	if out.QueueSize == 0 {
		out.QueueSize = defaultQueueSize
	}
	if out.QueueSize < 1 || out.QueueSize > 65536 {
		return out, rangef("engine.queue_size", "must be in [1,65536]")
	}
	if out.MaxAttempts == 0 {
		out.MaxAttempts = defaultMaxAttempts
	}
	if out.MaxAttempts < 1 || out.MaxAttempts > 10 {
		return out, rangef("engine.max_attempts", "must be in [1,10]")
	}

	var err error
	if out.RetryBase, err = parseDurationOrDefault("engine.retry_base", ec.RetryBase, defaultRetryBase); err != nil {
		return out, err
	}
	if out.RetryMax, err = parseDurationOrDefault("engine.retry_max_delay", ec.RetryMax, defaultRetryMax); err != nil {
		return out, err
	}
	if out.TaskTimeout, err = parseDurationOrDefault("engine.task_timeout", ec.TaskTimeout, defaultTaskTimeout); err != nil {
		return out, err
	}
	if out.RetryMax < out.RetryBase {
		return out, rangef("engine.retry_max_delay", "must be >= retry_base")
	}
	return out, nil
}

func buildFetch(fc FetchConfig) (FetchSettings, error) {
	out := FetchSettings{
		RateCapacity: fc.RateCapacity,
		RateRefill:   fc.RateRefill,
		RetryMax:     fc.RetryMax,
		CircuitTrip:  fc.CircuitTrip,
	}
	if out.RateCapacity == 0 {
		out.RateCapacity = defaultRateCapacity
	}
	if out.RateCapacity < 1 || out.RateCapacity > 1000 {
		return out, rangef("fetch.rate_capacity", "must be in [1,1000]")
	}
	if out.RateRefill == 0 {
		out.RateRefill = defaultRateRefill
	}
	if out.RateRefill <= 0 || out.RateRefill > 1000 {
		return out, rangef("fetch.rate_refill_per_sec", "must be in (0,1000]")
	}
	if out.RetryMax == 0 {
		out.RetryMax = defaultFetchRetries
	}
	if out.RetryMax < 0 || out.RetryMax > 5 {
		return out, rangef("fetch.retry_max", "must be in [0,5]")
	}
	if out.CircuitTrip == 0 {
		out.CircuitTrip = defaultCircuitTrip
	}
	if out.CircuitTrip < 1 || out.CircuitTrip > 100 {
		return out, rangef("fetch.circuit_trip", "must be in [1,100]")
	}

	var err error
	if out.CacheTTL, err = parseDurationOrDefault("fetch.cache_ttl", fc.CacheTTL, defaultCacheTTL); err != nil {
		return out, err
	}
	if out.RetryBase, err = parseDurationOrDefault("fetch.retry_base", fc.RetryBase, defaultFetchBackoff); err != nil {
		return out, err
	}
	if out.CircuitCooldown, err = parseDurationOrDefault("fetch.circuit_cooldown", fc.CircuitCooldown, defaultCircuitCooldown); err != nil {
		return out, err
	}
	if out.CircuitMaxDelay, err = parseDurationOrDefault("fetch.circuit_max_cooldown", fc.CircuitMaxDelay, defaultCircuitMaxDelay); err != nil {
		return out, err
	}
	if out.CircuitMaxDelay < out.CircuitCooldown {
		return out, rangef("fetch.circuit_max_cooldown", "must be >= circuit_cooldown")
	}
	return out, nil
}
