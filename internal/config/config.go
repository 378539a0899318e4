// Package config provides YAML settings parsing and validation for the
// resolvix collector. The settings file is optional: every field has a
// production default, so the daemon runs with no file at all. Operational
// identity (backend URLs, credentials, file paths) comes from CLI flags in
// cmd/collector; this package owns the tuning knobs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Sections
// ---------------------------------------------------------------------------

// IntervalsConfig groups the periodic cadences of the daemon.
type IntervalsConfig struct {
	// Poll is the tailer sleep between read attempts at EOF.
	Poll time.Duration `yaml:"poll"`
	// Telemetry is the period between host snapshot collections.
	Telemetry time.Duration `yaml:"telemetry"`
	// Heartbeat is the period between heartbeat frames on the log stream.
	Heartbeat time.Duration `yaml:"heartbeat"`
	// OutboxIdle is how long the sender sleeps when the outbox is empty.
	OutboxIdle time.Duration `yaml:"outbox_idle"`
}

// PortsConfig holds the three listener ports.
type PortsConfig struct {
	// Control is the HTTP control-plane port.
	Control int `yaml:"control"`
	// LogStream is the live log WebSocket port (path /logs).
	LogStream int `yaml:"log_stream"`
	// TelemetryStream is the telemetry WebSocket port (path /telemetry).
	TelemetryStream int `yaml:"telemetry_stream"`
}

// OutboxConfig controls the durable telemetry queue and its sender loop.
type OutboxConfig struct {
	// Path is the on-disk queue file. A sidecar "<path>.lock" is created
	// next to it for the cross-process advisory lock.
	Path string `yaml:"path"`
	// MaxQueue caps the number of persisted entries; the oldest entry is
	// dropped when a new one would exceed the cap.
	MaxQueue int `yaml:"max_queue"`
	// MaxAttempts is how many delivery failures a single entry survives
	// before it is dropped with a warning.
	MaxAttempts int `yaml:"max_attempts"`
	// PostTimeout bounds one ingestion POST.
	PostTimeout time.Duration `yaml:"post_timeout"`
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration `yaml:"backoff_base"`
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration `yaml:"backoff_max"`
}

// SuppressionConfig controls the rule cache.
type SuppressionConfig struct {
	// CacheTTL is how long a loaded rule set is served before the next
	// access triggers a refresh from the store.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// ClassifierConfig holds the ordered keyword lists per severity class.
// Classes are tested in the order critical, error, high, medium; within a
// class the first matching keyword wins. Matching is case-insensitive
// substring.
type ClassifierConfig struct {
	Critical []string `yaml:"critical"`
	Error    []string `yaml:"error"`
	High     []string `yaml:"high"`
	Medium   []string `yaml:"medium"`
}

// Threshold is one alert trigger: the metric must sit at or above Value for
// Duration before a ticket is published, and at most one ticket is published
// per Cooldown.
type Threshold struct {
	Value    float64       `yaml:"value"`
	Duration time.Duration `yaml:"duration"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// ThresholdsConfig enumerates the built-in host alert rules.
type ThresholdsConfig struct {
	CPUCritical      Threshold `yaml:"cpu_critical"`
	CPUHigh          Threshold `yaml:"cpu_high"`
	MemoryCritical   Threshold `yaml:"memory_critical"`
	MemoryHigh       Threshold `yaml:"memory_high"`
	DiskCritical     Threshold `yaml:"disk_critical"`
	DiskHigh         Threshold `yaml:"disk_high"`
	HighProcessCount Threshold `yaml:"high_process_count"`
}

// AlertsConfig controls the host-metric alert engine.
type AlertsConfig struct {
	// Enabled turns the engine off entirely when false. Defaults to true.
	Enabled *bool `yaml:"enabled"`
	// Thresholds overrides individual trigger levels.
	Thresholds ThresholdsConfig `yaml:"thresholds"`
}

// StreamsConfig controls WebSocket fan-out behaviour.
type StreamsConfig struct {
	// SubscriberBuffer is the per-subscriber outbound message buffer; a
	// subscriber whose buffer is full is disconnected.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	// ReplayDepth is how many recent log events are replayed to a new
	// log-stream subscriber.
	ReplayDepth int `yaml:"replay_depth"`
}

// LoggingConfig controls the daemon's own structured log.
type LoggingConfig struct {
	// Level is the minimum level: debug | info | warn | error.
	Level string `yaml:"level"`
	// Path is the rotated log file. This file is auto-monitored under the
	// label "resolvix_daemon".
	Path string `yaml:"path"`
	// MaxSizeMB is the rotation threshold per file.
	MaxSizeMB int `yaml:"max_size_mb"`
	// MaxBackups is how many rotated files are kept.
	MaxBackups int `yaml:"max_backups"`
}

// MessagingConfig optionally mirrors ticket publications onto an AMQP queue.
// Leaving URL empty disables the publisher.
type MessagingConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

// HTTPConfig bounds the HTTP surfaces.
type HTTPConfig struct {
	// ShutdownGrace is how long in-flight work may drain after a signal.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	// RequestTimeout is the per-request deadline on the control plane.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Settings is the root of the optional YAML settings file.
type Settings struct {
	Intervals   IntervalsConfig   `yaml:"intervals"`
	Ports       PortsConfig       `yaml:"ports"`
	Outbox      OutboxConfig      `yaml:"outbox"`
	Suppression SuppressionConfig `yaml:"suppression"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Streams     StreamsConfig     `yaml:"streams"`
	Logging     LoggingConfig     `yaml:"logging"`
	Messaging   MessagingConfig   `yaml:"messaging"`
	HTTP        HTTPConfig        `yaml:"http"`
}

// AlertsEnabled reports whether the alert engine should run (default true).
func (s *Settings) AlertsEnabled() bool {
	return s.Alerts.Enabled == nil || *s.Alerts.Enabled
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns the settings the daemon runs with when no file is given.
func Default() *Settings {
	var s Settings
	applyDefaults(&s)
	return &s
}

// Load reads the YAML file at path, applies defaults, and validates. An
// empty path returns Default().
func Load(path string) (*Settings, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settings: reading %q: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("settings: %q: %w", path, err)
	}
	return s, nil
}

// Parse decodes YAML bytes, applies defaults, and validates. Callers who
// already hold the YAML in memory (tests) use this directly.
func Parse(data []byte) (*Settings, error) {
	var s Settings
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true) // reject unrecognised YAML keys
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	applyDefaults(&s)

	if errs := Validate(&s); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid settings:\n  - %s", strings.Join(msgs, "\n  - "))
	}
	return &s, nil
}

// applyDefaults fills in omitted fields with production values. Validation
// relies on defaults being present.
func applyDefaults(s *Settings) {
	// Intervals
	if s.Intervals.Poll == 0 {
		s.Intervals.Poll = 250 * time.Millisecond
	}
	if s.Intervals.Telemetry == 0 {
		s.Intervals.Telemetry = 60 * time.Second
	}
	if s.Intervals.Heartbeat == 0 {
		s.Intervals.Heartbeat = 15 * time.Second
	}
	if s.Intervals.OutboxIdle == 0 {
		s.Intervals.OutboxIdle = 5 * time.Second
	}

	// Ports
	if s.Ports.Control == 0 {
		s.Ports.Control = 8754
	}
	if s.Ports.LogStream == 0 {
		s.Ports.LogStream = 8755
	}
	if s.Ports.TelemetryStream == 0 {
		s.Ports.TelemetryStream = 8756
	}

	// Outbox
	if s.Outbox.Path == "" {
		s.Outbox.Path = "/var/lib/resolvix/telemetry_queue"
	}
	if s.Outbox.MaxQueue == 0 {
		s.Outbox.MaxQueue = 1000
	}
	if s.Outbox.MaxAttempts == 0 {
		s.Outbox.MaxAttempts = 10
	}
	if s.Outbox.PostTimeout == 0 {
		s.Outbox.PostTimeout = 10 * time.Second
	}
	if s.Outbox.BackoffBase == 0 {
		s.Outbox.BackoffBase = 2 * time.Second
	}
	if s.Outbox.BackoffMax == 0 {
		s.Outbox.BackoffMax = 5 * time.Minute
	}

	// Suppression
	if s.Suppression.CacheTTL == 0 {
		s.Suppression.CacheTTL = 60 * time.Second
	}

	// Classifier keyword classes, highest first.
	if len(s.Classifier.Critical) == 0 {
		s.Classifier.Critical = []string{"emerg", "emergency", "panic", "fatal", "crit", "critical", "alert"}
	}
	if len(s.Classifier.Error) == 0 {
		s.Classifier.Error = []string{"error", "err", "exception", "fail", "failed", "failure"}
	}
	if len(s.Classifier.High) == 0 {
		s.Classifier.High = []string{"warn", "warning"}
	}
	if len(s.Classifier.Medium) == 0 {
		s.Classifier.Medium = []string{"notice"}
	}

	// Alert thresholds
	t := &s.Alerts.Thresholds
	defaultThreshold(&t.CPUCritical, 90, 5*time.Minute, 30*time.Minute)
	defaultThreshold(&t.CPUHigh, 75, 10*time.Minute, time.Hour)
	defaultThreshold(&t.MemoryCritical, 95, 5*time.Minute, 30*time.Minute)
	defaultThreshold(&t.MemoryHigh, 85, 10*time.Minute, time.Hour)
	defaultThreshold(&t.DiskCritical, 90, 0, time.Hour)
	defaultThreshold(&t.DiskHigh, 80, 0, 2*time.Hour)
	defaultThreshold(&t.HighProcessCount, 500, 0, time.Hour)

	// Streams
	if s.Streams.SubscriberBuffer == 0 {
		s.Streams.SubscriberBuffer = 256
	}
	if s.Streams.ReplayDepth == 0 {
		s.Streams.ReplayDepth = 100
	}

	// Logging
	if s.Logging.Level == "" {
		s.Logging.Level = "info"
	}
	if s.Logging.Path == "" {
		s.Logging.Path = "/var/log/resolvix.log"
	}
	if s.Logging.MaxSizeMB == 0 {
		s.Logging.MaxSizeMB = 10
	}
	if s.Logging.MaxBackups == 0 {
		s.Logging.MaxBackups = 5
	}

	// Messaging
	if s.Messaging.Queue == "" {
		s.Messaging.Queue = "error_logs_queue"
	}

	// HTTP
	if s.HTTP.ShutdownGrace == 0 {
		s.HTTP.ShutdownGrace = 10 * time.Second
	}
	if s.HTTP.RequestTimeout == 0 {
		s.HTTP.RequestTimeout = 15 * time.Second
	}
}

func defaultThreshold(t *Threshold, value float64, duration, cooldown time.Duration) {
	if t.Value == 0 {
		t.Value = value
	}
	if t.Duration == 0 {
		t.Duration = duration
	}
	if t.Cooldown == 0 {
		t.Cooldown = cooldown
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks s for semantic errors and returns all of them at once so
// an operator can fix every problem in a single run.
func Validate(s *Settings) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if s.Intervals.Poll <= 0 {
		add("intervals.poll must be positive")
	}
	if s.Intervals.Telemetry <= 0 {
		add("intervals.telemetry must be positive")
	}
	if s.Intervals.Heartbeat <= 0 {
		add("intervals.heartbeat must be positive")
	}
	if s.Intervals.OutboxIdle <= 0 {
		add("intervals.outbox_idle must be positive")
	}

	ports := []struct {
		name string
		p    int
	}{
		{"ports.control", s.Ports.Control},
		{"ports.log_stream", s.Ports.LogStream},
		{"ports.telemetry_stream", s.Ports.TelemetryStream},
	}
	seen := map[int]string{}
	for _, pp := range ports {
		if pp.p < 1 || pp.p > 65535 {
			add("%s %d is out of range; must be between 1 and 65535", pp.name, pp.p)
			continue
		}
		if other, dup := seen[pp.p]; dup {
			add("%s and %s both use port %d", pp.name, other, pp.p)
		} else {
			seen[pp.p] = pp.name
		}
	}

	if s.Outbox.Path == "" {
		add("outbox.path must not be empty")
	}
	if s.Outbox.MaxQueue < 1 {
		add("outbox.max_queue must be >= 1")
	}
	if s.Outbox.MaxAttempts < 1 {
		add("outbox.max_attempts must be >= 1")
	}
	if s.Outbox.PostTimeout <= 0 {
		add("outbox.post_timeout must be positive")
	}
	if s.Outbox.BackoffBase <= 0 {
		add("outbox.backoff_base must be positive")
	}
	if s.Outbox.BackoffMax < s.Outbox.BackoffBase {
		add("outbox.backoff_max (%v) must be >= backoff_base (%v)",
			s.Outbox.BackoffMax, s.Outbox.BackoffBase)
	}

	if s.Suppression.CacheTTL <= 0 {
		add("suppression.cache_ttl must be positive")
	}

	if len(s.Classifier.Critical) == 0 {
		add("classifier.critical must list at least one keyword")
	}
	if len(s.Classifier.Error) == 0 {
		add("classifier.error must list at least one keyword")
	}

	if s.Streams.SubscriberBuffer < 1 {
		add("streams.subscriber_buffer must be >= 1")
	}
	if s.Streams.ReplayDepth < 0 {
		add("streams.replay_depth must be >= 0")
	}

	if !validLogLevels[s.Logging.Level] {
		add("logging.level %q is invalid; must be one of debug, info, warn, error", s.Logging.Level)
	}
	if s.Logging.Path == "" {
		add("logging.path must not be empty")
	}
	if s.Logging.MaxSizeMB < 1 {
		add("logging.max_size_mb must be >= 1")
	}
	if s.Logging.MaxBackups < 0 {
		add("logging.max_backups must be >= 0")
	}

	if s.Messaging.URL != "" && s.Messaging.Queue == "" {
		add("messaging.queue must not be empty when messaging.url is set")
	}

	if s.HTTP.ShutdownGrace <= 0 {
		add("http.shutdown_grace must be positive")
	}
	if s.HTTP.RequestTimeout <= 0 {
		add("http.request_timeout must be positive")
	}

	for _, th := range []struct {
		name string
		t    Threshold
	}{
		{"cpu_critical", s.Alerts.Thresholds.CPUCritical},
		{"cpu_high", s.Alerts.Thresholds.CPUHigh},
		{"memory_critical", s.Alerts.Thresholds.MemoryCritical},
		{"memory_high", s.Alerts.Thresholds.MemoryHigh},
		{"disk_critical", s.Alerts.Thresholds.DiskCritical},
		{"disk_high", s.Alerts.Thresholds.DiskHigh},
		{"high_process_count", s.Alerts.Thresholds.HighProcessCount},
	} {
		if th.t.Value <= 0 {
			add("alerts.thresholds.%s.value must be positive", th.name)
		}
		if th.t.Duration < 0 {
			add("alerts.thresholds.%s.duration must be >= 0", th.name)
		}
		if th.t.Cooldown < 0 {
			add("alerts.thresholds.%s.cooldown must be >= 0", th.name)
		}
	}

	return errs
}
