// Package alert watches host telemetry for sustained threshold breaches and
// raises tickets for them. Each rule is a small state machine: a breach arms
// the rule, a breach sustained past the rule's duration fires a ticket, a
// reading back under the threshold disarms it, and a cooldown window caps
// how often one rule may fire.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/resolvix/collector/internal/config"
	"github.com/resolvix/collector/internal/telemetry"
	"github.com/resolvix/collector/internal/ticket"
)

// historyDepth bounds the firing history served on /api/alerts.
const historyDepth = 50

// rule is one configured trigger.
type rule struct {
	key      string
	metric   func(telemetry.Snapshot) float64
	unit     string
	priority string
	config.Threshold
}

// ruleState is the mutable half of a rule.
type ruleState struct {
	armedSince time.Time // zero when not armed
	lastSent   time.Time // zero when never fired
}

// Firing is one historical ticket emission.
type Firing struct {
	Key      string    `json:"key"`
	Value    float64   `json:"value"`
	Priority string    `json:"priority"`
	TS       time.Time `json:"ts"`
}

// RuleState is the exported view of one rule for /api/alerts.
type RuleState struct {
	Key           string     `json:"key"`
	Threshold     float64    `json:"threshold"`
	Priority      string     `json:"priority"`
	Armed         bool       `json:"armed"`
	ArmedSince    *time.Time `json:"armed_since,omitempty"`
	LastSent      *time.Time `json:"last_sent,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// State is the full engine view for /api/alerts.
type State struct {
	Rules   []RuleState `json:"rules"`
	History []Firing    `json:"history"`
}

// Engine evaluates snapshots against the threshold table. All methods are
// safe for concurrent use.
type Engine struct {
	publisher ticket.Publisher
	nodeIP    string
	hostname  string
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	rules   []rule
	states  map[string]*ruleState
	history []Firing
}

// New builds an Engine from the threshold table. publisher may be nil, in
// which case firings are logged but no tickets leave the node.
func New(thresholds config.ThresholdsConfig, publisher ticket.Publisher, nodeIP, hostname string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		publisher: publisher,
		nodeIP:    nodeIP,
		hostname:  hostname,
		logger:    logger,
		now:       time.Now,
		states:    make(map[string]*ruleState),
	}
	cpuMetric := func(s telemetry.Snapshot) float64 { return s.CPUPercent }
	memMetric := func(s telemetry.Snapshot) float64 { return s.MemoryPercent }
	diskMetric := func(s telemetry.Snapshot) float64 { return s.DiskPercent }
	procMetric := func(s telemetry.Snapshot) float64 { return float64(s.ProcessCount) }

	e.rules = []rule{
		{"cpu_critical", cpuMetric, "%", "critical", thresholds.CPUCritical},
		{"cpu_high", cpuMetric, "%", "high", thresholds.CPUHigh},
		{"memory_critical", memMetric, "%", "critical", thresholds.MemoryCritical},
		{"memory_high", memMetric, "%", "high", thresholds.MemoryHigh},
		{"disk_critical", diskMetric, "%", "critical", thresholds.DiskCritical},
		{"disk_high", diskMetric, "%", "high", thresholds.DiskHigh},
		{"high_process_count", procMetric, "", "medium", thresholds.HighProcessCount},
	}
	for _, r := range e.rules {
		e.states[r.key] = &ruleState{}
	}
	return e
}

// Observe evaluates one snapshot against every rule. It is called from the
// telemetry sink, once per snapshot.
func (e *Engine) Observe(ctx context.Context, snap telemetry.Snapshot) {
	now := e.now()

	type pending struct {
		r     rule
		value float64
	}
	var fire []pending

	e.mu.Lock()
	for _, r := range e.rules {
		st := e.states[r.key]
		value := r.metric(snap)

		if value < r.Value {
			if !st.armedSince.IsZero() {
				e.logger.Info("alert: metric back under threshold",
					slog.String("key", r.key), slog.Float64("value", value))
				st.armedSince = time.Time{}
			}
			continue
		}

		// In cooldown: a recent ticket already covers this breach.
		if !st.lastSent.IsZero() && now.Sub(st.lastSent) < r.Cooldown {
			continue
		}

		if st.armedSince.IsZero() {
			st.armedSince = now
			e.logger.Info("alert: threshold breached",
				slog.String("key", r.key), slog.Float64("value", value))
		}
		if now.Sub(st.armedSince) < r.Duration {
			continue
		}

		st.lastSent = now
		st.armedSince = time.Time{}
		e.history = append(e.history, Firing{Key: r.key, Value: value, Priority: r.priority, TS: now})
		if len(e.history) > historyDepth {
			e.history = e.history[len(e.history)-historyDepth:]
		}
		fire = append(fire, pending{r: r, value: value})
	}
	e.mu.Unlock()

	// Publish outside the lock; the backend's latency is not our critical
	// section.
	for _, p := range fire {
		e.publish(ctx, p.r, p.value)
	}
}

// publish raises one ticket for a fired rule.
func (e *Engine) publish(ctx context.Context, r rule, value float64) {
	title := fmt.Sprintf("%s on %s: %s", titleFor(r.key), e.hostname, formatValue(value, r.unit))
	e.logger.Warn("alert: raising ticket",
		slog.String("key", r.key), slog.Float64("value", value))
	if e.publisher == nil {
		return
	}
	t := ticket.Ticket{
		Title: title,
		Description: fmt.Sprintf("%s breached its threshold of %s (observed %s, required duration %s).",
			titleFor(r.key), formatValue(r.Value, r.unit), formatValue(value, r.unit), r.Duration),
		Priority:    r.priority,
		Status:      "open",
		Application: "System Monitor",
		SystemIP:    e.nodeIP,
		AlertType:   r.key,
		MetricValue: value,
	}
	if err := e.publisher.Publish(ctx, t); err != nil {
		e.logger.Warn("alert: ticket publish failed", slog.String("key", r.key), slog.Any("error", err))
	}
}

// State returns the per-rule states and recent firing history.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	out := State{
		Rules:   make([]RuleState, 0, len(e.rules)),
		History: append([]Firing(nil), e.history...),
	}
	for _, r := range e.rules {
		st := e.states[r.key]
		rs := RuleState{
			Key:       r.key,
			Threshold: r.Value,
			Priority:  r.priority,
			Armed:     !st.armedSince.IsZero(),
		}
		if rs.Armed {
			t := st.armedSince
			rs.ArmedSince = &t
		}
		if !st.lastSent.IsZero() {
			t := st.lastSent
			rs.LastSent = &t
			if until := st.lastSent.Add(r.Cooldown); until.After(now) {
				rs.CooldownUntil = &until
			}
		}
		out.Rules = append(out.Rules, rs)
	}
	return out
}

// titleFor renders a rule key as a human title ("cpu_critical" → "Cpu
// critical"). CPU and similar acronyms are uppercased.
func titleFor(key string) string {
	words := strings.Split(key, "_")
	for i, w := range words {
		switch w {
		case "cpu":
			words[i] = "CPU"
		default:
			if i == 0 && len(w) > 0 {
				words[i] = strings.ToUpper(w[:1]) + w[1:]
			}
		}
	}
	return strings.Join(words, " ")
}

func formatValue(v float64, unit string) string {
	if unit == "%" {
		return fmt.Sprintf("%.1f%%", v)
	}
	return fmt.Sprintf("%.0f", v)
}
