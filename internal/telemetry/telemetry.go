// Package telemetry collects periodic host snapshots: CPU, memory, disk,
// load, uptime, and the heaviest processes. Snapshots feed the telemetry
// stream for live subscribers and the durable outbox for forwarding to the
// ingestion backend.
//
// Every metric source is allowed to fail independently. A source that errors
// contributes its zero value and a warning; the snapshot still ships, because
// a half-populated snapshot is worth more than a gap in the series.
package telemetry

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// DefaultPeriod is the snapshot cadence when none is configured.
const DefaultPeriod = 60 * time.Second

// topProcessCount is how many processes, ranked by CPU, a snapshot carries.
const topProcessCount = 10

// ProcessSample is one process in a snapshot's top-N listing.
type ProcessSample struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Snapshot is one point-in-time view of the host. It is the payload POSTed
// to the ingestion backend and the body of telemetry stream frames.
type Snapshot struct {
	TS            time.Time       `json:"ts"`
	NodeID        string          `json:"node_id"`
	Hostname      string          `json:"hostname"`
	IP            string          `json:"ip"`
	CPUPercent    float64         `json:"cpu_percent"`
	MemoryPercent float64         `json:"memory_percent"`
	DiskPercent   float64         `json:"disk_percent"`
	UptimeSeconds uint64          `json:"uptime_seconds"`
	Load1         float64         `json:"load_1"`
	Load5         float64         `json:"load_5"`
	Load15        float64         `json:"load_15"`
	ProcessCount  int             `json:"process_count"`
	Processes     []ProcessSample `json:"processes"`
}

// SinkFn receives each completed snapshot. The daemon wires it to the
// telemetry broadcaster and the outbox.
type SinkFn func(Snapshot)

// Collector produces snapshots on a fixed cadence.
type Collector struct {
	nodeID   string
	hostname string
	ip       string
	period   time.Duration
	sink     SinkFn
	logger   *slog.Logger
}

// Config carries the collector's identity and wiring.
type Config struct {
	// NodeID is the stable machine identity stamped on every snapshot.
	NodeID string
	// Hostname is the host name stamped on every snapshot.
	Hostname string
	// IP is the node's preferred outbound address.
	IP string
	// Period is the snapshot cadence. 0 or negative uses DefaultPeriod.
	Period time.Duration
	// Sink receives completed snapshots. May be nil; snapshots are then
	// discarded, which is only useful in tests.
	Sink SinkFn
	// Logger receives collection diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// New constructs a Collector. Nothing runs until Run is called.
func New(cfg Config) *Collector {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		nodeID:   cfg.NodeID,
		hostname: cfg.Hostname,
		ip:       cfg.IP,
		period:   cfg.Period,
		sink:     cfg.Sink,
		logger:   logger,
	}
}

// Run emits one snapshot immediately and then one per period until ctx is
// cancelled.
func (c *Collector) Run(ctx context.Context) {
	c.emit(ctx)

	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.emit(ctx)
		}
	}
}

func (c *Collector) emit(ctx context.Context) {
	snap := c.Collect(ctx)
	if c.sink != nil {
		c.sink(snap)
	}
}

// Collect builds one snapshot from the live host. Individual source failures
// degrade to zero values; Collect itself never fails.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	snap := Snapshot{
		TS:       time.Now().UTC(),
		NodeID:   c.nodeID,
		Hostname: c.hostname,
		IP:       c.ip,
	}

	if percs, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		c.logger.Warn("telemetry: cpu read failed", "error", err)
	} else if len(percs) > 0 {
		snap.CPUPercent = round2(percs[0])
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		c.logger.Warn("telemetry: memory read failed", "error", err)
	} else {
		snap.MemoryPercent = round2(vm.UsedPercent)
	}

	if du, err := disk.UsageWithContext(ctx, "/"); err != nil {
		c.logger.Warn("telemetry: disk read failed", "error", err)
	} else {
		snap.DiskPercent = round2(du.UsedPercent)
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		c.logger.Warn("telemetry: load read failed", "error", err)
	} else {
		snap.Load1 = avg.Load1
		snap.Load5 = avg.Load5
		snap.Load15 = avg.Load15
	}

	if up, err := host.UptimeWithContext(ctx); err != nil {
		c.logger.Warn("telemetry: uptime read failed", "error", err)
	} else {
		snap.UptimeSeconds = up
	}

	procs, total, err := Processes(ctx, topProcessCount)
	if err != nil {
		c.logger.Warn("telemetry: process listing failed", "error", err)
	} else {
		snap.Processes = procs
		snap.ProcessCount = total
	}

	return snap
}

// Processes returns the n processes with the highest CPU usage plus the
// total process count. It backs both snapshots and GET /api/processes.
//
// Per-process read failures are skipped: processes exit between listing and
// inspection all the time, and a vanished PID is not an error.
func Processes(ctx context.Context, n int) ([]ProcessSample, int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, 0, err
	}

	samples := make([]ProcessSample, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cpuPct, err := p.CPUPercentWithContext(ctx)
		if err != nil {
			continue
		}
		memPct, err := p.MemoryPercentWithContext(ctx)
		if err != nil {
			continue
		}
		samples = append(samples, ProcessSample{
			PID:           p.Pid,
			Name:          name,
			CPUPercent:    round2(cpuPct),
			MemoryPercent: round2(float64(memPct)),
		})
	}

	total := len(samples)
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].CPUPercent != samples[j].CPUPercent {
			return samples[i].CPUPercent > samples[j].CPUPercent
		}
		return samples[i].PID < samples[j].PID
	})
	if len(samples) > n {
		samples = samples[:n]
	}
	return samples, total, nil
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
