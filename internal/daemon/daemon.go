// Package daemon assembles the collector pipeline: tailed lines flow through
// the classifier and the suppression cache into ticket publication and the
// live log stream, while periodic host snapshots feed the telemetry stream,
// the durable outbox, and the alert engine. The daemon owns every goroutine
// and every listener; Run blocks until the context is cancelled or a
// component fails fatally.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/resolvix/collector/internal/alert"
	"github.com/resolvix/collector/internal/classify"
	"github.com/resolvix/collector/internal/config"
	"github.com/resolvix/collector/internal/control"
	"github.com/resolvix/collector/internal/monitor"
	"github.com/resolvix/collector/internal/outbox"
	"github.com/resolvix/collector/internal/state"
	"github.com/resolvix/collector/internal/stream"
	"github.com/resolvix/collector/internal/suppress"
	"github.com/resolvix/collector/internal/tailer"
	"github.com/resolvix/collector/internal/telemetry"
	"github.com/resolvix/collector/internal/ticket"
)

// DaemonLabel is the auto-monitored label of the collector's own log file.
const DaemonLabel = "resolvix_daemon"

// ticketBuffer bounds the pending ticket publications. Publication is
// fire-and-forget: when the buffer is full the ticket is dropped with a
// warning rather than stalling a tailer.
const ticketBuffer = 1024

// maxTicketLine caps how much of a log line a ticket description carries.
const maxTicketLine = 500

// LogEvent is one error-class line that survived classification and
// suppression.
type LogEvent struct {
	TS       time.Time
	Label    string
	Path     string
	Priority classify.Priority
	Severity classify.Severity
	Line     string
	NodeIP   string
}

// Config carries the daemon's operational identity. Tuning knobs live in
// Settings; everything here comes from CLI flags.
type Config struct {
	// Version is the build version reported on /api/status.
	Version string

	// Settings is the tuning document. Nil uses config.Default().
	Settings *config.Settings

	// StatePath is the persisted monitored-file document.
	StatePath string

	// LogFile is an extra file to monitor from startup. Optional.
	LogFile string

	// TicketURL is the backend ticket-creation endpoint. Empty disables
	// HTTP ticket publication.
	TicketURL string

	// TelemetryBackendURL is the ingestion base URL for snapshot delivery.
	// Empty disables the sender; snapshots still queue locally.
	TelemetryBackendURL string

	// TelemetryToken is the bearer token for snapshot delivery.
	TelemetryToken string

	// DBConnString connects the suppression rule store. Empty disables
	// suppression entirely.
	DBConnString string

	Logger *slog.Logger
}

// Daemon is the assembled collector.
type Daemon struct {
	settings *config.Settings
	logger   *slog.Logger

	nodeID   string
	hostname string
	ip       string

	classifier  *classify.Classifier
	store       *state.Store
	supervisor  *monitor.Supervisor
	suppression *suppress.Cache
	ruleStore   *suppress.Store
	queue       *outbox.Queue
	sender      *outbox.Sender
	publisher   ticket.Publisher
	amqp        *ticket.AMQPPublisher
	alerts      *alert.Engine
	logBC       *stream.Broadcaster
	telemetryBC *stream.Broadcaster
	collector   *telemetry.Collector

	controlSrv   *http.Server
	logSrv       *http.Server
	telemetrySrv *http.Server
	controlLn    net.Listener
	logLn        net.Listener
	telemetryLn  net.Listener

	tickets chan ticket.Ticket
	wg      sync.WaitGroup

	// runCtx is the Run context, read by tailer-goroutine callbacks.
	mu     sync.RWMutex
	runCtx context.Context
}

// New assembles the daemon: opens the outbox, connects suppression, binds
// the three listeners, and registers the persisted monitored files. Nothing
// runs until Run. An error here is a startup failure; the caller exits 1.
func New(ctx context.Context, cfg Config) (*Daemon, error) {
	settings := cfg.Settings
	if settings == nil {
		settings = config.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	d := &Daemon{
		settings: settings,
		logger:   logger,
		nodeID:   telemetry.NodeID(),
		hostname: hostname,
		ip:       telemetry.SelfIP(),
		tickets:  make(chan ticket.Ticket, ticketBuffer),
	}

	d.classifier = classify.New(
		settings.Classifier.Critical,
		settings.Classifier.Error,
		settings.Classifier.High,
		settings.Classifier.Medium,
	)
	d.store = state.NewStore(cfg.StatePath)

	// Suppression is fail-open end to end: no database, or a database that
	// cannot be reached at startup, degrades to pass-everything.
	if cfg.DBConnString == "" {
		logger.Info("daemon: suppression disabled, no database configured")
	} else if rs, err := suppress.NewStore(ctx, cfg.DBConnString); err != nil {
		logger.Warn("daemon: suppression disabled, store unavailable", "error", err)
	} else {
		d.ruleStore = rs
		d.suppression = suppress.NewCache(rs, d.ip, settings.Suppression.CacheTTL, logger)
	}

	d.queue, err = outbox.Open(settings.Outbox.Path, outbox.Options{
		MaxQueue: settings.Outbox.MaxQueue,
		Logger:   logger,
	})
	if err != nil {
		d.closePartial()
		return nil, fmt.Errorf("daemon: opening outbox: %w", err)
	}
	if cfg.TelemetryBackendURL == "" {
		logger.Warn("daemon: no telemetry backend configured; snapshots queue locally")
	} else {
		d.sender = outbox.NewSender(outbox.SenderConfig{
			Queue:       d.queue,
			BackendURL:  cfg.TelemetryBackendURL,
			Token:       cfg.TelemetryToken,
			IdleSleep:   settings.Intervals.OutboxIdle,
			PostTimeout: settings.Outbox.PostTimeout,
			MaxAttempts: settings.Outbox.MaxAttempts,
			BackoffBase: settings.Outbox.BackoffBase,
			BackoffMax:  settings.Outbox.BackoffMax,
			Logger:      logger,
		})
	}

	if settings.Messaging.URL != "" {
		d.amqp = ticket.NewAMQPPublisher(settings.Messaging.URL, settings.Messaging.Queue, logger)
	}
	var logPubs, alertPubs []ticket.Publisher
	if cfg.TicketURL != "" {
		logPubs = append(logPubs, ticket.NewHTTPPublisher(cfg.TicketURL, logger))
		alertPubs = append(alertPubs, ticket.NewHTTPPublisher(ticket.AlertURL(cfg.TicketURL), logger))
	} else {
		logger.Warn("daemon: no ticket API configured; events stream but do not raise tickets")
	}
	if d.amqp != nil {
		logPubs = append(logPubs, d.amqp)
		alertPubs = append(alertPubs, d.amqp)
	}
	d.publisher = ticket.NewMulti(logPubs...)

	if settings.AlertsEnabled() {
		d.alerts = alert.New(settings.Alerts.Thresholds, ticket.NewMulti(alertPubs...), d.ip, d.hostname, logger)
	}

	d.logBC = stream.NewBroadcaster(settings.Streams.SubscriberBuffer, settings.Streams.ReplayDepth, logger)
	d.telemetryBC = stream.NewBroadcaster(settings.Streams.SubscriberBuffer, 0, logger)

	d.supervisor = monitor.New(monitor.Config{
		Store:        d.store,
		PollInterval: settings.Intervals.Poll,
		OnLine:       d.handleLine,
		Logger:       logger,
	})
	if err := d.supervisor.LoadPersisted(); err != nil {
		d.closePartial()
		return nil, fmt.Errorf("daemon: loading persisted files: %w", err)
	}
	d.supervisor.EnsureAuto(DaemonLabel, settings.Logging.Path, classify.PriorityMedium)
	if cfg.LogFile != "" && !d.monitoring(cfg.LogFile) {
		res := d.supervisor.Add([]monitor.AddSpec{{Path: cfg.LogFile}})
		for _, f := range res.Failed {
			logger.Warn("daemon: cannot monitor requested file", "path", f.Path, "reason", f.Reason)
		}
	}

	d.collector = telemetry.New(telemetry.Config{
		NodeID:   d.nodeID,
		Hostname: d.hostname,
		IP:       d.ip,
		Period:   settings.Intervals.Telemetry,
		Sink:     d.onSnapshot,
		Logger:   logger,
	})

	ctrlCfg := control.Config{
		Version:              cfg.Version,
		NodeID:               d.nodeID,
		Hostname:             d.hostname,
		IP:                   d.ip,
		Supervisor:           d.supervisor,
		Suppression:          d.suppression,
		SuppressionEnabled:   d.suppression != nil,
		ConfigStore:          d.store,
		Outbox:               d.queue,
		Processes:            telemetry.Processes,
		LogSubscribers:       d.logBC.Count,
		TelemetrySubscribers: d.telemetryBC.Count,
		RequestTimeout:       settings.HTTP.RequestTimeout,
		Logger:               logger,
	}
	if d.alerts != nil {
		ctrlCfg.Alerts = d.alerts
	}
	d.controlSrv = control.NewServer(ctrlCfg).HTTPServer(settings.Ports.Control)
	d.logSrv = stream.NewServer(settings.Ports.LogStream, "/logs",
		stream.NewLogHandler(d.logBC, logger))
	d.telemetrySrv = stream.NewServer(settings.Ports.TelemetryStream, "/telemetry",
		stream.NewTelemetryHandler(d.telemetryBC, d.collector.Collect, d.nodeID, logger))

	// Bind every listener now so a port conflict is a startup error, not a
	// runtime fault.
	for _, b := range []struct {
		name string
		srv  *http.Server
		ln   *net.Listener
	}{
		{"control", d.controlSrv, &d.controlLn},
		{"log stream", d.logSrv, &d.logLn},
		{"telemetry stream", d.telemetrySrv, &d.telemetryLn},
	} {
		ln, err := net.Listen("tcp", b.srv.Addr)
		if err != nil {
			d.closePartial()
			return nil, fmt.Errorf("daemon: binding %s listener: %w", b.name, err)
		}
		*b.ln = ln
	}

	return d, nil
}

// closePartial releases whatever New acquired before failing.
func (d *Daemon) closePartial() {
	for _, ln := range []net.Listener{d.controlLn, d.logLn, d.telemetryLn} {
		if ln != nil {
			ln.Close()
		}
	}
	if d.queue != nil {
		_ = d.queue.Close()
	}
	if d.ruleStore != nil {
		d.ruleStore.Close()
	}
}

// Run starts every component and blocks until ctx is cancelled or an HTTP
// server fails. Shutdown drains within the configured grace period. The
// returned error is nil for a clean signal-driven stop.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	d.runCtx = ctx
	d.mu.Unlock()

	d.logger.Info("daemon: starting",
		"node_id", d.nodeID,
		"hostname", d.hostname,
		"ip", d.ip,
		"files", len(d.supervisor.List()),
		"suppression", d.suppression != nil)

	errc := make(chan error, 3)
	serve := func(name string, srv *http.Server, ln net.Listener) {
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("%s server: %w", name, err)
			}
		}()
	}
	serve("control", d.controlSrv, d.controlLn)
	serve("log stream", d.logSrv, d.logLn)
	serve("telemetry stream", d.telemetrySrv, d.telemetryLn)

	d.supervisor.Start(ctx)
	go d.collector.Run(ctx)
	go d.logBC.RunHeartbeat(ctx, d.settings.Intervals.Heartbeat)
	if d.sender != nil {
		go d.sender.Run(ctx)
	}
	d.wg.Add(1)
	go d.publishLoop(ctx)

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Info("daemon: shutdown requested")
	case runErr = <-errc:
		d.logger.Error("daemon: fatal component failure", "error", runErr)
	}

	d.shutdown()
	return runErr
}

// shutdown stops the HTTP surfaces within the grace period, waits for the
// tailers and the publish loop, and releases every resource.
func (d *Daemon) shutdown() {
	grace := d.settings.HTTP.ShutdownGrace
	shCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	for _, srv := range []*http.Server{d.controlSrv, d.logSrv, d.telemetrySrv} {
		if err := srv.Shutdown(shCtx); err != nil {
			_ = srv.Close()
		}
	}

	d.supervisor.Wait()
	close(d.tickets)
	d.wg.Wait()

	d.logBC.Close()
	d.telemetryBC.Close()
	if d.amqp != nil {
		d.amqp.Close()
	}
	if err := d.queue.Close(); err != nil && !errors.Is(err, outbox.ErrClosed) {
		d.logger.Warn("daemon: closing outbox", "error", err)
	}
	if d.ruleStore != nil {
		d.ruleStore.Close()
	}
	d.logger.Info("daemon: stopped")
}

// handleLine is the supervisor's line callback, invoked from per-file tailer
// goroutines. Classification and suppression happen inline; ticket
// publication is handed to the publish loop so a slow backend never stalls
// tailing.
func (d *Daemon) handleLine(file state.MonitoredFile, line tailer.Line) {
	isIssue, severity := d.classifier.Classify(line.Text)
	if !isIssue {
		return
	}

	ctx := d.lineCtx()
	if rule, suppressed := d.suppression.ShouldSuppress(ctx, line.Text); suppressed {
		d.logger.Debug("daemon: line suppressed",
			"label", file.Label, "rule", rule.Name)
		return
	}

	ts := line.DetectedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	ev := LogEvent{
		TS:       ts,
		Label:    file.Label,
		Path:     file.Path,
		Priority: classify.EventPriority(line.Text, severity, file.Priority),
		Severity: severity,
		Line:     line.Text,
		NodeIP:   d.ip,
	}

	d.logBC.PublishEvent(stream.Event{
		TS:       ev.TS,
		Label:    ev.Label,
		Priority: ev.Priority,
		Severity: ev.Severity,
		Line:     ev.Line,
	})

	select {
	case d.tickets <- eventTicket(ev):
	default:
		d.logger.Warn("daemon: ticket queue full, dropping",
			"label", ev.Label, "severity", ev.Severity)
	}
}

func (d *Daemon) lineCtx() context.Context {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.runCtx != nil {
		return d.runCtx
	}
	return context.Background()
}

// publishLoop delivers queued tickets one at a time.
func (d *Daemon) publishLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case t, ok := <-d.tickets:
			if !ok {
				return
			}
			if err := d.publisher.Publish(ctx, t); err != nil {
				d.logger.Warn("daemon: ticket not delivered",
					"title", t.Title, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// onSnapshot is the telemetry sink: broadcast to stream subscribers, enqueue
// for backend delivery, and feed the alert engine.
func (d *Daemon) onSnapshot(snap telemetry.Snapshot) {
	d.telemetryBC.PublishRaw(stream.MarshalSnapshot(snap))

	payload, err := json.Marshal(snap)
	if err == nil {
		err = d.queue.Enqueue(payload)
	}
	if err != nil && !errors.Is(err, outbox.ErrClosed) {
		d.logger.Warn("daemon: enqueueing snapshot", "error", err)
	}

	if d.alerts != nil {
		d.alerts.Observe(d.lineCtx(), snap)
	}
}

// monitoring reports whether path is already in the supervised set.
func (d *Daemon) monitoring(path string) bool {
	for _, mf := range d.supervisor.List() {
		if mf.Path == path {
			return true
		}
	}
	return false
}

// eventTicket maps a surviving log event onto the backend ticket shape.
func eventTicket(ev LogEvent) ticket.Ticket {
	line := ev.Line
	if len(line) > maxTicketLine {
		line = line[:maxTicketLine] + "…"
	}
	return ticket.Ticket{
		Title:       fmt.Sprintf("Log %s in %s", ev.Severity, ev.Label),
		Description: fmt.Sprintf("%s (%s): %s", ev.Path, ev.TS.Format(time.RFC3339), line),
		Priority:    string(ev.Priority),
		Status:      "open",
		Application: "Log Monitor",
		SystemIP:    ev.NodeIP,
		LogLabel:    ev.Label,
		Severity:    string(ev.Severity),
		Line:        line,
	}
}
