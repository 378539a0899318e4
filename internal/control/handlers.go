package control

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/resolvix/collector/internal/alert"
	"github.com/resolvix/collector/internal/monitor"
	"github.com/resolvix/collector/internal/outbox"
	"github.com/resolvix/collector/internal/suppress"
)

// processListLimit is how many processes GET /api/processes returns.
const processListLimit = 10

// suppressionStatus augments the cache stats with the enabled flag for
// /api/status.
type suppressionStatus struct {
	Enabled bool `json:"enabled"`
	suppress.Stats
}

// statusResponse is the GET /api/status document.
type statusResponse struct {
	Status         string               `json:"status"`
	Version        string               `json:"version"`
	NodeID         string               `json:"node_id"`
	Hostname       string               `json:"hostname"`
	IP             string               `json:"ip"`
	UptimeSeconds  int64                `json:"uptime_seconds"`
	MonitoredFiles int                  `json:"monitored_files"`
	Files          []monitor.FileStatus `json:"files"`
	Suppression    suppressionStatus    `json:"suppression"`
	Outbox         outbox.Stats         `json:"outbox"`
	Streams        streamsStatus        `json:"streams"`
	Alerts         alertsSummary        `json:"alerts"`
}

type streamsStatus struct {
	LogSubscribers       int `json:"log_subscribers"`
	TelemetrySubscribers int `json:"telemetry_subscribers"`
}

type alertsSummary struct {
	Armed   int `json:"armed"`
	Firings int `json:"recent_firings"`
}

// handleHealth responds to GET /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus responds to GET /api/status with the full daemon snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	files := s.cfg.Supervisor.Statuses()

	resp := statusResponse{
		Status:         "ok",
		Version:        s.cfg.Version,
		NodeID:         s.cfg.NodeID,
		Hostname:       s.cfg.Hostname,
		IP:             s.cfg.IP,
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
		MonitoredFiles: len(files),
		Files:          files,
		Suppression: suppressionStatus{
			Enabled: s.cfg.SuppressionEnabled,
			Stats:   s.cfg.Suppression.Stats(),
		},
		Streams: streamsStatus{
			LogSubscribers:       s.logSubscribers(),
			TelemetrySubscribers: s.telemetrySubscribers(),
		},
	}
	if s.cfg.Outbox != nil {
		resp.Outbox = s.cfg.Outbox.Stats()
	}
	if s.cfg.Alerts != nil {
		st := s.cfg.Alerts.State()
		for _, rule := range st.Rules {
			if rule.Armed {
				resp.Alerts.Armed++
			}
		}
		resp.Alerts.Firings = len(st.History)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleConfig responds to GET /api/config with the persisted document.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	raw, err := s.cfg.ConfigStore.Raw()
	if err != nil {
		s.logger.Error("control: reading config", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read configuration")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// handleReload responds to POST /api/config/reload: the supervisor
// reconciles against the persisted file and the suppression cache refreshes.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Supervisor.Reload(); err != nil {
		s.logger.Error("control: config reload failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}
	if err := s.cfg.Suppression.ForceReload(r.Context()); err != nil {
		// Suppression is fail-open; a dead rule store must not fail the
		// config reload that the operator actually asked for.
		s.logger.Warn("control: suppression reload failed", "error", err)
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"reloaded": true})
}

// handleMonitoredFiles responds to GET /api/monitored-files.
func (s *Server) handleMonitoredFiles(w http.ResponseWriter, r *http.Request) {
	files := s.cfg.Supervisor.List()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"files": files,
		"count": len(files),
	})
}

// addRequest is the POST /api/config/monitored_files/add body.
type addRequest struct {
	Files []struct {
		Path     string `json:"path"`
		Label    string `json:"label"`
		Priority string `json:"priority"`
	} `json:"files"`
}

// failedFile is one rejected spec in an add response.
type failedFile struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// handleAdd responds to POST /api/config/monitored_files/add.
//
// Response matrix: all specs valid → 200 success; some valid → 207 partial;
// none valid (or an unusable body) → 400 error.
func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeAddError(w, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Files) == 0 {
		s.writeAddError(w, "no files provided")
		return
	}

	specs := make([]monitor.AddSpec, len(req.Files))
	for i, f := range req.Files {
		specs[i] = monitor.AddSpec{Path: f.Path, Label: f.Label, Priority: f.Priority}
	}
	res := s.cfg.Supervisor.Add(specs)

	added := make([]string, 0, len(res.Added))
	for _, mf := range res.Added {
		added = append(added, mf.Path)
	}
	failed := make([]failedFile, 0, len(res.Failed))
	for _, f := range res.Failed {
		failed = append(failed, failedFile{Path: f.Path, Error: f.Reason})
	}

	switch {
	case len(failed) == 0:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":      "success",
			"added_files": added,
			"monitoring":  true,
		})
	case len(added) > 0:
		s.writeJSON(w, http.StatusMultiStatus, map[string]any{
			"status":       "partial",
			"added_files":  added,
			"failed_files": failed,
		})
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"status":       "error",
			"message":      "no files could be added",
			"failed_files": failed,
		})
	}
}

// writeAddError writes the add matrix's 400 shape, which carries an empty
// failed_files array even when no spec got far enough to fail individually.
func (s *Server) writeAddError(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusBadRequest, map[string]any{
		"status":       "error",
		"message":      message,
		"failed_files": []failedFile{},
	})
}

// removeRequest is the DELETE /api/config/monitored_files/remove body.
type removeRequest struct {
	Labels []string `json:"labels"`
}

// handleRemove responds to DELETE /api/config/monitored_files/remove.
//
// Response matrix: all labels removed → 200; some → 207; none → 400, with
// not_found and cannot_remove naming the survivors.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Labels) == 0 {
		s.writeError(w, http.StatusBadRequest, "no labels provided")
		return
	}

	res := s.cfg.Supervisor.Remove(req.Labels)
	removed := emptyIfNil(res.Removed)
	notFound := emptyIfNil(res.NotFound)
	cannotRemove := emptyIfNil(res.CannotRemove)

	switch {
	case len(notFound) == 0 && len(cannotRemove) == 0:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":         "success",
			"removed_labels": removed,
		})
	case len(removed) > 0:
		s.writeJSON(w, http.StatusMultiStatus, map[string]any{
			"status":         "partial",
			"removed_labels": removed,
			"not_found":      notFound,
			"cannot_remove":  cannotRemove,
		})
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"status":        "error",
			"message":       "no labels could be removed",
			"not_found":     notFound,
			"cannot_remove": cannotRemove,
		})
	}
}

// handleProcesses responds to GET /api/processes with the current top
// processes by CPU.
func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Processes == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"processes": []any{}, "count": 0})
		return
	}
	procs, total, err := s.cfg.Processes(r.Context(), processListLimit)
	if err != nil {
		s.logger.Error("control: listing processes", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list processes")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"processes": procs,
		"count":     total,
	})
}

// handleAlerts responds to GET /api/alerts with the alert engine state.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Alerts == nil {
		s.writeJSON(w, http.StatusOK, alert.State{Rules: []alert.RuleState{}, History: []alert.Firing{}})
		return
	}
	st := s.cfg.Alerts.State()
	if st.History == nil {
		st.History = []alert.Firing{}
	}
	s.writeJSON(w, http.StatusOK, st)
}

// emptyIfNil keeps JSON arrays as [] rather than null.
func emptyIfNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
